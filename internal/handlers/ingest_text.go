package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scribeq/scribeq/internal/domain"
)

const maxTextBytes = 1 << 20 // 1 MB of raw text per job

type textPayload struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

type textOutput struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// TextIngestHandler normalizes pasted raw text into the shape the
// generation stage consumes. Pure CPU work, so every failure here is a
// payload problem and therefore fatal.
type TextIngestHandler struct{}

func NewTextIngestHandler() *TextIngestHandler { return &TextIngestHandler{} }

func (h *TextIngestHandler) JobType() domain.JobType { return domain.TypeIngestText }

func (h *TextIngestHandler) Handle(ctx context.Context, job *domain.Job) ([]byte, error) {
	_, span := otel.Tracer("worker").Start(ctx, "handler.ingest_text")
	defer span.End()

	var p textPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, domain.Fatal(fmt.Errorf("invalid text payload: %w", err))
	}
	if strings.TrimSpace(p.Content) == "" {
		err := errors.New("text payload missing required field 'content'")
		span.SetStatus(codes.Error, "missing 'content' field")
		return nil, domain.Fatal(err)
	}
	if len(p.Content) > maxTextBytes {
		return nil, domain.Fatal(fmt.Errorf("text payload too large: %d bytes (limit %d)", len(p.Content), maxTextBytes))
	}
	if !utf8.ValidString(p.Content) {
		return nil, domain.Fatal(errors.New("text payload is not valid UTF-8"))
	}

	content := normalize(p.Content)
	words := len(strings.Fields(content))
	span.SetAttributes(attribute.Int("text.word_count", words))

	out, err := json.Marshal(textOutput{
		Title:     strings.TrimSpace(p.Title),
		Content:   content,
		WordCount: words,
	})
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("encode text output: %w", err))
	}
	return out, nil
}

// normalize collapses Windows line endings and trims trailing space from
// each line; paragraph structure is preserved.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
