package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scribeq/scribeq/internal/domain"
)

type generatePayload struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	Style      string `json:"style,omitempty"`
}

// BlogGenerateHandler posts ingested source material to the generation
// service and stores the returned draft. Prompt construction and model
// choice live behind the service; this side only moves bytes.
type BlogGenerateHandler struct {
	endpoint string
	client   *http.Client
}

func NewBlogGenerateHandler(endpoint string) *BlogGenerateHandler {
	return &BlogGenerateHandler{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (h *BlogGenerateHandler) JobType() domain.JobType { return domain.TypeGenerateBlog }

func (h *BlogGenerateHandler) Handle(ctx context.Context, job *domain.Job) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.generate_blog")
	defer span.End()

	var p generatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, domain.Fatal(fmt.Errorf("invalid generate payload: %w", err))
	}
	if p.DocumentID == "" {
		err := errors.New("generate payload missing required field 'document_id'")
		span.SetStatus(codes.Error, "missing 'document_id' field")
		return nil, domain.Fatal(err)
	}
	if p.Source == "" {
		return nil, domain.Fatal(errors.New("generate payload missing required field 'source'"))
	}

	span.SetAttributes(attribute.String("document.id", p.DocumentID))

	body, err := json.Marshal(map[string]string{
		"document_id": p.DocumentID,
		"source":      p.Source,
		"style":       p.Style,
	})
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("encode generation request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("build generation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation service unreachable")
		return nil, domain.Retryable(fmt.Errorf("generate draft for document %s: %w", p.DocumentID, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.Retryable(fmt.Errorf("generation service rate limited document %s", p.DocumentID))
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return nil, domain.Fatal(fmt.Errorf("generation service rejected document %s: status %d", p.DocumentID, resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, domain.Retryable(fmt.Errorf("generation service error for document %s: status %d", p.DocumentID, resp.StatusCode))
	}

	draft, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("read generated draft: %w", err))
	}
	if !json.Valid(draft) {
		return nil, domain.Retryable(fmt.Errorf("generation service returned non-JSON draft for document %s", p.DocumentID))
	}
	return draft, nil
}
