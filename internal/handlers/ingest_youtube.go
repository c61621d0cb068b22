package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scribeq/scribeq/internal/domain"
)

// youtubePayload is the expected JSON structure in job.Payload.
type youtubePayload struct {
	URL      string `json:"url"`
	Language string `json:"language,omitempty"`
}

// youtubeOutput is stored on the job row when ingestion succeeds.
type youtubeOutput struct {
	VideoURL   string `json:"video_url"`
	Transcript string `json:"transcript"`
	FetchedAt  string `json:"fetched_at"`
}

// YouTubeIngestHandler pulls a video transcript from the caption service.
// The caption service itself (scraping, parsing) is an external
// collaborator behind one HTTP endpoint.
type YouTubeIngestHandler struct {
	endpoint string
	client   *http.Client
}

// NewYouTubeIngestHandler creates the handler against the given caption
// service base URL.
func NewYouTubeIngestHandler(endpoint string) *YouTubeIngestHandler {
	return &YouTubeIngestHandler{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *YouTubeIngestHandler) JobType() domain.JobType { return domain.TypeIngestYouTube }

func (h *YouTubeIngestHandler) Handle(ctx context.Context, job *domain.Job) ([]byte, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.ingest_youtube")
	defer span.End()

	var p youtubePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, domain.Fatal(fmt.Errorf("invalid youtube payload: %w", err))
	}
	if p.URL == "" {
		err := errors.New("youtube payload missing required field 'url'")
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, domain.Fatal(err)
	}
	if _, err := url.ParseRequestURI(p.URL); err != nil {
		span.SetStatus(codes.Error, "unparseable video url")
		return nil, domain.Fatal(fmt.Errorf("unparseable video url %q: %w", p.URL, err))
	}

	span.SetAttributes(attribute.String("youtube.url", p.URL))

	reqURL := fmt.Sprintf("%s/transcript?video=%s&lang=%s",
		h.endpoint, url.QueryEscape(p.URL), url.QueryEscape(p.Language))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("build transcript request: %w", err))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "caption service unreachable")
		return nil, domain.Retryable(fmt.Errorf("fetch transcript for %s: %w", p.URL, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The video has no captions; retrying will not conjure them.
		return nil, domain.Fatal(fmt.Errorf("no transcript available for %s", p.URL))
	case resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError:
		return nil, domain.Fatal(fmt.Errorf("caption service rejected %s: status %d", p.URL, resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, domain.Retryable(fmt.Errorf("caption service error for %s: status %d", p.URL, resp.StatusCode))
	}

	transcript, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("read transcript body: %w", err))
	}

	out, err := json.Marshal(youtubeOutput{
		VideoURL:   p.URL,
		Transcript: string(transcript),
		FetchedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("encode transcript output: %w", err))
	}
	return out, nil
}
