package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
)

// REST handles HTTP requests for the API Gateway.
type REST struct {
	producer  *queue.Producer
	transport queue.Transport
	store     redisstore.StateStore
	repo      postgres.JobRepository
	logger    *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(producer *queue.Producer, transport queue.Transport, store redisstore.StateStore, repo postgres.JobRepository, logger *slog.Logger) *REST {
	return &REST{producer: producer, transport: transport, store: store, repo: repo, logger: logger}
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
	DocumentID *string         `json:"document_id,omitempty"`
}

// SubmitJobResponse is the 202 response body.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse is the GET /jobs/{id} response body.
type JobResponse struct {
	JobID         string          `json:"job_id"`
	Type          string          `json:"type"`
	UserID        string          `json:"user_id"`
	DocumentID    *string         `json:"document_id,omitempty"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	Output        json.RawMessage `json:"output,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func jobResponse(job *domain.Job) JobResponse {
	resp := JobResponse{
		JobID:       job.ID,
		Type:        string(job.Type),
		UserID:      job.UserID,
		DocumentID:  job.DocumentID,
		Status:      string(job.Status),
		Error:       job.Error,
		Attempts:    job.AttemptCount,
		Output:      job.Output,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == domain.StatusPending && !job.NextAttemptAt.IsZero() {
		t := job.NextAttemptAt
		resp.NextAttemptAt = &t
	}
	return resp
}

// SubmitJob handles POST /api/v1/jobs.
func (h *REST) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	span.SetAttributes(attribute.String("job.type", req.Type))

	jobID, err := h.producer.Enqueue(ctx, domain.JobType(req.Type), req.UserID, req.Payload, req.DocumentID)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		var te *domain.TransportError
		if errors.As(err, &te) {
			// The row is persisted and pending; delivery is deferred
			// until the queue configuration is fixed or a poller picks
			// it up. Still accepted.
			span.RecordError(err)
			span.SetStatus(codes.Error, "transport send failed")
			h.writeAccepted(w, jobID)
			return
		}
		h.logger.Error("enqueue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	span.SetAttributes(attribute.String("job.id", jobID))
	h.logger.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("type", req.Type),
	)
	h.writeAccepted(w, jobID)
}

func (h *REST) writeAccepted(w http.ResponseWriter, jobID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitJobResponse{
		JobID:  jobID,
		Status: string(domain.StatusPending),
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	ctx := r.Context()

	// Fast path: Redis cache written by the worker.
	job, err := h.store.GetJobMeta(ctx, jobID)
	if err != nil {
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("redis error", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}

		// Slow path: the job table is the source of truth.
		job, err = h.repo.GetByID(ctx, jobID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			h.logger.Error("postgres error", slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
	}

	// The worker may have moved the job since the cache write; prefer
	// the live status when Redis has one.
	if status, err := h.store.GetStatus(ctx, jobID); err == nil {
		job.Status = status
	}
	if job.Status == domain.StatusCompleted && len(job.Output) == 0 {
		if out, err := h.store.GetOutput(ctx, jobID); err == nil {
			job.Output = out
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobResponse(job))
}

// ListJobsResponse is the GET /api/v1/jobs response body.
type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// ListJobs handles GET /api/v1/jobs?user_id=&limit=&cursor=.
func (h *REST) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'user_id' is required")
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	jobs, next, err := h.repo.ListByUser(r.Context(), userID, limit, cursor)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		h.logger.Error("list jobs failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs)), NextCursor: next}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(job))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. Only pending and
// processing jobs can be cancelled; a processing job finishes its
// current attempt but its result is discarded.
func (h *REST) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	ctx := r.Context()
	if err := h.repo.Cancel(ctx, jobID); err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, conflict.Error())
			return
		}
		h.logger.Error("cancel failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	_ = h.store.SetStatus(ctx, jobID, domain.StatusCancelled)
	h.logger.Info("job cancelled", slog.String("job_id", jobID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": jobID,
		"status": string(domain.StatusCancelled),
	})
}

// DeadLetterResponse is one entry in the GET /api/v1/deadletters body.
type DeadLetterResponse struct {
	JobID     string          `json:"job_id"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListDeadLetters handles GET /api/v1/deadletters?limit=.
func (h *REST) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	dls, err := h.repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	resp := make([]DeadLetterResponse, 0, len(dls))
	for _, dl := range dls {
		resp = append(resp, DeadLetterResponse{
			JobID:     dl.JobID,
			Payload:   dl.Payload,
			Reason:    string(dl.Reason),
			Error:     dl.Error,
			Attempts:  dl.AttemptCount,
			CreatedAt: dl.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"dead_letters": resp})
}

// ReplayDeadLetter handles POST /api/v1/deadletters/{job_id}/replay.
// The failed row goes back to pending with a zeroed attempt counter and
// is re-sent through the transport for a fresh retry budget.
func (h *REST) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	ctx := r.Context()
	if err := h.repo.ReplayDeadLetter(ctx, jobID); err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, conflict.Error())
			return
		}
		h.logger.Error("replay failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to replay job")
		return
	}

	_ = h.store.SetStatus(ctx, jobID, domain.StatusPending)

	job, err := h.repo.GetByID(ctx, jobID)
	if err == nil {
		msg := &domain.Message{
			JobID:   job.ID,
			UserID:  job.UserID,
			JobType: string(job.Type),
			Payload: job.Payload,
		}
		if err := h.transport.Send(ctx, msg); err != nil {
			// The pending row survives; local pollers still find it.
			h.logger.Error("replay send failed, job left pending",
				slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}

	h.logger.Info("dead letter replayed", slog.String("job_id", jobID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": jobID,
		"status": string(domain.StatusPending),
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.NotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
