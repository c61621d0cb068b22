package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/pkg/telemetry"
)

// Producer validates a job request, persists the pending row, and hands
// the wire message to the active transport.
type Producer struct {
	repo      postgres.JobRepository
	transport Transport
	logger    *slog.Logger
}

// NewProducer wires a Producer. The transport is one of the two mode
// implementations, selected at startup.
func NewProducer(repo postgres.JobRepository, transport Transport, logger *slog.Logger) *Producer {
	return &Producer{repo: repo, transport: transport, logger: logger}
}

// Enqueue creates a pending job and sends it for delivery, returning the
// new job ID.
//
// If the transport send fails the row stays pending — it is not rolled
// back, so the local poller or an operator replay can still pick it up.
// The returned error carries remediation for the broken configuration.
func (p *Producer) Enqueue(ctx context.Context, jobType domain.JobType, userID string, payload json.RawMessage, documentID *string) (string, error) {
	if _, err := domain.ParseJobType(string(jobType)); err != nil {
		return "", err
	}
	if userID == "" {
		return "", &domain.ValidationError{Field: "user_id", Reason: "missing"}
	}
	if len(payload) == 0 || string(payload) == "null" {
		return "", &domain.ValidationError{Field: "payload", Reason: "missing"}
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:            uuid.New().String(),
		Type:          jobType,
		UserID:        userID,
		DocumentID:    documentID,
		Payload:       payload,
		Status:        domain.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.repo.Create(ctx, job); err != nil {
		return "", err
	}

	msg := &domain.Message{
		JobID:   job.ID,
		UserID:  job.UserID,
		JobType: string(job.Type),
		Payload: job.Payload,
	}
	if err := p.transport.Send(ctx, msg); err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) {
			// Row stays pending for the poller fallback / operator replay.
			p.logger.Error("transport send failed, job left pending",
				slog.String("job_id", job.ID),
				slog.String("job_type", string(job.Type)),
				slog.String("remediation", te.Remediation),
				slog.String("error", err.Error()),
			)
			telemetry.ProducerSendFailures.Inc()
			return job.ID, err
		}
		return job.ID, err
	}

	telemetry.ProducerJobsEnqueued.WithLabelValues(string(jobType)).Inc()
	return job.ID, nil
}
