package queue

import (
	"context"
	"log/slog"

	"github.com/scribeq/scribeq/internal/domain"
)

// localTransport is the database-polling fallback. Producing a job needs
// no send side effect — the pending row written by the Producer *is* the
// delivery, and the poller service scans for due rows. Dead-letter rows
// are written by the processor against the same store, so the forward
// only has to keep a trace of payloads that never had a job row.
type localTransport struct {
	logger *slog.Logger
}

// NewLocalTransport returns the local-mode Transport.
func NewLocalTransport(logger *slog.Logger) Transport {
	return &localTransport{logger: logger}
}

func (t *localTransport) Send(_ context.Context, msg *domain.Message) error {
	t.logger.Debug("job pending for local poller",
		slog.String("job_id", msg.JobID),
		slog.String("job_type", msg.JobType),
	)
	return nil
}

func (t *localTransport) ForwardToDeadLetter(_ context.Context, raw []byte, reason domain.DeadLetterReason) error {
	t.logger.Warn("dead-lettered payload",
		slog.String("reason", string(reason)),
		slog.String("raw", string(raw)),
	)
	return nil
}
