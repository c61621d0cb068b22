package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/handlers"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
	"github.com/scribeq/scribeq/pkg/backoff"
	"github.com/scribeq/scribeq/pkg/telemetry"
)

// Processor drives one delivered job through claim, dispatch and
// resolution. It is shared by the Kafka consumer wrapper and the local
// polling loop; both hand it jobs after their own delivery mechanics.
//
// A processor never retries in place. A retryable failure re-queues the
// job through the store and the transport, and the next delivery cycle
// claims it again fresh. The attempt counter therefore only ever moves
// inside ClaimPending.
type Processor struct {
	workerID  string
	repo      postgres.JobRepository
	store     redisstore.StateStore
	registry  *handlers.Registry
	transport queue.Transport
	policy    backoff.Policy
	timeout   time.Duration
	logger    *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
	slots    chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

func WithTimeout(d time.Duration) Option      { return func(p *Processor) { p.timeout = d } }
func WithLogger(l *slog.Logger) Option        { return func(p *Processor) { p.logger = l } }
func WithBackoff(pol backoff.Policy) Option   { return func(p *Processor) { p.policy = pol } }

// WithDeferLimit bounds how many early redeliveries may be parked
// waiting for their due time at once.
func WithDeferLimit(n int) Option {
	return func(p *Processor) { p.slots = make(chan struct{}, n) }
}

// NewProcessor constructs a Processor with the given dependencies.
func NewProcessor(
	workerID string,
	repo postgres.JobRepository,
	store redisstore.StateStore,
	registry *handlers.Registry,
	transport queue.Transport,
	opts ...Option,
) *Processor {
	p := &Processor{
		workerID:  workerID,
		repo:      repo,
		store:     store,
		registry:  registry,
		transport: transport,
		policy:    backoff.Default(),
		timeout:   5 * time.Minute,
		logger:    slog.Default(),
		slots:     make(chan struct{}, 32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait blocks until all in-flight jobs and parked deliveries finish.
// Call during shutdown after the delivery source has stopped.
func (p *Processor) Wait() { p.wg.Wait() }

// InFlight reports the number of jobs currently executing.
func (p *Processor) InFlight() int64 { return p.inFlight.Load() }

// HandleDelivery is the entry point for raw wire messages. Malformed
// payloads are forwarded to the dead-letter sink without touching any
// job row; there is no row to touch for a payload we cannot even parse.
// Always returns nil for malformed input so the offset is committed.
func (p *Processor) HandleDelivery(ctx context.Context, raw []byte) error {
	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.discardMalformed(ctx, raw, err)
		return nil
	}
	if err := msg.Validate(); err != nil {
		p.discardMalformed(ctx, raw, err)
		return nil
	}

	job, err := p.repo.GetByID(ctx, msg.JobID)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			p.logger.Warn("delivery references unknown job, discarding",
				slog.String("job_id", msg.JobID))
			return nil
		}
		// Store unreachable: leave the offset uncommitted. The reader
		// only returns to it after a rebalance or restart, so this is a
		// stop-the-topic condition, not a quick retry.
		return err
	}
	if job.Status.IsTerminal() {
		p.logger.Debug("job already terminal, skipping",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)))
		return nil
	}

	// Re-queued jobs can arrive before their backoff window elapses.
	// The wait happens off the consumer goroutine: a backoff window can
	// be an hour, and holding the fetch loop that long would stall
	// every later delivery on the topic.
	if !job.Due(time.Now().UTC()) {
		p.deferUntilDue(ctx, &msg, job.NextAttemptAt)
		return nil
	}

	return p.Process(ctx, job.ID)
}

// deferUntilDue parks an early redelivery in its own goroutine until the
// job's next attempt time. The slot channel bounds the number of parked
// deliveries; when it is full the fetch loop blocks until one frees.
//
// The offset is committed as soon as the delivery is parked, so if the
// processor shuts down before the job is due the message is re-sent
// through the transport instead of being stranded; the claim CAS makes
// the eventual duplicate harmless.
func (p *Processor) deferUntilDue(ctx context.Context, msg *domain.Message, due time.Time) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.resend(msg)
		return
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		if err := p.sleepUntil(ctx, due); err != nil {
			p.resend(msg)
			return
		}
		if err := p.Process(ctx, msg.JobID); err != nil {
			p.logger.Error("deferred attempt failed",
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()))
		}
	}()
}

// resend puts a parked message back on the queue after its offset was
// already committed.
func (p *Processor) resend(msg *domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.transport.Send(ctx, msg); err != nil {
		p.logger.Error("failed to re-send deferred job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()))
	}
}

// Process runs one attempt of the identified job. Claiming is the only
// cross-consumer coordination: whichever consumer flips the row from
// pending to processing owns this attempt, everyone else sees a
// ConflictError and walks away.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.repo.ClaimPending(ctx, jobID)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			p.logger.Debug("job claimed elsewhere, skipping",
				slog.String("job_id", jobID),
				slog.String("status", string(conflict.Status)))
			return nil
		}
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			p.logger.Warn("job vanished before claim", slog.String("job_id", jobID))
			return nil
		}
		return err
	}

	_ = p.store.SetStatus(ctx, job.ID, domain.StatusProcessing)

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.AttemptCount),
		attribute.String("worker.id", p.workerID),
	)

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Int("attempt", job.AttemptCount),
		slog.String("worker_id", p.workerID),
	)

	// A cancel can land between the claim and this point. Check once
	// against the store so a cancelled job never runs its handler.
	if fresh, err := p.repo.GetByID(ctx, job.ID); err == nil && fresh.Status == domain.StatusCancelled {
		log.Info("job cancelled before dispatch")
		_ = p.store.SetStatus(ctx, job.ID, domain.StatusCancelled)
		return nil
	}

	h, err := p.registry.Get(job.Type)
	if err != nil {
		log.Error("no handler for job type", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		p.deadLetter(ctx, log, job, err, domain.ReasonNoHandler)
		return nil
	}

	p.wg.Add(1)
	p.inFlight.Add(1)
	telemetry.WorkerJobsInFlight.WithLabelValues(string(job.Type)).Inc()
	defer func() {
		telemetry.WorkerJobsInFlight.WithLabelValues(string(job.Type)).Dec()
		p.inFlight.Add(-1)
		p.wg.Done()
	}()

	start := time.Now()

	// The handler gets a fresh context so its timeout is independent of
	// consumer shutdown, with the span re-attached for child spans.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.Background(), span),
		p.timeout,
	)
	output, execErr := h.Handle(execCtx, job)
	cancel()

	durationSec := time.Since(start).Seconds()
	telemetry.WorkerJobDurationSeconds.WithLabelValues(string(job.Type)).Observe(durationSec)
	durationMs := int64(durationSec * 1000)

	switch {
	case execErr == nil:
		log.Info("job completed",
			slog.Int64("duration_ms", durationMs))
		p.complete(ctx, log, job, output)

	case domain.IsFatal(execErr):
		log.Error("job failed fatally",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", durationMs))
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "fatal handler error")
		p.deadLetter(ctx, log, job, execErr, domain.ReasonFatal)

	case p.policy.ShouldDeadLetter(job.AttemptCount):
		log.Error("job exhausted retry budget",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", durationMs))
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "retry budget exhausted")
		p.deadLetter(ctx, log, job, execErr, domain.ReasonMaxRetries)

	default:
		delay := p.policy.Delay(job.AttemptCount)
		log.Warn("attempt failed, re-queueing",
			slog.String("error", execErr.Error()),
			slog.Duration("retry_in", delay))
		span.RecordError(execErr)
		p.requeue(ctx, log, job, execErr, delay)
	}

	return nil
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, job *domain.Job, output []byte) {
	if err := p.repo.MarkCompleted(ctx, job.ID, output); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			// Cancelled while the handler ran. The cancel wins; the
			// output is dropped.
			log.Info("job resolved elsewhere during execution",
				slog.String("status", string(conflict.Status)))
			return
		}
		log.Error("failed to mark job completed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	job.Status = domain.StatusCompleted
	job.Output = output
	job.CompletedAt = &now
	job.UpdatedAt = now

	_ = p.store.SetStatus(ctx, job.ID, domain.StatusCompleted)
	_ = p.store.SetJobMeta(ctx, job)
	_ = p.store.SetOutput(ctx, job.ID, output, 24*time.Hour)

	telemetry.WorkerJobsResolved.WithLabelValues(string(job.Type), "completed").Inc()
}

func (p *Processor) requeue(ctx context.Context, log *slog.Logger, job *domain.Job, execErr error, delay time.Duration) {
	nextAt := time.Now().UTC().Add(delay)
	if err := p.repo.MarkRetry(ctx, job.ID, execErr.Error(), nextAt); err != nil {
		log.Error("failed to re-queue job", slog.String("error", err.Error()))
		return
	}
	_ = p.store.SetStatus(ctx, job.ID, domain.StatusPending)

	msg := &domain.Message{
		JobID:   job.ID,
		UserID:  job.UserID,
		JobType: string(job.Type),
		Payload: job.Payload,
	}
	if err := p.transport.Send(ctx, msg); err != nil {
		// The row is pending with a due time, so the local poller (or a
		// replay) still picks it up; only the fast path is lost.
		log.Error("failed to re-send job message", slog.String("error", err.Error()))
	}

	telemetry.WorkerRetriesTotal.WithLabelValues(string(job.Type)).Inc()
	telemetry.WorkerJobsResolved.WithLabelValues(string(job.Type), "retried").Inc()
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, job *domain.Job, execErr error, reason domain.DeadLetterReason) {
	if err := p.repo.MarkFailed(ctx, job.ID, execErr.Error()); err != nil {
		log.Error("failed to mark job failed", slog.String("error", err.Error()))
	}

	dl := &domain.DeadLetter{
		JobID:        job.ID,
		Payload:      job.Payload,
		Reason:       reason,
		Error:        execErr.Error(),
		AttemptCount: job.AttemptCount,
	}
	if err := p.repo.InsertDeadLetter(ctx, dl); err != nil {
		log.Error("failed to record dead letter", slog.String("error", err.Error()))
	}

	raw, err := json.Marshal(domain.Message{
		JobID:   job.ID,
		UserID:  job.UserID,
		JobType: string(job.Type),
		Payload: job.Payload,
	})
	if err == nil {
		if err := p.transport.ForwardToDeadLetter(ctx, raw, reason); err != nil {
			log.Error("failed to forward to dead-letter sink", slog.String("error", err.Error()))
		}
	}

	_ = p.store.SetStatus(ctx, job.ID, domain.StatusFailed)

	telemetry.WorkerJobsResolved.WithLabelValues(string(job.Type), "failed").Inc()
	telemetry.WorkerDeadLetteredTotal.WithLabelValues(string(reason)).Inc()
}

func (p *Processor) discardMalformed(ctx context.Context, raw []byte, cause error) {
	p.logger.Error("malformed job message",
		slog.String("error", cause.Error()),
		slog.String("raw", string(raw)),
	)
	if err := p.transport.ForwardToDeadLetter(ctx, raw, domain.ReasonMalformed); err != nil {
		p.logger.Error("failed to forward malformed message", slog.String("error", err.Error()))
	}
	telemetry.WorkerDeadLetteredTotal.WithLabelValues(string(domain.ReasonMalformed)).Inc()
}

func (p *Processor) sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
