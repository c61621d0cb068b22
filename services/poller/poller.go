package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/pkg/telemetry"
	"github.com/scribeq/scribeq/services/worker"
)

// Poller is the local-mode delivery loop: it scans the job store for due
// pending rows and feeds them to the shared Processor. No broker is
// involved; the pending row itself is the queue entry. Multiple poller
// instances can run side by side because the claim CAS arbitrates
// ownership per row.
type Poller struct {
	repo        postgres.JobRepository
	processor   *worker.Processor
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }
func WithBatchSize(n int) Option          { return func(p *Poller) { p.batchSize = n } }
func WithConcurrency(n int) Option        { return func(p *Poller) { p.concurrency = n } }
func WithLogger(l *slog.Logger) Option    { return func(p *Poller) { p.logger = l } }

// NewPoller constructs a Poller around a repository and a processor.
func NewPoller(repo postgres.JobRepository, processor *worker.Processor, opts ...Option) *Poller {
	p := &Poller{
		repo:        repo,
		processor:   processor,
		interval:    time.Second,
		batchSize:   50,
		concurrency: 8,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run scans until ctx is cancelled. Each pass claims and processes at
// most one batch; jobs that become due mid-pass wait for the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Bounded worker slots; a full batch of slow jobs must not pile up
	// unbounded goroutines.
	slots := make(chan struct{}, p.concurrency)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		telemetry.PollerScansTotal.Inc()

		due, err := p.repo.ListDue(ctx, time.Now().UTC(), p.batchSize)
		if err != nil {
			p.logger.Error("scan for due jobs failed", slog.String("error", err.Error()))
			continue
		}
		if len(due) == 0 {
			continue
		}

		p.logger.Debug("due jobs found", slog.Int("count", len(due)))

		for _, job := range due {
			select {
			case <-ctx.Done():
				return nil
			case slots <- struct{}{}:
			}

			jobID := job.ID
			go func() {
				defer func() { <-slots }()
				telemetry.PollerJobsClaimed.Inc()
				if err := p.processor.Process(ctx, jobID); err != nil {
					p.logger.Error("job processing failed",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Wait blocks until in-flight jobs drain. Call after Run returns.
func (p *Poller) Wait() { p.processor.Wait() }
