package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/kafka"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
	"github.com/scribeq/scribeq/pkg/telemetry"
)

// Dispatcher consumes from the shared pending topic and routes each job
// message to the per-type worker topic. It only exists in external queue
// mode; local mode needs no routing because the poller reads rows
// directly.
type Dispatcher struct {
	consumer     kafka.Consumer
	producer     kafka.Producer
	pendingTopic string
	dlqTopic     string
	limiter      redisstore.RateLimiter // nil = disabled
	logger       *slog.Logger
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	pendingTopic, dlqTopic string,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer:     consumer,
		producer:     producer,
		pendingTopic: pendingTopic,
		dlqTopic:     dlqTopic,
		limiter:      limiter,
		logger:       logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, func(ctx context.Context, delivery kafka.Delivery) error {
		return d.route(ctx, delivery.Value)
	})
}

func (d *Dispatcher) route(ctx context.Context, raw []byte) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.route")
	defer span.End()

	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Error("malformed message, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		telemetry.DispatcherMalformedTotal.Inc()
		return d.toDLQ(ctx, raw)
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("job.type", msg.JobType),
	)

	log := d.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("job_type", msg.JobType),
	)

	if err := msg.Validate(); err != nil {
		log.Error("incomplete message, sending to DLQ", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "incomplete message")
		telemetry.DispatcherMalformedTotal.Inc()
		return d.toDLQ(ctx, raw)
	}

	if _, err := domain.ParseJobType(msg.JobType); err != nil {
		// No worker consumes the topic an unknown type would route to;
		// the message would sit there forever.
		log.Error("unroutable job type, sending to DLQ", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "unroutable job type")
		telemetry.DispatcherMalformedTotal.Inc()
		return d.toDLQ(ctx, raw)
	}

	// Throttled deliveries are deferred, not dropped: the message goes
	// back onto the end of the pending topic and the offset is
	// committed. A grouped reader only returns to an uncommitted offset
	// after a rebalance or restart, so skipping the commit would strand
	// the job for the rest of the session.
	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, msg.JobType)
		if err != nil {
			log.Error("rate limiter error", slog.String("error", err.Error()))
			// Allow on limiter failure so a Redis outage never stalls routing.
		} else if !allowed {
			log.Warn("rate limit exceeded, requeueing delivery")
			span.SetStatus(codes.Error, "rate limit exceeded")
			telemetry.DispatcherThrottledTotal.Inc()
			if err := d.producer.Publish(ctx, d.pendingTopic, msg.JobID, raw); err != nil {
				span.RecordError(err)
				// The original message is still at the uncommitted
				// offset; it comes back on the next rebalance/restart.
				return fmt.Errorf("requeue throttled job: %w", err)
			}
			return nil
		}
	}

	target := queue.WorkerTopic(msg.JobType)
	if err := d.producer.Publish(ctx, target, msg.JobID, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		// Leave the offset uncommitted. Redelivery waits for a
		// rebalance or restart, which is acceptable for a broker-wide
		// failure: if this publish fails, a requeue publish would too.
		return fmt.Errorf("publish to %s: %w", target, err)
	}

	telemetry.DispatcherJobsRouted.WithLabelValues(msg.JobType).Inc()
	log.Info("job routed", slog.String("topic", target))
	return nil
}

// toDLQ publishes a raw message to the dead-letter topic.
func (d *Dispatcher) toDLQ(ctx context.Context, payload []byte) error {
	if err := d.producer.Publish(ctx, d.dlqTopic, string(domain.ReasonMalformed), payload); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
