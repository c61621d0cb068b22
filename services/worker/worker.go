package worker

import (
	"context"

	"github.com/scribeq/scribeq/internal/kafka"
)

// Worker feeds Kafka deliveries into a Processor. It is the external
// queue-mode consumer; local mode runs the same Processor behind the
// poller service instead.
type Worker struct {
	consumer  kafka.Consumer
	processor *Processor
}

// NewWorker binds a consumer to a processor.
func NewWorker(consumer kafka.Consumer, processor *Processor) *Worker {
	return &Worker{consumer: consumer, processor: processor}
}

// Run consumes until ctx is cancelled. Offsets commit when the
// processor returns nil; a non-nil return leaves the offset in place so
// the broker re-delivers after a transient store outage.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, func(ctx context.Context, d kafka.Delivery) error {
		return w.processor.HandleDelivery(ctx, d.Value)
	})
}

// Wait blocks until in-flight jobs drain. Call after Run returns.
func (w *Worker) Wait() { w.processor.Wait() }
