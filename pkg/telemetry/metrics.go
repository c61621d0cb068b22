package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Producer / API ──────────────────────────────────────────────────────────

	ProducerJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "producer",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs accepted and handed to the queue transport.",
	}, []string{"type"})

	ProducerSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "producer",
		Name:      "send_failures_total",
		Help:      "Transport send failures; the job row stays pending for replay.",
	})

	// ─── Worker / Poller ─────────────────────────────────────────────────────────

	WorkerJobsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "worker",
		Name:      "jobs_resolved_total",
		Help:      "Jobs resolved to a terminal or retry state, labelled by job type and outcome.",
	}, []string{"type", "outcome"})

	WorkerJobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribeq",
		Subsystem: "worker",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed.",
	}, []string{"type"})

	WorkerJobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribeq",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time per attempt in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"type"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Jobs re-queued with backoff after a retryable failure.",
	}, []string{"type"})

	WorkerDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "worker",
		Name:      "dead_lettered_total",
		Help:      "Jobs routed to the dead-letter queue, labelled by reason.",
	}, []string{"reason"})

	PollerScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "poller",
		Name:      "scans_total",
		Help:      "Polling passes over the job store.",
	})

	PollerJobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "poller",
		Name:      "jobs_claimed_total",
		Help:      "Due jobs claimed by the local polling loop.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherJobsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "dispatcher",
		Name:      "jobs_routed_total",
		Help:      "Jobs routed to per-type worker topics.",
	}, []string{"type"})

	DispatcherMalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "dispatcher",
		Name:      "malformed_total",
		Help:      "Malformed wire messages forwarded to the DLQ.",
	})

	DispatcherThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribeq",
		Subsystem: "dispatcher",
		Name:      "throttled_total",
		Help:      "Deliveries deferred by the per-type rate limiter.",
	})
)
