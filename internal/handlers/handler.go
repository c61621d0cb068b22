package handlers

import (
	"context"
	"sync"

	"github.com/scribeq/scribeq/internal/domain"
)

// Handler executes jobs of a specific type. On success it returns the
// output stored on the job row. Failures should be classified with
// domain.Retryable or domain.Fatal; unclassified errors are retried.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) ([]byte, error)
	JobType() domain.JobType
}

// Registry maps job types to their handlers. Populated once at startup;
// dispatching a type with no handler is a fatal outcome for that job.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobType()] = h
}

// Get returns the handler for the given job type, or a ValidationError
// when none is registered.
func (r *Registry) Get(jobType domain.JobType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &domain.ValidationError{Field: "job_type", Reason: "no handler registered for " + string(jobType)}
	}
	return h, nil
}
