package poller

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/handlers"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/services/worker"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memRepo is a minimal in-memory JobRepository; the poller only drives
// ListDue, ClaimPending and the Mark* transitions.
type memRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	dls  []*domain.DeadLetter
}

func newMemRepo(jobs ...*domain.Job) *memRepo {
	r := &memRepo{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *memRepo) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{JobID: id}
	}
	cp := *j
	return &cp, nil
}

func (r *memRepo) ListByUser(_ context.Context, _ string, _ int, _ string) ([]*domain.Job, string, error) {
	return nil, "", nil
}

func (r *memRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.StatusPending && j.Due(now) && len(due) < limit {
			cp := *j
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (r *memRepo) ClaimPending(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{JobID: id}
	}
	if j.Status != domain.StatusPending {
		return nil, &domain.ConflictError{JobID: id, Status: j.Status}
	}
	j.Status = domain.StatusProcessing
	j.AttemptCount++
	cp := *j
	return &cp, nil
}

func (r *memRepo) MarkCompleted(_ context.Context, id string, output []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = domain.StatusCompleted
	j.Output = output
	return nil
}

func (r *memRepo) MarkRetry(_ context.Context, id string, jobErr string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = domain.StatusPending
	j.Error = jobErr
	j.NextAttemptAt = nextAttemptAt
	return nil
}

func (r *memRepo) MarkFailed(_ context.Context, id string, jobErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = domain.StatusFailed
	j.Error = jobErr
	return nil
}

func (r *memRepo) Cancel(_ context.Context, _ string) error { return nil }

func (r *memRepo) InsertDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dls = append(r.dls, dl)
	return nil
}

func (r *memRepo) ListDeadLetters(_ context.Context, _ int) ([]*domain.DeadLetter, error) {
	return r.dls, nil
}

func (r *memRepo) ReplayDeadLetter(_ context.Context, _ string) error { return nil }

var _ postgres.JobRepository = (*memRepo)(nil)

type noopStore struct{}

func (noopStore) SetStatus(context.Context, string, domain.Status) error { return nil }
func (noopStore) GetStatus(context.Context, string) (domain.Status, error) {
	return "", &domain.NotFoundError{}
}
func (noopStore) SetJobMeta(context.Context, *domain.Job) error { return nil }
func (noopStore) GetJobMeta(context.Context, string) (*domain.Job, error) {
	return nil, &domain.NotFoundError{}
}
func (noopStore) SetOutput(context.Context, string, []byte, time.Duration) error { return nil }
func (noopStore) GetOutput(context.Context, string) ([]byte, error) {
	return nil, &domain.NotFoundError{}
}

type noopTransport struct{}

func (noopTransport) Send(context.Context, *domain.Message) error { return nil }
func (noopTransport) ForwardToDeadLetter(context.Context, []byte, domain.DeadLetterReason) error {
	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	seen  map[string]int
	total int
}

func (h *countingHandler) JobType() domain.JobType { return domain.TypeIngestText }
func (h *countingHandler) Handle(_ context.Context, job *domain.Job) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[job.ID] = h.seen[job.ID] + 1
	h.total++
	return []byte(`{}`), nil
}

func dueJob(id string, at time.Time) *domain.Job {
	return &domain.Job{
		ID:            id,
		Type:          domain.TypeIngestText,
		UserID:        "user-1",
		Payload:       json.RawMessage(`{"content":"x"}`),
		Status:        domain.StatusPending,
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestPoller_ProcessesDueJobs(t *testing.T) {
	now := time.Now().UTC()
	repo := newMemRepo(
		dueJob("job-1", now.Add(-time.Second)),
		dueJob("job-2", now.Add(-time.Second)),
	)
	future := dueJob("job-3", now.Add(time.Hour))
	require.NoError(t, repo.Create(context.Background(), future))

	h := &countingHandler{seen: make(map[string]int)}
	reg := handlers.NewRegistry()
	reg.Register(h)

	processor := worker.NewProcessor("poller-test", repo, noopStore{}, reg, noopTransport{},
		worker.WithLogger(discardLogger),
		worker.WithTimeout(time.Second),
	)
	p := NewPoller(repo, processor,
		WithLogger(discardLogger),
		WithInterval(10*time.Millisecond),
		WithConcurrency(4),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	p.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.seen["job-1"])
	assert.Equal(t, 1, h.seen["job-2"])
	assert.Zero(t, h.seen["job-3"], "jobs with a future due time must wait")
	assert.Equal(t, 2, h.total, "claim CAS keeps repeated scans from re-running jobs")

	j1, err := repo.GetByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j1.Status)
}

func TestPoller_CompetingInstances_NoDoubleProcessing(t *testing.T) {
	now := time.Now().UTC()
	repo := newMemRepo()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, repo.Create(context.Background(), dueJob("job-"+id, now.Add(-time.Second))))
	}

	h := &countingHandler{seen: make(map[string]int)}
	reg := handlers.NewRegistry()
	reg.Register(h)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	pollers := make([]*Poller, 0, 3)
	for i := 0; i < 3; i++ {
		processor := worker.NewProcessor("poller-test", repo, noopStore{}, reg, noopTransport{},
			worker.WithLogger(discardLogger),
			worker.WithTimeout(time.Second),
		)
		p := NewPoller(repo, processor,
			WithLogger(discardLogger),
			WithInterval(5*time.Millisecond),
		)
		pollers = append(pollers, p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}
	wg.Wait()
	for _, p := range pollers {
		p.Wait()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 6, h.total, "each job runs exactly once across competing pollers")
	for id, n := range h.seen {
		assert.Equal(t, 1, n, "job %s processed more than once", id)
	}
}
