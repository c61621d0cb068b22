package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/handlers"
	"github.com/scribeq/scribeq/internal/postgres"
	"github.com/scribeq/scribeq/internal/queue"
	redisstore "github.com/scribeq/scribeq/internal/redis"
	"github.com/scribeq/scribeq/pkg/backoff"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeRepo struct {
	jobs        map[string]*domain.Job
	deadLetters []*domain.DeadLetter
}

func newFakeRepo(jobs ...*domain.Job) *fakeRepo {
	r := &fakeRepo{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeRepo) Create(_ context.Context, job *domain.Job) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{JobID: id}
	}
	cp := *j
	return &cp, nil
}

func (r *fakeRepo) ListByUser(_ context.Context, _ string, _ int, _ string) ([]*domain.Job, string, error) {
	return nil, "", nil
}

func (r *fakeRepo) ListDue(_ context.Context, now time.Time, _ int) ([]*domain.Job, error) {
	var due []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.StatusPending && j.Due(now) {
			cp := *j
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (r *fakeRepo) ClaimPending(_ context.Context, id string) (*domain.Job, error) {
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

func (r *fakeRepo) MarkCompleted(_ context.Context, id string, output []byte) error {
	return r.transition(id, domain.StatusProcessing, func(j *domain.Job) {
		j.Status = domain.StatusCompleted
		j.Output = output
	})
}

func (r *fakeRepo) MarkRetry(_ context.Context, id string, jobErr string, nextAttemptAt time.Time) error {
	return r.transition(id, domain.StatusProcessing, func(j *domain.Job) {
		j.Status = domain.StatusPending
		j.Error = jobErr
		j.NextAttemptAt = nextAttemptAt
	})
}

func (r *fakeRepo) MarkFailed(_ context.Context, id string, jobErr string) error {
	return r.transition(id, domain.StatusProcessing, func(j *domain.Job) {
		j.Status = domain.StatusFailed
		j.Error = jobErr
	})
}

func (r *fakeRepo) Cancel(_ context.Context, id string) error {
	j, ok := r.jobs[id]
	if !ok {
		return &domain.NotFoundError{JobID: id}
	}
	if j.Status != domain.StatusPending && j.Status != domain.StatusProcessing {
		return &domain.ConflictError{JobID: id, Status: j.Status}
	}
	j.Status = domain.StatusCancelled
	return nil
}

func (r *fakeRepo) InsertDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	r.deadLetters = append(r.deadLetters, dl)
	return nil
}

func (r *fakeRepo) ListDeadLetters(_ context.Context, _ int) ([]*domain.DeadLetter, error) {
	return r.deadLetters, nil
}

func (r *fakeRepo) ReplayDeadLetter(_ context.Context, jobID string) error {
	return r.transition(jobID, domain.StatusFailed, func(j *domain.Job) {
		j.Status = domain.StatusPending
		j.AttemptCount = 0
	})
}

func (r *fakeRepo) transition(id string, from domain.Status, mutate func(*domain.Job)) error {
	j, ok := r.jobs[id]
	if !ok {
		return &domain.NotFoundError{JobID: id}
	}
	if j.Status != from {
		return &domain.ConflictError{JobID: id, Status: j.Status}
	}
	mutate(j)
	return nil
}

var _ postgres.JobRepository = (*fakeRepo)(nil)

type dlqEntry struct {
	raw    []byte
	reason domain.DeadLetterReason
}

type fakeTransport struct {
	sent []*domain.Message
	dlq  []dlqEntry
}

func (t *fakeTransport) Send(_ context.Context, msg *domain.Message) error {
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) ForwardToDeadLetter(_ context.Context, raw []byte, reason domain.DeadLetterReason) error {
	t.dlq = append(t.dlq, dlqEntry{raw: raw, reason: reason})
	return nil
}

var _ queue.Transport = (*fakeTransport)(nil)

type fakeStore struct {
	states map[string]domain.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]domain.Status)}
}

func (s *fakeStore) SetStatus(_ context.Context, id string, st domain.Status) error {
	s.states[id] = st
	return nil
}
func (s *fakeStore) GetStatus(_ context.Context, id string) (domain.Status, error) {
	st, ok := s.states[id]
	if !ok {
		return "", &domain.NotFoundError{JobID: id}
	}
	return st, nil
}
func (s *fakeStore) SetJobMeta(_ context.Context, _ *domain.Job) error { return nil }
func (s *fakeStore) GetJobMeta(_ context.Context, id string) (*domain.Job, error) {
	return nil, &domain.NotFoundError{JobID: id}
}
func (s *fakeStore) SetOutput(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
func (s *fakeStore) GetOutput(_ context.Context, id string) ([]byte, error) {
	return nil, &domain.NotFoundError{JobID: id}
}

var _ redisstore.StateStore = (*fakeStore)(nil)

type fakeHandler struct {
	jobType  domain.JobType
	callsErr []error // error per call; nil entry = success
	output   []byte
	calls    int
}

func (h *fakeHandler) JobType() domain.JobType { return h.jobType }
func (h *fakeHandler) Handle(_ context.Context, _ *domain.Job) ([]byte, error) {
	var err error
	if h.calls < len(h.callsErr) {
		err = h.callsErr[h.calls]
	}
	h.calls++
	if err != nil {
		return nil, err
	}
	return h.output, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func pendingJob(id string, jobType domain.JobType) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:            id,
		Type:          jobType,
		UserID:        "user-1",
		Payload:       json.RawMessage(`{"content":"hello"}`),
		Status:        domain.StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestProcessor(repo *fakeRepo, store *fakeStore, reg *handlers.Registry, tr *fakeTransport) *Processor {
	return NewProcessor("test-worker", repo, store, reg, tr,
		WithLogger(discardLogger),
		WithTimeout(time.Second),
		WithBackoff(backoff.Policy{
			Base:       time.Millisecond,
			Cap:        4 * time.Millisecond,
			MaxRetries: 3,
		}),
	)
}

func rawMessage(t *testing.T, job *domain.Job) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.Message{
		JobID:   job.ID,
		UserID:  job.UserID,
		JobType: string(job.Type),
		Payload: job.Payload,
	})
	require.NoError(t, err)
	return raw
}

// drain re-delivers every message the transport emitted, the way the
// broker (or poller) would, until the queue quiesces. Early redeliveries
// are parked asynchronously, so each cycle waits for the processor to
// settle before looking at the transport again.
func drain(t *testing.T, p *Processor, tr *fakeTransport) {
	t.Helper()
	for i := 0; i < 20; i++ {
		if len(tr.sent) == 0 {
			return
		}
		msg := tr.sent[0]
		tr.sent = tr.sent[1:]
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		require.NoError(t, p.HandleDelivery(context.Background(), raw))
		p.Wait()
	}
	t.Fatal("delivery loop did not quiesce")
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestProcessor_Success_FirstAttempt(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText, output: []byte(`{"ok":true}`)}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.JSONEq(t, `{"ok":true}`, string(got.Output))
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, domain.StatusCompleted, store.states["job-1"])
	assert.Empty(t, repo.deadLetters)
	assert.Empty(t, tr.dlq)
}

func TestProcessor_RetryableThenSuccess(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{
		jobType: domain.TypeIngestText,
		callsErr: []error{
			domain.Retryable(errors.New("upstream flaky")),
			domain.Retryable(errors.New("upstream still flaky")),
			nil,
		},
		output: []byte(`{"ok":true}`),
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	drain(t, p, tr)
	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.AttemptCount, "one attempt per delivery cycle")
	assert.Equal(t, 3, h.calls)
	assert.Empty(t, repo.deadLetters)
}

func TestProcessor_RetryBudgetExhausted(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	failing := domain.Retryable(errors.New("upstream down"))
	h := &fakeHandler{
		jobType:  domain.TypeIngestText,
		callsErr: []error{failing, failing, failing, failing},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	drain(t, p, tr)
	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount, "max retries caps total attempts")
	assert.Equal(t, 3, h.calls)

	require.Len(t, repo.deadLetters, 1)
	assert.Equal(t, "job-1", repo.deadLetters[0].JobID)
	assert.Equal(t, domain.ReasonMaxRetries, repo.deadLetters[0].Reason)
	assert.Equal(t, 3, repo.deadLetters[0].AttemptCount)

	require.Len(t, tr.dlq, 1)
	assert.Equal(t, domain.ReasonMaxRetries, tr.dlq[0].reason)
	assert.Equal(t, domain.StatusFailed, store.states["job-1"])
}

func TestProcessor_FatalError_NoRetry(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{
		jobType:  domain.TypeIngestText,
		callsErr: []error{domain.Fatal(errors.New("payload references deleted document"))},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "fatal errors skip the retry budget")
	assert.Equal(t, 1, h.calls)
	assert.Empty(t, tr.sent, "fatal errors must not re-queue")

	require.Len(t, repo.deadLetters, 1)
	assert.Equal(t, domain.ReasonFatal, repo.deadLetters[0].Reason)
}

func TestProcessor_UnclassifiedError_TreatedRetryable(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{
		jobType:  domain.TypeIngestText,
		callsErr: []error{errors.New("bare error from handler"), nil},
		output:   []byte(`{}`),
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	drain(t, p, tr)
	p.Wait()

	assert.Equal(t, domain.StatusCompleted, repo.jobs["job-1"].Status)
	assert.Equal(t, 2, h.calls)
}

func TestProcessor_DuplicateDelivery_SkipsSilently(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	job.Status = domain.StatusProcessing // another consumer holds the claim
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	p.Wait()

	assert.Equal(t, 0, h.calls, "losing the claim race must not dispatch")
	assert.Equal(t, domain.StatusProcessing, repo.jobs["job-1"].Status)
}

func TestProcessor_TerminalJob_Skipped(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	job.Status = domain.StatusCompleted
	repo := newFakeRepo(job)
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, newFakeStore(), reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	p.Wait()

	assert.Equal(t, 0, h.calls)
	assert.Equal(t, 0, repo.jobs["job-1"].AttemptCount)
}

func TestProcessor_CancelledBetweenClaimAndDispatch(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText, output: []byte(`{}`)}
	reg := handlers.NewRegistry()
	reg.Register(h)

	// The cancel lands right after the claim: flip the stored row under
	// the processor's feet the moment it turns processing.
	cancellingRepo := &cancelOnClaim{fakeRepo: repo}

	p := NewProcessor("test-worker", cancellingRepo, store, reg, tr,
		WithLogger(discardLogger), WithTimeout(time.Second))
	require.NoError(t, p.Process(context.Background(), "job-1"))
	p.Wait()

	assert.Equal(t, 0, h.calls, "cancelled jobs must not run their handler")
	assert.Equal(t, domain.StatusCancelled, repo.jobs["job-1"].Status)
}

// cancelOnClaim cancels the job immediately after a successful claim,
// simulating a user cancel racing the worker.
type cancelOnClaim struct {
	*fakeRepo
}

func (r *cancelOnClaim) ClaimPending(ctx context.Context, id string) (*domain.Job, error) {
	job, err := r.fakeRepo.ClaimPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.fakeRepo.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

func TestProcessor_MalformedMessage_ForwardedRaw(t *testing.T) {
	repo := newFakeRepo()
	store := newFakeStore()
	tr := &fakeTransport{}
	reg := handlers.NewRegistry()

	p := newTestProcessor(repo, store, reg, tr)

	for _, raw := range [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"user_id":"u1","job_type":"ingest_text"}`), // missing job_id
	} {
		require.NoError(t, p.HandleDelivery(context.Background(), raw))
	}

	require.Len(t, tr.dlq, 2)
	for _, entry := range tr.dlq {
		assert.Equal(t, domain.ReasonMalformed, entry.reason)
	}
	assert.Empty(t, repo.jobs, "malformed payloads must not create or mutate rows")
	assert.Empty(t, store.states)
}

func TestProcessor_NoHandler_DeadLetters(t *testing.T) {
	job := pendingJob("job-1", domain.TypeGenerateBlog)
	repo := newFakeRepo(job)
	store := newFakeStore()
	tr := &fakeTransport{}
	reg := handlers.NewRegistry() // nothing registered

	p := newTestProcessor(repo, store, reg, tr)
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	p.Wait()

	assert.Equal(t, domain.StatusFailed, repo.jobs["job-1"].Status)
	require.Len(t, repo.deadLetters, 1)
	assert.Equal(t, domain.ReasonNoHandler, repo.deadLetters[0].Reason)
}

func TestProcessor_UnknownJob_Discarded(t *testing.T) {
	repo := newFakeRepo()
	tr := &fakeTransport{}

	p := newTestProcessor(repo, newFakeStore(), handlers.NewRegistry(), tr)
	raw, _ := json.Marshal(domain.Message{JobID: "ghost", UserID: "u1", JobType: "ingest_text"})
	require.NoError(t, p.HandleDelivery(context.Background(), raw))

	assert.Empty(t, tr.dlq, "a well-formed message for a purged job is dropped, not dead-lettered")
}

func TestProcessor_BackoffDelays_ReflectedInRow(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	repo := newFakeRepo(job)
	tr := &fakeTransport{}
	h := &fakeHandler{
		jobType:  domain.TypeIngestText,
		callsErr: []error{domain.Retryable(errors.New("boom"))},
	}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := NewProcessor("test-worker", repo, newFakeStore(), reg, tr,
		WithLogger(discardLogger),
		WithTimeout(time.Second),
		WithBackoff(backoff.Policy{Base: time.Minute, Cap: time.Hour, MaxRetries: 3}),
	)

	before := time.Now().UTC()
	require.NoError(t, p.Process(context.Background(), "job-1"))
	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "boom", got.Error)
	// First retry waits one base delay.
	assert.WithinDuration(t, before.Add(time.Minute), got.NextAttemptAt, 5*time.Second)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "job-1", tr.sent[0].JobID)
}

func TestProcessor_EarlyRedelivery_DoesNotBlockConsumer(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	job.NextAttemptAt = time.Now().UTC().Add(400 * time.Millisecond)
	repo := newFakeRepo(job)
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText, output: []byte(`{"ok":true}`)}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, newFakeStore(), reg, tr)

	start := time.Now()
	require.NoError(t, p.HandleDelivery(context.Background(), rawMessage(t, job)))
	elapsed := time.Since(start)

	// The delivery is parked; the consumer loop must get its goroutine
	// back immediately, not after the backoff window.
	assert.Less(t, elapsed, 200*time.Millisecond,
		"HandleDelivery held the consumer loop for %s", elapsed)
	assert.Equal(t, 0, h.calls, "the attempt must not start before the job is due")

	p.Wait()

	got := repo.jobs["job-1"]
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 1, h.calls)
}

func TestProcessor_ParkedDelivery_ResentOnShutdown(t *testing.T) {
	job := pendingJob("job-1", domain.TypeIngestText)
	job.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	repo := newFakeRepo(job)
	tr := &fakeTransport{}
	h := &fakeHandler{jobType: domain.TypeIngestText}
	reg := handlers.NewRegistry()
	reg.Register(h)

	p := newTestProcessor(repo, newFakeStore(), reg, tr)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.HandleDelivery(ctx, rawMessage(t, job)))
	cancel()
	p.Wait()

	// The offset was committed when the delivery was parked; shutdown
	// hands the message back to the queue instead of dropping it.
	assert.Equal(t, 0, h.calls)
	assert.Equal(t, domain.StatusPending, repo.jobs["job-1"].Status)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "job-1", tr.sent[0].JobID)
}
