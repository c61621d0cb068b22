package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribeq/scribeq/internal/domain"
)

// JobRepository is the durable source of truth for job state. Every
// mutation is a single-row statement; the conditional updates double as
// the only cross-consumer coordination primitive (a row-level
// compare-and-swap on status).
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]*domain.Job, string, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	ClaimPending(ctx context.Context, id string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, id string, output []byte) error
	MarkRetry(ctx context.Context, id string, jobErr string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id string, jobErr string) error
	Cancel(ctx context.Context, id string) error

	InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error)
	ReplayDeadLetter(ctx context.Context, jobID string) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the JobRepository interface.
func NewRepository(pool *pgxpool.Pool) JobRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const jobColumns = `id, type, user_id, document_id, payload, output, status, error,
       attempt_count, next_attempt_at, created_at, updated_at, completed_at`

func (r *repository) Create(ctx context.Context, job *domain.Job) error {
	if _, err := domain.ParseJobType(string(job.Type)); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, type, user_id, document_id, payload, status, attempt_count,
			 next_attempt_at, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.ID, string(job.Type), job.UserID, job.DocumentID, job.Payload,
		string(job.Status), job.AttemptCount,
		job.NextAttemptAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)
	return scanJob(row, id)
}

// ListByUser returns the user's jobs newest first. cursor is an opaque
// keyset token from a previous page; empty starts from the top. The
// second return value is the cursor for the next page, empty when the
// listing is exhausted.
func (r *repository) ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]*domain.Job, string, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = r.pool.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	} else {
		after, afterID, decErr := decodeCursor(cursor)
		if decErr != nil {
			return nil, "", decErr
		}
		rows, err = r.pool.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, after, afterID, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list jobs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, "", err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

// ListDue feeds the local polling loop: pending jobs whose next attempt
// time has passed, oldest due first.
func (r *repository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`, string(domain.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimPending transitions pending → processing and increments the
// attempt counter, in one conditional UPDATE. When two consumers race on
// the same delivery exactly one succeeds; the loser gets ConflictError.
func (r *repository) ClaimPending(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns+`
	`, string(domain.StatusProcessing), time.Now().UTC(), id, string(domain.StatusPending))

	job, err := scanJob(row, id)
	if err == nil {
		return job, nil
	}
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	return nil, r.conflictOrNotFound(ctx, id)
}

func (r *repository) MarkCompleted(ctx context.Context, id string, output []byte) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, domain.StatusProcessing, `
		UPDATE jobs
		SET status = $1, output = $2, error = '', updated_at = $3, completed_at = $3
		WHERE id = $4 AND status = $5
	`, string(domain.StatusCompleted), output, now, id, string(domain.StatusProcessing))
}

func (r *repository) MarkRetry(ctx context.Context, id string, jobErr string, nextAttemptAt time.Time) error {
	return r.transition(ctx, id, domain.StatusProcessing, `
		UPDATE jobs
		SET status = $1, error = $2, next_attempt_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(domain.StatusPending), jobErr, nextAttemptAt, time.Now().UTC(), id, string(domain.StatusProcessing))
}

func (r *repository) MarkFailed(ctx context.Context, id string, jobErr string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, domain.StatusProcessing, `
		UPDATE jobs
		SET status = $1, error = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status = $5
	`, string(domain.StatusFailed), jobErr, now, id, string(domain.StatusProcessing))
}

// Cancel marks a non-terminal job cancelled. Terminal jobs are rejected
// with ConflictError so callers can surface a 409.
func (r *repository) Cancel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, string(domain.StatusCancelled), time.Now().UTC(), id,
		string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *repository) InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, job_id, payload, reason, error, attempt_count, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`, dl.ID, dl.JobID, dl.Payload, string(dl.Reason), dl.Error, dl.AttemptCount, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter for job %s: %w", dl.JobID, err)
	}
	return nil
}

func (r *repository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, payload, reason, error, attempt_count, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var reason string
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.Payload, &reason,
			&dl.Error, &dl.AttemptCount, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Reason = domain.DeadLetterReason(reason)
		dls = append(dls, &dl)
	}
	return dls, rows.Err()
}

// ReplayDeadLetter resets a failed job to pending with a fresh retry
// budget so the transport/poller picks it up again. This is the one
// sanctioned place attempt_count goes backwards; everywhere else the
// counter only ever increments (inside ClaimPending). The dead-letter
// row itself is append-only and stays for the audit trail.
func (r *repository) ReplayDeadLetter(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, attempt_count = 0, error = '', next_attempt_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(domain.StatusPending), time.Now().UTC(), jobID, string(domain.StatusFailed))
	if err != nil {
		return fmt.Errorf("replay job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, jobID)
	}
	return nil
}

func (r *repository) transition(ctx context.Context, id string, _ domain.Status, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

// conflictOrNotFound disambiguates a zero-row conditional update: either
// the row is missing entirely or it is in a status the transition does
// not accept.
func (r *repository) conflictOrNotFound(ctx context.Context, id string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.NotFoundError{JobID: id}
	}
	if err != nil {
		return fmt.Errorf("read status for job %s: %w", id, err)
	}
	return &domain.ConflictError{JobID: id, Status: domain.Status(status)}
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}, id string) (*domain.Job, error) {
	var job domain.Job
	var typeStr, statusStr string
	err := row.Scan(
		&job.ID, &typeStr, &job.UserID, &job.DocumentID, &job.Payload,
		&job.Output, &statusStr, &job.Error, &job.AttemptCount,
		&job.NextAttemptAt, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if id == "" {
				id = "unknown"
			}
			return nil, &domain.NotFoundError{JobID: id}
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Type = domain.JobType(typeStr)
	job.Status = domain.Status(statusStr)
	return &job, nil
}

type cursorToken struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeCursor(createdAt time.Time, id string) string {
	raw, _ := json.Marshal(cursorToken{CreatedAt: createdAt, ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, "", &domain.ValidationError{Field: "cursor", Reason: "not base64"}
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return time.Time{}, "", &domain.ValidationError{Field: "cursor", Reason: "malformed token"}
	}
	return tok.CreatedAt, tok.ID, nil
}
