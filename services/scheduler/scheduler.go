package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/queue"
)

const (
	leaderKey     = "scheduler:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// ScheduledJob mirrors the scheduled_jobs DB table: a recurring enqueue
// rule, e.g. re-generating a digest post every night.
type ScheduledJob struct {
	ID        string
	Name      string
	CronExpr  string
	JobType   string
	UserID    string
	Payload   json.RawMessage
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// Scheduler fires cron-driven enqueues with Redis leader election. The
// actual job creation goes through the same Producer as the API, so a
// scheduled job is indistinguishable from a submitted one downstream.
type Scheduler struct {
	pool       *pgxpool.Pool
	producer   *queue.Producer
	redis      *redis.Client
	instanceID string
	logger     *slog.Logger
}

func NewScheduler(
	pool *pgxpool.Pool,
	producer *queue.Producer,
	redisClient *redis.Client,
	instanceID string,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		pool:       pool,
		producer:   producer,
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Run is the main polling loop: tries to become leader, then fires due
// schedules. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	if err := s.fireDueSchedules(ctx); err != nil {
		s.logger.Error("fireDueSchedules", slog.String("error", err.Error()))
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (s *Scheduler) fireDueSchedules(ctx context.Context) error {
	schedules, err := s.loadDueSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := s.fire(ctx, sched); err != nil {
			s.logger.Error("schedule fire failed",
				slog.String("schedule", sched.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Scheduler) loadDueSchedules(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron_expr, job_type, user_id, payload, enabled, last_run_at, next_run_at
		FROM scheduled_jobs
		WHERE enabled = TRUE AND (next_run_at IS NULL OR next_run_at <= NOW())
		ORDER BY next_run_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_jobs: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		if err := rows.Scan(
			&j.ID, &j.Name, &j.CronExpr, &j.JobType, &j.UserID,
			&j.Payload, &j.Enabled, &j.LastRunAt, &j.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled_job: %w", err)
		}
		schedules = append(schedules, j)
	}
	return schedules, rows.Err()
}

func (s *Scheduler) fire(ctx context.Context, sched ScheduledJob) error {
	now := time.Now().UTC()

	jobID, err := s.producer.Enqueue(ctx, domain.JobType(sched.JobType), sched.UserID, sched.Payload, nil)
	if err != nil {
		var te *domain.TransportError
		if !errors.As(err, &te) {
			return fmt.Errorf("enqueue for schedule %q: %w", sched.Name, err)
		}
		// Row persisted, delivery deferred. The schedule still advances.
		s.logger.Warn("schedule enqueued but not delivered",
			slog.String("schedule", sched.Name),
			slog.String("job_id", jobID),
			slog.String("remediation", te.Remediation),
		)
	}

	// Parse cron expression to compute next_run_at.
	schedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for schedule %q: %w", sched.CronExpr, sched.Name, err)
	}
	nextRun := schedule.Next(now)

	if _, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, now, nextRun, sched.ID); err != nil {
		return fmt.Errorf("update scheduled_job %q: %w", sched.Name, err)
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", sched.Name),
		slog.String("job_id", jobID),
		slog.String("job_type", sched.JobType),
		slog.Time("next_run", nextRun),
	)
	return nil
}
