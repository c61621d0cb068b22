package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scribeq/scribeq/internal/domain"
)

const (
	stateTTL  = 24 * time.Hour
	outputTTL = time.Hour
)

func stateKey(jobID string) string  { return "job:state:" + jobID }
func metaKey(jobID string) string   { return "job:meta:" + jobID }
func outputKey(jobID string) string { return "job:output:" + jobID }

// StateStore is a read-optimized mirror of job state in Redis. Postgres
// stays the source of truth; this cache serves the API's status polls
// without touching the job table.
type StateStore interface {
	SetStatus(ctx context.Context, jobID string, status domain.Status) error
	GetStatus(ctx context.Context, jobID string) (domain.Status, error)
	SetJobMeta(ctx context.Context, job *domain.Job) error
	GetJobMeta(ctx context.Context, jobID string) (*domain.Job, error)
	SetOutput(ctx context.Context, jobID string, output []byte, ttl time.Duration) error
	GetOutput(ctx context.Context, jobID string) ([]byte, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) SetStatus(ctx context.Context, jobID string, status domain.Status) error {
	err := s.client.Set(ctx, stateKey(jobID), string(status), stateTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", jobID, err)
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, jobID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, stateKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.NotFoundError{JobID: jobID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", jobID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) SetJobMeta(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job meta: %w", err)
	}
	err = s.client.Set(ctx, metaKey(job.ID), data, stateTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set meta for %s: %w", job.ID, err)
	}
	return nil
}

func (s *stateStore) GetJobMeta(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, metaKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job meta: %w", err)
	}
	return &job, nil
}

func (s *stateStore) SetOutput(ctx context.Context, jobID string, output []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = outputTTL
	}
	err := s.client.Set(ctx, outputKey(jobID), output, ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set output for %s: %w", jobID, err)
	}
	return nil
}

func (s *stateStore) GetOutput(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.client.Get(ctx, outputKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get output for %s: %w", jobID, err)
	}
	return data, nil
}
