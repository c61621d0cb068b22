package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a job can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType selects the handler a job is dispatched to.
type JobType string

const (
	TypeIngestYouTube JobType = "ingest_youtube"
	TypeIngestText    JobType = "ingest_text"
	TypeGenerateBlog  JobType = "generate_blog"
)

// KnownTypes lists every job type the pipeline accepts. Enqueue requests
// for any other type are rejected before a row is written.
func KnownTypes() []JobType {
	return []JobType{TypeIngestYouTube, TypeIngestText, TypeGenerateBlog}
}

// ParseJobType validates a raw string against the known job types.
func ParseJobType(s string) (JobType, error) {
	for _, t := range KnownTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "job_type", Reason: "unknown job type " + s}
}

// Job is the durable record of a unit of background work. The row in
// PostgreSQL is the single source of truth for its status.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	UserID        string          `json:"user_id"`
	DocumentID    *string         `json:"document_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Output        json.RawMessage `json:"output,omitempty"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Due reports whether the job may be (re)delivered at the given time.
func (j *Job) Due(now time.Time) bool {
	return !j.NextAttemptAt.After(now)
}

// Message is the wire format handed to the queue transport. It carries
// just enough to claim and dispatch the job; the row holds the rest.
type Message struct {
	JobID   string          `json:"job_id"`
	UserID  string          `json:"user_id"`
	JobType string          `json:"job_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields every consumer requires. A message failing
// this check is malformed and must never cause a job-row mutation.
func (m *Message) Validate() error {
	switch {
	case m.JobID == "":
		return &ValidationError{Field: "job_id", Reason: "missing"}
	case m.UserID == "":
		return &ValidationError{Field: "user_id", Reason: "missing"}
	case m.JobType == "":
		return &ValidationError{Field: "job_type", Reason: "missing"}
	}
	return nil
}

// DeadLetterReason classifies why a job ended up in the dead-letter queue.
type DeadLetterReason string

const (
	ReasonMaxRetries DeadLetterReason = "max_retries_exceeded"
	ReasonFatal      DeadLetterReason = "fatal_error"
	ReasonNoHandler  DeadLetterReason = "no_handler"
	ReasonMalformed  DeadLetterReason = "malformed_message"
)

// DeadLetter is the terminal record for a job that exhausted its retries
// or failed fatally. Rows are append-only and kept for operator replay.
type DeadLetter struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	Payload      json.RawMessage  `json:"payload"`
	Reason       DeadLetterReason `json:"reason"`
	Error        string           `json:"error"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    time.Time        `json:"created_at"`
}
