package domain

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed enqueue requests or wire
// messages. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when a job ID does not exist.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ConflictError is returned when a state transition is attempted from an
// invalid current status, e.g. claiming a job that is no longer pending.
// Consumers treat it as a benign duplicate-delivery skip; API callers see
// it as a 409.
type ConflictError struct {
	JobID  string
	Status Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is %s, transition rejected", e.JobID, e.Status)
}

// TransportError wraps a queue delivery failure. The pending row is not
// rolled back; Remediation names the configuration to check.
type TransportError struct {
	Op          string
	Remediation string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue transport %s: %v (%s)", e.Op, e.Err, e.Remediation)
}

func (e *TransportError) Unwrap() error { return e.Err }

// retryableError and fatalError classify handler failures explicitly
// instead of string-matching error messages.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable marks a handler error as transient. The job is re-queued with
// backoff until the retry budget is exhausted.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal marks a handler error as permanent. The job goes straight to the
// dead-letter queue without consuming retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked Fatal. Unclassified errors are
// treated as retryable: transient faults are the common case and a wrong
// fatal classification destroys work permanently.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
