package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scribeq/scribeq/internal/domain"
)

func TestErrorMessages(t *testing.T) {
	assert.Contains(t, (&domain.ValidationError{Field: "job_type", Reason: "unknown"}).Error(), "job_type")
	assert.Contains(t, (&domain.NotFoundError{JobID: "j1"}).Error(), "j1")

	conflict := &domain.ConflictError{JobID: "j2", Status: domain.StatusProcessing}
	assert.Contains(t, conflict.Error(), "processing")
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	te := &domain.TransportError{Op: "send", Remediation: "check kafka_brokers", Err: cause}

	assert.ErrorIs(t, te, cause)
	assert.Contains(t, te.Error(), "check kafka_brokers")
}

func TestFatalClassification(t *testing.T) {
	assert.False(t, domain.IsFatal(errors.New("plain")), "unclassified errors default to retryable")
	assert.False(t, domain.IsFatal(domain.Retryable(errors.New("transient"))))
	assert.True(t, domain.IsFatal(domain.Fatal(errors.New("bad input"))))

	// Classification survives further wrapping at call sites.
	wrapped := fmt.Errorf("handler: %w", domain.Fatal(errors.New("bad input")))
	assert.True(t, domain.IsFatal(wrapped))
}

func TestClassifiersPassNil(t *testing.T) {
	assert.NoError(t, domain.Retryable(nil))
	assert.NoError(t, domain.Fatal(nil))
}

func TestClassifiedErrorsPreserveCause(t *testing.T) {
	cause := errors.New("rate limited")
	assert.ErrorIs(t, domain.Retryable(cause), cause)
	assert.ErrorIs(t, domain.Fatal(cause), cause)
}
