package domain_test

import (
	"testing"
	"time"

	"github.com/scribeq/scribeq/internal/domain"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   domain.Status
		terminal bool
	}{
		{domain.StatusPending, false},
		{domain.StatusProcessing, false},
		{domain.StatusCompleted, true},
		{domain.StatusFailed, true},
		{domain.StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestParseJobType(t *testing.T) {
	for _, known := range domain.KnownTypes() {
		got, err := domain.ParseJobType(string(known))
		if err != nil {
			t.Fatalf("ParseJobType(%q): %v", known, err)
		}
		if got != known {
			t.Errorf("ParseJobType(%q) = %q", known, got)
		}
	}

	if _, err := domain.ParseJobType("resize_images"); err == nil {
		t.Error("ParseJobType should reject unknown types")
	}
}

func TestMessageValidate(t *testing.T) {
	valid := domain.Message{JobID: "j1", UserID: "u1", JobType: "ingest_text"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	tests := []struct {
		name string
		msg  domain.Message
	}{
		{"missing job_id", domain.Message{UserID: "u1", JobType: "ingest_text"}},
		{"missing user_id", domain.Message{JobID: "j1", JobType: "ingest_text"}},
		{"missing job_type", domain.Message{JobID: "j1", UserID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestJobDue(t *testing.T) {
	now := time.Now()
	j := &domain.Job{NextAttemptAt: now.Add(time.Minute)}
	if j.Due(now) {
		t.Error("job with future next_attempt_at must not be due")
	}
	if !j.Due(now.Add(time.Minute)) {
		t.Error("job is due at exactly next_attempt_at")
	}
}
