// Package backoff holds the retry policy for the job pipeline: a pure
// mapping from attempt count to re-delivery delay, and the dead-letter
// cutoff. No clocks, no I/O — callers add the delay to their own "now".
package backoff

import "time"

// Policy is an exponential backoff schedule with a ceiling.
type Policy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the delay: once Base·2^n reaches Cap, the delay stays there.
	Cap time.Duration
	// MaxRetries is the number of delivery attempts a job gets before it
	// is dead-lettered.
	MaxRetries int
}

// Default mirrors the production configuration: 1s, 2s, 4s, ... capped
// at one hour, three attempts.
func Default() Policy {
	return Policy{Base: time.Second, Cap: time.Hour, MaxRetries: 3}
}

// Delay returns how long to wait before re-delivering a job whose
// attempt-th delivery just failed (attempt is 1-indexed).
//
// With Base=1s: attempt 1 → 1s, attempt 2 → 2s, attempt 3 → 4s.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Cap {
			return p.Cap
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// ShouldDeadLetter reports whether a job that has now failed `attempts`
// deliveries has exhausted its retry budget.
func (p Policy) ShouldDeadLetter(attempts int) bool {
	return attempts >= p.MaxRetries
}
