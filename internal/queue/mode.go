package queue

import (
	"fmt"
	"strings"

	"github.com/scribeq/scribeq/internal/kafka"
)

// Mode selects how produced jobs reach a consumer. The two modes are
// mutually exclusive and fixed for the lifetime of the process.
type Mode string

const (
	// ModeExternal delivers through Kafka; a worker service consumes.
	ModeExternal Mode = "external"
	// ModeLocal performs no send — the pending row itself is the delivery,
	// picked up by an operator-run poller service scanning the job store.
	ModeLocal Mode = "local"
)

// ParseMode validates the queue_mode configuration value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeExternal:
		return ModeExternal, nil
	case ModeLocal:
		return ModeLocal, nil
	}
	return "", fmt.Errorf("queue_mode must be %q or %q, got %q", ModeLocal, ModeExternal, s)
}

// ValidateModeConfig fails fast on a broken deployment: external mode
// without a reachable broker configuration must stop the process at
// startup, never degrade silently to local polling.
func ValidateModeConfig(mode Mode, brokers []string, pendingTopic, dlqTopic string) error {
	switch mode {
	case ModeLocal:
		return nil
	case ModeExternal:
		if err := kafka.ValidateBrokers(brokers); err != nil {
			return fmt.Errorf("queue_mode=external requires valid kafka_brokers: %w (see configs written by the init command)", err)
		}
		if pendingTopic == "" {
			return fmt.Errorf("queue_mode=external requires a pending topic (queue_topic)")
		}
		if dlqTopic == "" {
			return fmt.Errorf("queue_mode=external requires a dead-letter topic (queue_dlq_topic)")
		}
		return nil
	}
	return fmt.Errorf("unknown queue mode %q", mode)
}
