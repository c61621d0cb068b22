package queue

import (
	"context"
	"encoding/json"

	"github.com/scribeq/scribeq/internal/domain"
)

// Transport delivers a job message for eventual consumption. The concrete
// implementation is chosen once at startup from the queue mode and passed
// in explicitly; nothing branches on the mode per call.
type Transport interface {
	// Send hands a freshly produced message to the delivery path.
	Send(ctx context.Context, msg *domain.Message) error
	// ForwardToDeadLetter pushes a raw payload onto the transport-level
	// dead-letter sink. The durable dead_letters row is written by the
	// processor; this forward is for external inspection tooling and for
	// malformed payloads that have no job row at all.
	ForwardToDeadLetter(ctx context.Context, raw []byte, reason domain.DeadLetterReason) error
}

func encodeMessage(msg *domain.Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, &domain.ValidationError{Field: "payload", Reason: "not serializable: " + err.Error()}
	}
	return raw, nil
}
