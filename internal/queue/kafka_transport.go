package queue

import (
	"context"
	"fmt"

	"github.com/scribeq/scribeq/internal/domain"
	"github.com/scribeq/scribeq/internal/kafka"
)

// kafkaTransport delivers through Kafka topics (external mode).
type kafkaTransport struct {
	producer     kafka.Producer
	pendingTopic string
	dlqTopic     string
}

// NewKafkaTransport wraps a Kafka producer as a Transport. Broker
// configuration must already have passed ValidateModeConfig.
func NewKafkaTransport(producer kafka.Producer, pendingTopic, dlqTopic string) Transport {
	return &kafkaTransport{
		producer:     producer,
		pendingTopic: pendingTopic,
		dlqTopic:     dlqTopic,
	}
}

func (t *kafkaTransport) Send(ctx context.Context, msg *domain.Message) error {
	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := t.producer.Publish(ctx, t.pendingTopic, msg.JobID, raw); err != nil {
		return &domain.TransportError{
			Op:          "send",
			Remediation: "check kafka_brokers and queue_topic configuration",
			Err:         err,
		}
	}
	return nil
}

func (t *kafkaTransport) ForwardToDeadLetter(ctx context.Context, raw []byte, reason domain.DeadLetterReason) error {
	if err := t.producer.Publish(ctx, t.dlqTopic, string(reason), raw); err != nil {
		return &domain.TransportError{
			Op:          "dead-letter forward",
			Remediation: fmt.Sprintf("check kafka_brokers and queue_dlq_topic (%s)", t.dlqTopic),
			Err:         err,
		}
	}
	return nil
}
