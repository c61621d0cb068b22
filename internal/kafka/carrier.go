package kafka

import segkafka "github.com/segmentio/kafka-go"

// MessageCarrier exposes a Kafka message's headers as an OpenTelemetry
// propagation.TextMapCarrier, so a trace started at job submission
// survives the hops across jobs.pending and the per-type worker topics.
type MessageCarrier []segkafka.Header

func (c MessageCarrier) Get(key string) string {
	for i := range c {
		if c[i].Key == key {
			return string(c[i].Value)
		}
	}
	return ""
}

// Set replaces any existing header with the same key before appending.
func (c *MessageCarrier) Set(key, value string) {
	kept := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
