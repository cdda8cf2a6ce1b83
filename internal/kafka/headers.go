package kafka

import segkafka "github.com/segmentio/kafka-go"

// Header keys set on every event published by stageflow.
const (
	HeaderEventKind = "stageflow-event-kind"
	HeaderStage     = "stageflow-stage"
)

// HeaderCarrier adapts a message's headers to propagation.TextMapCarrier so
// trace context crosses the broker.
type HeaderCarrier []segkafka.Header

// Get returns the value of the first header named key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
