package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier exposes Kafka headers as an OpenTelemetry TextMapCarrier.
// The master also stores its own routing metadata in it.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) index(key string) int {
	for i, h := range c {
		if h.Key == key {
			return i
		}
	}
	return -1
}

func (c HeaderCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c[i].Value)
	}
	return ""
}

// Set overwrites key in place, or appends it.
func (c *HeaderCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		(*c)[i].Value = []byte(value)
		return
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

// recordHeaders stamps r's metadata and the active trace context.
func recordHeaders(ctx context.Context, r Record) []segkafka.Header {
	var h HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &h)
	if r.WorkerAddress != "" {
		h.Set(HeaderWorkerAddress, r.WorkerAddress)
	}
	if r.Kind != "" {
		h.Set(HeaderKind, r.Kind)
	}
	return h
}

// messageContext continues the producer's trace for a consumed message.
func messageContext(ctx context.Context, headers []segkafka.Header) context.Context {
	carrier := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
