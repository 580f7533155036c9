package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is one outgoing message. WorkerAddress and Kind travel as headers
// so consumers can route without decoding the value.
type Record struct {
	Topic         string
	Key           string
	Value         []byte
	WorkerAddress string
	Kind          string
}

// Producer publishes records.
type Producer interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer returns a synchronous producer. Dispatch and ack topics carry
// one small message per task step, so batches flush after a few
// milliseconds instead of waiting to fill.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchSize:              16,
		BatchTimeout:           5 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, r Record) error {
	if r.Topic == "" {
		return errors.New("kafka publish: empty topic")
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   r.Topic,
		Key:     []byte(r.Key),
		Value:   r.Value,
		Headers: recordHeaders(ctx, r),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s to %s: %w", r.Kind, r.Topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
