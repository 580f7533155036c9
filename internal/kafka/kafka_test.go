package kafka_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/kafka"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Record
}

func (p *fakeProducer) Publish(_ context.Context, r kafka.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, r)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestTopicsAreSanitised(t *testing.T) {
	assert.Equal(t, "tasks.dispatch.10.0.0.5_7000", kafka.DispatchTopic("10.0.0.5:7000"))
	assert.Equal(t, "tasks.ack.fe80__1_7000", kafka.AckTopic("[fe80::1]:7000"))
}

func TestMessageWorkerAddress(t *testing.T) {
	assert.Equal(t, "w1", kafka.Message{Key: []byte("w1")}.WorkerAddress())

	m := kafka.Message{Headers: []segkafka.Header{{Key: kafka.HeaderWorkerAddress, Value: []byte("w2")}}}
	assert.Equal(t, "w2", m.WorkerAddress())
	assert.Empty(t, kafka.Message{}.WorkerAddress())
}

func TestCommandPublisher(t *testing.T) {
	p := &fakeProducer{}
	cmd := domain.DispatchCommand{ProcessInstanceID: 1, TaskInstanceID: 10, WorkerAddress: "w1:7000", RetryCount: 2}
	require.NoError(t, kafka.NewCommandPublisher(p).SendDispatch(context.Background(), cmd))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "tasks.dispatch.w1_7000", p.msgs[0].Topic)
	assert.Equal(t, "10", p.msgs[0].Key)
	assert.Equal(t, "w1:7000", p.msgs[0].WorkerAddress)
	assert.Equal(t, kafka.KindDispatch, p.msgs[0].Kind)

	var got domain.DispatchCommand
	require.NoError(t, json.Unmarshal(p.msgs[0].Value, &got))
	assert.Equal(t, cmd, got)
}

func TestReplyHandle(t *testing.T) {
	p := &fakeProducer{}
	h := kafka.NewReplyHandle(p, "w1:7000")
	require.NoError(t, h.Send(context.Background(), []byte(`{"ok":true}`)))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "tasks.ack.w1_7000", p.msgs[0].Topic)
	assert.Equal(t, "w1:7000", p.msgs[0].Key)
	assert.Equal(t, kafka.KindAck, p.msgs[0].Kind)
}

func TestHeaderCarrierSetOverwrites(t *testing.T) {
	var c kafka.HeaderCarrier
	c.Set("traceparent", "a")
	c.Set(kafka.HeaderWorkerAddress, "w1")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "w1", c.Get(kafka.HeaderWorkerAddress))
	assert.Equal(t, []string{"traceparent", kafka.HeaderWorkerAddress}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}
