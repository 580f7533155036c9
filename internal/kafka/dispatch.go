package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
)

// CommandPublisher sends dispatch commands to the worker's own topic.
type CommandPublisher struct {
	producer Producer
}

// NewCommandPublisher wraps producer.
func NewCommandPublisher(producer Producer) *CommandPublisher {
	return &CommandPublisher{producer: producer}
}

func (p *CommandPublisher) SendDispatch(ctx context.Context, cmd domain.DispatchCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal dispatch command: %w", err)
	}
	return p.producer.Publish(ctx, Record{
		Topic:         DispatchTopic(cmd.WorkerAddress),
		Key:           strconv.Itoa(cmd.TaskInstanceID),
		Value:         data,
		WorkerAddress: cmd.WorkerAddress,
		Kind:          KindDispatch,
	})
}

// ReplyHandle acks a worker over its reply topic. Kafka-connected workers
// have no socket, so the handle is the topic.
type ReplyHandle struct {
	producer Producer
	address  string
}

// NewReplyHandle returns the handle for workerAddress.
func NewReplyHandle(producer Producer, workerAddress string) *ReplyHandle {
	return &ReplyHandle{producer: producer, address: workerAddress}
}

func (h *ReplyHandle) Send(ctx context.Context, payload []byte) error {
	return h.producer.Publish(ctx, Record{
		Topic:         AckTopic(h.address),
		Key:           h.address,
		Value:         payload,
		WorkerAddress: h.address,
		Kind:          KindAck,
	})
}
