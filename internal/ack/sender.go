package ack

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/taskflow-master/internal/connection"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

// Ack is the reply a worker receives for an applied report.
type Ack struct {
	Kind              domain.Kind `json:"kind"`
	ProcessInstanceID int         `json:"processInstanceId"`
	TaskInstanceID    int         `json:"taskInstanceId"`
	Status            int         `json:"status"`
	Success           bool        `json:"success"`
	SentAt            int64       `json:"sentAt"`
}

// For builds the ack for ev given the instance status after processing.
func For(ev domain.Event, status domain.Status) Ack {
	ref := ev.Ref()
	code, _ := status.Code()
	return Ack{
		Kind:              ev.Kind(),
		ProcessInstanceID: ref.ProcessInstanceID,
		TaskInstanceID:    ref.TaskInstanceID,
		Status:            code,
		Success:           true,
		SentAt:            time.Now().UnixMilli(),
	}
}

// Sender delivers acks over the handle registered for a connection.
// Delivery is best-effort and never retried.
type Sender struct {
	registry *connection.Registry
	logger   *slog.Logger
}

// NewSender returns a Sender resolving handles through registry.
func NewSender(registry *connection.Registry, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{registry: registry, logger: logger}
}

// Send delivers a. It returns the delivery error for callers that want to
// inspect it; the engine ignores it.
func (s *Sender) Send(ctx context.Context, connectionID string, a Ack) error {
	if connectionID == "" {
		// Master-originated events have no connection to reply on.
		return nil
	}
	err := s.send(ctx, connectionID, a)
	if err != nil {
		telemetry.AckFailuresTotal.Inc()
		s.logger.Debug("ack not delivered",
			slog.String("connection_id", connectionID),
			slog.Int("task_instance_id", a.TaskInstanceID),
			slog.String("event_kind", string(a.Kind)),
			slog.String("error", err.Error()),
		)
		return err
	}
	telemetry.AcksSentTotal.WithLabelValues(string(a.Kind)).Inc()
	return nil
}

func (s *Sender) send(ctx context.Context, connectionID string, a Ack) error {
	e, ok := s.registry.Lookup(connectionID)
	if !ok || e.Handle == nil {
		return &domain.AckDeliveryError{ConnectionID: connectionID}
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return &domain.AckDeliveryError{ConnectionID: connectionID, Err: err}
	}
	if err := e.Handle.Send(ctx, payload); err != nil {
		var ade *domain.AckDeliveryError
		if errors.As(err, &ade) {
			return err
		}
		return &domain.AckDeliveryError{ConnectionID: connectionID, Err: err}
	}
	return nil
}
