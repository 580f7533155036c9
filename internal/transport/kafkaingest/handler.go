// Package kafkaingest turns messages on the reports topic into engine events.
package kafkaingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ramiqadoumi/taskflow-master/internal/connection"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/kafka"
	"github.com/ramiqadoumi/taskflow-master/internal/transport"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

const (
	transportName = "kafka"
	connPrefix    = "kafka:"

	// DefaultIdleTTL is how long a Kafka worker stays registered, and so
	// selectable for dispatch, without sending a report.
	DefaultIdleTTL = 2 * time.Minute
)

// ConnectionID is the registry key under which a Kafka worker's reply
// handle is kept.
func ConnectionID(workerAddress string) string { return connPrefix + workerAddress }

// Handler decodes worker reports and ingests them.
type Handler struct {
	ingestor transport.Ingestor
	registry *connection.Registry
	producer kafka.Producer
	logger   *slog.Logger
}

// NewHandler returns a Handler. producer backs the per-worker ack topics.
func NewHandler(ingestor transport.Ingestor, registry *connection.Registry, producer kafka.Producer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ingestor: ingestor, registry: registry, producer: producer, logger: logger}
}

// Handle is a kafka.HandlerFunc. Undecodable messages are dropped and
// committed; a saturated queue returns the error so the consumer backs off
// and redelivers the same message.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	addr := msg.WorkerAddress()
	log := h.logger.With(slog.String("worker_address", addr), slog.Int64("offset", msg.Offset))

	frame, err := transport.ParseFrame(msg.Value)
	var ev domain.Event
	if err == nil {
		ev, err = transport.Decode(frame, addr)
	}
	if err != nil {
		telemetry.EventsInvalidTotal.WithLabelValues(transportName).Inc()
		log.Warn("dropping invalid worker report", slog.String("error", err.Error()))
		return nil
	}
	telemetry.EventsReceivedTotal.WithLabelValues(transportName, string(ev.Kind())).Inc()

	var connID string
	if addr != "" {
		connID = ConnectionID(addr)
		if _, ok := h.registry.Lookup(connID); ok {
			h.registry.Touch(connID)
		} else {
			h.registry.Register(connID, addr, kafka.NewReplyHandle(h.producer, addr))
			telemetry.ConnectionsActive.WithLabelValues(transportName).Inc()
		}
	}

	err = h.ingestor.Ingest(ctx, domain.Envelope{Event: ev, ConnectionID: connID, ReceivedAt: time.Now()})
	if err != nil {
		var sat *domain.QueueSaturatedError
		if !errors.As(err, &sat) {
			// Queue closed during shutdown; the offset stays uncommitted.
			log.Info("report not ingested", slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}

// Prune unregisters Kafka workers that have not reported within ttl and
// returns how many were removed. Websocket entries are left alone; their
// connection lifetime governs them.
func (h *Handler) Prune(ttl time.Duration) int {
	removed := h.registry.Expire(time.Now().Add(-ttl), func(e connection.Entry) bool {
		return strings.HasPrefix(e.ConnectionID, connPrefix)
	})
	for _, e := range removed {
		telemetry.ConnectionsActive.WithLabelValues(transportName).Dec()
		h.logger.Info("kafka worker idle, unregistered",
			slog.String("worker_address", e.WorkerAddress),
			slog.Time("last_seen", e.LastSeen),
		)
	}
	return len(removed)
}

// RunPruner calls Prune every ttl/2 until ctx ends. A non-positive ttl
// means DefaultIdleTTL.
func (h *Handler) RunPruner(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Prune(ttl)
		}
	}
}
