// Package ws accepts persistent worker connections. Each connection is
// registered as a reply handle so acks travel back over the same socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ramiqadoumi/taskflow-master/internal/connection"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	redisstore "github.com/ramiqadoumi/taskflow-master/internal/redis"
	"github.com/ramiqadoumi/taskflow-master/internal/transport"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

const transportName = "ws"

// Limiter throttles frames per worker.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter throttles each worker's frames through l.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithPingInterval sets how often the server pings; the read deadline is
// twice the interval.
func WithPingInterval(d time.Duration) Option { return func(s *Server) { s.pingInterval = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// Server upgrades worker requests and pumps their frames into the engine.
type Server struct {
	ingestor     transport.Ingestor
	registry     *connection.Registry
	limiter      Limiter
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeWait    time.Duration
	logger       *slog.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer returns a Server ingesting into ingestor.
func NewServer(ingestor transport.Ingestor, registry *connection.Registry, opts ...Option) *Server {
	s := &Server{
		ingestor:     ingestor,
		registry:     registry,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		pingInterval: 30 * time.Second,
		writeWait:    5 * time.Second,
		logger:       slog.Default(),
		conns:        make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP handles GET /v1/workers/{address}/connect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(chi.URLParam(r, "address"))
	if addr == "" {
		http.Error(w, "worker address is required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", slog.String("worker_address", addr), slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(r.Context(), ws, addr)
}

// Shutdown closes every live connection and waits for their handlers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn, addr string) {
	c := &conn{ws: ws, writeWait: s.writeWait}
	id := uuid.New().String()
	log := s.logger.With(slog.String("connection_id", id), slog.String("worker_address", addr))

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.registry.Register(id, addr, c)
	telemetry.ConnectionsActive.WithLabelValues(transportName).Inc()
	log.Info("worker connected")

	// Detach from the request so a closing HTTP server does not cut
	// an ingest short; the loop ends when the socket does.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancel()
		c.close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		if s.registry.Unregister(id, c) {
			telemetry.ConnectionsActive.WithLabelValues(transportName).Dec()
		}
		log.Info("worker disconnected")
	}()

	pongWait := 2 * s.pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.registry.Touch(id)
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.ping(ctx, c)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.registry.Touch(id)

		if err := s.handleFrame(ctx, c, id, addr, raw); err != nil {
			log.Info("closing worker connection", slog.String("error", err.Error()))
			return
		}
	}
}

// handleFrame ingests one frame. Rejections are answered with a nack; only
// a closed engine ends the connection.
func (s *Server) handleFrame(ctx context.Context, c *conn, id, addr string, raw []byte) error {
	frame, err := transport.ParseFrame(raw)
	var ev domain.Event
	if err == nil {
		ev, err = transport.Decode(frame, addr)
	}
	if err != nil {
		telemetry.EventsInvalidTotal.WithLabelValues(transportName).Inc()
		s.logger.Warn("dropping invalid worker frame",
			slog.String("connection_id", id),
			slog.String("error", err.Error()),
		)
		s.nack(ctx, c, transport.NackFor(err, 0, false))
		return nil
	}
	telemetry.EventsReceivedTotal.WithLabelValues(transportName, string(ev.Kind())).Inc()
	taskID := ev.Ref().TaskInstanceID

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, redisstore.WorkerKey(addr))
		if err != nil {
			s.logger.Warn("rate limiter unavailable, admitting frame", slog.String("error", err.Error()))
		} else if !ok {
			telemetry.IngestRateLimitedTotal.Inc()
			s.nack(ctx, c, transport.NackFor(errRateLimited, taskID, true))
			return nil
		}
	}

	err = s.ingestor.Ingest(ctx, domain.Envelope{Event: ev, ConnectionID: id, ReceivedAt: time.Now()})
	var sat *domain.QueueSaturatedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &sat):
		s.nack(ctx, c, transport.NackFor(err, taskID, true))
		return nil
	default:
		return err
	}
}

var errRateLimited = errors.New("rate limit exceeded")

func (s *Server) nack(ctx context.Context, c *conn, n transport.Nack) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := c.Send(ctx, payload); err != nil {
		s.logger.Debug("nack not delivered", slog.String("error", err.Error()))
	}
}

func (s *Server) ping(ctx context.Context, c *conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
