// Package master runs the task event engine together with its ingress:
// the Kafka report consumer, the HTTP API and the worker websocket endpoint.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/taskflow-master/internal/engine"
	"github.com/ramiqadoumi/taskflow-master/internal/kafka"
)

// Sockets is the websocket endpoint's lifecycle.
type Sockets interface {
	Shutdown()
}

// Master owns the engine and every producer feeding it.
type Master struct {
	engine   *engine.Engine
	consumer kafka.Consumer
	handler  kafka.HandlerFunc
	httpSrv  *http.Server
	sockets  Sockets
	jobs     []func(context.Context) error
	logger   *slog.Logger

	shutdownTimeout time.Duration
}

// Option configures a Master.
type Option func(*Master)

func WithLogger(l *slog.Logger) Option { return func(m *Master) { m.logger = l } }

// WithConsumer feeds handler from consumer.
func WithConsumer(c kafka.Consumer, handler kafka.HandlerFunc) Option {
	return func(m *Master) { m.consumer, m.handler = c, handler }
}

// WithHTTPServer serves srv; sockets are closed on shutdown.
func WithHTTPServer(srv *http.Server, sockets Sockets) Option {
	return func(m *Master) { m.httpSrv, m.sockets = srv, sockets }
}

// WithBackground runs fn alongside ingress; it must return once its
// context ends.
func WithBackground(fn func(context.Context) error) Option {
	return func(m *Master) { m.jobs = append(m.jobs, fn) }
}

func WithShutdownTimeout(d time.Duration) Option { return func(m *Master) { m.shutdownTimeout = d } }

// New constructs a Master around eng.
func New(eng *engine.Engine, opts ...Option) *Master {
	m := &Master{engine: eng, logger: slog.Default(), shutdownTimeout: 30 * time.Second}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run blocks until ctx is cancelled. Ingress stops first; the engine is
// then stopped and drains what was already accepted.
func (m *Master) Run(ctx context.Context) error {
	engineCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()

	engineDone := make(chan error, 1)
	go func() { engineDone <- m.engine.Run(engineCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if m.consumer != nil {
		g.Go(func() error {
			if err := m.consumer.Subscribe(gctx, m.handler); err != nil {
				return fmt.Errorf("report consumer: %w", err)
			}
			return nil
		})
	}
	for _, job := range m.jobs {
		job := job
		g.Go(func() error { return job(gctx) })
	}
	if m.httpSrv != nil {
		g.Go(func() error {
			m.logger.Info("http server starting", slog.String("addr", m.httpSrv.Addr))
			if err := m.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
			defer cancel()
			if err := m.httpSrv.Shutdown(shutCtx); err != nil {
				m.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
			if m.sockets != nil {
				m.sockets.Shutdown()
			}
			return nil
		})
	}

	ingressErr := g.Wait()
	m.logger.Info("ingress stopped, draining event queue")
	stopEngine()
	engineErr := <-engineDone

	return errors.Join(ingressErr, engineErr)
}
