package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/queue"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

// DefaultDrainTimeout bounds how long shutdown waits for buffered events.
const DefaultDrainTimeout = 10 * time.Second

// Handler processes one envelope.
type Handler interface {
	Process(ctx context.Context, env domain.Envelope) error
}

// Pool runs one sequential consumer per queue partition.
type Pool struct {
	queue        *queue.Queue
	handler      Handler
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewPool returns a Pool consuming q with h.
func NewPool(q *queue.Queue, h Handler, drainTimeout time.Duration, logger *slog.Logger) *Pool {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, handler: h, drainTimeout: drainTimeout, logger: logger}
}

// Run blocks until ctx is cancelled, then closes the queue and drains the
// events already buffered. Processing during the drain uses a context that
// outlives ctx and is cancelled when the drain timeout expires.
func (p *Pool) Run(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.queue.Partitions(); i++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			p.consume(procCtx, partition)
		}(i)
	}

	<-ctx.Done()
	p.queue.Close()
	p.logger.Info("dispatch loops draining", slog.Duration("timeout", p.drainTimeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("dispatch loops drained")
		return nil
	case <-timer.C:
		cancel()
		<-done
		return fmt.Errorf("drain exceeded %s", p.drainTimeout)
	}
}

func (p *Pool) consume(ctx context.Context, partition int) {
	label := strconv.Itoa(partition)
	for env := range p.queue.Receive(partition) {
		telemetry.QueueDepth.WithLabelValues(label).Set(float64(p.queue.Len(partition)))
		p.handle(ctx, partition, env)
	}
}

// handle isolates one event: a panic or error is logged and the loop goes on.
func (p *Pool) handle(ctx context.Context, partition int, env domain.Envelope) {
	kind := string(env.Event.Kind())
	ref := env.Event.Ref()
	log := p.logger.With(
		slog.Int("partition", partition),
		slog.Int("task_instance_id", ref.TaskInstanceID),
		slog.Int("process_instance_id", ref.ProcessInstanceID),
		slog.String("event_kind", kind),
	)

	ctx, span := telemetry.Tracer().Start(ctx, "master.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.Int("task_instance.id", ref.TaskInstanceID),
		attribute.Int("process_instance.id", ref.ProcessInstanceID),
		attribute.String("event.kind", kind),
		attribute.Int("partition", partition),
	)

	start := time.Now()
	defer func() {
		telemetry.EventDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			telemetry.PanicsRecoveredTotal.Inc()
			telemetry.EventsProcessedTotal.WithLabelValues(kind, "panic").Inc()
			span.SetStatus(codes.Error, "panic")
			log.Error("event handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	err := p.handler.Process(ctx, env)
	outcome := classify(log, err)
	telemetry.EventsProcessedTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "failed" {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
	}
}

// classify logs err at the severity its type warrants and returns the
// outcome label.
func classify(log *slog.Logger, err error) string {
	if err == nil {
		return "applied"
	}
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		conflict   *domain.StateConflictError
		exhausted  *domain.RetryExhaustedError
	)
	switch {
	case errors.As(err, &conflict):
		log.Debug("event not applicable, ignored", slog.String("error", err.Error()))
		return "ignored"
	case errors.As(err, &exhausted):
		telemetry.RetryExhaustedTotal.Inc()
		log.Warn("redispatch budget exhausted, task instance failed", slog.String("error", err.Error()))
		return "exhausted"
	case errors.As(err, &validation), errors.As(err, &notFound):
		log.Warn("event dropped", slog.String("error", err.Error()))
		return "dropped"
	default:
		log.Error("event processing failed", slog.String("error", err.Error()))
		return "failed"
	}
}
