package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/taskflow-master/internal/ack"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/statemachine"
	"github.com/ramiqadoumi/taskflow-master/pkg/retry"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

// Processor applies one event: load, decide, write, then run side effects.
// It is called by exactly one partition consumer per task instance.
type Processor struct {
	store      InstanceStore
	cache      CacheStore
	varPool    VarPoolStore
	notifier   Notifier
	dispatcher *Dispatcher
	acks       AckSender
	writeRetry retry.Config
	now        func() time.Time
	logger     *slog.Logger
}

// ProcessorDeps groups the Processor's collaborators. Cache and VarPool may
// be nil. The Dispatcher's recall policy also caps redispatches.
type ProcessorDeps struct {
	Store      InstanceStore
	Cache      CacheStore
	VarPool    VarPoolStore
	Notifier   Notifier
	Dispatcher *Dispatcher
	Acks       AckSender
	Logger     *slog.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      deps.Store,
		cache:      deps.Cache,
		varPool:    deps.VarPool,
		notifier:   deps.Notifier,
		dispatcher: deps.Dispatcher,
		acks:       deps.Acks,
		writeRetry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			Retryable:   transient,
		},
		now:    time.Now,
		logger: logger,
	}
}

// transient reports whether a store error may succeed on a second try.
func transient(err error) bool {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Process applies env. The returned error is for classification only: the
// caller logs it and moves on.
func (p *Processor) Process(ctx context.Context, env domain.Envelope) error {
	ref := env.Event.Ref()
	log := p.logger.With(
		slog.Int("task_instance_id", ref.TaskInstanceID),
		slog.Int("process_instance_id", ref.ProcessInstanceID),
		slog.String("event_kind", string(env.Event.Kind())),
	)

	cur, err := p.store.Get(ctx, ref.TaskInstanceID)
	if err != nil {
		return err
	}

	var src *domain.TaskInstance
	if ce, ok := env.Event.(domain.CacheEvent); ok {
		src, err = p.store.Get(ctx, ce.CacheTaskInstanceID)
		var notFound *domain.TaskNotFoundError
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("load cache source %d: %w", ce.CacheTaskInstanceID, err)
		}
	}

	d := statemachine.Decide(statemachine.Input{
		Current:     cur,
		Event:       env.Event,
		CacheSource: src,
		Retry:       p.dispatcher.policy,
		Now:         p.now().UTC(),
	})

	next := *cur
	if d.Update != nil {
		if err := p.upsert(ctx, d.Update); err != nil {
			// No effects and no ack: the worker resends and the event is
			// decided again against whatever the store holds.
			return err
		}
		d.Update.ApplyTo(&next)
		if cur.Status != next.Status {
			telemetry.TransitionsTotal.WithLabelValues(string(cur.Status), string(next.Status)).Inc()
			log.Info("task instance transitioned",
				slog.String("from", string(cur.Status)),
				slog.String("to", string(next.Status)),
			)
		}
	}

	if err := p.runEffects(ctx, log, env, d, &next); err != nil {
		return err
	}
	return d.Err
}

func (p *Processor) upsert(ctx context.Context, u *domain.TaskInstanceUpdate) error {
	return retry.Do(ctx, p.writeRetry, func() error {
		return p.store.Upsert(ctx, u)
	})
}

// runEffects performs the decision's side effects in a fixed order. Effect
// failures are logged; the transition is already durable. The only error
// returned is a redispatch that could neither send nor record the failure.
func (p *Processor) runEffects(ctx context.Context, log *slog.Logger, env domain.Envelope, d statemachine.Decision, ti *domain.TaskInstance) error {
	if d.PropagateVarPool && p.varPool != nil {
		if err := p.varPool.Propagate(ctx, ti.ProcessInstanceID, ti.ID, ti.VarPool); err != nil {
			log.Error("var pool propagation failed", slog.String("error", err.Error()))
		}
	}

	if d.RecordCache && p.cache != nil {
		if err := p.cache.Record(ctx, ti.CacheKey, ti.ID); err != nil {
			log.Error("cache record failed", slog.String("error", err.Error()))
		}
	}

	if d.EvictCache && p.cache != nil {
		if err := p.cache.Evict(ctx, ti.CacheKey); err != nil {
			log.Warn("cache evict failed", slog.String("error", err.Error()))
		} else {
			log.Info("evicted unusable cache entry", slog.String("cache_key", ti.CacheKey))
		}
	}

	if d.NotifyTerminal {
		p.notifyTerminal(ctx, log, ti)
	}

	if d.Redispatch {
		if err := p.redispatch(ctx, log, ti, d.ExcludeWorker); err != nil {
			return err
		}
	}

	if d.Ack && p.acks != nil {
		_ = p.acks.Send(ctx, env.ConnectionID, ack.For(env.Event, d.Next))
	}
	return nil
}

func (p *Processor) notifyTerminal(ctx context.Context, log *slog.Logger, ti *domain.TaskInstance) {
	end := p.now().UTC()
	if ti.EndTime != nil {
		end = *ti.EndTime
	}
	n := domain.TerminalNotice{
		ProcessInstanceID: ti.ProcessInstanceID,
		TaskInstanceID:    ti.ID,
		Status:            ti.Status,
		Reason:            ti.Reason,
		VarPool:           ti.VarPool,
		EndTime:           end,
	}
	telemetry.TerminalNotificationsTotal.WithLabelValues(string(ti.Status)).Inc()
	if p.notifier == nil {
		return
	}
	if err := p.notifier.OnTaskTerminal(ctx, n); err != nil {
		log.Error("terminal notification failed", slog.String("error", err.Error()))
	}
}

// redispatch sends ti to another worker and applies the resulting Dispatch
// event in the same consumer turn, so no report for the new assignment can
// be ordered ahead of it. If no worker can take it, ti fails with a reason.
func (p *Processor) redispatch(ctx context.Context, log *slog.Logger, ti *domain.TaskInstance, exclude string) error {
	ev, err := p.dispatcher.Dispatch(ctx, ti, exclude)
	if err != nil {
		log.Error("redispatch failed", slog.String("error", err.Error()))
		return p.fail(ctx, log, ti, "dispatch failed: "+err.Error())
	}
	telemetry.RedispatchTotal.Inc()
	log.Info("task instance redispatched",
		slog.String("worker_address", ev.WorkerAddress),
		slog.String("excluded_worker", exclude),
		slog.Int("retry_count", ti.RetryCount),
	)
	if err := p.Process(ctx, domain.Envelope{Event: ev, ReceivedAt: p.now()}); err != nil {
		log.Error("applying redispatch failed", slog.String("error", err.Error()))
	}
	return nil
}

// fail marks ti FAILURE and notifies the workflow engine. If the write does
// not land, ti keeps its stored status with no dispatch pending and needs an
// operator; the error is returned so the event is classified as failed.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, ti *domain.TaskInstance, reason string) error {
	now := p.now().UTC()
	u := &domain.TaskInstanceUpdate{
		TaskInstanceID: ti.ID,
		Status:         domain.StatusFailure,
		EndTime:        &now,
		Reason:         &reason,
	}
	if err := p.upsert(ctx, u); err != nil {
		log.Error("task instance stranded: failure not recorded",
			slog.String("stored_status", string(ti.Status)),
			slog.Int("retry_count", ti.RetryCount),
			slog.String("worker_address", ti.WorkerAddress),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("record failure of task instance %d: %w", ti.ID, err)
	}
	from := ti.Status
	u.ApplyTo(ti)
	telemetry.TransitionsTotal.WithLabelValues(string(from), string(ti.Status)).Inc()
	p.notifyTerminal(ctx, log, ti)
	return nil
}
