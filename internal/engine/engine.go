package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/queue"
	"github.com/ramiqadoumi/taskflow-master/internal/recall"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

// Submission is a task instance handed over by the workflow engine.
type Submission struct {
	ProcessInstanceID int             `json:"processInstanceId"`
	TaskInstanceID    int             `json:"taskInstanceId"`
	TaskType          string          `json:"taskType"`
	Definition        json.RawMessage `json:"definition"`
	// CacheEnabled marks the task as eligible for result reuse.
	CacheEnabled bool `json:"cacheEnabled"`
}

// Config holds the engine's tunables.
type Config struct {
	Partitions     int
	Capacity       int
	EnqueueTimeout time.Duration
	DrainTimeout   time.Duration
	MaxRetries     int
}

// Deps are the engine's external collaborators. Cache, VarPool, Notifier
// and Acks may be nil.
type Deps struct {
	Store     InstanceStore
	Cache     CacheStore
	VarPool   VarPoolStore
	Notifier  Notifier
	Publisher CommandPublisher
	Selector  recall.Selector
	Acks      AckSender
	Signer    Signer
	Logger    *slog.Logger
}

// Engine ties the queue, the dispatch loops and the submit path together.
type Engine struct {
	queue      *queue.Queue
	pool       *Pool
	dispatcher *Dispatcher
	processor  *Processor
	store      InstanceStore
	cache      CacheStore
	varPool    VarPoolStore
	signer     Signer
	now        func() time.Time
	logger     *slog.Logger
}

// New builds an Engine. Call Run to start processing.
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signer := deps.Signer
	if signer == nil {
		signer = DefinitionSigner{}
	}

	opts := []queue.Option{}
	if cfg.EnqueueTimeout > 0 {
		opts = append(opts, queue.WithEnqueueTimeout(cfg.EnqueueTimeout))
	}
	q := queue.New(cfg.Partitions, cfg.Capacity, opts...)

	policy := recall.NewPolicy(cfg.MaxRetries, deps.Selector)
	dispatcher := NewDispatcher(policy, deps.Publisher)
	processor := NewProcessor(ProcessorDeps{
		Store:      deps.Store,
		Cache:      deps.Cache,
		VarPool:    deps.VarPool,
		Notifier:   deps.Notifier,
		Dispatcher: dispatcher,
		Acks:       deps.Acks,
		Logger:     logger,
	})

	return &Engine{
		queue:      q,
		pool:       NewPool(q, processor, cfg.DrainTimeout, logger),
		dispatcher: dispatcher,
		processor:  processor,
		store:      deps.Store,
		cache:      deps.Cache,
		varPool:    deps.VarPool,
		signer:     signer,
		now:        time.Now,
		logger:     logger,
	}
}

// Run processes events until ctx is cancelled and the queue is drained.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", slog.Int("partitions", e.queue.Partitions()))
	return e.pool.Run(ctx)
}

// Ingest enqueues an event received from a worker. A
// *domain.QueueSaturatedError means the caller should back off.
func (e *Engine) Ingest(ctx context.Context, env domain.Envelope) error {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = e.now()
	}
	err := e.queue.Enqueue(ctx, env)
	if err != nil {
		var sat *domain.QueueSaturatedError
		if errors.As(err, &sat) {
			telemetry.QueueSaturatedTotal.Inc()
		}
		return err
	}
	telemetry.EventsEnqueuedTotal.WithLabelValues(string(env.Event.Kind())).Inc()
	return nil
}

// Get returns the stored instance.
func (e *Engine) Get(ctx context.Context, id int) (*domain.TaskInstance, error) {
	return e.store.Get(ctx, id)
}

// ListByProcess returns every instance of one process run, ordered by id.
func (e *Engine) ListByProcess(ctx context.Context, processInstanceID int) ([]*domain.TaskInstance, error) {
	return e.store.ListByProcess(ctx, processInstanceID)
}

// VarPool returns the output variables propagated so far in one process
// run, keyed by the task instance that produced them. Without a var pool
// store it is always empty.
func (e *Engine) VarPool(ctx context.Context, processInstanceID int) (map[int]string, error) {
	if e.varPool == nil {
		return map[int]string{}, nil
	}
	return e.varPool.Get(ctx, processInstanceID)
}

// Submit creates the instance in SUBMITTED and either short-circuits it
// through the result cache or dispatches it to a worker. When no worker can
// take it the instance is failed and returned together with the error.
func (e *Engine) Submit(ctx context.Context, s Submission) (*domain.TaskInstance, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "master.submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("task_instance.id", s.TaskInstanceID),
		attribute.Int("process_instance.id", s.ProcessInstanceID),
	)

	if s.ProcessInstanceID <= 0 {
		return nil, &domain.ValidationError{Field: "processInstanceId", Reason: "must be positive"}
	}
	if s.TaskInstanceID <= 0 {
		return nil, &domain.ValidationError{Field: "taskInstanceId", Reason: "must be positive"}
	}

	log := e.logger.With(
		slog.Int("task_instance_id", s.TaskInstanceID),
		slog.Int("process_instance_id", s.ProcessInstanceID),
	)

	now := e.now().UTC()
	ti := &domain.TaskInstance{
		ID:                s.TaskInstanceID,
		ProcessInstanceID: s.ProcessInstanceID,
		Status:            domain.StatusSubmitted,
		Definition:        s.Definition,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if s.CacheEnabled {
		sig, err := e.signer.Sign(s)
		if err != nil {
			return nil, &domain.ValidationError{Field: "definition", Reason: err.Error()}
		}
		ti.CacheKey = sig
	}

	if err := e.store.Create(ctx, ti); err != nil {
		return nil, fmt.Errorf("create task instance %d: %w", ti.ID, err)
	}
	telemetry.TasksSubmittedTotal.Inc()

	if hit, ok := e.lookupCache(ctx, log, ti); ok {
		ev, err := domain.NewCacheEvent(ti.ProcessInstanceID, ti.ID, hit)
		if err == nil {
			log.Info("cache hit, skipping dispatch", slog.Int("cache_task_instance_id", hit))
			return ti, e.Ingest(ctx, domain.Envelope{Event: ev, ReceivedAt: now})
		}
	}

	ev, err := e.dispatcher.Dispatch(ctx, ti, "")
	if err != nil {
		// Nothing was sent, so no report can race this write.
		log.Error("initial dispatch failed", slog.String("error", err.Error()))
		if ferr := e.processor.fail(ctx, log, ti, "dispatch failed: "+err.Error()); ferr != nil {
			return ti, errors.Join(err, ferr)
		}
		return ti, err
	}
	log.Info("task instance dispatched", slog.String("worker_address", ev.WorkerAddress))
	return ti, e.Ingest(ctx, domain.Envelope{Event: ev, ReceivedAt: now})
}

// lookupCache returns the instance whose result ti can reuse. Lookup
// errors degrade to a miss.
func (e *Engine) lookupCache(ctx context.Context, log *slog.Logger, ti *domain.TaskInstance) (int, bool) {
	if ti.CacheKey == "" || e.cache == nil {
		return 0, false
	}
	id, found, err := e.cache.Lookup(ctx, ti.CacheKey)
	if err != nil {
		log.Warn("cache lookup failed, dispatching", slog.String("error", err.Error()))
		return 0, false
	}
	if !found || id == ti.ID {
		telemetry.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return 0, false
	}
	telemetry.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return id, true
}
