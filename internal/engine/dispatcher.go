package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/recall"
	"github.com/ramiqadoumi/taskflow-master/pkg/retry"
)

// Dispatcher picks a worker, sends it the command and returns the Dispatch
// event that records the assignment. It does not touch the store.
type Dispatcher struct {
	policy    *recall.Policy
	publisher CommandPublisher
	retry     retry.Config
	now       func() time.Time
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(policy *recall.Policy, publisher CommandPublisher) *Dispatcher {
	return &Dispatcher{
		policy:    policy,
		publisher: publisher,
		retry:     retry.Config{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
		now:       time.Now,
	}
}

// Dispatch assigns ti to a worker other than exclude when one exists.
func (d *Dispatcher) Dispatch(ctx context.Context, ti *domain.TaskInstance, exclude string) (domain.DispatchEvent, error) {
	addr, err := d.policy.NextWorker(ctx, exclude)
	if err != nil {
		return domain.DispatchEvent{}, fmt.Errorf("select worker for task instance %d: %w", ti.ID, err)
	}
	ev, err := domain.NewDispatchEvent(ti.ProcessInstanceID, ti.ID, addr)
	if err != nil {
		return domain.DispatchEvent{}, err
	}

	cmd := domain.DispatchCommand{
		ProcessInstanceID: ti.ProcessInstanceID,
		TaskInstanceID:    ti.ID,
		WorkerAddress:     addr,
		Definition:        ti.Definition,
		RetryCount:        ti.RetryCount,
		DispatchedAt:      d.now().UnixMilli(),
	}
	err = retry.Do(ctx, d.retry, func() error {
		return d.publisher.SendDispatch(ctx, cmd)
	})
	if err != nil {
		return domain.DispatchEvent{}, fmt.Errorf("send dispatch for task instance %d to %s: %w", ti.ID, addr, err)
	}
	return ev, nil
}
