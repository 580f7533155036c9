package engine

import (
	"context"

	"github.com/ramiqadoumi/taskflow-master/internal/ack"
	"github.com/ramiqadoumi/taskflow-master/internal/domain"
)

// InstanceStore is the authoritative task instance table.
type InstanceStore interface {
	Create(ctx context.Context, ti *domain.TaskInstance) error
	Get(ctx context.Context, id int) (*domain.TaskInstance, error)
	Upsert(ctx context.Context, u *domain.TaskInstanceUpdate) error
	ListByProcess(ctx context.Context, processInstanceID int) ([]*domain.TaskInstance, error)
}

// CacheStore maps a task signature to the instance holding its result.
type CacheStore interface {
	Lookup(ctx context.Context, signature string) (taskInstanceID int, found bool, err error)
	Record(ctx context.Context, signature string, taskInstanceID int) error
	Evict(ctx context.Context, signature string) error
}

// VarPoolStore merges task output variables into their process scope.
type VarPoolStore interface {
	Propagate(ctx context.Context, processInstanceID, taskInstanceID int, varPool string) error
	Get(ctx context.Context, processInstanceID int) (map[int]string, error)
}

// Notifier tells the workflow engine an instance reached a terminal status.
type Notifier interface {
	OnTaskTerminal(ctx context.Context, n domain.TerminalNotice) error
}

// CommandPublisher delivers dispatch commands to workers.
type CommandPublisher interface {
	SendDispatch(ctx context.Context, cmd domain.DispatchCommand) error
}

// AckSender replies to the connection an event arrived on.
type AckSender interface {
	Send(ctx context.Context, connectionID string, a ack.Ack) error
}

// Enqueuer accepts envelopes for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, env domain.Envelope) error
}

// Signer computes the result-cache signature of a submission.
type Signer interface {
	Sign(s Submission) (string, error)
}

// MultiNotifier fans a notice out to several notifiers and returns the
// first error after trying all of them.
type MultiNotifier []Notifier

func (m MultiNotifier) OnTaskTerminal(ctx context.Context, n domain.TerminalNotice) error {
	var first error
	for _, nt := range m {
		if err := nt.OnTaskTerminal(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
