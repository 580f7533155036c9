package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
)

const (
	DefaultPartitions     = 16
	DefaultCapacity       = 1024
	DefaultEnqueueTimeout = 200 * time.Millisecond
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("event queue closed")

// Queue is a fixed set of bounded FIFO partitions. Events for the same task
// instance always land in the same partition, so a single consumer per
// partition observes them in arrival order.
type Queue struct {
	parts   []chan domain.Envelope
	timeout time.Duration

	// mu guards closed; enqueuers hold it shared so Close can wait for
	// in-flight sends before closing the channels.
	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithEnqueueTimeout bounds how long Enqueue waits on a full partition.
func WithEnqueueTimeout(d time.Duration) Option { return func(q *Queue) { q.timeout = d } }

// New builds a queue with the given partition count and per-partition capacity.
// Non-positive values fall back to the defaults.
func New(partitions, capacity int, opts ...Option) *Queue {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		parts:   make([]chan domain.Envelope, partitions),
		timeout: DefaultEnqueueTimeout,
	}
	for i := range q.parts {
		q.parts[i] = make(chan domain.Envelope, capacity)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Partitions returns the partition count.
func (q *Queue) Partitions() int { return len(q.parts) }

// PartitionFor maps a task instance id to its partition.
func (q *Queue) PartitionFor(taskInstanceID int) int {
	return PartitionOf(taskInstanceID, len(q.parts))
}

// PartitionOf is the partition function: a stable hash of the decimal id.
func PartitionOf(taskInstanceID, partitions int) int {
	h := xxhash.Sum64String(strconv.Itoa(taskInstanceID))
	return int(h % uint64(partitions))
}

// Enqueue appends env to its partition. It never blocks longer than the
// configured timeout and returns *domain.QueueSaturatedError when the
// partition stays full.
func (q *Queue) Enqueue(ctx context.Context, env domain.Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	p := q.PartitionFor(env.Event.Ref().TaskInstanceID)
	ch := q.parts[p]

	select {
	case ch <- env:
		return nil
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case ch <- env:
		return nil
	case <-timer.C:
		return &domain.QueueSaturatedError{Partition: p, Waited: q.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the receive side of partition p. The channel is closed
// after Close once all buffered events are consumed.
func (q *Queue) Receive(p int) <-chan domain.Envelope { return q.parts[p] }

// Len reports the number of buffered events in partition p.
func (q *Queue) Len(p int) int { return len(q.parts[p]) }

// Close stops intake. It waits for bounded in-flight enqueues, then closes
// every partition so consumers can drain what is left. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.parts {
		close(ch)
	}
}
