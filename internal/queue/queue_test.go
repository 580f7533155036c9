package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/queue"
)

func envFor(taskID, seq int) domain.Envelope {
	return domain.Envelope{
		Event: domain.UpdatePidEvent{
			InstanceRef: domain.InstanceRef{ProcessInstanceID: 1, TaskInstanceID: taskID},
			ProcessID:   seq,
		},
		ConnectionID: "c1",
		ReceivedAt:   time.Now(),
	}
}

func TestPartitionIsStable(t *testing.T) {
	q := queue.New(16, 8)
	for id := 1; id < 500; id++ {
		p := q.PartitionFor(id)
		assert.Equal(t, p, q.PartitionFor(id))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 16)
	}
}

func TestDefaults(t *testing.T) {
	q := queue.New(0, 0)
	assert.Equal(t, queue.DefaultPartitions, q.Partitions())
}

func TestEnqueueSaturates(t *testing.T) {
	q := queue.New(1, 2, queue.WithEnqueueTimeout(20*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, envFor(1, 1)))
	require.NoError(t, q.Enqueue(ctx, envFor(1, 2)))

	start := time.Now()
	err := q.Enqueue(ctx, envFor(1, 3))
	elapsed := time.Since(start)

	var sat *domain.QueueSaturatedError
	require.True(t, errors.As(err, &sat), "expected QueueSaturatedError, got %v", err)
	assert.Equal(t, 0, sat.Partition)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 2, q.Len(0))
}

func TestEnqueueSucceedsWhenSpaceFreesDuringWait(t *testing.T) {
	q := queue.New(1, 1, queue.WithEnqueueTimeout(time.Second))
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, envFor(1, 1)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-q.Receive(0)
	}()
	require.NoError(t, q.Enqueue(ctx, envFor(1, 2)))
}

func TestEnqueueHonoursContext(t *testing.T) {
	q := queue.New(1, 1, queue.WithEnqueueTimeout(time.Minute))
	require.NoError(t, q.Enqueue(context.Background(), envFor(1, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, envFor(1, 2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseDrainsThenRejects(t *testing.T) {
	q := queue.New(2, 4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, envFor(7, 1)))
	require.NoError(t, q.Enqueue(ctx, envFor(7, 2)))

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Enqueue(ctx, envFor(7, 3)), queue.ErrClosed)

	var got []int
	for env := range q.Receive(q.PartitionFor(7)) {
		got = append(got, env.Event.(domain.UpdatePidEvent).ProcessID)
	}
	assert.Equal(t, []int{1, 2}, got)
}

// Events for one task instance come out of their partition in the order
// they went in, whatever the interleaving with other instances.
func TestPerInstanceOrderingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		partitions := rapid.IntRange(1, 8).Draw(t, "partitions")
		ids := rapid.SliceOfN(rapid.IntRange(1, 20), 1, 200).Draw(t, "ids")

		q := queue.New(partitions, len(ids))
		ctx := context.Background()
		seq := make(map[int]int)
		for _, id := range ids {
			seq[id]++
			if err := q.Enqueue(ctx, envFor(id, seq[id])); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		q.Close()

		last := make(map[int]int)
		for p := 0; p < q.Partitions(); p++ {
			for env := range q.Receive(p) {
				ev := env.Event.(domain.UpdatePidEvent)
				if q.PartitionFor(ev.TaskInstanceID) != p {
					t.Fatalf("task %d found in partition %d", ev.TaskInstanceID, p)
				}
				if ev.ProcessID != last[ev.TaskInstanceID]+1 {
					t.Fatalf("task %d: got seq %d after %d", ev.TaskInstanceID, ev.ProcessID, last[ev.TaskInstanceID])
				}
				last[ev.TaskInstanceID] = ev.ProcessID
			}
		}
		for id, n := range seq {
			if last[id] != n {
				t.Fatalf("task %d: consumed %d of %d", id, last[id], n)
			}
		}
	})
}

func TestConcurrentProducersNeverBlockPastTimeout(t *testing.T) {
	q := queue.New(2, 4, queue.WithEnqueueTimeout(5*time.Millisecond))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	saturated := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Enqueue(ctx, envFor(i%5+1, i))
			var sat *domain.QueueSaturatedError
			if errors.As(err, &sat) {
				mu.Lock()
				saturated++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Positive(t, saturated)
	assert.LessOrEqual(t, q.Len(0)+q.Len(1), 8)
}
