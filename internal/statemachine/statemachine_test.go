package statemachine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/recall"
	"github.com/ramiqadoumi/taskflow-master/internal/statemachine"
)

var (
	t0  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1  = t0.Add(time.Minute)
	now = t0.Add(time.Hour)
)

func ref() domain.InstanceRef { return domain.InstanceRef{ProcessInstanceID: 1, TaskInstanceID: 10} }

func instance(status domain.Status) *domain.TaskInstance {
	return &domain.TaskInstance{ID: 10, ProcessInstanceID: 1, Status: status}
}

// apply runs Decide and folds the update into cur, as the engine would.
func apply(cur *domain.TaskInstance, ev domain.Event, maxRetries int) statemachine.Decision {
	d := statemachine.Decide(statemachine.Input{Current: cur, Event: ev, Retry: recall.NewPolicy(maxRetries, nil), Now: now})
	if d.Update != nil {
		d.Update.ApplyTo(cur)
	}
	return d
}

func TestScenarioDispatchRunningResult(t *testing.T) {
	ti := instance(domain.StatusSubmitted)

	d := apply(ti, domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "10.0.0.5:7000"}, 3)
	assert.Equal(t, domain.StatusDispatched, ti.Status)
	assert.Equal(t, "10.0.0.5:7000", ti.WorkerAddress)
	assert.True(t, d.Ack)

	start := t0
	d = apply(ti, domain.RunningEvent{InstanceRef: ref(), Status: domain.StatusSuccess, StartTime: &start, LogPath: "/log"}, 3)
	assert.Equal(t, domain.StatusRunning, ti.Status)
	require.NotNil(t, ti.StartTime)
	assert.True(t, ti.StartTime.Equal(t0))
	assert.True(t, d.Ack)
	assert.False(t, d.NotifyTerminal)

	end := t1
	d = apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusSuccess, EndTime: &end, VarPool: "{x:1}"}, 3)
	assert.Equal(t, domain.StatusSuccess, ti.Status)
	require.NotNil(t, ti.EndTime)
	assert.True(t, ti.EndTime.Equal(t1))
	assert.Equal(t, "{x:1}", ti.VarPool)
	assert.True(t, d.NotifyTerminal)
	assert.True(t, d.PropagateVarPool)
	assert.True(t, d.Ack)
	assert.False(t, d.RecordCache, "no cache key")
}

func TestResultIsIdempotent(t *testing.T) {
	ti := instance(domain.StatusRunning)
	end := t1
	ev := domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusFailure, EndTime: &end, VarPool: "v"}

	first := apply(ti, ev, 3)
	require.True(t, first.NotifyTerminal)
	snapshot := *ti

	second := apply(ti, ev, 3)
	assert.Nil(t, second.Update)
	assert.False(t, second.NotifyTerminal)
	assert.False(t, second.PropagateVarPool)
	assert.True(t, second.Ack, "duplicate result is still acked")
	assert.Equal(t, snapshot, *ti)

	var conflict *domain.StateConflictError
	assert.True(t, errors.As(second.Err, &conflict))
}

func TestResultRecordsPathsWhenPresent(t *testing.T) {
	ti := instance(domain.StatusRunning)
	ti.ExecutePath, ti.LogPath = "/exec/old", "/logs/old.log"

	apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusSuccess, LogPath: "/logs/new.log"}, 3)
	assert.Equal(t, "/exec/old", ti.ExecutePath, "absent path keeps the stored value")
	assert.Equal(t, "/logs/new.log", ti.LogPath)
}

func TestResultFromDispatched(t *testing.T) {
	ti := instance(domain.StatusDispatched)
	d := apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusKilled, ProcessID: 99}, 3)
	assert.Equal(t, domain.StatusKilled, ti.Status)
	assert.Equal(t, 99, ti.ProcessID)
	require.NotNil(t, ti.EndTime)
	assert.True(t, ti.EndTime.Equal(now), "missing end time defaults to the clock")
	assert.False(t, d.PropagateVarPool)
}

func TestResultRecordsCacheOnSuccessWithKey(t *testing.T) {
	ti := instance(domain.StatusRunning)
	ti.CacheKey = "sig"
	d := apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusSuccess}, 3)
	assert.True(t, d.RecordCache)

	ti = instance(domain.StatusRunning)
	ti.CacheKey = "sig"
	d = apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusFailure}, 3)
	assert.False(t, d.RecordCache)
}

func TestUpdatePidKeepsStatus(t *testing.T) {
	for _, st := range []domain.Status{domain.StatusSubmitted, domain.StatusDispatched, domain.StatusRunning} {
		ti := instance(st)
		start := t0
		d := apply(ti, domain.UpdatePidEvent{InstanceRef: ref(), ProcessID: 4242, StartTime: &start, LogPath: "/l"}, 3)
		assert.Equal(t, st, ti.Status)
		assert.Equal(t, 4242, ti.ProcessID)
		assert.Equal(t, "/l", ti.LogPath)
		assert.True(t, d.Ack)
	}
}

func TestDuplicateRunningAckedWithoutWrite(t *testing.T) {
	ti := instance(domain.StatusRunning)
	d := apply(ti, domain.RunningEvent{InstanceRef: ref(), Status: domain.StatusRunning}, 3)
	assert.Nil(t, d.Update)
	assert.True(t, d.Ack)
}

func TestDispatchOnlyFromSubmitted(t *testing.T) {
	ti := instance(domain.StatusRunning)
	d := apply(ti, domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "w"}, 3)
	assert.Nil(t, d.Update)
	assert.False(t, d.Ack)
	assert.Equal(t, domain.StatusRunning, ti.Status)
}

func TestRejectRedispatchesExcludingWorker(t *testing.T) {
	ti := instance(domain.StatusDispatched)
	ti.WorkerAddress = "w1"
	ti.RetryCount = 1

	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref()}, 3)
	assert.Equal(t, domain.StatusSubmitted, ti.Status)
	assert.Equal(t, 2, ti.RetryCount)
	assert.Empty(t, ti.WorkerAddress)
	assert.True(t, d.Redispatch)
	assert.Equal(t, "w1", d.ExcludeWorker)
	assert.False(t, d.Ack)
	assert.False(t, d.NotifyTerminal)
	assert.NoError(t, d.Err)
}

func TestRejectExhaustsRetries(t *testing.T) {
	ti := instance(domain.StatusDispatched)
	ti.WorkerAddress = "w1"
	ti.RetryCount = 3

	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref()}, 3)
	assert.Equal(t, domain.StatusFailure, ti.Status)
	assert.Equal(t, statemachine.ReasonRetriesExhausted, ti.Reason)
	assert.Equal(t, 4, ti.RetryCount)
	assert.False(t, d.Redispatch)
	assert.True(t, d.NotifyTerminal)

	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(d.Err, &exhausted))
	assert.Equal(t, 3, exhausted.MaxRetries)
}

func TestRejectFromStaleWorkerIgnored(t *testing.T) {
	ti := instance(domain.StatusDispatched)
	ti.WorkerAddress = "w2"
	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref(), WorkerAddress: "w1"}, 3)
	assert.Nil(t, d.Update)
	assert.False(t, d.Redispatch)
	assert.Equal(t, 0, ti.RetryCount)
}

func TestRejectBeforeDispatchRecorded(t *testing.T) {
	ti := instance(domain.StatusSubmitted)
	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref(), WorkerAddress: "w1"}, 3)
	assert.Equal(t, domain.StatusSubmitted, ti.Status)
	assert.Equal(t, 1, ti.RetryCount)
	assert.True(t, d.Redispatch)
	assert.Equal(t, "w1", d.ExcludeWorker)

	// The late Dispatch event for the refused assignment is then discarded
	// once the redispatch has moved the instance on.
	apply(ti, domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "w2"}, 3)
	d = apply(ti, domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "w1"}, 3)
	assert.Nil(t, d.Update)
	assert.Equal(t, "w2", ti.WorkerAddress)
}

func TestRejectBeforeDispatchRespectsCap(t *testing.T) {
	ti := instance(domain.StatusSubmitted)
	ti.RetryCount = 2
	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref(), WorkerAddress: "w1"}, 2)
	assert.Equal(t, domain.StatusFailure, ti.Status)
	assert.False(t, d.Redispatch)
	assert.True(t, d.NotifyTerminal)
}

func TestRejectWithoutPolicyUsesDefaultCap(t *testing.T) {
	ti := instance(domain.StatusDispatched)
	ti.RetryCount = recall.DefaultMaxRetries
	d := statemachine.Decide(statemachine.Input{Current: ti, Event: domain.WorkerRejectEvent{InstanceRef: ref()}, Now: now})
	assert.Equal(t, domain.StatusFailure, d.Next)
}

func TestRejectOutsideDispatchedIgnored(t *testing.T) {
	ti := instance(domain.StatusRunning)
	d := apply(ti, domain.WorkerRejectEvent{InstanceRef: ref()}, 3)
	assert.Nil(t, d.Update)
	assert.False(t, d.Redispatch)
}

func TestCacheShortCircuit(t *testing.T) {
	ti := instance(domain.StatusSubmitted)
	srcEnd := t1
	src := &domain.TaskInstance{ID: 3, Status: domain.StatusSuccess, EndTime: &srcEnd, VarPool: "cached"}

	d := statemachine.Decide(statemachine.Input{
		Current:     ti,
		Event:       domain.CacheEvent{InstanceRef: ref(), CacheTaskInstanceID: 3},
		CacheSource: src,
		Now:         now,
	})
	require.NotNil(t, d.Update)
	d.Update.ApplyTo(ti)

	assert.Equal(t, domain.StatusCacheSuccess, ti.Status)
	assert.Equal(t, "cached", ti.VarPool)
	require.NotNil(t, ti.EndTime)
	assert.True(t, ti.EndTime.Equal(t1))
	assert.True(t, d.NotifyTerminal)
	assert.True(t, d.PropagateVarPool)
	assert.False(t, d.Redispatch)
	assert.False(t, d.Ack)
}

func TestCacheWithUnusableSourceFallsBack(t *testing.T) {
	for _, src := range []*domain.TaskInstance{nil, {ID: 3, Status: domain.StatusFailure}} {
		ti := instance(domain.StatusSubmitted)
		d := statemachine.Decide(statemachine.Input{
			Current:     ti,
			Event:       domain.CacheEvent{InstanceRef: ref(), CacheTaskInstanceID: 3},
			CacheSource: src,
			Now:         now,
		})
		assert.Nil(t, d.Update)
		assert.True(t, d.Redispatch)
		assert.False(t, d.NotifyTerminal)
		assert.False(t, d.EvictCache, "no cache key to evict")
		assert.NoError(t, d.Err)
	}
}

func TestCacheFallbackEvictsStaleEntry(t *testing.T) {
	ti := instance(domain.StatusSubmitted)
	ti.CacheKey = "sig"
	d := statemachine.Decide(statemachine.Input{
		Current: ti,
		Event:   domain.CacheEvent{InstanceRef: ref(), CacheTaskInstanceID: 3},
		Now:     now,
	})
	assert.True(t, d.EvictCache)
	assert.True(t, d.Redispatch)
}

func TestTerminalDiscardsEverything(t *testing.T) {
	events := []domain.Event{
		domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "w"},
		domain.RunningEvent{InstanceRef: ref(), Status: domain.StatusRunning},
		domain.ResultEvent{InstanceRef: ref(), Status: domain.StatusSuccess},
		domain.WorkerRejectEvent{InstanceRef: ref()},
		domain.CacheEvent{InstanceRef: ref(), CacheTaskInstanceID: 3},
		domain.UpdatePidEvent{InstanceRef: ref(), ProcessID: 1},
	}
	for _, st := range []domain.Status{domain.StatusSuccess, domain.StatusFailure, domain.StatusKilled, domain.StatusCacheSuccess} {
		for _, ev := range events {
			ti := instance(st)
			d := apply(ti, ev, 3)
			assert.Equal(t, st, ti.Status, "%s on %s", ev.Kind(), st)
			assert.Nil(t, d.Update)
			assert.False(t, d.NotifyTerminal)
			assert.False(t, d.Redispatch)
		}
	}
}

func genEvent(t *rapid.T) domain.Event {
	end := t1
	switch rapid.IntRange(0, 5).Draw(t, "kind") {
	case 0:
		return domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: rapid.SampledFrom([]string{"w1", "w2"}).Draw(t, "addr")}
	case 1:
		return domain.RunningEvent{InstanceRef: ref(), Status: domain.StatusRunning}
	case 2:
		st := rapid.SampledFrom([]domain.Status{domain.StatusSuccess, domain.StatusFailure, domain.StatusKilled}).Draw(t, "status")
		return domain.ResultEvent{InstanceRef: ref(), Status: st, EndTime: &end}
	case 3:
		return domain.WorkerRejectEvent{InstanceRef: ref()}
	case 4:
		return domain.CacheEvent{InstanceRef: ref(), CacheTaskInstanceID: 3}
	default:
		return domain.UpdatePidEvent{InstanceRef: ref(), ProcessID: 7}
	}
}

// However events arrive, a terminal status is reached at most once, the
// workflow engine is notified at most once and the retry count never runs
// past the cap by more than the final failing attempt.
func TestTransitionInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 4).Draw(t, "maxRetries")
		events := rapid.SliceOfN(rapid.Custom(genEvent), 1, 40).Draw(t, "events")

		ti := instance(domain.StatusSubmitted)
		notifications := 0
		var terminal domain.Status
		for _, ev := range events {
			d := apply(ti, ev, maxRetries)
			if d.NotifyTerminal {
				notifications++
			}
			if terminal != "" && ti.Status != terminal {
				t.Fatalf("terminal status %s changed to %s", terminal, ti.Status)
			}
			if ti.Status.IsTerminal() {
				terminal = ti.Status
			}
			if d.Redispatch && ti.Status.IsTerminal() {
				t.Fatalf("redispatch requested on terminal instance")
			}
		}
		if notifications > 1 {
			t.Fatalf("notified %d times", notifications)
		}
		if ti.RetryCount > maxRetries+1 {
			t.Fatalf("retry count %d exceeds cap %d", ti.RetryCount, maxRetries)
		}
	})
}

// Dispatch, Running, Result in arrival order always end in the Result status.
func TestOrderedLifecycleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := rapid.SampledFrom([]domain.Status{domain.StatusSuccess, domain.StatusFailure, domain.StatusKilled}).Draw(t, "status")
		dupRunning := rapid.IntRange(1, 3).Draw(t, "running")

		ti := instance(domain.StatusSubmitted)
		apply(ti, domain.DispatchEvent{InstanceRef: ref(), WorkerAddress: "w1"}, 3)
		start := t0
		for i := 0; i < dupRunning; i++ {
			apply(ti, domain.RunningEvent{InstanceRef: ref(), Status: domain.StatusRunning, StartTime: &start}, 3)
		}
		end := t1
		apply(ti, domain.ResultEvent{InstanceRef: ref(), Status: st, EndTime: &end}, 3)

		if ti.Status != st {
			t.Fatalf("final status %s, want %s", ti.Status, st)
		}
		if ti.StartTime == nil || !ti.StartTime.Equal(t0) {
			t.Fatalf("running effects lost: start %v", ti.StartTime)
		}
	})
}
