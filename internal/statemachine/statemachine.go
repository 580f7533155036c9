// Package statemachine decides task instance transitions. Decide is pure: it
// reads the current instance and an event and returns what to write and
// which side effects to run. The engine performs the effects.
package statemachine

import (
	"fmt"
	"time"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/recall"
)

// ReasonRetriesExhausted is recorded on instances failed by the retry cap.
const ReasonRetriesExhausted = "retries exhausted"

// Input is everything Decide needs.
type Input struct {
	Current *domain.TaskInstance
	Event   domain.Event
	// CacheSource is the instance a Cache event points at; nil when not
	// found or not applicable.
	CacheSource *domain.TaskInstance
	// Retry owns the redispatch cap; nil means recall.DefaultMaxRetries.
	Retry *recall.Policy
	Now   time.Time
}

// Decision is the outcome of one event.
type Decision struct {
	Next domain.Status
	// Update is nil when nothing should be written.
	Update *domain.TaskInstanceUpdate

	Ack              bool
	NotifyTerminal   bool
	PropagateVarPool bool
	RecordCache      bool
	// EvictCache drops the instance's cache entry; its source is unusable.
	EvictCache    bool
	Redispatch    bool
	ExcludeWorker string

	// Err explains a no-op or a forced failure. It is informational: the
	// flags above are still authoritative.
	Err error
}

// Changed reports whether the decision writes anything.
func (d Decision) Changed() bool { return d.Update != nil }

// Decide computes the transition for in.Event against in.Current.
func Decide(in Input) Decision {
	cur := in.Current
	if cur.Status.IsTerminal() {
		return Decision{
			Next: cur.Status,
			Ack:  ackWorthy(in.Event.Kind()),
			Err:  conflict(cur, in.Event),
		}
	}

	switch ev := in.Event.(type) {
	case domain.DispatchEvent:
		return decideDispatch(cur, ev)
	case domain.UpdatePidEvent:
		return decideUpdatePid(cur, ev)
	case domain.RunningEvent:
		return decideRunning(cur, ev)
	case domain.ResultEvent:
		return decideResult(cur, ev, in.Now)
	case domain.WorkerRejectEvent:
		retry := in.Retry
		if retry == nil {
			retry = recall.NewPolicy(-1, nil)
		}
		return decideReject(cur, ev, retry, in.Now)
	case domain.CacheEvent:
		return decideCache(cur, ev, in.CacheSource, in.Now)
	default:
		return Decision{Next: cur.Status, Err: fmt.Errorf("unhandled event type %T", in.Event)}
	}
}

// ackWorthy lists the kinds a worker waits an ack for.
func ackWorthy(k domain.Kind) bool {
	switch k {
	case domain.KindDispatch, domain.KindRunning, domain.KindResult, domain.KindUpdatePid:
		return true
	}
	return false
}

func conflict(cur *domain.TaskInstance, ev domain.Event) error {
	return &domain.StateConflictError{TaskInstanceID: cur.ID, Status: cur.Status, Kind: ev.Kind()}
}

func noop(cur *domain.TaskInstance, ev domain.Event) Decision {
	return Decision{Next: cur.Status, Err: conflict(cur, ev)}
}

func decideDispatch(cur *domain.TaskInstance, ev domain.DispatchEvent) Decision {
	if cur.Status != domain.StatusSubmitted {
		return noop(cur, ev)
	}
	addr := ev.WorkerAddress
	return Decision{
		Next: domain.StatusDispatched,
		Update: &domain.TaskInstanceUpdate{
			TaskInstanceID: cur.ID,
			Status:         domain.StatusDispatched,
			WorkerAddress:  &addr,
		},
		Ack: true,
	}
}

// decideUpdatePid records process details without moving the status. It is
// accepted from SUBMITTED as well, since the worker's notice can overtake
// the master's own Dispatch event.
func decideUpdatePid(cur *domain.TaskInstance, ev domain.UpdatePidEvent) Decision {
	switch cur.Status {
	case domain.StatusSubmitted, domain.StatusDispatched, domain.StatusRunning:
	default:
		return noop(cur, ev)
	}
	u := &domain.TaskInstanceUpdate{TaskInstanceID: cur.ID, Status: cur.Status, StartTime: ev.StartTime}
	if ev.ProcessID > 0 {
		pid := ev.ProcessID
		u.ProcessID = &pid
	}
	if ev.LogPath != "" {
		lp := ev.LogPath
		u.LogPath = &lp
	}
	return Decision{Next: cur.Status, Update: u, Ack: true}
}

func decideRunning(cur *domain.TaskInstance, ev domain.RunningEvent) Decision {
	switch cur.Status {
	case domain.StatusSubmitted, domain.StatusDispatched:
	case domain.StatusRunning:
		// Redelivery; ack so the worker stops resending.
		return Decision{Next: cur.Status, Ack: true, Err: conflict(cur, ev)}
	default:
		return noop(cur, ev)
	}
	u := &domain.TaskInstanceUpdate{
		TaskInstanceID: cur.ID,
		Status:         domain.StatusRunning,
		StartTime:      ev.StartTime,
		ExecutePath:    optString(ev.ExecutePath),
		LogPath:        optString(ev.LogPath),
		AppIDs:         optString(ev.AppIDs),
		WorkerAddress:  optString(ev.WorkerAddress),
	}
	return Decision{Next: domain.StatusRunning, Update: u, Ack: true}
}

func decideResult(cur *domain.TaskInstance, ev domain.ResultEvent, now time.Time) Decision {
	// Result only ever carries a terminal status; the constructor enforces it.
	end := now
	if ev.EndTime != nil {
		end = *ev.EndTime
	}
	u := &domain.TaskInstanceUpdate{
		TaskInstanceID: cur.ID,
		Status:         ev.Status,
		StartTime:      ev.StartTime,
		EndTime:        &end,
		ExecutePath:    optString(ev.ExecutePath),
		LogPath:        optString(ev.LogPath),
		AppIDs:         optString(ev.AppIDs),
		VarPool:        optString(ev.VarPool),
	}
	if ev.ProcessID > 0 {
		pid := ev.ProcessID
		u.ProcessID = &pid
	}
	return Decision{
		Next:             ev.Status,
		Update:           u,
		Ack:              true,
		NotifyTerminal:   true,
		PropagateVarPool: ev.VarPool != "",
		RecordCache:      ev.Status == domain.StatusSuccess && cur.CacheKey != "",
	}
}

// decideReject redispatches a rejected instance or fails it once the retry
// policy is exhausted. A reject is also accepted from SUBMITTED, since it can
// overtake the master's own Dispatch event for the same assignment.
func decideReject(cur *domain.TaskInstance, ev domain.WorkerRejectEvent, policy *recall.Policy, now time.Time) Decision {
	switch cur.Status {
	case domain.StatusSubmitted, domain.StatusDispatched:
	default:
		return noop(cur, ev)
	}
	// A reject from a worker that no longer owns the instance is stale.
	if ev.WorkerAddress != "" && cur.WorkerAddress != "" && ev.WorkerAddress != cur.WorkerAddress {
		return noop(cur, ev)
	}
	exclude := cur.WorkerAddress
	if exclude == "" {
		exclude = ev.WorkerAddress
	}

	retry := cur.RetryCount + 1
	if policy.Exhausted(retry) {
		reason := ReasonRetriesExhausted
		return Decision{
			Next: domain.StatusFailure,
			Update: &domain.TaskInstanceUpdate{
				TaskInstanceID: cur.ID,
				Status:         domain.StatusFailure,
				EndTime:        &now,
				RetryCount:     &retry,
				Reason:         &reason,
			},
			NotifyTerminal: true,
			Err:            &domain.RetryExhaustedError{TaskInstanceID: cur.ID, Attempts: retry, MaxRetries: policy.MaxRetries},
		}
	}

	cleared := ""
	return Decision{
		Next: domain.StatusSubmitted,
		Update: &domain.TaskInstanceUpdate{
			TaskInstanceID: cur.ID,
			Status:         domain.StatusSubmitted,
			WorkerAddress:  &cleared,
			RetryCount:     &retry,
		},
		Redispatch:    true,
		ExcludeWorker: exclude,
	}
}

// decideCache short-circuits to CACHE_SUCCESS. A missing or unsuccessful
// source falls back to a normal dispatch.
func decideCache(cur *domain.TaskInstance, ev domain.CacheEvent, src *domain.TaskInstance, now time.Time) Decision {
	if cur.Status != domain.StatusSubmitted {
		return noop(cur, ev)
	}
	if src == nil || !src.Status.IsSuccess() {
		return Decision{Next: cur.Status, Redispatch: true, EvictCache: cur.CacheKey != ""}
	}
	end := now
	if src.EndTime != nil {
		end = *src.EndTime
	}
	u := &domain.TaskInstanceUpdate{
		TaskInstanceID: cur.ID,
		Status:         domain.StatusCacheSuccess,
		StartTime:      src.StartTime,
		EndTime:        &end,
		VarPool:        optString(src.VarPool),
	}
	return Decision{
		Next:             domain.StatusCacheSuccess,
		Update:           u,
		NotifyTerminal:   true,
		PropagateVarPool: src.VarPool != "",
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
