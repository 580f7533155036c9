package domain

import (
	"strings"
	"time"
)

// Kind discriminates the task event variants.
type Kind string

const (
	KindDispatch     Kind = "DISPATCH"
	KindRunning      Kind = "RUNNING"
	KindResult       Kind = "RESULT"
	KindWorkerReject Kind = "WORKER_REJECT"
	KindCache        Kind = "CACHE"
	KindUpdatePid    Kind = "UPDATE_PID"
)

// Event is one task lifecycle notification. The concrete types are
// DispatchEvent, RunningEvent, ResultEvent, WorkerRejectEvent, CacheEvent and
// UpdatePidEvent; consumers switch over them exhaustively.
type Event interface {
	Kind() Kind
	Ref() InstanceRef
	isEvent()
}

// InstanceRef identifies the task instance an event applies to.
type InstanceRef struct {
	ProcessInstanceID int `json:"processInstanceId"`
	TaskInstanceID    int `json:"taskInstanceId"`
}

func (r InstanceRef) Ref() InstanceRef { return r }

func (r InstanceRef) validate() error {
	if r.ProcessInstanceID <= 0 {
		return &ValidationError{Field: "processInstanceId", Reason: "must be positive"}
	}
	if r.TaskInstanceID <= 0 {
		return &ValidationError{Field: "taskInstanceId", Reason: "must be positive"}
	}
	return nil
}

// DispatchEvent confirms the master assigned the instance to a worker.
type DispatchEvent struct {
	InstanceRef
	WorkerAddress string
}

// RunningEvent reports that the worker started executing the instance.
type RunningEvent struct {
	InstanceRef
	Status        Status
	StartTime     *time.Time
	ExecutePath   string
	LogPath       string
	AppIDs        string
	WorkerAddress string
}

// ResultEvent reports the instance's final outcome.
type ResultEvent struct {
	InstanceRef
	Status        Status
	StartTime     *time.Time
	EndTime       *time.Time
	ProcessID     int
	ExecutePath   string
	LogPath       string
	AppIDs        string
	VarPool       string
	WorkerAddress string
}

// WorkerRejectEvent reports that a worker refused the assignment.
// WorkerAddress is the address of the connection the notice arrived on, when
// the transport knows it.
type WorkerRejectEvent struct {
	InstanceRef
	WorkerAddress string
}

// CacheEvent short-circuits execution by reusing a prior instance's result.
type CacheEvent struct {
	InstanceRef
	CacheTaskInstanceID int
}

// UpdatePidEvent captures the worker process id ahead of the running report.
type UpdatePidEvent struct {
	InstanceRef
	ProcessID     int
	StartTime     *time.Time
	LogPath       string
	WorkerAddress string
}

func (DispatchEvent) Kind() Kind     { return KindDispatch }
func (RunningEvent) Kind() Kind      { return KindRunning }
func (ResultEvent) Kind() Kind       { return KindResult }
func (WorkerRejectEvent) Kind() Kind { return KindWorkerReject }
func (CacheEvent) Kind() Kind        { return KindCache }
func (UpdatePidEvent) Kind() Kind    { return KindUpdatePid }

func (DispatchEvent) isEvent()     {}
func (RunningEvent) isEvent()      {}
func (ResultEvent) isEvent()       {}
func (WorkerRejectEvent) isEvent() {}
func (CacheEvent) isEvent()        {}
func (UpdatePidEvent) isEvent()    {}

// Envelope carries an event through the pipeline together with the key of
// the connection it arrived on. The reply handle itself stays in the
// connection registry.
type Envelope struct {
	Event        Event
	ConnectionID string
	ReceivedAt   time.Time
}

// NewDispatchEvent builds a Dispatch event. workerAddress is required.
func NewDispatchEvent(processInstanceID, taskInstanceID int, workerAddress string) (DispatchEvent, error) {
	ref := InstanceRef{ProcessInstanceID: processInstanceID, TaskInstanceID: taskInstanceID}
	if err := ref.validate(); err != nil {
		return DispatchEvent{}, err
	}
	if strings.TrimSpace(workerAddress) == "" {
		return DispatchEvent{}, &ValidationError{Field: "workerAddress", Reason: "required"}
	}
	return DispatchEvent{InstanceRef: ref, WorkerAddress: workerAddress}, nil
}

// NewRunningEvent builds a Running event from a worker report.
func NewRunningEvent(r RunningReport, workerAddress string) (RunningEvent, error) {
	if err := r.InstanceRef.validate(); err != nil {
		return RunningEvent{}, err
	}
	status, err := StatusFromCode(r.Status)
	if err != nil {
		return RunningEvent{}, err
	}
	return RunningEvent{
		InstanceRef:   r.InstanceRef,
		Status:        status,
		StartTime:     fromEpochMillis(r.StartTime),
		ExecutePath:   r.ExecutePath,
		LogPath:       r.LogPath,
		AppIDs:        r.AppIDs,
		WorkerAddress: workerAddress,
	}, nil
}

// NewResultEvent builds a Result event from a worker report. The status must
// resolve to a terminal outcome.
func NewResultEvent(r ResultReport, workerAddress string) (ResultEvent, error) {
	if err := r.InstanceRef.validate(); err != nil {
		return ResultEvent{}, err
	}
	status, err := StatusFromCode(r.Status)
	if err != nil {
		return ResultEvent{}, err
	}
	if !status.IsTerminal() {
		return ResultEvent{}, &ValidationError{Field: "status", Reason: "result status " + string(status) + " is not terminal"}
	}
	start, end := fromEpochMillis(r.StartTime), fromEpochMillis(r.EndTime)
	if start != nil && end != nil && end.Before(*start) {
		return ResultEvent{}, &ValidationError{Field: "endTime", Reason: "before startTime"}
	}
	return ResultEvent{
		InstanceRef:   r.InstanceRef,
		Status:        status,
		StartTime:     start,
		EndTime:       end,
		ProcessID:     r.ProcessID,
		ExecutePath:   r.ExecutePath,
		LogPath:       r.LogPath,
		AppIDs:        r.AppIDs,
		VarPool:       r.VarPool,
		WorkerAddress: workerAddress,
	}, nil
}

// NewWorkerRejectEvent builds a WorkerReject event.
func NewWorkerRejectEvent(n RejectNotice, workerAddress string) (WorkerRejectEvent, error) {
	if err := n.InstanceRef.validate(); err != nil {
		return WorkerRejectEvent{}, err
	}
	return WorkerRejectEvent{InstanceRef: n.InstanceRef, WorkerAddress: workerAddress}, nil
}

// NewCacheEvent builds a Cache event pointing at the instance whose result
// is reused.
func NewCacheEvent(processInstanceID, taskInstanceID, cacheTaskInstanceID int) (CacheEvent, error) {
	ref := InstanceRef{ProcessInstanceID: processInstanceID, TaskInstanceID: taskInstanceID}
	if err := ref.validate(); err != nil {
		return CacheEvent{}, err
	}
	if cacheTaskInstanceID <= 0 {
		return CacheEvent{}, &ValidationError{Field: "cacheTaskInstanceId", Reason: "must be positive"}
	}
	if cacheTaskInstanceID == taskInstanceID {
		return CacheEvent{}, &ValidationError{Field: "cacheTaskInstanceId", Reason: "refers to the instance itself"}
	}
	return CacheEvent{InstanceRef: ref, CacheTaskInstanceID: cacheTaskInstanceID}, nil
}

// NewUpdatePidEvent builds an UpdatePid event from a worker notice.
func NewUpdatePidEvent(n UpdatePidNotice, workerAddress string) (UpdatePidEvent, error) {
	if err := n.InstanceRef.validate(); err != nil {
		return UpdatePidEvent{}, err
	}
	return UpdatePidEvent{
		InstanceRef:   n.InstanceRef,
		ProcessID:     n.ProcessID,
		StartTime:     fromEpochMillis(n.StartTime),
		LogPath:       n.LogPath,
		WorkerAddress: workerAddress,
	}, nil
}

// fromEpochMillis leaves absent timestamps unset instead of producing 1970-01-01.
func fromEpochMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
