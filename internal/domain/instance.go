package domain

import (
	"encoding/json"
	"time"
)

// TaskInstance is one execution attempt of a task within a process instance.
type TaskInstance struct {
	ID                int             `json:"id"`
	ProcessInstanceID int             `json:"process_instance_id"`
	Status            Status          `json:"status"`
	WorkerAddress     string          `json:"worker_address,omitempty"`
	StartTime         *time.Time      `json:"start_time,omitempty"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	ExecutePath       string          `json:"execute_path,omitempty"`
	LogPath           string          `json:"log_path,omitempty"`
	ProcessID         int             `json:"process_id,omitempty"`
	AppIDs            string          `json:"app_ids,omitempty"`
	VarPool           string          `json:"var_pool,omitempty"`
	RetryCount        int             `json:"retry_count"`
	Reason            string          `json:"reason,omitempty"`
	CacheKey          string          `json:"cache_key,omitempty"`
	Definition        json.RawMessage `json:"definition,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Ref returns the identity pair used by events.
func (t *TaskInstance) Ref() InstanceRef {
	return InstanceRef{ProcessInstanceID: t.ProcessInstanceID, TaskInstanceID: t.ID}
}

// TaskInstanceUpdate is the partial write produced by a transition. Nil
// fields leave the stored value untouched.
type TaskInstanceUpdate struct {
	TaskInstanceID int
	Status         Status
	WorkerAddress  *string
	StartTime      *time.Time
	EndTime        *time.Time
	ExecutePath    *string
	LogPath        *string
	ProcessID      *int
	AppIDs         *string
	VarPool        *string
	RetryCount     *int
	Reason         *string
}

// ApplyTo copies the set fields of u onto t. The status is always written.
func (u *TaskInstanceUpdate) ApplyTo(t *TaskInstance) {
	t.Status = u.Status
	if u.WorkerAddress != nil {
		t.WorkerAddress = *u.WorkerAddress
	}
	if u.StartTime != nil {
		st := *u.StartTime
		t.StartTime = &st
	}
	if u.EndTime != nil {
		et := *u.EndTime
		t.EndTime = &et
	}
	if u.ExecutePath != nil {
		t.ExecutePath = *u.ExecutePath
	}
	if u.LogPath != nil {
		t.LogPath = *u.LogPath
	}
	if u.ProcessID != nil {
		t.ProcessID = *u.ProcessID
	}
	if u.AppIDs != nil {
		t.AppIDs = *u.AppIDs
	}
	if u.VarPool != nil {
		t.VarPool = *u.VarPool
	}
	if u.RetryCount != nil {
		t.RetryCount = *u.RetryCount
	}
	if u.Reason != nil {
		t.Reason = *u.Reason
	}
}

// TerminalNotice is published when an instance reaches a terminal status so
// the process-level orchestrator can advance.
type TerminalNotice struct {
	ProcessInstanceID int       `json:"process_instance_id"`
	TaskInstanceID    int       `json:"task_instance_id"`
	Status            Status    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	VarPool           string    `json:"var_pool,omitempty"`
	EndTime           time.Time `json:"end_time"`
}

// DispatchCommand is the assignment sent to a worker.
type DispatchCommand struct {
	ProcessInstanceID int             `json:"processInstanceId"`
	TaskInstanceID    int             `json:"taskInstanceId"`
	WorkerAddress     string          `json:"workerAddress"`
	Definition        json.RawMessage `json:"definition,omitempty"`
	RetryCount        int             `json:"retryCount"`
	DispatchedAt      int64           `json:"dispatchedAt"`
}
