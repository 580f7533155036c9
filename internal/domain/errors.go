package domain

import (
	"fmt"
	"time"
)

// ValidationError is returned when an event is missing a required field or
// carries a value that cannot be resolved. The event is dropped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event field %q: %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when a task instance ID is unknown to the store.
type TaskNotFoundError struct {
	TaskInstanceID int
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task instance not found: %d", e.TaskInstanceID)
}

// StateConflictError is returned when an event is not applicable to the
// instance's current status. It is an idempotence no-op, not a failure.
type StateConflictError struct {
	TaskInstanceID int
	Status         Status
	Kind           Kind
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("task instance %d: %s event not applicable in status %s", e.TaskInstanceID, e.Kind, e.Status)
}

// QueueSaturatedError is returned to producers when a partition stayed full
// for the whole bounded wait. Callers treat it as transient.
type QueueSaturatedError struct {
	Partition int
	Waited    time.Duration
}

func (e *QueueSaturatedError) Error() string {
	return fmt.Sprintf("event queue partition %d saturated after %s", e.Partition, e.Waited)
}

// RetryExhaustedError records that redispatch attempts exceeded the budget.
type RetryExhaustedError struct {
	TaskInstanceID int
	Attempts       int
	MaxRetries     int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task instance %d: retries exhausted (%d attempts, max %d)", e.TaskInstanceID, e.Attempts, e.MaxRetries)
}

// AckDeliveryError is returned when a reply handle is unusable at send time.
// It is logged and swallowed by the ack sender.
type AckDeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *AckDeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ack delivery to connection %q failed: no live handle", e.ConnectionID)
	}
	return fmt.Sprintf("ack delivery to connection %q failed: %v", e.ConnectionID, e.Err)
}

func (e *AckDeliveryError) Unwrap() error { return e.Err }
