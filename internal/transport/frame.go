// Package transport decodes worker frames into events. The concrete
// transports live in its subpackages.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
)

// Frame is the envelope every worker message arrives in.
type Frame struct {
	Kind          domain.Kind     `json:"kind"`
	WorkerAddress string          `json:"workerAddress,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Ingestor accepts decoded events.
type Ingestor interface {
	Ingest(ctx context.Context, env domain.Envelope) error
}

// ParseFrame unmarshals raw into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &domain.ValidationError{Field: "frame", Reason: err.Error()}
	}
	return f, nil
}

// Decode turns a worker frame into an event. workerAddress is the address
// the transport knows for the sender and wins over the frame's own claim.
// Dispatch and Cache are master-originated and refused here.
func Decode(f Frame, workerAddress string) (domain.Event, error) {
	if workerAddress == "" {
		workerAddress = f.WorkerAddress
	}
	switch f.Kind {
	case domain.KindRunning:
		var r domain.RunningReport
		if err := unmarshal(f, &r); err != nil {
			return nil, err
		}
		return domain.NewRunningEvent(r, workerAddress)
	case domain.KindResult:
		var r domain.ResultReport
		if err := unmarshal(f, &r); err != nil {
			return nil, err
		}
		return domain.NewResultEvent(r, workerAddress)
	case domain.KindWorkerReject:
		var n domain.RejectNotice
		if err := unmarshal(f, &n); err != nil {
			return nil, err
		}
		return domain.NewWorkerRejectEvent(n, workerAddress)
	case domain.KindUpdatePid:
		var n domain.UpdatePidNotice
		if err := unmarshal(f, &n); err != nil {
			return nil, err
		}
		return domain.NewUpdatePidEvent(n, workerAddress)
	case domain.KindDispatch, domain.KindCache:
		return nil, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("%s is not accepted from workers", f.Kind)}
	default:
		return nil, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
}

func unmarshal(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return &domain.ValidationError{Field: "payload", Reason: "required"}
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// Nack is sent back when a frame could not be accepted.
type Nack struct {
	Kind           string `json:"kind"`
	Reason         string `json:"reason"`
	TaskInstanceID int    `json:"taskInstanceId,omitempty"`
	Retryable      bool   `json:"retryable"`
}

// NackFor builds the negative reply for err.
func NackFor(err error, taskInstanceID int, retryable bool) Nack {
	return Nack{Kind: "NACK", Reason: err.Error(), TaskInstanceID: taskInstanceID, Retryable: retryable}
}
