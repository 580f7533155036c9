// Package httpapi serves the master's HTTP surface: task submission, status
// reads and the worker websocket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/engine"
	"github.com/ramiqadoumi/taskflow-master/pkg/telemetry"
)

// Service is the part of the engine the HTTP API drives.
type Service interface {
	Submit(ctx context.Context, s engine.Submission) (*domain.TaskInstance, error)
	Get(ctx context.Context, id int) (*domain.TaskInstance, error)
	ListByProcess(ctx context.Context, processInstanceID int) ([]*domain.TaskInstance, error)
	VarPool(ctx context.Context, processInstanceID int) (map[int]string, error)
}

// Handler handles task requests.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// NewRouter mounts the API. workers serves the websocket endpoint and may
// be nil when only Kafka carries worker traffic.
func NewRouter(h *Handler, workers http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Get("/healthz", h.Healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/process-instances/{pid}", func(r chi.Router) {
			r.With(MaxBodySize(1<<20)).Post("/task-instances", h.SubmitTask)
			r.Get("/task-instances", h.ListTaskInstances)
			r.Get("/var-pool", h.GetVarPool)
		})
		r.Get("/task-instances/{id}", h.GetTaskInstance)
		if workers != nil {
			r.Get("/workers/{address}/connect", workers.ServeHTTP)
		}
	})
	return r
}

// SubmitTaskRequest is the JSON body for POST /v1/process-instances/{pid}/task-instances.
type SubmitTaskRequest struct {
	TaskInstanceID int             `json:"taskInstanceId"`
	TaskType       string          `json:"taskType"`
	Definition     json.RawMessage `json:"definition"`
	CacheEnabled   bool            `json:"cacheEnabled"`
}

// TaskInstanceResponse is the body returned for a task instance.
type TaskInstanceResponse struct {
	TaskInstanceID    int        `json:"taskInstanceId"`
	ProcessInstanceID int        `json:"processInstanceId"`
	Status            string     `json:"status"`
	WorkerAddress     string     `json:"workerAddress,omitempty"`
	RetryCount        int        `json:"retryCount"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	ProcessID         int        `json:"processId,omitempty"`
	VarPool           string     `json:"varPool,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	DurationMs        int64      `json:"durationMs,omitempty"`
}

func toResponse(ti *domain.TaskInstance) TaskInstanceResponse {
	resp := TaskInstanceResponse{
		TaskInstanceID:    ti.ID,
		ProcessInstanceID: ti.ProcessInstanceID,
		Status:            string(ti.Status),
		WorkerAddress:     ti.WorkerAddress,
		RetryCount:        ti.RetryCount,
		StartTime:         ti.StartTime,
		EndTime:           ti.EndTime,
		ProcessID:         ti.ProcessID,
		VarPool:           ti.VarPool,
		Reason:            ti.Reason,
	}
	if ti.StartTime != nil && ti.EndTime != nil {
		resp.DurationMs = ti.EndTime.Sub(*ti.StartTime).Milliseconds()
	}
	return resp
}

// SubmitTask handles POST /v1/process-instances/{pid}/task-instances.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "master.http.submit_task")
	defer span.End()

	pid, ok := processID(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(
		attribute.Int("process_instance.id", pid),
		attribute.Int("task_instance.id", req.TaskInstanceID),
		attribute.String("task.type", req.TaskType),
	)

	ti, err := h.svc.Submit(ctx, engine.Submission{
		ProcessInstanceID: pid,
		TaskInstanceID:    req.TaskInstanceID,
		TaskType:          req.TaskType,
		Definition:        req.Definition,
		CacheEnabled:      req.CacheEnabled,
	})
	if err != nil {
		var verr *domain.ValidationError
		var sat *domain.QueueSaturatedError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.As(err, &sat):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "event queue saturated")
		case ti == nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "submit failed")
			h.logger.Error("failed to create task instance", slog.Int("task_instance_id", req.TaskInstanceID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to create task instance")
		default:
			// Created but not dispatched: the instance is already FAILURE
			// and carries the reason.
			span.RecordError(err)
			h.logger.Warn("task instance created but not dispatched", slog.Int("task_instance_id", ti.ID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusAccepted, toResponse(ti))
		}
		return
	}

	writeJSON(w, http.StatusAccepted, toResponse(ti))
}

// GetTaskInstance handles GET /v1/task-instances/{id}.
func (h *Handler) GetTaskInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task instance id")
		return
	}

	ti, err := h.svc.Get(r.Context(), id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task instance not found")
			return
		}
		h.logger.Error("failed to read task instance", slog.Int("task_instance_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task instance")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(ti))
}

// ProcessTaskInstancesResponse is the body for GET /v1/process-instances/{pid}/task-instances.
type ProcessTaskInstancesResponse struct {
	ProcessInstanceID int                    `json:"processInstanceId"`
	TaskInstances     []TaskInstanceResponse `json:"taskInstances"`
}

// ListTaskInstances handles GET /v1/process-instances/{pid}/task-instances.
func (h *Handler) ListTaskInstances(w http.ResponseWriter, r *http.Request) {
	pid, ok := processID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListByProcess(r.Context(), pid)
	if err != nil {
		h.logger.Error("failed to list task instances", slog.Int("process_instance_id", pid), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list task instances")
		return
	}
	resp := ProcessTaskInstancesResponse{ProcessInstanceID: pid, TaskInstances: make([]TaskInstanceResponse, 0, len(list))}
	for _, ti := range list {
		resp.TaskInstances = append(resp.TaskInstances, toResponse(ti))
	}
	writeJSON(w, http.StatusOK, resp)
}

// VarPoolResponse is the body for GET /v1/process-instances/{pid}/var-pool.
type VarPoolResponse struct {
	ProcessInstanceID int            `json:"processInstanceId"`
	VarPool           map[int]string `json:"varPool"`
}

// GetVarPool handles GET /v1/process-instances/{pid}/var-pool.
func (h *Handler) GetVarPool(w http.ResponseWriter, r *http.Request) {
	pid, ok := processID(w, r)
	if !ok {
		return
	}
	vars, err := h.svc.VarPool(r.Context(), pid)
	if err != nil {
		h.logger.Error("failed to read var pool", slog.Int("process_instance_id", pid), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read var pool")
		return
	}
	writeJSON(w, http.StatusOK, VarPoolResponse{ProcessInstanceID: pid, VarPool: vars})
}

func processID(w http.ResponseWriter, r *http.Request) (int, bool) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid process instance id")
		return 0, false
	}
	return pid, true
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
