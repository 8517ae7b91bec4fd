// Package handlers exposes the Task Controller's Control API (spec.md
// §6.1) over HTTP, grounded on the teacher's
// execution/adapters/http/handlers.ExecutionHandler: gorilla/mux routes,
// a thin service dependency, and the shared response envelope.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/datatrac/datatrac-sync/internal/platform/logger"
	"github.com/datatrac/datatrac-sync/internal/platform/response"
	"github.com/datatrac/datatrac-sync/internal/platform/validation"
	appservice "github.com/datatrac/datatrac-sync/internal/sync/app/service"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// TaskHandler serves the Control API surface from spec.md §6.1, plus the
// optional cron re-run registration from SPEC_FULL.md §10.
type TaskHandler struct {
	controller *appservice.Controller
	scheduler  *appservice.Scheduler
	logger     logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // taskID -> its one live cron entry, if any
}

// NewTaskHandler constructs a TaskHandler. scheduler may be nil, disabling
// the schedule/unschedule routes (they respond 503).
func NewTaskHandler(controller *appservice.Controller, scheduler *appservice.Scheduler, log logger.Logger) *TaskHandler {
	return &TaskHandler{controller: controller, scheduler: scheduler, logger: log, entries: make(map[string]cron.EntryID)}
}

// RegisterRoutes mounts the task routes on router.
func (h *TaskHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tasks/{id}/start", h.Start).Methods("POST")
	router.HandleFunc("/tasks/{id}/pause", h.Pause).Methods("POST")
	router.HandleFunc("/tasks/{id}/stop", h.Stop).Methods("POST")
	router.HandleFunc("/tasks/{id}/progress", h.GetProgress).Methods("GET")
	router.HandleFunc("/tasks/{id}/units", h.GetTaskUnits).Methods("GET")
	router.HandleFunc("/tasks/{id}/errors", h.GetErrors).Methods("GET")
	router.HandleFunc("/tasks/{id}/logs", h.GetLogs).Methods("GET")
	router.HandleFunc("/tasks/{id}/reset-failed", h.ResetFailed).Methods("POST")
	router.HandleFunc("/tasks/{id}/history", h.ClearByPattern).Methods("DELETE")
	router.HandleFunc("/tasks/{id}/schedule", h.Schedule).Methods("POST")
	router.HandleFunc("/tasks/{id}/schedule", h.Unschedule).Methods("DELETE")
	router.HandleFunc("/units/{id}/reset", h.ResetUnit).Methods("POST")
}

func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.Start(r.Context(), id); err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]string{"taskId": id, "status": "starting"})
}

func (h *TaskHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.Pause(r.Context(), id); err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "paused"})
}

func (h *TaskHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.Stop(r.Context(), id); err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "stopped"})
}

func (h *TaskHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snapshot, err := h.controller.GetProgress(r.Context(), id)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, snapshot)
}

func (h *TaskHandler) GetTaskUnits(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.controller.GetTaskUnits(r.Context(), id)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, view)
}

func (h *TaskHandler) GetErrors(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	errs, err := h.controller.GetErrors(r.Context(), id)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, errs)
}

func (h *TaskHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	logs, err := h.controller.GetLogs(r.Context(), id, limit)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, logs)
}

func (h *TaskHandler) ResetFailed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	count, err := h.controller.ResetFailed(r.Context(), id)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"reset": count})
}

func (h *TaskHandler) ResetUnit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.ResetUnit(r.Context(), id); err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"unitId": id, "status": "reset"})
}

func (h *TaskHandler) ClearByPattern(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		response.Error(w, response.ErrBadRequest.WithDetails("pattern", "required"))
		return
	}
	count, err := h.controller.ClearByPattern(r.Context(), id, pattern)
	if err != nil {
		h.respondControlErr(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"cleared": count})
}

type scheduleRequest struct {
	CronExpr string `json:"cronExpr"`
}

// Schedule registers (replacing any prior registration) a cron-driven
// re-run of start(taskId) — SPEC_FULL.md §10 additive sugar, never a
// substitute for an explicit start call.
func (h *TaskHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		response.Error(w, response.ErrServiceUnavailable.WithDetails("scheduler", "not configured"))
		return
	}
	id := mux.Vars(r)["id"]

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest.WithDetails("cronExpr", "required"))
		return
	}

	v := validation.New().Required(req.CronExpr, "cronExpr")
	if req.CronExpr != "" {
		v.CronExpression(req.CronExpr, "cronExpr")
	}
	if v.HasErrors() {
		response.Error(w, response.ErrBadRequest.WithDetails("cronExpr", v.Error()))
		return
	}

	entryID, err := h.scheduler.Register(req.CronExpr, id)
	if err != nil {
		response.Error(w, response.ErrBadRequest.WithDetails("cronExpr", err.Error()))
		return
	}

	h.mu.Lock()
	if prior, ok := h.entries[id]; ok {
		h.scheduler.Unregister(prior)
	}
	h.entries[id] = entryID
	h.mu.Unlock()

	response.JSON(w, http.StatusOK, map[string]string{"taskId": id, "cronExpr": req.CronExpr})
}

// Unschedule removes taskId's cron registration, if any.
func (h *TaskHandler) Unschedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		response.Error(w, response.ErrServiceUnavailable.WithDetails("scheduler", "not configured"))
		return
	}
	id := mux.Vars(r)["id"]

	h.mu.Lock()
	entryID, ok := h.entries[id]
	if ok {
		delete(h.entries, id)
	}
	h.mu.Unlock()

	if ok {
		h.scheduler.Unregister(entryID)
	}
	response.JSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "unscheduled"})
}

// respondControlErr maps the Task Controller's sentinel errors onto HTTP
// status codes per spec.md §6.5.
func (h *TaskHandler) respondControlErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appservice.ErrTaskNotFound), errors.Is(err, repository.ErrNotFound):
		response.Error(w, response.ErrNotFound)
	case errors.Is(err, appservice.ErrInvalidState):
		response.ErrorWithMessage(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, appservice.ErrNotRunning):
		response.ErrorWithMessage(w, http.StatusConflict, "NOT_RUNNING", err.Error())
	case errors.Is(err, appservice.ErrNoWork):
		response.ErrorWithMessage(w, http.StatusConflict, "NO_WORK", err.Error())
	case errors.Is(err, appservice.ErrValidation):
		response.ErrorWithMessage(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, repository.ErrOwnedByWorker):
		response.ErrorWithMessage(w, http.StatusConflict, "OWNED_BY_WORKER", err.Error())
	default:
		h.logger.Error("control api error", "error", err)
		response.Error(w, response.ErrInternal)
	}
}
