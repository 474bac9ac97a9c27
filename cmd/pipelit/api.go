package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pipelit/pipelit/gateway"
	"github.com/pipelit/pipelit/plan"
	"github.com/pipelit/pipelit/trigger"
	"github.com/pipelit/pipelit/workflow"
)

// runRequest is the body of POST /api/workflows/{slug}/executions.
type runRequest struct {
	TriggerNodeID string         `json:"trigger_node_id,omitempty"`
	Text          string         `json:"text,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	EpicID        string         `json:"epic_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
}

// registerAPI mounts the trigger and schedule surface.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/stream-tokens", a.handleStreamToken)

	mux.HandleFunc("POST /api/workflows/{slug}/executions", a.handleRunWorkflow)
	mux.HandleFunc("GET /api/executions/{id}", a.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", a.handleCancelExecution)

	mux.HandleFunc("POST /api/schedules", a.handleCreateSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/pause", a.scheduleOp(a.triggers.PauseSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/resume", a.scheduleOp(a.triggers.ResumeSchedule))
	mux.HandleFunc("DELETE /api/schedules/{id}", a.scheduleOp(a.triggers.DeleteSchedule))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if a.worker != nil {
		health["execution_worker"] = a.worker.Health().Status
	}
	if a.schedComp != nil {
		health["scheduler"] = a.schedComp.Health().Status
	}
	writeJSON(w, http.StatusOK, health)
}

// handleStreamToken mints a short-lived token for the streaming endpoint.
func (a *App) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	token, err := gateway.SignToken([]byte(a.cfg.Server.StreamSecret), req.Subject, time.Hour)
	if err != nil {
		a.logger.Error("Failed to sign stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (a *App) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	id, err := a.triggers.EnqueueExecution(r.Context(), slug, trigger.Options{
		TriggerNodeID: req.TriggerNodeID,
		Payload:       workflow.TriggerPayload{Text: req.Text, Payload: req.Payload},
		ThreadID:      req.ThreadID,
		EpicID:        req.EpicID,
		TaskID:        req.TaskID,
	})
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id})
}

func (a *App) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := a.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            exec.ID,
		"workflow_slug": exec.WorkflowSlug,
		"status":        exec.Status,
		"error":         exec.Error,
		"error_code":    exec.ErrorCode,
		"final_output":  exec.FinalOutput,
		"tokens_used":   exec.TokensUsed,
		"cost_usd":      exec.CostUSD,
	})
}

func (a *App) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := a.triggers.CancelExecution(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
}

func (a *App) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var job workflow.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := a.triggers.CreateSchedule(r.Context(), &job); err != nil {
		writeDomainError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule_id": job.ID})
}

// scheduleOp adapts a schedule lifecycle method into a handler.
func (a *App) scheduleOp(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), r.PathValue("id")); err != nil {
			writeDomainError(w, a.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeDomainError maps store and validation errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validationErr *plan.ValidationError
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
