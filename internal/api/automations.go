package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/grounded/internal/automation"
	"github.com/kalambet/grounded/internal/storage"
)

func handleListAutomations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListAutomations(r.Context(), deps.workspace(r.URL.Query().Get("workspace_id")))
		if err != nil {
			deps.Logger.Error("listing automations", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list automations")
			return
		}
		if list == nil {
			list = []storage.Automation{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateAutomation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a storage.Automation
		if !decodeBody(w, r, &a) {
			return
		}
		a.WorkspaceID = deps.workspace(a.WorkspaceID)
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		// The scheduler seeds the first occurrence.
		a.LastRunAt, a.NextRunAt = nil, nil
		if err := automation.Validate(a); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.SaveAutomation(r.Context(), a); err != nil {
			deps.Logger.Error("saving automation", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to save automation")
			return
		}
		saved, err := deps.Store.GetAutomation(r.Context(), a.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load automation")
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

func handlePatchAutomation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Enabled == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
			return
		}
		id := chi.URLParam(r, "id")
		err := deps.Store.SetAutomationEnabled(r.Context(), id, *body.Enabled)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "automation not found")
			return
		}
		if err != nil {
			deps.Logger.Error("updating automation", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to update automation")
			return
		}
		a, err := deps.Store.GetAutomation(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load automation")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleAutomationRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetAutomation(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "automation not found")
			return
		}
		runs, err := deps.Store.ListAutomationRuns(r.Context(), id, listLimit(r))
		if err != nil {
			deps.Logger.Error("listing automation runs", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list automation runs")
			return
		}
		if runs == nil {
			runs = []storage.AutomationRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleRunOnce(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable_error", "scheduler is not configured")
			return
		}
		sum, err := deps.Scheduler.RunOnce(r.Context(), time.Now().UTC())
		if err != nil {
			deps.Logger.Error("scheduler pass", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "scheduler pass failed")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}
