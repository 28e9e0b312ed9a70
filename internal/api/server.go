// Package api exposes runs, search and automations over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/automation"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Runner starts grounded runs.
type Runner interface {
	Run(ctx context.Context, req agentrun.Request) (agentrun.Result, error)
	Rerun(ctx context.Context, parentRunID string) (agentrun.Result, error)
}

// Searcher assembles context packs without running a model.
type Searcher interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Pack, error)
}

// PassRunner triggers a scheduler pass.
type PassRunner interface {
	RunOnce(ctx context.Context, now time.Time) (automation.PassSummary, error)
}

// Deps holds the dependencies of the HTTP API.
type Deps struct {
	Store     *storage.Store
	Runner    Runner
	Searcher  Searcher
	Scheduler PassRunner
	Token     string
	// Workspace is used when a request names none.
	Workspace     string
	LimitPerType  int
	MaxTotalChars int
	Logger        *slog.Logger
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/runs", handleCreateRun(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Post("/runs/{id}/rerun", handleRerun(deps))
		r.Get("/runs/{id}/diff/{otherID}", handleDiff(deps))
		r.Patch("/artifacts/{id}", handlePatchArtifact(deps))
		r.Post("/search", handleSearch(deps))

		r.Get("/automations", handleListAutomations(deps))
		r.Post("/automations", handleCreateAutomation(deps))
		r.Post("/automations/run-once", handleRunOnce(deps))
		r.Patch("/automations/{id}", handlePatchAutomation(deps))
		r.Get("/automations/{id}/runs", handleAutomationRuns(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (d Deps) workspace(ws string) string {
	if ws != "" {
		return ws
	}
	return d.Workspace
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxListLimit)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
