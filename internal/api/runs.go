package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/rundiff"
	"github.com/kalambet/grounded/internal/storage"
	"github.com/kalambet/grounded/internal/worker"
)

type createRunRequest struct {
	agentrun.Request
	Async bool `json:"async"`
}

type runResponse struct {
	agentrun.Result
	Error string `json:"error,omitempty"`
}

type runDetail struct {
	Run       storage.AgentRun       `json:"run"`
	ToolCalls []storage.ToolCall     `json:"tool_calls"`
	Artifact  *storage.Artifact      `json:"artifact,omitempty"`
	Links     []storage.EvidenceLink `json:"evidence_links"`
}

func handleCreateRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRunRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		req.WorkspaceID = deps.workspace(req.WorkspaceID)
		req.RunID = ""
		req.ParentRunID = ""
		req.Trigger = ""

		if req.Async {
			runID, jobID, err := worker.Enqueue(r.Context(), deps.Store, req.Request)
			if err != nil {
				deps.Logger.Error("enqueueing run", "error", err)
				httpError(w, http.StatusInternalServerError, "server_error", "failed to enqueue run")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "job_id": jobID})
			return
		}

		res, err := deps.Runner.Run(r.Context(), req.Request)
		if err != nil {
			if errors.Is(err, agentrun.ErrEmptyQuery) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			deps.Logger.Error("running agent", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "run failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newRunResponse(res))
	}
}

func newRunResponse(res agentrun.Result) runResponse {
	out := runResponse{Result: res}
	if res.Failure != nil {
		out.Error = res.Failure.Error()
	}
	return out
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.ListAgentRuns(r.Context(), deps.workspace(r.URL.Query().Get("workspace_id")), listLimit(r))
		if err != nil {
			deps.Logger.Error("listing runs", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to list runs")
			return
		}
		if runs == nil {
			runs = []storage.AgentRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := loadRunDetail(r, deps.Store, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run not found")
			return
		}
		if err != nil {
			deps.Logger.Error("loading run", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load run")
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func loadRunDetail(r *http.Request, s *storage.Store, id string) (runDetail, error) {
	ctx := r.Context()
	run, err := s.GetAgentRun(ctx, id)
	if err != nil {
		return runDetail{}, err
	}
	calls, err := s.ListToolCalls(ctx, id)
	if err != nil {
		return runDetail{}, err
	}
	d := runDetail{Run: run, ToolCalls: calls, Links: []storage.EvidenceLink{}}
	if d.ToolCalls == nil {
		d.ToolCalls = []storage.ToolCall{}
	}

	art, err := s.GetArtifactByRun(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return d, nil
	case err != nil:
		return runDetail{}, err
	}
	d.Artifact = &art
	links, err := s.ListEvidenceLinks(ctx, art.ID)
	if err != nil {
		return runDetail{}, err
	}
	if links != nil {
		d.Links = links
	}
	return d, nil
}

func handleRerun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Runner.Rerun(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run not found")
			return
		}
		if err != nil {
			deps.Logger.Error("rerunning", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "rerun failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newRunResponse(res))
	}
}

func handleDiff(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := rundiff.CompareRuns(r.Context(), deps.Store, chi.URLParam(r, "id"), chi.URLParam(r, "otherID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
			return
		}
		if err != nil {
			deps.Logger.Error("comparing runs", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to compare runs")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePatchArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		id := chi.URLParam(r, "id")
		err := deps.Store.UpdateArtifactContent(r.Context(), id, body.Content, time.Now().UTC())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "artifact not found")
			return
		case errors.Is(err, storage.ErrArtifactAlreadyEdited):
			httpError(w, http.StatusConflict, "conflict_error", "artifact has already been edited")
			return
		case err != nil:
			deps.Logger.Error("editing artifact", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "failed to edit artifact")
			return
		}
		art, err := deps.Store.GetArtifact(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "server_error", "failed to load artifact")
			return
		}
		writeJSON(w, http.StatusOK, art)
	}
}

type searchRequest struct {
	WorkspaceID   string   `json:"workspace_id"`
	Query         string   `json:"query"`
	CompanyID     string   `json:"company_id"`
	DocumentIDs   []string `json:"document_ids"`
	LimitPerType  int      `json:"limit_per_type"`
	MaxTotalChars int      `json:"max_total_chars"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		q := retrieval.Query{
			WorkspaceID:   deps.workspace(req.WorkspaceID),
			Text:          req.Query,
			CompanyID:     req.CompanyID,
			DocumentIDs:   req.DocumentIDs,
			LimitPerType:  req.LimitPerType,
			MaxTotalChars: req.MaxTotalChars,
		}
		if q.LimitPerType <= 0 {
			q.LimitPerType = deps.LimitPerType
		}
		if q.MaxTotalChars <= 0 {
			q.MaxTotalChars = deps.MaxTotalChars
		}
		pack, err := deps.Searcher.Retrieve(r.Context(), q)
		if err != nil {
			deps.Logger.Error("searching", "error", err)
			httpError(w, http.StatusInternalServerError, "server_error", "search failed")
			return
		}
		writeJSON(w, http.StatusOK, pack)
	}
}
