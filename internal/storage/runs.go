package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- Agents & workspace settings ---

func (s *Store) SaveAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, workspace_id, name, provider, model, parameters_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, provider = excluded.provider,
			model = excluded.model, parameters_json = excluded.parameters_json`,
		a.ID, a.WorkspaceID, a.Name, a.Provider, a.Model, a.ParametersJSON)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, provider, model, parameters_json FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Provider, &a.Model, &a.ParametersJSON)
	if err == sql.ErrNoRows {
		return Agent{}, ErrNotFound
	}
	return a, err
}

func (s *Store) SetWorkspaceSetting(ctx context.Context, workspaceID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_settings (workspace_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workspaceID, key, value, formatTime(s.now()))
	return err
}

func (s *Store) GetWorkspaceSettings(ctx context.Context, workspaceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM workspace_settings WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Agent runs ---

const agentRunColumns = `id, workspace_id, agent_id, parent_run_id, company_id, query, selected_document_ids,
	status, model_provider, model_name, model_parameters_json, trigger, started_at, finished_at, error`

func (s *Store) CreateAgentRun(ctx context.Context, r AgentRun) error {
	docIDs := r.SelectedDocumentIDs
	if docIDs == nil {
		docIDs = []string{}
	}
	docsJSON, err := json.Marshal(docIDs)
	if err != nil {
		return fmt.Errorf("marshalling selected document ids: %w", err)
	}
	status := r.Status
	if status == "" {
		status = RunStatusRunning
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (`+agentRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, nullString(r.AgentID), nullString(r.ParentRunID), nullString(r.CompanyID),
		r.Query, string(docsJSON), status, r.ModelProvider, r.ModelName, r.ModelParametersJSON,
		r.Trigger, formatTime(r.StartedAt), nullTime(r.FinishedAt), nullString(r.Error),
	)
	return err
}

// SetRunModel records the resolved provider/model/parameters on a running run.
func (s *Store) SetRunModel(ctx context.Context, id, provider, model, parametersJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET model_provider = ?, model_name = ?, model_parameters_json = ?
		WHERE id = ? AND status = 'running'`, provider, model, parametersJSON, id)
	if err != nil {
		return err
	}
	return s.expectRunningUpdate(ctx, res, id)
}

// FinishAgentRun moves a running run to a terminal status. It fails with
// ErrRunNotRunning if the run already left the running state.
func (s *Store) FinishAgentRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		status, nullString(errMsg), formatTime(finishedAt), id)
	if err != nil {
		return err
	}
	return s.expectRunningUpdate(ctx, res, id)
}

func (s *Store) expectRunningUpdate(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetAgentRun(ctx, id); err != nil {
		return err
	}
	return ErrRunNotRunning
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRun(sc rowScanner) (AgentRun, error) {
	var r AgentRun
	var agentID, parentID, companyID, finishedAt, errMsg sql.NullString
	var docsJSON, startedAt string
	if err := sc.Scan(&r.ID, &r.WorkspaceID, &agentID, &parentID, &companyID, &r.Query, &docsJSON,
		&r.Status, &r.ModelProvider, &r.ModelName, &r.ModelParametersJSON, &r.Trigger,
		&startedAt, &finishedAt, &errMsg); err != nil {
		return AgentRun{}, err
	}
	r.AgentID = agentID.String
	r.ParentRunID = parentID.String
	r.CompanyID = companyID.String
	r.Error = errMsg.String
	if err := json.Unmarshal([]byte(docsJSON), &r.SelectedDocumentIDs); err != nil {
		return AgentRun{}, fmt.Errorf("parsing selected_document_ids for %s: %w", r.ID, err)
	}
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return AgentRun{}, err
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return AgentRun{}, err
	}
	return r, nil
}

func (s *Store) GetAgentRun(ctx context.Context, id string) (AgentRun, error) {
	r, err := scanAgentRun(s.db.QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return AgentRun{}, ErrNotFound
	}
	return r, err
}

// ListAgentRuns returns the most recent runs of a workspace, newest first.
func (s *Store) ListAgentRuns(ctx context.Context, workspaceID string, limit int) ([]AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentRunColumns+` FROM agent_runs WHERE workspace_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Tool calls ---

func (s *Store) InsertToolCall(ctx context.Context, tc ToolCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, agent_run_id, seq, name, status, input_json, output_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.AgentRunID, tc.Seq, tc.Name, tc.Status, tc.InputJSON, tc.OutputJSON, formatTime(tc.CreatedAt))
	return err
}

// ListToolCalls returns a run's tool calls in pipeline order.
func (s *Store) ListToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_run_id, seq, name, status, input_json, output_json, created_at
		FROM tool_calls WHERE agent_run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var createdAt string
		if err := rows.Scan(&tc.ID, &tc.AgentRunID, &tc.Seq, &tc.Name, &tc.Status, &tc.InputJSON, &tc.OutputJSON, &createdAt); err != nil {
			return nil, err
		}
		if tc.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// --- Run context ---

// SaveRunContext writes the run context once. It reports false, without
// error, when a context for the run already exists.
func (s *Store) SaveRunContext(ctx context.Context, rc RunContext) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_contexts (run_id, context_json, prompt_text, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		rc.RunID, rc.ContextJSON, rc.PromptText, formatTime(rc.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetRunContext(ctx context.Context, runID string) (RunContext, error) {
	var rc RunContext
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, context_json, prompt_text, created_at FROM run_contexts WHERE run_id = ?`, runID,
	).Scan(&rc.RunID, &rc.ContextJSON, &rc.PromptText, &createdAt)
	if err == sql.ErrNoRows {
		return RunContext{}, ErrNotFound
	}
	if err != nil {
		return RunContext{}, err
	}
	if rc.CreatedAt, err = parseTime(createdAt); err != nil {
		return RunContext{}, err
	}
	return rc, nil
}

// --- Artifacts ---

func (s *Store) SaveArtifact(ctx context.Context, a Artifact) error {
	format := a.ContentFormat
	if format == "" {
		format = "markdown"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, agent_run_id, title, content, content_format, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentRunID, a.Title, a.Content, format, formatTime(a.CreatedAt), nullTime(a.EditedAt))
	return err
}

const artifactColumns = `id, agent_run_id, title, content, content_format, created_at, edited_at`

func scanArtifact(sc rowScanner) (Artifact, error) {
	var a Artifact
	var createdAt string
	var editedAt sql.NullString
	if err := sc.Scan(&a.ID, &a.AgentRunID, &a.Title, &a.Content, &a.ContentFormat, &createdAt, &editedAt); err != nil {
		return Artifact{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Artifact{}, err
	}
	if a.EditedAt, err = parseNullTime(editedAt); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	return a, err
}

func (s *Store) GetArtifactByRun(ctx context.Context, runID string) (Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE agent_run_id = ? ORDER BY created_at ASC LIMIT 1`, runID))
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	return a, err
}

// UpdateArtifactContent applies the single permitted human edit.
func (s *Store) UpdateArtifactContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET content = ?, edited_at = ? WHERE id = ? AND edited_at IS NULL`,
		content, formatTime(editedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetArtifact(ctx, id); err != nil {
		return err
	}
	return ErrArtifactAlreadyEdited
}

// --- Evidence links ---

// SaveEvidenceLinks validates and inserts links atomically.
func (s *Store) SaveEvidenceLinks(ctx context.Context, links []EvidenceLink) error {
	for _, l := range links {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("link %s: %w", l.ID, err)
		}
	}
	if len(links) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning evidence transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evidence_links (id, artifact_id, snippet_id, document_id, source_type, locator, quote, relevance_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing evidence insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range links {
		var score any
		if l.RelevanceScore != nil {
			score = *l.RelevanceScore
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.ArtifactID, nullString(l.SnippetID), nullString(l.DocumentID),
			l.SourceType, nullString(l.Locator), nullString(l.Quote), score, formatTime(l.CreatedAt)); err != nil {
			return fmt.Errorf("inserting evidence link %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListEvidenceLinks(ctx context.Context, artifactID string) ([]EvidenceLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, artifact_id, snippet_id, document_id, source_type, locator, quote, relevance_score, created_at
		FROM evidence_links WHERE artifact_id = ? ORDER BY rowid ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []EvidenceLink
	for rows.Next() {
		var l EvidenceLink
		var snippetID, documentID, locator, quote sql.NullString
		var score sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&l.ID, &l.ArtifactID, &snippetID, &documentID, &l.SourceType, &locator, &quote, &score, &createdAt); err != nil {
			return nil, err
		}
		l.SnippetID = snippetID.String
		l.DocumentID = documentID.String
		l.Locator = locator.String
		l.Quote = quote.String
		if score.Valid {
			v := score.Float64
			l.RelevanceScore = &v
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
