package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidEvidenceLink is returned when an evidence link does not reference
// exactly one of a snippet or a document.
var ErrInvalidEvidenceLink = errors.New("evidence link must reference exactly one of snippet or document")

// ErrArtifactAlreadyEdited is returned when an artifact's content has already
// received its one permitted post-hoc edit.
var ErrArtifactAlreadyEdited = errors.New("artifact content already edited")

// ErrRunNotRunning is returned when finishing a run that is already terminal.
var ErrRunNotRunning = errors.New("agent run is not running")

// Run statuses. A run leaves RunStatusRunning exactly once.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Run triggers.
const (
	TriggerManual     = "manual"
	TriggerAutomation = "automation"
	TriggerRerun      = "rerun"
	TriggerQueue      = "queue"
)

// Schedule types for automations.
const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
)

type AgentRun struct {
	ID                  string     `json:"id"`
	WorkspaceID         string     `json:"workspace_id"`
	AgentID             string     `json:"agent_id,omitempty"`
	ParentRunID         string     `json:"parent_run_id,omitempty"`
	CompanyID           string     `json:"company_id,omitempty"`
	Query               string     `json:"query"`
	SelectedDocumentIDs []string   `json:"selected_document_ids,omitempty"`
	Status              string     `json:"status"`
	ModelProvider       string     `json:"model_provider"`
	ModelName           string     `json:"model_name"`
	ModelParametersJSON string     `json:"model_parameters_json,omitempty"`
	Trigger             string     `json:"trigger"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// ToolCall is an append-only audit row for one pipeline step.
type ToolCall struct {
	ID         string    `json:"id"`
	AgentRunID string    `json:"agent_run_id"`
	Seq        int       `json:"seq"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	InputJSON  string    `json:"input_json"`
	OutputJSON string    `json:"output_json"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunContext holds the serialized context pack and prompt for a run.
// Written once per run.
type RunContext struct {
	RunID       string    `json:"run_id"`
	ContextJSON string    `json:"context_json"`
	PromptText  string    `json:"prompt_text"`
	CreatedAt   time.Time `json:"created_at"`
}

type Artifact struct {
	ID            string     `json:"id"`
	AgentRunID    string     `json:"agent_run_id"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	ContentFormat string     `json:"content_format"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
}

// EvidenceLink ties an artifact to the snippet or document supporting it.
// Exactly one of SnippetID and DocumentID is set. For note and artifact
// evidence DocumentID carries the note or artifact id and SourceType says which.
type EvidenceLink struct {
	ID             string    `json:"id"`
	ArtifactID     string    `json:"artifact_id"`
	SnippetID      string    `json:"snippet_id,omitempty"`
	DocumentID     string    `json:"document_id,omitempty"`
	SourceType     string    `json:"source_type"`
	Locator        string    `json:"locator,omitempty"`
	Quote          string    `json:"quote,omitempty"`
	RelevanceScore *float64  `json:"relevance_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate reports whether the link references exactly one evidence target.
func (l EvidenceLink) Validate() error {
	if (l.SnippetID == "") == (l.DocumentID == "") {
		return ErrInvalidEvidenceLink
	}
	return nil
}

type Automation struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	Name            string     `json:"name"`
	IsEnabled       bool       `json:"is_enabled"`
	ScheduleType    string     `json:"schedule_type"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	DailyTime       string     `json:"daily_time,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	PayloadJSON     string     `json:"payload_json"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type AutomationRun struct {
	ID           string     `json:"id"`
	AutomationID string     `json:"automation_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedRunID string     `json:"created_run_id,omitempty"`
}

// Agent carries per-agent model defaults.
type Agent struct {
	ID             string `json:"id"`
	WorkspaceID    string `json:"workspace_id"`
	Name           string `json:"name"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	ParametersJSON string `json:"parameters_json,omitempty"`
}

type Company struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
}

type Note struct {
	ID          string
	WorkspaceID string
	CompanyID   string
	Title       string
	Body        string
	UpdatedAt   time.Time
}

type Document struct {
	ID          string
	WorkspaceID string
	CompanyID   string
	Title       string
	ImportedAt  time.Time
}

type DocumentChunk struct {
	DocumentID string
	ChunkIndex int
	Text       string
	Locator    string
}

type Snippet struct {
	ID          string
	WorkspaceID string
	CompanyID   string
	DocumentID  string
	Text        string
	Locator     string
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
