// Package agentrun executes grounded runs: retrieve evidence, build the
// prompt, generate an answer and link its citations, with every step
// recorded as an audit row.
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/grounded/internal/composer"
	"github.com/kalambet/grounded/internal/gateway"
	"github.com/kalambet/grounded/internal/notify"
	"github.com/kalambet/grounded/internal/observability"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
)

// Step names, in execution order.
const (
	StepLocalSearch  = "local_search"
	StepPromptBuild  = "prompt_build"
	StepGenerate     = "generate"
	StepLinkEvidence = "link_evidence"
)

// Workspace setting keys consulted when the agent does not pin a model.
const (
	SettingProvider   = "llm.provider"
	SettingModel      = "llm.model"
	SettingParameters = "llm.parameters"
)

const finalizeTimeout = 10 * time.Second

// ErrEmptyQuery is returned when a run is requested without a query.
var ErrEmptyQuery = errors.New("query is required")

// StepError reports which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Store is the persistence the orchestrator needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (storage.Agent, error)
	GetWorkspaceSettings(ctx context.Context, workspaceID string) (map[string]string, error)
	GetCompany(ctx context.Context, id string) (storage.Company, error)
	CreateAgentRun(ctx context.Context, r storage.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (storage.AgentRun, error)
	SetRunModel(ctx context.Context, id, provider, model, parametersJSON string) error
	FinishAgentRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error
	InsertToolCall(ctx context.Context, tc storage.ToolCall) error
	SaveRunContext(ctx context.Context, rc storage.RunContext) (bool, error)
	SaveArtifact(ctx context.Context, a storage.Artifact) error
	SaveEvidenceLinks(ctx context.Context, links []storage.EvidenceLink) error
}

// Retriever assembles the context pack for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Pack, error)
}

// Generator produces the answer text.
type Generator interface {
	Generate(ctx context.Context, prompt, contextText string, s gateway.Settings) (string, error)
}

// Defaults apply when neither the agent nor the workspace sets a value.
type Defaults struct {
	Provider      string
	Model         string
	Parameters    string
	LimitPerType  int
	MaxTotalChars int
}

// Request describes one run.
type Request struct {
	// RunID is optional; a new id is generated when empty.
	RunID       string                `json:"run_id,omitempty"`
	WorkspaceID string                `json:"workspace_id"`
	AgentID     string                `json:"agent_id,omitempty"`
	CompanyID   string                `json:"company_id,omitempty"`
	Query       string                `json:"query"`
	DocumentIDs []string              `json:"document_ids,omitempty"`
	ParentRunID string                `json:"parent_run_id,omitempty"`
	Trigger     string                `json:"trigger,omitempty"`
	Style       composer.StyleOptions `json:"style"`
}

// Result is the outcome of a run. Run.Status is always terminal. Failure is
// set when a step failed.
type Result struct {
	Run               storage.AgentRun       `json:"run"`
	Artifact          *storage.Artifact      `json:"artifact,omitempty"`
	Links             []storage.EvidenceLink `json:"evidence_links"`
	CitationsDetected bool                   `json:"citations_detected"`
	Failure           *StepError             `json:"-"`
}

// Orchestrator drives runs through the four pipeline steps.
type Orchestrator struct {
	store     Store
	retriever Retriever
	generator Generator
	sink      notify.Sink
	defaults  Defaults
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier publishes run.completed events to sink.
func WithNotifier(sink notify.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(store Store, retriever Retriever, generator Generator, defaults Defaults, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		retriever: retriever,
		generator: generator,
		sink:      notify.Discard,
		defaults:  defaults,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes a grounded run. The returned error is non-nil only when the
// run could not be recorded at all or could not be finalized; step failures
// are reported through Result.Failure with Run.Status set to failed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, ErrEmptyQuery
	}
	if req.WorkspaceID == "" {
		return Result{}, errors.New("workspace id is required")
	}
	if req.Trigger == "" {
		req.Trigger = storage.TriggerManual
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	run := storage.AgentRun{
		ID:                  req.RunID,
		WorkspaceID:         req.WorkspaceID,
		AgentID:             req.AgentID,
		ParentRunID:         req.ParentRunID,
		CompanyID:           req.CompanyID,
		Query:               req.Query,
		SelectedDocumentIDs: req.DocumentIDs,
		Status:              storage.RunStatusRunning,
		Trigger:             req.Trigger,
		StartedAt:           o.now(),
	}
	if err := o.store.CreateAgentRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("creating agent run: %w", err)
	}

	logger := o.logger.With("run_id", run.ID)
	ctx, span := observability.StartSpan(ctx, "agentrun.run",
		attribute.String("run_id", run.ID),
		attribute.String("workspace_id", run.WorkspaceID),
		attribute.String("trigger", run.Trigger),
	)

	st := &runState{req: req, run: run, logger: logger}
	var failure *StepError
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("run panicked", "panic", r)
				failure = &StepError{Step: st.current, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		failure = o.execute(ctx, st)
	}()

	res, err := o.finalize(ctx, st, failure)
	if failure != nil {
		observability.EndSpan(span, failure)
	} else {
		observability.EndSpan(span, err)
	}
	return res, err
}

// Rerun repeats a previous run's query and scope as a new child run.
func (o *Orchestrator) Rerun(ctx context.Context, parentRunID string) (Result, error) {
	parent, err := o.store.GetAgentRun(ctx, parentRunID)
	if err != nil {
		return Result{}, fmt.Errorf("loading parent run %s: %w", parentRunID, err)
	}
	return o.Run(ctx, Request{
		WorkspaceID: parent.WorkspaceID,
		AgentID:     parent.AgentID,
		CompanyID:   parent.CompanyID,
		Query:       parent.Query,
		DocumentIDs: parent.SelectedDocumentIDs,
		ParentRunID: parent.ID,
		Trigger:     storage.TriggerRerun,
	})
}

// finalize moves the run to its terminal status on a context that survives
// cancellation of the caller's.
func (o *Orchestrator) finalize(ctx context.Context, st *runState, failure *StepError) (Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status, msg := storage.RunStatusSuccess, ""
	if failure != nil {
		status, msg = storage.RunStatusFailed, failure.Err.Error()
		st.logger.Warn("run failed", "step", failure.Step, "error", failure.Err)
	}

	finishedAt := o.now()
	if err := o.store.FinishAgentRun(fctx, st.run.ID, status, msg, finishedAt); err != nil {
		return Result{}, fmt.Errorf("finishing agent run %s: %w", st.run.ID, err)
	}
	st.run.Status = status
	st.run.Error = msg
	st.run.FinishedAt = &finishedAt

	o.sink.Notify(fctx, notify.Event{
		Type:        notify.RunCompleted,
		WorkspaceID: st.run.WorkspaceID,
		RunID:       st.run.ID,
		Status:      status,
		Error:       msg,
		At:          finishedAt,
	})

	st.logger.Info("run finished", "status", status, "links", len(st.links))
	return Result{
		Run:               st.run,
		Artifact:          st.artifact,
		Links:             st.links,
		CitationsDetected: st.citationsDetected,
		Failure:           failure,
	}, nil
}
