package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/composer"
	"github.com/kalambet/grounded/internal/storage"
)

// Payload types understood by AgentExecutor.
const (
	PayloadAgentQuery = "agent_query"
	PayloadRerun      = "rerun"
)

// Payload is the decoded automation payload.
type Payload struct {
	Type        string                `json:"type" yaml:"type"`
	Query       string                `json:"query,omitempty" yaml:"query,omitempty"`
	AgentID     string                `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	CompanyID   string                `json:"company_id,omitempty" yaml:"company_id,omitempty"`
	DocumentIDs []string              `json:"document_ids,omitempty" yaml:"document_ids,omitempty"`
	RunID       string                `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Style       composer.StyleOptions `json:"style" yaml:"style"`
}

// DecodePayload parses and checks an automation payload.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if strings.TrimSpace(raw) == "" {
		return p, errors.New("payload is empty")
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("parsing payload: %w", err)
	}
	switch p.Type {
	case PayloadAgentQuery:
		if strings.TrimSpace(p.Query) == "" {
			return p, errors.New("agent_query payload needs a query")
		}
	case PayloadRerun:
		if p.RunID == "" {
			return p, errors.New("rerun payload needs a run_id")
		}
	default:
		return p, fmt.Errorf("unknown payload type %q", p.Type)
	}
	return p, nil
}

// ValidatePayload reports whether raw decodes to a runnable payload.
func ValidatePayload(raw string) error {
	_, err := DecodePayload(raw)
	return err
}

// Runner starts grounded runs.
type Runner interface {
	Run(ctx context.Context, req agentrun.Request) (agentrun.Result, error)
	Rerun(ctx context.Context, parentRunID string) (agentrun.Result, error)
}

// AgentExecutor turns automation payloads into orchestrator runs.
type AgentExecutor struct {
	runner Runner
}

func NewAgentExecutor(r Runner) *AgentExecutor {
	return &AgentExecutor{runner: r}
}

// Execute runs the automation's payload. A run that ends failed is reported
// as an error together with its id.
func (e *AgentExecutor) Execute(ctx context.Context, a storage.Automation) (string, error) {
	p, err := DecodePayload(a.PayloadJSON)
	if err != nil {
		return "", err
	}

	var res agentrun.Result
	switch p.Type {
	case PayloadAgentQuery:
		res, err = e.runner.Run(ctx, agentrun.Request{
			WorkspaceID: a.WorkspaceID,
			AgentID:     p.AgentID,
			CompanyID:   p.CompanyID,
			Query:       p.Query,
			DocumentIDs: p.DocumentIDs,
			Trigger:     storage.TriggerAutomation,
			Style:       p.Style,
		})
	case PayloadRerun:
		res, err = e.runner.Rerun(ctx, p.RunID)
	}
	if err != nil {
		return res.Run.ID, err
	}
	if res.Failure != nil {
		return res.Run.ID, res.Failure
	}
	return res.Run.ID, nil
}
