package agentrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/grounded/internal/citation"
	"github.com/kalambet/grounded/internal/composer"
	"github.com/kalambet/grounded/internal/gateway"
	"github.com/kalambet/grounded/internal/observability"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
)

const maxTitleRunes = 80

// runState is owned by a single run; steps execute sequentially.
type runState struct {
	req     Request
	run     storage.AgentRun
	logger  *slog.Logger
	seq     int
	current string

	pack              retrieval.Pack
	prompt            string
	artifact          *storage.Artifact
	links             []storage.EvidenceLink
	citationsDetected bool
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) *StepError {
	steps := []struct {
		name string
		fn   func(context.Context, *runState) (any, any, error)
	}{
		{StepLocalSearch, o.localSearch},
		{StepPromptBuild, o.promptBuild},
		{StepGenerate, o.generate},
		{StepLinkEvidence, o.linkEvidence},
	}
	for _, s := range steps {
		if err := o.step(ctx, st, s.name, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// step runs fn and records it as a tool call. The audit row is written even
// when ctx has been cancelled.
func (o *Orchestrator) step(ctx context.Context, st *runState, name string, fn func(context.Context, *runState) (any, any, error)) (stepErr *StepError) {
	st.seq++
	st.current = name
	ctx, span := observability.StartSpan(ctx, "agentrun."+name,
		attribute.String("run_id", st.run.ID),
		attribute.Int("seq", st.seq),
	)

	var input, output any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if err = ctx.Err(); err != nil {
			return
		}
		input, output, err = fn(ctx, st)
	}()

	status := storage.RunStatusSuccess
	if err != nil {
		status = storage.RunStatusFailed
		output = map[string]string{"error": err.Error()}
	}
	observability.EndSpan(span, err)

	tc := storage.ToolCall{
		ID:         ulid.Make().String(),
		AgentRunID: st.run.ID,
		Seq:        st.seq,
		Name:       name,
		Status:     status,
		InputJSON:  mustJSON(input),
		OutputJSON: mustJSON(output),
		CreatedAt:  o.now(),
	}
	if werr := o.store.InsertToolCall(context.WithoutCancel(ctx), tc); werr != nil {
		st.logger.Error("recording tool call", "step", name, "error", werr)
		if err == nil {
			err = fmt.Errorf("recording tool call: %w", werr)
		}
	}

	if err != nil {
		return &StepError{Step: name, Err: err}
	}
	st.logger.Debug("step complete", "step", name, "seq", st.seq)
	return nil
}

type usedItem struct {
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	ChunkIndex int    `json:"chunk_index"`
	Label      string `json:"label"`
}

func (o *Orchestrator) localSearch(ctx context.Context, st *runState) (any, any, error) {
	q := retrieval.Query{
		WorkspaceID:   st.run.WorkspaceID,
		Text:          st.run.Query,
		CompanyID:     st.run.CompanyID,
		DocumentIDs:   st.run.SelectedDocumentIDs,
		LimitPerType:  o.defaults.LimitPerType,
		MaxTotalChars: o.defaults.MaxTotalChars,
	}
	pack, err := o.retriever.Retrieve(ctx, q)
	if err != nil {
		return q, nil, err
	}
	st.pack = pack

	used := make([]usedItem, 0, len(pack.Items))
	for _, it := range pack.Items {
		used = append(used, usedItem{Type: it.Type.String(), EntityID: it.EntityID, ChunkIndex: it.ChunkIndex, Label: it.Label})
	}
	return q, map[string]any{
		"item_count": len(pack.Items),
		"used":       used,
		"degraded":   pack.Log.Degraded,
		"truncated":  pack.Log.Truncated,
		"used_chars": pack.Log.UsedChars,
	}, nil
}

func (o *Orchestrator) promptBuild(ctx context.Context, st *runState) (any, any, error) {
	input := map[string]any{"query": st.run.Query, "company_id": st.run.CompanyID, "style": st.req.Style}

	var companyName string
	if st.run.CompanyID != "" {
		c, err := o.store.GetCompany(ctx, st.run.CompanyID)
		switch {
		case err == nil:
			companyName = c.Name
		case !errors.Is(err, storage.ErrNotFound):
			return input, nil, fmt.Errorf("loading company: %w", err)
		}
	}

	prompt, err := composer.Build(st.run.Query, companyName, st.pack, st.req.Style)
	if err != nil {
		return input, nil, err
	}
	st.prompt = prompt

	packJSON, err := json.Marshal(st.pack)
	if err != nil {
		return input, nil, fmt.Errorf("encoding context pack: %w", err)
	}
	written, err := o.store.SaveRunContext(ctx, storage.RunContext{
		RunID:       st.run.ID,
		ContextJSON: string(packJSON),
		PromptText:  prompt,
		CreatedAt:   o.now(),
	})
	if err != nil {
		return input, nil, fmt.Errorf("saving run context: %w", err)
	}
	return input, map[string]any{
		"prompt_chars":     utf8.RuneCountInString(prompt),
		"estimated_tokens": composer.EstimateTokens(prompt),
		"context_written":  written,
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, st *runState) (any, any, error) {
	settings, rawParams, err := o.resolveSettings(ctx, st.run)
	if err != nil {
		return nil, nil, err
	}
	input := map[string]any{"provider": settings.Provider, "model": settings.Model, "parameters": settings.Parameters}

	if err := o.store.SetRunModel(ctx, st.run.ID, settings.Provider, settings.Model, rawParams); err != nil {
		return input, nil, fmt.Errorf("recording model: %w", err)
	}
	st.run.ModelProvider = settings.Provider
	st.run.ModelName = settings.Model
	st.run.ModelParametersJSON = rawParams

	text, err := o.generator.Generate(ctx, st.prompt, composer.ContextText(st.pack), settings)
	if err != nil {
		return input, nil, err
	}

	a := storage.Artifact{
		ID:            uuid.NewString(),
		AgentRunID:    st.run.ID,
		Title:         title(st.run.Query),
		Content:       text,
		ContentFormat: "markdown",
		CreatedAt:     o.now(),
	}
	if err := o.store.SaveArtifact(ctx, a); err != nil {
		return input, nil, fmt.Errorf("saving artifact: %w", err)
	}
	st.artifact = &a
	return input, map[string]any{"artifact_id": a.ID, "output_chars": utf8.RuneCountInString(text)}, nil
}

func (o *Orchestrator) linkEvidence(ctx context.Context, st *runState) (any, any, error) {
	input := map[string]any{"artifact_id": st.artifact.ID, "known_labels": len(st.pack.Items)}

	res := citation.Resolve(st.artifact.Content, st.pack.Known())
	st.citationsDetected = res.CitationsDetected

	scores := make(map[citation.Key]float64)
	for _, it := range st.pack.Items {
		k := citation.Key{Kind: it.Type, ID: it.EntityID}
		if s, ok := scores[k]; !ok || it.Score > s {
			scores[k] = it.Score
		}
	}

	links := make([]storage.EvidenceLink, 0, len(res.Specs))
	for _, spec := range res.Specs {
		l := storage.EvidenceLink{
			ID:         uuid.NewString(),
			ArtifactID: st.artifact.ID,
			SnippetID:  spec.SnippetID,
			DocumentID: spec.DocumentID,
			SourceType: spec.SourceType,
			Locator:    spec.Locator,
			Quote:      spec.Quote,
			CreatedAt:  o.now(),
		}
		id := spec.DocumentID
		if spec.SnippetID != "" {
			id = spec.SnippetID
		}
		if s, ok := scores[citation.Key{Kind: spec.Kind, ID: id}]; ok {
			l.RelevanceScore = &s
		}
		links = append(links, l)
	}

	if len(links) > 0 {
		if err := o.store.SaveEvidenceLinks(ctx, links); err != nil {
			return input, nil, fmt.Errorf("saving evidence links: %w", err)
		}
	}
	st.links = links
	return input, map[string]any{"citations_detected": res.CitationsDetected, "link_count": len(links)}, nil
}

// resolveSettings picks provider, model and parameters from the agent, then
// workspace settings, then configured defaults, field by field.
func (o *Orchestrator) resolveSettings(ctx context.Context, run storage.AgentRun) (gateway.Settings, string, error) {
	var agent storage.Agent
	if run.AgentID != "" {
		a, err := o.store.GetAgent(ctx, run.AgentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return gateway.Settings{}, "", fmt.Errorf("loading agent: %w", err)
		}
		agent = a
	}
	ws, err := o.store.GetWorkspaceSettings(ctx, run.WorkspaceID)
	if err != nil {
		return gateway.Settings{}, "", fmt.Errorf("loading workspace settings: %w", err)
	}

	s := gateway.Settings{
		Provider: firstNonEmpty(agent.Provider, ws[SettingProvider], o.defaults.Provider),
		Model:    firstNonEmpty(agent.Model, ws[SettingModel], o.defaults.Model),
	}
	raw := firstNonEmpty(agent.ParametersJSON, ws[SettingParameters], o.defaults.Parameters)
	if s.Parameters, err = gateway.ParseParameters(raw); err != nil {
		return gateway.Settings{}, "", err
	}
	return s, raw, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func title(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(q) <= maxTitleRunes {
		return q
	}
	r := []rune(q)
	return string(r[:maxTitleRunes-1]) + "…"
}

func mustJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}
