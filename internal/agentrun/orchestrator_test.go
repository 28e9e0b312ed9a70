package agentrun

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kalambet/grounded/internal/citation"
	"github.com/kalambet/grounded/internal/composer"
	"github.com/kalambet/grounded/internal/gateway"
	"github.com/kalambet/grounded/internal/notify"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
)

type mockRetriever struct {
	retrieveFn func(ctx context.Context, q retrieval.Query) (retrieval.Pack, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Pack, error) {
	return m.retrieveFn(ctx, q)
}

type mockGenerator struct {
	generateFn func(ctx context.Context, prompt, contextText string, s gateway.Settings) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, prompt, contextText string, s gateway.Settings) (string, error) {
	return m.generateFn(ctx, prompt, contextText, s)
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPack() retrieval.Pack {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return retrieval.Pack{
		Query: "revenue",
		Items: []retrieval.Item{
			{Type: citation.KindSnippet, EntityID: "S1", Parent: "snippet:S1", Label: "[SNIP:S1]", SourceDescription: "Snippet", Text: "Revenue grew 20%.", Timestamp: at, Score: 3},
			{Type: citation.KindDocument, EntityID: "D1", Parent: "document:D1", ChunkIndex: 2, Label: "[DOC:D1|chunk:2]", SourceDescription: "Document Q1 report", Text: "Margins were flat.", Timestamp: at, Score: 2},
		},
	}
}

func staticRetriever(p retrieval.Pack) *mockRetriever {
	return &mockRetriever{retrieveFn: func(context.Context, retrieval.Query) (retrieval.Pack, error) { return p, nil }}
}

func staticGenerator(text string) *mockGenerator {
	return &mockGenerator{generateFn: func(context.Context, string, string, gateway.Settings) (string, error) { return text, nil }}
}

var testDefaults = Defaults{Provider: "ollama", Model: "llama3.1", LimitPerType: 8, MaxTotalChars: 12000}

func TestRun_Success(t *testing.T) {
	s := openStore(t)
	sink := &recordingSink{}
	answer := "Revenue grew strongly. [SNIP:S1]\nMargins held. [DOC:D1|chunk:2] [DOC:D9|chunk:0]"
	o := New(s, staticRetriever(testPack()), staticGenerator(answer), testDefaults, WithNotifier(sink))

	res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "How did revenue develop?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusSuccess || res.Failure != nil {
		t.Fatalf("status = %s, failure = %v", res.Run.Status, res.Failure)
	}
	if !res.CitationsDetected || len(res.Links) != 2 {
		t.Fatalf("links = %+v, detected = %v", res.Links, res.CitationsDetected)
	}

	ctx := context.Background()
	stored, err := s.GetAgentRun(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if stored.Status != storage.RunStatusSuccess || stored.FinishedAt == nil {
		t.Errorf("stored run = %+v", stored)
	}
	if stored.ModelProvider != "ollama" || stored.ModelName != "llama3.1" || stored.Trigger != storage.TriggerManual {
		t.Errorf("stored model/trigger = %s/%s/%s", stored.ModelProvider, stored.ModelName, stored.Trigger)
	}

	calls, err := s.ListToolCalls(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	wantSteps := []string{StepLocalSearch, StepPromptBuild, StepGenerate, StepLinkEvidence}
	if len(calls) != len(wantSteps) {
		t.Fatalf("tool calls = %d, want %d", len(calls), len(wantSteps))
	}
	for i, c := range calls {
		if c.Name != wantSteps[i] || c.Seq != i+1 || c.Status != storage.RunStatusSuccess {
			t.Errorf("call %d = %s seq %d status %s", i, c.Name, c.Seq, c.Status)
		}
	}
	if !strings.Contains(calls[0].OutputJSON, `"entity_id":"D1"`) || !strings.Contains(calls[0].OutputJSON, `"chunk_index":2`) {
		t.Errorf("local_search output = %s", calls[0].OutputJSON)
	}

	rc, err := s.GetRunContext(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("GetRunContext: %v", err)
	}
	if !strings.Contains(rc.PromptText, "[DOC:D1|chunk:2]") || !strings.Contains(rc.ContextJSON, `"citation_label":"[SNIP:S1]"`) {
		t.Errorf("run context = %+v", rc)
	}

	art, err := s.GetArtifactByRun(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("GetArtifactByRun: %v", err)
	}
	if art.Content != answer || art.ContentFormat != "markdown" {
		t.Errorf("artifact = %+v", art)
	}

	links, err := s.ListEvidenceLinks(ctx, art.ID)
	if err != nil {
		t.Fatalf("ListEvidenceLinks: %v", err)
	}
	var snip, doc int
	for _, l := range links {
		switch {
		case l.SnippetID == "S1":
			snip++
			if l.Quote != "Revenue grew strongly." {
				t.Errorf("snippet quote = %q", l.Quote)
			}
		case l.DocumentID == "D1" && l.Locator == "chunk:2" && l.SourceType == "document":
			doc++
			if l.RelevanceScore == nil || *l.RelevanceScore != 2 {
				t.Errorf("relevance = %v", l.RelevanceScore)
			}
		}
	}
	if snip != 1 || doc != 1 {
		t.Errorf("links = %+v", links)
	}

	if len(sink.events) != 1 || sink.events[0].Type != notify.RunCompleted || sink.events[0].Status != storage.RunStatusSuccess {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestRun_UncitableNoteDoesNotFailRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, n := range []storage.Note{
		{ID: "acme/call 1", WorkspaceID: "ws", Title: "Call", Body: "Acme revenue grew on the call", UpdatedAt: day},
		{ID: "N2", WorkspaceID: "ws", Title: "Board", Body: "Acme revenue was flat for the board", UpdatedAt: day},
	} {
		if err := s.SaveNote(ctx, n); err != nil {
			t.Fatalf("SaveNote: %v", err)
		}
	}

	var prompt string
	gen := &mockGenerator{generateFn: func(_ context.Context, p, _ string, _ gateway.Settings) (string, error) {
		prompt = p
		return "Revenue was flat. [NOTE:N2|chunk:0]", nil
	}}
	ret := retrieval.NewRetriever(retrieval.StoreSources(s), nil)
	o := New(s, ret, gen, testDefaults)

	res, err := o.Run(ctx, Request{WorkspaceID: "ws", Query: "acme revenue"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusSuccess {
		t.Fatalf("status = %s, failure = %v", res.Run.Status, res.Failure)
	}
	if !strings.Contains(prompt, "[NOTE:N2|chunk:0]") || strings.Contains(prompt, "acme/call 1") {
		t.Errorf("prompt = %q", prompt)
	}
	if len(res.Links) != 1 || res.Links[0].DocumentID != "N2" {
		t.Errorf("links = %+v", res.Links)
	}
}

func TestRun_NoCitations(t *testing.T) {
	s := openStore(t)
	o := New(s, staticRetriever(testPack()), staticGenerator("I could not find anything specific."), testDefaults)

	res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusSuccess || res.CitationsDetected || len(res.Links) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_ProviderFailure(t *testing.T) {
	s := openStore(t)
	sink := &recordingSink{}
	gen := &mockGenerator{generateFn: func(context.Context, string, string, gateway.Settings) (string, error) {
		return "", errors.New("model not loaded: llama3.1")
	}}
	o := New(s, staticRetriever(testPack()), gen, testDefaults, WithNotifier(sink))

	res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusFailed {
		t.Fatalf("status = %s", res.Run.Status)
	}
	if res.Failure == nil || res.Failure.Step != StepGenerate {
		t.Fatalf("failure = %v", res.Failure)
	}

	ctx := context.Background()
	stored, _ := s.GetAgentRun(ctx, res.Run.ID)
	if stored.Error != "model not loaded: llama3.1" {
		t.Errorf("error = %q, want provider message verbatim", stored.Error)
	}

	calls, _ := s.ListToolCalls(ctx, res.Run.ID)
	if len(calls) != 3 || calls[2].Status != storage.RunStatusFailed || !strings.Contains(calls[2].OutputJSON, "model not loaded") {
		t.Errorf("tool calls = %+v", calls)
	}
	if _, err := s.GetRunContext(ctx, res.Run.ID); err != nil {
		t.Errorf("run context should be retained: %v", err)
	}
	if _, err := s.GetArtifactByRun(ctx, res.Run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("artifact err = %v, want ErrNotFound", err)
	}
	if len(sink.events) != 1 || sink.events[0].Status != storage.RunStatusFailed {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestRun_MalformedPack(t *testing.T) {
	s := openStore(t)
	p := testPack()
	p.Items[0].Label = ""
	o := New(s, staticRetriever(p), staticGenerator("unused"), testDefaults)

	res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusFailed || res.Failure.Step != StepPromptBuild {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Failure, composer.ErrMalformedPack) {
		t.Errorf("failure = %v, want ErrMalformedPack", res.Failure)
	}
}

func TestRun_CancelledStillTerminal(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	gen := &mockGenerator{generateFn: func(ctx context.Context, _, _ string, _ gateway.Settings) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}}
	o := New(s, staticRetriever(testPack()), gen, testDefaults)

	res, err := o.Run(ctx, Request{WorkspaceID: "ws", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	stored, err := s.GetAgentRun(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if stored.Status != storage.RunStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if !errors.Is(res.Failure, context.Canceled) {
		t.Errorf("failure = %v", res.Failure)
	}
}

func TestRun_PanicEndsFailed(t *testing.T) {
	s := openStore(t)
	gen := &mockGenerator{generateFn: func(context.Context, string, string, gateway.Settings) (string, error) {
		panic("backend exploded")
	}}
	o := New(s, staticRetriever(testPack()), gen, testDefaults)

	res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Status != storage.RunStatusFailed || !strings.Contains(res.Run.Error, "backend exploded") {
		t.Errorf("run = %+v", res.Run)
	}
}

func TestRun_RejectsEmptyQuery(t *testing.T) {
	o := New(openStore(t), staticRetriever(testPack()), staticGenerator(""), testDefaults)
	if _, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestRun_PassesScopeToRetriever(t *testing.T) {
	s := openStore(t)
	var got retrieval.Query
	r := &mockRetriever{retrieveFn: func(_ context.Context, q retrieval.Query) (retrieval.Pack, error) {
		got = q
		return retrieval.Pack{}, nil
	}}
	o := New(s, r, staticGenerator("nothing"), testDefaults)

	_, err := o.Run(context.Background(), Request{WorkspaceID: "ws", CompanyID: "C1", Query: "q", DocumentIDs: []string{"D1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.WorkspaceID != "ws" || got.CompanyID != "C1" || len(got.DocumentIDs) != 1 || got.LimitPerType != 8 || got.MaxTotalChars != 12000 {
		t.Errorf("query = %+v", got)
	}
}

func TestResolveSettings_Precedence(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.SaveAgent(ctx, storage.Agent{ID: "ag1", WorkspaceID: "ws", Name: "analyst", Model: "gpt-4o"}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if err := s.SetWorkspaceSetting(ctx, "ws", SettingProvider, "openrouter"); err != nil {
		t.Fatalf("SetWorkspaceSetting: %v", err)
	}
	if err := s.SetWorkspaceSetting(ctx, "ws", SettingModel, "ignored-model"); err != nil {
		t.Fatalf("SetWorkspaceSetting: %v", err)
	}

	var got gateway.Settings
	gen := &mockGenerator{generateFn: func(_ context.Context, _, _ string, st gateway.Settings) (string, error) {
		got = st
		return "ok", nil
	}}
	defaults := testDefaults
	defaults.Parameters = `{"temperature":0.1}`
	o := New(s, staticRetriever(testPack()), gen, defaults)

	res, err := o.Run(ctx, Request{WorkspaceID: "ws", AgentID: "ag1", Query: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Provider != "openrouter" || got.Model != "gpt-4o" || got.Parameters["temperature"] != 0.1 {
		t.Errorf("settings = %+v", got)
	}
	stored, _ := s.GetAgentRun(ctx, res.Run.ID)
	if stored.ModelParametersJSON != `{"temperature":0.1}` {
		t.Errorf("parameters json = %q", stored.ModelParametersJSON)
	}
}

func TestRerun_RecordsLineage(t *testing.T) {
	s := openStore(t)
	o := New(s, staticRetriever(testPack()), staticGenerator("[SNIP:S1]"), testDefaults)
	ctx := context.Background()

	first, err := o.Run(ctx, Request{WorkspaceID: "ws", CompanyID: "C1", Query: "q", DocumentIDs: []string{"D1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := o.Rerun(ctx, first.Run.ID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if second.Run.ParentRunID != first.Run.ID || second.Run.Trigger != storage.TriggerRerun {
		t.Errorf("rerun = %+v", second.Run)
	}
	if second.Run.Query != "q" || second.Run.CompanyID != "C1" || len(second.Run.SelectedDocumentIDs) != 1 {
		t.Errorf("rerun scope = %+v", second.Run)
	}

	if _, err := o.Rerun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunAlwaysTerminalProperty(t *testing.T) {
	s := openStore(t)
	rapid.Check(t, func(t *rapid.T) {
		mode := rapid.IntRange(0, 3).Draw(t, "mode")
		retr := &mockRetriever{retrieveFn: func(context.Context, retrieval.Query) (retrieval.Pack, error) {
			if mode == 1 {
				panic("retriever panic")
			}
			return testPack(), nil
		}}
		gen := &mockGenerator{generateFn: func(context.Context, string, string, gateway.Settings) (string, error) {
			switch mode {
			case 2:
				return "", errors.New("provider down")
			case 3:
				panic("generator panic")
			}
			return rapid.String().Draw(t, "answer"), nil
		}}
		o := New(s, retr, gen, testDefaults)

		res, err := o.Run(context.Background(), Request{WorkspaceID: "ws", Query: "q"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		stored, err := s.GetAgentRun(context.Background(), res.Run.ID)
		if err != nil {
			t.Fatalf("GetAgentRun: %v", err)
		}
		if stored.Status != storage.RunStatusSuccess && stored.Status != storage.RunStatusFailed {
			t.Fatalf("status = %q, want terminal", stored.Status)
		}
		if (mode == 0) != (stored.Status == storage.RunStatusSuccess) {
			t.Fatalf("mode %d ended %s", mode, stored.Status)
		}
	})
}
