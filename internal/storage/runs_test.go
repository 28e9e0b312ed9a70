package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func createRun(t *testing.T, s *Store, id string) AgentRun {
	t.Helper()
	r := AgentRun{
		ID:                  id,
		WorkspaceID:         "ws",
		Query:               "what happened?",
		SelectedDocumentIDs: []string{"D1", "D2"},
		Trigger:             TriggerManual,
		StartedAt:           time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.CreateAgentRun(context.Background(), r); err != nil {
		t.Fatalf("CreateAgentRun: %v", err)
	}
	return r
}

func TestAgentRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	got, err := s.GetAgentRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if len(got.SelectedDocumentIDs) != 2 || got.SelectedDocumentIDs[1] != "D2" {
		t.Errorf("SelectedDocumentIDs = %v", got.SelectedDocumentIDs)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}

	if err := s.SetRunModel(ctx, "r1", "ollama", "llama3", `{"temperature":0.2}`); err != nil {
		t.Fatalf("SetRunModel: %v", err)
	}
	end := time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)
	if err := s.FinishAgentRun(ctx, "r1", RunStatusFailed, "provider exploded", end); err != nil {
		t.Fatalf("FinishAgentRun: %v", err)
	}

	got, err = s.GetAgentRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetAgentRun: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error != "provider exploded" {
		t.Errorf("run = %+v", got)
	}
	if got.ModelProvider != "ollama" || got.ModelName != "llama3" {
		t.Errorf("model = %s/%s", got.ModelProvider, got.ModelName)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(end) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, end)
	}

	if err := s.FinishAgentRun(ctx, "r1", RunStatusSuccess, "", end); !errors.Is(err, ErrRunNotRunning) {
		t.Errorf("second FinishAgentRun = %v, want ErrRunNotRunning", err)
	}
	if err := s.FinishAgentRun(ctx, "missing", RunStatusSuccess, "", end); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishAgentRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestListAgentRuns_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := AgentRun{ID: id, WorkspaceID: "ws", Query: "q", Trigger: TriggerManual, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateAgentRun(ctx, r); err != nil {
			t.Fatalf("CreateAgentRun: %v", err)
		}
	}

	runs, err := s.ListAgentRuns(ctx, "ws", 2)
	if err != nil {
		t.Fatalf("ListAgentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestToolCalls_ReadBackInSeqOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	// Inserted out of order on purpose; reads must follow seq.
	for _, tc := range []ToolCall{
		{ID: "t2", AgentRunID: "r1", Seq: 2, Name: "prompt_build", Status: "success", InputJSON: "{}", OutputJSON: "{}", CreatedAt: at},
		{ID: "t1", AgentRunID: "r1", Seq: 1, Name: "local_search", Status: "success", InputJSON: "{}", OutputJSON: "{}", CreatedAt: at},
	} {
		if err := s.InsertToolCall(ctx, tc); err != nil {
			t.Fatalf("InsertToolCall: %v", err)
		}
	}

	calls, err := s.ListToolCalls(ctx, "r1")
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(calls) != 2 || calls[0].Name != "local_search" || calls[1].Name != "prompt_build" {
		t.Errorf("calls = %+v", calls)
	}

	dup := ToolCall{ID: "t3", AgentRunID: "r1", Seq: 2, Name: "generate", Status: "success", InputJSON: "{}", OutputJSON: "{}", CreatedAt: at}
	if err := s.InsertToolCall(ctx, dup); err == nil {
		t.Error("expected unique violation for duplicate seq")
	}
}

func TestRunContext_WriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	first := RunContext{RunID: "r1", ContextJSON: `{"query":"q"}`, PromptText: "prompt one", CreatedAt: time.Now()}
	ok, err := s.SaveRunContext(ctx, first)
	if err != nil || !ok {
		t.Fatalf("SaveRunContext = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.SaveRunContext(ctx, RunContext{RunID: "r1", ContextJSON: "{}", PromptText: "prompt two", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("second SaveRunContext: %v", err)
	}
	if ok {
		t.Error("second SaveRunContext reported a write")
	}

	got, err := s.GetRunContext(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRunContext: %v", err)
	}
	if got.PromptText != "prompt one" {
		t.Errorf("PromptText = %q, want the first write", got.PromptText)
	}
}

func TestArtifact_SingleEdit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SaveArtifact(ctx, Artifact{ID: "a1", AgentRunID: "r1", Title: "Answer", Content: "draft", CreatedAt: created}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	a, err := s.GetArtifactByRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetArtifactByRun: %v", err)
	}
	if a.ContentFormat != "markdown" {
		t.Errorf("ContentFormat = %q, want markdown", a.ContentFormat)
	}

	edited := created.Add(time.Hour)
	if err := s.UpdateArtifactContent(ctx, "a1", "final", edited); err != nil {
		t.Fatalf("UpdateArtifactContent: %v", err)
	}
	if err := s.UpdateArtifactContent(ctx, "a1", "again", edited); !errors.Is(err, ErrArtifactAlreadyEdited) {
		t.Errorf("second edit = %v, want ErrArtifactAlreadyEdited", err)
	}
	if err := s.UpdateArtifactContent(ctx, "missing", "x", edited); !errors.Is(err, ErrNotFound) {
		t.Errorf("edit missing = %v, want ErrNotFound", err)
	}

	a, err = s.GetArtifact(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if a.Content != "final" || a.EditedAt == nil || !a.EditedAt.Equal(edited) {
		t.Errorf("artifact = %+v", a)
	}
}

func TestEvidenceLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SaveArtifact(ctx, Artifact{ID: "a1", AgentRunID: "r1", Title: "Answer", Content: "x", CreatedAt: now}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	score := 0.5
	links := []EvidenceLink{
		{ID: "l1", ArtifactID: "a1", DocumentID: "D1", SourceType: "document", Locator: "chunk:2", RelevanceScore: &score, CreatedAt: now},
		{ID: "l2", ArtifactID: "a1", SnippetID: "S1", SourceType: "snippet", Quote: "claim", CreatedAt: now},
	}
	if err := s.SaveEvidenceLinks(ctx, links); err != nil {
		t.Fatalf("SaveEvidenceLinks: %v", err)
	}

	got, err := s.ListEvidenceLinks(ctx, "a1")
	if err != nil {
		t.Fatalf("ListEvidenceLinks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d links, want 2", len(got))
	}
	if got[0].DocumentID != "D1" || got[0].Locator != "chunk:2" || got[0].RelevanceScore == nil || *got[0].RelevanceScore != 0.5 {
		t.Errorf("link[0] = %+v", got[0])
	}
	if got[1].SnippetID != "S1" || got[1].DocumentID != "" || got[1].Quote != "claim" {
		t.Errorf("link[1] = %+v", got[1])
	}
}

func TestEvidenceLinks_InsertionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SaveArtifact(ctx, Artifact{ID: "a1", AgentRunID: "r1", Title: "Answer", Content: "x", CreatedAt: now}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	ids := []string{"f9", "0a", "c3", "5e"}
	var links []EvidenceLink
	for i, id := range ids {
		links = append(links, EvidenceLink{ID: id, ArtifactID: "a1", DocumentID: "D" + string(rune('1'+i)), SourceType: "document", CreatedAt: now})
	}
	if err := s.SaveEvidenceLinks(ctx, links); err != nil {
		t.Fatalf("SaveEvidenceLinks: %v", err)
	}

	got, err := s.ListEvidenceLinks(ctx, "a1")
	if err != nil {
		t.Fatalf("ListEvidenceLinks: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d links", len(got))
	}
	for i, id := range ids {
		if got[i].ID != id {
			t.Errorf("link[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestEvidenceLinks_RejectInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")
	now := time.Now()
	if err := s.SaveArtifact(ctx, Artifact{ID: "a1", AgentRunID: "r1", Title: "Answer", Content: "x", CreatedAt: now}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	for name, l := range map[string]EvidenceLink{
		"neither": {ID: "x1", ArtifactID: "a1", SourceType: "document", CreatedAt: now},
		"both":    {ID: "x2", ArtifactID: "a1", SnippetID: "S1", DocumentID: "D1", SourceType: "snippet", CreatedAt: now},
	} {
		if err := s.SaveEvidenceLinks(ctx, []EvidenceLink{l}); !errors.Is(err, ErrInvalidEvidenceLink) {
			t.Errorf("%s: err = %v, want ErrInvalidEvidenceLink", name, err)
		}
	}

	got, err := s.ListEvidenceLinks(ctx, "a1")
	if err != nil {
		t.Fatalf("ListEvidenceLinks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("invalid links persisted: %+v", got)
	}
}

func TestAgentsAndWorkspaceSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetAgent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgent(missing) = %v, want ErrNotFound", err)
	}
	if err := s.SaveAgent(ctx, Agent{ID: "ag", WorkspaceID: "ws", Name: "Analyst", Provider: "openrouter", Model: "m1"}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	a, err := s.GetAgent(ctx, "ag")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Provider != "openrouter" || a.Model != "m1" {
		t.Errorf("agent = %+v", a)
	}

	if err := s.SetWorkspaceSetting(ctx, "ws", "llm.model", "a"); err != nil {
		t.Fatalf("SetWorkspaceSetting: %v", err)
	}
	if err := s.SetWorkspaceSetting(ctx, "ws", "llm.model", "b"); err != nil {
		t.Fatalf("SetWorkspaceSetting: %v", err)
	}
	settings, err := s.GetWorkspaceSettings(ctx, "ws")
	if err != nil {
		t.Fatalf("GetWorkspaceSettings: %v", err)
	}
	if settings["llm.model"] != "b" {
		t.Errorf("llm.model = %q, want b", settings["llm.model"])
	}
}
