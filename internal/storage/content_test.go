package storage

import (
	"context"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func seedContent(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	for _, c := range []Company{
		{ID: "acme", WorkspaceID: "ws", Name: "Acme"},
		{ID: "globex", WorkspaceID: "ws", Name: "Globex"},
	} {
		if err := s.SaveCompany(ctx, c); err != nil {
			t.Fatalf("SaveCompany: %v", err)
		}
	}
	notes := []Note{
		{ID: "N1", WorkspaceID: "ws", CompanyID: "acme", Title: "Revenue", Body: "Acme revenue grew 20 percent", UpdatedAt: day("2024-02-01")},
		{ID: "N2", WorkspaceID: "ws", CompanyID: "globex", Title: "Revenue", Body: "Globex revenue fell", UpdatedAt: day("2024-02-02")},
		{ID: "N3", WorkspaceID: "other", Title: "Revenue", Body: "revenue elsewhere", UpdatedAt: day("2024-02-03")},
	}
	for _, n := range notes {
		if err := s.SaveNote(ctx, n); err != nil {
			t.Fatalf("SaveNote %s: %v", n.ID, err)
		}
	}
	if err := s.SaveDocument(ctx,
		Document{ID: "D1", WorkspaceID: "ws", CompanyID: "acme", Title: "Annual report", ImportedAt: day("2024-01-01")},
		[]DocumentChunk{
			{ChunkIndex: 0, Text: "Intro to the annual report", Locator: "p1"},
			{ChunkIndex: 1, Text: "Revenue details for the year", Locator: "p2"},
		}); err != nil {
		t.Fatalf("SaveDocument D1: %v", err)
	}
	if err := s.SaveDocument(ctx,
		Document{ID: "D2", WorkspaceID: "ws", CompanyID: "globex", Title: "Memo", ImportedAt: day("2024-03-01")},
		[]DocumentChunk{{ChunkIndex: 0, Text: "Revenue memo", Locator: "p1"}}); err != nil {
		t.Fatalf("SaveDocument D2: %v", err)
	}
	snippets := []Snippet{
		{ID: "S1", WorkspaceID: "ws", DocumentID: "D1", Text: "revenue grew", Locator: "p2", CreatedAt: day("2024-01-05")},
		{ID: "S2", WorkspaceID: "ws", CompanyID: "globex", Text: "revenue risk", CreatedAt: day("2024-01-06")},
	}
	for _, sn := range snippets {
		if err := s.SaveSnippet(ctx, sn); err != nil {
			t.Fatalf("SaveSnippet %s: %v", sn.ID, err)
		}
	}
}

func TestFTSQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  ?! ", ""},
		{"Revenue growth", `"revenue" OR "growth"`},
		{`acme's "revenue" revenue`, `"acme" OR "s" OR "revenue"`},
	}
	for _, tt := range tests {
		if got := ftsQuery(tt.in); got != tt.want {
			t.Errorf("ftsQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSearchNotes_WorkspaceAndCompanyScope(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)
	ctx := context.Background()

	hits, err := s.SearchNotes(ctx, SearchParams{WorkspaceID: "ws", Query: "revenue", Limit: 10})
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2 (other workspace excluded)", len(hits))
	}

	hits, err = s.SearchNotes(ctx, SearchParams{WorkspaceID: "ws", CompanyID: "acme", Query: "revenue", Limit: 10})
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "N1" {
		t.Fatalf("hits = %+v, want only N1", hits)
	}
	if hits[0].ParentID != "N1" {
		t.Errorf("ParentID = %q, want N1", hits[0].ParentID)
	}
	if !hits[0].Timestamp.Equal(day("2024-02-01")) {
		t.Errorf("Timestamp = %v", hits[0].Timestamp)
	}
	if hits[0].Rank <= 0 {
		t.Errorf("Rank = %v, want positive relevance", hits[0].Rank)
	}
}

func TestSearchNotes_EmptyQuery(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)

	hits, err := s.SearchNotes(context.Background(), SearchParams{WorkspaceID: "ws", Query: "   ", Limit: 10})
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits for empty query", len(hits))
	}
}

func TestSearchDocumentChunks_Filters(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)
	ctx := context.Background()

	hits, err := s.SearchDocumentChunks(ctx, SearchParams{WorkspaceID: "ws", Query: "revenue", Limit: 10})
	if err != nil {
		t.Fatalf("SearchDocumentChunks: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}

	hits, err = s.SearchDocumentChunks(ctx, SearchParams{WorkspaceID: "ws", Query: "revenue", DocumentIDs: []string{"D1"}, Limit: 10})
	if err != nil {
		t.Fatalf("SearchDocumentChunks: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	h := hits[0]
	if h.ID != "D1" || h.ChunkIndex != 1 || h.Locator != "p2" || h.Title != "Annual report" {
		t.Errorf("hit = %+v", h)
	}
}

func TestSearchSnippets_CompanyViaParentDocument(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)

	hits, err := s.SearchSnippets(context.Background(), SearchParams{WorkspaceID: "ws", CompanyID: "acme", Query: "revenue", Limit: 10})
	if err != nil {
		t.Fatalf("SearchSnippets: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "S1" {
		t.Fatalf("hits = %+v, want only S1", hits)
	}
	if hits[0].ParentID != "D1" {
		t.Errorf("ParentID = %q, want D1", hits[0].ParentID)
	}
}

func TestSearchSnippets_DocumentScope(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)
	ctx := context.Background()
	if err := s.SaveSnippet(ctx, Snippet{ID: "S3", WorkspaceID: "ws", DocumentID: "D2", Text: "revenue memo quote", CreatedAt: day("2024-03-02")}); err != nil {
		t.Fatalf("SaveSnippet: %v", err)
	}

	hits, err := s.SearchSnippets(ctx, SearchParams{WorkspaceID: "ws", Query: "revenue", DocumentIDs: []string{"D1"}, Limit: 10})
	if err != nil {
		t.Fatalf("SearchSnippets: %v", err)
	}
	got := make(map[string]bool)
	for _, h := range hits {
		got[h.ID] = true
	}
	if !got["S1"] || !got["S2"] || got["S3"] || len(hits) != 2 {
		t.Errorf("hits = %+v, want S1 and standalone S2 only", hits)
	}
}

func TestSnippetDocumentIDs(t *testing.T) {
	s := openTestStore(t)
	seedContent(t, s)

	got, err := s.SnippetDocumentIDs(context.Background(), []string{"S1", "S2", "missing"})
	if err != nil {
		t.Fatalf("SnippetDocumentIDs: %v", err)
	}
	if len(got) != 1 || got["S1"] != "D1" {
		t.Errorf("got %v, want map[S1:D1]", got)
	}
}

func TestSearchArtifacts_OnlySuccessfulRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := day("2024-04-01")

	for _, r := range []AgentRun{
		{ID: "r-ok", WorkspaceID: "ws", Query: "q", Trigger: TriggerManual, StartedAt: now},
		{ID: "r-bad", WorkspaceID: "ws", Query: "q", Trigger: TriggerManual, StartedAt: now},
	} {
		if err := s.CreateAgentRun(ctx, r); err != nil {
			t.Fatalf("CreateAgentRun: %v", err)
		}
	}
	if err := s.SaveArtifact(ctx, Artifact{ID: "A1", AgentRunID: "r-ok", Title: "Answer", Content: "revenue summary", CreatedAt: now}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if err := s.SaveArtifact(ctx, Artifact{ID: "A2", AgentRunID: "r-bad", Title: "Answer", Content: "revenue draft", CreatedAt: now}); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if err := s.FinishAgentRun(ctx, "r-ok", RunStatusSuccess, "", now); err != nil {
		t.Fatalf("FinishAgentRun: %v", err)
	}
	if err := s.FinishAgentRun(ctx, "r-bad", RunStatusFailed, "boom", now); err != nil {
		t.Fatalf("FinishAgentRun: %v", err)
	}

	hits, err := s.SearchArtifacts(ctx, SearchParams{WorkspaceID: "ws", Query: "revenue", Limit: 10})
	if err != nil {
		t.Fatalf("SearchArtifacts: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "A1" {
		t.Fatalf("hits = %+v, want only A1", hits)
	}
}
