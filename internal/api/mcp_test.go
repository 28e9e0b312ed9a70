package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
)

func newTestMCPDeps(t *testing.T, answer string) (MCPDeps, *storage.Store) {
	t.Helper()
	s := openStore(t)
	seedNote(t, s)
	return MCPDeps{
		Store:         s,
		Runner:        newOrchestrator(s, answer),
		Searcher:      retrieval.NewRetriever(retrieval.StoreSources(s), nil),
		Workspace:     "ws",
		LimitPerType:  8,
		MaxTotalChars: 12000,
	}, s
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "x")
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_Ask(t *testing.T) {
	deps, s := newTestMCPDeps(t, "Revenue grew [NOTE:N1|chunk:0].")
	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"query": "revenue",
	}))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result.IsError {
		t.Fatalf("ask error: %s", toolText(t, result))
	}
	text := toolText(t, result)
	if !strings.HasPrefix(text, "Revenue grew [NOTE:N1|chunk:0].") {
		t.Errorf("text = %q", text)
	}

	runs, _ := s.ListAgentRuns(context.Background(), "ws", 10)
	if len(runs) != 1 || !strings.Contains(text, runs[0].ID) {
		t.Errorf("runs = %+v, text = %q", runs, text)
	}
}

func TestMCPTool_Ask_MissingQuery(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "x")
	result, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCPTool_SearchContext(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "x")
	result, err := mcpSearchContext(deps)(context.Background(), makeCallToolRequest("search_context", map[string]interface{}{
		"query":          "revenue",
		"limit_per_type": float64(2),
	}))
	if err != nil || result.IsError {
		t.Fatalf("search_context: %v %+v", err, result)
	}
	var pack retrieval.Pack
	if err := json.Unmarshal([]byte(toolText(t, result)), &pack); err != nil {
		t.Fatalf("decoding pack: %v", err)
	}
	if len(pack.Items) != 1 || pack.Items[0].EntityID != "N1" {
		t.Errorf("items = %+v", pack.Items)
	}
}

func TestMCPTool_SearchContext_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "x")
	result, _ := mcpSearchContext(deps)(context.Background(), makeCallToolRequest("search_context", map[string]interface{}{
		"query": "zeppelin",
	}))
	if text := toolText(t, result); text != "No matching evidence." {
		t.Errorf("text = %q", text)
	}
}

func TestMCPTool_GetRun(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "Grew [NOTE:N1|chunk:0].")
	askRes, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"query": "revenue"}))
	text := toolText(t, askRes)
	runID := text[strings.LastIndex(text, "(run ")+5 : len(text)-1]

	result, _ := mcpGetRun(deps)(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{"run_id": runID}))
	if result.IsError {
		t.Fatalf("get_run error: %s", toolText(t, result))
	}
	var d runDetail
	if err := json.Unmarshal([]byte(toolText(t, result)), &d); err != nil {
		t.Fatalf("decoding run: %v", err)
	}
	if d.Run.ID != runID || len(d.ToolCalls) != 4 || len(d.Links) != 1 {
		t.Errorf("detail = %+v", d)
	}

	result, _ = mcpGetRun(deps)(context.Background(), makeCallToolRequest("get_run", map[string]interface{}{"run_id": "missing"}))
	if !result.IsError {
		t.Error("expected error for missing run")
	}
}

func TestMCPTool_DiffRuns_Missing(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "x")
	result, _ := mcpDiffRuns(deps)(context.Background(), makeCallToolRequest("diff_runs", map[string]interface{}{
		"original_run_id": "a",
		"rerun_run_id":    "b",
	}))
	if !result.IsError {
		t.Error("expected error for unknown runs")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "answer")
	mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"query": "revenue"}))

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("runs://recent"))
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("content type = %T", contents[0])
	}
	var runs []storage.AgentRun
	if err := json.Unmarshal([]byte(tc.Text), &runs); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Query != "revenue" {
		t.Errorf("runs = %+v", runs)
	}
}
