package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/rundiff"
	"github.com/kalambet/grounded/internal/storage"
)

const recentRunsLimit = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store         *storage.Store
	Runner        Runner
	Searcher      Searcher
	Workspace     string
	LimitPerType  int
	MaxTotalChars int
	Logger        *slog.Logger
}

// NewMCPServer creates an MCP server exposing grounded runs as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := server.NewMCPServer(
		"grounded",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("grounded answers questions from workspace notes, documents, snippets and past artifacts, citing every claim."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Run a grounded query and return the cited answer."),
			mcp.WithString("query", mcp.Required(), mcp.Description("The question to answer")),
			mcp.WithString("workspace_id", mcp.Description("Workspace to search; defaults to the configured workspace")),
			mcp.WithString("company_id", mcp.Description("Restrict evidence to one company")),
		),
		mcpAsk(deps),
	)
	s.AddTool(
		mcp.NewTool("search_context",
			mcp.WithDescription("Return the evidence pack a run would see, without calling a model."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
			mcp.WithString("workspace_id", mcp.Description("Workspace to search")),
			mcp.WithNumber("limit_per_type", mcp.Description("Maximum items per evidence type")),
		),
		mcpSearchContext(deps),
	)
	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Fetch a run with its tool calls, artifact and evidence links."),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		),
		mcpGetRun(deps),
	)
	s.AddTool(
		mcp.NewTool("diff_runs",
			mcp.WithDescription("Compare the artifacts and evidence of two runs."),
			mcp.WithString("original_run_id", mcp.Required()),
			mcp.WithString("rerun_run_id", mcp.Required()),
		),
		mcpDiffRuns(deps),
	)

	s.AddResource(
		mcp.NewResource("runs://recent", "Recent runs",
			mcp.WithResourceDescription("The most recent runs in the default workspace"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func workspaceArg(req mcp.CallToolRequest, def string) string {
	if ws := req.GetString("workspace_id", ""); ws != "" {
		return ws
	}
	return def
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		res, err := deps.Runner.Run(ctx, agentrun.Request{
			WorkspaceID: workspaceArg(req, deps.Workspace),
			CompanyID:   req.GetString("company_id", ""),
			Query:       query,
		})
		if err != nil {
			deps.Logger.Error("mcp ask", "error", err)
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		if res.Failure != nil {
			return mcpError(fmt.Sprintf("run %s failed: %v", res.Run.ID, res.Failure)), nil
		}
		if res.Artifact == nil {
			return mcpError(fmt.Sprintf("run %s produced no artifact", res.Run.ID)), nil
		}
		return mcpText(res.Artifact.Content + "\n\n(run " + res.Run.ID + ")"), nil
	}
}

func mcpSearchContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit_per_type", deps.LimitPerType)
		pack, err := deps.Searcher.Retrieve(ctx, retrieval.Query{
			WorkspaceID:   workspaceArg(req, deps.Workspace),
			Text:          query,
			LimitPerType:  limit,
			MaxTotalChars: deps.MaxTotalChars,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(pack.Items) == 0 {
			return mcpText("No matching evidence."), nil
		}
		return mcpJSON(pack)
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		run, err := deps.Store.GetAgentRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("run not found: " + id), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading run: %v", err)), nil
		}
		calls, err := deps.Store.ListToolCalls(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("loading tool calls: %v", err)), nil
		}
		d := runDetail{Run: run, ToolCalls: calls, Links: []storage.EvidenceLink{}}
		if art, err := deps.Store.GetArtifactByRun(ctx, id); err == nil {
			d.Artifact = &art
			if links, err := deps.Store.ListEvidenceLinks(ctx, art.ID); err == nil && links != nil {
				d.Links = links
			}
		}
		return mcpJSON(d)
	}
}

func mcpDiffRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		orig, err := req.RequireString("original_run_id")
		if err != nil {
			return mcpError("original_run_id is required"), nil
		}
		rerun, err := req.RequireString("rerun_run_id")
		if err != nil {
			return mcpError("rerun_run_id is required"), nil
		}
		res, err := rundiff.CompareRuns(ctx, deps.Store, orig, rerun)
		if err != nil {
			return mcpError(fmt.Sprintf("comparing runs: %v", err)), nil
		}
		return mcpText(res.Text()), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListAgentRuns(ctx, deps.Workspace, recentRunsLimit)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		if runs == nil {
			runs = []storage.AgentRun{}
		}
		b, err := json.Marshal(runs)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
