package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dejabot/deja/internal/knowledge"
	"github.com/dejabot/deja/internal/storage"
)

// MCPEmbedder generates embeddings for search queries.
type MCPEmbedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// MCPSearcher runs group-scoped similarity queries. Implemented by
// knowledge.Store.
type MCPSearcher interface {
	Query(ctx context.Context, groupID string, embedding []float32, k int) ([]knowledge.RetrievedCase, error)
}

// MCPDeps is everything the MCP surface needs from the daemon.
type MCPDeps struct {
	Store      *storage.Store
	Embedder   MCPEmbedder
	Search     MCPSearcher
	EmbedModel string
}

// NewMCPServer creates an MCP server exposing the mined knowledge to
// agents: semantic case search, case lookup, and buffer inspection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"deja",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("deja: resolved problems mined from group chats, searchable by meaning and scoped per group."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_cases",
			mcp.WithDescription("Semantically search a group's mined cases and return the closest matches."),
			mcp.WithString("group_id", mcp.Description("Group whose cases to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Natural-language search text"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("How many cases to return (default 5, max 50)")),
		),
		mcpSearchCases(deps),
	)

	s.AddTool(
		mcp.NewTool("get_case",
			mcp.WithDescription("Fetch one mined case by id, including summaries and evidence message ids."),
			mcp.WithString("id", mcp.Description("Case id"), mcp.Required()),
		),
		mcpGetCase(deps),
	)

	s.AddTool(
		mcp.NewTool("peek_buffer",
			mcp.WithDescription("Show the current conversation buffer of a group (the part not yet mined into cases)."),
			mcp.WithString("group_id", mcp.Description("Group whose buffer to read"), mcp.Required()),
		),
		mcpPeekBuffer(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"deja://stats",
			"Pipeline Stats",
			mcp.WithResourceDescription("Message, case, and job counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchCases(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		groupID, err := req.RequireString("group_id")
		if err != nil {
			return mcp.NewToolResultError("group_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		switch {
		case limit <= 0:
			limit = 5
		case limit > 50:
			limit = 50
		}

		embedding, err := deps.Embedder.Embed(ctx, deps.EmbedModel, query)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("embedding query: %v", err)), nil
		}
		hits, err := deps.Search.Query(ctx, groupID, embedding, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcp.NewToolResultText("[]"), nil
		}

		type caseResult struct {
			ID                string   `json:"id"`
			Title             string   `json:"title"`
			Status            string   `json:"status"`
			Distance          float64  `json:"distance"`
			ProblemSummary    string   `json:"problem_summary,omitempty"`
			ResolutionSummary string   `json:"resolution_summary,omitempty"`
			Tags              []string `json:"tags,omitempty"`
		}

		results := make([]caseResult, 0, len(hits))
		for _, hit := range hits {
			res := caseResult{
				ID:       hit.CaseID,
				Title:    hit.Title,
				Status:   hit.Status,
				Distance: hit.Distance,
			}
			if c, err := deps.Store.GetCase(hit.CaseID); err == nil {
				res.ProblemSummary = c.ProblemSummary
				res.ResolutionSummary = c.ResolutionSummary
				res.Tags = c.Tags
			}
			results = append(results, res)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("marshaling results: %v", err)), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}

func mcpGetCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError("id is required"), nil
		}

		c, err := deps.Store.GetCase(id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("case %s: %v", id, err)), nil
		}

		b, err := json.Marshal(c)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("marshaling case: %v", err)), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}

func mcpPeekBuffer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		groupID, err := req.RequireString("group_id")
		if err != nil {
			return mcp.NewToolResultError("group_id is required"), nil
		}

		buf, err := deps.Store.GetBuffer(groupID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading buffer: %v", err)), nil
		}
		if buf == "" {
			return mcp.NewToolResultText("(buffer is empty)"), nil
		}
		return mcp.NewToolResultText(buf), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		messages, err := deps.Store.CountMessages()
		if err != nil {
			return nil, fmt.Errorf("counting messages: %w", err)
		}
		cases, err := deps.Store.CountCases()
		if err != nil {
			return nil, fmt.Errorf("counting cases: %w", err)
		}
		jobs, err := deps.Store.CountJobs()
		if err != nil {
			return nil, fmt.Errorf("counting jobs: %w", err)
		}

		b, err := json.Marshal(map[string]any{
			"messages": messages,
			"cases":    cases,
			"jobs":     jobs,
		})
		if err != nil {
			return nil, fmt.Errorf("marshaling stats: %w", err)
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
