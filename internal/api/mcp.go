package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// TableCounter reports global table sizes for the stats resource.
type TableCounter interface {
	TableCounts(ctx context.Context) (patterns, cacheEntries int, err error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service       Predictions
	Stats         TableCounter
	PatternsLimit int // defaults to 20
}

// NewMCPServer creates an MCP server with the prefetch tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.PatternsLimit <= 0 {
		deps.PatternsLimit = 20
	}

	s := server.NewMCPServer(
		"prefetchd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("prefetchd predicts which page a user opens next and keeps those predictions warm."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("predict_next_pages",
			mcp.WithDescription("Return the pages a user is most likely to open next from the given page, warming the cache on a miss."),
			mcp.WithNumber("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("current_page", mcp.Description("Page the user is on"), mcp.Required()),
		),
		mcpPredictNextPages(deps),
	)

	s.AddTool(
		mcp.NewTool("track_navigation",
			mcp.WithDescription("Record that a user moved from one page to another."),
			mcp.WithNumber("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("from_page", mcp.Description("Page the user left"), mcp.Required()),
			mcp.WithString("to_page", mcp.Description("Page the user opened"), mcp.Required()),
			mcp.WithNumber("time_on_page", mcp.Description("Seconds spent on from_page (default 0)")),
		),
		mcpTrackNavigation(deps),
	)

	s.AddTool(
		mcp.NewTool("accuracy_stats",
			mcp.WithDescription("Report how often a user's cached predictions matched the page they opened."),
			mcp.WithNumber("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpAccuracyStats(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_patterns",
			mcp.WithDescription("List a user's navigation transitions, most recent first."),
			mcp.WithNumber("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of patterns (default 20)")),
		),
		mcpRecentPatterns(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"prefetch://stats",
			"Prefetch Stats",
			mcp.WithResourceDescription("Row counts of the pattern store and prediction cache"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func requireUserID(req mcp.CallToolRequest) (int64, bool) {
	id := req.GetInt("user_id", 0)
	return int64(id), id > 0
}

func mcpPredictNextPages(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id must be a positive integer"), nil
		}
		page, err := req.RequireString("current_page")
		if err != nil || page == "" {
			return mcpError("current_page is required"), nil
		}

		return mcpJSON(deps.Service.GetOrWarm(ctx, userID, page))
	}
}

func mcpTrackNavigation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id must be a positive integer"), nil
		}
		from, err := req.RequireString("from_page")
		if err != nil || from == "" {
			return mcpError("from_page is required"), nil
		}
		to, err := req.RequireString("to_page")
		if err != nil || to == "" {
			return mcpError("to_page is required"), nil
		}
		seconds := req.GetInt("time_on_page", 0)
		if seconds < 0 {
			return mcpError("time_on_page must be >= 0"), nil
		}

		deps.Service.TrackNavigation(ctx, userID, from, to, seconds)
		return mcpText(fmt.Sprintf("Tracked %s -> %s for user %d", from, to, userID)), nil
	}
}

func mcpAccuracyStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id must be a positive integer"), nil
		}
		return mcpJSON(deps.Service.AccuracyStats(ctx, userID))
	}
}

func mcpRecentPatterns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, ok := requireUserID(req)
		if !ok {
			return mcpError("user_id must be a positive integer"), nil
		}
		limit := req.GetInt("limit", deps.PatternsLimit)
		if limit <= 0 || limit > deps.PatternsLimit {
			limit = deps.PatternsLimit
		}
		return mcpJSON(deps.Service.RecentPatterns(ctx, userID, limit))
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		patterns, entries, err := deps.Stats.TableCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}

		b, err := json.Marshal(map[string]int{
			"patterns":     patterns,
			"cacheEntries": entries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
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
