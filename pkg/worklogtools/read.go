package worklogtools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/worklog-mcp/worklog/pkg/store"
)

// ReadTimelineTool handles the read_timeline MCP tool.
type ReadTimelineTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewReadTimelineTool creates a ReadTimelineTool.
func NewReadTimelineTool(s *store.Store, logger *slog.Logger) *ReadTimelineTool {
	return &ReadTimelineTool{store: s, logger: logger.With("tool", "read_timeline")}
}

// Definition returns the MCP tool definition for read_timeline.
func (t *ReadTimelineTool) Definition() mcp.Tool {
	return mcp.NewTool("read_timeline",
		mcp.WithDescription("Read recent worklog entries, newest first. "+
			"All filters are optional."),
		mcp.WithString("user_id",
			mcp.Description("Only entries by this user"),
		),
		mcp.WithNumber("hours",
			mcp.Description("Only entries from the last N hours"),
		),
		mcp.WithNumber("count",
			mcp.Description("Maximum number of entries to return (default 20)"),
		),
	)
}

// Handle processes the read_timeline tool call.
func (t *ReadTimelineTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := store.TimelineParams{
		UserID: req.GetString("user_id", ""),
		Hours:  req.GetInt("hours", 0),
		Count:  req.GetInt("count", 20),
	}

	entries, err := t.store.Timeline(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read timeline: %v", err)), nil
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode entries: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// ThreadTool handles the read_worklog_thread MCP tool.
type ThreadTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewThreadTool creates a ThreadTool.
func NewThreadTool(s *store.Store, logger *slog.Logger) *ThreadTool {
	return &ThreadTool{store: s, logger: logger.With("tool", "read_worklog_thread")}
}

// Definition returns the MCP tool definition for read_worklog_thread.
func (t *ThreadTool) Definition() mcp.Tool {
	return mcp.NewTool("read_worklog_thread",
		mcp.WithDescription("Read an entry together with its replies and follow-ups, in conversation order."),
		mcp.WithString("entry_id",
			mcp.Required(),
			mcp.Description("The root entry of the thread"),
		),
	)
}

type threadEntry struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	MarkdownContent string `json:"markdown_content"`
	RelatedEntryID  string `json:"related_entry_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Handle processes the read_worklog_thread tool call.
func (t *ThreadTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID := req.GetString("entry_id", "")
	if entryID == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}

	thread, err := t.store.Thread(ctx, entryID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read thread: %v", err)), nil
	}
	if thread == nil {
		return mcp.NewToolResultError(fmt.Sprintf("entry %q not found", entryID)), nil
	}

	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve authors: %v", err)), nil
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.UserID] = u.Name
	}

	result := make([]threadEntry, 0, len(thread))
	for _, e := range thread {
		name, ok := names[e.UserID]
		if !ok {
			name = "Unknown"
		}
		result = append(result, threadEntry{
			ID:              e.ID,
			UserID:          e.UserID,
			UserName:        name,
			MarkdownContent: e.MarkdownContent,
			RelatedEntryID:  e.RelatedEntryID,
			CreatedAt:       e.CreatedAt,
			UpdatedAt:       e.UpdatedAt,
		})
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode thread: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// SearchTool handles the search_worklogs MCP tool.
type SearchTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(s *store.Store, logger *slog.Logger) *SearchTool {
	return &SearchTool{store: s, logger: logger.With("tool", "search_worklogs")}
}

// Definition returns the MCP tool definition for search_worklogs.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("search_worklogs",
		mcp.WithDescription("Search worklog entries by keyword, newest first."),
		mcp.WithString("keyword",
			mcp.Required(),
			mcp.Description("Substring to search entry content for"),
		),
		mcp.WithString("user_id",
			mcp.Description("Only entries by this user"),
		),
	)
}

// Handle processes the search_worklogs tool call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword := req.GetString("keyword", "")
	if keyword == "" {
		return mcp.NewToolResultError("keyword is required"), nil
	}

	entries, err := t.store.Search(ctx, keyword, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode entries: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
