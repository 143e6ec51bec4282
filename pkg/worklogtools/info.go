package worklogtools

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/worklog-mcp/worklog/pkg/project"
	"github.com/worklog-mcp/worklog/pkg/store"
)

// ProjectInfoTool handles the get_project_info MCP tool.
type ProjectInfoTool struct {
	proj   *project.Context
	logger *slog.Logger
}

// NewProjectInfoTool creates a ProjectInfoTool.
func NewProjectInfoTool(proj *project.Context, logger *slog.Logger) *ProjectInfoTool {
	return &ProjectInfoTool{proj: proj, logger: logger.With("tool", "get_project_info")}
}

// Definition returns the MCP tool definition for get_project_info.
func (t *ProjectInfoTool) Definition() mcp.Tool {
	return mcp.NewTool("get_project_info",
		mcp.WithDescription("Get information about the current project: name, data directory and database locations."),
	)
}

// Handle processes the get_project_info tool call.
func (t *ProjectInfoTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := map[string]string{
		"project_name":        t.proj.Name,
		"data_dir":            t.proj.Dir(),
		"database_path":       t.proj.DatabasePath(),
		"event_database_path": t.proj.EventDatabasePath(),
		"avatar_dir":          t.proj.AvatarDir(),
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode project info: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// TeamStatusTool handles the get_team_status MCP tool.
type TeamStatusTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewTeamStatusTool creates a TeamStatusTool.
func NewTeamStatusTool(s *store.Store, logger *slog.Logger) *TeamStatusTool {
	return &TeamStatusTool{store: s, logger: logger.With("tool", "get_team_status")}
}

// Definition returns the MCP tool definition for get_team_status.
func (t *TeamStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("get_team_status",
		mcp.WithDescription("Get the whole team's current status: each member with their latest post."),
	)
}

const previewLength = 100

type latestEntry struct {
	ID             string `json:"id"`
	ContentPreview string `json:"content_preview"`
	CreatedAt      string `json:"created_at"`
}

type memberStatus struct {
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`
	LastActive  string       `json:"last_active"`
	LatestEntry *latestEntry `json:"latest_entry"`
}

type teamStatus struct {
	TotalUsers int            `json:"total_users"`
	Members    []memberStatus `json:"members"`
}

// Handle processes the get_team_status tool call.
func (t *TeamStatusTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list users: %v", err)), nil
	}

	status := teamStatus{TotalUsers: len(users), Members: make([]memberStatus, 0, len(users))}
	for _, u := range users {
		member := memberStatus{
			UserID:     u.UserID,
			Name:       u.Name,
			LastActive: u.LastActive,
		}

		recent, err := t.store.Timeline(ctx, store.TimelineParams{UserID: u.UserID, Count: 1})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read %s's latest entry: %v", u.UserID, err)), nil
		}
		if len(recent) > 0 {
			member.LatestEntry = &latestEntry{
				ID:             recent[0].ID,
				ContentPreview: preview(recent[0].MarkdownContent),
				CreatedAt:      recent[0].CreatedAt,
			}
		}

		status.Members = append(status.Members, member)
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode team status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// preview truncates content to previewLength characters, counted in
// runes so multibyte text is not cut mid-character.
func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "..."
}
