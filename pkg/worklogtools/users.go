package worklogtools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
	"github.com/worklog-mcp/worklog/pkg/store"
)

// RegisterTool handles the register_user MCP tool.
type RegisterTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRegisterTool creates a RegisterTool.
func NewRegisterTool(s *store.Store, logger *slog.Logger) *RegisterTool {
	return &RegisterTool{store: s, logger: logger.With("tool", "register_user")}
}

// Definition returns the MCP tool definition for register_user.
func (t *RegisterTool) Definition() mcp.Tool {
	return mcp.NewTool("register_user",
		mcp.WithDescription("Register a new user in the worklog system. Required once before posting. "+
			"Sets the user ID, display name, theme color, role, personality and appearance."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID (letters, digits, hyphens and underscores only)"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name"),
		),
		mcp.WithString("theme_color",
			mcp.Description("Theme color: Red, Blue, Green, Yellow, Purple, Orange, Pink or Cyan (default Blue)"),
		),
		mcp.WithString("role",
			mcp.Description("Role in the team (default member)"),
		),
		mcp.WithString("personality",
			mcp.Description("Personality description, free-form"),
		),
		mcp.WithString("appearance",
			mcp.Description("Appearance description, free-form"),
		),
	)
}

// Handle processes the register_user tool call.
func (t *RegisterTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	u := store.User{
		UserID:      req.GetString("user_id", ""),
		Name:        req.GetString("name", ""),
		ThemeColor:  req.GetString("theme_color", "Blue"),
		Role:        req.GetString("role", "member"),
		Personality: req.GetString("personality", ""),
		Appearance:  req.GetString("appearance", ""),
	}

	if err := t.store.CreateUser(ctx, u); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register user: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Registered user %q (%s)\nTheme color: %s\nRole: %s",
		u.Name, u.UserID, u.ThemeColor, u.Role)), nil
}

// UpdateUserTool handles the update_user MCP tool.
type UpdateUserTool struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
}

// NewUpdateUserTool creates an UpdateUserTool.
func NewUpdateUserTool(s *store.Store, p Publisher, logger *slog.Logger) *UpdateUserTool {
	return &UpdateUserTool{store: s, publisher: p, logger: logger.With("tool", "update_user")}
}

// Definition returns the MCP tool definition for update_user.
func (t *UpdateUserTool) Definition() mcp.Tool {
	return mcp.NewTool("update_user",
		mcp.WithDescription("Update a user's mutable profile fields: name, theme_color, role, personality, appearance."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("The user to update"),
		),
		mcp.WithString("fields",
			mcp.Required(),
			mcp.Description(`JSON object of fields to change, e.g. {"personality": "calm and methodical"}`),
		),
	)
}

// Handle processes the update_user tool call.
func (t *UpdateUserTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	rawFields := req.GetString("fields", "")

	var fields map[string]any
	if err := json.Unmarshal([]byte(rawFields), &fields); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("'fields' must be a JSON object: %v", err)), nil
	}

	applied, err := t.store.UpdateUserFields(ctx, userID, fields)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update user: %v", err)), nil
	}

	publish(ctx, t.publisher, t.logger, eventbus.EventUserUpdated, eventbus.UserUpdated{
		UserID:        userID,
		UpdatedFields: applied,
	})

	names := make([]string, 0, len(applied))
	for k := range applied {
		names = append(names, k)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Updated user %q: %s", userID, strings.Join(names, ", "))), nil
}

// ListUsersTool handles the list_users MCP tool.
type ListUsersTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewListUsersTool creates a ListUsersTool.
func NewListUsersTool(s *store.Store, logger *slog.Logger) *ListUsersTool {
	return &ListUsersTool{store: s, logger: logger.With("tool", "list_users")}
}

// Definition returns the MCP tool definition for list_users.
func (t *ListUsersTool) Definition() mcp.Tool {
	return mcp.NewTool("list_users",
		mcp.WithDescription("List all registered users, most recently active first."),
	)
}

// Handle processes the list_users tool call.
func (t *ListUsersTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list users: %v", err)), nil
	}

	out, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode users: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// StatsTool handles the get_stats MCP tool.
type StatsTool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewStatsTool creates a StatsTool.
func NewStatsTool(s *store.Store, logger *slog.Logger) *StatsTool {
	return &StatsTool{store: s, logger: logger.With("tool", "get_stats")}
}

// Definition returns the MCP tool definition for get_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_stats",
		mcp.WithDescription("Get posting statistics for a user: totals, today's count, first and latest post."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("The user to report on"),
		),
	)
}

// Handle processes the get_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")

	stats, err := t.store.Stats(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read stats: %v", err)), nil
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
