// Package worklogtools implements the MCP tools of the worklog server:
// user registration, posting, and the read-side queries. Every tool
// that mutates the primary store publishes a matching event to the
// event bus after the mutation commits.
package worklogtools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
	"github.com/worklog-mcp/worklog/pkg/store"
)

// PostTool handles the post_worklog MCP tool.
type PostTool struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
}

// NewPostTool creates a PostTool.
func NewPostTool(s *store.Store, p Publisher, logger *slog.Logger) *PostTool {
	return &PostTool{store: s, publisher: p, logger: logger.With("tool", "post_worklog")}
}

// Definition returns the MCP tool definition for post_worklog.
func (t *PostTool) Definition() mcp.Tool {
	return mcp.NewTool("post_worklog",
		mcp.WithDescription("Post a worklog entry. Use Markdown to record what you are working on, progress, findings, and notes."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Your registered user ID"),
		),
		mcp.WithString("markdown_content",
			mcp.Required(),
			mcp.Description("The entry body in Markdown (max 10000 characters)"),
		),
	)
}

// Handle processes the post_worklog tool call.
func (t *PostTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	content := req.GetString("markdown_content", "")

	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("looking up user: %v", err)), nil
	}
	if user == nil {
		return mcp.NewToolResultError(fmt.Sprintf("user %q is not registered; call register_user first", userID)), nil
	}

	entry := store.Entry{UserID: userID, MarkdownContent: content}
	if err := t.store.CreateEntry(ctx, &entry); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to post entry: %v", err)), nil
	}

	publish(ctx, t.publisher, t.logger, eventbus.EventEntryCreated, eventbus.EntryCreated{
		ID:              entry.ID,
		UserID:          entry.UserID,
		UserName:        user.Name,
		MarkdownContent: entry.MarkdownContent,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
		IsReply:         false,
	})

	return mcp.NewToolResultText(fmt.Sprintf("Posted worklog entry (ID: %s)", entry.ID)), nil
}

// ReplyTool handles the reply_worklog MCP tool.
type ReplyTool struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
}

// NewReplyTool creates a ReplyTool.
func NewReplyTool(s *store.Store, p Publisher, logger *slog.Logger) *ReplyTool {
	return &ReplyTool{store: s, publisher: p, logger: logger.With("tool", "reply_worklog")}
}

// Definition returns the MCP tool definition for reply_worklog.
func (t *ReplyTool) Definition() mcp.Tool {
	return mcp.NewTool("reply_worklog",
		mcp.WithDescription("Reply to an existing worklog entry, or post a follow-up to it."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Your registered user ID"),
		),
		mcp.WithString("related_entry_id",
			mcp.Required(),
			mcp.Description("The ID of the entry being replied to"),
		),
		mcp.WithString("markdown_content",
			mcp.Required(),
			mcp.Description("The reply body in Markdown (max 10000 characters)"),
		),
	)
}

// Handle processes the reply_worklog tool call.
func (t *ReplyTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	relatedID := req.GetString("related_entry_id", "")
	content := req.GetString("markdown_content", "")

	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("looking up user: %v", err)), nil
	}
	if user == nil {
		return mcp.NewToolResultError(fmt.Sprintf("user %q is not registered; call register_user first", userID)), nil
	}

	parent, err := t.store.GetEntry(ctx, relatedID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("looking up entry: %v", err)), nil
	}
	if parent == nil {
		return mcp.NewToolResultError(fmt.Sprintf("entry %q not found", relatedID)), nil
	}

	entry := store.Entry{UserID: userID, MarkdownContent: content, RelatedEntryID: relatedID}
	if err := t.store.CreateEntry(ctx, &entry); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to post reply: %v", err)), nil
	}

	publish(ctx, t.publisher, t.logger, eventbus.EventEntryCreated, eventbus.EntryCreated{
		ID:              entry.ID,
		UserID:          entry.UserID,
		UserName:        user.Name,
		MarkdownContent: entry.MarkdownContent,
		RelatedEntryID:  entry.RelatedEntryID,
		CreatedAt:       entry.CreatedAt,
		UpdatedAt:       entry.UpdatedAt,
		IsReply:         true,
	})

	return mcp.NewToolResultText(fmt.Sprintf("Replied to %s (ID: %s)", relatedID, entry.ID)), nil
}
