// Package viewer implements a live worklog client: it mirrors the
// server's entry timeline and user roster in memory and keeps the
// mirror current from the server's event stream.
//
// The connection lifecycle is deliberately simple. On every connect the
// viewer performs a full bulk resync and only then attaches to the
// stream, so no reasoning about missed events is needed. Events are
// applied idempotently, which makes at-least-once delivery from the
// server harmless.
package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
)

// State is the viewer's connection state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Entry is one timeline item as served by the bulk API and the stream.
type Entry struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name,omitempty"`
	UserAvatarPath  string `json:"user_avatar_path,omitempty"`
	MarkdownContent string `json:"markdown_content"`
	RelatedEntryID  string `json:"related_entry_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	IsReply         bool   `json:"is_reply,omitempty"`
}

// User is one roster item.
type User struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	ThemeColor  string `json:"theme_color"`
	Role        string `json:"role"`
	Personality string `json:"personality"`
	Appearance  string `json:"appearance"`
	AvatarPath  string `json:"avatar_path,omitempty"`
	CreatedAt   string `json:"created_at"`
	LastActive  string `json:"last_active"`
}

type entriesResponse struct {
	Entries    []Entry `json:"entries"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalCount int     `json:"total_count"`
}

// Handler receives viewer notifications. Nil callbacks are skipped.
// Callbacks are invoked from the viewer's run goroutine and must not
// call back into the viewer's accessors while holding their own locks
// shared with other viewer callers.
type Handler struct {
	OnEntry       func(Entry)
	OnNotice      func(string)
	OnStateChange func(State)
}

// Config configures a Viewer. Zero values take the defaults.
type Config struct {
	// ServerAddr is the base URL of the worklog web server.
	ServerAddr string
	// MaxEntries bounds the in-memory timeline (default 100). The
	// oldest entry is evicted when a new one arrives at the bound.
	MaxEntries int
	// ReconnectDelay is the fixed wait between connection attempts
	// (default 5s). Retries never give up.
	ReconnectDelay time.Duration
	// SearchFilter, when set, restricts the bulk resync to matching
	// entries and suppresses live entry insertion so the filtered view
	// stays stable.
	SearchFilter string

	Logger *slog.Logger
}

// DefaultConfig returns a Config with the standard defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:     "http://localhost:8000",
		MaxEntries:     100,
		ReconnectDelay: 5 * time.Second,
		Logger:         slog.Default(),
	}
}

// Viewer mirrors a worklog server's state over its SSE stream.
type Viewer struct {
	config  *Config
	client  *http.Client
	handler Handler
	logger  *slog.Logger

	lk      sync.RWMutex
	state   State
	entries []Entry
	users   map[string]User
}

// New creates a Viewer. The handler's callbacks fire from Run's
// goroutine.
func New(config *Config, handler Handler) (*Viewer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if _, err := url.Parse(config.ServerAddr); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", config.ServerAddr, err)
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 100
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Viewer{
		config:  config,
		client:  &http.Client{},
		handler: handler,
		logger:  logger.With("component", "viewer"),
		state:   StateDisconnected,
		users:   make(map[string]User),
	}, nil
}

// State returns the current connection state.
func (v *Viewer) State() State {
	v.lk.RLock()
	defer v.lk.RUnlock()
	return v.state
}

// Entries returns a copy of the mirrored timeline, newest first.
func (v *Viewer) Entries() []Entry {
	v.lk.RLock()
	defer v.lk.RUnlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Users returns a copy of the mirrored user roster.
func (v *Viewer) Users() map[string]User {
	v.lk.RLock()
	defer v.lk.RUnlock()
	out := make(map[string]User, len(v.users))
	for k, u := range v.users {
		out[k] = u
	}
	return out
}

func (v *Viewer) setState(s State) {
	v.lk.Lock()
	changed := v.state != s
	v.state = s
	v.lk.Unlock()
	if changed && v.handler.OnStateChange != nil {
		v.handler.OnStateChange(s)
	}
}

func (v *Viewer) notice(format string, args ...any) {
	if v.handler.OnNotice != nil {
		v.handler.OnNotice(fmt.Sprintf(format, args...))
	}
}

// Run connects to the server and keeps the mirror current until ctx is
// canceled. Every connection attempt starts with a full resync; any
// stream failure drops to disconnected and retries after the fixed
// reconnect delay, forever.
func (v *Viewer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		v.setState(StateConnecting)
		err := v.connectOnce(ctx)
		v.setState(StateDisconnected)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			v.logger.Warn("connection lost, will retry",
				"error", err, "retry_in", v.config.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.config.ReconnectDelay):
		}
	}
}

// connectOnce performs one resync+stream cycle and returns when the
// stream breaks.
func (v *Viewer) connectOnce(ctx context.Context) error {
	if err := v.resync(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.ServerAddr+"/events", nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	v.setState(StateConnected)

	frames := newFrameReader(resp.Body)
	for {
		payload, err := frames.Next()
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		var event eventbus.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			v.logger.Warn("skipping malformed event", "error", err)
			continue
		}
		v.Apply(event)
	}
}

// resync replaces the local mirror with the server's current state.
func (v *Viewer) resync(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(v.config.MaxEntries))
	if v.config.SearchFilter != "" {
		q.Set("search", v.config.SearchFilter)
	}

	var entriesResp entriesResponse
	if err := v.getJSON(ctx, "/api/entries?"+q.Encode(), &entriesResp); err != nil {
		return fmt.Errorf("fetching entries: %w", err)
	}

	var users []User
	if err := v.getJSON(ctx, "/api/users", &users); err != nil {
		return fmt.Errorf("fetching users: %w", err)
	}

	v.lk.Lock()
	v.entries = entriesResp.Entries
	v.users = make(map[string]User, len(users))
	for _, u := range users {
		v.users[u.UserID] = u
	}
	v.lk.Unlock()

	v.logger.Info("resynced from server",
		"entries", len(entriesResp.Entries), "users", len(users))
	return nil
}

func (v *Viewer) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.ServerAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Apply folds one event into the local mirror. Events are applied
// idempotently: duplicates and deletions of unknown entries are no-ops,
// and unrecognized event types are ignored without error.
func (v *Viewer) Apply(event eventbus.Event) {
	payload, err := eventbus.DecodePayload(event)
	if err != nil {
		v.logger.Warn("skipping undecodable event", "event_type", event.Type, "error", err)
		return
	}

	switch p := payload.(type) {
	case eventbus.EntryCreated:
		v.applyEntryCreated(p)
	case eventbus.EntryDeleted:
		v.applyEntryDeleted(p)
	case eventbus.EntriesTruncated:
		v.applyEntriesTruncated(p)
	case eventbus.AvatarUpdated:
		v.applyAvatarUpdated(p)
	case eventbus.UserUpdated:
		v.applyUserUpdated(p)
	case eventbus.Connected:
		v.notice("live stream established")
	case eventbus.Ping:
	case eventbus.Unknown:
		v.logger.Debug("ignoring unknown event type", "event_type", p.Type)
	}
}

func (v *Viewer) applyEntryCreated(p eventbus.EntryCreated) {
	if v.config.SearchFilter != "" {
		// A filtered view stays as fetched; new entries appear on the
		// next resync rather than bypassing the filter.
		return
	}

	v.lk.Lock()
	for _, e := range v.entries {
		if e.ID == p.ID {
			v.lk.Unlock()
			return
		}
	}
	entry := Entry{
		ID:              p.ID,
		UserID:          p.UserID,
		UserName:        p.UserName,
		MarkdownContent: p.MarkdownContent,
		RelatedEntryID:  p.RelatedEntryID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		IsReply:         p.IsReply,
	}
	if u, ok := v.users[p.UserID]; ok {
		entry.UserAvatarPath = u.AvatarPath
	}
	v.entries = append([]Entry{entry}, v.entries...)
	if len(v.entries) > v.config.MaxEntries {
		v.entries = v.entries[:v.config.MaxEntries]
	}
	v.lk.Unlock()

	if v.handler.OnEntry != nil {
		v.handler.OnEntry(entry)
	}
}

func (v *Viewer) applyEntryDeleted(p eventbus.EntryDeleted) {
	v.lk.Lock()
	defer v.lk.Unlock()
	for i, e := range v.entries {
		if e.ID == p.ID {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return
		}
	}
}

func (v *Viewer) applyEntriesTruncated(p eventbus.EntriesTruncated) {
	v.lk.Lock()
	v.entries = nil
	if p.UsersDeleted > 0 {
		v.users = make(map[string]User)
	}
	v.lk.Unlock()

	if p.UsersDeleted > 0 {
		v.notice("all worklogs cleared: %d entries, %d users, %d avatars removed",
			p.DeletedCount, p.UsersDeleted, p.AvatarsDeleted)
	} else {
		v.notice("worklogs cleared: %d entries removed", p.DeletedCount)
	}
}

func (v *Viewer) applyAvatarUpdated(p eventbus.AvatarUpdated) {
	v.lk.Lock()
	defer v.lk.Unlock()
	u, ok := v.users[p.UserID]
	if !ok {
		return
	}
	u.AvatarPath = p.AvatarPath
	v.users[p.UserID] = u
	for i := range v.entries {
		if v.entries[i].UserID == p.UserID {
			v.entries[i].UserAvatarPath = p.AvatarPath
		}
	}
}

func (v *Viewer) applyUserUpdated(p eventbus.UserUpdated) {
	v.lk.Lock()
	defer v.lk.Unlock()
	u, ok := v.users[p.UserID]
	if !ok {
		return
	}
	for field, value := range p.UpdatedFields {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch field {
		case "name":
			u.Name = s
		case "theme_color":
			u.ThemeColor = s
		case "role":
			u.Role = s
		case "personality":
			u.Personality = s
		case "appearance":
			u.Appearance = s
		}
	}
	v.users[p.UserID] = u
	if name, ok := p.UpdatedFields["name"].(string); ok {
		for i := range v.entries {
			if v.entries[i].UserID == p.UserID {
				v.entries[i].UserName = name
			}
		}
	}
}
