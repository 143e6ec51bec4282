package viewer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestViewer(t *testing.T, config *Config, handler Handler) *Viewer {
	t.Helper()
	if config == nil {
		config = &Config{ServerAddr: "http://localhost:0"}
	}
	config.Logger = testLogger()
	v, err := New(config, handler)
	if err != nil {
		t.Fatalf("failed to create viewer: %v", err)
	}
	return v
}

func mustEvent(t *testing.T, eventType string, payload any) eventbus.Event {
	t.Helper()
	e, err := eventbus.NewEvent(eventType, payload)
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return e
}

func entryCreated(id, userID, content string) eventbus.EntryCreated {
	return eventbus.EntryCreated{
		ID:              id,
		UserID:          userID,
		UserName:        userID,
		MarkdownContent: content,
		CreatedAt:       "2026-08-30T10:00:00.000000Z",
		UpdatedAt:       "2026-08-30T10:00:00.000000Z",
	}
}

func TestApplyEntryCreatedIsIdempotent(t *testing.T) {
	v := newTestViewer(t, nil, Handler{})

	e := mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "first"))
	v.Apply(e)
	v.Apply(e)
	v.Apply(e)

	if got := len(v.Entries()); got != 1 {
		t.Errorf("duplicate delivery must not duplicate entries, got %d", got)
	}
}

func TestApplyEntryDeletedUnknownIsNoop(t *testing.T) {
	v := newTestViewer(t, nil, Handler{})
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "keep me")))

	v.Apply(mustEvent(t, eventbus.EventEntryDeleted, eventbus.EntryDeleted{ID: "never-seen"}))

	entries := v.Entries()
	if len(entries) != 1 || entries[0].ID != "e1" {
		t.Errorf("deleting an unknown entry must not disturb the list: %+v", entries)
	}

	v.Apply(mustEvent(t, eventbus.EventEntryDeleted, eventbus.EntryDeleted{ID: "e1"}))
	if got := len(v.Entries()); got != 0 {
		t.Errorf("expected entry removed, got %d entries", got)
	}
}

func TestApplyBoundsEntryList(t *testing.T) {
	v := newTestViewer(t, &Config{ServerAddr: "http://localhost:0", MaxEntries: 5}, Handler{})

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("e%d", i)
		v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated(id, "ada", id)))
	}

	entries := v.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected list bounded to 5, got %d", len(entries))
	}
	if entries[0].ID != "e7" {
		t.Errorf("newest entry should be first, got %s", entries[0].ID)
	}
	if entries[4].ID != "e3" {
		t.Errorf("oldest surviving entry should be e3, got %s", entries[4].ID)
	}
}

func TestApplyEntriesTruncated(t *testing.T) {
	var notices []string
	v := newTestViewer(t, nil, Handler{OnNotice: func(s string) { notices = append(notices, s) }})
	v.lk.Lock()
	v.users["ada"] = User{UserID: "ada", Name: "Ada"}
	v.lk.Unlock()
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "gone soon")))
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e2", "ada", "also gone")))

	v.Apply(mustEvent(t, eventbus.EventEntriesTruncated, eventbus.EntriesTruncated{
		DeletedCount: 2, DeleteOption: "worklogs_only",
	}))

	if got := len(v.Entries()); got != 0 {
		t.Errorf("truncate must clear entries, got %d", got)
	}
	if got := len(v.Users()); got != 1 {
		t.Errorf("worklogs_only truncate must keep users, got %d", got)
	}
	if len(notices) != 1 {
		t.Fatalf("expected one notice, got %v", notices)
	}
	// The notice reflects the reported counts, and an entries-only
	// truncate says nothing about users.
	if !strings.Contains(notices[0], "2 entries") {
		t.Errorf("notice does not report the deleted count: %q", notices[0])
	}
	if strings.Contains(notices[0], "user") {
		t.Errorf("worklogs_only notice must not mention users: %q", notices[0])
	}

	v.Apply(mustEvent(t, eventbus.EventEntriesTruncated, eventbus.EntriesTruncated{
		DeletedCount: 0, UsersDeleted: 1, AvatarsDeleted: 1, DeleteOption: "full_reset",
	}))
	if got := len(v.Users()); got != 0 {
		t.Errorf("full reset must clear users, got %d", got)
	}
	if len(notices) != 2 {
		t.Fatalf("expected a second notice, got %v", notices)
	}
	if !strings.Contains(notices[1], "1 users") || !strings.Contains(notices[1], "1 avatars") {
		t.Errorf("full reset notice does not report user and avatar counts: %q", notices[1])
	}
}

func TestApplyUnknownEventIsIgnored(t *testing.T) {
	v := newTestViewer(t, nil, Handler{})
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "hello")))

	v.Apply(eventbus.Event{Type: "entry_pinned", Data: []byte(`{"id":"e1"}`)})

	if got := len(v.Entries()); got != 1 {
		t.Errorf("unknown event types must not disturb state, got %d entries", got)
	}
}

func TestApplyUserUpdatedPatchesRoster(t *testing.T) {
	v := newTestViewer(t, nil, Handler{})
	v.lk.Lock()
	v.users["ada"] = User{UserID: "ada", Name: "Ada", Role: "member"}
	v.lk.Unlock()
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "hello")))

	v.Apply(mustEvent(t, eventbus.EventUserUpdated, eventbus.UserUpdated{
		UserID:        "ada",
		UpdatedFields: map[string]any{"name": "Ada L.", "role": "lead"},
	}))

	u := v.Users()["ada"]
	if u.Name != "Ada L." || u.Role != "lead" {
		t.Errorf("user patch not applied: %+v", u)
	}
	if got := v.Entries()[0].UserName; got != "Ada L." {
		t.Errorf("entry author name should follow the rename, got %q", got)
	}

	// Patches for unknown users are dropped.
	v.Apply(mustEvent(t, eventbus.EventUserUpdated, eventbus.UserUpdated{
		UserID: "ghost", UpdatedFields: map[string]any{"name": "Ghost"},
	}))
	if _, ok := v.Users()["ghost"]; ok {
		t.Error("patching an unknown user must not create one")
	}
}

func TestApplyAvatarUpdated(t *testing.T) {
	v := newTestViewer(t, nil, Handler{})
	v.lk.Lock()
	v.users["ada"] = User{UserID: "ada", Name: "Ada"}
	v.lk.Unlock()
	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "hello")))

	v.Apply(mustEvent(t, eventbus.EventAvatarUpdated, eventbus.AvatarUpdated{
		UserID: "ada", AvatarPath: "/avatars/ada.png",
	}))

	if got := v.Users()["ada"].AvatarPath; got != "/avatars/ada.png" {
		t.Errorf("avatar path not patched: %q", got)
	}
	if got := v.Entries()[0].UserAvatarPath; got != "/avatars/ada.png" {
		t.Errorf("entry avatar not patched: %q", got)
	}
}

func TestSearchFilterSuppressesLiveInserts(t *testing.T) {
	v := newTestViewer(t, &Config{ServerAddr: "http://localhost:0", SearchFilter: "deploy"}, Handler{})

	v.Apply(mustEvent(t, eventbus.EventEntryCreated, entryCreated("e1", "ada", "a deploy note")))

	if got := len(v.Entries()); got != 0 {
		t.Errorf("live inserts must be suppressed under an active search filter, got %d", got)
	}
}

// worklogServer is a minimal httptest stand-in for worklog-web: bulk
// endpoints plus an SSE stream that emits a scripted set of frames and
// then hangs up.
type worklogServer struct {
	entries  []Entry
	users    []User
	frames   []eventbus.Event
	connects atomic.Int64
}

func (ws *worklogServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/entries", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entriesResponse{
			Entries: ws.entries, Page: 1, Limit: 100, TotalCount: len(ws.entries),
		})
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ws.users)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		ws.connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		connected, _ := eventbus.NewEvent(eventbus.EventConnected, eventbus.Connected{})
		for _, e := range append([]eventbus.Event{connected}, ws.frames...) {
			buf, _ := json.Marshal(e)
			fmt.Fprintf(w, "data: %s\n\n", buf)
			flusher.Flush()
		}
	})
	return mux
}

func TestRunResyncsOnEveryConnect(t *testing.T) {
	ws := &worklogServer{
		entries: []Entry{{ID: "seed", UserID: "ada", UserName: "Ada", MarkdownContent: "from bulk load"}},
		users:   []User{{UserID: "ada", Name: "Ada"}},
		frames: []eventbus.Event{
			mustEvent(t, eventbus.EventEntryCreated, entryCreated("live", "ada", "from the stream")),
		},
	}
	srv := httptest.NewServer(ws.handler())
	defer srv.Close()

	connected := make(chan State, 16)
	v := newTestViewer(t, &Config{
		ServerAddr:     srv.URL,
		ReconnectDelay: 10 * time.Millisecond,
	}, Handler{OnStateChange: func(s State) {
		if s == StateConnected {
			connected <- s
		}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	// Wait for two full connect cycles: the stream ends after its
	// scripted frames, so the viewer must reconnect and resync again.
	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for connection")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	if got := ws.connects.Load(); got < 2 {
		t.Errorf("expected at least 2 stream connections, got %d", got)
	}

	entries := v.Entries()
	ids := make(map[string]bool, len(entries))
	for _, e := range entries {
		ids[e.ID] = true
	}
	if !ids["seed"] {
		t.Error("bulk-loaded entry missing after resync")
	}
	if !ids["live"] && len(entries) == 1 {
		// The live entry may have arrived before the final resync
		// replaced the list; either state is consistent, but the seed
		// entry must always be present after a resync.
		t.Logf("live entry not retained after final resync: %v", ids)
	}
	if len(entries) > 2 {
		t.Errorf("duplicate deliveries across reconnects must not accumulate: %d entries", len(entries))
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	// No server listening: the viewer stays in its retry loop until
	// canceled.
	v := newTestViewer(t, &Config{
		ServerAddr:     "http://127.0.0.1:1",
		ReconnectDelay: 10 * time.Millisecond,
	}, Handler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if v.State() != StateDisconnected {
		t.Errorf("expected disconnected state after shutdown, got %v", v.State())
	}
}
