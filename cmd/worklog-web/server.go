package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worklog-mcp/worklog/pkg/eventbus"
	"github.com/worklog-mcp/worklog/pkg/store"
	"github.com/worklog-mcp/worklog/pkg/worklogtools"
)

// Subscriber is one attached SSE connection. buf is drained by the
// connection's handler goroutine; a full buf means the client is not
// keeping up and further events for it are dropped, to be recovered by
// its next resync.
type Subscriber struct {
	buf              chan []byte
	id               int64
	deliveredCounter prometheus.Counter
	droppedCounter   prometheus.Counter
}

// Server hosts the SSE hub and the JSON management API.
type Server struct {
	store     *store.Store
	publisher worklogtools.Publisher
	avatarDir string
	keepalive time.Duration
	logger    *slog.Logger

	Subscribers map[int64]*Subscriber
	lk          sync.RWMutex
	nextSub     int64
}

// NewServer creates a Server over the given store and event publisher.
func NewServer(s *store.Store, publisher worklogtools.Publisher, avatarDir string, keepalive time.Duration, logger *slog.Logger) *Server {
	return &Server{
		store:       s,
		publisher:   publisher,
		avatarDir:   avatarDir,
		keepalive:   keepalive,
		logger:      logger.With("component", "web-server"),
		Subscribers: make(map[int64]*Subscriber),
	}
}

// Emit fans one bridged event out to every subscriber. The event is
// encoded once; sends never block, so one stalled connection cannot
// hold up delivery to the others.
func (s *Server) Emit(ctx context.Context, e eventbus.Event) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", e.Seq, err)
	}

	s.lk.RLock()
	defer s.lk.RUnlock()

	eventsEmitted.Inc()

	for _, sub := range s.Subscribers {
		select {
		case sub.buf <- buf:
			sub.deliveredCounter.Inc()
		default:
			sub.droppedCounter.Inc()
			s.logger.Warn("dropping event for slow subscriber", "subscriber", sub.id, "seq", e.Seq)
		}
	}
	return nil
}

// AddSubscriber registers a new SSE connection with the hub.
func (s *Server) AddSubscriber(remoteAddr string) *Subscriber {
	s.lk.Lock()
	defer s.lk.Unlock()

	sub := Subscriber{
		buf:              make(chan []byte, 100),
		id:               s.nextSub,
		deliveredCounter: eventsDelivered.WithLabelValues(remoteAddr),
		droppedCounter:   eventsDropped.WithLabelValues(remoteAddr),
	}

	s.Subscribers[s.nextSub] = &sub
	s.nextSub++

	subscribersConnected.Inc()
	s.logger.Info("adding subscriber", "remote_addr", remoteAddr, "id", sub.id)

	return &sub
}

// RemoveSubscriber detaches a connection from the hub.
func (s *Server) RemoveSubscriber(num int64) {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.logger.Info("removing subscriber", "id", num)
	subscribersConnected.Dec()
	delete(s.Subscribers, num)
}

func sseFrame(e eventbus.Event) ([]byte, error) {
	buf, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(append([]byte("data: "), buf...), '\n', '\n'), nil
}

// HandleEvents serves the live event stream. Each connection gets a
// synthetic connected event immediately, then bridged events as they
// arrive, with a ping frame on every keepalive interval so idle
// streams hold proxies open.
func (s *Server) HandleEvents(c echo.Context) error {
	ctx := c.Request().Context()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	sub := s.AddSubscriber(c.RealIP())
	defer s.RemoveSubscriber(sub.id)

	log := s.logger.With("source", "handle_events", "subscriber", sub.id)

	writeFrame := func(frame []byte) error {
		if _, err := resp.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	connected, err := eventbus.NewEvent(eventbus.EventConnected, eventbus.Connected{})
	if err != nil {
		return err
	}
	frame, err := sseFrame(connected)
	if err != nil {
		return err
	}
	if err := writeFrame(frame); err != nil {
		log.Info("subscriber gone before connected event", "error", err)
		return nil
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	pingEvent, _ := eventbus.NewEvent(eventbus.EventPing, eventbus.Ping{})
	pingFrame, _ := sseFrame(pingEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.buf:
			frame := append(append([]byte("data: "), msg...), '\n', '\n')
			if err := writeFrame(frame); err != nil {
				log.Info("failed to write to subscriber, disconnecting", "error", err)
				return nil
			}
			// Only idle connections get pings; any delivery counts as
			// traffic.
			ticker.Reset(s.keepalive)
		case <-ticker.C:
			if err := writeFrame(pingFrame); err != nil {
				log.Info("failed to ping subscriber, disconnecting", "error", err)
				return nil
			}
			keepalivesSent.Inc()
		}
	}
}

// publishEvent appends a notification for a management mutation. The
// mutation has already committed; a publish failure is logged and the
// request still succeeds.
func (s *Server) publishEvent(ctx context.Context, eventType string, payload any) {
	if _, err := s.publisher.Publish(ctx, eventType, payload); err != nil {
		s.logger.Error("failed to publish event, mutation stands", "event_type", eventType, "error", err)
	}
}

// webEntry is an entry joined with its author's display info for the
// bulk API.
type webEntry struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	UserName        string `json:"user_name"`
	UserAvatarPath  string `json:"user_avatar_path,omitempty"`
	MarkdownContent string `json:"markdown_content"`
	RelatedEntryID  string `json:"related_entry_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	IsReply         bool   `json:"is_reply"`
}

type entriesResponse struct {
	Entries    []webEntry `json:"entries"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalCount int        `json:"total_count"`
}

func (s *Server) joinEntries(ctx context.Context, entries []store.Entry) ([]webEntry, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}

	out := make([]webEntry, 0, len(entries))
	for _, e := range entries {
		we := webEntry{
			ID:              e.ID,
			UserID:          e.UserID,
			UserName:        e.UserID,
			MarkdownContent: e.MarkdownContent,
			RelatedEntryID:  e.RelatedEntryID,
			CreatedAt:       e.CreatedAt,
			UpdatedAt:       e.UpdatedAt,
			IsReply:         e.RelatedEntryID != "",
		}
		if u, ok := byID[e.UserID]; ok {
			we.UserName = u.Name
			we.UserAvatarPath = u.AvatarPath
		}
		out = append(out, we)
	}
	return out, nil
}

// HandleGetEntries serves the paginated bulk entry list, optionally
// filtered by author or a content search.
func (s *Server) HandleGetEntries(c echo.Context) error {
	ctx := c.Request().Context()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 {
		limit = 50
	}
	userID := c.QueryParam("user_id")
	search := c.QueryParam("search")

	var (
		entries []store.Entry
		err     error
	)
	if search != "" {
		entries, err = s.store.Search(ctx, search, userID)
	} else {
		entries, err = s.store.Timeline(ctx, store.TimelineParams{UserID: userID})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	total := len(entries)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	joined, err := s.joinEntries(ctx, entries[start:end])
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, entriesResponse{
		Entries:    joined,
		Page:       page,
		Limit:      limit,
		TotalCount: total,
	})
}

// HandleGetUsers serves the full user roster.
func (s *Server) HandleGetUsers(c echo.Context) error {
	users, err := s.store.ListUsers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if users == nil {
		users = []store.User{}
	}
	return c.JSON(http.StatusOK, users)
}

// HandleGetThread serves an entry and its replies.
func (s *Server) HandleGetThread(c echo.Context) error {
	ctx := c.Request().Context()

	thread, err := s.store.Thread(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if thread == nil {
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	}

	joined, err := s.joinEntries(ctx, thread)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": joined})
}

// HandleDeleteEntry removes one entry and announces the deletion.
func (s *Server) HandleDeleteEntry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	deleted, err := s.store.DeleteEntry(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	}

	s.publishEvent(ctx, eventbus.EventEntryDeleted, eventbus.EntryDeleted{ID: id})
	return c.JSON(http.StatusOK, map[string]any{"deleted": true, "id": id})
}

// HandleTruncate bulk-deletes entries. delete_option selects the scope:
// worklogs_only keeps users, full_reset wipes users and avatars too.
func (s *Server) HandleTruncate(c echo.Context) error {
	ctx := c.Request().Context()

	option := c.QueryParam("delete_option")
	if option == "" {
		var body struct {
			DeleteOption string `json:"delete_option"`
		}
		if err := c.Bind(&body); err == nil {
			option = body.DeleteOption
		}
	}

	var includeUsers bool
	switch option {
	case "worklogs_only":
	case "full_reset":
		includeUsers = true
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			"delete_option must be worklogs_only or full_reset")
	}

	result, err := s.store.Truncate(ctx, includeUsers, s.avatarDir)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	s.publishEvent(ctx, eventbus.EventEntriesTruncated, eventbus.EntriesTruncated{
		DeletedCount:   result.EntriesDeleted,
		UsersDeleted:   result.UsersDeleted,
		AvatarsDeleted: result.AvatarsDeleted,
		DeleteOption:   option,
	})
	return c.JSON(http.StatusOK, result)
}

// HandleUpdateAvatar records a regenerated avatar image for a user and
// announces the new path.
func (s *Server) HandleUpdateAvatar(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("id")

	var body struct {
		AvatarPath string `json:"avatar_path"`
	}
	if err := c.Bind(&body); err != nil || body.AvatarPath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "avatar_path is required")
	}

	if err := s.store.UpdateAvatarPath(ctx, userID, body.AvatarPath); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	s.publishEvent(ctx, eventbus.EventAvatarUpdated, eventbus.AvatarUpdated{
		UserID:     userID,
		AvatarPath: body.AvatarPath,
	})
	return c.JSON(http.StatusOK, map[string]any{"user_id": userID, "avatar_path": body.AvatarPath})
}

// HandleUpdateUser applies a field-level patch to a user's mutable
// attributes and announces the applied fields.
func (s *Server) HandleUpdateUser(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("id")

	var fields map[string]any
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}

	applied, err := s.store.UpdateUserFields(ctx, userID, fields)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.publishEvent(ctx, eventbus.EventUserUpdated, eventbus.UserUpdated{
		UserID:        userID,
		UpdatedFields: applied,
	})
	return c.JSON(http.StatusOK, map[string]any{"user_id": userID, "updated_fields": applied})
}
