// Package eventbus implements the durable event queue connecting the
// MCP write-path process to the web viewer process.
//
// The bus is an append-only SQLite table in its own database file. The
// writer appends typed events; readers scan forward from a sequence
// cursor. There is no cross-process coordination beyond what SQLite
// provides for a single writer and concurrent readers.
package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/worklog-mcp/worklog/pkg/monotonic"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Bus is a durable, sequenced event queue backed by a SQLite file.
type Bus struct {
	db     *sql.DB
	clock  *monotonic.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the event database at path.
func Open(path string, logger *slog.Logger) (*Bus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event db directory: %w", err)
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening event db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	b := &Bus{
		db:     db,
		clock:  monotonic.NewClock(),
		logger: logger.With("component", "eventbus"),
	}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("event db migration: %w", err)
	}
	return b, nil
}

func (b *Bus) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT    NOT NULL,
			payload    TEXT    NOT NULL,
			time_us    INTEGER NOT NULL,
			created_at TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_time_us ON events(time_us);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Publish durably appends an event and returns its assigned sequence
// number. The sequence is strictly greater than every previously
// assigned one; AUTOINCREMENT guarantees it is never reused even after
// pruning.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) (int64, error) {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		return 0, err
	}

	res, err := b.db.ExecContext(ctx,
		"INSERT INTO events (event_type, payload, time_us) VALUES (?, ?, ?)",
		e.Type, string(e.Data), b.clock.NowUS(),
	)
	if err != nil {
		publishFailures.WithLabelValues(eventType).Inc()
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading assigned sequence: %w", err)
	}

	eventsPublished.WithLabelValues(eventType).Inc()
	lastPublishedSeq.Set(float64(seq))
	return seq, nil
}

// ReadSince returns up to limit events with sequence greater than
// after, in ascending sequence order.
func (b *Bus) ReadSince(ctx context.Context, after int64, limit int) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT seq, event_type, payload, time_us FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events after %d: %w", after, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.Type, &payload, &e.TimeUS); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Data = []byte(payload)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

// Prune deletes events older than the retention window. Sequence
// numbers of pruned events are never reassigned.
func (b *Bus) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMicro()
	res, err := b.db.ExecContext(ctx, "DELETE FROM events WHERE time_us < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading prune count: %w", err)
	}
	if deleted > 0 {
		eventsPruned.Add(float64(deleted))
		b.logger.Info("pruned old events", "deleted", deleted)
	}
	return deleted, nil
}

// PendingCount returns the number of events with sequence greater than
// the given cursor.
func (b *Bus) PendingCount(ctx context.Context, after int64) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE seq > ?", after,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending events: %w", err)
	}
	return n, nil
}

// Replay feeds all retained events with sequence greater than cursor to
// emit, in order, limited to eventsPerSecond to avoid thrashing the
// store when replaying a long history.
func (b *Bus) Replay(ctx context.Context, cursor int64, eventsPerSecond float64, emit func(context.Context, Event) error) error {
	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond))

	const batch = 500
	for {
		events, err := b.ReadSince(ctx, cursor, batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, e := range events {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for rate limiter: %w", err)
			}
			if err := emit(ctx, e); err != nil {
				return fmt.Errorf("replaying event %d: %w", e.Seq, err)
			}
			cursor = e.Seq
		}
	}
}
