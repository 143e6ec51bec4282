package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/worklog-mcp/worklog/pkg/monotonic"
)

func TestPollerBridgesEventsInOrder(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	const n = 7
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(ctx, EventEntryDeleted, EntryDeleted{ID: fmt.Sprintf("e-%d", i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var got []int64
	p := NewPoller(bus, 0, testLogger(), func(_ context.Context, e Event) error {
		got = append(got, e.Seq)
		return nil
	})
	p.tick(ctx)

	if len(got) != n {
		t.Fatalf("bridged %d events, want %d", len(got), n)
	}
	for i, s := range got {
		if s != int64(i+1) {
			t.Fatalf("order broken at %d: seq %d", i, s)
		}
	}
	if p.LastSeq() != n {
		t.Errorf("cursor = %d, want %d", p.LastSeq(), n)
	}
}

func TestPollerAdvancesCursorPerRow(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, EventPing, Ping{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// Emit fails on the second event; the cursor must still advance
	// past it (the hub localizes delivery failures per connection), and
	// the remaining events of the batch must still be delivered.
	var delivered int
	p := NewPoller(bus, 0, testLogger(), func(_ context.Context, e Event) error {
		delivered++
		if e.Seq == 2 {
			return errors.New("subscriber gone")
		}
		return nil
	})
	p.tick(ctx)

	if delivered != 3 {
		t.Fatalf("delivered %d events, want 3", delivered)
	}
	if p.LastSeq() != 3 {
		t.Errorf("cursor = %d, want 3", p.LastSeq())
	}
}

func TestPollerOnlySeesNewEventsOnNextTick(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, EventEntryDeleted, EntryDeleted{ID: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got []string
	p := NewPoller(bus, 0, testLogger(), func(_ context.Context, e Event) error {
		var d EntryDeleted
		payload, err := DecodePayload(e)
		if err != nil {
			return err
		}
		d = payload.(EntryDeleted)
		got = append(got, d.ID)
		return nil
	})

	p.tick(ctx)
	p.tick(ctx) // nothing new, nothing re-delivered

	if _, err := bus.Publish(ctx, EventEntryDeleted, EntryDeleted{ID: "b"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	p.tick(ctx)

	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPollerCatchesUpBacklogBeforePolling(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	const n = 6
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(ctx, EventEntryDeleted, EntryDeleted{ID: fmt.Sprintf("e-%d", i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var got []int64
	p := NewPoller(bus, 0, testLogger(), func(_ context.Context, e Event) error {
		got = append(got, e.Seq)
		return nil
	})
	p.catchUp(ctx)

	if len(got) != n {
		t.Fatalf("caught up %d events, want %d", len(got), n)
	}
	for i, s := range got {
		if s != int64(i+1) {
			t.Fatalf("catch-up order broken at %d: seq %d", i, s)
		}
	}
	if p.LastSeq() != n {
		t.Errorf("cursor = %d after catch-up, want %d", p.LastSeq(), n)
	}

	// The backlog is behind the cursor now; a tick re-delivers nothing.
	p.tick(ctx)
	if len(got) != n {
		t.Errorf("tick after catch-up re-delivered events: %v", got)
	}
}

func TestPollerCursorReadableWhileRunning(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		if _, err := bus.Publish(ctx, EventPing, Ping{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	p := NewPoller(bus, time.Millisecond, testLogger(), func(context.Context, Event) error {
		return nil
	})
	go p.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for p.LastSeq() != n {
		if time.Now().After(deadline) {
			t.Fatalf("cursor = %d, want %d", p.LastSeq(), n)
		}
		time.Sleep(time.Millisecond)
	}
	p.Shutdown()
}

func TestPollerRetriesReadFailureWithoutAdvancing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT seq, event_type, payload, time_us FROM events").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("SELECT seq, event_type, payload, time_us FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "event_type", "payload", "time_us"}).
			AddRow(1, EventEntryDeleted, `{"id":"a"}`, 1))

	bus := &Bus{db: db, clock: monotonic.NewClock(), logger: testLogger()}

	var delivered int
	p := NewPoller(bus, 0, testLogger(), func(context.Context, Event) error {
		delivered++
		return nil
	})

	// First tick fails transiently; cursor stays put.
	p.tick(context.Background())
	if p.LastSeq() != 0 {
		t.Fatalf("cursor advanced to %d on failed read", p.LastSeq())
	}
	if delivered != 0 {
		t.Fatalf("delivered %d events on failed read", delivered)
	}

	// Next tick succeeds and picks up the row.
	p.tick(context.Background())
	if delivered != 1 {
		t.Fatalf("delivered %d events, want 1", delivered)
	}
	if p.LastSeq() != 1 {
		t.Fatalf("cursor = %d, want 1", p.LastSeq())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
