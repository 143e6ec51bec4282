package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// catchUpEventsPerSecond limits how fast a backlog already in the store
// is bridged at startup.
const catchUpEventsPerSecond = 500

// Poller bridges the event store into the web process. On startup it
// replays the backlog already in the store, rate limited, then scans
// for new rows past its cursor on a fixed interval and hands each row
// to the emit callback in sequence order.
//
// The cursor lives only in memory: a cold start of the hosting process
// begins from zero, re-bridging retained events. Consumers apply events
// idempotently, so the re-delivery is harmless.
type Poller struct {
	bus      *Bus
	emit     func(context.Context, Event) error
	interval time.Duration
	batch    int
	lastSeq  atomic.Int64
	logger   *slog.Logger

	shutdown chan chan struct{}
}

// NewPoller creates a poller over the given bus. emit is invoked once
// per observed event; an emit error is logged but does not stop the
// poller or skip the remaining rows of the batch.
func NewPoller(bus *Bus, interval time.Duration, logger *slog.Logger, emit func(context.Context, Event) error) *Poller {
	return &Poller{
		bus:      bus,
		emit:     emit,
		interval: interval,
		batch:    100,
		logger:   logger.With("component", "event-poller"),
		shutdown: make(chan chan struct{}),
	}
}

// LastSeq returns the poller's current cursor.
func (p *Poller) LastSeq() int64 {
	return p.lastSeq.Load()
}

// Run catches up on the stored backlog, then polls until ctx is done
// or Shutdown is called. A transient read failure is retried on the
// next tick without advancing the cursor; it is never fatal.
func (p *Poller) Run(ctx context.Context) {
	p.catchUp(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("event polling started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down poller on context completion")
			return
		case s := <-p.shutdown:
			p.logger.Info("shutting down poller on shutdown signal")
			s <- struct{}{}
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// catchUp bridges everything already in the store past the cursor,
// rate limited so a cold start against a long history does not flood
// subscribers. A failure here is not fatal; interval polling picks up
// from wherever the cursor stopped.
func (p *Poller) catchUp(ctx context.Context) {
	pending, err := p.bus.PendingCount(ctx, p.lastSeq.Load())
	if err != nil {
		p.logger.Error("failed to count backlog, deferring to interval polling", "error", err)
		return
	}
	if pending == 0 {
		return
	}

	p.logger.Info("catching up on stored backlog", "pending", pending)

	err = p.bus.Replay(ctx, p.lastSeq.Load(), catchUpEventsPerSecond, func(ctx context.Context, e Event) error {
		p.deliver(ctx, e)
		return nil
	})
	if err != nil {
		p.logger.Error("backlog catch-up interrupted, interval polling resumes from cursor",
			"error", err, "cursor", p.lastSeq.Load())
		return
	}

	p.logger.Info("backlog caught up", "cursor", p.lastSeq.Load())
}

// tick performs one poll cycle. The cursor advances one row at a time
// so a crash mid-batch resumes from the first undelivered row; at worst
// the row in flight is delivered twice, which consumers must tolerate.
func (p *Poller) tick(ctx context.Context) {
	pollTicks.Inc()

	events, err := p.bus.ReadSince(ctx, p.lastSeq.Load(), p.batch)
	if err != nil {
		pollErrors.Inc()
		p.logger.Error("failed to read events, will retry next tick", "error", err, "cursor", p.lastSeq.Load())
		return
	}

	for _, e := range events {
		p.deliver(ctx, e)
	}
}

func (p *Poller) deliver(ctx context.Context, e Event) {
	if err := p.emit(ctx, e); err != nil {
		p.logger.Error("failed to emit event", "error", err, "seq", e.Seq, "type", e.Type)
	}
	p.lastSeq.Store(e.Seq)
	eventsBridged.WithLabelValues(e.Type).Inc()
	lastBridgedSeq.Set(float64(e.Seq))
}

// Shutdown stops the poller and waits for the loop to exit.
func (p *Poller) Shutdown() {
	done := make(chan struct{})
	p.shutdown <- done
	<-done
}
