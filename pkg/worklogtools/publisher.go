package worklogtools

import (
	"context"
	"log/slog"
)

// Publisher is the slice of the event bus the tools need.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (int64, error)
}

// NoopPublisher is used when no event bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) (int64, error) {
	return 0, nil
}

// publish appends a notification event after a mutation has committed.
// The event stream is best-effort: a publish failure is logged and
// swallowed, never propagated, because the primary store already holds
// the truth and clients resync from it.
func publish(ctx context.Context, p Publisher, logger *slog.Logger, eventType string, payload any) {
	if _, err := p.Publish(ctx, eventType, payload); err != nil {
		logger.Error("failed to publish event, mutation stands", "event_type", eventType, "error", err)
	}
}
