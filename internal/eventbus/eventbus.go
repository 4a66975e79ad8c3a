// Package eventbus provides a fire-and-forget publisher for cross-subsystem
// lifecycle events (e.g. approval.request.expired, rollout.paused).
//
// Publishing never blocks the caller's committed transaction: every Publish
// call runs against a short-lived context and its error is logged, not
// returned to the business-logic caller: event-bus failures stay
// non-blocking for the committing transaction.
package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
)

// Event is a single published lifecycle event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Transport delivers an event to whatever downstream broker/queue backs the
// bus (Kafka, SNS, a webhook fan-out, ...).
type Transport interface {
	Publish(ctx context.Context, event *Event) error
}

// NopTransport discards every event. Useful for tests and for environments
// with no configured broker.
type NopTransport struct{}

func (NopTransport) Publish(context.Context, *Event) error { return nil }

// Bus wraps a Transport with the fire-and-forget / bounded-timeout contract.
type Bus struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a new event bus.
func New(transport Transport, timeout time.Duration, logger *slog.Logger) *Bus {
	if transport == nil {
		transport = NopTransport{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Bus{transport: transport, timeout: timeout, logger: logger}
}

// Publish emits eventType with data. It never returns an error to the
// caller; failures are logged and counted.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any) {
	if b == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.transport.Publish(pubCtx, event); err != nil {
		metrics.EventBusPublishTotal.WithLabelValues(eventType, "error").Inc()
		if b.logger != nil {
			b.logger.Warn("event bus publish failed", "event_type", eventType, "error", err)
		}
		return
	}
	metrics.EventBusPublishTotal.WithLabelValues(eventType, "ok").Inc()
}
