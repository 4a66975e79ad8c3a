package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/eventbus"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
)

// Timer periodically transitions expired approval requests. Structurally
// identical to escrow.Timer/gateway.Timer: a ticker goroutine, panic
// recovered, idempotent on re-run so at-least-once scheduling never
// double-transitions an already-expired request.
type Timer struct {
	workflow *Workflow
	store    Store
	bus      *eventbus.Bus
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new approval expiry timer.
func NewTimer(workflow *Workflow, store Store, bus *eventbus.Bus, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		workflow: workflow,
		store:    store,
		bus:      bus,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool { return t.running.Load() }

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in approval expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.Sweep(ctx)
	if err != nil {
		t.logger.Warn("approval expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("approval expiry sweep processed requests", "count", n)
	}
}

// Sweep transitions every open/partially_approved request past its
// expires_at to expired and rejects the linked ops action. The status
// update on the request row is the only record of the expiry; no separate
// audit row is written. Event-bus publication failure is
// non-blocking; the committed local transitions stand regardless.
// Returns the count processed.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	candidates, err := t.store.ListExpirable(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, a := range candidates {
		var result *ApprovalRequest
		err := t.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			locked, err := tx.GetForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			if locked == nil || locked.Status.IsTerminal() || !now.After(locked.ExpiresAt) {
				// already transitioned by a concurrent sweep, or no longer
				// eligible — re-running the sweep is a no-op here.
				return nil
			}
			locked.Status = StatusExpired
			locked.UpdatedAt = now
			if err := tx.Update(ctx, locked); err != nil {
				return err
			}
			result = locked
			return nil
		})
		if err != nil {
			t.logger.Warn("approval expiry transition failed", "request_id", a.ID, "error", err)
			continue
		}
		if result == nil {
			continue // already handled concurrently
		}

		processed++
		metrics.ApprovalExpiredTotal.Inc()

		if t.workflow.actions != nil {
			if err := t.workflow.actions.Reject(ctx, result.ReferenceID, "approval request expired"); err != nil {
				t.logger.Warn("linked ops action reject on expiry failed", "request_id", result.ID, "error", err)
			}
		}

		if t.bus != nil {
			t.bus.Publish(ctx, "approval.request.expired", map[string]any{
				"request_id":   result.ID,
				"request_type": result.RequestType,
				"reference_id": result.ReferenceID,
			})
		}
	}
	return processed, nil
}
