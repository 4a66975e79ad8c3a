package rollout

import (
	"context"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
)

// AdmissionContext carries the merchant attributes the geo/merchant_tier
// strategies filter on.
type AdmissionContext struct {
	Merchant string
	Plugin   string
	Country  string
	Tier     string
}

// Controller implements ShouldUpgrade, the rollback lifecycle, and the
// pre-upgrade backup contract.
type Controller struct {
	store     Store
	backupTTL time.Duration
	live      Broadcaster
}

// Broadcaster pushes rollout lifecycle events to the ops dashboard. The
// live.Hub satisfies this; nil is a valid no-op.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// NewController creates a rollout controller. backupTTL is the retention
// window applied by CreateBackup when the caller doesn't specify one.
func NewController(store Store, backupTTL time.Duration, live Broadcaster) *Controller {
	if backupTTL <= 0 {
		backupTTL = 7 * 24 * time.Hour
	}
	return &Controller{store: store, backupTTL: backupTTL, live: live}
}

// ShouldUpgrade is the admission decision: latest-active rollout,
// strategy filter, then the deterministic percentage gate. The same
// admissionBucket function backs both this call and the auto-check sweep's
// consistency requirement.
func (c *Controller) ShouldUpgrade(ctx context.Context, ac AdmissionContext) (bool, error) {
	r, err := c.store.Latest(ctx, ac.Plugin)
	if err != nil {
		return false, err
	}
	if r == nil || r.Status != StatusActive {
		return false, nil
	}

	switch r.Strategy {
	case StrategyGeo:
		if !contains(r.TargetCountries, ac.Country) {
			return false, nil
		}
	case StrategyMerchantTier:
		if !contains(r.TargetTiers, ac.Tier) {
			return false, nil
		}
	case StrategyRandom:
		// no additional targeting filter
	default:
		return false, ErrInvalidStrategy
	}

	bucket := admissionBucket(ac.Merchant, ac.Plugin)
	return bucket < r.Percentage*100, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// CreateRollout registers a new rollout. Percentage must be in [0,100].
func (c *Controller) CreateRollout(ctx context.Context, r *Rollout) (*Rollout, error) {
	if r.Percentage < 0 || r.Percentage > 100 {
		return nil, ErrInvalidPercentage
	}
	switch r.Strategy {
	case StrategyRandom, StrategyGeo, StrategyMerchantTier:
	default:
		return nil, ErrInvalidStrategy
	}

	now := time.Now()
	r.ID = idgen.WithPrefix("rol_")
	r.Status = StatusActive
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := c.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// AutoPauseSweep inspects every active rollout, computes its observed error
// rate, and transitions any rollout exceeding ErrorThreshold to paused.
// This is the only transition from active to paused performed without an
// operator. Returns the count paused.
func (c *Controller) AutoPauseSweep(ctx context.Context, observer ErrorRateObserver) (int, error) {
	active, err := c.store.ListActive(ctx, 500)
	if err != nil {
		return 0, err
	}

	paused := 0
	for _, r := range active {
		rate, err := observer.ObservedErrorRate(ctx, r.ID)
		if err != nil {
			logging.L(ctx).Warn("rollout error-rate observation failed, skipping", "rollout_id", r.ID, "error", err)
			continue
		}
		if rate <= r.ErrorThreshold {
			continue
		}

		err = c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			locked, err := tx.GetForUpdate(ctx, r.ID)
			if err != nil {
				return err
			}
			if locked == nil || locked.Status != StatusActive {
				return nil // raced with a concurrent transition; no-op
			}
			locked.Status = StatusPaused
			if locked.Metadata == nil {
				locked.Metadata = map[string]string{}
			}
			locked.Metadata["pause_reason"] = "error_rate_exceeded"
			locked.UpdatedAt = time.Now()
			return tx.Update(ctx, locked)
		})
		if err != nil {
			logging.L(ctx).Error("rollout auto-pause transaction failed", "rollout_id", r.ID, "error", err)
			continue
		}

		paused++
		metrics.RolloutPausesTotal.Inc()
		if c.live != nil {
			c.live.Broadcast("rollout.paused", map[string]any{
				"rollout_id":  r.ID,
				"plugin_name": r.PluginName,
				"error_rate":  rate,
			})
		}
	}
	return paused, nil
}

// InitiateRollback records a new rollback attempt. trigger is Manual unless
// invoked by the auto-pause flow, which passes Auto. It looks up a usable
// backup of the from version via GetLatestBackup and returns
// ErrBackupUnusable when none exists.
func (c *Controller) InitiateRollback(ctx context.Context, merchant, plugin, from, to string, trigger RollbackTrigger, reason string) (*RollbackAttempt, error) {
	backup, err := c.GetLatestBackup(ctx, merchant, plugin, from)
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, ErrBackupUnusable
	}

	a := &RollbackAttempt{
		ID:          idgen.WithPrefix("rb_"),
		Merchant:    merchant,
		Plugin:      plugin,
		FromVersion: from,
		ToVersion:   to,
		Trigger:     trigger,
		Reason:      reason,
		StartedAt:   time.Now(),
	}
	if err := c.store.CreateRollback(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CompleteRollback is terminal; the attempt becomes immutable once recorded.
func (c *Controller) CompleteRollback(ctx context.Context, id string, success bool, errMsg string, durationMS int64, filesRestored, dbRestored bool) (*RollbackAttempt, error) {
	var result *RollbackAttempt
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		a, err := tx.GetRollback(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrRollbackNotFound
		}
		if a.IsComplete() {
			return ErrRollbackTerminal
		}

		now := time.Now()
		a.CompletedAt = &now
		a.Success = &success
		a.ErrorMessage = errMsg
		a.DurationMS = durationMS
		a.FilesRestored = filesRestored
		a.DBRestored = dbRestored

		if err := tx.UpdateRollback(ctx, a); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RollbacksTotal.WithLabelValues(rollbackResultLabel(success)).Inc()
	if c.live != nil {
		c.live.Broadcast("rollout.rolled_back", map[string]any{
			"rollback_id": result.ID,
			"plugin":      result.Plugin,
			"success":     success,
		})
	}
	return result, nil
}

func rollbackResultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// CreateBackup records a pre-upgrade backup. Every upgrade must be preceded
// by one.
func (c *Controller) CreateBackup(ctx context.Context, merchant, plugin, version, path, dbSnapshot string, sizeBytes int64, metadata map[string]string) (*PluginBackup, error) {
	now := time.Now()
	b := &PluginBackup{
		ID:         idgen.WithPrefix("bkp_"),
		Merchant:   merchant,
		Plugin:     plugin,
		Version:    version,
		Path:       path,
		DBSnapshot: dbSnapshot,
		SizeBytes:  sizeBytes,
		Status:     BackupStatusCompleted,
		ExpiresAt:  now.Add(c.backupTTL),
		Metadata:   metadata,
		CreatedAt:  now,
	}
	if err := c.store.CreateBackup(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetLatestBackup returns only a completed backup with expires_at still in
// the future. version may be empty to match the most recent backup regardless of
// version.
func (c *Controller) GetLatestBackup(ctx context.Context, merchant, plugin, version string) (*PluginBackup, error) {
	return c.store.LatestUsableBackup(ctx, merchant, plugin, version, time.Now())
}

// CleanupExpired deletes expired backups and returns the count removed.
func (c *Controller) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := c.store.ListExpiredBackups(ctx, time.Now(), 1000)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	ids := make([]string, len(expired))
	for i, b := range expired {
		ids[i] = b.ID
	}
	if err := c.store.DeleteBackups(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CompleteRolloutStage transitions a rollout to completed. Terminal states
// are monotonic; calling this on an already-terminal rollout fails.
func (c *Controller) CompleteRolloutStage(ctx context.Context, id string) (*Rollout, error) {
	var result *Rollout
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		r, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRolloutNotFound
		}
		if r.Status.IsTerminal() {
			return ErrRolloutTerminal
		}
		r.Status = StatusCompleted
		r.UpdatedAt = time.Now()
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkRolledBack transitions a rollout to rolled_back, a terminal state.
func (c *Controller) MarkRolledBack(ctx context.Context, id string) (*Rollout, error) {
	var result *Rollout
	err := c.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		r, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrRolloutNotFound
		}
		if r.Status.IsTerminal() {
			return ErrRolloutTerminal
		}
		r.Status = StatusRolledBack
		r.UpdatedAt = time.Now()
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
