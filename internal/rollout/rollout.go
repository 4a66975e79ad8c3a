// Package rollout implements the plugin progressive rollout and rollback
// controller: percentage/strategy-gated version admission, an auto-pause
// sweep on error-rate breach, and an audited rollback lifecycle backed by
// pre-upgrade backups.
package rollout

import (
	"context"
	"errors"
	"time"
)

// Strategy selects how a rollout's target population is narrowed.
type Strategy string

const (
	StrategyRandom       Strategy = "random"
	StrategyGeo          Strategy = "geo"
	StrategyMerchantTier Strategy = "merchant_tier"
)

// Status is the lifecycle state of a Rollout. Completed and RolledBack are
// terminal — no transition ever leaves them.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
)

// IsTerminal reports whether status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// Rollout is one staged-exposure record for a plugin version. Only the
// latest rollout per plugin participates in targeting queries.
type Rollout struct {
	ID              string
	PluginName      string
	Version         string
	Percentage      int // 0-100
	Strategy        Strategy
	TargetCountries []string
	TargetTiers     []string
	ErrorThreshold  float64
	Status          Status
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RollbackTrigger distinguishes an operator-initiated rollback from one
// recorded as automatic. AutoPauseSweep itself never initiates a rollback.
type RollbackTrigger string

const (
	TriggerManual RollbackTrigger = "manual"
	TriggerAuto   RollbackTrigger = "auto"
)

// RollbackAttempt records one execution of a rollback, manual or automatic.
// Once CompleteRollback is called the attempt is immutable.
type RollbackAttempt struct {
	ID            string
	Merchant      string
	Plugin        string
	FromVersion   string
	ToVersion     string
	Trigger       RollbackTrigger
	Reason        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Success       *bool
	ErrorMessage  string
	DurationMS    int64
	FilesRestored bool
	DBRestored    bool
}

// IsComplete reports whether CompleteRollback has already been recorded.
func (r *RollbackAttempt) IsComplete() bool {
	return r.CompletedAt != nil
}

// BackupStatus is the lifecycle state of a PluginBackup.
type BackupStatus string

const (
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// PluginBackup is a pre-upgrade artifact a rollback must reference. A
// rollback MUST point at a backup with Status == completed and
// ExpiresAt > now.
type PluginBackup struct {
	ID         string
	Merchant   string
	Plugin     string
	Version    string
	Path       string
	DBSnapshot string
	SizeBytes  int64
	Status     BackupStatus
	ExpiresAt  time.Time
	Metadata   map[string]string
	CreatedAt  time.Time
}

// IsUsable reports whether this backup may back a rollback at asOf.
func (b *PluginBackup) IsUsable(asOf time.Time) bool {
	return b.Status == BackupStatusCompleted && b.ExpiresAt.After(asOf)
}

// Structured validation/precondition errors, mapped to 4xx at the HTTP boundary.
var (
	ErrRolloutNotFound   = errors.New("rollout: not found")
	ErrRolloutNotActive  = errors.New("rollout: not active")
	ErrRolloutTerminal   = errors.New("rollout: already in a terminal state")
	ErrInvalidPercentage = errors.New("rollout: percentage must be in [0,100]")
	ErrInvalidStrategy   = errors.New("rollout: unknown strategy")
	ErrBackupUnusable    = errors.New("rollout: no usable completed backup for this plugin version")
	ErrRollbackNotFound  = errors.New("rollout: rollback attempt not found")
	ErrRollbackTerminal  = errors.New("rollout: rollback attempt already completed")
)

// ErrorRateObserver is the external metrics collaborator: the auto-pause
// sweep needs an observed error rate to decide on. Only the contract
// consumed here is declared, matching how payout declares SellerDirectory.
type ErrorRateObserver interface {
	// ObservedErrorRate returns the current error rate in [0,1] for the
	// given rollout's population, or an error if it cannot be computed
	// (the sweep skips the rollout on error rather than pausing blind).
	ObservedErrorRate(ctx context.Context, rolloutID string) (float64, error)
}

// Store persists Rollout/RollbackAttempt/PluginBackup state.
type Store interface {
	// Latest returns the most recent rollout for plugin, or nil if none
	// exists. Targeting queries always read through this.
	Latest(ctx context.Context, plugin string) (*Rollout, error)
	Get(ctx context.Context, id string) (*Rollout, error)
	Create(ctx context.Context, r *Rollout) error
	// GetForUpdate locks the rollout row for the duration of the
	// transaction.
	GetForUpdate(ctx context.Context, id string) (*Rollout, error)
	Update(ctx context.Context, r *Rollout) error
	ListActive(ctx context.Context, limit int) ([]*Rollout, error)

	CreateRollback(ctx context.Context, a *RollbackAttempt) error
	GetRollback(ctx context.Context, id string) (*RollbackAttempt, error)
	UpdateRollback(ctx context.Context, a *RollbackAttempt) error

	CreateBackup(ctx context.Context, b *PluginBackup) error
	// LatestUsableBackup returns the most recent completed, unexpired
	// backup for (merchant, plugin[, version]), or nil.
	LatestUsableBackup(ctx context.Context, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error)
	ListExpiredBackups(ctx context.Context, asOf time.Time, limit int) ([]*PluginBackup, error)
	DeleteBackups(ctx context.Context, ids []string) error

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
