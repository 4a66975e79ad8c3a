package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController() (*Controller, Store) {
	store := NewMemoryStore()
	return NewController(store, 7*24*time.Hour, nil), store
}

func TestShouldUpgrade_DeterministicAcrossCalls(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()
	_, err := ctrl.CreateRollout(ctx, &Rollout{
		PluginName: "P1", Version: "2.0.0", Percentage: 10, Strategy: StrategyRandom, ErrorThreshold: 0.1,
	})
	require.NoError(t, err)

	admitted := 0
	for i := 0; i < 10000; i++ {
		merchant := "merchant-" + string(rune('A'+i%26)) + string(rune('0'+i%10)) + itoa(i)
		first, err := ctrl.ShouldUpgrade(ctx, AdmissionContext{Merchant: merchant, Plugin: "P1"})
		require.NoError(t, err)
		second, err := ctrl.ShouldUpgrade(ctx, AdmissionContext{Merchant: merchant, Plugin: "P1"})
		require.NoError(t, err)
		assert.Equal(t, first, second, "admission must be deterministic for the same (merchant, plugin)")
		if first {
			admitted++
		}
	}

	// Subset size should be within ±1% of 10% of the population.
	assert.InDelta(t, 1000, admitted, 100)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}

func TestShouldUpgrade_DeniesWhenNotActive(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()
	r, err := ctrl.CreateRollout(ctx, &Rollout{
		PluginName: "P2", Version: "1.0.0", Percentage: 100, Strategy: StrategyRandom, ErrorThreshold: 0.2,
	})
	require.NoError(t, err)

	err = ctrl.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		locked, _ := tx.GetForUpdate(ctx, r.ID)
		locked.Status = StatusPaused
		return tx.Update(ctx, locked)
	})
	require.NoError(t, err)

	admitted, err := ctrl.ShouldUpgrade(ctx, AdmissionContext{Merchant: "m1", Plugin: "P2"})
	require.NoError(t, err)
	assert.False(t, admitted)
}

func TestShouldUpgrade_GeoStrategyFiltersByCountry(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()
	_, err := ctrl.CreateRollout(ctx, &Rollout{
		PluginName: "P3", Version: "1.0.0", Percentage: 100, Strategy: StrategyGeo,
		TargetCountries: []string{"SN", "CI"}, ErrorThreshold: 0.2,
	})
	require.NoError(t, err)

	admitted, err := ctrl.ShouldUpgrade(ctx, AdmissionContext{Merchant: "m1", Plugin: "P3", Country: "SN"})
	require.NoError(t, err)
	assert.True(t, admitted)

	admitted, err = ctrl.ShouldUpgrade(ctx, AdmissionContext{Merchant: "m1", Plugin: "P3", Country: "NG"})
	require.NoError(t, err)
	assert.False(t, admitted)
}

type fakeObserver struct {
	rates map[string]float64
}

func (f *fakeObserver) ObservedErrorRate(ctx context.Context, rolloutID string) (float64, error) {
	return f.rates[rolloutID], nil
}

func TestAutoPauseSweep_PausesBreachingRollouts(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()
	r, err := ctrl.CreateRollout(ctx, &Rollout{
		PluginName: "P4", Version: "1.0.0", Percentage: 50, Strategy: StrategyRandom, ErrorThreshold: 0.05,
	})
	require.NoError(t, err)

	n, err := ctrl.AutoPauseSweep(ctx, &fakeObserver{rates: map[string]float64{r.ID: 0.2}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := ctrl.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, updated.Status)
	assert.Equal(t, "error_rate_exceeded", updated.Metadata["pause_reason"])
}

func TestAutoPauseSweep_LeavesHealthyRolloutsActive(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()
	r, err := ctrl.CreateRollout(ctx, &Rollout{
		PluginName: "P5", Version: "1.0.0", Percentage: 50, Strategy: StrategyRandom, ErrorThreshold: 0.1,
	})
	require.NoError(t, err)

	n, err := ctrl.AutoPauseSweep(ctx, &fakeObserver{rates: map[string]float64{r.ID: 0.02}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	updated, err := ctrl.store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
}

func TestRollback_RequiresUsableBackup(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController()

	_, err := ctrl.InitiateRollback(ctx, "merchantA", "pluginX", "2.0.0", "1.0.0", TriggerManual, "bad upgrade")
	assert.ErrorIs(t, err, ErrBackupUnusable)

	_, err = ctrl.CreateBackup(ctx, "merchantA", "pluginX", "2.0.0", "/backups/x", "", 1024, nil)
	require.NoError(t, err)

	attempt, err := ctrl.InitiateRollback(ctx, "merchantA", "pluginX", "2.0.0", "1.0.0", TriggerManual, "bad upgrade")
	require.NoError(t, err)
	assert.False(t, attempt.IsComplete())

	completed, err := ctrl.CompleteRollback(ctx, attempt.ID, true, "", 1200, true, false)
	require.NoError(t, err)
	assert.True(t, completed.IsComplete())
	require.NotNil(t, completed.Success)
	assert.True(t, *completed.Success)

	// Terminal — a second completion must be rejected.
	_, err = ctrl.CompleteRollback(ctx, attempt.ID, false, "retry", 1, false, false)
	assert.ErrorIs(t, err, ErrRollbackTerminal)
}

func TestCleanupExpired_RemovesOnlyExpiredBackups(t *testing.T) {
	ctx := context.Background()
	ctrl, store := newTestController()

	_, err := ctrl.CreateBackup(ctx, "m1", "p1", "1.0.0", "/backups/fresh", "", 10, nil)
	require.NoError(t, err)

	stale := &PluginBackup{
		ID: "bkp_stale", Merchant: "m1", Plugin: "p1", Version: "0.9.0",
		Path: "/backups/stale", SizeBytes: 10, Status: BackupStatusCompleted,
		ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateBackup(ctx, stale))

	n, err := ctrl.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := store.LatestUsableBackup(ctx, "m1", "p1", "0.9.0", time.Now())
	require.NoError(t, err)
	assert.Nil(t, b)
}
