package rollout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rollout store for demo/development mode.
// One mutex guards the whole WithTx callback, matching the
// single-lock-per-transaction shape used across this module's other
// in-memory stores.
type MemoryStore struct {
	mu        sync.Mutex
	rollouts  map[string]*Rollout
	byPlugin  map[string][]*Rollout // insertion-ordered, latest last
	rollbacks map[string]*RollbackAttempt
	backups   map[string]*PluginBackup
}

// NewMemoryStore creates a new in-memory rollout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollouts:  make(map[string]*Rollout),
		byPlugin:  make(map[string][]*Rollout),
		rollbacks: make(map[string]*RollbackAttempt),
		backups:   make(map[string]*PluginBackup),
	}
}

func (m *MemoryStore) Latest(ctx context.Context, plugin string) (*Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byPlugin[plugin]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Rollout, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Create(ctx context.Context, r *Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rollouts[r.ID] = &cp
	m.byPlugin[r.PluginName] = append(m.byPlugin[r.PluginName], &cp)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Rollout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollouts[r.ID]; !ok {
		return ErrRolloutNotFound
	}
	cp := *r
	m.rollouts[r.ID] = &cp
	list := m.byPlugin[r.PluginName]
	for i, e := range list {
		if e.ID == r.ID {
			list[i] = &cp
		}
	}
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Rollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Rollout
	for _, r := range m.rollouts {
		if r.Status == StatusActive {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateRollback(ctx context.Context, a *RollbackAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rollbacks[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRollback(ctx context.Context, id string) (*RollbackAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rollbacks[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateRollback(ctx context.Context, a *RollbackAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollbacks[a.ID]; !ok {
		return ErrRollbackNotFound
	}
	cp := *a
	m.rollbacks[a.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateBackup(ctx context.Context, b *PluginBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backups[b.ID] = &cp
	return nil
}

func (m *MemoryStore) LatestUsableBackup(ctx context.Context, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return latestUsableBackupLocked(m.backups, merchant, plugin, version, asOf)
}

func latestUsableBackupLocked(backups map[string]*PluginBackup, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error) {
	var best *PluginBackup
	for _, b := range backups {
		if b.Merchant != merchant || b.Plugin != plugin {
			continue
		}
		if version != "" && b.Version != version {
			continue
		}
		if !b.IsUsable(asOf) {
			continue
		}
		if best == nil || b.CreatedAt.After(best.CreatedAt) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListExpiredBackups(ctx context.Context, asOf time.Time, limit int) ([]*PluginBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listExpiredBackupsLocked(m.backups, asOf, limit)
}

func listExpiredBackupsLocked(backups map[string]*PluginBackup, asOf time.Time, limit int) ([]*PluginBackup, error) {
	var result []*PluginBackup
	for _, b := range backups {
		if !b.ExpiresAt.After(asOf) {
			cp := *b
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteBackups(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.backups, id)
	}
	return nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &txView{m: m})
}

// txView implements Store against an already-locked MemoryStore, avoiding a
// self-deadlock when WithTx's callback invokes further Store methods —
// the same txView shape used by payout/ussd's in-memory stores.
type txView struct{ m *MemoryStore }

func (t *txView) Latest(ctx context.Context, plugin string) (*Rollout, error) {
	list := t.m.byPlugin[plugin]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (t *txView) Get(ctx context.Context, id string) (*Rollout, error) {
	r, ok := t.m.rollouts[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (t *txView) GetForUpdate(ctx context.Context, id string) (*Rollout, error) {
	return t.Get(ctx, id)
}

func (t *txView) Create(ctx context.Context, r *Rollout) error {
	cp := *r
	t.m.rollouts[r.ID] = &cp
	t.m.byPlugin[r.PluginName] = append(t.m.byPlugin[r.PluginName], &cp)
	return nil
}

func (t *txView) Update(ctx context.Context, r *Rollout) error {
	if _, ok := t.m.rollouts[r.ID]; !ok {
		return ErrRolloutNotFound
	}
	cp := *r
	t.m.rollouts[r.ID] = &cp
	list := t.m.byPlugin[r.PluginName]
	for i, e := range list {
		if e.ID == r.ID {
			list[i] = &cp
		}
	}
	return nil
}

func (t *txView) ListActive(ctx context.Context, limit int) ([]*Rollout, error) {
	var result []*Rollout
	for _, r := range t.m.rollouts {
		if r.Status == StatusActive {
			cp := *r
			result = append(result, &cp)
		}
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *txView) CreateRollback(ctx context.Context, a *RollbackAttempt) error {
	cp := *a
	t.m.rollbacks[a.ID] = &cp
	return nil
}

func (t *txView) GetRollback(ctx context.Context, id string) (*RollbackAttempt, error) {
	a, ok := t.m.rollbacks[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (t *txView) UpdateRollback(ctx context.Context, a *RollbackAttempt) error {
	if _, ok := t.m.rollbacks[a.ID]; !ok {
		return ErrRollbackNotFound
	}
	cp := *a
	t.m.rollbacks[a.ID] = &cp
	return nil
}

func (t *txView) CreateBackup(ctx context.Context, b *PluginBackup) error {
	cp := *b
	t.m.backups[b.ID] = &cp
	return nil
}

func (t *txView) LatestUsableBackup(ctx context.Context, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error) {
	return latestUsableBackupLocked(t.m.backups, merchant, plugin, version, asOf)
}

func (t *txView) ListExpiredBackups(ctx context.Context, asOf time.Time, limit int) ([]*PluginBackup, error) {
	return listExpiredBackupsLocked(t.m.backups, asOf, limit)
}

func (t *txView) DeleteBackups(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(t.m.backups, id)
	}
	return nil
}

func (t *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*txView)(nil)
