package payout

import (
	"context"
	"sort"
	"sync"

	"github.com/Molam-git/molam-connect-sub010/internal/risk"
)

// MemoryStore is an in-memory Store used when DATABASE_URL is unset. A
// single mutex guards the whole WithTx callback, matching the tradeoff
// documented in internal/ussd's MemoryStore.
type MemoryStore struct {
	mu              sync.Mutex
	parents         map[string]*PayoutParent // external_id -> parent
	slices          map[string][]PayoutSlice // parent.ID -> slices
	escrows         []*SellerEscrow
	advances        map[string]*AdvanceRequest // external_id -> advance
	recommendations []*risk.Recommendation
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parents:  make(map[string]*PayoutParent),
		slices:   make(map[string][]PayoutSlice),
		advances: make(map[string]*AdvanceRequest),
	}
}

func (m *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*PayoutParent, []PayoutSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(externalID)
}

func (m *MemoryStore) findLocked(externalID string) (*PayoutParent, []PayoutSlice, error) {
	p, ok := m.parents[externalID]
	if !ok {
		return nil, nil, nil
	}
	cp := *p
	return &cp, append([]PayoutSlice(nil), m.slices[p.ID]...), nil
}

func (m *MemoryStore) CreateParentWithSlices(ctx context.Context, parent *PayoutParent, slices []PayoutSlice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createParentLocked(parent, slices)
}

func (m *MemoryStore) createParentLocked(parent *PayoutParent, slices []PayoutSlice) error {
	cp := *parent
	m.parents[parent.ExternalID] = &cp
	m.slices[parent.ID] = append([]PayoutSlice(nil), slices...)
	return nil
}

func (m *MemoryStore) CreateEscrow(ctx context.Context, escrow *SellerEscrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEscrowLocked(escrow)
}

func (m *MemoryStore) createEscrowLocked(escrow *SellerEscrow) error {
	cp := *escrow
	m.escrows = append(m.escrows, &cp)
	return nil
}

func (m *MemoryStore) RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordRecommendationLocked(rec)
}

func (m *MemoryStore) recordRecommendationLocked(rec *risk.Recommendation) error {
	cp := *rec
	cp.Reasons = append([]string(nil), rec.Reasons...)
	cp.Slices = append([]risk.SliceRecommendation(nil), rec.Slices...)
	m.recommendations = append(m.recommendations, &cp)
	return nil
}

func (m *MemoryStore) FindAdvanceByExternalID(ctx context.Context, externalID string) (*AdvanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findAdvanceLocked(externalID)
}

func (m *MemoryStore) findAdvanceLocked(externalID string) (*AdvanceRequest, error) {
	a, ok := m.advances[externalID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAdvance(ctx context.Context, adv *AdvanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAdvanceLocked(adv)
}

func (m *MemoryStore) createAdvanceLocked(adv *AdvanceRequest) error {
	cp := *adv
	m.advances[adv.ExternalID] = &cp
	return nil
}

// ListPendingSlices returns every slice across all parents, oldest parent
// first, each parent's slices in the order they were created, capped at
// limit. The in-memory store has no
// dispatched/pending distinction, so this returns everything — acceptable
// for the dev/test fallback path.
func (m *MemoryStore) ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPendingLocked(limit)
}

func (m *MemoryStore) listPendingLocked(limit int) ([]PayoutSlice, error) {
	parents := make([]*PayoutParent, 0, len(m.parents))
	for _, p := range m.parents {
		parents = append(parents, p)
	}
	sort.Slice(parents, func(i, j int) bool {
		if !parents[i].CreatedAt.Equal(parents[j].CreatedAt) {
			return parents[i].CreatedAt.Before(parents[j].CreatedAt)
		}
		return parents[i].ID < parents[j].ID
	})
	var all []PayoutSlice
	for _, p := range parents {
		all = append(all, m.slices[p.ID]...)
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &lockedView{m})
}

// lockedView exposes Store methods that assume MemoryStore.mu is already
// held — used only from within WithTx.
type lockedView struct {
	m *MemoryStore
}

func (v *lockedView) FindByExternalID(ctx context.Context, externalID string) (*PayoutParent, []PayoutSlice, error) {
	return v.m.findLocked(externalID)
}

func (v *lockedView) CreateParentWithSlices(ctx context.Context, parent *PayoutParent, slices []PayoutSlice) error {
	return v.m.createParentLocked(parent, slices)
}

func (v *lockedView) CreateEscrow(ctx context.Context, escrow *SellerEscrow) error {
	return v.m.createEscrowLocked(escrow)
}

func (v *lockedView) RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error {
	return v.m.recordRecommendationLocked(rec)
}

func (v *lockedView) FindAdvanceByExternalID(ctx context.Context, externalID string) (*AdvanceRequest, error) {
	return v.m.findAdvanceLocked(externalID)
}

func (v *lockedView) CreateAdvance(ctx context.Context, adv *AdvanceRequest) error {
	return v.m.createAdvanceLocked(adv)
}

func (v *lockedView) ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error) {
	return v.m.listPendingLocked(limit)
}

func (v *lockedView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}
