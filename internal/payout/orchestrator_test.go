package payout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Molam-git/molam-connect-sub010/internal/risk"
)

type fakeOracle struct {
	rec *risk.Recommendation
}

func (f *fakeOracle) Evaluate(ctx context.Context, req risk.Request) (*risk.Recommendation, error) {
	rec := *f.rec
	rec.SellerRef = req.SellerRef
	return &rec, nil
}

type fakeSellers struct {
	info *SellerInfo
}

func (f *fakeSellers) Lookup(ctx context.Context, marketplace, sellerRef string) (*SellerInfo, error) {
	return f.info, nil
}

func eligibleSeller() *SellerInfo {
	return &SellerInfo{Exists: true, KYCVerified: true, HasActiveHolds: false, MaxAdvanceAvailable: "100000.000000"}
}

func TestSmartPayout_InstantCreatesSingleSlice(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{rec: &risk.Recommendation{
		PriorityScore:     90,
		RiskScore:         10,
		RecommendedAction: risk.ActionInstant,
		TreasuryAccountID: "treasury-default-1",
	}}
	orch := NewOrchestrator(NewMemoryStore(), oracle, &fakeSellers{info: eligibleSeller()})

	result, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s1", RequestedAmount: "5000.000000", Currency: "XOF",
		Mode: "instant", IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, result.Status)
	require.NotNil(t, result.Parent)
	assert.Equal(t, PriorityPriority, result.Parent.Priority)
	assert.Regexp(t, `^SPO-\d+-[0-9A-F]{8}$`, result.Parent.ReferenceCode)
	require.Len(t, result.Slices, 1)
	assert.Equal(t, "5000.000000", result.Slices[0].Amount)
}

func TestSmartPayout_HoldRecommendationCreatesEscrowNoPayout(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{rec: &risk.Recommendation{
		PriorityScore: 50, RiskScore: 90, RecommendedAction: risk.ActionHold,
	}}
	store := NewMemoryStore()
	orch := NewOrchestrator(store, oracle, &fakeSellers{info: eligibleSeller()})

	result, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s2", RequestedAmount: "2000.000000", Currency: "XOF",
		IdempotencyKey: "idem-2",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, result.Status)
	assert.Nil(t, result.Parent)
	require.NotNil(t, result.Escrow)
	assert.Equal(t, "s2", result.Escrow.SellerRef)

	// The recommendation is persisted even though no payout row was created.
	require.Len(t, store.recommendations, 1)
	assert.Equal(t, "s2", store.recommendations[0].SellerRef)
}

func TestSmartPayout_DuplicateIdempotencyKeyReturnsSameResult(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{rec: &risk.Recommendation{
		PriorityScore: 90, RiskScore: 5, RecommendedAction: risk.ActionInstant,
	}}
	orch := NewOrchestrator(NewMemoryStore(), oracle, &fakeSellers{info: eligibleSeller()})

	first, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s3", RequestedAmount: "1000.000000", Currency: "XOF",
		IdempotencyKey: "idem-3",
	})
	require.NoError(t, err)

	second, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s3", RequestedAmount: "9999.000000", Currency: "XOF",
		IdempotencyKey: "idem-3",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Parent.ID, second.Parent.ID)
	assert.Equal(t, first.Parent.RequestedAmount, second.Parent.RequestedAmount)
}

func TestSmartPayout_RecommendationWriteFailureAbortsPayout(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{rec: &risk.Recommendation{
		PriorityScore: 90, RiskScore: 5, RecommendedAction: risk.ActionInstant,
	}}
	store := &recFailStore{Store: NewMemoryStore()}
	orch := NewOrchestrator(store, oracle, &fakeSellers{info: eligibleSeller()})

	_, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s9", RequestedAmount: "100.000000", Currency: "XOF",
		IdempotencyKey: "idem-recfail",
	})
	require.Error(t, err)

	// The whole transaction aborts: no payout row is visible either.
	parent, _, ferr := store.FindByExternalID(ctx, "idem-recfail")
	require.NoError(t, ferr)
	assert.Nil(t, parent)
}

func TestSmartPayout_MissingIdempotencyKeyRejected(t *testing.T) {
	orch := NewOrchestrator(NewMemoryStore(), &fakeOracle{}, &fakeSellers{info: eligibleSeller()})
	_, err := orch.SmartPayout(context.Background(), SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s4", RequestedAmount: "100.000000", Currency: "XOF",
	})
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
}

func TestSmartPayout_KYCNotVerifiedRejected(t *testing.T) {
	orch := NewOrchestrator(NewMemoryStore(), &fakeOracle{}, &fakeSellers{info: &SellerInfo{Exists: true, KYCVerified: false}})
	_, err := orch.SmartPayout(context.Background(), SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s5", RequestedAmount: "100.000000", Currency: "XOF",
		IdempotencyKey: "idem-5",
	})
	assert.ErrorIs(t, err, ErrKYCNotVerified)
}

func TestSmartPayout_MultiBankSlicesPersisted(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{rec: &risk.Recommendation{
		PriorityScore: 70, RiskScore: 30, RecommendedAction: risk.ActionBatch,
		MultiBank: true,
		Slices: []risk.SliceRecommendation{
			{TreasuryAccountID: "t1", Amount: "50000.000000", Order: 1},
			{TreasuryAccountID: "t2", Amount: "50000.000000", Order: 2},
			{TreasuryAccountID: "t3", Amount: "30000.000000", Order: 3},
		},
	}}
	orch := NewOrchestrator(NewMemoryStore(), oracle, &fakeSellers{info: eligibleSeller()})

	result, err := orch.SmartPayout(ctx, SmartPayoutRequest{
		Marketplace: "m1", SellerRef: "s6", RequestedAmount: "130000.000000", Currency: "XOF",
		IdempotencyKey: "idem-6",
	})
	require.NoError(t, err)
	require.Len(t, result.Slices, 3)

	pending, err := orch.ListPendingSlices(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestRequestAdvance_FeeIsFivePercent(t *testing.T) {
	orch := NewOrchestrator(NewMemoryStore(), &fakeOracle{}, &fakeSellers{info: eligibleSeller()})
	adv, err := orch.RequestAdvance(context.Background(), "m1", "s7", "1000.000000", "XOF", "idem-adv-1")
	require.NoError(t, err)
	assert.Equal(t, "50.000000", adv.Fee)
	assert.Equal(t, AdvanceSchedule, adv.Schedule)
	assert.Equal(t, AdvanceStatusRequested, adv.Status)
}

func TestRequestAdvance_ExceedsMaxAvailableRejected(t *testing.T) {
	orch := NewOrchestrator(NewMemoryStore(), &fakeOracle{},
		&fakeSellers{info: &SellerInfo{Exists: true, KYCVerified: true, MaxAdvanceAvailable: "500.000000"}})
	_, err := orch.RequestAdvance(context.Background(), "m1", "s8", "1000.000000", "XOF", "idem-adv-2")
	assert.ErrorIs(t, err, ErrAdvanceNotEligible)
}

// recFailStore wraps a Store and fails every recommendation write, to
// exercise the abort-on-recommendation-failure path.
type recFailStore struct {
	Store
}

func (s *recFailStore) RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error {
	return errors.New("recommendation store unavailable")
}

func (s *recFailStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		return fn(ctx, &recFailStore{Store: tx})
	})
}
