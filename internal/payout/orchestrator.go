package payout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
	"github.com/Molam-git/molam-connect-sub010/internal/money"
	"github.com/Molam-git/molam-connect-sub010/internal/risk"
	"github.com/Molam-git/molam-connect-sub010/internal/traces"
)

// priorityScoreThreshold is the cutoff at or above which a parent is created
// with Priority "priority" instead of "normal".
const priorityScoreThreshold = 85.0

// Orchestrator implements SmartPayout/RequestAdvance/ListPendingSlices.
type Orchestrator struct {
	store   Store
	oracle  risk.Oracle
	sellers SellerDirectory
}

// NewOrchestrator creates a payout orchestrator.
func NewOrchestrator(store Store, oracle risk.Oracle, sellers SellerDirectory) *Orchestrator {
	return &Orchestrator{store: store, oracle: oracle, sellers: sellers}
}

// SmartPayout runs the full idempotency-guard, precondition, oracle,
// branch, and slicing sequence inside one transaction.
func (o *Orchestrator) SmartPayout(ctx context.Context, req SmartPayoutRequest) (*SmartPayoutResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if !money.IsPositive(req.RequestedAmount) {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "payout.SmartPayout", traces.SellerRef(req.SellerRef))
	defer span.End()

	var result *SmartPayoutResult

	err := o.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		// Step 1: idempotency guard.
		existing, existingSlices, err := tx.FindByExternalID(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &SmartPayoutResult{Status: existing.Status, Parent: existing, Slices: existingSlices}
			return nil
		}

		// Step 2: seller preconditions.
		info, err := o.sellers.Lookup(ctx, req.Marketplace, req.SellerRef)
		if err != nil {
			return err
		}
		if info == nil || !info.Exists {
			return ErrSellerNotFound
		}
		if !info.KYCVerified {
			return ErrKYCNotVerified
		}
		if info.HasActiveHolds {
			return ErrActiveHolds
		}

		// Step 3: risk oracle call, persisted before any side effects.
		rec, err := o.oracle.Evaluate(ctx, risk.Request{
			Marketplace: req.Marketplace,
			SellerRef:   req.SellerRef,
			Amount:      req.RequestedAmount,
			Currency:    req.Currency,
			Mode:        req.Mode,
		})
		if err != nil {
			return err
		}
		if err := tx.RecordRecommendation(ctx, rec); err != nil {
			return err
		}

		// Step 4: branch on recommended_action.
		if rec.RecommendedAction == risk.ActionHold || rec.RecommendedAction == risk.ActionEscrow {
			reason := "sira_risk_hold"
			if rec.RecommendedAction == risk.ActionEscrow {
				reason = "sira_risk_escrow"
			}
			escrow := &SellerEscrow{
				ID:        idgen.WithPrefix("esc_"),
				SellerRef: req.SellerRef,
				Amount:    req.RequestedAmount,
				Currency:  req.Currency,
				Reason:    reason,
				RiskScore: rec.RiskScore,
				CreatedAt: time.Now(),
			}
			if err := tx.CreateEscrow(ctx, escrow); err != nil {
				return err
			}
			metrics.PayoutsTotal.WithLabelValues(string(rec.RecommendedAction)).Inc()
			result = &SmartPayoutResult{Status: StatusHeld, Escrow: escrow, Recommendation: rec}
			return nil
		}

		priority := PriorityNormal
		if rec.PriorityScore >= priorityScoreThreshold {
			priority = PriorityPriority
		}

		parent := &PayoutParent{
			ID:              idgen.WithPrefix("pay_"),
			ExternalID:      req.IdempotencyKey,
			Origin:          req.Marketplace,
			SellerRef:       req.SellerRef,
			Currency:        req.Currency,
			RequestedAmount: req.RequestedAmount,
			Priority:        priority,
			ReferenceCode:   generateReferenceCode(),
			Status:          StatusCreated,
			CreatedAt:       time.Now(),
		}

		// Step 5: slicing.
		var slices []PayoutSlice
		if rec.MultiBank && len(rec.Slices) > 0 {
			for _, s := range rec.Slices {
				slices = append(slices, PayoutSlice{
					ID:                idgen.WithPrefix("sl_"),
					ParentID:          parent.ID,
					TreasuryAccountID: s.TreasuryAccountID,
					Amount:            s.Amount,
					Order:             s.Order,
				})
			}
		} else {
			treasuryID := rec.TreasuryAccountID
			if treasuryID == "" {
				treasuryID = "treasury-default-1"
			}
			slices = []PayoutSlice{{
				ID:                idgen.WithPrefix("sl_"),
				ParentID:          parent.ID,
				TreasuryAccountID: treasuryID,
				Amount:            req.RequestedAmount,
				Order:             1,
			}}
		}

		if err := tx.CreateParentWithSlices(ctx, parent, slices); err != nil {
			return err
		}

		metrics.PayoutsTotal.WithLabelValues(string(rec.RecommendedAction)).Inc()
		result = &SmartPayoutResult{Status: parent.Status, Parent: parent, Slices: slices, Recommendation: rec}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// generateReferenceCode builds an opaque, unique reference of the form
// SPO-<unix_ms>-<8 hex uppercase>.
func generateReferenceCode() string {
	return fmt.Sprintf("SPO-%d-%s", time.Now().UnixMilli(), strings.ToUpper(idgen.Hex(4)))
}

// RequestAdvance creates an advance against a seller's future sales.
func (o *Orchestrator) RequestAdvance(ctx context.Context, marketplace, sellerRef string, amount string, currency, idempotencyKey string) (*AdvanceRequest, error) {
	if idempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	var result *AdvanceRequest
	err := o.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		existing, err := tx.FindAdvanceByExternalID(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		info, err := o.sellers.Lookup(ctx, marketplace, sellerRef)
		if err != nil {
			return err
		}
		if info == nil || !info.Exists {
			return ErrSellerNotFound
		}
		if !info.KYCVerified {
			return ErrKYCNotVerified
		}
		if money.GreaterThan(amount, info.MaxAdvanceAvailable) {
			return ErrAdvanceNotEligible
		}

		adv := &AdvanceRequest{
			ID:         idgen.WithPrefix("adv_"),
			ExternalID: idempotencyKey,
			SellerRef:  sellerRef,
			Amount:     amount,
			Currency:   currency,
			Fee:        money.MulPercent(amount, AdvanceFeePercent),
			Schedule:   AdvanceSchedule,
			Status:     AdvanceStatusRequested,
			CreatedAt:  time.Now(),
		}
		if err := tx.CreateAdvance(ctx, adv); err != nil {
			return err
		}
		result = adv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListPendingSlices returns slices for FIFO worker dispatch.
func (o *Orchestrator) ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error) {
	return o.store.ListPendingSlices(ctx, limit)
}
