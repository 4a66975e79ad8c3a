// Package payout implements the smart payout orchestrator: idempotent,
// multi-slice payout creation with risk-driven routing (hold / escrow /
// instant / batch) and multi-bank splitting.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/risk"
)

// Priority classifies a payout parent for dispatch ordering.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityPriority Priority = "priority"
)

// Status is the lifecycle state of a payout parent.
type Status string

const (
	StatusHeld       Status = "held"
	StatusCreated    Status = "created"
	StatusDispatched Status = "dispatched"
)

// AdvanceStatus is the lifecycle state of an advance request.
type AdvanceStatus string

const (
	AdvanceStatusRequested AdvanceStatus = "requested"
)

// AdvanceFeePercent is the fixed advance fee rate — a rate, not a money
// amount, so it stays a float64.
const AdvanceFeePercent = 0.05

// AdvanceSchedule is the fixed repayment schedule for advances.
const AdvanceSchedule = "future_sales"

// PayoutParent is the immutable-once-sliced top-level payout record.
type PayoutParent struct {
	ID              string
	ExternalID      string // unique idempotency key
	Origin          string
	SellerRef       string
	Currency        string
	RequestedAmount string // NUMERIC(20,6) decimal string
	Priority        Priority
	ReferenceCode   string // unique, opaque: SPO-<unix_ms>-<8 hex>
	Status          Status
	Metadata        map[string]string
	CreatedAt       time.Time
}

// PayoutSlice is one multi-bank split of a PayoutParent.
type PayoutSlice struct {
	ID                string
	ParentID          string
	TreasuryAccountID string
	Amount            string // NUMERIC(20,6) decimal string
	Order             int
}

// SellerEscrow is created when the oracle recommends hold/escrow — no
// PayoutParent is ever created for this attempt.
type SellerEscrow struct {
	ID        string
	SellerRef string
	Amount    string // NUMERIC(20,6) decimal string
	Currency  string
	Reason    string
	RiskScore float64
	CreatedAt time.Time
}

// AdvanceRequest is a future-sales-backed cash advance.
type AdvanceRequest struct {
	ID         string
	ExternalID string
	SellerRef  string
	Amount     string // NUMERIC(20,6) decimal string
	Currency   string
	Fee        string // NUMERIC(20,6) decimal string
	Schedule   string
	Status     AdvanceStatus
	CreatedAt  time.Time
}

// SmartPayoutRequest is the input to Orchestrator.SmartPayout.
type SmartPayoutRequest struct {
	Marketplace     string
	SellerRef       string
	RequestedAmount string // NUMERIC(20,6) decimal string
	Currency        string
	Mode            string // "auto", "instant" or "manual" hint passed through to the oracle
	IdempotencyKey  string
}

// SmartPayoutResult is the outcome of one SmartPayout call. Recommendation
// is nil on an idempotent replay — the original recommendation is already
// persisted in the audit trail.
type SmartPayoutResult struct {
	Status         Status
	Parent         *PayoutParent
	Slices         []PayoutSlice
	Escrow         *SellerEscrow
	Recommendation *risk.Recommendation
}

// Structured precondition/validation errors, mapped to 4xx at the HTTP boundary.
var (
	ErrMissingIdempotencyKey = errors.New("payout: idempotency_key is required")
	ErrSellerNotFound        = errors.New("payout: seller not found under marketplace")
	ErrKYCNotVerified        = errors.New("payout: seller kyc not verified")
	ErrActiveHolds           = errors.New("payout: seller has active holds")
	ErrInvalidAmount         = errors.New("payout: requested amount must be positive")
	ErrAdvanceNotEligible    = errors.New("payout: advance amount exceeds max_advance_available")
)

// SellerInfo describes the seller-account state the orchestrator checks
// before creating a payout or advance.
type SellerInfo struct {
	Exists              bool
	KYCVerified         bool
	HasActiveHolds      bool
	MaxAdvanceAvailable string // NUMERIC(20,6) decimal string
}

// SellerDirectory is the external collaborator that answers seller
// precondition and advance-eligibility questions. Owned by another service;
// only its contract is declared here.
type SellerDirectory interface {
	Lookup(ctx context.Context, marketplace, sellerRef string) (*SellerInfo, error)
}

// Store persists PayoutParent/PayoutSlice/SellerEscrow/AdvanceRequest.
type Store interface {
	// FindByExternalID returns the payout parent matching externalID, or
	// nil if none exists (the idempotency guard).
	FindByExternalID(ctx context.Context, externalID string) (*PayoutParent, []PayoutSlice, error)

	CreateParentWithSlices(ctx context.Context, parent *PayoutParent, slices []PayoutSlice) error
	CreateEscrow(ctx context.Context, escrow *SellerEscrow) error

	// RecordRecommendation persists the SIRA verdict for this attempt in
	// the same transaction as the payout outcome, so a recommendation row
	// exists if and only if the attempt committed.
	RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error

	FindAdvanceByExternalID(ctx context.Context, externalID string) (*AdvanceRequest, error)
	CreateAdvance(ctx context.Context, adv *AdvanceRequest) error

	// ListPendingSlices returns slices from the active_payout_slices
	// projection, ordered for FIFO dispatch.
	ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error)

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
