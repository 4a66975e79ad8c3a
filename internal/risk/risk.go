// Package risk implements the SIRA risk-oracle contract for payout routing:
// per-attempt priority/risk scoring, multi-bank slicing, and recommended
// action (instant / batch / hold / escrow / advance). The oracle is treated
// as total — every attempt calls Oracle.Evaluate, never short-circuits it —
// with a deterministic fallback standing in when the out-of-process SIRA
// service is unavailable.
package risk

import (
	"context"
	"time"
)

// RecommendedAction is the oracle's routing verdict for one payout attempt.
type RecommendedAction string

const (
	ActionInstant RecommendedAction = "instant"
	ActionBatch   RecommendedAction = "batch"
	ActionHold    RecommendedAction = "hold"
	ActionEscrow  RecommendedAction = "escrow"
	ActionAdvance RecommendedAction = "advance"
)

// SliceRecommendation is one multi-bank split suggested by the oracle.
type SliceRecommendation struct {
	TreasuryAccountID string
	Amount            string // NUMERIC(20,6) decimal string
	Order             int
}

// Request carries the data the oracle needs to score one payout attempt.
type Request struct {
	Marketplace string
	SellerRef   string
	Amount      string // NUMERIC(20,6) decimal string
	Currency    string
	Mode        string // requested execution hint, e.g. "instant" or "batch"
}

// Recommendation is the SIRA verdict persisted as SiraRecommendation,
// one-to-one with a payout attempt regardless of its outcome.
type Recommendation struct {
	SellerRef         string
	PriorityScore     float64 // 0-100
	RiskScore         float64 // 0-100
	MultiBank         bool
	RecommendedAction RecommendedAction
	Slices            []SliceRecommendation
	TreasuryAccountID string
	Reasons           []string
	ModelVersion      string
	EvaluatedAt       time.Time
}

// Oracle scores a payout attempt. Implementations must never block the
// payout transaction indefinitely. The orchestrator calls Evaluate without
// a timeout of its own; HTTPClient bounds its remote call with its own
// HTTP timeout and circuit breaker.
type Oracle interface {
	Evaluate(ctx context.Context, req Request) (*Recommendation, error)
}

// Store persists SiraRecommendations for audit, independent of whether the
// attempt became a payout, hold, or escrow.
type Store interface {
	Record(ctx context.Context, rec *Recommendation) error
	ListBySeller(ctx context.Context, sellerRef string, limit int) ([]*Recommendation, error)
}
