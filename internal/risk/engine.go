package risk

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/money"
)

// windowEntry records one historical payout attempt for sliding-window
// velocity analysis, per seller.
type windowEntry struct {
	Amount    *big.Int
	Timestamp time.Time
}

const (
	maxWindowSize  = 500
	windowDuration = 24 * time.Hour

	sliceChunkAmount = "50000.000000"

	// Fallback scoring baseline.
	basePriorityScore        = 50.0
	instantModePriorityBoost = 30.0
	largeAmountThreshold     = "10000.000000"
	largeAmountPriorityBoost = 20.0
	highRiskAmountThreshold  = "50000.000000"
	highRiskBoost            = 30.0
	multiBankThreshold       = "100000.000000"

	// Action thresholds. Risk dominates priority — an attempt never
	// instant-routes once risk looks bad.
	holdRiskThreshold    = 80.0
	escrowRiskThreshold  = 60.0
	instantPriorityFloor = 85.0

	// velocityWeight scales the sliding-window enrichment on top of the
	// static formula; kept small so it only ever adds risk, never
	// removes it.
	velocityWeight = 15.0
)

// defaultTreasuryAccounts rotates across slices when the oracle has no
// seller-specific routing preference.
var defaultTreasuryAccounts = []string{"treasury-default-1", "treasury-default-2", "treasury-default-3"}

// Engine is the deterministic fallback oracle: a fixed score formula
// enriched with a per-seller sliding-window velocity signal (recent payout
// size vs. historical average, log-scaled).
//
// Evaluate never persists its own result: the recommendation must be
// persisted exactly once, inside the payout orchestrator's transaction,
// before any side effect. The orchestrator owns that write via
// payout.Store.RecordRecommendation; Engine only computes.
type Engine struct {
	windows sync.Map // map[string]*sellerWindow
}

type sellerWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates the deterministic fallback oracle.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate implements Oracle using the static formula plus the
// sliding-window velocity enrichment.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Recommendation, error) {
	reqAmount, ok := money.Parse(req.Amount)
	if !ok {
		return nil, fmt.Errorf("risk: invalid amount %q", req.Amount)
	}

	w := e.getWindow(req.SellerRef)
	w.mu.Lock()
	entries := snapshotEntries(w)
	w.entries = append(w.entries, windowEntry{Amount: reqAmount, Timestamp: time.Now()})
	pruneWindow(w)
	w.mu.Unlock()

	priority := basePriorityScore
	var reasons []string
	if req.Mode == "instant" {
		priority += instantModePriorityBoost
		reasons = append(reasons, "instant mode requested (+30 priority)")
	}
	if money.GreaterThan(req.Amount, largeAmountThreshold) {
		priority += largeAmountPriorityBoost
		reasons = append(reasons, fmt.Sprintf("amount > %s (+20 priority)", largeAmountThreshold))
	}

	riskScore := 0.0
	if money.GreaterThan(req.Amount, highRiskAmountThreshold) {
		riskScore += highRiskBoost
		reasons = append(reasons, fmt.Sprintf("amount > %s (+30 risk)", highRiskAmountThreshold))
	}

	velocity := velocityFactor(entries, reqAmount)
	if velocity > 0 {
		riskScore += velocity * velocityWeight
		reasons = append(reasons, fmt.Sprintf("payout velocity spike (+%.1f risk)", velocity*velocityWeight))
	}

	priority = clamp(priority, 0, 100)
	riskScore = clamp(riskScore, 0, 100)

	multiBank := money.GreaterThan(req.Amount, multiBankThreshold)

	action := ActionBatch
	switch {
	case riskScore >= holdRiskThreshold:
		action = ActionHold
	case riskScore >= escrowRiskThreshold:
		action = ActionEscrow
	case priority >= instantPriorityFloor:
		action = ActionInstant
	}

	rec := &Recommendation{
		SellerRef:         req.SellerRef,
		PriorityScore:     priority,
		RiskScore:         riskScore,
		MultiBank:         multiBank,
		RecommendedAction: action,
		Reasons:           reasons,
		ModelVersion:      "fallback-v1",
		EvaluatedAt:       time.Now(),
	}

	if multiBank && (action == ActionInstant || action == ActionBatch) {
		rec.Slices = sliceAmount(req.Amount)
	} else if action == ActionInstant || action == ActionBatch {
		rec.TreasuryAccountID = defaultTreasuryAccounts[0]
	}

	return rec, nil
}

// sliceAmount splits amount into 50k-sized chunks, rotating across the
// default treasury accounts. The last slice carries the remainder.
func sliceAmount(amount string) []SliceRecommendation {
	total, ok := money.Parse(amount)
	if !ok {
		return nil
	}
	chunk, _ := money.Parse(sliceChunkAmount)

	var slices []SliceRecommendation
	remaining := new(big.Int).Set(total)
	order := 1
	for remaining.Sign() > 0 {
		amt := chunk
		if remaining.Cmp(chunk) < 0 {
			amt = remaining
		}
		slices = append(slices, SliceRecommendation{
			TreasuryAccountID: defaultTreasuryAccounts[(order-1)%len(defaultTreasuryAccounts)],
			Amount:            money.Format(amt),
			Order:             order,
		})
		remaining = new(big.Int).Sub(remaining, amt)
		order++
	}
	return slices
}

func (e *Engine) getWindow(sellerRef string) *sellerWindow {
	v, _ := e.windows.LoadOrStore(sellerRef, &sellerWindow{})
	return v.(*sellerWindow)
}

func snapshotEntries(w *sellerWindow) []windowEntry {
	cutoff := time.Now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

func pruneWindow(w *sellerWindow) {
	cutoff := time.Now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityFactor compares the current attempt against the seller's 24h
// average payout size, log-scaled: 10x the average → 0.5, 100x → 1.0.
func velocityFactor(entries []windowEntry, currentAmount *big.Int) float64 {
	if len(entries) < 2 {
		return 0.0
	}
	total := new(big.Int)
	for _, e := range entries {
		total.Add(total, e.Amount)
	}
	avg := new(big.Float).Quo(new(big.Float).SetInt(total), big.NewFloat(float64(len(entries))))
	avgF, _ := avg.Float64()
	if avgF <= 0 {
		return 0.0
	}
	currentF, _ := new(big.Float).SetInt(currentAmount).Float64()
	ratio := currentF / avgF
	if ratio <= 1.0 {
		return 0.0
	}
	score := math.Log10(ratio) / 2.0
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
