package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/circuitbreaker"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/retry"
)

// breakerKey is shared across all seller calls — the SIRA endpoint is a
// single out-of-process collaborator, not a per-seller resource.
const breakerKey = "sira-oracle"

// HTTPClient calls the out-of-process SIRA oracle, protected by a circuit
// breaker and bounded retries. On circuit-open, timeout, or exhausted
// retries it falls back to Engine, so Evaluate itself never returns an
// error up to the payout orchestrator — the oracle is total from the
// caller's point of view.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	fallback *Engine
}

// NewHTTPClient creates a circuit-broken, retrying SIRA client with the
// given deterministic fallback engine.
func NewHTTPClient(baseURL string, timeout time.Duration, fallback *Engine) *HTTPClient {
	return &HTTPClient{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		fallback: fallback,
	}
}

type oracleRequestDTO struct {
	Marketplace string `json:"marketplace"`
	SellerRef   string `json:"seller_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Mode        string `json:"mode"`
}

type oracleResponseDTO struct {
	PriorityScore     float64 `json:"priority_score"`
	RiskScore         float64 `json:"risk_score"`
	MultiBank         bool    `json:"multi_bank"`
	RecommendedAction string  `json:"recommended_action"`
	Slices            []struct {
		TreasuryAccountID string `json:"treasury_account_id"`
		Amount            string `json:"amount"`
		Order             int    `json:"order"`
	} `json:"slices"`
	TreasuryAccountID string   `json:"treasury_account_id"`
	Reasons           []string `json:"reasons"`
	ModelVersion      string   `json:"model_version"`
}

// Evaluate implements Oracle.
func (c *HTTPClient) Evaluate(ctx context.Context, req Request) (*Recommendation, error) {
	if !c.breaker.Allow(breakerKey) {
		logging.L(ctx).Warn("sira oracle circuit open, using fallback", "seller_ref", req.SellerRef)
		return c.fallback.Evaluate(ctx, req)
	}

	var rec *Recommendation
	err := retry.Do(ctx, 2, 50*time.Millisecond, func() error {
		r, callErr := c.call(ctx, req)
		if callErr != nil {
			return callErr
		}
		rec = r
		return nil
	})

	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		logging.L(ctx).Warn("sira oracle call failed, using fallback", "seller_ref", req.SellerRef, "error", err)
		return c.fallback.Evaluate(ctx, req)
	}

	c.breaker.RecordSuccess(breakerKey)
	return rec, nil
}

func (c *HTTPClient) call(ctx context.Context, req Request) (*Recommendation, error) {
	body, err := json.Marshal(oracleRequestDTO{
		Marketplace: req.Marketplace,
		SellerRef:   req.SellerRef,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Mode:        req.Mode,
	})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("sira oracle returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, retry.Permanent(fmt.Errorf("sira oracle returned %d: %s", resp.StatusCode, raw))
	}

	var dto oracleResponseDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, retry.Permanent(err)
	}

	rec := &Recommendation{
		SellerRef:         req.SellerRef,
		PriorityScore:     dto.PriorityScore,
		RiskScore:         dto.RiskScore,
		MultiBank:         dto.MultiBank,
		RecommendedAction: RecommendedAction(dto.RecommendedAction),
		TreasuryAccountID: dto.TreasuryAccountID,
		Reasons:           dto.Reasons,
		ModelVersion:      dto.ModelVersion,
		EvaluatedAt:       time.Now(),
	}
	for _, s := range dto.Slices {
		rec.Slices = append(rec.Slices, SliceRecommendation{
			TreasuryAccountID: s.TreasuryAccountID,
			Amount:            s.Amount,
			Order:             s.Order,
		})
	}
	return rec, nil
}
