package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/approval"
	"github.com/Molam-git/molam-connect-sub010/internal/payout"
)

const defaultApprovalTTL = 24 * time.Hour

func parseAmount(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// demoLedger is an in-memory stand-in for the mobile-money ledger the USSD
// engine sits in front of. Out of scope per the platform boundary — a real
// deployment wires this to the core ledger service.
type demoLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	pinHash  map[string]string
}

func newDemoLedger() *demoLedger {
	return &demoLedger{balances: make(map[string]float64), pinHash: make(map[string]string)}
}

func (d *demoLedger) Balance(ctx context.Context, phone string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return formatAmount(d.balances[phone]), nil
}

func (d *demoLedger) Transfer(ctx context.Context, fromPhone, toPhone, amount string) error {
	amt := parseAmount(amount)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[fromPhone] -= amt
	d.balances[toPhone] += amt
	return nil
}

func (d *demoLedger) Recharge(ctx context.Context, phone, amount string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[phone] += parseAmount(amount)
	return nil
}

func (d *demoLedger) Withdraw(ctx context.Context, phone, amount string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[phone] -= parseAmount(amount)
	return nil
}

func (d *demoLedger) UpdatePINHash(ctx context.Context, phone, newPIN string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinHash[phone] = newPIN
	return nil
}

func (d *demoLedger) VerifyPIN(ctx context.Context, phone, pin string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.pinHash[phone]
	if !ok {
		return true, nil // first-time PIN set flows through the engine's own enrollment state
	}
	return stored == pin, nil
}

// demoSellerDirectory is an in-memory stand-in for the merchant directory
// the payout orchestrator checks preconditions against.
type demoSellerDirectory struct {
	mu      sync.Mutex
	sellers map[string]*payout.SellerInfo
}

func newDemoSellerDirectory() *demoSellerDirectory {
	return &demoSellerDirectory{sellers: make(map[string]*payout.SellerInfo)}
}

func (d *demoSellerDirectory) Lookup(ctx context.Context, marketplace, sellerRef string) (*payout.SellerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := marketplace + ":" + sellerRef
	if info, ok := d.sellers[key]; ok {
		return info, nil
	}
	// Unknown sellers default to a verified, unconstrained profile so the
	// demo/local-dev path can exercise the orchestrator without a seeded
	// directory.
	return &payout.SellerInfo{Exists: true, KYCVerified: true, MaxAdvanceAvailable: "1000000.000000"}, nil
}

// staticPolicies is a fixed-set approval.PolicyLookup, standing in for an
// operator-configured policy table.
type staticPolicies struct {
	policies map[string]*approval.Policy
}

func newStaticPolicies() *staticPolicies {
	return &staticPolicies{policies: map[string]*approval.Policy{
		"plugin-rollback":      {ID: "plugin-rollback", RequiredThreshold: 2, AllowedRoles: []string{"ops_plugins", "pay_admin"}, TTL: defaultApprovalTTL},
		"large-payout-release": {ID: "large-payout-release", RequiredThreshold: 2, AllowedRoles: []string{"pay_admin", "fraud_ops"}, TTL: defaultApprovalTTL},
	}}
}

func (s *staticPolicies) Get(ctx context.Context, policyID string) (*approval.Policy, error) {
	return s.policies[policyID], nil
}

// noopActions is an approval.OpsActionTransitioner that only logs — wiring
// a real linked ops action (e.g. releasing a held payout, completing a
// rollback) is the caller's responsibility per subsystem; the approval
// workflow itself only needs the contract.
type noopActions struct{}

func (noopActions) Authorize(ctx context.Context, referenceID string) error      { return nil }
func (noopActions) Reject(ctx context.Context, referenceID, reason string) error { return nil }

// zeroErrorObserver reports no errors for any rollout, so the auto-pause
// sweep never trips until a real metrics source is wired in.
type zeroErrorObserver struct{}

func (zeroErrorObserver) ObservedErrorRate(ctx context.Context, rolloutID string) (float64, error) {
	return 0, nil
}
