// Package approval implements the multi-signature approval workflow: a
// threshold-signature state machine guarding privileged ops actions, plus a
// scheduled expiry worker.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an ApprovalRequest. Approved, rejected,
// and expired are terminal — no further signatures are accepted.
type Status string

const (
	StatusOpen              Status = "open"
	StatusPartiallyApproved Status = "partially_approved"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusExpired           Status = "expired"
)

// IsTerminal reports whether status admits no further signatures.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Policy carries the threshold and role restriction an ApprovalRequest is
// created against. Policy authoring lives elsewhere; only the contract
// consumed here (via PolicyLookup) is declared.
type Policy struct {
	ID                string
	RequiredThreshold int
	AllowedRoles      []string
	TTL               time.Duration
}

// HasAllowedRole reports whether any of roles intersects p.AllowedRoles.
func (p *Policy) HasAllowedRole(roles []string) bool {
	allowed := make(map[string]bool, len(p.AllowedRoles))
	for _, r := range p.AllowedRoles {
		allowed[r] = true
	}
	for _, r := range roles {
		if allowed[r] {
			return true
		}
	}
	return false
}

// Signature is an immutable record that a specific operator endorsed a
// request. A signer appears at most once per request.
type Signature struct {
	Signer   string
	Roles    []string
	SignedAt time.Time
	Comment  string
}

// ApprovalRequest is the threshold-signature authorization object guarding
// one privileged ops action.
type ApprovalRequest struct {
	ID                string
	RequestType       string
	ReferenceID       string
	PolicyID          string
	RequiredThreshold int
	RequestedBy       string
	Status            Status
	ExpiresAt         time.Time
	Metadata          map[string]string
	Signatures        []Signature
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SatisfyingSignatureCount returns the number of signatures that count
// toward the policy threshold: one per distinct signer, already enforced
// at insertion time by the "signer appears at most once" invariant.
func (a *ApprovalRequest) SatisfyingSignatureCount() int {
	return len(a.Signatures)
}

// HasSigned reports whether signer has already signed this request.
func (a *ApprovalRequest) HasSigned(signer string) bool {
	for _, s := range a.Signatures {
		if s.Signer == signer {
			return true
		}
	}
	return false
}

// Structured validation/precondition/conflict errors, mapped to 4xx at the HTTP boundary.
var (
	ErrRequestNotFound = errors.New("approval: request not found")
	ErrPolicyNotFound  = errors.New("approval: policy not found")
	ErrAlreadyTerminal = errors.New("approval: request already in a terminal state")
	ErrExpired         = errors.New("approval: request has expired")
	ErrDuplicateSigner = errors.New("approval: signer has already signed this request")
	ErrRoleNotAllowed  = errors.New("approval: signer role not permitted by policy")
)

// PolicyLookup resolves a policy_id to its threshold/role configuration.
type PolicyLookup interface {
	Get(ctx context.Context, policyID string) (*Policy, error)
}

// OpsActionTransitioner is the linked privileged action this approval
// request guards: it transitions to authorized on approval and rejected on
// reject/expiry. Only that contract is declared here.
type OpsActionTransitioner interface {
	Authorize(ctx context.Context, referenceID string) error
	Reject(ctx context.Context, referenceID, reason string) error
}

// Store persists ApprovalRequest/Signature state.
type Store interface {
	Create(ctx context.Context, a *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetForUpdate locks the request row for the transaction's lifetime so
	// two concurrent signers approaching the threshold are serialized.
	GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, a *ApprovalRequest) error
	// ListExpirable returns open/partially_approved requests whose
	// expires_at has passed, for the expiry worker.
	ListExpirable(ctx context.Context, asOf time.Time, limit int) ([]*ApprovalRequest, error)
	// List filters by status and/or request_type.
	List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error)

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
