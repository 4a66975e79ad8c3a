package approval

import (
	"context"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
)

// Broadcaster pushes approval lifecycle events to the ops dashboard.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// Workflow implements Create/Sign/Reject, the threshold-signature state
// machine guarding privileged ops actions.
type Workflow struct {
	store    Store
	policies PolicyLookup
	actions  OpsActionTransitioner
	live     Broadcaster
}

// NewWorkflow creates an approval workflow. actions may be nil when no
// linked ops action needs to be transitioned (e.g. free-standing approvals).
func NewWorkflow(store Store, policies PolicyLookup, actions OpsActionTransitioner, live Broadcaster) *Workflow {
	return &Workflow{store: store, policies: policies, actions: actions, live: live}
}

// Create opens a new approval request against policyID.
func (w *Workflow) Create(ctx context.Context, requestType, referenceID, policyID, requestedBy string, metadata map[string]string) (*ApprovalRequest, error) {
	policy, err := w.policies.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, ErrPolicyNotFound
	}

	now := time.Now()
	a := &ApprovalRequest{
		ID:                idgen.WithPrefix("apr_"),
		RequestType:       requestType,
		ReferenceID:       referenceID,
		PolicyID:          policyID,
		RequiredThreshold: policy.RequiredThreshold,
		RequestedBy:       requestedBy,
		Status:            StatusOpen,
		ExpiresAt:         now.Add(policy.TTL),
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := w.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Sign records signer's endorsement. Accepted only if the request is open
// or partially_approved, unexpired, signer hasn't already signed, and
// signer_roles intersects the policy's allowed roles. After insertion, if
// the signature count reaches the required threshold, status advances to
// approved and the linked ops action is authorized — announced exactly
// once because the row lock serializes concurrent signers.
func (w *Workflow) Sign(ctx context.Context, requestID, signer string, signerRoles []string, comment string) (*ApprovalRequest, error) {
	var result *ApprovalRequest
	var justApproved bool

	err := w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		a, err := tx.GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrRequestNotFound
		}
		if a.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		if time.Now().After(a.ExpiresAt) {
			return ErrExpired
		}
		if a.HasSigned(signer) {
			return ErrDuplicateSigner
		}

		policy, err := w.policies.Get(ctx, a.PolicyID)
		if err != nil {
			return err
		}
		if policy == nil {
			return ErrPolicyNotFound
		}
		if !policy.HasAllowedRole(signerRoles) {
			return ErrRoleNotAllowed
		}

		a.Signatures = append(a.Signatures, Signature{
			Signer: signer, Roles: signerRoles, SignedAt: time.Now(), Comment: comment,
		})
		a.UpdatedAt = time.Now()

		if a.SatisfyingSignatureCount() >= a.RequiredThreshold {
			a.Status = StatusApproved
			justApproved = true
		} else if a.Status == StatusOpen {
			a.Status = StatusPartiallyApproved
		}

		if err := tx.Update(ctx, a); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	if justApproved {
		metrics.ApprovalsTotal.WithLabelValues(string(StatusApproved)).Inc()
		if w.actions != nil {
			if err := w.actions.Authorize(ctx, result.ReferenceID); err != nil {
				logging.L(ctx).Error("linked ops action authorize failed", "request_id", result.ID, "error", err)
			}
		}
		if w.live != nil {
			w.live.Broadcast("approval.approved", map[string]any{"request_id": result.ID})
		}
	}
	return result, nil
}

// Reject is a terminal transition; the linked ops action transitions to
// rejected.
func (w *Workflow) Reject(ctx context.Context, requestID, signer, reason string) (*ApprovalRequest, error) {
	var result *ApprovalRequest
	err := w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		a, err := tx.GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrRequestNotFound
		}
		if a.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}

		a.Status = StatusRejected
		a.UpdatedAt = time.Now()
		if a.Metadata == nil {
			a.Metadata = map[string]string{}
		}
		a.Metadata["rejected_by"] = signer
		a.Metadata["reject_reason"] = reason

		if err := tx.Update(ctx, a); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ApprovalsTotal.WithLabelValues(string(StatusRejected)).Inc()
	if w.actions != nil {
		if err := w.actions.Reject(ctx, result.ReferenceID, reason); err != nil {
			logging.L(ctx).Error("linked ops action reject failed", "request_id", result.ID, "error", err)
		}
	}
	return result, nil
}

// Get returns one request with its signatures.
func (w *Workflow) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	return w.store.Get(ctx, id)
}

// List filters by status and/or request_type.
func (w *Workflow) List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error) {
	return w.store.List(ctx, status, requestType, limit)
}
