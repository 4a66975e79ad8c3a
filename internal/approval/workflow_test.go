package approval

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePolicies struct {
	policies map[string]*Policy
}

func (f *fakePolicies) Get(ctx context.Context, policyID string) (*Policy, error) {
	return f.policies[policyID], nil
}

type fakeActions struct {
	authorized []string
	rejected   []string
}

func (f *fakeActions) Authorize(ctx context.Context, referenceID string) error {
	f.authorized = append(f.authorized, referenceID)
	return nil
}

func (f *fakeActions) Reject(ctx context.Context, referenceID, reason string) error {
	f.rejected = append(f.rejected, referenceID)
	return nil
}

func policyABC() *fakePolicies {
	return &fakePolicies{policies: map[string]*Policy{
		"policy-1": {ID: "policy-1", RequiredThreshold: 2, AllowedRoles: []string{"A", "B", "C"}, TTL: time.Hour},
	}}
}

func TestSign_ApprovesExactlyOnceAtThreshold(t *testing.T) {
	ctx := context.Background()
	actions := &fakeActions{}
	wf := NewWorkflow(NewMemoryStore(), policyABC(), actions, nil)

	req, err := wf.Create(ctx, "plugin_upgrade", "ref-1", "policy-1", "ops1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, req.Status)

	after1, err := wf.Sign(ctx, req.ID, "u1", []string{"A"}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyApproved, after1.Status)
	assert.Empty(t, actions.authorized)

	after2, err := wf.Sign(ctx, req.ID, "u2", []string{"B"}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, after2.Status)
	assert.Equal(t, []string{"ref-1"}, actions.authorized)

	// A subsequent signer must be rejected — the request is terminal.
	_, err = wf.Sign(ctx, req.ID, "u3", []string{"C"}, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestSign_RejectsDuplicateSigner(t *testing.T) {
	ctx := context.Background()
	wf := NewWorkflow(NewMemoryStore(), policyABC(), nil, nil)

	req, err := wf.Create(ctx, "plugin_upgrade", "ref-2", "policy-1", "ops1", nil)
	require.NoError(t, err)

	_, err = wf.Sign(ctx, req.ID, "u1", []string{"A"}, "")
	require.NoError(t, err)

	_, err = wf.Sign(ctx, req.ID, "u1", []string{"A"}, "")
	assert.ErrorIs(t, err, ErrDuplicateSigner)
}

func TestSign_RejectsDisallowedRole(t *testing.T) {
	ctx := context.Background()
	wf := NewWorkflow(NewMemoryStore(), policyABC(), nil, nil)

	req, err := wf.Create(ctx, "plugin_upgrade", "ref-3", "policy-1", "ops1", nil)
	require.NoError(t, err)

	_, err = wf.Sign(ctx, req.ID, "u1", []string{"Z"}, "")
	assert.ErrorIs(t, err, ErrRoleNotAllowed)
}

func TestReject_IsTerminalAndRejectsLinkedAction(t *testing.T) {
	ctx := context.Background()
	actions := &fakeActions{}
	wf := NewWorkflow(NewMemoryStore(), policyABC(), actions, nil)

	req, err := wf.Create(ctx, "plugin_upgrade", "ref-4", "policy-1", "ops1", nil)
	require.NoError(t, err)

	rejected, err := wf.Reject(ctx, req.ID, "u1", "suspicious")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, []string{"ref-4"}, actions.rejected)

	_, err = wf.Sign(ctx, req.ID, "u2", []string{"A"}, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestExpiryTimer_SweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	actions := &fakeActions{}
	wf := NewWorkflow(store, policyABC(), actions, nil)

	req, err := wf.Create(ctx, "plugin_upgrade", "ref-5", "policy-1", "ops1", nil)
	require.NoError(t, err)

	// Force expiry into the past.
	a, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	a.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(ctx, a))

	timer := NewTimer(wf, store, nil, time.Minute, discardLogger())
	n, err := timer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ref-5"}, actions.rejected)

	updated, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, updated.Status)

	// Re-running the sweep must be a no-op.
	n, err = timer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, actions.rejected, 1)
}
