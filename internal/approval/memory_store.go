package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory approval store for demo/development mode,
// one mutex held for the whole WithTx callback.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*ApprovalRequest
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*ApprovalRequest)}
}

func cloneRequest(a *ApprovalRequest) *ApprovalRequest {
	cp := *a
	cp.Signatures = append([]Signature(nil), a.Signatures...)
	cp.Metadata = cloneMeta(a.Metadata)
	return &cp
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Create(ctx context.Context, a *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[a.ID] = cloneRequest(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(a), nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, a *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[a.ID]; !ok {
		return ErrRequestNotFound
	}
	m.requests[a.ID] = cloneRequest(a)
	return nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, asOf time.Time, limit int) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*ApprovalRequest
	for _, a := range m.requests {
		if !a.Status.IsTerminal() && asOf.After(a.ExpiresAt) {
			result = append(result, cloneRequest(a))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*ApprovalRequest
	for _, a := range m.requests {
		if status != "" && string(a.Status) != status {
			continue
		}
		if requestType != "" && a.RequestType != requestType {
			continue
		}
		result = append(result, cloneRequest(a))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &approvalTxView{m: m})
}

// approvalTxView implements Store against an already-locked MemoryStore.
type approvalTxView struct{ m *MemoryStore }

func (t *approvalTxView) Create(ctx context.Context, a *ApprovalRequest) error {
	t.m.requests[a.ID] = cloneRequest(a)
	return nil
}

func (t *approvalTxView) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	a, ok := t.m.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(a), nil
}

func (t *approvalTxView) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	return t.Get(ctx, id)
}

func (t *approvalTxView) Update(ctx context.Context, a *ApprovalRequest) error {
	if _, ok := t.m.requests[a.ID]; !ok {
		return ErrRequestNotFound
	}
	t.m.requests[a.ID] = cloneRequest(a)
	return nil
}

func (t *approvalTxView) ListExpirable(ctx context.Context, asOf time.Time, limit int) ([]*ApprovalRequest, error) {
	var result []*ApprovalRequest
	for _, a := range t.m.requests {
		if !a.Status.IsTerminal() && asOf.After(a.ExpiresAt) {
			result = append(result, cloneRequest(a))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (t *approvalTxView) List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error) {
	var result []*ApprovalRequest
	for _, a := range t.m.requests {
		if status != "" && string(a.Status) != status {
			continue
		}
		if requestType != "" && a.RequestType != requestType {
			continue
		}
		result = append(result, cloneRequest(a))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (t *approvalTxView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*approvalTxView)(nil)
