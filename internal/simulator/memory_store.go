package simulator

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory simulator store for demo/development mode.
type MemoryStore struct {
	mu          sync.Mutex
	simulations map[string]*Simulation
	runs        map[string]*SimulationRun
	runOrder    []string
	journal     map[string][]*Journal
	anomalies   map[string][]*AnonymizedError
}

// NewMemoryStore creates a new in-memory simulator store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		simulations: make(map[string]*Simulation),
		runs:        make(map[string]*SimulationRun),
		journal:     make(map[string][]*Journal),
		anomalies:   make(map[string][]*AnonymizedError),
	}
}

// CreateSimulation registers (or replaces) a simulation definition.
func (m *MemoryStore) CreateSimulation(ctx context.Context, sim *Simulation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sim
	m.simulations[sim.ID] = &cp
	return nil
}

func cloneRun(r *SimulationRun) *SimulationRun {
	cp := *r
	if r.Metrics != nil {
		m := *r.Metrics
		cp.Metrics = &m
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		cp.ExitCode = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func (m *MemoryStore) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sim, ok := m.simulations[id]
	if !ok {
		return nil, nil
	}
	cp := *sim
	return &cp, nil
}

func (m *MemoryStore) EnqueueRun(ctx context.Context, run *SimulationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

// DequeueRun returns the oldest queued run, transitioning it to running.
func (m *MemoryStore) DequeueRun(ctx context.Context) (*SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.runOrder {
		run := m.runs[id]
		if run != nil && run.Status == StatusQueued {
			run.Status = StatusRunning
			m.runs[id] = run
			return cloneRun(run), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) GetRunForUpdate(ctx context.Context, id string) (*SimulationRun, error) {
	return m.GetRun(ctx, id)
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *SimulationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, status string, limit int) ([]*SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*SimulationRun
	for _, id := range m.runOrder {
		run := m.runs[id]
		if status != "" && string(run.Status) != status {
			continue
		}
		result = append(result, cloneRun(run))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendJournal(ctx context.Context, j *Journal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.journal[j.RunID] = append(m.journal[j.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListJournal(ctx context.Context, runID string) ([]*Journal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.journal[runID]
	out := make([]*Journal, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) InsertAnonymizedErrors(ctx context.Context, errs []*AnonymizedError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range errs {
		cp := *e
		runID := e.RunID
		m.anomalies[runID] = append(m.anomalies[runID], &cp)
	}
	return nil
}

func (m *MemoryStore) ListAnonymizedErrors(ctx context.Context, runID string) ([]*AnonymizedError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.anomalies[runID]
	out := make([]*AnonymizedError, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// WithTx runs fn with the store's mutex held for the whole callback, same
// single-lock convention as rollout/approval's memory stores.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &txView{m: m})
}

// txView implements Store against an already-locked MemoryStore.
type txView struct{ m *MemoryStore }

func (t *txView) CreateSimulation(ctx context.Context, sim *Simulation) error {
	cp := *sim
	t.m.simulations[sim.ID] = &cp
	return nil
}

func (t *txView) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	sim, ok := t.m.simulations[id]
	if !ok {
		return nil, nil
	}
	cp := *sim
	return &cp, nil
}

func (t *txView) EnqueueRun(ctx context.Context, run *SimulationRun) error {
	t.m.runs[run.ID] = cloneRun(run)
	t.m.runOrder = append(t.m.runOrder, run.ID)
	return nil
}

func (t *txView) DequeueRun(ctx context.Context) (*SimulationRun, error) {
	for _, id := range t.m.runOrder {
		run := t.m.runs[id]
		if run != nil && run.Status == StatusQueued {
			run.Status = StatusRunning
			t.m.runs[id] = run
			return cloneRun(run), nil
		}
	}
	return nil, nil
}

func (t *txView) GetRun(ctx context.Context, id string) (*SimulationRun, error) {
	run, ok := t.m.runs[id]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (t *txView) GetRunForUpdate(ctx context.Context, id string) (*SimulationRun, error) {
	return t.GetRun(ctx, id)
}

func (t *txView) UpdateRun(ctx context.Context, run *SimulationRun) error {
	if _, ok := t.m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	t.m.runs[run.ID] = cloneRun(run)
	return nil
}

func (t *txView) ListRuns(ctx context.Context, status string, limit int) ([]*SimulationRun, error) {
	var result []*SimulationRun
	for _, id := range t.m.runOrder {
		run := t.m.runs[id]
		if status != "" && string(run.Status) != status {
			continue
		}
		result = append(result, cloneRun(run))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (t *txView) AppendJournal(ctx context.Context, j *Journal) error {
	cp := *j
	t.m.journal[j.RunID] = append(t.m.journal[j.RunID], &cp)
	return nil
}

func (t *txView) ListJournal(ctx context.Context, runID string) ([]*Journal, error) {
	entries := t.m.journal[runID]
	out := make([]*Journal, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (t *txView) InsertAnonymizedErrors(ctx context.Context, errs []*AnonymizedError) error {
	for _, e := range errs {
		cp := *e
		t.m.anomalies[e.RunID] = append(t.m.anomalies[e.RunID], &cp)
	}
	return nil
}

func (t *txView) ListAnonymizedErrors(ctx context.Context, runID string) ([]*AnonymizedError, error) {
	entries := t.m.anomalies[runID]
	out := make([]*AnonymizedError, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (t *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*txView)(nil)
