package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deterministicRunner is a fake SandboxRunner standing in for the real
// Docker-backed sandbox in tests: it derives its metrics purely from the
// seed and scenario passed in, so identical inputs always produce
// identical harness output, per the determinism requirement.
type deterministicRunner struct{}

type scenarioPayload struct {
	Seed     int64 `json:"seed"`
	Scenario struct {
		TotalRequests  int     `json:"total_requests"`
		ErrorFrequency float64 `json:"error_frequency"`
		LatencyMS      float64 `json:"latency_ms"`
	} `json:"scenario"`
}

func (d deterministicRunner) Run(ctx context.Context, spec RunSpec) (RunOutcome, error) {
	var payload scenarioPayload
	if err := json.Unmarshal(spec.ScenarioJSON, &payload); err != nil {
		return RunOutcome{}, err
	}

	totalRequests := payload.Scenario.TotalRequests
	if totalRequests == 0 {
		totalRequests = 100
	}
	errorFrequency := payload.Scenario.ErrorFrequency

	jitter := int(payload.Seed%3) - 1 // seed-dependent, stays well within the ±5pt tolerance
	failedRequests := int(errorFrequency*float64(totalRequests)) + jitter
	if failedRequests < 0 {
		failedRequests = 0
	}
	successRate := 1 - float64(failedRequests)/float64(totalRequests)

	avgLatency := 150 + float64(payload.Seed%20)
	var regressions []string
	if payload.Scenario.LatencyMS >= 5000 {
		avgLatency = payload.Scenario.LatencyMS
		regressions = append(regressions, "high latency: harness p50 exceeded budget")
	}

	var buf bytes.Buffer
	for i := 0; i < failedRequests; i++ {
		line, _ := json.Marshal(map[string]string{
			"message": "timeout: sandbox harness request exceeded deadline",
			"context": fmt.Sprintf("request_%d", i),
		})
		buf.Write(line)
		buf.WriteByte('\n')
	}
	summary, _ := json.Marshal(summaryLine{
		Status: string(StatusSuccess),
		Metrics: &Metrics{
			SuccessRate:    successRate,
			AvgLatencyMS:   avgLatency,
			TotalRequests:  totalRequests,
			FailedRequests: failedRequests,
			Regressions:    regressions,
		},
	})
	buf.Write(summary)
	buf.WriteByte('\n')

	return RunOutcome{ContainerID: "fake-container", ExitCode: 0, Logs: buf.Bytes()}, nil
}

type fakeObjectStore struct{ puts map[string][]byte }

func (f *fakeObjectStore) Put(ctx context.Context, key string, data []byte) error {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStore(t *testing.T, store *MemoryStore, seed int64, totalRequests int, errorFrequency, latencyMS float64) *SimulationRun {
	t.Helper()
	ctx := context.Background()
	sim := &Simulation{
		ID:          "sim-1",
		PluginName:  "acme-checkout",
		SDKLanguage: "node",
		Scenario: map[string]any{
			"total_requests":  totalRequests,
			"error_frequency": errorFrequency,
			"latency_ms":      latencyMS,
		},
	}
	require.NoError(t, store.CreateSimulation(ctx, sim))

	run := &SimulationRun{
		ID:           fmt.Sprintf("run-%d-%d", seed, time.Now().UnixNano()),
		SimulationID: sim.ID,
		Seed:         seed,
		SDKLanguage:  sim.SDKLanguage,
		Status:       StatusQueued,
		StartedAt:    time.Now(),
	}
	require.NoError(t, store.EnqueueRun(ctx, run))
	return run
}

func TestWorker_DeterministicAcrossRunsWithSameSeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := seedStore(t, store, 12345, 100, 0.1, 0)

	w := NewWorker(store, deterministicRunner{}, &fakeObjectStore{}, nil, 0, 0, discardLogger())
	ok, err := w.runOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	first, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Metrics)

	// Re-run the same seed+scenario through a second run record.
	run2 := seedStore(t, store, 12345, 100, 0.1, 0)
	ok, err = w.runOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	second, err := store.GetRun(ctx, run2.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Metrics.SuccessRate, second.Metrics.SuccessRate)
	assert.Equal(t, first.Metrics.FailedRequests, second.Metrics.FailedRequests)

	assert.InDelta(t, 0.9, first.Metrics.SuccessRate, 0.05)
	assert.True(t, first.Metrics.FailedRequests > 5 && first.Metrics.FailedRequests < 15,
		"expected failed_requests in (5,15), got %d", first.Metrics.FailedRequests)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, "simulations/"+run.ID+".log", first.ArtifactKey)
}

func TestWorker_DifferentSeedsYieldDifferentMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runA := seedStore(t, store, 1, 100, 0.1, 0)
	runB := seedStore(t, store, 2, 100, 0.1, 0)

	w := NewWorker(store, deterministicRunner{}, &fakeObjectStore{}, nil, 0, 0, discardLogger())
	_, err := w.runOnce(ctx)
	require.NoError(t, err)
	_, err = w.runOnce(ctx)
	require.NoError(t, err)

	a, err := store.GetRun(ctx, runA.ID)
	require.NoError(t, err)
	b, err := store.GetRun(ctx, runB.ID)
	require.NoError(t, err)

	assert.NotEqual(t, a.Metrics.FailedRequests, b.Metrics.FailedRequests)
}

func TestWorker_HighLatencyProducesRegression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := seedStore(t, store, 42, 100, 0.1, 5000)

	w := NewWorker(store, deterministicRunner{}, &fakeObjectStore{}, nil, 0, 0, discardLogger())
	_, err := w.runOnce(ctx)
	require.NoError(t, err)

	updated, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.Metrics.Regressions)
	assert.Contains(t, updated.Metrics.Regressions[0], "high latency")
}

func TestWorker_RunOnce_NoQueuedWork(t *testing.T) {
	store := NewMemoryStore()
	w := NewWorker(store, deterministicRunner{}, nil, nil, 0, 0, discardLogger())
	ok, err := w.runOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorker_FailedSandboxMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := seedStore(t, store, 7, 100, 0.1, 0)

	w := NewWorker(store, failingRunner{}, nil, nil, 0, 0, discardLogger())
	ok, err := w.runOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.Status)
	assert.NotEmpty(t, updated.ErrorMessage)

	journal, err := store.ListJournal(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, journal, 2)
	assert.Equal(t, JournalStarted, journal[0].Event)
	assert.Equal(t, JournalFailed, journal[1].Event)
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, spec RunSpec) (RunOutcome, error) {
	return RunOutcome{}, fmt.Errorf("sandbox runtime unavailable")
}
