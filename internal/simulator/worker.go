package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
	"github.com/Molam-git/molam-connect-sub010/internal/traces"
)

// Broadcaster pushes simulator lifecycle events to the ops dashboard.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// summaryLine is the harness's final JSON-lines record.
type summaryLine struct {
	Status  string   `json:"status"`
	Metrics *Metrics `json:"metrics"`
}

// Worker runs the sandboxed simulation loop: dequeue, prepare workspace,
// run the sandbox under hard constraints, parse output, archive logs,
// commit the result, and anonymize errors.
type Worker struct {
	store   Store
	runner  SandboxRunner
	objects ObjectStore
	live    Broadcaster
	logger  *slog.Logger

	pollInterval      time.Duration
	errorPollInterval time.Duration

	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// NewWorker builds a simulator worker. objects and live may be nil.
func NewWorker(store Store, runner SandboxRunner, objects ObjectStore, live Broadcaster, pollInterval, errorPollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if errorPollInterval <= 0 {
		errorPollInterval = 10 * time.Second
	}
	return &Worker{
		store:             store,
		runner:            runner,
		objects:           objects,
		live:              live,
		logger:            logger,
		pollInterval:      pollInterval,
		errorPollInterval: errorPollInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Start runs the poll loop until ctx is cancelled or Stop is called. Call
// in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	interval := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		processed, err := w.runOnce(ctx)
		switch {
		case err != nil:
			w.logger.Warn("simulator worker iteration failed", "error", err)
			interval = w.errorPollInterval
		case processed:
			interval = w.pollInterval
			continue // immediately look for more queued work
		default:
			interval = w.pollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(interval):
		}
	}
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
	<-w.done
}

// runOnce dequeues at most one run and executes it. Returns true if a run
// was dequeued (whether or not it succeeded), so the caller can keep
// draining the queue without waiting a full poll interval.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	run, err := w.store.DequeueRun(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	w.execute(ctx, run)
	return true, nil
}

// execute runs the full sandbox pipeline for one run. Any exception
// anywhere in the pipeline is caught, the run is marked failed, journaled,
// and the sandbox removal is still attempted, so one bad run never stalls
// the main loop.
func (w *Worker) execute(ctx context.Context, run *SimulationRun) {
	ctx, span := traces.StartSpan(ctx, "simulator.Execute", traces.RunID(run.ID))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			w.failRun(ctx, run, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := w.store.AppendJournal(ctx, &Journal{RunID: run.ID, Event: JournalStarted, CreatedAt: time.Now()}); err != nil {
		w.logger.Warn("journal started failed", "run_id", run.ID, "error", err)
	}

	outcome, sim, err := w.runSandboxed(ctx, run)
	if err != nil {
		w.failRun(ctx, run, err)
		return
	}

	status := deriveStatus(outcome, parseSummaryStatus(outcome.Logs))
	run.Status = status
	run.ContainerID = outcome.ContainerID
	exitCode := outcome.ExitCode
	run.ExitCode = &exitCode
	run.Metrics = parseSummaryMetrics(outcome.Logs)
	now := time.Now()
	run.CompletedAt = &now

	artifactKey := fmt.Sprintf("simulations/%s.log", run.ID)
	if w.objects != nil {
		if err := w.objects.Put(ctx, artifactKey, outcome.Logs); err != nil {
			w.logger.Warn("archive simulation log failed", "run_id", run.ID, "error", err)
		} else {
			run.ArtifactKey = artifactKey
		}
	}

	if err := w.store.UpdateRun(ctx, run); err != nil {
		w.logger.Error("commit run update failed", "run_id", run.ID, "error", err)
		return
	}

	journalEvent := JournalCompleted
	if status == StatusTimeout {
		journalEvent = JournalTimeout
	}
	if err := w.store.AppendJournal(ctx, &Journal{RunID: run.ID, Event: journalEvent, CreatedAt: now}); err != nil {
		w.logger.Warn("journal completion failed", "run_id", run.ID, "error", err)
	}

	totalRequests := 0
	if run.Metrics != nil {
		totalRequests = run.Metrics.TotalRequests
	}
	sdkLanguage := run.SDKLanguage
	if sim != nil {
		sdkLanguage = sim.SDKLanguage
	}
	anomalies := anonymizeErrors(run.ID, sdkLanguage, outcome.Logs, totalRequests)
	if len(anomalies) > 0 {
		if err := w.store.InsertAnonymizedErrors(ctx, anomalies); err != nil {
			w.logger.Warn("insert anonymized errors failed", "run_id", run.ID, "error", err)
		}
	}

	metrics.SimulationRunsTotal.WithLabelValues(string(status), sdkLanguage).Inc()
	if run.Metrics != nil {
		metrics.SimulationRunDuration.WithLabelValues(sdkLanguage).Observe(now.Sub(run.StartedAt).Seconds())
	}
	if w.live != nil {
		w.live.Broadcast("simulation.completed", map[string]any{"run_id": run.ID, "status": string(status)})
	}
}

// runSandboxed prepares the workspace and invokes the sandbox runner.
func (w *Worker) runSandboxed(ctx context.Context, run *SimulationRun) (RunOutcome, *Simulation, error) {
	sim, err := w.store.GetSimulation(ctx, run.SimulationID)
	if err != nil {
		return RunOutcome{}, nil, fmt.Errorf("load simulation: %w", err)
	}
	if sim == nil {
		return RunOutcome{}, nil, ErrSimulationNotFound
	}

	scenarioJSON, err := json.Marshal(map[string]any{"seed": run.Seed, "scenario": sim.Scenario})
	if err != nil {
		return RunOutcome{}, sim, fmt.Errorf("marshal scenario: %w", err)
	}

	spec := RunSpec{
		RunID:        run.ID,
		Seed:         run.Seed,
		SDKLanguage:  sim.SDKLanguage,
		ScenarioJSON: scenarioJSON,
	}
	if sim.PatchReference != "" {
		spec.PatchJS = sim.PatchCode
		spec.RollbackJS = sim.RollbackCode
	}

	outcome, err := w.runner.Run(ctx, spec)
	if err != nil {
		return RunOutcome{}, sim, fmt.Errorf("run sandbox: %w", err)
	}

	run.ContainerID = outcome.ContainerID
	if err := w.store.UpdateRun(ctx, run); err != nil {
		w.logger.Warn("persist container_id failed", "run_id", run.ID, "error", err)
	}

	return outcome, sim, nil
}

func (w *Worker) failRun(ctx context.Context, run *SimulationRun, cause error) {
	run.Status = StatusFailed
	run.ErrorMessage = cause.Error()
	now := time.Now()
	run.CompletedAt = &now
	if err := w.store.UpdateRun(ctx, run); err != nil {
		w.logger.Error("commit failed-run update failed", "run_id", run.ID, "error", err)
	}
	if err := w.store.AppendJournal(ctx, &Journal{RunID: run.ID, Event: JournalFailed, Detail: cause.Error(), CreatedAt: now}); err != nil {
		w.logger.Warn("journal failed-run failed", "run_id", run.ID, "error", err)
	}
	metrics.SimulationRunsTotal.WithLabelValues(string(StatusFailed), run.SDKLanguage).Inc()
	w.logger.Warn("simulation run failed", "run_id", run.ID, "error", cause)
}

// deriveStatus applies the status precedence: timeout (exit==124) first,
// then failed on nonzero exit even if the harness claimed success, else the
// harness-reported status.
func deriveStatus(outcome RunOutcome, parsed string) Status {
	if outcome.TimedOut || outcome.ExitCode == 124 {
		return StatusTimeout
	}
	if outcome.ExitCode != 0 && parsed == string(StatusSuccess) {
		return StatusFailed
	}
	switch Status(parsed) {
	case StatusSuccess, StatusPartialSuccess, StatusFailed, StatusTimeout:
		return Status(parsed)
	default:
		return StatusFailed
	}
}

// parseSummaryLine extracts the last JSON line from the harness's
// JSON-lines stdout, which is its terminal summary. Returns nil if absent
// or malformed.
func parseSummaryLine(logs []byte) *summaryLine {
	lines := bytes.Split(bytes.TrimRight(logs, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var s summaryLine
		if err := json.Unmarshal(line, &s); err == nil && s.Status != "" {
			return &s
		}
		break // last non-blank line wasn't a valid summary; don't scan further back
	}
	return nil
}

func parseSummaryStatus(logs []byte) string {
	if s := parseSummaryLine(logs); s != nil {
		return s.Status
	}
	return ""
}

func parseSummaryMetrics(logs []byte) *Metrics {
	if s := parseSummaryLine(logs); s != nil && s.Metrics != nil {
		return s.Metrics
	}
	return &Metrics{}
}
