package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestcontainersRunner runs harness executions in real Docker containers
// via testcontainers-go, whose container lifecycle
// (Create/Start/Wait/logs/Terminate) is exactly what the sandbox step needs.
type TestcontainersRunner struct {
	MaxRunTime time.Duration
}

// NewTestcontainersRunner builds a runner enforcing the hard constraints
// from the sandbox step: no network, 256 MB memory with no swap, 50% CPU
// quota, no-new-privileges, read-writable ephemeral root.
func NewTestcontainersRunner(maxRunTime time.Duration) *TestcontainersRunner {
	if maxRunTime <= 0 {
		maxRunTime = 180 * time.Second
	}
	return &TestcontainersRunner{MaxRunTime: maxRunTime}
}

func (r *TestcontainersRunner) Run(ctx context.Context, spec RunSpec) (RunOutcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.MaxRunTime)
	defer cancel()

	image := sandboxImage(spec.SDKLanguage)

	req := testcontainers.ContainerRequest{
		Image: image,
		Env: map[string]string{
			"SEED":   fmt.Sprintf("%d", spec.Seed),
			"RUN_ID": spec.RunID,
		},
		Files: []testcontainers.ContainerFile{
			{Reader: newBytesReader(spec.ScenarioJSON), ContainerFilePath: "/work/scenario.json", FileMode: 0o444},
		},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Memory = 256 << 20
			hc.MemorySwap = 256 << 20 // equal to Memory: disables swap
			hc.NanoCPUs = 500_000_000 // 50% of one core
			hc.SecurityOpt = []string{"no-new-privileges"}
			hc.NetworkMode = "none"
			hc.ReadonlyRootfs = false
			hc.Tmpfs = map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"}
		},
		WaitingFor: wait.ForExit(),
	}
	if spec.PatchJS != "" {
		req.Files = append(req.Files, testcontainers.ContainerFile{
			Reader: newBytesReader([]byte(spec.PatchJS)), ContainerFilePath: "/work/patch.js", FileMode: 0o444,
		})
	}
	if spec.RollbackJS != "" {
		req.Files = append(req.Files, testcontainers.ContainerFile{
			Reader: newBytesReader([]byte(spec.RollbackJS)), ContainerFilePath: "/work/rollback.js", FileMode: 0o444,
		})
	}

	c, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          false,
	})
	if err != nil {
		return RunOutcome{}, fmt.Errorf("simulator: create sandbox: %w", err)
	}
	defer func() { _ = c.Terminate(context.Background()) }()

	if err := assertNetworkIsolated(runCtx, c); err != nil {
		return RunOutcome{}, err
	}

	containerID := c.GetContainerID()

	// Start blocks until WaitingFor is satisfied (the harness exits) or
	// runCtx's deadline fires. A deadline here is the wall-clock expiry,
	// not a start failure: forcibly kill the sandbox and journal a
	// timeout rather than surfacing an error that worker.execute would
	// otherwise record as a plain failed run.
	startErr := c.Start(runCtx)
	if startErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return r.timeoutOutcome(c, containerID), nil
	}
	if startErr != nil {
		return RunOutcome{}, fmt.Errorf("simulator: start sandbox: %w", startErr)
	}

	state, waitErr := c.State(runCtx)
	if waitErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return r.timeoutOutcome(c, containerID), nil
	}

	logsReader, err := c.Logs(context.Background())
	var logs []byte
	if err == nil {
		logs, _ = io.ReadAll(logsReader)
		_ = logsReader.Close()
	}

	exitCode := 0
	if state != nil {
		exitCode = state.ExitCode
	}

	return RunOutcome{
		ContainerID: containerID,
		ExitCode:    exitCode,
		TimedOut:    false,
		Logs:        logs,
	}, nil
}

// timeoutOutcome forcibly kills a sandbox whose wall clock expired and
// collects whatever logs it produced before being killed, reporting
// exit code 124 so the worker derives a timeout status.
// Uses a fresh context rather than the already-expired
// runCtx so the kill and log collection aren't themselves cancelled.
func (r *TestcontainersRunner) timeoutOutcome(c testcontainers.Container, containerID string) RunOutcome {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	zero := 0 * time.Second
	if err := c.Stop(killCtx, &zero); err != nil {
		_ = c.Terminate(killCtx)
	}

	var logs []byte
	if logsReader, err := c.Logs(killCtx); err == nil {
		logs, _ = io.ReadAll(logsReader)
		_ = logsReader.Close()
	}

	return RunOutcome{
		ContainerID: containerID,
		ExitCode:    124,
		TimedOut:    true,
		Logs:        logs,
	}
}

func newBytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// assertNetworkIsolated refuses to run the harness if the runtime cannot
// confirm the sandbox has no network access. A safety invariant, not a
// policy: a sandbox that can reach the network must never start.
func assertNetworkIsolated(ctx context.Context, c testcontainers.Container) error {
	inspect, err := c.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkNotIsolated, err)
	}
	if inspect.HostConfig == nil || inspect.HostConfig.NetworkMode != "none" {
		return ErrNetworkNotIsolated
	}
	return nil
}
