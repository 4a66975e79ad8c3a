// Command simulatorworker polls for queued plugin simulation runs and
// executes each inside an isolated sandbox container. It runs as a process
// separate from cmd/server because it alone needs a Docker socket.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/Molam-git/molam-connect-sub010/internal/config"
	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/simulator"
	"github.com/Molam-git/molam-connect-sub010/internal/traces"
)

// fileObjectStore is a local-filesystem ObjectStore, standing in for the
// S3-compatible bucket a production deployment would archive run logs to.
type fileObjectStore struct{ dir string }

func newFileObjectStore(dir string) (*fileObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileObjectStore{dir: dir}, nil
}

func (f *fileObjectStore) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "text")

	tracerShutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing init failed, continuing without traces", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	defer func() { _ = tracerShutdown(context.Background()) }()

	var store simulator.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		pg := simulator.NewPostgresStore(db)
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Error("failed to migrate simulator schema", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory simulator store")
		store = simulator.NewMemoryStore()
	}

	objects, err := newFileObjectStore(getEnv("SIMULATOR_ARTIFACT_DIR", "./artifacts"))
	if err != nil {
		logger.Error("failed to prepare artifact directory", "error", err)
		os.Exit(1)
	}

	runner := simulator.NewTestcontainersRunner(cfg.SimulatorMaxRunTime)
	worker := simulator.NewWorker(store, runner, objects, nil,
		cfg.SimulatorPollInterval, cfg.SimulatorErrorPollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("starting simulator worker", "poll_interval", cfg.SimulatorPollInterval)
	worker.Start(ctx)
	logger.Info("simulator worker stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
