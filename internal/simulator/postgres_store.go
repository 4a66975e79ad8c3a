package simulator

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"
)

// PostgresStore persists simulations, runs, journal entries, and
// anonymized errors in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed simulator store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the simulator tables if they do not already exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS simulations (
			id              VARCHAR(40) PRIMARY KEY,
			plugin_name     VARCHAR(120) NOT NULL,
			sdk_language    VARCHAR(32)  NOT NULL,
			scenario        JSONB        NOT NULL DEFAULT '{}',
			patch_reference VARCHAR(120),
			patch_code      TEXT,
			rollback_code   TEXT
		);

		CREATE TABLE IF NOT EXISTS simulation_runs (
			id            VARCHAR(40) PRIMARY KEY,
			simulation_id VARCHAR(40)  NOT NULL REFERENCES simulations(id),
			seed          BIGINT       NOT NULL,
			sdk_language  VARCHAR(32)  NOT NULL,
			status        VARCHAR(24)  NOT NULL,
			container_id  VARCHAR(80),
			metrics       JSONB,
			artifact_key  VARCHAR(200),
			exit_code     INT,
			error_message TEXT,
			started_at    TIMESTAMPTZ  NOT NULL,
			completed_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_simulation_runs_status ON simulation_runs (status, started_at);

		CREATE TABLE IF NOT EXISTS simulation_journal (
			id         BIGSERIAL PRIMARY KEY,
			run_id     VARCHAR(40) NOT NULL REFERENCES simulation_runs(id),
			event      VARCHAR(24) NOT NULL,
			detail     TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_simulation_journal_run ON simulation_journal (run_id, created_at);

		CREATE TABLE IF NOT EXISTS anonymized_errors (
			id              BIGSERIAL PRIMARY KEY,
			run_id          VARCHAR(40)  NOT NULL REFERENCES simulation_runs(id),
			error_signature VARCHAR(200) NOT NULL,
			category        VARCHAR(32)  NOT NULL,
			sdk_language    VARCHAR(32)  NOT NULL,
			frequency       DOUBLE PRECISION NOT NULL,
			context_hash    VARCHAR(80)  NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_anonymized_errors_run ON anonymized_errors (run_id);
	`)
	return err
}

func (p *PostgresStore) CreateSimulation(ctx context.Context, sim *Simulation) error {
	return insertSimulation(ctx, p.db, sim)
}

func (p *PostgresStore) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, plugin_name, sdk_language, scenario, patch_reference, patch_code, rollback_code
		FROM simulations WHERE id = $1`, id)
	sim, err := scanSimulation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sim, err
}

const runColumns = `id, simulation_id, seed, sdk_language, status, container_id,
	metrics, artifact_key, exit_code, error_message, started_at, completed_at`

func (p *PostgresStore) EnqueueRun(ctx context.Context, run *SimulationRun) error {
	return insertRun(ctx, p.db, run)
}

func (p *PostgresStore) DequeueRun(ctx context.Context) (*SimulationRun, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs
		WHERE status = 'queued' ORDER BY started_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	run.Status = StatusRunning
	if err := updateRun(ctx, tx, run); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return run, tx.Commit()
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*SimulationRun, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (p *PostgresStore) GetRunForUpdate(ctx context.Context, id string) (*SimulationRun, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run *SimulationRun) error {
	return updateRun(ctx, p.db, run)
}

func (p *PostgresStore) ListRuns(ctx context.Context, status string, limit int) ([]*SimulationRun, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+runColumns+` FROM simulation_runs
		WHERE ($1 = '' OR status = $1) ORDER BY started_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func (p *PostgresStore) AppendJournal(ctx context.Context, j *Journal) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO simulation_journal (run_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4)`, j.RunID, string(j.Event), nullString(j.Detail), j.CreatedAt)
	return err
}

func (p *PostgresStore) ListJournal(ctx context.Context, runID string) ([]*Journal, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, run_id, event, detail, created_at
		FROM simulation_journal WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Journal
	for rows.Next() {
		var j Journal
		var id int64
		var detail sql.NullString
		var event string
		if err := rows.Scan(&id, &j.RunID, &event, &detail, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.ID = strconv.FormatInt(id, 10)
		j.Event = JournalEvent(event)
		j.Detail = detail.String
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertAnonymizedErrors(ctx context.Context, errs []*AnonymizedError) error {
	for _, e := range errs {
		_, err := p.db.ExecContext(ctx, `INSERT INTO anonymized_errors
			(run_id, error_signature, category, sdk_language, frequency, context_hash)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.RunID, e.ErrorSignature, e.Category, e.SDKLanguage, e.Frequency, e.ContextHash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) ListAnonymizedErrors(ctx context.Context, runID string) ([]*AnonymizedError, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT run_id, error_signature, category, sdk_language, frequency, context_hash
		FROM anonymized_errors WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*AnonymizedError
	for rows.Next() {
		var e AnonymizedError
		if err := rows.Scan(&e.RunID, &e.ErrorSignature, &e.Category, &e.SDKLanguage, &e.Frequency, &e.ContextHash); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a serializable transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTxView{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// pgTxView implements Store against an open *sql.Tx; every method,
// including the read-only ones, runs inside that transaction.
type pgTxView struct {
	tx *sql.Tx
}

func (v *pgTxView) CreateSimulation(ctx context.Context, sim *Simulation) error {
	return insertSimulation(ctx, v.tx, sim)
}

func (v *pgTxView) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT id, plugin_name, sdk_language, scenario, patch_reference, patch_code, rollback_code
		FROM simulations WHERE id = $1`, id)
	sim, err := scanSimulation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sim, err
}

func (v *pgTxView) EnqueueRun(ctx context.Context, run *SimulationRun) error {
	return insertRun(ctx, v.tx, run)
}

func (v *pgTxView) DequeueRun(ctx context.Context) (*SimulationRun, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs
		WHERE status = 'queued' ORDER BY started_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Status = StatusRunning
	if err := updateRun(ctx, v.tx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (v *pgTxView) GetRun(ctx context.Context, id string) (*SimulationRun, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (v *pgTxView) GetRunForUpdate(ctx context.Context, id string) (*SimulationRun, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM simulation_runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (v *pgTxView) UpdateRun(ctx context.Context, run *SimulationRun) error {
	return updateRun(ctx, v.tx, run)
}

func (v *pgTxView) ListRuns(ctx context.Context, status string, limit int) ([]*SimulationRun, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT `+runColumns+` FROM simulation_runs
		WHERE ($1 = '' OR status = $1) ORDER BY started_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func (v *pgTxView) AppendJournal(ctx context.Context, j *Journal) error {
	_, err := v.tx.ExecContext(ctx, `INSERT INTO simulation_journal (run_id, event, detail, created_at)
		VALUES ($1, $2, $3, $4)`, j.RunID, string(j.Event), nullString(j.Detail), j.CreatedAt)
	return err
}

func (v *pgTxView) ListJournal(ctx context.Context, runID string) ([]*Journal, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT id, run_id, event, detail, created_at
		FROM simulation_journal WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Journal
	for rows.Next() {
		var j Journal
		var id int64
		var detail sql.NullString
		var event string
		if err := rows.Scan(&id, &j.RunID, &event, &detail, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.ID = strconv.FormatInt(id, 10)
		j.Event = JournalEvent(event)
		j.Detail = detail.String
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (v *pgTxView) InsertAnonymizedErrors(ctx context.Context, errs []*AnonymizedError) error {
	for _, e := range errs {
		_, err := v.tx.ExecContext(ctx, `INSERT INTO anonymized_errors
			(run_id, error_signature, category, sdk_language, frequency, context_hash)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.RunID, e.ErrorSignature, e.Category, e.SDKLanguage, e.Frequency, e.ContextHash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *pgTxView) ListAnonymizedErrors(ctx context.Context, runID string) ([]*AnonymizedError, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT run_id, error_signature, category, sdk_language, frequency, context_hash
		FROM anonymized_errors WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*AnonymizedError
	for rows.Next() {
		var e AnonymizedError
		if err := rows.Scan(&e.RunID, &e.ErrorSignature, &e.Category, &e.SDKLanguage, &e.Frequency, &e.ContextHash); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (v *pgTxView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}

func insertSimulation(ctx context.Context, e execer, sim *Simulation) error {
	scenarioJSON, _ := json.Marshal(sim.Scenario)
	_, err := e.ExecContext(ctx, `
		INSERT INTO simulations (id, plugin_name, sdk_language, scenario, patch_reference, patch_code, rollback_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sim.ID, sim.PluginName, sim.SDKLanguage, scenarioJSON,
		nullString(sim.PatchReference), nullString(sim.PatchCode), nullString(sim.RollbackCode),
	)
	return err
}

func insertRun(ctx context.Context, e execer, run *SimulationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)
	_, err := e.ExecContext(ctx, `
		INSERT INTO simulation_runs (id, simulation_id, seed, sdk_language, status,
			container_id, metrics, artifact_key, exit_code, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.SimulationID, run.Seed, run.SDKLanguage, string(run.Status),
		nullString(run.ContainerID), metricsJSON, nullString(run.ArtifactKey),
		nullIntPtr(run.ExitCode), nullString(run.ErrorMessage), run.StartedAt, nullTimePtr(run.CompletedAt),
	)
	return err
}

func updateRun(ctx context.Context, e execer, run *SimulationRun) error {
	metricsJSON, _ := json.Marshal(run.Metrics)
	res, err := e.ExecContext(ctx, `
		UPDATE simulation_runs SET status = $1, container_id = $2, metrics = $3,
			artifact_key = $4, exit_code = $5, error_message = $6, completed_at = $7
		WHERE id = $8`,
		string(run.Status), nullString(run.ContainerID), metricsJSON, nullString(run.ArtifactKey),
		nullIntPtr(run.ExitCode), nullString(run.ErrorMessage), nullTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanSimulation(s scanner) (*Simulation, error) {
	var sim Simulation
	var patchRef, patchCode, rollbackCode sql.NullString
	var scenarioJSON []byte
	err := s.Scan(&sim.ID, &sim.PluginName, &sim.SDKLanguage, &scenarioJSON, &patchRef, &patchCode, &rollbackCode)
	if err != nil {
		return nil, err
	}
	sim.PatchReference = patchRef.String
	sim.PatchCode = patchCode.String
	sim.RollbackCode = rollbackCode.String
	if len(scenarioJSON) > 0 {
		_ = json.Unmarshal(scenarioJSON, &sim.Scenario)
	}
	return &sim, nil
}

func scanRun(s scanner) (*SimulationRun, error) {
	var run SimulationRun
	var containerID, artifactKey, errorMessage sql.NullString
	var status string
	var metricsJSON []byte
	var exitCode sql.NullInt64
	var completedAt sql.NullTime

	err := s.Scan(&run.ID, &run.SimulationID, &run.Seed, &run.SDKLanguage, &status, &containerID,
		&metricsJSON, &artifactKey, &exitCode, &errorMessage, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.ContainerID = containerID.String
	run.ArtifactKey = artifactKey.String
	run.ErrorMessage = errorMessage.String
	if len(metricsJSON) > 0 {
		var m Metrics
		if json.Unmarshal(metricsJSON, &m) == nil {
			run.Metrics = &m
		}
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*SimulationRun, error) {
	var result []*SimulationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*pgTxView)(nil)
