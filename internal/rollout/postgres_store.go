package rollout

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rollout/rollback/backup state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rollout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rollout tables if they do not already exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rollouts (
			id               VARCHAR(40) PRIMARY KEY,
			plugin_name      VARCHAR(120) NOT NULL,
			version          VARCHAR(40)  NOT NULL,
			percentage       INT          NOT NULL,
			strategy         VARCHAR(20)  NOT NULL,
			target_countries TEXT,
			target_tiers     TEXT,
			error_threshold  DOUBLE PRECISION NOT NULL,
			status           VARCHAR(20)  NOT NULL,
			metadata         JSONB        NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ  NOT NULL,
			updated_at       TIMESTAMPTZ  NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rollouts_plugin_created ON rollouts (plugin_name, created_at);
		CREATE INDEX IF NOT EXISTS idx_rollouts_status ON rollouts (status);

		CREATE TABLE IF NOT EXISTS rollback_attempts (
			id             VARCHAR(40) PRIMARY KEY,
			merchant       VARCHAR(120) NOT NULL,
			plugin         VARCHAR(120) NOT NULL,
			from_version   VARCHAR(40)  NOT NULL,
			to_version     VARCHAR(40)  NOT NULL,
			trigger        VARCHAR(10)  NOT NULL,
			reason         TEXT,
			started_at     TIMESTAMPTZ  NOT NULL,
			completed_at   TIMESTAMPTZ,
			success        BOOLEAN,
			error_message  TEXT,
			duration_ms    BIGINT,
			files_restored BOOLEAN NOT NULL DEFAULT FALSE,
			db_restored    BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS plugin_backups (
			id          VARCHAR(40) PRIMARY KEY,
			merchant    VARCHAR(120) NOT NULL,
			plugin      VARCHAR(120) NOT NULL,
			version     VARCHAR(40)  NOT NULL,
			path        TEXT         NOT NULL,
			db_snapshot TEXT,
			size_bytes  BIGINT       NOT NULL,
			status      VARCHAR(20)  NOT NULL,
			expires_at  TIMESTAMPTZ  NOT NULL,
			metadata    JSONB        NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ  NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plugin_backups_lookup ON plugin_backups (merchant, plugin, version, status, expires_at);
	`)
	return err
}

func (p *PostgresStore) Latest(ctx context.Context, plugin string) (*Rollout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts
		WHERE plugin_name = $1 ORDER BY created_at DESC LIMIT 1`, plugin)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rollout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Rollout, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) Create(ctx context.Context, r *Rollout) error {
	return insertRollout(ctx, p.db, r)
}

func (p *PostgresStore) Update(ctx context.Context, r *Rollout) error {
	return updateRollout(ctx, p.db, r)
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Rollout, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts
		WHERE status = 'active' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRollouts(rows)
}

func (p *PostgresStore) CreateRollback(ctx context.Context, a *RollbackAttempt) error {
	return insertRollback(ctx, p.db, a)
}

func (p *PostgresStore) GetRollback(ctx context.Context, id string) (*RollbackAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rollbackColumns+` FROM rollback_attempts WHERE id = $1`, id)
	a, err := scanRollback(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (p *PostgresStore) UpdateRollback(ctx context.Context, a *RollbackAttempt) error {
	return updateRollback(ctx, p.db, a)
}

func (p *PostgresStore) CreateBackup(ctx context.Context, b *PluginBackup) error {
	return insertBackup(ctx, p.db, b)
}

func (p *PostgresStore) LatestUsableBackup(ctx context.Context, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error) {
	var row *sql.Row
	if version != "" {
		row = p.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
			WHERE merchant = $1 AND plugin = $2 AND version = $3
			  AND status = 'completed' AND expires_at > $4
			ORDER BY created_at DESC LIMIT 1`, merchant, plugin, version, asOf)
	} else {
		row = p.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
			WHERE merchant = $1 AND plugin = $2
			  AND status = 'completed' AND expires_at > $3
			ORDER BY created_at DESC LIMIT 1`, merchant, plugin, asOf)
	}
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (p *PostgresStore) ListExpiredBackups(ctx context.Context, asOf time.Time, limit int) ([]*PluginBackup, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
		WHERE expires_at <= $1 LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBackups(rows)
}

func (p *PostgresStore) DeleteBackups(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM plugin_backups WHERE id = ANY($1)`, pq.Array(ids))
	return err
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

// pgTxView implements Store against an open *sql.Tx.
type pgTxView struct{ tx *sql.Tx }

func (v *pgTxView) Latest(ctx context.Context, plugin string) (*Rollout, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts
		WHERE plugin_name = $1 ORDER BY created_at DESC LIMIT 1`, plugin)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (v *pgTxView) Get(ctx context.Context, id string) (*Rollout, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1`, id)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (v *pgTxView) GetForUpdate(ctx context.Context, id string) (*Rollout, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRollout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (v *pgTxView) Create(ctx context.Context, r *Rollout) error { return insertRollout(ctx, v.tx, r) }
func (v *pgTxView) Update(ctx context.Context, r *Rollout) error { return updateRollout(ctx, v.tx, r) }

func (v *pgTxView) ListActive(ctx context.Context, limit int) ([]*Rollout, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT `+rolloutColumns+` FROM rollouts
		WHERE status = 'active' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRollouts(rows)
}

func (v *pgTxView) CreateRollback(ctx context.Context, a *RollbackAttempt) error {
	return insertRollback(ctx, v.tx, a)
}

func (v *pgTxView) GetRollback(ctx context.Context, id string) (*RollbackAttempt, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+rollbackColumns+` FROM rollback_attempts WHERE id = $1`, id)
	a, err := scanRollback(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (v *pgTxView) UpdateRollback(ctx context.Context, a *RollbackAttempt) error {
	return updateRollback(ctx, v.tx, a)
}

func (v *pgTxView) CreateBackup(ctx context.Context, b *PluginBackup) error {
	return insertBackup(ctx, v.tx, b)
}

func (v *pgTxView) LatestUsableBackup(ctx context.Context, merchant, plugin, version string, asOf time.Time) (*PluginBackup, error) {
	var row *sql.Row
	if version != "" {
		row = v.tx.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
			WHERE merchant = $1 AND plugin = $2 AND version = $3
			  AND status = 'completed' AND expires_at > $4
			ORDER BY created_at DESC LIMIT 1`, merchant, plugin, version, asOf)
	} else {
		row = v.tx.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
			WHERE merchant = $1 AND plugin = $2
			  AND status = 'completed' AND expires_at > $3
			ORDER BY created_at DESC LIMIT 1`, merchant, plugin, asOf)
	}
	b, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (v *pgTxView) ListExpiredBackups(ctx context.Context, asOf time.Time, limit int) ([]*PluginBackup, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT `+backupColumns+` FROM plugin_backups
		WHERE expires_at <= $1 LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBackups(rows)
}

func (v *pgTxView) DeleteBackups(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := v.tx.ExecContext(ctx, `DELETE FROM plugin_backups WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

func (v *pgTxView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const rolloutColumns = `id, plugin_name, version, percentage, strategy, target_countries,
	target_tiers, error_threshold, status, metadata, created_at, updated_at`

func insertRollout(ctx context.Context, e execer, r *Rollout) error {
	metaJSON, _ := json.Marshal(r.Metadata)
	_, err := e.ExecContext(ctx, `
		INSERT INTO rollouts (id, plugin_name, version, percentage, strategy,
			target_countries, target_tiers, error_threshold, status, metadata,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.PluginName, r.Version, r.Percentage, string(r.Strategy),
		joinOrNull(r.TargetCountries), joinOrNull(r.TargetTiers), r.ErrorThreshold,
		string(r.Status), metaJSON, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func updateRollout(ctx context.Context, e execer, r *Rollout) error {
	metaJSON, _ := json.Marshal(r.Metadata)
	res, err := e.ExecContext(ctx, `
		UPDATE rollouts SET percentage = $1, strategy = $2, target_countries = $3,
			target_tiers = $4, error_threshold = $5, status = $6, metadata = $7,
			updated_at = $8
		WHERE id = $9`,
		r.Percentage, string(r.Strategy), joinOrNull(r.TargetCountries),
		joinOrNull(r.TargetTiers), r.ErrorThreshold, string(r.Status), metaJSON,
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRolloutNotFound
	}
	return nil
}

func scanRollout(s scanner) (*Rollout, error) {
	var r Rollout
	var strategy, status string
	var targetCountries, targetTiers sql.NullString
	var metaJSON []byte

	err := s.Scan(&r.ID, &r.PluginName, &r.Version, &r.Percentage, &strategy,
		&targetCountries, &targetTiers, &r.ErrorThreshold, &status, &metaJSON,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Strategy = Strategy(strategy)
	r.Status = Status(status)
	r.TargetCountries = splitOrNil(targetCountries)
	r.TargetTiers = splitOrNil(targetTiers)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &r.Metadata)
	}
	return &r, nil
}

func scanRollouts(rows *sql.Rows) ([]*Rollout, error) {
	var result []*Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const rollbackColumns = `id, merchant, plugin, from_version, to_version, trigger, reason,
	started_at, completed_at, success, error_message, duration_ms, files_restored, db_restored`

func insertRollback(ctx context.Context, e execer, a *RollbackAttempt) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO rollback_attempts (id, merchant, plugin, from_version, to_version,
			trigger, reason, started_at, completed_at, success, error_message,
			duration_ms, files_restored, db_restored)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Merchant, a.Plugin, a.FromVersion, a.ToVersion, string(a.Trigger),
		nullString(a.Reason), a.StartedAt, nullTime(a.CompletedAt), nullBool(a.Success),
		nullString(a.ErrorMessage), a.DurationMS, a.FilesRestored, a.DBRestored,
	)
	return err
}

func updateRollback(ctx context.Context, e execer, a *RollbackAttempt) error {
	res, err := e.ExecContext(ctx, `
		UPDATE rollback_attempts SET completed_at = $1, success = $2, error_message = $3,
			duration_ms = $4, files_restored = $5, db_restored = $6
		WHERE id = $7`,
		nullTime(a.CompletedAt), nullBool(a.Success), nullString(a.ErrorMessage),
		a.DurationMS, a.FilesRestored, a.DBRestored, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRollbackNotFound
	}
	return nil
}

func scanRollback(s scanner) (*RollbackAttempt, error) {
	var a RollbackAttempt
	var trigger string
	var reason, errMsg sql.NullString
	var completedAt sql.NullTime
	var success sql.NullBool

	err := s.Scan(&a.ID, &a.Merchant, &a.Plugin, &a.FromVersion, &a.ToVersion,
		&trigger, &reason, &a.StartedAt, &completedAt, &success, &errMsg,
		&a.DurationMS, &a.FilesRestored, &a.DBRestored)
	if err != nil {
		return nil, err
	}
	a.Trigger = RollbackTrigger(trigger)
	a.Reason = reason.String
	a.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if success.Valid {
		v := success.Bool
		a.Success = &v
	}
	return &a, nil
}

const backupColumns = `id, merchant, plugin, version, path, db_snapshot, size_bytes,
	status, expires_at, metadata, created_at`

func insertBackup(ctx context.Context, e execer, b *PluginBackup) error {
	metaJSON, _ := json.Marshal(b.Metadata)
	_, err := e.ExecContext(ctx, `
		INSERT INTO plugin_backups (id, merchant, plugin, version, path, db_snapshot,
			size_bytes, status, expires_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.Merchant, b.Plugin, b.Version, b.Path, nullString(b.DBSnapshot),
		b.SizeBytes, string(b.Status), b.ExpiresAt, metaJSON, b.CreatedAt,
	)
	return err
}

func scanBackup(s scanner) (*PluginBackup, error) {
	var b PluginBackup
	var dbSnapshot sql.NullString
	var status string
	var metaJSON []byte

	err := s.Scan(&b.ID, &b.Merchant, &b.Plugin, &b.Version, &b.Path, &dbSnapshot,
		&b.SizeBytes, &status, &b.ExpiresAt, &metaJSON, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.DBSnapshot = dbSnapshot.String
	b.Status = BackupStatus(status)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &b.Metadata)
	}
	return &b, nil
}

func scanBackups(rows *sql.Rows) ([]*PluginBackup, error) {
	var result []*PluginBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func joinOrNull(vals []string) sql.NullString {
	if len(vals) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(vals, ","), Valid: true}
}

func splitOrNil(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*pgTxView)(nil)
