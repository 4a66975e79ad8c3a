package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists approval requests and their signatures in
// PostgreSQL. Signatures are stored denormalized as a JSONB array on the
// request row — the set is small (bounded by required_threshold) and
// always read/written together with the request, so a join table buys
// nothing here, unlike payout's slices which are independently listed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the approval_requests table if it does not already exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS approval_requests (
			id                 VARCHAR(40) PRIMARY KEY,
			request_type       VARCHAR(64)  NOT NULL,
			reference_id       VARCHAR(120),
			policy_id          VARCHAR(64)  NOT NULL,
			required_threshold INT          NOT NULL,
			requested_by       VARCHAR(120) NOT NULL,
			status             VARCHAR(24)  NOT NULL,
			expires_at         TIMESTAMPTZ  NOT NULL,
			metadata           JSONB        NOT NULL DEFAULT '{}',
			signatures         JSONB        NOT NULL DEFAULT '[]',
			created_at         TIMESTAMPTZ  NOT NULL,
			updated_at         TIMESTAMPTZ  NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status_expires ON approval_requests (status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_type ON approval_requests (request_type);
	`)
	return err
}

const approvalColumns = `id, request_type, reference_id, policy_id, required_threshold,
	requested_by, status, expires_at, metadata, signatures, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *ApprovalRequest) error {
	return insertApproval(ctx, p.db, a)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *ApprovalRequest) error {
	return updateApproval(ctx, p.db, a)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, asOf time.Time, limit int) ([]*ApprovalRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE status IN ('open', 'partially_approved') AND expires_at <= $1
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

func (p *PostgresStore) List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR request_type = $2)
		ORDER BY created_at DESC LIMIT $3`, status, requestType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

// WithTx runs fn inside a serializable transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgApprovalTxView{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type pgApprovalTxView struct{ tx *sql.Tx }

func (v *pgApprovalTxView) Create(ctx context.Context, a *ApprovalRequest) error {
	return insertApproval(ctx, v.tx, a)
}

func (v *pgApprovalTxView) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (v *pgApprovalTxView) GetForUpdate(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := v.tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (v *pgApprovalTxView) Update(ctx context.Context, a *ApprovalRequest) error {
	return updateApproval(ctx, v.tx, a)
}

func (v *pgApprovalTxView) ListExpirable(ctx context.Context, asOf time.Time, limit int) ([]*ApprovalRequest, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE status IN ('open', 'partially_approved') AND expires_at <= $1
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

func (v *pgApprovalTxView) List(ctx context.Context, status, requestType string, limit int) ([]*ApprovalRequest, error) {
	rows, err := v.tx.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR request_type = $2)
		ORDER BY created_at DESC LIMIT $3`, status, requestType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanApprovals(rows)
}

func (v *pgApprovalTxView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertApproval(ctx context.Context, e execer, a *ApprovalRequest) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	sigJSON, _ := json.Marshal(a.Signatures)
	_, err := e.ExecContext(ctx, `
		INSERT INTO approval_requests (id, request_type, reference_id, policy_id,
			required_threshold, requested_by, status, expires_at, metadata,
			signatures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.RequestType, nullString(a.ReferenceID), a.PolicyID, a.RequiredThreshold,
		a.RequestedBy, string(a.Status), a.ExpiresAt, metaJSON, sigJSON, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func updateApproval(ctx context.Context, e execer, a *ApprovalRequest) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	sigJSON, _ := json.Marshal(a.Signatures)
	res, err := e.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, metadata = $2, signatures = $3, updated_at = $4
		WHERE id = $5`,
		string(a.Status), metaJSON, sigJSON, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(s scanner) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var referenceID sql.NullString
	var status string
	var metaJSON, sigJSON []byte

	err := s.Scan(&a.ID, &a.RequestType, &referenceID, &a.PolicyID, &a.RequiredThreshold,
		&a.RequestedBy, &status, &a.ExpiresAt, &metaJSON, &sigJSON, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ReferenceID = referenceID.String
	a.Status = Status(status)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &a.Metadata)
	}
	if len(sigJSON) > 0 {
		_ = json.Unmarshal(sigJSON, &a.Signatures)
	}
	return &a, nil
}

func scanApprovals(rows *sql.Rows) ([]*ApprovalRequest, error) {
	var result []*ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*pgApprovalTxView)(nil)
