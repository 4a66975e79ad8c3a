package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
	"github.com/Molam-git/molam-connect-sub010/internal/risk"
)

// PostgresStore persists payout entities in PostgreSQL. Money lives in
// NUMERIC(20,6) columns; idempotency is enforced by unique constraints
// rather than application-level pre-checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payout tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payout_parents (
			id               VARCHAR(40) PRIMARY KEY,
			external_id      VARCHAR(128) NOT NULL UNIQUE,
			origin           VARCHAR(64) NOT NULL,
			seller_ref       VARCHAR(64) NOT NULL,
			currency         VARCHAR(8) NOT NULL,
			requested_amount NUMERIC(20,6) NOT NULL,
			priority         VARCHAR(16) NOT NULL,
			reference_code   VARCHAR(64) NOT NULL UNIQUE,
			status           VARCHAR(16) NOT NULL,
			metadata         JSONB NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS payout_slices (
			id                  VARCHAR(40) PRIMARY KEY,
			parent_id           VARCHAR(40) NOT NULL REFERENCES payout_parents(id),
			treasury_account_id VARCHAR(64) NOT NULL,
			amount              NUMERIC(20,6) NOT NULL,
			slice_order         INT NOT NULL,
			status              VARCHAR(16) NOT NULL DEFAULT 'pending'
		);

		CREATE INDEX IF NOT EXISTS idx_payout_slices_parent ON payout_slices (parent_id, slice_order);

		CREATE TABLE IF NOT EXISTS seller_escrows (
			id          VARCHAR(40) PRIMARY KEY,
			seller_ref  VARCHAR(64) NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			currency    VARCHAR(8) NOT NULL,
			reason      VARCHAR(32) NOT NULL,
			risk_score  NUMERIC(5,2) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS advance_requests (
			id          VARCHAR(40) PRIMARY KEY,
			external_id VARCHAR(128) NOT NULL UNIQUE,
			seller_ref  VARCHAR(64) NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			currency    VARCHAR(8) NOT NULL,
			fee         NUMERIC(20,6) NOT NULL,
			schedule    VARCHAR(32) NOT NULL,
			status      VARCHAR(16) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		CREATE OR REPLACE VIEW active_payout_slices AS
			SELECT ps.* FROM payout_slices ps
			JOIN payout_parents pp ON pp.id = ps.parent_id
			WHERE ps.status = 'pending'
			ORDER BY pp.created_at, ps.slice_order;
	`)
	return err
}

func (p *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*PayoutParent, []PayoutSlice, error) {
	return findByExternalID(ctx, p.db, externalID)
}

func (p *PostgresStore) CreateParentWithSlices(ctx context.Context, parent *PayoutParent, slices []PayoutSlice) error {
	return createParentWithSlices(ctx, p.db, parent, slices)
}

func (p *PostgresStore) CreateEscrow(ctx context.Context, escrow *SellerEscrow) error {
	return createEscrow(ctx, p.db, escrow)
}

func (p *PostgresStore) RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error {
	return recordRecommendation(ctx, p.db, rec)
}

func (p *PostgresStore) FindAdvanceByExternalID(ctx context.Context, externalID string) (*AdvanceRequest, error) {
	return findAdvanceByExternalID(ctx, p.db, externalID)
}

func (p *PostgresStore) CreateAdvance(ctx context.Context, adv *AdvanceRequest) error {
	return createAdvance(ctx, p.db, adv)
}

func (p *PostgresStore) ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, parent_id, treasury_account_id, amount, slice_order
		FROM active_payout_slices
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending slices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSlices(rows)
}

// WithTx runs fn inside a serializable transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txView{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// txView implements Store against an open *sql.Tx.
type txView struct {
	tx *sql.Tx
}

func (v *txView) FindByExternalID(ctx context.Context, externalID string) (*PayoutParent, []PayoutSlice, error) {
	return findByExternalID(ctx, v.tx, externalID)
}

func (v *txView) CreateParentWithSlices(ctx context.Context, parent *PayoutParent, slices []PayoutSlice) error {
	return createParentWithSlices(ctx, v.tx, parent, slices)
}

func (v *txView) CreateEscrow(ctx context.Context, escrow *SellerEscrow) error {
	return createEscrow(ctx, v.tx, escrow)
}

func (v *txView) RecordRecommendation(ctx context.Context, rec *risk.Recommendation) error {
	return recordRecommendation(ctx, v.tx, rec)
}

func (v *txView) FindAdvanceByExternalID(ctx context.Context, externalID string) (*AdvanceRequest, error) {
	return findAdvanceByExternalID(ctx, v.tx, externalID)
}

func (v *txView) CreateAdvance(ctx context.Context, adv *AdvanceRequest) error {
	return createAdvance(ctx, v.tx, adv)
}

func (v *txView) ListPendingSlices(ctx context.Context, limit int) ([]PayoutSlice, error) {
	rows, err := v.tx.QueryContext(ctx, `
		SELECT id, parent_id, treasury_account_id, amount, slice_order
		FROM active_payout_slices
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending slices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSlices(rows)
}

func (v *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func findByExternalID(ctx context.Context, q queryer, externalID string) (*PayoutParent, []PayoutSlice, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, external_id, origin, seller_ref, currency, requested_amount,
		       priority, reference_code, status, metadata, created_at
		FROM payout_parents WHERE external_id = $1`, externalID)

	var parent PayoutParent
	var priority, status string
	var metadataJSON []byte
	err := row.Scan(&parent.ID, &parent.ExternalID, &parent.Origin, &parent.SellerRef,
		&parent.Currency, &parent.RequestedAmount, &priority, &parent.ReferenceCode,
		&status, &metadataJSON, &parent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find payout parent: %w", err)
	}
	parent.Priority = Priority(priority)
	parent.Status = Status(status)
	if len(metadataJSON) > 0 {
		parent.Metadata = map[string]string{}
		_ = json.Unmarshal(metadataJSON, &parent.Metadata)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, parent_id, treasury_account_id, amount, slice_order
		FROM payout_slices WHERE parent_id = $1 ORDER BY slice_order`, parent.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("find payout slices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	slices, err := scanSlices(rows)
	if err != nil {
		return nil, nil, err
	}
	return &parent, slices, nil
}

func createParentWithSlices(ctx context.Context, q queryer, parent *PayoutParent, slices []PayoutSlice) error {
	metadataJSON, err := json.Marshal(parent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO payout_parents (
			id, external_id, origin, seller_ref, currency, requested_amount,
			priority, reference_code, status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		parent.ID, parent.ExternalID, parent.Origin, parent.SellerRef, parent.Currency,
		parent.RequestedAmount, string(parent.Priority), parent.ReferenceCode,
		string(parent.Status), metadataJSON, parent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create payout parent: %w", err)
	}

	for _, s := range slices {
		_, err := q.ExecContext(ctx, `
			INSERT INTO payout_slices (id, parent_id, treasury_account_id, amount, slice_order)
			VALUES ($1, $2, $3, $4, $5)`,
			s.ID, s.ParentID, s.TreasuryAccountID, s.Amount, s.Order,
		)
		if err != nil {
			return fmt.Errorf("create payout slice: %w", err)
		}
	}
	return nil
}

func createEscrow(ctx context.Context, q queryer, escrow *SellerEscrow) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO seller_escrows (id, seller_ref, amount, currency, reason, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		escrow.ID, escrow.SellerRef, escrow.Amount, escrow.Currency, escrow.Reason,
		escrow.RiskScore, escrow.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create seller escrow: %w", err)
	}
	return nil
}

// recordRecommendation inserts the SIRA verdict through the same queryer
// (and therefore the same transaction) as the payout outcome it belongs to.
// The table is owned and migrated by internal/risk's PostgresStore.
func recordRecommendation(ctx context.Context, q queryer, rec *risk.Recommendation) error {
	slicesJSON, err := json.Marshal(rec.Slices)
	if err != nil {
		return fmt.Errorf("marshal slices: %w", err)
	}
	reasonsJSON, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	var treasuryID sql.NullString
	if rec.TreasuryAccountID != "" {
		treasuryID = sql.NullString{String: rec.TreasuryAccountID, Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sira_recommendations (
			id, seller_ref, priority_score, risk_score, multi_bank,
			recommended_action, slices, treasury_account_id, reasons,
			model_version, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		idgen.WithPrefix("sira_"), rec.SellerRef, rec.PriorityScore, rec.RiskScore,
		rec.MultiBank, string(rec.RecommendedAction), slicesJSON, treasuryID,
		reasonsJSON, rec.ModelVersion, rec.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record sira recommendation: %w", err)
	}
	return nil
}

func findAdvanceByExternalID(ctx context.Context, q queryer, externalID string) (*AdvanceRequest, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, external_id, seller_ref, amount, currency, fee, schedule, status, created_at
		FROM advance_requests WHERE external_id = $1`, externalID)

	var adv AdvanceRequest
	var status string
	err := row.Scan(&adv.ID, &adv.ExternalID, &adv.SellerRef, &adv.Amount, &adv.Currency,
		&adv.Fee, &adv.Schedule, &status, &adv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find advance: %w", err)
	}
	adv.Status = AdvanceStatus(status)
	return &adv, nil
}

func createAdvance(ctx context.Context, q queryer, adv *AdvanceRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO advance_requests (id, external_id, seller_ref, amount, currency, fee, schedule, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		adv.ID, adv.ExternalID, adv.SellerRef, adv.Amount, adv.Currency, adv.Fee,
		adv.Schedule, string(adv.Status), adv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create advance: %w", err)
	}
	return nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSlices(rows rowScanner) ([]PayoutSlice, error) {
	var result []PayoutSlice
	for rows.Next() {
		var s PayoutSlice
		if err := rows.Scan(&s.ID, &s.ParentID, &s.TreasuryAccountID, &s.Amount, &s.Order); err != nil {
			return nil, fmt.Errorf("scan payout slice: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
