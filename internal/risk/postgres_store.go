package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/idgen"
)

// PostgresStore persists SIRA recommendations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed recommendation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sira_recommendations table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sira_recommendations (
			id                   VARCHAR(40) PRIMARY KEY,
			seller_ref           VARCHAR(64) NOT NULL,
			priority_score       NUMERIC(5,2) NOT NULL,
			risk_score           NUMERIC(5,2) NOT NULL,
			multi_bank           BOOLEAN NOT NULL DEFAULT FALSE,
			recommended_action   VARCHAR(16) NOT NULL,
			slices               JSONB NOT NULL DEFAULT '[]',
			treasury_account_id  VARCHAR(64),
			reasons              JSONB NOT NULL DEFAULT '[]',
			model_version        VARCHAR(32) NOT NULL,
			evaluated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sira_recommendations_seller
			ON sira_recommendations (seller_ref, evaluated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, rec *Recommendation) error {
	slicesJSON, err := json.Marshal(rec.Slices)
	if err != nil {
		return fmt.Errorf("marshal slices: %w", err)
	}
	reasonsJSON, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sira_recommendations (
			id, seller_ref, priority_score, risk_score, multi_bank,
			recommended_action, slices, treasury_account_id, reasons,
			model_version, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		idgen.WithPrefix("sira_"), rec.SellerRef, rec.PriorityScore, rec.RiskScore,
		rec.MultiBank, string(rec.RecommendedAction), slicesJSON, nullString(rec.TreasuryAccountID),
		reasonsJSON, rec.ModelVersion, rec.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record sira recommendation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySeller(ctx context.Context, sellerRef string, limit int) ([]*Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seller_ref, priority_score, risk_score, multi_bank,
		       recommended_action, slices, treasury_account_id, reasons,
		       model_version, evaluated_at
		FROM sira_recommendations
		WHERE seller_ref = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, sellerRef, limit)
	if err != nil {
		return nil, fmt.Errorf("list sira recommendations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Recommendation
	for rows.Next() {
		var rec Recommendation
		var action string
		var slicesJSON, reasonsJSON []byte
		var treasuryAccountID sql.NullString
		var evaluatedAt time.Time

		if err := rows.Scan(&rec.SellerRef, &rec.PriorityScore, &rec.RiskScore, &rec.MultiBank,
			&action, &slicesJSON, &treasuryAccountID, &reasonsJSON, &rec.ModelVersion, &evaluatedAt); err != nil {
			continue
		}
		rec.RecommendedAction = RecommendedAction(action)
		rec.EvaluatedAt = evaluatedAt
		if treasuryAccountID.Valid {
			rec.TreasuryAccountID = treasuryAccountID.String
		}
		_ = json.Unmarshal(slicesJSON, &rec.Slices)
		_ = json.Unmarshal(reasonsJSON, &rec.Reasons)
		result = append(result, &rec)
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
