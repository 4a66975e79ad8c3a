package ussd

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists USSD sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ussd_sessions table if it does not already exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ussd_sessions (
			session_id        VARCHAR(64) PRIMARY KEY,
			phone             VARCHAR(20) NOT NULL,
			country           VARCHAR(4)  NOT NULL,
			state             VARCHAR(32) NOT NULL,
			scratch           JSONB       NOT NULL DEFAULT '{}',
			pin_attempts      INT         NOT NULL DEFAULT 0,
			pin_locked_until  TIMESTAMPTZ,
			last_interaction  TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT session_id, phone, country, state, scratch, pin_attempts,
		       pin_locked_until, last_interaction, created_at
		FROM ussd_sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	return scanSession(row)
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ussd_sessions (
			session_id, phone, country, state, scratch, pin_attempts,
			pin_locked_until, last_interaction, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.SessionID, s.Phone, s.Country, string(s.State), s.Scratch.MarshalBytes(),
		s.PinAttempts, nullTime(s.PinLockedUntil), s.LastInteraction, s.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ussd_sessions SET
			state = $1, scratch = $2, pin_attempts = $3,
			pin_locked_until = $4, last_interaction = $5
		WHERE session_id = $6`,
		string(s.State), s.Scratch.MarshalBytes(), s.PinAttempts,
		nullTime(s.PinLockedUntil), s.LastInteraction, s.SessionID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE session_id = $1`, sessionID)
	return err
}

// WithTx runs fn inside a serializable transaction; GetForUpdate within fn
// takes the row lock for the transaction's lifetime.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	err = fn(ctx, &txView{tx: tx})
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// txView implements Store against an open *sql.Tx.
type txView struct {
	tx *sql.Tx
}

func (v *txView) GetForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	row := v.tx.QueryRowContext(ctx, `
		SELECT session_id, phone, country, state, scratch, pin_attempts,
		       pin_locked_until, last_interaction, created_at
		FROM ussd_sessions WHERE session_id = $1 FOR UPDATE`, sessionID)
	return scanSession(row)
}

func (v *txView) Create(ctx context.Context, s *Session) error {
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO ussd_sessions (
			session_id, phone, country, state, scratch, pin_attempts,
			pin_locked_until, last_interaction, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.SessionID, s.Phone, s.Country, string(s.State), s.Scratch.MarshalBytes(),
		s.PinAttempts, nullTime(s.PinLockedUntil), s.LastInteraction, s.CreatedAt,
	)
	return err
}

func (v *txView) Update(ctx context.Context, s *Session) error {
	res, err := v.tx.ExecContext(ctx, `
		UPDATE ussd_sessions SET
			state = $1, scratch = $2, pin_attempts = $3,
			pin_locked_until = $4, last_interaction = $5
		WHERE session_id = $6`,
		string(s.State), s.Scratch.MarshalBytes(), s.PinAttempts,
		nullTime(s.PinLockedUntil), s.LastInteraction, s.SessionID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (v *txView) Delete(ctx context.Context, sessionID string) error {
	_, err := v.tx.ExecContext(ctx, `DELETE FROM ussd_sessions WHERE session_id = $1`, sessionID)
	return err
}

func (v *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var state string
	var scratch []byte
	var pinLockedUntil sql.NullTime

	err := row.Scan(&s.SessionID, &s.Phone, &s.Country, &state, &scratch,
		&s.PinAttempts, &pinLockedUntil, &s.LastInteraction, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.State = State(state)
	s.Scratch = UnmarshalScratch(scratch)
	if pinLockedUntil.Valid {
		t := pinLockedUntil.Time
		s.PinLockedUntil = &t
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
