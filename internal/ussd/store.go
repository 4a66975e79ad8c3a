package ussd

import "context"

// Store persists USSD sessions. Implementations must guarantee that
// GetForUpdate locks the row for the duration of the caller's transaction
// (or, for the in-memory store, the duration of a store-wide mutex) so that
// a gateway retry racing a slow first attempt cannot interleave writes.
type Store interface {
	// GetForUpdate returns the session for sessionID, locked against
	// concurrent mutation until the caller finishes its transaction. Returns
	// ErrSessionNotFound if no row exists.
	GetForUpdate(ctx context.Context, sessionID string) (*Session, error)

	// Create inserts a new session row.
	Create(ctx context.Context, s *Session) error

	// Update persists an in-progress mutation to an existing session.
	Update(ctx context.Context, s *Session) error

	// Delete removes a session (terminal turn or expiry restart).
	Delete(ctx context.Context, sessionID string) error

	// WithTx runs fn with a store bound to a single transaction/lock scope,
	// so GetForUpdate/Update/Delete inside fn are atomic with each other.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// TransactionRecorder logs a completed subscriber-facing transaction
// (transfer, recharge, withdrawal). Best-effort: failures here must never
// fail the USSD turn.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, sessionID, txType, phone, amount, status string) error
}

// MetricsRecorder records best-effort per-turn metrics.
type MetricsRecorder interface {
	RecordTurn(ctx context.Context, sessionID string, finalState State, ended bool) error
}

// MenuTextStore resolves localized menu copy. External collaborator; only
// the contract consumed by the engine is declared here.
type MenuTextStore interface {
	// Text returns the localized string for (country, language, key) with
	// {variable} placeholders substituted from vars. Missing keys degrade to
	// "Menu text not found: <key>" rather than erroring.
	Text(ctx context.Context, country, language, key string, vars map[string]string) string
}
