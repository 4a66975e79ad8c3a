package ussd

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/metrics"
	"github.com/Molam-git/molam-connect-sub010/internal/traces"
)

// TurnRequest is one gateway-delivered USSD turn.
type TurnRequest struct {
	SessionID string
	Msisdn    string
	Text      string
	Country   string
}

// TurnResponse is returned to the gateway for display/termination.
type TurnResponse struct {
	Text string
	End  bool
}

// Config bounds the engine's PIN-lockout and idle-expiry behavior.
type Config struct {
	MaxPINAttempts int
	LockDuration   time.Duration
	SessionTimeout time.Duration
	DefaultCountry string
}

// LedgerService abstracts the subscriber balance/transfer ledger. External
// collaborator; only the contract used by the FSM is declared here.
type LedgerService interface {
	Balance(ctx context.Context, phone string) (string, error)
	Transfer(ctx context.Context, fromPhone, toPhone, amount string) error
	Recharge(ctx context.Context, phone, amount string) error
	Withdraw(ctx context.Context, phone, amount string) error
	UpdatePINHash(ctx context.Context, phone, newPIN string) error
	VerifyPIN(ctx context.Context, phone, pin string) (bool, error)
}

// Engine drives per-turn USSD state advancement.
type Engine struct {
	store    Store
	ledger   LedgerService
	menuText MenuTextStore
	cfg      Config

	recorder TransactionRecorder
	metrics  MetricsRecorder
}

// NewEngine creates a USSD FSM engine.
func NewEngine(store Store, ledger LedgerService, menuText MenuTextStore, cfg Config) *Engine {
	if cfg.MaxPINAttempts <= 0 {
		cfg.MaxPINAttempts = 3
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Minute
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 2 * time.Minute
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "SN"
	}
	return &Engine{store: store, ledger: ledger, menuText: menuText, cfg: cfg}
}

// WithRecorder attaches a best-effort transaction recorder.
func (e *Engine) WithRecorder(r TransactionRecorder) *Engine {
	e.recorder = r
	return e
}

// WithMetricsRecorder attaches a best-effort metrics recorder.
func (e *Engine) WithMetricsRecorder(m MetricsRecorder) *Engine {
	e.metrics = m
	return e
}

// normalizePhone trims surrounding whitespace; the "+221" prefix is kept
// as the caller sent it.
func normalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}

// lastSegment returns the salient part of a "*"-separated USSD input.
func lastSegment(text string) string {
	parts := strings.Split(text, "*")
	return parts[len(parts)-1]
}

// HandleTurn is the engine's single entry point: normalize input,
// load-or-create the session, dispatch on state, persist, respond.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	country := req.Country
	if country == "" {
		country = e.cfg.DefaultCountry
	}
	phone := normalizePhone(req.Msisdn)
	input := lastSegment(req.Text)
	now := time.Now()

	ctx, span := traces.StartSpan(ctx, "ussd.HandleTurn", traces.SessionID(req.SessionID))
	defer span.End()

	var resp TurnResponse
	var endedState State
	var ended bool

	err := e.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		session, err := tx.GetForUpdate(ctx, req.SessionID)
		switch {
		case err == ErrSessionNotFound:
			session = &Session{
				SessionID:       req.SessionID,
				Phone:           phone,
				Country:         country,
				State:           StateMenu,
				LastInteraction: now,
				CreatedAt:       now,
			}
			if createErr := tx.Create(ctx, session); createErr != nil {
				return createErr
			}
			resp = e.renderMenu(ctx, session)
			endedState = session.State
			return nil
		case err != nil:
			return err
		}

		// Expiry: idle too long restarts at menu with a fresh session. A
		// locked row is exempt until pin_locked_until elapses, so the
		// lockout cannot be reset by simply waiting out the idle timeout.
		if session.Expired(now, e.cfg.SessionTimeout) && !session.IsLocked(now) {
			if delErr := tx.Delete(ctx, session.SessionID); delErr != nil {
				return delErr
			}
			fresh := &Session{
				SessionID:       req.SessionID,
				Phone:           phone,
				Country:         country,
				State:           StateMenu,
				LastInteraction: now,
				CreatedAt:       now,
			}
			if createErr := tx.Create(ctx, fresh); createErr != nil {
				return createErr
			}
			resp = e.renderMenu(ctx, fresh)
			endedState = fresh.State
			return nil
		}

		r, end, dispatchErr := e.dispatch(ctx, session, input, now)
		if dispatchErr != nil {
			return dispatchErr
		}
		resp = r
		ended = end
		endedState = session.State

		if end {
			// A lockout turn keeps the row so pin_locked_until survives
			// until idle expiry; every other terminal turn deletes it.
			if session.IsLocked(now) {
				session.LastInteraction = now
				return tx.Update(ctx, session)
			}
			return tx.Delete(ctx, session.SessionID)
		}
		session.LastInteraction = now
		return tx.Update(ctx, session)
	})

	if e.metrics != nil {
		_ = e.metrics.RecordTurn(ctx, req.SessionID, endedState, ended)
	}
	metrics.USSDTurnsTotal.WithLabelValues(string(endedState)).Inc()

	if err != nil {
		logging.L(ctx).Warn("ussd turn failed", "session_id", req.SessionID, "error", err)
		return TurnResponse{}, err
	}
	return resp, nil
}

// dispatch advances session in place according to its current state and
// returns the response plus whether the dialogue has ended.
func (e *Engine) dispatch(ctx context.Context, s *Session, input string, now time.Time) (TurnResponse, bool, error) {
	if s.IsLocked(now) {
		return e.text(ctx, s, "pin_locked", nil), true, nil
	}

	switch s.State {
	case StateMenu:
		return e.handleMenu(ctx, s, input)
	case StateAwaitingPIN:
		return e.handleAwaitingPIN(ctx, s, input, now)
	case StateRechargeAmount:
		return e.handleAmountTerminal(ctx, s, input, "recharge")
	case StateTransferRecipient:
		return e.handleTransferRecipient(ctx, s, input)
	case StateTransferAmount:
		return e.handleTransferAmount(ctx, s, input)
	case StateTransferConfirm:
		return e.handleTransferConfirm(ctx, s, input)
	case StateWithdrawalAmount:
		return e.handleAmountTerminal(ctx, s, input, "withdrawal")
	case StatePinResetNew:
		return e.handlePinResetNew(ctx, s, input)
	case StatePinResetConfirm:
		return e.handlePinResetConfirm(ctx, s, input)
	default:
		s.State = StateMenu
		return e.renderMenu(ctx, s), false, nil
	}
}

func (e *Engine) handleMenu(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	switch input {
	case "1":
		s.State = StateAwaitingPIN
		s.Scratch = Scratch{NextAction: ActionBalance}
		return e.text(ctx, s, "enter_pin", nil), false, nil
	case "2":
		s.State = StateRechargeAmount
		s.Scratch = Scratch{}
		return e.text(ctx, s, "enter_recharge_amount", nil), false, nil
	case "3":
		s.State = StateAwaitingPIN
		s.Scratch = Scratch{NextAction: ActionTransfer}
		return e.text(ctx, s, "enter_pin", nil), false, nil
	case "4":
		s.State = StateAwaitingPIN
		s.Scratch = Scratch{NextAction: ActionWithdrawal}
		return e.text(ctx, s, "enter_pin", nil), false, nil
	case "99":
		s.State = StatePinResetNew
		s.Scratch = Scratch{}
		return e.text(ctx, s, "enter_new_pin", nil), false, nil
	default:
		return e.renderMenu(ctx, s), false, nil
	}
}

func (e *Engine) renderMenu(ctx context.Context, s *Session) TurnResponse {
	s.State = StateMenu
	return e.text(ctx, s, "main_menu", nil)
}

func (e *Engine) handleAwaitingPIN(ctx context.Context, s *Session, input string, now time.Time) (TurnResponse, bool, error) {
	if !IsValidPIN(input) {
		return e.pinRetry(ctx, s, now)
	}
	ok, err := e.ledger.VerifyPIN(ctx, s.Phone, input)
	if err != nil {
		return TurnResponse{}, false, err
	}
	if !ok {
		return e.pinRetry(ctx, s, now)
	}

	s.PinAttempts = 0
	switch s.Scratch.NextAction {
	case ActionBalance:
		bal, err := e.ledger.Balance(ctx, s.Phone)
		if err != nil {
			return TurnResponse{}, false, err
		}
		return e.text(ctx, s, "balance_result", map[string]string{"balance": bal}), true, nil
	case ActionTransfer:
		s.State = StateTransferRecipient
		return e.text(ctx, s, "enter_recipient", nil), false, nil
	case ActionWithdrawal:
		s.State = StateWithdrawalAmount
		return e.text(ctx, s, "enter_withdrawal_amount", nil), false, nil
	default:
		s.State = StateMenu
		return e.renderMenu(ctx, s), false, nil
	}
}

func (e *Engine) pinRetry(ctx context.Context, s *Session, now time.Time) (TurnResponse, bool, error) {
	s.PinAttempts++
	if s.PinAttempts >= e.cfg.MaxPINAttempts {
		locked := now.Add(e.cfg.LockDuration)
		s.PinLockedUntil = &locked
		metrics.USSDPinLockoutsTotal.Inc()
		return e.text(ctx, s, "pin_locked", nil), true, nil
	}
	return e.text(ctx, s, "invalid_pin_retry", map[string]string{
		"attempts_left": strconv.Itoa(e.cfg.MaxPINAttempts - s.PinAttempts),
	}), false, nil
}

func (e *Engine) handleTransferRecipient(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	if !IsValidPhone(input) {
		return e.text(ctx, s, "invalid_phone_retry", nil), false, nil
	}
	s.Scratch.Recipient = input
	s.State = StateTransferAmount
	return e.text(ctx, s, "enter_transfer_amount", nil), false, nil
}

func (e *Engine) handleTransferAmount(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	amt, err := strconv.ParseFloat(input, 64)
	if err != nil || amt <= 0 {
		return e.text(ctx, s, "invalid_amount_retry", nil), false, nil
	}
	s.Scratch.Amount = input
	s.State = StateTransferConfirm
	return e.text(ctx, s, "confirm_transfer", map[string]string{
		"recipient": s.Scratch.Recipient,
		"amount":    input,
	}), false, nil
}

func (e *Engine) handleTransferConfirm(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	if input != "1" {
		s.State = StateMenu
		s.Scratch = Scratch{}
		return e.renderMenu(ctx, s), false, nil
	}

	err := e.ledger.Transfer(ctx, s.Phone, s.Scratch.Recipient, s.Scratch.Amount)
	if err != nil {
		e.recordBestEffort(ctx, s, "transfer", s.Scratch.Amount, "failed")
		return e.text(ctx, s, "transfer_failed", nil), true, nil
	}
	e.recordBestEffort(ctx, s, "transfer", s.Scratch.Amount, "completed")
	return e.text(ctx, s, "success_message", map[string]string{"amount": s.Scratch.Amount}), true, nil
}

// handleAmountTerminal handles both recharge_amount and withdrawal_amount,
// which share the "positive number -> terminal" shape.
func (e *Engine) handleAmountTerminal(ctx context.Context, s *Session, input string, kind string) (TurnResponse, bool, error) {
	amt, err := strconv.ParseFloat(input, 64)
	if err != nil || amt <= 0 {
		return e.text(ctx, s, "invalid_amount_retry", nil), false, nil
	}

	if kind == "withdrawal" {
		bal, err := e.ledger.Balance(ctx, s.Phone)
		if err == nil {
			if balF, perr := strconv.ParseFloat(bal, 64); perr == nil && amt > balF {
				e.recordBestEffort(ctx, s, "withdrawal", input, "failed")
				return e.text(ctx, s, "insufficient_funds", nil), true, nil
			}
		}
		if werr := e.ledger.Withdraw(ctx, s.Phone, input); werr != nil {
			e.recordBestEffort(ctx, s, "withdrawal", input, "failed")
			return e.text(ctx, s, "transaction_failed", nil), true, nil
		}
		e.recordBestEffort(ctx, s, "withdrawal", input, "completed")
		return e.text(ctx, s, "success_message", map[string]string{"amount": input}), true, nil
	}

	if rerr := e.ledger.Recharge(ctx, s.Phone, input); rerr != nil {
		e.recordBestEffort(ctx, s, "recharge", input, "failed")
		return e.text(ctx, s, "transaction_failed", nil), true, nil
	}
	e.recordBestEffort(ctx, s, "recharge", input, "completed")
	return e.text(ctx, s, "success_message", map[string]string{"amount": input}), true, nil
}

func (e *Engine) handlePinResetNew(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	if !IsValidPIN(input) {
		return e.text(ctx, s, "invalid_pin_retry", nil), false, nil
	}
	s.Scratch.NewPIN = input
	s.State = StatePinResetConfirm
	return e.text(ctx, s, "confirm_new_pin", nil), false, nil
}

func (e *Engine) handlePinResetConfirm(ctx context.Context, s *Session, input string) (TurnResponse, bool, error) {
	if input != s.Scratch.NewPIN {
		return e.text(ctx, s, "pin_reset_cancelled", nil), true, nil
	}
	if err := e.ledger.UpdatePINHash(ctx, s.Phone, s.Scratch.NewPIN); err != nil {
		return e.text(ctx, s, "transaction_failed", nil), true, nil
	}
	return e.text(ctx, s, "pin_reset_success", nil), true, nil
}

func (e *Engine) recordBestEffort(ctx context.Context, s *Session, txType, amount, status string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTransaction(ctx, s.SessionID, txType, s.Phone, amount, status); err != nil {
		logging.L(ctx).Warn("ussd transaction record failed", "session_id", s.SessionID, "error", err)
	}
}

func (e *Engine) text(ctx context.Context, s *Session, key string, vars map[string]string) TurnResponse {
	if e.menuText == nil {
		return TurnResponse{Text: "Menu text not found: " + key, End: isTerminalKey(key)}
	}
	body := e.menuText.Text(ctx, s.Country, "fr", key, vars)
	return TurnResponse{Text: body, End: isTerminalKey(key)}
}

// isTerminalKey reports whether a menu-text key corresponds to a terminal
// response. Non-terminal keys are prompts awaiting further input.
func isTerminalKey(key string) bool {
	switch key {
	case "main_menu", "enter_pin", "enter_recharge_amount", "enter_recipient",
		"enter_transfer_amount", "enter_withdrawal_amount", "confirm_transfer",
		"enter_new_pin", "confirm_new_pin", "invalid_pin_retry",
		"invalid_phone_retry", "invalid_amount_retry":
		return false
	default:
		return true
	}
}
