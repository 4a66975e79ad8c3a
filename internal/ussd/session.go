// Package ussd drives per-session finite-state dialogues with feature-phone
// subscribers over the stateless USSD channel: cash transfer, PIN handling,
// recharge, withdrawal, balance.
package ussd

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

// State is a USSD menu state.
type State string

const (
	StateMenu              State = "menu"
	StateAwaitingPIN       State = "awaiting_pin"
	StateRechargeAmount    State = "recharge_amount"
	StateTransferRecipient State = "transfer_recipient"
	StateTransferAmount    State = "transfer_amount"
	StateTransferConfirm   State = "transfer_confirm"
	StateWithdrawalAmount  State = "withdrawal_amount"
	StatePinResetNew       State = "pin_reset_new"
	StatePinResetConfirm   State = "pin_reset_confirm"
)

// NextAction identifies the operation pending after PIN verification.
type NextAction string

const (
	ActionBalance    NextAction = "balance"
	ActionTransfer   NextAction = "transfer"
	ActionWithdrawal NextAction = "withdrawal"
)

var (
	phoneRegex = regexp.MustCompile(`^(\+221)?\d{9}$`)
	pinRegex   = regexp.MustCompile(`^\d{4}$`)
)

// IsValidPhone reports whether phone matches the expected MSISDN format.
func IsValidPhone(phone string) bool { return phoneRegex.MatchString(phone) }

// IsValidPIN reports whether pin is exactly 4 digits.
func IsValidPIN(pin string) bool { return pinRegex.MatchString(pin) }

// Scratch holds per-dialogue working data. Fields accumulate as a flow
// advances (a transfer keeps NextAction, Recipient and Amount together) and
// are reset when a new menu option is chosen. Stored as opaque JSON bytes in the session row so new scratch shapes can
// be added without a schema migration.
type Scratch struct {
	NextAction NextAction `json:"nextAction,omitempty"`
	Recipient  string     `json:"recipient,omitempty"`
	Amount     string     `json:"amount,omitempty"`
	NewPIN     string     `json:"newPin,omitempty"`
}

// MarshalBytes serializes the scratch to opaque storage bytes.
func (s Scratch) MarshalBytes() []byte {
	b, _ := json.Marshal(s)
	return b
}

// UnmarshalScratch deserializes opaque storage bytes into a Scratch. Empty
// or nil input yields the zero Scratch.
func UnmarshalScratch(b []byte) Scratch {
	if len(b) == 0 {
		return Scratch{}
	}
	var s Scratch
	_ = json.Unmarshal(b, &s)
	return s
}

// Session is a live USSD dialogue keyed by the gateway-issued session ID.
type Session struct {
	SessionID       string
	Phone           string
	Country         string
	State           State
	Scratch         Scratch
	PinAttempts     int
	PinLockedUntil  *time.Time
	LastInteraction time.Time
	CreatedAt       time.Time
}

// IsLocked reports whether the session is currently in PIN lockout.
func (s *Session) IsLocked(now time.Time) bool {
	return s.PinLockedUntil != nil && now.Before(*s.PinLockedUntil)
}

// Expired reports whether the session has been idle past timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastInteraction) > timeout
}

// ErrPINLocked names the PIN-locked condition. The engine does not return
// it: a turn on a locked session is answered with the pin_locked text.
var ErrPINLocked = errors.New("ussd: session is pin-locked")

// ErrSessionNotFound indicates no session row exists for the given ID.
var ErrSessionNotFound = errors.New("ussd: session not found")
