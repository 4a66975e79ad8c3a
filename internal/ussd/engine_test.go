package ussd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	balances  map[string]string
	pins      map[string]string
	transfers []struct{ from, to, amount string }
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: map[string]string{},
		pins:     map[string]string{},
	}
}

func (f *fakeLedger) Balance(ctx context.Context, phone string) (string, error) {
	if b, ok := f.balances[phone]; ok {
		return b, nil
	}
	return "0", nil
}

func (f *fakeLedger) Transfer(ctx context.Context, fromPhone, toPhone, amount string) error {
	f.transfers = append(f.transfers, struct{ from, to, amount string }{fromPhone, toPhone, amount})
	return nil
}

func (f *fakeLedger) Recharge(ctx context.Context, phone, amount string) error { return nil }

func (f *fakeLedger) Withdraw(ctx context.Context, phone, amount string) error { return nil }

func (f *fakeLedger) UpdatePINHash(ctx context.Context, phone, newPIN string) error {
	f.pins[phone] = newPIN
	return nil
}

func (f *fakeLedger) VerifyPIN(ctx context.Context, phone, pin string) (bool, error) {
	want, ok := f.pins[phone]
	if !ok {
		return pin == "1234", nil
	}
	return pin == want, nil
}

func newTestEngine(ledger LedgerService) *Engine {
	cfg := Config{MaxPINAttempts: 3, DefaultCountry: "SN"}
	return NewEngine(NewMemoryStore(), ledger, NewStaticMenuText(), cfg)
}

func TestHandleTurn_TransferHappyPath(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.pins["+221700000001"] = "1234"
	ledger.balances["+221700000001"] = "10000"

	engine := newTestEngine(ledger)
	sessionID := "sess-1"
	phone := "+221700000001"

	resp, err := engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: ""})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "Transferer")

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "3"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "PIN")

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "3*1234"})
	require.NoError(t, err)
	assert.False(t, resp.End)

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "3*1234*+221700000002"})
	require.NoError(t, err)
	assert.False(t, resp.End)

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "3*1234*+221700000002*500"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "Confirmer")

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "3*1234*+221700000002*500*1"})
	require.NoError(t, err)
	assert.True(t, resp.End)
	assert.Contains(t, resp.Text, "reussie")

	require.Len(t, ledger.transfers, 1)
	assert.Equal(t, "+221700000002", ledger.transfers[0].to)
	assert.Equal(t, "500", ledger.transfers[0].amount)
}

func TestHandleTurn_PINLockoutAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.pins["+221700000003"] = "1234"

	engine := newTestEngine(ledger)
	sessionID := "sess-2"
	phone := "+221700000003"

	_, err := engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: ""})
	require.NoError(t, err)
	_, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "1"})
	require.NoError(t, err)

	resp, err := engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "1*0000"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "Essais restants: 2")

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "1*0000*0000"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "Essais restants: 1")

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "1*0000*0000*0000"})
	require.NoError(t, err)
	assert.True(t, resp.End)
	assert.Contains(t, resp.Text, "bloque")
}

func TestHandleTurn_UnknownSessionBootstrapsMenu(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(newFakeLedger())

	resp, err := engine.HandleTurn(ctx, TurnRequest{SessionID: "fresh", Msisdn: "+221700000009", Text: "*123#"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "Bienvenue")
}

func TestHandleTurn_InvalidAmountRetriesWithoutEnding(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(newFakeLedger())
	sessionID := "sess-3"
	phone := "+221700000004"

	_, err := engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: ""})
	require.NoError(t, err)

	resp, err := engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "2"})
	require.NoError(t, err)
	assert.False(t, resp.End)

	resp, err = engine.HandleTurn(ctx, TurnRequest{SessionID: sessionID, Msisdn: phone, Text: "2*not-a-number"})
	require.NoError(t, err)
	assert.False(t, resp.End)
	assert.Contains(t, resp.Text, "invalide")
}
