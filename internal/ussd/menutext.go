package ussd

import (
	"context"
	"strings"
)

// StaticMenuText is a MenuTextStore backed by an in-process table, keyed by
// (country, language, key). Falls back to a "default" country/language
// entry, then to the literal "Menu text not found: <key>" contract.
type StaticMenuText struct {
	// table[country][language][key] = template with {var} placeholders.
	table map[string]map[string]map[string]string
}

// NewStaticMenuText builds the default French/Senegal copy deck.
// Additional countries/languages can be layered on with Set.
func NewStaticMenuText() *StaticMenuText {
	m := &StaticMenuText{table: map[string]map[string]map[string]string{
		"default": {
			"fr": {
				"main_menu":               "Bienvenue\n1. Solde\n2. Recharger\n3. Transferer\n4. Retirer\n99. Reinitialiser code PIN",
				"enter_pin":               "Entrez votre code PIN:",
				"enter_recharge_amount":   "Entrez le montant a recharger:",
				"enter_recipient":         "Entrez le numero du destinataire:",
				"enter_transfer_amount":   "Entrez le montant a transferer:",
				"enter_withdrawal_amount": "Entrez le montant a retirer:",
				"confirm_transfer":        "Transferer {amount} a {recipient}?\n1. Confirmer\n2. Annuler",
				"enter_new_pin":           "Entrez votre nouveau code PIN (4 chiffres):",
				"confirm_new_pin":         "Confirmez votre nouveau code PIN:",
				"invalid_pin_retry":       "Code PIN invalide. Essais restants: {attempts_left}",
				"invalid_phone_retry":     "Numero invalide. Veuillez reessayer:",
				"invalid_amount_retry":    "Montant invalide. Veuillez reessayer:",
				"balance_result":          "Votre solde est: {balance}",
				"success_message":         "Operation reussie. Montant: {amount}",
				"transfer_failed":         "Le transfert a echoue. Veuillez reessayer plus tard.",
				"transaction_failed":      "L'operation a echoue. Veuillez reessayer plus tard.",
				"insufficient_funds":      "Solde insuffisant pour ce retrait.",
				"pin_locked":              "Compte temporairement bloque suite a plusieurs essais de code PIN incorrects.",
				"pin_reset_cancelled":     "Confirmation du code PIN incorrecte. Reinitialisation annulee.",
				"pin_reset_success":       "Votre code PIN a ete modifie avec succes.",
			},
		},
	}}
	return m
}

// Set adds or overrides a (country, language, key) entry.
func (m *StaticMenuText) Set(country, language, key, template string) {
	if _, ok := m.table[country]; !ok {
		m.table[country] = make(map[string]map[string]string)
	}
	if _, ok := m.table[country][language]; !ok {
		m.table[country][language] = make(map[string]string)
	}
	m.table[country][language][key] = template
}

// Text implements MenuTextStore.
func (m *StaticMenuText) Text(ctx context.Context, country, language, key string, vars map[string]string) string {
	template, ok := m.lookup(country, language, key)
	if !ok {
		return "Menu text not found: " + key
	}
	return substitute(template, vars)
}

func (m *StaticMenuText) lookup(country, language, key string) (string, bool) {
	if langs, ok := m.table[country]; ok {
		if keys, ok := langs[language]; ok {
			if v, ok := keys[key]; ok {
				return v, true
			}
		}
	}
	if langs, ok := m.table["default"]; ok {
		if keys, ok := langs[language]; ok {
			if v, ok := keys[key]; ok {
				return v, true
			}
		}
	}
	return "", false
}

func substitute(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
