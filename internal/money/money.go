// Package money provides shared decimal-string parsing and arithmetic for
// payout and risk amounts: a fixed-scale, big.Int-backed representation
// matching the NUMERIC(20,6) columns the stores persist.
package money

import (
	"math/big"
	"strings"
)

// Decimals is the fixed scale every amount string carries.
const Decimals = 6

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "1500.50") to its smallest-unit
// big.Int representation (1500500000). Returns (nil, false) on invalid
// input: empty, negative, or more than one decimal point.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	return new(big.Int).SetString(whole+frac, 10)
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// Decimals fractional digits (e.g. "1500.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses as a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// GreaterThan reports whether a > b, both as decimal strings. Invalid
// strings compare as zero.
func GreaterThan(a, b string) bool {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv) > 0
}

// Add returns a + b as a decimal string.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns a - b as a decimal string.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(av, bv))
}

// Min returns the smaller of a, b as a decimal string.
func Min(a, b string) string {
	if GreaterThan(a, b) {
		return b
	}
	return a
}

// MulPercent returns amount * pct (e.g. pct=0.05 for 5%) as a decimal
// string, truncated toward zero to Decimals places.
func MulPercent(amount string, pct float64) string {
	av, ok := Parse(amount)
	if !ok {
		av = big.NewInt(0)
	}
	// pct is a small, fixed program constant (advance fee rate), not an
	// externally supplied amount, so float64 precision here is acceptable.
	pctScaled := new(big.Float).Mul(new(big.Float).SetInt(av), big.NewFloat(pct))
	result, _ := pctScaled.Int(nil)
	return Format(result)
}
