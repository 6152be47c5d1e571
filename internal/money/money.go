// Package money parses and formats fiat amounts.
//
// Amounts travel as decimal strings with two fractional digits ("2500.00")
// and are computed as big.Int minor units (1 unit = 1 cent). Rates travel
// as decimal fractions ("0.15") and are computed as basis points.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// BasisPoints is the denominator for rates (10000 bps = 100%).
const BasisPoints = 10000

// Parse converts a decimal string (e.g. "12.5") to minor units (1250).
// Returns (nil, false) for empty, negative, or malformed input and for
// more than two fractional digits.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
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
		if frac == "" || len(frac) > Decimals {
			return nil, false
		}
	}
	if whole == "" {
		return nil, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts minor units to a decimal string with exactly two
// fractional digits (e.g. "12.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize re-formats a valid amount string ("12.5" -> "12.50").
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// ParseRate converts a fraction string ("0.15") into basis points (1500).
// Rates must be within [0, 1] and carry at most four fractional digits.
func ParseRate(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 || parts[0] == "" || !digitsOnly(parts[0]) {
		return 0, false
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" || len(frac) > 4 || !digitsOnly(frac) {
			return 0, false
		}
	}
	for len(frac) < 4 {
		frac += "0"
	}
	v, ok := new(big.Int).SetString(parts[0]+frac, 10)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	bps := v.Int64()
	if bps > BasisPoints {
		return 0, false
	}
	return bps, true
}

// FormatRate renders basis points as a fraction string (1500 -> "0.15").
func FormatRate(bps int64) string {
	s := new(big.Int).SetInt64(bps).String()
	for len(s) < 5 {
		s = "0" + s
	}
	whole, frac := s[:len(s)-4], strings.TrimRight(s[len(s)-4:], "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return whole + "." + frac
}

// ApplyRate returns amount*bps/10000, rounded down to the minor unit.
func ApplyRate(amount *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(bps))
	return out.Quo(out, big.NewInt(BasisPoints))
}

// Percent returns amount*pct/100, rounded down to the minor unit.
func Percent(amount *big.Int, pct int64) *big.Int {
	return ApplyRate(amount, pct*100)
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Sub returns a-b.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// Add returns the sum of amounts.
func Add(amounts ...*big.Int) *big.Int {
	out := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			out.Add(out, a)
		}
	}
	return out
}

// Zero reports whether the formatted amount s is zero or empty.
func Zero(s string) bool {
	v, ok := Parse(s)
	return !ok || v.Sign() == 0
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
