// Package token provides fixed-point parsing, formatting, and proportional
// math for escrowed token amounts.
//
// Amounts use 6 decimal places and are carried as big.Int in the smallest
// unit (1 token = 1,000,000 units). All settlement math happens in smallest
// units so repeated partial releases cannot accumulate rounding drift.
package token

import (
	"math/big"
	"strings"
)

const Decimals = 6

// BasisPointsDenom is the denominator for basis-point fractions (100% = 10000).
const BasisPointsDenom = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
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

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
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
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// MulDiv computes amount * num / den in smallest units, truncating toward
// zero. den must be positive; a zero or negative den returns zero rather
// than dividing by it.
func MulDiv(amount *big.Int, num, den int64) *big.Int {
	if amount == nil || den <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(num))
	return out.Quo(out, big.NewInt(den))
}

// ApplyBasisPoints returns amount * bps / 10000, truncating toward zero.
func ApplyBasisPoints(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, bps, BasisPointsDenom)
}
