// Package money provides shared parsing and formatting for wallet amounts.
//
// Amounts are fiat with 2 decimal places. All arithmetic happens on big.Int
// in the smallest unit (1.00 = 100 units); amounts travel as decimal strings
// everywhere else so no float rounding leaks into stored balances.
package money

import (
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1.50" or "-1.50") to its
// smallest-unit big.Int representation (150). Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading '-' is allowed (balance deltas are signed)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
		if s == "" {
			return nil, false
		}
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
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
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

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Cmp compares two decimal strings. Invalid inputs are treated as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns a+b as a decimal string. Invalid inputs are treated as zero.
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

// Neg returns -a as a decimal string.
func Neg(a string) string {
	av, _ := Parse(a)
	if av == nil {
		av = big.NewInt(0)
	}
	return Format(new(big.Int).Neg(av))
}

// FromFloat converts a float amount (as received in JSON bodies) to a
// decimal string, rounding half away from zero at 2 decimal places.
func FromFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', Decimals, 64)
}

// ToFloat converts a decimal string to a float64 for feature computation.
// Invalid inputs yield 0.
func ToFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
