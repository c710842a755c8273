// Package amount parses bank-formatted numbers into decimals and compares
// them with the two-digit tolerance used throughout reconciliation.
package amount

import (
	"errors"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Tolerance is the absolute difference under which two amounts are equal
var Tolerance = decimal.New(1, -2)

// ErrInvalid is returned when no number can be read from the input
var ErrInvalid = errors.New("invalid amount")

// Near reports whether a and b differ by less than Tolerance
func Near(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Tolerance)
}

// IsZero reports whether d is within Tolerance of zero
func IsZero(d decimal.Decimal) bool {
	return d.Abs().LessThan(Tolerance)
}

// Parse reads an amount written with either decimal convention.
//
// Accepted forms include "1,234.56", "1.234,56", "1 234,56", "1'234.56",
// "(12.50)", "12.50-", "12.50 DR", "€ 12,50" and "-12.5".
func Parse(s string) (decimal.Decimal, error) {
	return parse(s, 0)
}

// ParseWithSeparator reads an amount whose decimal separator is known.
// The other of '.' and ',' is treated as a grouping character.
func ParseWithSeparator(s string, sep rune) (decimal.Decimal, error) {
	if sep != '.' && sep != ',' {
		return parse(s, 0)
	}
	return parse(s, sep)
}

func parse(s string, sep rune) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}

	negative := false
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "DR"):
		negative = true
		s = strings.TrimSpace(s[:len(s)-2])
	case strings.HasSuffix(upper, "CR"):
		s = strings.TrimSpace(s[:len(s)-2])
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = !negative
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',':
			b.WriteRune(r)
		case r == '-':
			negative = !negative
		}
	}
	digits := b.String()
	if strings.IndexFunc(digits, unicode.IsDigit) < 0 {
		return decimal.Zero, ErrInvalid
	}

	digits = normalizeSeparators(digits, sep)
	d, err := decimal.NewFromString(digits)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites digits so that '.' is the only decimal point.
func normalizeSeparators(digits string, sep rune) string {
	if sep == 0 {
		sep = guessSeparator(digits)
	}
	group := ","
	if sep == ',' {
		group = "."
	}
	digits = strings.ReplaceAll(digits, group, "")
	if sep == ',' {
		digits = strings.ReplaceAll(digits, ",", ".")
	}
	// A second decimal point means grouping we could not tell apart.
	if strings.Count(digits, ".") > 1 {
		last := strings.LastIndex(digits, ".")
		digits = strings.ReplaceAll(digits[:last], ".", "") + digits[last:]
	}
	return digits
}

func guessSeparator(digits string) rune {
	lastDot := strings.LastIndex(digits, ".")
	lastComma := strings.LastIndex(digits, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			return ','
		}
		return '.'
	case lastComma >= 0:
		if strings.Count(digits, ",") > 1 {
			return '.'
		}
		if len(digits)-lastComma-1 == 3 && lastComma > 0 {
			return '.'
		}
		return ','
	default:
		return '.'
	}
}
