package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is a fixed-point amount in the currency's minor unit (tetri for GEL).
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// minorDigits holds the minor-unit exponent for currencies that differ from 2.
var minorDigits = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"BHD": 3,
}

func exponent(currency string) int {
	if d, ok := minorDigits[currency]; ok {
		return d
	}
	return 2
}

// NormalizeCurrency upper-cases and validates a 3-letter currency code.
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 3 {
		return "", NewServiceError(ErrUnsupportedCurrency, fmt.Sprintf("currency %q is not a 3-letter code", code), "INVALID_CURRENCY")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", NewServiceError(ErrUnsupportedCurrency, fmt.Sprintf("currency %q is not a 3-letter code", code), "INVALID_CURRENCY")
		}
	}
	return c, nil
}

// ParseMoney parses a decimal string such as "100.00" into minor units.
// More fractional digits than the currency allows is an error, not a rounding.
func ParseMoney(amount, currency string) (Money, error) {
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	s := strings.TrimSpace(amount)
	if s == "" {
		return Money{}, NewServiceError(ErrInvalidRequest, "amount is required", "VALIDATION_ERROR")
	}
	if strings.HasPrefix(s, "-") {
		return Money{}, NewServiceError(ErrInvalidRequest, "amount must be greater than 0", "VALIDATION_ERROR")
	}
	s = strings.TrimPrefix(s, "+")

	digits := exponent(cur)
	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && frac == "" {
		return Money{}, NewServiceError(ErrInvalidRequest, fmt.Sprintf("invalid amount %q", amount), "VALIDATION_ERROR")
	}
	if len(frac) > digits {
		trimmed := strings.TrimRight(frac, "0")
		if len(trimmed) > digits {
			return Money{}, NewServiceError(ErrInvalidRequest,
				fmt.Sprintf("amount %q has more than %d decimal places", amount, digits), "VALIDATION_ERROR")
		}
		frac = trimmed
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", digits-len(frac))

	minor, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Money{}, NewServiceError(ErrInvalidRequest, fmt.Sprintf("invalid amount %q", amount), "VALIDATION_ERROR")
	}
	m := Money{Minor: minor, Currency: cur}
	if !m.IsPositive() {
		return Money{}, NewServiceError(ErrInvalidRequest, "amount must be greater than 0", "VALIDATION_ERROR")
	}
	return m, nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Minor > 0
}

// Decimal renders the amount in major units, e.g. "100.00".
func (m Money) Decimal() string {
	digits := exponent(m.Currency)
	if digits == 0 {
		return strconv.FormatInt(m.Minor, 10)
	}
	s := strconv.FormatInt(m.Minor, 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= digits {
		s = strings.Repeat("0", digits-len(s)+1) + s
	}
	out := s[:len(s)-digits] + "." + s[len(s)-digits:]
	if neg {
		out = "-" + out
	}
	return out
}

// Float returns the amount in major units for gateways that take JSON numbers.
func (m Money) Float() float64 {
	f, _ := strconv.ParseFloat(m.Decimal(), 64)
	return f
}

func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}
