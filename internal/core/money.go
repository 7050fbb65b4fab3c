// Package core provides money parsing and handling utilities.
//
// Amounts are kept as integer cents. Anything that involves a percentage goes
// through shopspring/decimal and is rounded half-up to the cent, so the same
// income always produces the same contributions.
package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidPercentage = errors.New("invalid percentage")
)

var hundred = decimal.NewFromInt(100)

type Money struct {
	Cents int64
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return nil
}

// Decimal returns the amount in currency units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// SubFloor subtracts o and never returns a negative amount.
func (m Money) SubFloor(o Money) Money {
	if o.Cents >= m.Cents {
		return Money{}
	}
	return Money{Cents: m.Cents - o.Cents}
}

// MoneyFromDecimal rounds d half-up to the cent.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Cents: d.Shift(2).Round(0).IntPart()}
}

// ParseAmount converts a decimal string to a positive amount.
//
// Both dot (12.34) and comma (12,34) separators are accepted; extra
// fractional digits are rounded half-up:
//
//	ParseAmount("12.345") -> 12.35
//	ParseAmount("12.344") -> 12.34
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	// Guard the int64 conversion.
	if d.GreaterThan(decimal.New(1, 15)) {
		return Money{}, ErrInvalidAmount
	}
	m := MoneyFromDecimal(d)
	if m.Cents <= 0 {
		return Money{}, ErrInvalidAmount
	}
	return m, nil
}

// ParsePercentage parses an allocation percentage in [0, 100].
func ParsePercentage(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", "."))
	if err != nil {
		return decimal.Zero, ErrInvalidPercentage
	}
	if ValidatePercentage(d) != nil {
		return decimal.Zero, ErrInvalidPercentage
	}
	return d, nil
}

func ValidatePercentage(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return &ValidationError{Field: "allocationPercentage", Message: "must be between 0 and 100"}
	}
	return nil
}

// Contribution is the share of amount claimed by pct percent, rounded
// half-up to the cent.
func Contribution(amount Money, pct decimal.Decimal) Money {
	if amount.Cents <= 0 || !pct.IsPositive() {
		return Money{}
	}
	return Money{Cents: decimal.NewFromInt(amount.Cents).Mul(pct).Shift(-2).Round(0).IntPart()}
}
