package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value in a specific currency.
// Amount is stored as an int64 in the currency's minor units (e.g. cents)
// to avoid floating point errors. Decimal form exists only at boundaries.
type Money struct {
	AmountMinor int64
	Currency    string // ISO 4217
}

// NewMoney creates a new Money instance from minor units.
func NewMoney(amountMinor int64, currency string) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// MinorToDecimal converts minor units to the decimal display form for the
// given currency exponent. 1050 with exponent 2 becomes 10.50.
func MinorToDecimal(minor int64, exponent int32) decimal.Decimal {
	return decimal.New(minor, -exponent)
}

// DecimalToMinor converts a decimal amount to minor units, rounding half
// away from zero to the nearest minor unit.
func DecimalToMinor(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}

// Decimal returns the display form of the amount for its currency.
// Fails with ErrUnsupportedCurrency when the currency is not in the catalog.
func (m Money) Decimal() (decimal.Decimal, error) {
	cur, err := LookupCurrency(m.Currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return MinorToDecimal(m.AmountMinor, cur.Exponent), nil
}

// Convert converts the money to a target currency using the given rate
// (target per one source unit). The result is rounded half away from zero
// to the target currency's minor unit.
func (m Money) Convert(targetCurrency string, rate decimal.Decimal) (Money, error) {
	src, err := LookupCurrency(m.Currency)
	if err != nil {
		return Money{}, err
	}
	dst, err := LookupCurrency(targetCurrency)
	if err != nil {
		return Money{}, err
	}
	converted := MinorToDecimal(m.AmountMinor, src.Exponent).Mul(rate)
	return Money{
		AmountMinor: DecimalToMinor(converted, dst.Exponent),
		Currency:    targetCurrency,
	}, nil
}

// String returns the display representation, e.g. "10.50 USD".
func (m Money) String() string {
	cur, err := LookupCurrency(m.Currency)
	if err != nil {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return fmt.Sprintf("%s %s", MinorToDecimal(m.AmountMinor, cur.Exponent).StringFixed(cur.Exponent), m.Currency)
}
