package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD is Amount: 1099, Currency: "USD".
// All arithmetic stays in minor units; decimal conversion happens only
// at the API boundary via Parse and String.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

const defaultCurrency = "USD"

// New returns a Money in the given currency, defaulting to USD.
func New(amount int64, currency string) Money {
	if currency == "" {
		currency = defaultCurrency
	}
	return Money{Amount: amount, Currency: currency}
}

// Parse converts a decimal string like "10.50" to minor units.
// Amounts with more than two fraction digits are rejected rather than
// silently truncated.
func Parse(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if d.Exponent() < -2 {
		return Money{}, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidAmount, value)
	}
	return New(d.Mul(decimal.NewFromInt(100)).IntPart(), currency), nil
}

// FromFloat converts a float amount (major units) to Money.
// Rounds half away from zero to whole cents.
func FromFloat(value float64, currency string) Money {
	d := decimal.NewFromFloat(value).Mul(decimal.NewFromInt(100)).Round(0)
	return New(d.IntPart(), currency)
}

// Decimal returns the amount in major units as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -2)
}

// String formats the amount with two fraction digits, e.g. "10.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Add returns the sum of two amounts. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.Amount+other.Amount, m.Currency), nil
}

// Sub returns the difference of two amounts. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.Amount-other.Amount, m.Currency), nil
}

// LessThan reports whether m is strictly smaller than other.
// Comparing across currencies returns an error.
func (m Money) LessThan(other Money) (bool, error) {
	if err := m.sameCurrency(other); err != nil {
		return false, err
	}
	return m.Amount < other.Amount, nil
}

// ApplyFeePercent deducts an integer percentage fee, flooring to whole
// cents so the platform never over-credits earnings.
func (m Money) ApplyFeePercent(feePercent int64) Money {
	if feePercent <= 0 {
		return m
	}
	if feePercent >= 100 {
		return New(0, m.Currency)
	}
	return New(m.Amount*(100-feePercent)/100, m.Currency)
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency && m.Currency != "" && other.Currency != "" {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}
