package money

import "errors"

var (
	ErrInvalidAmount    = errors.New("invalid monetary amount")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidPeriod    = errors.New("invalid billing period")
)
