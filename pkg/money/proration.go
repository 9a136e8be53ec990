package money

// Prorate returns the portion of amount covering daysRemaining out of
// daysInPeriod, floored toward zero to whole cents. Flooring each
// component (rather than rounding the net) keeps credits and charges
// individually representable on gateway invoices.
func Prorate(amount Money, daysRemaining, daysInPeriod int) (Money, error) {
	if daysInPeriod <= 0 {
		return Money{}, ErrInvalidPeriod
	}
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > daysInPeriod {
		daysRemaining = daysInPeriod
	}
	return New(amount.Amount*int64(daysRemaining)/int64(daysInPeriod), amount.Currency), nil
}

// ProrationNet computes the net adjustment for switching from oldAmount
// to newAmount with daysRemaining left in a daysInPeriod cycle:
// prorated new charge minus prorated unused credit. Positive means the
// fan owes money, negative means a credit. Zero at a period boundary.
func ProrationNet(oldAmount, newAmount Money, daysRemaining, daysInPeriod int) (Money, error) {
	if err := oldAmount.sameCurrency(newAmount); err != nil {
		return Money{}, err
	}
	charge, err := Prorate(newAmount, daysRemaining, daysInPeriod)
	if err != nil {
		return Money{}, err
	}
	credit, err := Prorate(oldAmount, daysRemaining, daysInPeriod)
	if err != nil {
		return Money{}, err
	}
	return charge.Sub(credit)
}
