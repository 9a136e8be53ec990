package ledger

import "errors"

var (
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrDuplicateSubscription  = errors.New("active subscription already exists for this fan and tier")
	ErrTierNotFound           = errors.New("tier not found")
	ErrArtistNotFound         = errors.New("artist not found")
	ErrPaymentFailureNotFound = errors.New("payment failure not found")
	ErrScheduleNotFound       = errors.New("tier change schedule not found")
	ErrTxFailed               = errors.New("ledger transaction failed")
)
