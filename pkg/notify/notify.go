// Package notify delivers billing emails to fans: renewal reminders,
// failed payment notices, and tier change confirmations. Delivery is a
// collaborator of the billing engine, never part of its transaction.
package notify

import (
	"context"

	"github.com/fanward/fanward/pkg/money"
)

// Notifier is the notification port used by the billing engine.
type Notifier interface {
	SendRenewalReminder(ctx context.Context, p RenewalReminder) error
	SendPaymentFailed(ctx context.Context, p PaymentFailedNotice) error
	SendTierChanged(ctx context.Context, p TierChangedNotice) error
}

// RenewalReminder announces an upcoming renewal charge.
type RenewalReminder struct {
	Email      string
	ArtistName string
	TierName   string
	Amount     money.Money
	RenewsAt   string // formatted date
}

// PaymentFailedNotice informs a fan their payment needs attention.
type PaymentFailedNotice struct {
	Email      string
	ArtistName string
	AmountDue  money.Money
	RetryAt    string
}

// TierChangedNotice confirms an applied tier change.
type TierChangedNotice struct {
	Email     string
	TierName  string
	NewAmount money.Money
	Proration money.Money
}

// Noop drops all notifications, for tests and local development.
type Noop struct{}

func (Noop) SendRenewalReminder(context.Context, RenewalReminder) error   { return nil }
func (Noop) SendPaymentFailed(context.Context, PaymentFailedNotice) error { return nil }
func (Noop) SendTierChanged(context.Context, TierChangedNotice) error     { return nil }
