package billing

import "time"

// Config tunes the billing core. Values come from the environment via
// caarlos0/env in cmd/server.
type Config struct {
	// PlatformFeePercent is the integer percentage retained by the
	// platform on every paid invoice. Earnings credited to artists are
	// floored to whole cents after the deduction.
	PlatformFeePercent int64 `env:"PLATFORM_FEE_PERCENT" envDefault:"5"`

	// ReminderWindow is how far ahead of a renewal the reminder email
	// goes out.
	ReminderWindow time.Duration `env:"BILLING_REMINDER_WINDOW" envDefault:"72h"`

	// BatchSize caps how many rows each scheduled job pulls per run.
	BatchSize int `env:"BILLING_BATCH_SIZE" envDefault:"100"`

	// MaxRetryAttempts is the number of collection attempts before a
	// past-due subscription is canceled.
	MaxRetryAttempts int `env:"BILLING_MAX_RETRY_ATTEMPTS" envDefault:"4"`

	// RetryBackoff is the base delay between collection retries; the
	// delay grows linearly with the attempt count.
	RetryBackoff time.Duration `env:"BILLING_RETRY_BACKOFF" envDefault:"24h"`

	// CheckoutSuccessURL and CheckoutCancelURL are where the hosted
	// checkout returns the fan.
	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL" envDefault:"https://fanward.app/billing/success"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL" envDefault:"https://fanward.app/billing/cancel"`
}

// statsRenewalWindow bounds the "upcoming renewals" counter in the
// platform stats aggregate.
const statsRenewalWindow = 7 * 24 * time.Hour
