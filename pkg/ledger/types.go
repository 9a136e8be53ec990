package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/fanward/fanward/pkg/money"
)

// SubscriptionStatus represents the current state of a fan's subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusPending  SubscriptionStatus = "pending"
)

// Subscription is a fan's recurring commitment to an artist's tier.
// The ledger is the source of truth for business state; the payment
// gateway is the source of truth for payment execution only.
// Rows are never hard-deleted: cancellation sets StatusCanceled so
// historical reporting keeps working.
type Subscription struct {
	ID                 uuid.UUID
	FanID              uuid.UUID
	FanEmail           string
	ArtistID           uuid.UUID
	TierID             uuid.UUID
	ExternalID         string // gateway's subscription id
	Amount             money.Money
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	ReminderSentAt     *time.Time
	CanceledAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

// DaysInCurrentPeriod returns the whole-day length of the current
// billing period. Partial days are floored.
func (s *Subscription) DaysInCurrentPeriod() int {
	if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return 0
	}
	return int(s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart) / (24 * time.Hour))
}

// DaysRemainingAt returns the whole days left in the period at a given
// time, floored, never negative. Flooring keeps proration consistent
// with money.Prorate: a partially elapsed day is not billed again.
func (s *Subscription) DaysRemainingAt(now time.Time) int {
	remaining := s.CurrentPeriodEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / (24 * time.Hour))
}

// Tier is an artist-defined subscription plan with a price floor.
// SubscriberCount is a denormalized counter kept eventually consistent
// via atomic increments on webhook transitions.
type Tier struct {
	ID                uuid.UUID
	ArtistID          uuid.UUID
	Name              string
	MinimumPrice      money.Money
	SubscriberCount   int64
	IsActive          bool
	ExternalProductID string
	ExternalPriceID   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Artist aggregates denormalized totals across its tiers.
// TotalEarnings only grows on confirmed invoice-paid events, net of
// the platform fee.
type Artist struct {
	ID                 uuid.UUID
	DisplayName        string
	Email              string
	ConnectedAccountID string // gateway's connected account id
	TotalSubscribers   int64
	TotalEarnings      money.Money
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentFailure records a failed invoice attempt. Rows are kept after
// resolution as an audit trail; ResolvedAt marks recovery.
type PaymentFailure struct {
	ID                uuid.UUID
	SubscriptionID    uuid.UUID
	ExternalInvoiceID string
	AmountDue         money.Money
	AttemptCount      int
	NextRetryAt       *time.Time
	ResolvedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TierChangeSchedule is a pending tier change deferred to the next
// billing cycle. The renewal batch applies it and deletes the row.
type TierChangeSchedule struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	NewTierID      uuid.UUID
	NewAmount      money.Money
	EffectiveAt    time.Time
	CreatedAt      time.Time
}

// RenewalEventType classifies the outcome of a batch billing attempt.
type RenewalEventType string

const (
	RenewalSucceeded RenewalEventType = "renewal_succeeded"
	RenewalFailed    RenewalEventType = "renewal_failed"
	RetryResolved    RenewalEventType = "retry_resolved"
	RetryFailed      RenewalEventType = "retry_failed"
)

// RenewalEvent is an audit record emitted by the billing batch jobs.
type RenewalEvent struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	Type           RenewalEventType
	Amount         money.Money
	Detail         string
	OccurredAt     time.Time
}

// BillingStats aggregates platform-wide billing counters.
type BillingStats struct {
	ActiveSubscriptions int64
	UpcomingRenewals    int64
	FailedPayments      int64
	MonthlyRevenue      money.Money
}
