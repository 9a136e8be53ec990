package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fanward/fanward/pkg/money"
)

// Store is the persistence port for the billing ledger. The webhook
// processor and billing engine depend on this interface only; the pgx
// implementation lives in postgres.go and a memory implementation in
// memory.go for tests.
//
// Counter mutations (AdjustTierSubscribers, AddArtistEarnings, ...)
// must be atomic at the store layer, never read-modify-write in
// application code, so concurrent webhook delivery cannot lose updates.
type Store interface {
	// WithinTx runs fn against a transactional view of the store.
	// Any error from fn rolls the transaction back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Subscriptions.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptionsByArtist(ctx context.Context, artistID uuid.UUID) ([]*Subscription, error)
	// ListSubscriptionsDue returns active or past-due subscriptions whose
	// current period has ended as of asOf.
	ListSubscriptionsDue(ctx context.Context, asOf time.Time, limit int) ([]*Subscription, error)
	// ListSubscriptionsNeedingReminder returns active subscriptions
	// renewing between from and to that have not been reminded this period.
	ListSubscriptionsNeedingReminder(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error)
	MarkReminderSent(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error

	// Tiers and artists.
	GetTier(ctx context.Context, id uuid.UUID) (*Tier, error)
	// UpdateTier persists tier mutations, including the external
	// product/price ids assigned lazily by the payment gateway.
	UpdateTier(ctx context.Context, tier *Tier) error
	// AdjustTierSubscribers atomically adds delta to the tier's
	// subscriber counter, flooring at zero.
	AdjustTierSubscribers(ctx context.Context, tierID uuid.UUID, delta int64) error
	GetArtist(ctx context.Context, id uuid.UUID) (*Artist, error)
	AdjustArtistSubscribers(ctx context.Context, artistID uuid.UUID, delta int64) error
	AddArtistEarnings(ctx context.Context, artistID uuid.UUID, amount money.Money) error

	// Payment failures. Upsert is keyed by the external invoice id so
	// redelivered payment-failed events never create a second row.
	UpsertPaymentFailure(ctx context.Context, failure *PaymentFailure) error
	UpdatePaymentFailure(ctx context.Context, failure *PaymentFailure) error
	ResolvePaymentFailure(ctx context.Context, externalInvoiceID string, resolvedAt time.Time) error
	ListDuePaymentFailures(ctx context.Context, asOf time.Time, limit int) ([]*PaymentFailure, error)

	// Scheduled tier changes.
	CreateTierChangeSchedule(ctx context.Context, schedule *TierChangeSchedule) error
	ListDueTierChanges(ctx context.Context, asOf time.Time, limit int) ([]*TierChangeSchedule, error)
	DeleteTierChangeSchedule(ctx context.Context, id uuid.UUID) error

	// MarkEventProcessed records a webhook event id and reports whether
	// it was seen for the first time. Duplicate delivery returns false
	// so handlers can skip side effects.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)

	// RecordRenewalEvent appends a batch-job audit record.
	RecordRenewalEvent(ctx context.Context, event *RenewalEvent) error

	// BillingStats aggregates platform-wide counters; upcoming renewals
	// are counted within renewalWindow of asOf.
	BillingStats(ctx context.Context, asOf time.Time, renewalWindow time.Duration) (*BillingStats, error)
}
