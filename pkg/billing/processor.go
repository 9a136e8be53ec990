package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fanward/fanward/pkg/cache"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/ledger"
)

// Metadata keys stamped on checkout sessions so the completion webhook
// is self-contained.
const (
	MetaFanID    = "fan_id"
	MetaFanEmail = "fan_email"
	MetaArtistID = "artist_id"
	MetaTierID   = "tier_id"
)

// Processor turns verified gateway webhooks into ledger mutations.
//
// Every handler runs inside a single store transaction opened after the
// event id is recorded in the processed-events table, so a redelivered
// event commits nothing. Cache invalidation runs after commit and is
// best-effort: a cache miss later is acceptable, a rolled-back ledger
// write is not.
type Processor struct {
	store       ledger.Store
	gateway     gateway.Gateway
	invalidator cache.Invalidator
	log         *slog.Logger
	feePercent  int64
	now         func() time.Time
}

// NewProcessor wires the webhook processor.
func NewProcessor(store ledger.Store, gw gateway.Gateway, inv cache.Invalidator, log *slog.Logger, cfg Config) *Processor {
	return &Processor{
		store:       store,
		gateway:     gw,
		invalidator: inv,
		log:         log,
		feePercent:  cfg.PlatformFeePercent,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// invalidation defers a cache purge until the ledger transaction commits.
type invalidation func(ctx context.Context) error

// HandleWebhook verifies the payload signature, decodes the event, and
// applies it to the ledger exactly once. Signature failures return
// gateway.ErrInvalidSignature with no state touched; unknown event
// types are acknowledged without effect so the provider stops
// redelivering them.
func (p *Processor) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := p.gateway.ConstructEvent(payload, signature)
	if err != nil {
		return err
	}

	if event.Type == gateway.EventUnknown {
		p.log.DebugContext(ctx, "ignoring unhandled webhook event",
			slog.String("event_id", event.ID),
			slog.String("provider_type", event.ProviderType))
		return nil
	}

	var pending []invalidation
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		first, err := tx.MarkEventProcessed(ctx, event.ID)
		if err != nil {
			return err
		}
		if !first {
			p.log.InfoContext(ctx, "skipping duplicate webhook event",
				slog.String("event_id", event.ID))
			return nil
		}

		switch event.Type {
		case gateway.EventCheckoutCompleted:
			pending, err = p.handleCheckoutCompleted(ctx, tx, event.Checkout)
		case gateway.EventInvoicePaid:
			pending, err = p.handleInvoicePaid(ctx, tx, event.Invoice)
		case gateway.EventInvoicePaymentFailed:
			pending, err = p.handleInvoicePaymentFailed(ctx, tx, event.Invoice)
		case gateway.EventSubscriptionUpdated:
			pending, err = p.handleSubscriptionUpdated(ctx, tx, event.Subscription)
		case gateway.EventSubscriptionDeleted:
			pending, err = p.handleSubscriptionDeleted(ctx, tx, event.Subscription)
		default:
			err = fmt.Errorf("%w: %s", gateway.ErrMalformedEvent, event.Type)
		}
		return err
	})
	if err != nil {
		return err
	}

	for _, fn := range pending {
		if err := fn(ctx); err != nil {
			p.log.WarnContext(ctx, "cache invalidation failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// handleCheckoutCompleted creates the active subscription and bumps the
// denormalized subscriber counters. The fan/artist/tier ids travel in
// the checkout metadata stamped by CreateCheckout.
func (p *Processor) handleCheckoutCompleted(ctx context.Context, tx ledger.Store, ev *gateway.CheckoutPayload) ([]invalidation, error) {
	fanID, err := uuid.Parse(ev.Metadata[MetaFanID])
	if err != nil {
		return nil, fmt.Errorf("%w: fan_id", ErrMissingMetadata)
	}
	artistID, err := uuid.Parse(ev.Metadata[MetaArtistID])
	if err != nil {
		return nil, fmt.Errorf("%w: artist_id", ErrMissingMetadata)
	}
	tierID, err := uuid.Parse(ev.Metadata[MetaTierID])
	if err != nil {
		return nil, fmt.Errorf("%w: tier_id", ErrMissingMetadata)
	}

	now := p.now()
	periodStart, periodEnd := now, now.AddDate(0, 1, 0)
	if ev.SubscriptionID != "" {
		// The provider owns the authoritative period bounds.
		if remote, err := p.gateway.RetrieveSubscription(ctx, ev.SubscriptionID); err == nil &&
			remote.CurrentPeriodEnd.After(remote.CurrentPeriodStart) {
			periodStart, periodEnd = remote.CurrentPeriodStart, remote.CurrentPeriodEnd
		}
	}

	sub := &ledger.Subscription{
		FanID:              fanID,
		FanEmail:           ev.Metadata[MetaFanEmail],
		ArtistID:           artistID,
		TierID:             tierID,
		ExternalID:         ev.SubscriptionID,
		Amount:             ev.AmountTotal,
		Status:             ledger.StatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ledger.ErrDuplicateSubscription) {
			// A concurrent or replayed checkout already created it.
			p.log.InfoContext(ctx, "subscription already exists for checkout",
				slog.String("session_id", ev.SessionID))
			return nil, nil
		}
		return nil, err
	}

	if err := tx.AdjustTierSubscribers(ctx, tierID, 1); err != nil {
		return nil, err
	}
	if err := tx.AdjustArtistSubscribers(ctx, artistID, 1); err != nil {
		return nil, err
	}

	p.log.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("artist_id", artistID.String()),
		slog.String("amount", sub.Amount.String()))

	return p.subscriptionInvalidations(sub), nil
}

// handleInvoicePaid advances the billing period, credits net earnings,
// and clears any outstanding failure recorded for the same invoice.
func (p *Processor) handleInvoicePaid(ctx context.Context, tx ledger.Store, ev *gateway.InvoicePayload) ([]invalidation, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			// Invoices can arrive before checkout completion lands.
			// Acknowledge; the provider's next cycle will line up.
			p.log.WarnContext(ctx, "invoice paid for unknown subscription",
				slog.String("external_subscription_id", ev.SubscriptionID))
			return nil, nil
		}
		return nil, err
	}

	if ev.PeriodEnd.After(ev.PeriodStart) {
		sub.CurrentPeriodStart = ev.PeriodStart
		sub.CurrentPeriodEnd = ev.PeriodEnd
		sub.ReminderSentAt = nil
	}
	sub.Status = ledger.StatusActive
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	pending := p.subscriptionInvalidations(sub)
	if !ev.AmountPaid.IsZero() {
		net := ev.AmountPaid.ApplyFeePercent(p.feePercent)
		if err := tx.AddArtistEarnings(ctx, sub.ArtistID, net); err != nil {
			return nil, err
		}
		// Earnings live under artist-scoped keys the subscription
		// invalidation does not cover.
		artistID := sub.ArtistID
		pending = append(pending, func(ctx context.Context) error {
			return p.invalidator.InvalidateArtist(ctx, artistID)
		})
	}

	if err := tx.ResolvePaymentFailure(ctx, ev.InvoiceID, p.now()); err != nil {
		return nil, err
	}

	return pending, nil
}

// handleInvoicePaymentFailed marks the subscription past due and upserts
// the failure row keyed by the external invoice id, so a redelivered
// event updates the same row instead of creating a second one.
func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, tx ledger.Store, ev *gateway.InvoicePayload) ([]invalidation, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			p.log.WarnContext(ctx, "payment failed for unknown subscription",
				slog.String("external_subscription_id", ev.SubscriptionID))
			return nil, nil
		}
		return nil, err
	}

	sub.Status = ledger.StatusPastDue
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	attempts := ev.AttemptCount
	if attempts < 1 {
		attempts = 1
	}
	failure := &ledger.PaymentFailure{
		SubscriptionID:    sub.ID,
		ExternalInvoiceID: ev.InvoiceID,
		AmountDue:         ev.AmountDue,
		AttemptCount:      attempts,
		NextRetryAt:       ev.NextPaymentAttempt,
	}
	if err := tx.UpsertPaymentFailure(ctx, failure); err != nil {
		return nil, err
	}

	p.log.WarnContext(ctx, "payment failed",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("invoice_id", ev.InvoiceID),
		slog.Int("attempt", attempts))

	return p.subscriptionInvalidations(sub), nil
}

// handleSubscriptionUpdated syncs status and period from the provider.
// A status flip to canceled is routed through the same path as a delete
// so counters are decremented exactly once.
func (p *Processor) handleSubscriptionUpdated(ctx context.Context, tx ledger.Store, ev *gateway.SubscriptionPayload) ([]invalidation, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			p.log.WarnContext(ctx, "update for unknown subscription",
				slog.String("external_subscription_id", ev.SubscriptionID))
			return nil, nil
		}
		return nil, err
	}

	if ev.Status == gateway.SubStatusCanceled {
		return p.cancelSubscription(ctx, tx, sub)
	}

	switch ev.Status {
	case gateway.SubStatusActive:
		sub.Status = ledger.StatusActive
	case gateway.SubStatusPastDue:
		sub.Status = ledger.StatusPastDue
	case gateway.SubStatusPending:
		sub.Status = ledger.StatusPending
	}
	if ev.CurrentPeriodEnd.After(ev.CurrentPeriodStart) {
		sub.CurrentPeriodStart = ev.CurrentPeriodStart
		sub.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	return p.subscriptionInvalidations(sub), nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, tx ledger.Store, ev *gateway.SubscriptionPayload) ([]invalidation, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			p.log.WarnContext(ctx, "delete for unknown subscription",
				slog.String("external_subscription_id", ev.SubscriptionID))
			return nil, nil
		}
		return nil, err
	}
	return p.cancelSubscription(ctx, tx, sub)
}

// cancelSubscription marks the row canceled and decrements the
// denormalized counters. Already-canceled rows are a no-op so an
// updated event followed by a deleted event decrements once.
func (p *Processor) cancelSubscription(ctx context.Context, tx ledger.Store, sub *ledger.Subscription) ([]invalidation, error) {
	if sub.IsCanceled() {
		return nil, nil
	}

	now := p.now()
	sub.Status = ledger.StatusCanceled
	sub.CanceledAt = &now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := tx.AdjustTierSubscribers(ctx, sub.TierID, -1); err != nil {
		return nil, err
	}
	if err := tx.AdjustArtistSubscribers(ctx, sub.ArtistID, -1); err != nil {
		return nil, err
	}

	p.log.InfoContext(ctx, "subscription canceled",
		slog.String("subscription_id", sub.ID.String()))

	// Cancellation also drops the fan's cached subscription list and feed.
	fanID := sub.FanID
	return append(p.subscriptionInvalidations(sub), func(ctx context.Context) error {
		return p.invalidator.InvalidateFan(ctx, fanID)
	}), nil
}

func (p *Processor) subscriptionInvalidations(sub *ledger.Subscription) []invalidation {
	id, fanID, artistID, tierID := sub.ID, sub.FanID, sub.ArtistID, sub.TierID
	return []invalidation{
		func(ctx context.Context) error {
			return p.invalidator.InvalidateSubscription(ctx, id, fanID, artistID, tierID)
		},
		func(ctx context.Context) error {
			return p.invalidator.InvalidateAnalytics(ctx, artistID, "subscribers")
		},
	}
}
