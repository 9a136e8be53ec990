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
	"github.com/fanward/fanward/pkg/money"
	"github.com/fanward/fanward/pkg/notify"
)

// Engine drives the billing lifecycle outside the webhook path:
// checkout creation, cycle queries, tier changes with proration, and
// the scheduled renewal/retry/reminder batches.
type Engine struct {
	store       ledger.Store
	gateway     gateway.Gateway
	invalidator cache.Invalidator
	notifier    notify.Notifier
	log         *slog.Logger
	cfg         Config
	now         func() time.Time
}

// NewEngine wires the billing engine.
func NewEngine(store ledger.Store, gw gateway.Gateway, inv cache.Invalidator, n notify.Notifier, log *slog.Logger, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Engine{
		store:       store,
		gateway:     gw,
		invalidator: inv,
		notifier:    n,
		log:         log,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CheckoutParams starts a hosted checkout for a fan pledging to a tier.
// Amount may exceed the tier minimum (pay-what-you-want above the floor).
type CheckoutParams struct {
	FanID    uuid.UUID
	FanEmail string
	FanName  string
	TierID   uuid.UUID
	Amount   money.Money
}

// CreateCheckout validates the pledge against the tier floor and opens
// a hosted checkout session at the gateway. The session metadata
// carries the fan/artist/tier ids so the completion webhook can create
// the subscription without another lookup round-trip.
func (e *Engine) CreateCheckout(ctx context.Context, params CheckoutParams) (*gateway.CheckoutSession, error) {
	tier, err := e.store.GetTier(ctx, params.TierID)
	if err != nil {
		return nil, err
	}
	if !tier.IsActive {
		return nil, ErrTierNotAvailable
	}
	if below, err := params.Amount.LessThan(tier.MinimumPrice); err != nil {
		return nil, err
	} else if below {
		return nil, fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum,
			params.Amount.String(), tier.MinimumPrice.String())
	}

	artist, err := e.store.GetArtist(ctx, tier.ArtistID)
	if err != nil {
		return nil, err
	}

	priceID, err := e.ensurePrice(ctx, tier, params.Amount, artist.ConnectedAccountID)
	if err != nil {
		return nil, err
	}

	customer, err := e.gateway.CreateOrRetrieveCustomer(ctx, params.FanEmail, params.FanName, artist.ConnectedAccountID)
	if err != nil {
		return nil, err
	}

	session, err := e.gateway.CreateCheckoutSession(ctx, gateway.CheckoutSessionParams{
		PriceID:            priceID,
		CustomerID:         customer.ID,
		ConnectedAccountID: artist.ConnectedAccountID,
		Amount:             params.Amount,
		SuccessURL:         e.cfg.CheckoutSuccessURL,
		CancelURL:          e.cfg.CheckoutCancelURL,
		Metadata: map[string]string{
			MetaFanID:    params.FanID.String(),
			MetaFanEmail: params.FanEmail,
			MetaArtistID: tier.ArtistID.String(),
			MetaTierID:   tier.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "checkout session created",
		slog.String("session_id", session.ID),
		slog.String("tier_id", tier.ID.String()),
		slog.String("amount", params.Amount.String()))
	return session, nil
}

// ensurePrice makes sure the tier has a gateway product and returns a
// price id for the requested amount, creating one on demand. The
// product id and the floor-price id are persisted on the tier; custom
// amounts above the floor get throwaway prices.
func (e *Engine) ensurePrice(ctx context.Context, tier *ledger.Tier, amount money.Money, accountID string) (string, error) {
	dirty := false
	if tier.ExternalProductID == "" {
		productID, err := e.gateway.CreateProduct(ctx, tier.Name, "Monthly subscription tier", accountID)
		if err != nil {
			return "", err
		}
		tier.ExternalProductID = productID
		dirty = true
	}

	atFloor := amount.Amount == tier.MinimumPrice.Amount && amount.Currency == tier.MinimumPrice.Currency
	if atFloor && tier.ExternalPriceID != "" {
		if dirty {
			if err := e.store.UpdateTier(ctx, tier); err != nil {
				return "", err
			}
		}
		return tier.ExternalPriceID, nil
	}

	priceID, err := e.gateway.CreatePrice(ctx, tier.ExternalProductID, amount, accountID)
	if err != nil {
		return "", err
	}
	if atFloor {
		tier.ExternalPriceID = priceID
		dirty = true
	}
	if dirty {
		if err := e.store.UpdateTier(ctx, tier); err != nil {
			return "", err
		}
	}
	return priceID, nil
}

// CycleInfo describes where a subscription sits in its billing period.
type CycleInfo struct {
	Subscription  *ledger.Subscription
	TierName      string
	DaysInPeriod  int
	DaysRemaining int
	NextBillingAt time.Time
	NextAmount    money.Money
}

// BillingCycleInfo returns the current cycle position for a fan's
// subscription. A zero fanID skips the ownership check (internal use).
func (e *Engine) BillingCycleInfo(ctx context.Context, fanID, subscriptionID uuid.UUID) (*CycleInfo, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if fanID != uuid.Nil && sub.FanID != fanID {
		return nil, ErrNotSubscriptionOwner
	}
	tier, err := e.store.GetTier(ctx, sub.TierID)
	if err != nil {
		return nil, err
	}
	return &CycleInfo{
		Subscription:  sub,
		TierName:      tier.Name,
		DaysInPeriod:  sub.DaysInCurrentPeriod(),
		DaysRemaining: sub.DaysRemainingAt(e.now()),
		NextBillingAt: sub.CurrentPeriodEnd,
		NextAmount:    sub.Amount,
	}, nil
}

// UpcomingInvoice is one expected renewal charge for an artist's
// subscriber, net of the platform fee.
type UpcomingInvoice struct {
	SubscriptionID uuid.UUID
	FanID          uuid.UUID
	Amount         money.Money
	NetAmount      money.Money
	DueAt          time.Time
}

// UpcomingInvoices lists expected renewal charges across an artist's
// active subscribers, soonest first.
func (e *Engine) UpcomingInvoices(ctx context.Context, artistID uuid.UUID) ([]UpcomingInvoice, error) {
	subs, err := e.store.ListSubscriptionsByArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}
	out := make([]UpcomingInvoice, 0, len(subs))
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		out = append(out, UpcomingInvoice{
			SubscriptionID: sub.ID,
			FanID:          sub.FanID,
			Amount:         sub.Amount,
			NetAmount:      sub.Amount.ApplyFeePercent(e.cfg.PlatformFeePercent),
			DueAt:          sub.CurrentPeriodEnd,
		})
	}
	return out, nil
}

// Stats returns the platform-wide billing aggregate.
func (e *Engine) Stats(ctx context.Context) (*ledger.BillingStats, error) {
	return e.store.BillingStats(ctx, e.now(), statsRenewalWindow)
}

// ArtistSummary aggregates an artist's billing position.
type ArtistSummary struct {
	TotalSubscribers int64
	TotalEarnings    money.Money
	UpcomingInvoices int
	ProjectedRevenue money.Money // net of the platform fee
}

// Summary returns the billing summary for one artist.
func (e *Engine) Summary(ctx context.Context, artistID uuid.UUID) (*ArtistSummary, error) {
	artist, err := e.store.GetArtist(ctx, artistID)
	if err != nil {
		return nil, err
	}
	invoices, err := e.UpcomingInvoices(ctx, artistID)
	if err != nil {
		return nil, err
	}
	projected := money.New(0, artist.TotalEarnings.Currency)
	for _, inv := range invoices {
		projected.Amount += inv.NetAmount.Amount
		if projected.Currency == "" {
			projected.Currency = inv.NetAmount.Currency
		}
	}
	return &ArtistSummary{
		TotalSubscribers: artist.TotalSubscribers,
		TotalEarnings:    artist.TotalEarnings,
		UpcomingInvoices: len(invoices),
		ProjectedRevenue: projected,
	}, nil
}

// SyncInvoices re-reads past-due subscriptions from the gateway and
// reactivates any whose collection succeeded while a webhook was lost.
// Returns the number of subscriptions brought back in sync.
func (e *Engine) SyncInvoices(ctx context.Context) (int, error) {
	subs, err := e.store.ListSubscriptionsDue(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, sub := range subs {
		if sub.Status != ledger.StatusPastDue || sub.ExternalID == "" {
			continue
		}
		remote, err := e.gateway.RetrieveSubscription(ctx, sub.ExternalID)
		if err != nil {
			e.log.WarnContext(ctx, "invoice sync failed",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if remote.Status != gateway.SubStatusActive || !remote.CurrentPeriodEnd.After(sub.CurrentPeriodEnd) {
			continue
		}
		sub.Status = ledger.StatusActive
		sub.CurrentPeriodStart = remote.CurrentPeriodStart
		sub.CurrentPeriodEnd = remote.CurrentPeriodEnd
		sub.ReminderSentAt = nil
		if err := e.store.UpdateSubscription(ctx, sub); err != nil {
			return synced, err
		}
		e.invalidate(ctx, sub)
		synced++
	}
	return synced, nil
}

// RenewalSummary reports one ProcessRenewals run.
type RenewalSummary struct {
	Processed int
	Renewed   int
	PastDue   int
	Canceled  int
	Skipped   int
}

// ProcessRenewals reconciles subscriptions whose period has ended with
// the gateway's view. The gateway charges renewals itself; this batch
// pulls the outcome so the ledger never drifts more than one run behind,
// even when a webhook was lost.
func (e *Engine) ProcessRenewals(ctx context.Context) (RenewalSummary, error) {
	var summary RenewalSummary
	subs, err := e.store.ListSubscriptionsDue(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return summary, err
	}

	for _, sub := range subs {
		summary.Processed++
		if sub.ExternalID == "" {
			summary.Skipped++
			continue
		}
		remote, err := e.gateway.RetrieveSubscription(ctx, sub.ExternalID)
		if err != nil {
			e.log.WarnContext(ctx, "renewal reconciliation failed",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
			summary.Skipped++
			continue
		}
		if err := e.reconcileRenewal(ctx, sub, remote, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (e *Engine) reconcileRenewal(ctx context.Context, sub *ledger.Subscription, remote *gateway.SubscriptionPayload, summary *RenewalSummary) error {
	return e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		switch {
		case remote.Status == gateway.SubStatusCanceled:
			if err := e.cancelInLedger(ctx, tx, sub); err != nil {
				return err
			}
			summary.Canceled++
			return tx.RecordRenewalEvent(ctx, &ledger.RenewalEvent{
				SubscriptionID: sub.ID,
				Type:           ledger.RenewalFailed,
				Amount:         sub.Amount,
				Detail:         "canceled at gateway",
			})

		case remote.Status == gateway.SubStatusActive && remote.CurrentPeriodEnd.After(sub.CurrentPeriodEnd):
			sub.Status = ledger.StatusActive
			sub.CurrentPeriodStart = remote.CurrentPeriodStart
			sub.CurrentPeriodEnd = remote.CurrentPeriodEnd
			sub.ReminderSentAt = nil
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
			summary.Renewed++
			return tx.RecordRenewalEvent(ctx, &ledger.RenewalEvent{
				SubscriptionID: sub.ID,
				Type:           ledger.RenewalSucceeded,
				Amount:         sub.Amount,
			})

		default:
			// Collection has not succeeded yet; the invoice webhook or
			// the retry batch takes it from here.
			if sub.Status != ledger.StatusPastDue {
				sub.Status = ledger.StatusPastDue
				if err := tx.UpdateSubscription(ctx, sub); err != nil {
					return err
				}
				summary.PastDue++
				return tx.RecordRenewalEvent(ctx, &ledger.RenewalEvent{
					SubscriptionID: sub.ID,
					Type:           ledger.RenewalFailed,
					Amount:         sub.Amount,
					Detail:         "gateway status " + remote.Status,
				})
			}
			summary.Skipped++
			return nil
		}
	})
}

// RetrySummary reports one ProcessFailedPaymentRetries run.
type RetrySummary struct {
	Processed   int
	Recovered   int
	Rescheduled int
	Canceled    int
	Skipped     int
}

// ProcessFailedPaymentRetries re-attempts collection on due payment
// failures. Recovery reactivates the subscription; exhausting
// MaxRetryAttempts cancels it at the gateway and in the ledger.
// Gateways that run their own dunning (Paddle) report ErrNotSupported
// and the whole batch is skipped.
func (e *Engine) ProcessFailedPaymentRetries(ctx context.Context) (RetrySummary, error) {
	var summary RetrySummary
	failures, err := e.store.ListDuePaymentFailures(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return summary, err
	}

	for _, failure := range failures {
		summary.Processed++
		payment, err := e.gateway.PayInvoice(ctx, failure.ExternalInvoiceID)
		if errors.Is(err, gateway.ErrNotSupported) {
			e.log.DebugContext(ctx, "gateway runs its own dunning, skipping retry batch")
			// The aborted record was never charged, so it counts as
			// skipped along with the rest of the batch.
			summary.Processed--
			summary.Skipped = len(failures) - summary.Processed
			return summary, nil
		}
		if err == nil && payment.Paid {
			if err := e.recoverFailure(ctx, failure); err != nil {
				return summary, err
			}
			summary.Recovered++
			continue
		}

		failure.AttemptCount++
		if failure.AttemptCount >= e.cfg.MaxRetryAttempts {
			if err := e.cancelAfterRetries(ctx, failure); err != nil {
				return summary, err
			}
			summary.Canceled++
			continue
		}

		next := e.now().Add(e.cfg.RetryBackoff * time.Duration(failure.AttemptCount))
		failure.NextRetryAt = &next
		if err := e.store.UpdatePaymentFailure(ctx, failure); err != nil {
			return summary, err
		}
		e.notifyPaymentFailed(ctx, failure)
		summary.Rescheduled++
	}
	return summary, nil
}

func (e *Engine) recoverFailure(ctx context.Context, failure *ledger.PaymentFailure) error {
	var sub *ledger.Subscription
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := tx.ResolvePaymentFailure(ctx, failure.ExternalInvoiceID, e.now()); err != nil {
			return err
		}
		var err error
		sub, err = tx.GetSubscription(ctx, failure.SubscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == ledger.StatusPastDue {
			sub.Status = ledger.StatusActive
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		}
		return tx.RecordRenewalEvent(ctx, &ledger.RenewalEvent{
			SubscriptionID: sub.ID,
			Type:           ledger.RetryResolved,
			Amount:         failure.AmountDue,
		})
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, sub)
	return nil
}

func (e *Engine) cancelAfterRetries(ctx context.Context, failure *ledger.PaymentFailure) error {
	sub, err := e.store.GetSubscription(ctx, failure.SubscriptionID)
	if err != nil {
		return err
	}
	if err := e.gateway.CancelSubscription(ctx, sub.ExternalID); err != nil {
		e.log.WarnContext(ctx, "gateway cancellation failed",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("error", err.Error()))
	}
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		if err := e.cancelInLedger(ctx, tx, sub); err != nil {
			return err
		}
		failure.NextRetryAt = nil
		if err := tx.UpdatePaymentFailure(ctx, failure); err != nil {
			return err
		}
		return tx.RecordRenewalEvent(ctx, &ledger.RenewalEvent{
			SubscriptionID: sub.ID,
			Type:           ledger.RetryFailed,
			Amount:         failure.AmountDue,
			Detail:         "retry attempts exhausted",
		})
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, sub)
	e.invalidateFan(ctx, sub.FanID)
	return nil
}

func (e *Engine) notifyPaymentFailed(ctx context.Context, failure *ledger.PaymentFailure) {
	sub, err := e.store.GetSubscription(ctx, failure.SubscriptionID)
	if err != nil || sub.FanEmail == "" {
		return
	}
	artist, err := e.store.GetArtist(ctx, sub.ArtistID)
	if err != nil {
		return
	}
	retryAt := ""
	if failure.NextRetryAt != nil {
		retryAt = failure.NextRetryAt.Format("January 2, 2006")
	}
	if err := e.notifier.SendPaymentFailed(ctx, notify.PaymentFailedNotice{
		Email:      sub.FanEmail,
		ArtistName: artist.DisplayName,
		AmountDue:  failure.AmountDue,
		RetryAt:    retryAt,
	}); err != nil {
		e.log.WarnContext(ctx, "payment failed notice not sent",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("error", err.Error()))
	}
}

// SendReminders emails fans whose subscription renews within the
// reminder window. MarkReminderSent keys off the current period, so a
// fan gets at most one reminder per cycle.
func (e *Engine) SendReminders(ctx context.Context) (int, error) {
	now := e.now()
	subs, err := e.store.ListSubscriptionsNeedingReminder(ctx, now, now.Add(e.cfg.ReminderWindow), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		if sub.FanEmail == "" {
			continue
		}
		tier, err := e.store.GetTier(ctx, sub.TierID)
		if err != nil {
			return sent, err
		}
		artist, err := e.store.GetArtist(ctx, sub.ArtistID)
		if err != nil {
			return sent, err
		}
		if err := e.notifier.SendRenewalReminder(ctx, notify.RenewalReminder{
			Email:      sub.FanEmail,
			ArtistName: artist.DisplayName,
			TierName:   tier.Name,
			Amount:     sub.Amount,
			RenewsAt:   sub.CurrentPeriodEnd.Format("January 2, 2006"),
		}); err != nil {
			e.log.WarnContext(ctx, "renewal reminder not sent",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if err := e.store.MarkReminderSent(ctx, sub.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// ProrationPreview shows the cost of a mid-cycle tier change before the
// fan commits to it.
type ProrationPreview struct {
	CurrentAmount money.Money
	NewAmount     money.Money
	Charge        money.Money // prorated new amount for the remaining days
	Credit        money.Money // prorated unused portion of the current amount
	Net           money.Money // Charge - Credit; negative is a credit
	DaysRemaining int
	DaysInPeriod  int
}

// CalculateTierChangeProration previews the prorated adjustment for a
// tier change without touching the gateway or the ledger.
func (e *Engine) CalculateTierChangeProration(ctx context.Context, fanID, subscriptionID, newTierID uuid.UUID, newAmount money.Money) (*ProrationPreview, error) {
	sub, _, err := e.validateTierChange(ctx, fanID, subscriptionID, newTierID, newAmount)
	if err != nil {
		return nil, err
	}

	daysInPeriod := sub.DaysInCurrentPeriod()
	daysRemaining := sub.DaysRemainingAt(e.now())
	charge, err := money.Prorate(newAmount, daysRemaining, daysInPeriod)
	if err != nil {
		return nil, err
	}
	credit, err := money.Prorate(sub.Amount, daysRemaining, daysInPeriod)
	if err != nil {
		return nil, err
	}
	net, err := charge.Sub(credit)
	if err != nil {
		return nil, err
	}
	return &ProrationPreview{
		CurrentAmount: sub.Amount,
		NewAmount:     newAmount,
		Charge:        charge,
		Credit:        credit,
		Net:           net,
		DaysRemaining: daysRemaining,
		DaysInPeriod:  daysInPeriod,
	}, nil
}

// validateTierChange enforces the tier-change preconditions: the
// subscription is active and owned by the fan, the target tier is an
// active tier of the same artist, and the pledge clears its floor.
func (e *Engine) validateTierChange(ctx context.Context, fanID, subscriptionID, newTierID uuid.UUID, newAmount money.Money) (*ledger.Subscription, *ledger.Tier, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if fanID != uuid.Nil && sub.FanID != fanID {
		return nil, nil, ErrNotSubscriptionOwner
	}
	if !sub.IsActive() {
		return nil, nil, ErrSubscriptionNotActive
	}

	tier, err := e.store.GetTier(ctx, newTierID)
	if err != nil {
		return nil, nil, err
	}
	if tier.ArtistID != sub.ArtistID {
		return nil, nil, ErrTierWrongArtist
	}
	if !tier.IsActive {
		return nil, nil, ErrTierNotAvailable
	}
	if below, err := newAmount.LessThan(tier.MinimumPrice); err != nil {
		return nil, nil, err
	} else if below {
		return nil, nil, fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum,
			newAmount.String(), tier.MinimumPrice.String())
	}
	return sub, tier, nil
}

// ChangeTierParams moves a subscription to a new tier or amount.
type ChangeTierParams struct {
	FanID          uuid.UUID
	SubscriptionID uuid.UUID
	NewTierID      uuid.UUID
	NewAmount      money.Money
	// Immediate applies the change now with a prorated invoice;
	// otherwise it is scheduled for the next billing cycle at full price.
	Immediate bool
}

// TierChangeResult reports what ChangeTier did.
type TierChangeResult struct {
	Applied     bool
	ScheduledAt time.Time   // set when the change is deferred
	Proration   money.Money // net adjustment invoiced for immediate changes
	InvoiceID   string      // gateway invoice carrying the proration, if any
}

// ChangeTier applies or schedules a tier change. Immediate changes swap
// the gateway price with proration and update the ledger in one
// transaction; deferred changes are recorded and applied by
// ProcessScheduledTierChanges at the period boundary.
func (e *Engine) ChangeTier(ctx context.Context, params ChangeTierParams) (*TierChangeResult, error) {
	sub, tier, err := e.validateTierChange(ctx, params.FanID, params.SubscriptionID, params.NewTierID, params.NewAmount)
	if err != nil {
		return nil, err
	}

	if !params.Immediate {
		schedule := &ledger.TierChangeSchedule{
			SubscriptionID: sub.ID,
			NewTierID:      tier.ID,
			NewAmount:      params.NewAmount,
			EffectiveAt:    sub.CurrentPeriodEnd,
		}
		if err := e.store.CreateTierChangeSchedule(ctx, schedule); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "tier change scheduled",
			slog.String("subscription_id", sub.ID.String()),
			slog.Time("effective_at", schedule.EffectiveAt))
		return &TierChangeResult{ScheduledAt: schedule.EffectiveAt}, nil
	}

	net, err := money.ProrationNet(sub.Amount, params.NewAmount,
		sub.DaysRemainingAt(e.now()), sub.DaysInCurrentPeriod())
	if err != nil {
		return nil, err
	}

	update, err := e.applyTierChange(ctx, sub, tier, params.NewAmount, gateway.ProrationAlwaysInvoice)
	if err != nil {
		return nil, err
	}

	if sub.FanEmail != "" {
		if err := e.notifier.SendTierChanged(ctx, notify.TierChangedNotice{
			Email:     sub.FanEmail,
			TierName:  tier.Name,
			NewAmount: params.NewAmount,
			Proration: net,
		}); err != nil {
			e.log.WarnContext(ctx, "tier change notice not sent",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
		}
	}

	return &TierChangeResult{Applied: true, Proration: net, InvoiceID: update.InvoiceID}, nil
}

// applyTierChange swaps the gateway price and moves the ledger row,
// keeping both subscriber counters consistent when the tier differs.
// The returned update carries the proration invoice id, if the gateway
// issued one.
func (e *Engine) applyTierChange(ctx context.Context, sub *ledger.Subscription, tier *ledger.Tier, amount money.Money, behavior gateway.ProrationBehavior) (*gateway.SubscriptionUpdate, error) {
	artist, err := e.store.GetArtist(ctx, tier.ArtistID)
	if err != nil {
		return nil, err
	}
	priceID, err := e.ensurePrice(ctx, tier, amount, artist.ConnectedAccountID)
	if err != nil {
		return nil, err
	}
	update, err := e.gateway.UpdateSubscription(ctx, sub.ExternalID, priceID, behavior)
	if err != nil {
		return nil, err
	}

	oldTierID := sub.TierID
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		sub.TierID = tier.ID
		sub.Amount = amount
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if oldTierID != tier.ID {
			if err := tx.AdjustTierSubscribers(ctx, oldTierID, -1); err != nil {
				return err
			}
			if err := tx.AdjustTierSubscribers(ctx, tier.ID, 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, sub)
	e.log.InfoContext(ctx, "tier change applied",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("tier_id", tier.ID.String()),
		slog.String("amount", amount.String()))
	return update, nil
}

// ProcessScheduledTierChanges applies deferred tier changes that have
// reached their effective time. Changes whose subscription is no longer
// active are dropped.
func (e *Engine) ProcessScheduledTierChanges(ctx context.Context) (int, error) {
	changes, err := e.store.ListDueTierChanges(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, change := range changes {
		sub, err := e.store.GetSubscription(ctx, change.SubscriptionID)
		if err != nil {
			if errors.Is(err, ledger.ErrSubscriptionNotFound) {
				_ = e.store.DeleteTierChangeSchedule(ctx, change.ID)
				continue
			}
			return applied, err
		}
		if !sub.IsActive() {
			if err := e.store.DeleteTierChangeSchedule(ctx, change.ID); err != nil {
				return applied, err
			}
			continue
		}
		tier, err := e.store.GetTier(ctx, change.NewTierID)
		if err != nil {
			return applied, err
		}

		// Full price from the new period; no mid-cycle adjustment.
		if _, err := e.applyTierChange(ctx, sub, tier, change.NewAmount, gateway.ProrationNone); err != nil {
			e.log.WarnContext(ctx, "scheduled tier change failed",
				slog.String("schedule_id", change.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if err := e.store.DeleteTierChangeSchedule(ctx, change.ID); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// CancelSubscription cancels at the gateway and in the ledger. The
// gateway's deleted webhook arriving later is a no-op because the row
// is already canceled.
func (e *Engine) CancelSubscription(ctx context.Context, fanID, subscriptionID uuid.UUID) error {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if fanID != uuid.Nil && sub.FanID != fanID {
		return ErrNotSubscriptionOwner
	}
	if sub.IsCanceled() {
		return ErrSubscriptionNotActive
	}

	if sub.ExternalID != "" {
		if err := e.gateway.CancelSubscription(ctx, sub.ExternalID); err != nil {
			return err
		}
	}
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Store) error {
		return e.cancelInLedger(ctx, tx, sub)
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, sub)
	e.invalidateFan(ctx, sub.FanID)
	return nil
}

func (e *Engine) cancelInLedger(ctx context.Context, tx ledger.Store, sub *ledger.Subscription) error {
	if sub.IsCanceled() {
		return nil
	}
	now := e.now()
	sub.Status = ledger.StatusCanceled
	sub.CanceledAt = &now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	if err := tx.AdjustTierSubscribers(ctx, sub.TierID, -1); err != nil {
		return err
	}
	return tx.AdjustArtistSubscribers(ctx, sub.ArtistID, -1)
}

func (e *Engine) invalidate(ctx context.Context, sub *ledger.Subscription) {
	if err := e.invalidator.InvalidateSubscription(ctx, sub.ID, sub.FanID, sub.ArtistID, sub.TierID); err != nil {
		e.log.WarnContext(ctx, "cache invalidation failed",
			slog.String("subscription_id", sub.ID.String()),
			slog.String("error", err.Error()))
	}
	if err := e.invalidator.InvalidateAnalytics(ctx, sub.ArtistID, "subscribers"); err != nil {
		e.log.WarnContext(ctx, "analytics cache invalidation failed",
			slog.String("artist_id", sub.ArtistID.String()),
			slog.String("error", err.Error()))
	}
}

// invalidateFan purges the fan-scoped caches (subscription list, feed)
// after a cancellation removes the fan's access.
func (e *Engine) invalidateFan(ctx context.Context, fanID uuid.UUID) {
	if err := e.invalidator.InvalidateFan(ctx, fanID); err != nil {
		e.log.WarnContext(ctx, "fan cache invalidation failed",
			slog.String("fan_id", fanID.String()),
			slog.String("error", err.Error()))
	}
}
