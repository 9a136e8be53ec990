package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanward/fanward/pkg/money"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It mirrors the relational constraints that matter for correctness
// (active-subscription uniqueness, invoice-keyed failure upserts,
// processed-event tracking) but does not snapshot state for rollback:
// WithinTx simply serializes the callback under the store mutex.
type MemoryStore struct {
	mu sync.Mutex

	subscriptions map[uuid.UUID]*Subscription
	tiers         map[uuid.UUID]*Tier
	artists       map[uuid.UUID]*Artist
	failures      map[string]*PaymentFailure // keyed by external invoice id
	schedules     map[uuid.UUID]*TierChangeSchedule
	processed     map[string]struct{}
	renewalEvents []*RenewalEvent
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]*Subscription),
		tiers:         make(map[uuid.UUID]*Tier),
		artists:       make(map[uuid.UUID]*Artist),
		failures:      make(map[string]*PaymentFailure),
		schedules:     make(map[uuid.UUID]*TierChangeSchedule),
		processed:     make(map[string]struct{}),
	}
}

// SeedTier inserts a tier directly, for test setup.
func (m *MemoryStore) SeedTier(tier *Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tier
	m.tiers[tier.ID] = &cp
}

// SeedArtist inserts an artist directly, for test setup.
func (m *MemoryStore) SeedArtist(artist *Artist) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *artist
	m.artists[artist.ID] = &cp
}

// RenewalEvents returns all recorded batch-job audit records.
func (m *MemoryStore) RenewalEvents() []*RenewalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RenewalEvent, len(m.renewalEvents))
	for i, e := range m.renewalEvents {
		cp := *e
		out[i] = &cp
	}
	return out
}

// PaymentFailures returns all failure rows, resolved or not.
func (m *MemoryStore) PaymentFailures() []*PaymentFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PaymentFailure, 0, len(m.failures))
	for _, f := range m.failures {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) lock() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &txView{store: m}
	return fn(ctx, tx)
}

// txView reuses the parent store's maps without re-locking.
type txView struct {
	store *MemoryStore
}

func (t *txView) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func (m *MemoryStore) createSubscription(sub *Subscription) error {
	for _, existing := range m.subscriptions {
		if existing.FanID == sub.FanID && existing.TierID == sub.TierID && existing.Status == StatusActive {
			return ErrDuplicateSubscription
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	defer m.lock()()
	return m.createSubscription(sub)
}

func (t *txView) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return t.store.createSubscription(sub)
}

func (m *MemoryStore) getSubscription(id uuid.UUID) (*Subscription, error) {
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	defer m.lock()()
	return m.getSubscription(id)
}

func (t *txView) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return t.store.getSubscription(id)
}

func (m *MemoryStore) getSubscriptionByExternalID(externalID string) (*Subscription, error) {
	for _, sub := range m.subscriptions {
		if sub.ExternalID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	defer m.lock()()
	return m.getSubscriptionByExternalID(externalID)
}

func (t *txView) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return t.store.getSubscriptionByExternalID(externalID)
}

func (m *MemoryStore) updateSubscription(sub *Subscription) error {
	if _, ok := m.subscriptions[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	sub.UpdatedAt = time.Now().UTC()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	defer m.lock()()
	return m.updateSubscription(sub)
}

func (t *txView) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return t.store.updateSubscription(sub)
}

func (m *MemoryStore) listSubscriptionsByArtist(artistID uuid.UUID) []*Subscription {
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if sub.ArtistID == artistID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ListSubscriptionsByArtist(ctx context.Context, artistID uuid.UUID) ([]*Subscription, error) {
	defer m.lock()()
	return m.listSubscriptionsByArtist(artistID), nil
}

func (t *txView) ListSubscriptionsByArtist(ctx context.Context, artistID uuid.UUID) ([]*Subscription, error) {
	return t.store.listSubscriptionsByArtist(artistID), nil
}

func (m *MemoryStore) listSubscriptionsDue(asOf time.Time, limit int) []*Subscription {
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if (sub.Status == StatusActive || sub.Status == StatusPastDue) && !sub.CurrentPeriodEnd.After(asOf) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListSubscriptionsDue(ctx context.Context, asOf time.Time, limit int) ([]*Subscription, error) {
	defer m.lock()()
	return m.listSubscriptionsDue(asOf, limit), nil
}

func (t *txView) ListSubscriptionsDue(ctx context.Context, asOf time.Time, limit int) ([]*Subscription, error) {
	return t.store.listSubscriptionsDue(asOf, limit), nil
}

func (m *MemoryStore) listSubscriptionsNeedingReminder(from, to time.Time, limit int) []*Subscription {
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Status != StatusActive {
			continue
		}
		if sub.CurrentPeriodEnd.Before(from) || sub.CurrentPeriodEnd.After(to) {
			continue
		}
		if sub.ReminderSentAt != nil && sub.ReminderSentAt.After(sub.CurrentPeriodStart) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListSubscriptionsNeedingReminder(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error) {
	defer m.lock()()
	return m.listSubscriptionsNeedingReminder(from, to, limit), nil
}

func (t *txView) ListSubscriptionsNeedingReminder(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error) {
	return t.store.listSubscriptionsNeedingReminder(from, to, limit), nil
}

func (m *MemoryStore) markReminderSent(subscriptionID uuid.UUID, at time.Time) error {
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	t := at.UTC()
	sub.ReminderSentAt = &t
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkReminderSent(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error {
	defer m.lock()()
	return m.markReminderSent(subscriptionID, at)
}

func (t *txView) MarkReminderSent(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error {
	return t.store.markReminderSent(subscriptionID, at)
}

func (m *MemoryStore) getTier(id uuid.UUID) (*Tier, error) {
	tier, ok := m.tiers[id]
	if !ok {
		return nil, ErrTierNotFound
	}
	cp := *tier
	return &cp, nil
}

func (m *MemoryStore) GetTier(ctx context.Context, id uuid.UUID) (*Tier, error) {
	defer m.lock()()
	return m.getTier(id)
}

func (t *txView) GetTier(ctx context.Context, id uuid.UUID) (*Tier, error) {
	return t.store.getTier(id)
}

func (m *MemoryStore) updateTier(tier *Tier) error {
	if _, ok := m.tiers[tier.ID]; !ok {
		return ErrTierNotFound
	}
	tier.UpdatedAt = time.Now().UTC()
	cp := *tier
	m.tiers[tier.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTier(ctx context.Context, tier *Tier) error {
	defer m.lock()()
	return m.updateTier(tier)
}

func (t *txView) UpdateTier(ctx context.Context, tier *Tier) error {
	return t.store.updateTier(tier)
}

func (m *MemoryStore) adjustTierSubscribers(tierID uuid.UUID, delta int64) error {
	tier, ok := m.tiers[tierID]
	if !ok {
		return ErrTierNotFound
	}
	tier.SubscriberCount += delta
	if tier.SubscriberCount < 0 {
		tier.SubscriberCount = 0
	}
	tier.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AdjustTierSubscribers(ctx context.Context, tierID uuid.UUID, delta int64) error {
	defer m.lock()()
	return m.adjustTierSubscribers(tierID, delta)
}

func (t *txView) AdjustTierSubscribers(ctx context.Context, tierID uuid.UUID, delta int64) error {
	return t.store.adjustTierSubscribers(tierID, delta)
}

func (m *MemoryStore) getArtist(id uuid.UUID) (*Artist, error) {
	artist, ok := m.artists[id]
	if !ok {
		return nil, ErrArtistNotFound
	}
	cp := *artist
	return &cp, nil
}

func (m *MemoryStore) GetArtist(ctx context.Context, id uuid.UUID) (*Artist, error) {
	defer m.lock()()
	return m.getArtist(id)
}

func (t *txView) GetArtist(ctx context.Context, id uuid.UUID) (*Artist, error) {
	return t.store.getArtist(id)
}

func (m *MemoryStore) adjustArtistSubscribers(artistID uuid.UUID, delta int64) error {
	artist, ok := m.artists[artistID]
	if !ok {
		return ErrArtistNotFound
	}
	artist.TotalSubscribers += delta
	if artist.TotalSubscribers < 0 {
		artist.TotalSubscribers = 0
	}
	artist.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AdjustArtistSubscribers(ctx context.Context, artistID uuid.UUID, delta int64) error {
	defer m.lock()()
	return m.adjustArtistSubscribers(artistID, delta)
}

func (t *txView) AdjustArtistSubscribers(ctx context.Context, artistID uuid.UUID, delta int64) error {
	return t.store.adjustArtistSubscribers(artistID, delta)
}

func (m *MemoryStore) addArtistEarnings(artistID uuid.UUID, amount money.Money) error {
	artist, ok := m.artists[artistID]
	if !ok {
		return ErrArtistNotFound
	}
	total, err := artist.TotalEarnings.Add(amount)
	if err != nil {
		return err
	}
	artist.TotalEarnings = total
	artist.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddArtistEarnings(ctx context.Context, artistID uuid.UUID, amount money.Money) error {
	defer m.lock()()
	return m.addArtistEarnings(artistID, amount)
}

func (t *txView) AddArtistEarnings(ctx context.Context, artistID uuid.UUID, amount money.Money) error {
	return t.store.addArtistEarnings(artistID, amount)
}

func (m *MemoryStore) upsertPaymentFailure(failure *PaymentFailure) error {
	now := time.Now().UTC()
	if existing, ok := m.failures[failure.ExternalInvoiceID]; ok {
		existing.AmountDue = failure.AmountDue
		existing.AttemptCount = failure.AttemptCount
		existing.NextRetryAt = failure.NextRetryAt
		existing.UpdatedAt = now
		*failure = *existing
		return nil
	}
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	failure.CreatedAt = now
	failure.UpdatedAt = now
	cp := *failure
	m.failures[failure.ExternalInvoiceID] = &cp
	return nil
}

func (m *MemoryStore) UpsertPaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	defer m.lock()()
	return m.upsertPaymentFailure(failure)
}

func (t *txView) UpsertPaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	return t.store.upsertPaymentFailure(failure)
}

func (m *MemoryStore) updatePaymentFailure(failure *PaymentFailure) error {
	existing, ok := m.failures[failure.ExternalInvoiceID]
	if !ok {
		return ErrPaymentFailureNotFound
	}
	failure.UpdatedAt = time.Now().UTC()
	*existing = *failure
	return nil
}

func (m *MemoryStore) UpdatePaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	defer m.lock()()
	return m.updatePaymentFailure(failure)
}

func (t *txView) UpdatePaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	return t.store.updatePaymentFailure(failure)
}

func (m *MemoryStore) resolvePaymentFailure(externalInvoiceID string, resolvedAt time.Time) error {
	existing, ok := m.failures[externalInvoiceID]
	if !ok {
		// Nothing to resolve is not an error: a payment can succeed
		// without a prior recorded failure.
		return nil
	}
	if existing.ResolvedAt == nil {
		at := resolvedAt.UTC()
		existing.ResolvedAt = &at
		existing.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) ResolvePaymentFailure(ctx context.Context, externalInvoiceID string, resolvedAt time.Time) error {
	defer m.lock()()
	return m.resolvePaymentFailure(externalInvoiceID, resolvedAt)
}

func (t *txView) ResolvePaymentFailure(ctx context.Context, externalInvoiceID string, resolvedAt time.Time) error {
	return t.store.resolvePaymentFailure(externalInvoiceID, resolvedAt)
}

func (m *MemoryStore) listDuePaymentFailures(asOf time.Time, limit int) []*PaymentFailure {
	var out []*PaymentFailure
	for _, f := range m.failures {
		if f.ResolvedAt != nil {
			continue
		}
		if f.NextRetryAt == nil || f.NextRetryAt.After(asOf) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListDuePaymentFailures(ctx context.Context, asOf time.Time, limit int) ([]*PaymentFailure, error) {
	defer m.lock()()
	return m.listDuePaymentFailures(asOf, limit), nil
}

func (t *txView) ListDuePaymentFailures(ctx context.Context, asOf time.Time, limit int) ([]*PaymentFailure, error) {
	return t.store.listDuePaymentFailures(asOf, limit), nil
}

func (m *MemoryStore) createTierChangeSchedule(schedule *TierChangeSchedule) error {
	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	schedule.CreatedAt = time.Now().UTC()
	cp := *schedule
	m.schedules[schedule.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateTierChangeSchedule(ctx context.Context, schedule *TierChangeSchedule) error {
	defer m.lock()()
	return m.createTierChangeSchedule(schedule)
}

func (t *txView) CreateTierChangeSchedule(ctx context.Context, schedule *TierChangeSchedule) error {
	return t.store.createTierChangeSchedule(schedule)
}

func (m *MemoryStore) listDueTierChanges(asOf time.Time, limit int) []*TierChangeSchedule {
	var out []*TierChangeSchedule
	for _, s := range m.schedules {
		if s.EffectiveAt.After(asOf) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveAt.Before(out[j].EffectiveAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListDueTierChanges(ctx context.Context, asOf time.Time, limit int) ([]*TierChangeSchedule, error) {
	defer m.lock()()
	return m.listDueTierChanges(asOf, limit), nil
}

func (t *txView) ListDueTierChanges(ctx context.Context, asOf time.Time, limit int) ([]*TierChangeSchedule, error) {
	return t.store.listDueTierChanges(asOf, limit), nil
}

func (m *MemoryStore) deleteTierChangeSchedule(id uuid.UUID) error {
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) DeleteTierChangeSchedule(ctx context.Context, id uuid.UUID) error {
	defer m.lock()()
	return m.deleteTierChangeSchedule(id)
}

func (t *txView) DeleteTierChangeSchedule(ctx context.Context, id uuid.UUID) error {
	return t.store.deleteTierChangeSchedule(id)
}

func (m *MemoryStore) markEventProcessed(eventID string) (bool, error) {
	if _, ok := m.processed[eventID]; ok {
		return false, nil
	}
	m.processed[eventID] = struct{}{}
	return true, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	defer m.lock()()
	return m.markEventProcessed(eventID)
}

func (t *txView) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return t.store.markEventProcessed(eventID)
}

func (m *MemoryStore) recordRenewalEvent(event *RenewalEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	cp := *event
	m.renewalEvents = append(m.renewalEvents, &cp)
	return nil
}

func (m *MemoryStore) RecordRenewalEvent(ctx context.Context, event *RenewalEvent) error {
	defer m.lock()()
	return m.recordRenewalEvent(event)
}

func (t *txView) RecordRenewalEvent(ctx context.Context, event *RenewalEvent) error {
	return t.store.recordRenewalEvent(event)
}

func (m *MemoryStore) billingStats(asOf time.Time, renewalWindow time.Duration) *BillingStats {
	stats := &BillingStats{MonthlyRevenue: money.New(0, "")}
	for _, sub := range m.subscriptions {
		if sub.Status != StatusActive {
			continue
		}
		stats.ActiveSubscriptions++
		stats.MonthlyRevenue.Amount += sub.Amount.Amount
		if stats.MonthlyRevenue.Currency == "" {
			stats.MonthlyRevenue.Currency = sub.Amount.Currency
		}
		if !sub.CurrentPeriodEnd.Before(asOf) && !sub.CurrentPeriodEnd.After(asOf.Add(renewalWindow)) {
			stats.UpcomingRenewals++
		}
	}
	for _, f := range m.failures {
		if f.ResolvedAt == nil {
			stats.FailedPayments++
		}
	}
	return stats
}

func (m *MemoryStore) BillingStats(ctx context.Context, asOf time.Time, renewalWindow time.Duration) (*BillingStats, error) {
	defer m.lock()()
	return m.billingStats(asOf, renewalWindow), nil
}

func (t *txView) BillingStats(ctx context.Context, asOf time.Time, renewalWindow time.Duration) (*BillingStats, error) {
	return t.store.billingStats(asOf, renewalWindow), nil
}
