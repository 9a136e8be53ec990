package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanward/fanward/pkg/cache"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/money"
)

// spyInvalidator records which cache scopes were purged.
type spyInvalidator struct {
	subscriptions []uuid.UUID
	fans          []uuid.UUID
	artists       []uuid.UUID
	analytics     []uuid.UUID
}

func (s *spyInvalidator) InvalidateSubscription(_ context.Context, subscriptionID, _, _, _ uuid.UUID) error {
	s.subscriptions = append(s.subscriptions, subscriptionID)
	return nil
}

func (s *spyInvalidator) InvalidateFan(_ context.Context, fanID uuid.UUID) error {
	s.fans = append(s.fans, fanID)
	return nil
}

func (s *spyInvalidator) InvalidateArtist(_ context.Context, artistID uuid.UUID) error {
	s.artists = append(s.artists, artistID)
	return nil
}

func (s *spyInvalidator) InvalidateAnalytics(_ context.Context, artistID uuid.UUID, _ string) error {
	s.analytics = append(s.analytics, artistID)
	return nil
}

func TestProcessorInvalidatesArtistOnEarnings(t *testing.T) {
	f := newProcessorFixture(t)
	spy := &spyInvalidator{}
	f.processor = NewProcessor(f.store, f.gw, spy, testLogger(), Config{PlatformFeePercent: 5})
	fanID := uuid.New()
	require.NoError(t, f.deliver(t, f.checkoutEvent("evt_1", fanID)))

	now := time.Now().UTC()
	require.NoError(t, f.deliver(t, &gateway.Event{
		ID:   "evt_2",
		Type: gateway.EventInvoicePaid,
		Invoice: &gateway.InvoicePayload{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_ext_1",
			AmountPaid:     money.New(1500, "USD"),
			PeriodStart:    now,
			PeriodEnd:      now.AddDate(0, 1, 0),
		},
	}))

	assert.Equal(t, []uuid.UUID{f.artistID}, spy.artists,
		"earnings credit purges the artist-scoped cache keys")
}

func TestProcessorInvalidatesFanOnCancellation(t *testing.T) {
	f := newProcessorFixture(t)
	spy := &spyInvalidator{}
	f.processor = NewProcessor(f.store, f.gw, spy, testLogger(), Config{PlatformFeePercent: 5})
	fanID := uuid.New()
	require.NoError(t, f.deliver(t, f.checkoutEvent("evt_1", fanID)))

	require.NoError(t, f.deliver(t, &gateway.Event{
		ID:   "evt_2",
		Type: gateway.EventSubscriptionDeleted,
		Subscription: &gateway.SubscriptionPayload{
			SubscriptionID: "sub_ext_1",
			Status:         gateway.SubStatusCanceled,
		},
	}))

	assert.Equal(t, []uuid.UUID{fanID}, spy.fans,
		"cancellation purges the fan's subscription list and feed")
}

func TestEngineCancelInvalidatesFan(t *testing.T) {
	f := newEngineFixture(t)
	spy := &spyInvalidator{}
	f.engine.invalidator = spy
	ctx := context.Background()
	fanID := uuid.New()
	sub := f.seedSubscription(t, fanID)

	require.NoError(t, f.engine.CancelSubscription(ctx, fanID, sub.ID))

	assert.Equal(t, []uuid.UUID{sub.ID}, spy.subscriptions)
	assert.Equal(t, []uuid.UUID{fanID}, spy.fans)
}

var _ cache.Invalidator = (*spyInvalidator)(nil)
