package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

const testWebhookSecret = "whsec_test"

// signStripePayload produces a Stripe-Signature header the webhook
// verifier accepts: an HMAC-SHA256 over "<timestamp>.<payload>".
func signStripePayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEventBody(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"api_version":%q,"type":%q,"data":{"object":%s}}`,
		id, stripe.APIVersion, eventType, object))
}

func newTestStripeGateway(t *testing.T) *StripeGateway {
	t.Helper()
	g, err := NewStripeGateway(StripeConfig{SecretKey: "sk_test_123", WebhookSecret: testWebhookSecret})
	require.NoError(t, err)
	return g
}

func TestNewStripeGatewayValidation(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{WebhookSecret: testWebhookSecret})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewStripeGateway(StripeConfig{SecretKey: "sk_test_123"})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestStripeConstructEventCheckoutCompleted(t *testing.T) {
	g := newTestStripeGateway(t)
	payload := stripeEventBody("evt_1", "checkout.session.completed", `{
		"id": "cs_test_1",
		"customer": {"id": "cus_123"},
		"subscription": "sub_123",
		"amount_total": 1500,
		"currency": "usd",
		"metadata": {"fan_id": "f-1", "tier_id": "t-1"}
	}`)

	event, err := g.ConstructEvent(payload, signStripePayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventCheckoutCompleted, event.Type)
	require.NotNil(t, event.Checkout)
	assert.Equal(t, "cs_test_1", event.Checkout.SessionID)
	assert.Equal(t, "cus_123", event.Checkout.CustomerID, "expanded customer object collapses to its id")
	assert.Equal(t, "sub_123", event.Checkout.SubscriptionID)
	assert.Equal(t, int64(1500), event.Checkout.AmountTotal.Amount)
	assert.Equal(t, "USD", event.Checkout.AmountTotal.Currency)
	assert.Equal(t, "f-1", event.Checkout.Metadata["fan_id"])
}

func TestStripeConstructEventInvoicePaymentFailed(t *testing.T) {
	g := newTestStripeGateway(t)
	retryAt := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	lineStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lineEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	payload := stripeEventBody("evt_2", "invoice.payment_failed", fmt.Sprintf(`{
		"id": "in_1",
		"amount_due": 1000,
		"currency": "usd",
		"attempt_count": 2,
		"period_start": 1,
		"period_end": 2,
		"next_payment_attempt": %d,
		"parent": {"subscription_details": {"subscription": "sub_123"}},
		"lines": {"data": [{"period": {"start": %d, "end": %d}}]}
	}`, retryAt.Unix(), lineStart.Unix(), lineEnd.Unix()))

	event, err := g.ConstructEvent(payload, signStripePayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, EventInvoicePaymentFailed, event.Type)
	require.NotNil(t, event.Invoice)
	assert.Equal(t, "in_1", event.Invoice.InvoiceID)
	assert.Equal(t, "sub_123", event.Invoice.SubscriptionID, "subscription id read from parent when top-level field is absent")
	assert.Equal(t, int64(1000), event.Invoice.AmountDue.Amount)
	assert.Equal(t, 2, event.Invoice.AttemptCount)
	assert.Equal(t, lineStart, event.Invoice.PeriodStart, "line period wins over invoice period")
	assert.Equal(t, lineEnd, event.Invoice.PeriodEnd)
	require.NotNil(t, event.Invoice.NextPaymentAttempt)
	assert.Equal(t, retryAt, *event.Invoice.NextPaymentAttempt)
}

func TestStripeConstructEventSubscriptionUpdated(t *testing.T) {
	g := newTestStripeGateway(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	payload := stripeEventBody("evt_3", "customer.subscription.updated", fmt.Sprintf(`{
		"id": "sub_123",
		"status": "past_due",
		"cancel_at_period_end": true,
		"items": {"data": [{
			"current_period_start": %d,
			"current_period_end": %d,
			"price": {"id": "price_1"}
		}]}
	}`, start.Unix(), end.Unix()))

	event, err := g.ConstructEvent(payload, signStripePayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, EventSubscriptionUpdated, event.Type)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, "sub_123", event.Subscription.SubscriptionID)
	assert.Equal(t, SubStatusPastDue, event.Subscription.Status)
	assert.True(t, event.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, "price_1", event.Subscription.PriceID)
	assert.Equal(t, start, event.Subscription.CurrentPeriodStart, "item-level period takes precedence")
	assert.Equal(t, end, event.Subscription.CurrentPeriodEnd)
}

func TestStripeConstructEventRejectsBadSignature(t *testing.T) {
	g := newTestStripeGateway(t)
	payload := stripeEventBody("evt_4", "invoice.paid", `{"id": "in_2"}`)

	_, err := g.ConstructEvent(payload, signStripePayload(payload, "whsec_other"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = g.ConstructEvent(payload, "t=123,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeConstructEventUnknownType(t *testing.T) {
	g := newTestStripeGateway(t)
	payload := stripeEventBody("evt_5", "payout.paid", `{"id": "po_1"}`)

	event, err := g.ConstructEvent(payload, signStripePayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, event.Type)
	assert.Equal(t, "payout.paid", event.ProviderType)
}

func TestNormalizeStripeStatus(t *testing.T) {
	cases := map[string]string{
		"active":             SubStatusActive,
		"trialing":           SubStatusActive,
		"past_due":           SubStatusPastDue,
		"unpaid":             SubStatusPastDue,
		"canceled":           SubStatusCanceled,
		"incomplete_expired": SubStatusCanceled,
		"incomplete":         SubStatusPending,
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeStripeStatus(input), input)
	}
}
