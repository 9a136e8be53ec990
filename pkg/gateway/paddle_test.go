package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPaddleSecret = "pdl_ntfset_test"

// signPaddlePayload produces a Paddle-Signature header: an HMAC-SHA256
// over "<timestamp>:<payload>".
func signPaddlePayload(payload []byte, secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(payload)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestPaddleGateway(t *testing.T) *PaddleGateway {
	t.Helper()
	g, err := NewPaddleGateway(PaddleConfig{
		APIKey:        "pdl_test_apikey",
		WebhookSecret: testPaddleSecret,
		Environment:   "sandbox",
	})
	require.NoError(t, err)
	return g
}

func TestNewPaddleGatewayValidation(t *testing.T) {
	_, err := NewPaddleGateway(PaddleConfig{WebhookSecret: testPaddleSecret})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewPaddleGateway(PaddleConfig{APIKey: "pdl_test_apikey"})
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewPaddleGateway(PaddleConfig{APIKey: "k", WebhookSecret: "s", Environment: "staging"})
	assert.Error(t, err)
}

func TestPaddleConstructEventTransactionCompleted(t *testing.T) {
	g := newTestPaddleGateway(t)
	payload := []byte(`{
		"event_id": "ntf_1",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_1",
			"customer_id": "ctm_1",
			"subscription_id": "sub_1",
			"custom_data": {"fan_id": "f-1"},
			"details": {"totals": {"grand_total": "1500", "currency_code": "USD"}}
		}
	}`)

	event, err := g.ConstructEvent(payload, signPaddlePayload(payload, testPaddleSecret))
	require.NoError(t, err)

	assert.Equal(t, "ntf_1", event.ID)
	assert.Equal(t, EventCheckoutCompleted, event.Type)
	require.NotNil(t, event.Checkout)
	assert.Equal(t, "txn_1", event.Checkout.SessionID)
	assert.Equal(t, "ctm_1", event.Checkout.CustomerID)
	assert.Equal(t, "sub_1", event.Checkout.SubscriptionID)
	assert.Equal(t, int64(1500), event.Checkout.AmountTotal.Amount)
	assert.Equal(t, "f-1", event.Checkout.Metadata["fan_id"])
}

func TestPaddleConstructEventSubscriptionCanceled(t *testing.T) {
	g := newTestPaddleGateway(t)
	payload := []byte(`{
		"event_id": "ntf_2",
		"event_type": "subscription.canceled",
		"data": {
			"id": "sub_1",
			"status": "canceled",
			"current_billing_period": {
				"starts_at": "2026-03-01T00:00:00Z",
				"ends_at": "2026-04-01T00:00:00Z"
			},
			"items": [{"price": {"id": "pri_1"}}]
		}
	}`)

	event, err := g.ConstructEvent(payload, signPaddlePayload(payload, testPaddleSecret))
	require.NoError(t, err)

	assert.Equal(t, EventSubscriptionDeleted, event.Type)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, SubStatusCanceled, event.Subscription.Status)
	assert.Equal(t, "pri_1", event.Subscription.PriceID)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), event.Subscription.CurrentPeriodEnd)
}

func TestPaddleConstructEventRejectsBadSignature(t *testing.T) {
	g := newTestPaddleGateway(t)
	payload := []byte(`{"event_id": "ntf_3", "event_type": "transaction.completed", "data": {}}`)

	_, err := g.ConstructEvent(payload, signPaddlePayload(payload, "wrong_secret"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPaddlePayInvoiceNotSupported(t *testing.T) {
	g := newTestPaddleGateway(t)
	_, err := g.PayInvoice(context.Background(), "txn_1")
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestNormalizePaddleStatus(t *testing.T) {
	cases := map[string]string{
		"active":    SubStatusActive,
		"trialing":  SubStatusActive,
		"past_due":  SubStatusPastDue,
		"canceled":  SubStatusCanceled,
		"cancelled": SubStatusCanceled,
		"paused":    SubStatusPending,
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizePaddleStatus(input), input)
	}
}
