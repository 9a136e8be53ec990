package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/fanward/fanward/pkg/money"
)

// PaddleConfig holds configuration for the Paddle gateway.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleGateway implements Gateway on Paddle. Paddle is merchant of
// record, so there are no connected accounts: accountID arguments are
// accepted for interface compatibility and ignored.
type PaddleGateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleGateway creates a Paddle-backed gateway.
func NewPaddleGateway(config PaddleConfig) (*PaddleGateway, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}

	return &PaddleGateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

func (g *PaddleGateway) CreateOrRetrieveCustomer(ctx context.Context, email, displayName, _ string) (*Customer, error) {
	c, err := g.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: email,
		Name:  paddle.PtrTo(displayName),
	})
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (g *PaddleGateway) CreateProduct(ctx context.Context, name, description, _ string) (string, error) {
	req := &paddle.CreateProductRequest{
		Name:        name,
		TaxCategory: paddle.TaxCategoryStandard,
	}
	if description != "" {
		req.Description = paddle.PtrTo(description)
	}
	p, err := g.client.ProductsClient.CreateProduct(ctx, req)
	if err != nil {
		return "", errors.Join(ErrGateway, err)
	}
	return p.ID, nil
}

func (g *PaddleGateway) CreatePrice(ctx context.Context, productID string, amount money.Money, _ string) (string, error) {
	p, err := g.client.PricesClient.CreatePrice(ctx, &paddle.CreatePriceRequest{
		ProductID:   productID,
		Description: "monthly subscription",
		UnitPrice: paddle.Money{
			Amount:       strconv.FormatInt(amount.Amount, 10),
			CurrencyCode: paddle.CurrencyCode(amount.Currency),
		},
		BillingCycle: &paddle.Duration{
			Interval:  paddle.IntervalMonth,
			Frequency: 1,
		},
	})
	if err != nil {
		return "", errors.Join(ErrGateway, err)
	}
	return p.ID, nil
}

func (g *PaddleGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  p.PriceID,
		Quantity: 1,
	})

	customData := paddle.CustomData{}
	for k, v := range p.Metadata {
		customData[k] = v
	}

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData,
	}
	if p.CustomerID != "" {
		req.CustomerID = paddle.PtrTo(p.CustomerID)
	}
	if p.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(p.SuccessURL)}
	}

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{ID: txn.ID, URL: *txn.Checkout.URL}, nil
}

func (g *PaddleGateway) RetrieveSubscription(ctx context.Context, externalID string) (*SubscriptionPayload, error) {
	s, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: externalID,
	})
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}

	payload := &SubscriptionPayload{
		SubscriptionID: s.ID,
		Status:         normalizePaddleStatus(string(s.Status)),
	}
	if s.CurrentBillingPeriod != nil {
		payload.CurrentPeriodStart = parsePaddleTime(s.CurrentBillingPeriod.StartsAt)
		payload.CurrentPeriodEnd = parsePaddleTime(s.CurrentBillingPeriod.EndsAt)
	}
	if len(s.Items) > 0 {
		payload.PriceID = s.Items[0].Price.ID
	}
	return payload, nil
}

func (g *PaddleGateway) UpdateSubscription(ctx context.Context, externalID, newPriceID string, behavior ProrationBehavior) (*SubscriptionUpdate, error) {
	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  newPriceID,
		Quantity: 1,
	})

	s, err := g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       externalID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(mapProrationMode(behavior)),
	})
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	return &SubscriptionUpdate{
		SubscriptionID: s.ID,
		Status:         normalizePaddleStatus(string(s.Status)),
	}, nil
}

func (g *PaddleGateway) CancelSubscription(ctx context.Context, externalID string) error {
	_, err := g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
	})
	if err != nil {
		return errors.Join(ErrGateway, err)
	}
	return nil
}

// PayInvoice is not supported: Paddle owns dunning and retries failed
// payments on its own schedule.
func (g *PaddleGateway) PayInvoice(ctx context.Context, invoiceID string) (*InvoicePayment, error) {
	return nil, ErrNotSupported
}

// ConstructEvent verifies the Paddle-Signature header and decodes the
// payload into the normalized envelope. The verifier operates on an
// http.Request, so one is rebuilt around the raw body.
func (g *PaddleGateway) ConstructEvent(payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := g.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventID   string          `json:"event_id"`
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	event := &Event{
		ID:           paddleEvent.EventID,
		ProviderType: paddleEvent.EventType,
	}

	switch paddleEvent.EventType {
	case "transaction.completed":
		event.Type = EventCheckoutCompleted
		checkout, err := decodePaddleTransaction(paddleEvent.Data)
		if err != nil {
			return nil, err
		}
		event.Checkout = checkout

	case "transaction.payment_succeeded", "transaction.paid":
		event.Type = EventInvoicePaid
		inv, err := decodePaddleTransactionInvoice(paddleEvent.Data)
		if err != nil {
			return nil, err
		}
		event.Invoice = inv

	case "transaction.payment_failed":
		event.Type = EventInvoicePaymentFailed
		inv, err := decodePaddleTransactionInvoice(paddleEvent.Data)
		if err != nil {
			return nil, err
		}
		event.Invoice = inv

	case "subscription.updated", "subscription.resumed":
		event.Type = EventSubscriptionUpdated
		subPayload, err := decodePaddleSubscription(paddleEvent.Data)
		if err != nil {
			return nil, err
		}
		event.Subscription = subPayload

	case "subscription.canceled":
		event.Type = EventSubscriptionDeleted
		subPayload, err := decodePaddleSubscription(paddleEvent.Data)
		if err != nil {
			return nil, err
		}
		event.Subscription = subPayload

	default:
		event.Type = EventUnknown
	}

	return event, nil
}

type paddleBillingPeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

func decodePaddleTransaction(raw []byte) (*CheckoutPayload, error) {
	var data struct {
		ID             string            `json:"id"`
		CustomerID     string            `json:"customer_id"`
		SubscriptionID string            `json:"subscription_id"`
		CustomData     map[string]string `json:"custom_data"`
		Details        struct {
			Totals struct {
				GrandTotal   string `json:"grand_total"`
				CurrencyCode string `json:"currency_code"`
			} `json:"totals"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	total, _ := strconv.ParseInt(data.Details.Totals.GrandTotal, 10, 64)
	return &CheckoutPayload{
		SessionID:      data.ID,
		CustomerID:     data.CustomerID,
		SubscriptionID: data.SubscriptionID,
		AmountTotal:    money.New(total, data.Details.Totals.CurrencyCode),
		Metadata:       data.CustomData,
	}, nil
}

func decodePaddleTransactionInvoice(raw []byte) (*InvoicePayload, error) {
	var data struct {
		ID             string              `json:"id"`
		SubscriptionID string              `json:"subscription_id"`
		BillingPeriod  paddleBillingPeriod `json:"billing_period"`
		Details        struct {
			Totals struct {
				GrandTotal   string `json:"grand_total"`
				CurrencyCode string `json:"currency_code"`
			} `json:"totals"`
		} `json:"details"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	total, _ := strconv.ParseInt(data.Details.Totals.GrandTotal, 10, 64)
	amount := money.New(total, data.Details.Totals.CurrencyCode)
	return &InvoicePayload{
		InvoiceID:      data.ID,
		SubscriptionID: data.SubscriptionID,
		AmountPaid:     amount,
		AmountDue:      amount,
		PeriodStart:    parsePaddleTime(data.BillingPeriod.StartsAt),
		PeriodEnd:      parsePaddleTime(data.BillingPeriod.EndsAt),
		AttemptCount:   1,
	}, nil
}

func decodePaddleSubscription(raw []byte) (*SubscriptionPayload, error) {
	var data struct {
		ID                   string               `json:"id"`
		Status               string               `json:"status"`
		CurrentBillingPeriod *paddleBillingPeriod `json:"current_billing_period"`
		Items                []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	payload := &SubscriptionPayload{
		SubscriptionID: data.ID,
		Status:         normalizePaddleStatus(data.Status),
	}
	if data.CurrentBillingPeriod != nil {
		payload.CurrentPeriodStart = parsePaddleTime(data.CurrentBillingPeriod.StartsAt)
		payload.CurrentPeriodEnd = parsePaddleTime(data.CurrentBillingPeriod.EndsAt)
	}
	if len(data.Items) > 0 {
		payload.PriceID = data.Items[0].Price.ID
	}
	return payload, nil
}

func parsePaddleTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func mapProrationMode(behavior ProrationBehavior) paddle.ProrationBillingMode {
	switch behavior {
	case ProrationNone:
		return paddle.ProrationBillingModeDoNotBill
	case ProrationAlwaysInvoice:
		return paddle.ProrationBillingModeProratedImmediately
	default:
		return paddle.ProrationBillingModeProratedNextBillingPeriod
	}
}

func normalizePaddleStatus(status string) string {
	switch strings.ToLower(status) {
	case "active", "trialing":
		return SubStatusActive
	case "past_due":
		return SubStatusPastDue
	case "canceled", "cancelled":
		return SubStatusCanceled
	default:
		return SubStatusPending
	}
}
