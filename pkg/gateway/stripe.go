package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/customer"
	"github.com/stripe/stripe-go/v83/invoice"
	"github.com/stripe/stripe-go/v83/price"
	"github.com/stripe/stripe-go/v83/product"
	sub "github.com/stripe/stripe-go/v83/subscription"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/fanward/fanward/pkg/money"
)

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeGateway implements Gateway on Stripe. Artists are Stripe
// connected accounts; account-scoped calls set the Stripe-Account
// header via SetStripeAccount.
type StripeGateway struct {
	config StripeConfig
}

// NewStripeGateway creates a Stripe-backed gateway. Sets the
// process-global Stripe key, matching the SDK's package-level call style.
func NewStripeGateway(config StripeConfig) (*StripeGateway, error) {
	if config.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}

	stripe.Key = config.SecretKey

	return &StripeGateway{config: config}, nil
}

func (g *StripeGateway) CreateOrRetrieveCustomer(ctx context.Context, email, displayName, connectedAccountID string) (*Customer, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	if connectedAccountID != "" {
		listParams.SetStripeAccount(connectedAccountID)
	}

	iter := customer.List(listParams)
	for iter.Next() {
		c := iter.Customer()
		return &Customer{ID: c.ID, Email: c.Email}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrGateway, err)
	}

	createParams := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(displayName),
	}
	createParams.Context = ctx
	if connectedAccountID != "" {
		createParams.SetStripeAccount(connectedAccountID)
	}

	c, err := customer.New(createParams)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (g *StripeGateway) CreateProduct(ctx context.Context, name, description, accountID string) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(name)}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.Context = ctx
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}

	p, err := product.New(params)
	if err != nil {
		return "", errors.Join(ErrGateway, err)
	}
	return p.ID, nil
}

func (g *StripeGateway) CreatePrice(ctx context.Context, productID string, amount money.Money, accountID string) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(amount.Amount),
		Currency:   stripe.String(strings.ToLower(amount.Currency)),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		},
	}
	params.Context = ctx
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}

	p, err := price.New(params)
	if err != nil {
		return "", errors.Join(ErrGateway, err)
	}
	return p.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.Context = ctx
	if p.ConnectedAccountID != "" {
		params.SetStripeAccount(p.ConnectedAccountID)
	}
	// Metadata goes on the session and onto the subscription it creates,
	// so both checkout and later lifecycle events are self-contained.
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if len(p.Metadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		}
	}

	s, err := session.New(params)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	if s.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, externalID string) (*SubscriptionPayload, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice")

	s, err := sub.Get(externalID, params)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}

	payload := &SubscriptionPayload{
		SubscriptionID:    s.ID,
		Status:            normalizeStripeStatus(string(s.Status)),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		payload.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		payload.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		if item.Price != nil {
			payload.PriceID = item.Price.ID
		}
	}
	return payload, nil
}

func (g *StripeGateway) UpdateSubscription(ctx context.Context, externalID, newPriceID string, behavior ProrationBehavior) (*SubscriptionUpdate, error) {
	current, err := sub.Get(externalID, nil)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, errors.Join(ErrGateway, errors.New("subscription has no items"))
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(current.Items.Data[0].ID),
			Price: stripe.String(newPriceID),
		}},
		ProrationBehavior: stripe.String(string(behavior)),
	}
	params.Context = ctx
	params.AddExpand("latest_invoice")

	updated, err := sub.Update(externalID, params)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}

	result := &SubscriptionUpdate{
		SubscriptionID: updated.ID,
		Status:         normalizeStripeStatus(string(updated.Status)),
	}
	if updated.LatestInvoice != nil {
		result.InvoiceID = updated.LatestInvoice.ID
	}
	return result, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := sub.Cancel(externalID, params); err != nil {
		return errors.Join(ErrGateway, err)
	}
	return nil
}

func (g *StripeGateway) PayInvoice(ctx context.Context, invoiceID string) (*InvoicePayment, error) {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx

	inv, err := invoice.Pay(invoiceID, params)
	if err != nil {
		return nil, errors.Join(ErrGateway, err)
	}
	return &InvoicePayment{
		InvoiceID:  inv.ID,
		Paid:       inv.Status == stripe.InvoiceStatusPaid,
		AmountPaid: money.New(inv.AmountPaid, strings.ToUpper(string(inv.Currency))),
	}, nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw
// body and decodes the payload into the normalized envelope. Decoding
// works on the raw JSON rather than SDK structs so the envelope does
// not drift with Stripe API versions.
func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, g.config.WebhookSecret)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	event := &Event{
		ID:           stripeEvent.ID,
		ProviderType: string(stripeEvent.Type),
	}

	var raw json.RawMessage
	if stripeEvent.Data != nil {
		raw = stripeEvent.Data.Raw
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		event.Type = EventCheckoutCompleted
		checkout, err := decodeStripeCheckout(raw)
		if err != nil {
			return nil, err
		}
		event.Checkout = checkout

	case "invoice.payment_succeeded", "invoice.paid":
		event.Type = EventInvoicePaid
		inv, err := decodeStripeInvoice(raw)
		if err != nil {
			return nil, err
		}
		event.Invoice = inv

	case "invoice.payment_failed":
		event.Type = EventInvoicePaymentFailed
		inv, err := decodeStripeInvoice(raw)
		if err != nil {
			return nil, err
		}
		event.Invoice = inv

	case "customer.subscription.updated":
		event.Type = EventSubscriptionUpdated
		subPayload, err := decodeStripeSubscription(raw)
		if err != nil {
			return nil, err
		}
		event.Subscription = subPayload

	case "customer.subscription.deleted":
		event.Type = EventSubscriptionDeleted
		subPayload, err := decodeStripeSubscription(raw)
		if err != nil {
			return nil, err
		}
		event.Subscription = subPayload

	default:
		event.Type = EventUnknown
	}

	return event, nil
}

// idRef unmarshals either a bare id string or an expanded object with
// an "id" field, both of which appear in Stripe payloads.
type idRef string

func (r *idRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = idRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = idRef(obj.ID)
	return nil
}

func decodeStripeCheckout(raw []byte) (*CheckoutPayload, error) {
	var data struct {
		ID           string            `json:"id"`
		Customer     idRef             `json:"customer"`
		Subscription idRef             `json:"subscription"`
		AmountTotal  int64             `json:"amount_total"`
		Currency     string            `json:"currency"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	return &CheckoutPayload{
		SessionID:      data.ID,
		CustomerID:     string(data.Customer),
		SubscriptionID: string(data.Subscription),
		AmountTotal:    money.New(data.AmountTotal, strings.ToUpper(data.Currency)),
		Metadata:       data.Metadata,
	}, nil
}

func decodeStripeInvoice(raw []byte) (*InvoicePayload, error) {
	var data struct {
		ID                 string `json:"id"`
		Subscription       idRef  `json:"subscription"`
		AmountPaid         int64  `json:"amount_paid"`
		AmountDue          int64  `json:"amount_due"`
		Currency           string `json:"currency"`
		PeriodStart        int64  `json:"period_start"`
		PeriodEnd          int64  `json:"period_end"`
		AttemptCount       int    `json:"attempt_count"`
		NextPaymentAttempt int64  `json:"next_payment_attempt"`
		Parent             struct {
			SubscriptionDetails struct {
				Subscription idRef `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
		Lines struct {
			Data []struct {
				Period struct {
					Start int64 `json:"start"`
					End   int64 `json:"end"`
				} `json:"period"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	currency := strings.ToUpper(data.Currency)
	payload := &InvoicePayload{
		InvoiceID:      data.ID,
		SubscriptionID: string(data.Subscription),
		AmountPaid:     money.New(data.AmountPaid, currency),
		AmountDue:      money.New(data.AmountDue, currency),
		PeriodStart:    time.Unix(data.PeriodStart, 0).UTC(),
		PeriodEnd:      time.Unix(data.PeriodEnd, 0).UTC(),
		AttemptCount:   data.AttemptCount,
	}
	// Newer API versions moved the subscription reference under parent.
	if payload.SubscriptionID == "" {
		payload.SubscriptionID = string(data.Parent.SubscriptionDetails.Subscription)
	}
	// Line periods are the subscription's actual service window; the
	// top-level invoice period can differ for the first invoice.
	if len(data.Lines.Data) > 0 && data.Lines.Data[0].Period.End > 0 {
		payload.PeriodStart = time.Unix(data.Lines.Data[0].Period.Start, 0).UTC()
		payload.PeriodEnd = time.Unix(data.Lines.Data[0].Period.End, 0).UTC()
	}
	if data.NextPaymentAttempt > 0 {
		at := time.Unix(data.NextPaymentAttempt, 0).UTC()
		payload.NextPaymentAttempt = &at
	}
	return payload, nil
}

func decodeStripeSubscription(raw []byte) (*SubscriptionPayload, error) {
	var data struct {
		ID                 string `json:"id"`
		Status             string `json:"status"`
		CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
		CurrentPeriodStart int64  `json:"current_period_start"`
		CurrentPeriodEnd   int64  `json:"current_period_end"`
		Items              struct {
			Data []struct {
				CurrentPeriodStart int64 `json:"current_period_start"`
				CurrentPeriodEnd   int64 `json:"current_period_end"`
				Price              struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	payload := &SubscriptionPayload{
		SubscriptionID:     data.ID,
		Status:             normalizeStripeStatus(data.Status),
		CancelAtPeriodEnd:  data.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(data.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(data.CurrentPeriodEnd, 0).UTC(),
	}
	if len(data.Items.Data) > 0 {
		item := data.Items.Data[0]
		payload.PriceID = item.Price.ID
		// Period moved onto items in newer API versions.
		if item.CurrentPeriodEnd > 0 {
			payload.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
			payload.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return payload, nil
}

func normalizeStripeStatus(status string) string {
	switch status {
	case "active", "trialing":
		return SubStatusActive
	case "past_due", "unpaid":
		return SubStatusPastDue
	case "canceled", "incomplete_expired":
		return SubStatusCanceled
	default:
		return SubStatusPending
	}
}
