package gateway

import (
	"context"
	"time"

	"github.com/fanward/fanward/pkg/money"
)

// Gateway is the payment-processor port the billing core depends on.
// Implementations wrap provider SDKs (stripe.go, paddle.go) and
// normalize provider-specific payloads into the Event envelope so the
// webhook processor and billing engine stay provider-agnostic.
type Gateway interface {
	// CreateOrRetrieveCustomer finds a customer by email on the
	// connected account or creates one.
	CreateOrRetrieveCustomer(ctx context.Context, email, displayName, connectedAccountID string) (*Customer, error)

	// CreateProduct registers a tier as a billable product.
	CreateProduct(ctx context.Context, name, description, accountID string) (string, error)

	// CreatePrice attaches a recurring monthly price to a product.
	CreatePrice(ctx context.Context, productID string, amount money.Money, accountID string) (string, error)

	// CreateCheckoutSession starts a hosted checkout for a subscription.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)

	// RetrieveSubscription fetches the provider's current view of a
	// subscription, used by renewal reconciliation.
	RetrieveSubscription(ctx context.Context, externalID string) (*SubscriptionPayload, error)

	// UpdateSubscription switches a subscription to a new price,
	// applying the requested proration behavior.
	UpdateSubscription(ctx context.Context, externalID, newPriceID string, behavior ProrationBehavior) (*SubscriptionUpdate, error)

	// CancelSubscription terminates a subscription at the provider.
	CancelSubscription(ctx context.Context, externalID string) error

	// PayInvoice re-attempts collection on an open invoice.
	PayInvoice(ctx context.Context, invoiceID string) (*InvoicePayment, error)

	// ConstructEvent verifies the webhook signature over the raw body
	// and decodes the payload into a typed envelope. Returns
	// ErrInvalidSignature without decoding when verification fails.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}

// ProrationBehavior controls how mid-cycle price changes are invoiced.
type ProrationBehavior string

const (
	ProrationCreateProrations ProrationBehavior = "create_prorations"
	ProrationAlwaysInvoice    ProrationBehavior = "always_invoice"
	ProrationNone             ProrationBehavior = "none"
)

// Customer is the provider's customer record.
type Customer struct {
	ID    string
	Email string
}

// CheckoutSessionParams carries everything needed to start a hosted
// checkout. Metadata must include the fan/artist/tier ids so the
// resulting webhook event is self-contained.
type CheckoutSessionParams struct {
	PriceID            string
	CustomerID         string
	ConnectedAccountID string
	Amount             money.Money
	SuccessURL         string
	CancelURL          string
	Metadata           map[string]string
}

// CheckoutSession is a hosted checkout the fan completes in a browser.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionUpdate reports the outcome of a price change.
type SubscriptionUpdate struct {
	SubscriptionID string
	Status         string
	InvoiceID      string // invoice carrying the proration adjustment, if any
}

// InvoicePayment reports the outcome of an invoice collection attempt.
type InvoicePayment struct {
	InvoiceID  string
	Paid       bool
	AmountPaid money.Money
}

// EventType is the normalized webhook event classification.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionDeleted  EventType = "subscription_deleted"
	// EventUnknown marks provider events the core does not handle.
	// They are acknowledged, never failed, so the provider stops
	// redelivering them.
	EventUnknown EventType = "unknown"
)

// Event is the typed envelope for an inbound webhook. It is a tagged
// union keyed by Type: exactly one of Checkout, Invoice or Subscription
// is non-nil for the known types, decoded and validated before any
// handler touches it.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string // original provider event name

	Checkout     *CheckoutPayload
	Invoice      *InvoicePayload
	Subscription *SubscriptionPayload
}

// CheckoutPayload is the decoded checkout.session.completed data.
type CheckoutPayload struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	AmountTotal    money.Money
	Metadata       map[string]string
}

// InvoicePayload is the decoded invoice event data.
type InvoicePayload struct {
	InvoiceID          string
	SubscriptionID     string
	AmountPaid         money.Money
	AmountDue          money.Money
	PeriodStart        time.Time
	PeriodEnd          time.Time
	AttemptCount       int
	NextPaymentAttempt *time.Time
}

// Normalized subscription statuses shared by all providers.
const (
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
	SubStatusPending  = "pending"
)

// SubscriptionPayload is the decoded subscription lifecycle data.
type SubscriptionPayload struct {
	SubscriptionID     string
	Status             string // one of the SubStatus constants
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}
