package billing

import (
	"context"
	"fmt"

	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/money"
)

// stubGateway implements gateway.Gateway with overridable behavior per
// test. Unset hooks return benign defaults.
type stubGateway struct {
	constructEventFn func(payload []byte, signature string) (*gateway.Event, error)
	retrieveFn       func(externalID string) (*gateway.SubscriptionPayload, error)
	payInvoiceFn     func(invoiceID string) (*gateway.InvoicePayment, error)
	updateFn         func(externalID, newPriceID string, behavior gateway.ProrationBehavior) (*gateway.SubscriptionUpdate, error)

	checkoutParams []gateway.CheckoutSessionParams
	canceled       []string
	createdPrices  []money.Money
}

func (s *stubGateway) CreateOrRetrieveCustomer(_ context.Context, email, _, _ string) (*gateway.Customer, error) {
	return &gateway.Customer{ID: "cus_test", Email: email}, nil
}

func (s *stubGateway) CreateProduct(_ context.Context, name, _, _ string) (string, error) {
	return "prod_" + name, nil
}

func (s *stubGateway) CreatePrice(_ context.Context, productID string, amount money.Money, _ string) (string, error) {
	s.createdPrices = append(s.createdPrices, amount)
	return fmt.Sprintf("price_%s_%d", productID, amount.Amount), nil
}

func (s *stubGateway) CreateCheckoutSession(_ context.Context, params gateway.CheckoutSessionParams) (*gateway.CheckoutSession, error) {
	s.checkoutParams = append(s.checkoutParams, params)
	return &gateway.CheckoutSession{ID: "cs_test", URL: "https://checkout.test/cs_test"}, nil
}

func (s *stubGateway) RetrieveSubscription(_ context.Context, externalID string) (*gateway.SubscriptionPayload, error) {
	if s.retrieveFn != nil {
		return s.retrieveFn(externalID)
	}
	return nil, gateway.ErrGateway
}

func (s *stubGateway) UpdateSubscription(_ context.Context, externalID, newPriceID string, behavior gateway.ProrationBehavior) (*gateway.SubscriptionUpdate, error) {
	if s.updateFn != nil {
		return s.updateFn(externalID, newPriceID, behavior)
	}
	return &gateway.SubscriptionUpdate{SubscriptionID: externalID, Status: gateway.SubStatusActive}, nil
}

func (s *stubGateway) CancelSubscription(_ context.Context, externalID string) error {
	s.canceled = append(s.canceled, externalID)
	return nil
}

func (s *stubGateway) PayInvoice(_ context.Context, invoiceID string) (*gateway.InvoicePayment, error) {
	if s.payInvoiceFn != nil {
		return s.payInvoiceFn(invoiceID)
	}
	return nil, gateway.ErrNotSupported
}

func (s *stubGateway) ConstructEvent(payload []byte, signature string) (*gateway.Event, error) {
	if s.constructEventFn != nil {
		return s.constructEventFn(payload, signature)
	}
	return nil, gateway.ErrInvalidSignature
}
