package gateway

import "errors"

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMalformedEvent   = errors.New("malformed webhook event payload")
	ErrGateway          = errors.New("payment gateway request failed")
	ErrNoCheckoutURL    = errors.New("no checkout URL returned by gateway")
	ErrNotSupported     = errors.New("operation not supported by this gateway")
	ErrMissingAPIKey    = errors.New("gateway API key is required")
	ErrMissingSecret    = errors.New("gateway webhook secret is required")
)
