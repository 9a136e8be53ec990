package billing

import "errors"

var (
	// ErrSubscriptionNotActive rejects tier changes and cancellations on
	// subscriptions that are not currently active.
	ErrSubscriptionNotActive = errors.New("subscription is not active")

	// ErrTierNotAvailable rejects changes onto a deactivated tier.
	ErrTierNotAvailable = errors.New("tier is not available")

	// ErrTierWrongArtist rejects moving a subscription onto a tier that
	// belongs to a different artist.
	ErrTierWrongArtist = errors.New("tier belongs to a different artist")

	// ErrAmountBelowMinimum rejects a pledge under the tier's price floor.
	ErrAmountBelowMinimum = errors.New("amount is below the tier minimum price")

	// ErrMissingMetadata marks a checkout event whose metadata lacks the
	// fan/artist/tier ids needed to create the subscription.
	ErrMissingMetadata = errors.New("checkout metadata is missing required ids")

	// ErrNotSubscriptionOwner rejects operations on a subscription that
	// does not belong to the requesting fan.
	ErrNotSubscriptionOwner = errors.New("subscription belongs to a different fan")
)
