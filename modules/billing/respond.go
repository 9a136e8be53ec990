package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fanward/fanward/pkg/billing"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/ledger"
	"github.com/fanward/fanward/pkg/money"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps core errors onto the API taxonomy. Validation
// failures keep their human-readable messages; store and gateway
// internals are logged and replaced with an opaque 500.
func (m *Module) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrSubscriptionNotFound),
		errors.Is(err, ledger.ErrTierNotFound),
		errors.Is(err, ledger.ErrArtistNotFound):
		writeError(w, http.StatusNotFound, "not found")

	case errors.Is(err, billing.ErrNotSubscriptionOwner):
		writeError(w, http.StatusForbidden, "subscription belongs to a different fan")

	case errors.Is(err, billing.ErrTierWrongArtist):
		writeError(w, http.StatusBadRequest, "cannot change to a tier from a different artist")

	case errors.Is(err, billing.ErrAmountBelowMinimum):
		writeError(w, http.StatusBadRequest, "amount is below minimum price for the tier")

	case errors.Is(err, billing.ErrSubscriptionNotActive):
		writeError(w, http.StatusBadRequest, "subscription is not active")

	case errors.Is(err, billing.ErrTierNotAvailable):
		writeError(w, http.StatusBadRequest, "tier is not available")

	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, gateway.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")

	default:
		m.log.ErrorContext(r.Context(), "billing request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// amountJSON renders Money as {"amount":"10.50","currency":"USD"}.
type amountJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toAmountJSON(m money.Money) amountJSON {
	return amountJSON{Amount: m.String(), Currency: m.Currency}
}
