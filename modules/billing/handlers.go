package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fanward/fanward/pkg/billing"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/money"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

const signatureHeader = "stripe-signature"

// handleWebhook feeds the raw body and signature to the processor.
// Handler failures return 5xx on purpose: the gateway redelivers, and
// the processed-event table makes the retry safe.
func (m *Module) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	err = m.processor.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, gateway.ErrInvalidSignature), errors.Is(err, gateway.ErrMalformedEvent),
		errors.Is(err, billing.ErrMissingMetadata):
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
	default:
		m.writeDomainError(w, r, err)
	}
}

type createCheckoutRequest struct {
	TierID   string      `json:"tierId"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

func (m *Module) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	p, ok := m.requireRole(w, r, RoleFan)
	if !ok {
		return
	}

	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tierID, err := uuid.Parse(req.TierID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tierId")
		return
	}
	amount, err := money.Parse(req.Amount.String(), req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	session, err := m.engine.CreateCheckout(r.Context(), billing.CheckoutParams{
		FanID:    p.UserID,
		FanEmail: p.Email,
		TierID:   tierID,
		Amount:   amount,
	})
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkoutUrl": session.URL})
}

type cycleInfoResponse struct {
	SubscriptionID     string     `json:"subscriptionId"`
	Status             string     `json:"status"`
	TierName           string     `json:"tierName"`
	Amount             amountJSON `json:"amount"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	NextBillingDate    time.Time  `json:"nextBillingDate"`
	DaysInPeriod       int        `json:"daysInCurrentPeriod"`
	DaysRemaining      int        `json:"daysRemaining"`
}

func (m *Module) handleCycleQuery(w http.ResponseWriter, r *http.Request) {
	p, ok := m.requirePrincipal(w, r)
	if !ok {
		return
	}

	action := r.URL.Query().Get("action")
	if action == "" {
		action = "info"
	}

	switch action {
	case "info":
		m.cycleInfo(w, r, p)
	case "upcoming":
		if p.Role != RoleArtist {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		m.cycleUpcoming(w, r, p)
	case "stats":
		if p.Role != RoleArtist {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		m.cycleStats(w, r)
	case "summary":
		if p.Role != RoleArtist {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		m.cycleSummary(w, r, p)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (m *Module) cycleInfo(w http.ResponseWriter, r *http.Request, p *Principal) {
	subscriptionID, err := uuid.Parse(r.URL.Query().Get("subscriptionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscriptionId")
		return
	}

	fanID := p.UserID
	if p.Role == RoleArtist {
		fanID = uuid.Nil
	}
	info, err := m.engine.BillingCycleInfo(r.Context(), fanID, subscriptionID)
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	// Artists may only inspect their own subscribers.
	if p.Role == RoleArtist && info.Subscription.ArtistID != p.UserID {
		writeError(w, http.StatusForbidden, "subscription belongs to a different artist")
		return
	}

	writeJSON(w, http.StatusOK, cycleInfoResponse{
		SubscriptionID:     info.Subscription.ID.String(),
		Status:             string(info.Subscription.Status),
		TierName:           info.TierName,
		Amount:             toAmountJSON(info.NextAmount),
		CurrentPeriodStart: info.Subscription.CurrentPeriodStart,
		CurrentPeriodEnd:   info.Subscription.CurrentPeriodEnd,
		NextBillingDate:    info.NextBillingAt,
		DaysInPeriod:       info.DaysInPeriod,
		DaysRemaining:      info.DaysRemaining,
	})
}

type upcomingInvoiceResponse struct {
	SubscriptionID string     `json:"subscriptionId"`
	FanID          string     `json:"fanId"`
	Amount         amountJSON `json:"amount"`
	NetAmount      amountJSON `json:"netAmount"`
	DueAt          time.Time  `json:"dueAt"`
}

func (m *Module) cycleUpcoming(w http.ResponseWriter, r *http.Request, p *Principal) {
	invoices, err := m.engine.UpcomingInvoices(r.Context(), p.UserID)
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	out := make([]upcomingInvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, upcomingInvoiceResponse{
			SubscriptionID: inv.SubscriptionID.String(),
			FanID:          inv.FanID.String(),
			Amount:         toAmountJSON(inv.Amount),
			NetAmount:      toAmountJSON(inv.NetAmount),
			DueAt:          inv.DueAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (m *Module) cycleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := m.engine.Stats(r.Context())
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSubscriptions": stats.ActiveSubscriptions,
		"upcomingRenewals":    stats.UpcomingRenewals,
		"failedPayments":      stats.FailedPayments,
		"monthlyRevenue":      toAmountJSON(stats.MonthlyRevenue),
	})
}

func (m *Module) cycleSummary(w http.ResponseWriter, r *http.Request, p *Principal) {
	summary, err := m.engine.Summary(r.Context(), p.UserID)
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalSubscribers": summary.TotalSubscribers,
		"totalEarnings":    toAmountJSON(summary.TotalEarnings),
		"upcomingInvoices": summary.UpcomingInvoices,
		"projectedRevenue": toAmountJSON(summary.ProjectedRevenue),
	})
}

type cycleActionRequest struct {
	Action string `json:"action"`
}

func (m *Module) handleCycleAction(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.requireRole(w, r, RoleArtist); !ok {
		return
	}

	var req cycleActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "process-renewals":
		summary, err := m.engine.ProcessRenewals(r.Context())
		if err != nil {
			m.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"processed": summary.Processed,
			"renewed":   summary.Renewed,
			"pastDue":   summary.PastDue,
			"canceled":  summary.Canceled,
			"skipped":   summary.Skipped,
		})
	case "process-retries":
		summary, err := m.engine.ProcessFailedPaymentRetries(r.Context())
		if err != nil {
			m.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"processed":   summary.Processed,
			"recovered":   summary.Recovered,
			"rescheduled": summary.Rescheduled,
			"canceled":    summary.Canceled,
			"skipped":     summary.Skipped,
		})
	case "send-reminders":
		sent, err := m.engine.SendReminders(r.Context())
		if err != nil {
			m.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
	case "process-scheduled-changes":
		applied, err := m.engine.ProcessScheduledTierChanges(r.Context())
		if err != nil {
			m.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
	case "sync-invoices":
		synced, err := m.engine.SyncInvoices(r.Context())
		if err != nil {
			m.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"synced": synced})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (m *Module) handleProrationPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := m.requireRole(w, r, RoleFan)
	if !ok {
		return
	}
	subscriptionID, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	newTierID, err := uuid.Parse(r.URL.Query().Get("newTierId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid newTierId")
		return
	}
	newAmount, err := money.Parse(r.URL.Query().Get("newAmount"), r.URL.Query().Get("currency"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid newAmount")
		return
	}

	preview, err := m.engine.CalculateTierChangeProration(r.Context(), p.UserID, subscriptionID, newTierID, newAmount)
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currentAmount":   toAmountJSON(preview.CurrentAmount),
		"newAmount":       toAmountJSON(preview.NewAmount),
		"prorationCharge": toAmountJSON(preview.Charge),
		"prorationCredit": toAmountJSON(preview.Credit),
		"prorationAmount": toAmountJSON(preview.Net),
		"daysRemaining":   preview.DaysRemaining,
		"daysInPeriod":    preview.DaysInPeriod,
	})
}

type changeTierRequest struct {
	NewTierID     string      `json:"newTierId"`
	NewAmount     json.Number `json:"newAmount"`
	Currency      string      `json:"currency"`
	EffectiveDate string      `json:"effectiveDate"` // "now" (default) or "next_cycle"
}

func (m *Module) handleChangeTier(w http.ResponseWriter, r *http.Request) {
	p, ok := m.requireRole(w, r, RoleFan)
	if !ok {
		return
	}
	subscriptionID, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	var req changeTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	newTierID, err := uuid.Parse(req.NewTierID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid newTierId")
		return
	}
	newAmount, err := money.Parse(req.NewAmount.String(), req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid newAmount")
		return
	}

	immediate := true
	switch req.EffectiveDate {
	case "", "now":
	case "next_cycle", "next-cycle":
		immediate = false
	default:
		writeError(w, http.StatusBadRequest, "invalid effectiveDate")
		return
	}

	result, err := m.engine.ChangeTier(r.Context(), billing.ChangeTierParams{
		FanID:          p.UserID,
		SubscriptionID: subscriptionID,
		NewTierID:      newTierID,
		NewAmount:      newAmount,
		Immediate:      immediate,
	})
	if err != nil {
		m.writeDomainError(w, r, err)
		return
	}

	if result.Applied {
		writeJSON(w, http.StatusOK, map[string]any{
			"applied":         true,
			"prorationAmount": toAmountJSON(result.Proration),
			"invoiceId":       result.InvoiceID,
			"effectiveDate":   "now",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":       false,
		"scheduledDate": result.ScheduledAt,
	})
}
