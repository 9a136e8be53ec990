package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corebilling "github.com/fanward/fanward/pkg/billing"
	"github.com/fanward/fanward/pkg/cache"
	"github.com/fanward/fanward/pkg/gateway"
	"github.com/fanward/fanward/pkg/ledger"
	"github.com/fanward/fanward/pkg/money"
	"github.com/fanward/fanward/pkg/notify"
)

// fakeGateway returns canned responses so handler tests exercise the
// HTTP surface without a payment provider.
type fakeGateway struct {
	event    *gateway.Event
	eventErr error
}

func (f *fakeGateway) CreateOrRetrieveCustomer(_ context.Context, email, _, _ string) (*gateway.Customer, error) {
	return &gateway.Customer{ID: "cus_1", Email: email}, nil
}

func (f *fakeGateway) CreateProduct(_ context.Context, name, _, _ string) (string, error) {
	return "prod_" + name, nil
}

func (f *fakeGateway) CreatePrice(_ context.Context, productID string, _ money.Money, _ string) (string, error) {
	return "price_" + productID, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, _ gateway.CheckoutSessionParams) (*gateway.CheckoutSession, error) {
	return &gateway.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

func (f *fakeGateway) RetrieveSubscription(_ context.Context, _ string) (*gateway.SubscriptionPayload, error) {
	return nil, gateway.ErrGateway
}

func (f *fakeGateway) UpdateSubscription(_ context.Context, externalID, _ string, _ gateway.ProrationBehavior) (*gateway.SubscriptionUpdate, error) {
	return &gateway.SubscriptionUpdate{SubscriptionID: externalID, Status: gateway.SubStatusActive, InvoiceID: "in_42"}, nil
}

func (f *fakeGateway) CancelSubscription(_ context.Context, _ string) error { return nil }

func (f *fakeGateway) PayInvoice(_ context.Context, _ string) (*gateway.InvoicePayment, error) {
	return nil, gateway.ErrNotSupported
}

func (f *fakeGateway) ConstructEvent(_ []byte, _ string) (*gateway.Event, error) {
	return f.event, f.eventErr
}

type moduleFixture struct {
	handler  http.Handler
	store    *ledger.MemoryStore
	gw       *fakeGateway
	artistID uuid.UUID
	tierID   uuid.UUID
	proTier  uuid.UUID
}

func newModuleFixture(t *testing.T) *moduleFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	artistID, tierID, proTier := uuid.New(), uuid.New(), uuid.New()
	store.SeedArtist(&ledger.Artist{
		ID: artistID, DisplayName: "Nova Vale", Email: "nova@example.com",
		TotalEarnings: money.New(0, "USD"),
	})
	store.SeedTier(&ledger.Tier{
		ID: tierID, ArtistID: artistID, Name: "Backstage",
		MinimumPrice: money.New(1000, "USD"), IsActive: true,
	})
	store.SeedTier(&ledger.Tier{
		ID: proTier, ArtistID: artistID, Name: "Studio",
		MinimumPrice: money.New(2000, "USD"), IsActive: true,
	})

	gw := &fakeGateway{}
	cfg := corebilling.Config{PlatformFeePercent: 5, ReminderWindow: 72 * time.Hour, BatchSize: 100}
	engine := corebilling.NewEngine(store, gw, cache.Noop{}, notify.Noop{}, log, cfg)
	processor := corebilling.NewProcessor(store, gw, cache.Noop{}, log, cfg)

	return &moduleFixture{
		handler:  New(engine, processor, log).Router(),
		store:    store,
		gw:       gw,
		artistID: artistID,
		tierID:   tierID,
		proTier:  proTier,
	}
}

func (f *moduleFixture) request(method, target string, body string, principal *Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if principal != nil {
		req.Header.Set(headerUserID, principal.UserID.String())
		req.Header.Set(headerUserRole, string(principal.Role))
		req.Header.Set(headerUserEmail, principal.Email)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *moduleFixture) seedSubscription(t *testing.T, fanID uuid.UUID) *ledger.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &ledger.Subscription{
		FanID: fanID, FanEmail: "fan@example.com", ArtistID: f.artistID, TierID: f.tierID,
		ExternalID: "sub_ext_1", Amount: money.New(1000, "USD"), Status: ledger.StatusActive,
		// The hour of padding keeps whole-day floors stable while the
		// test runs against the real clock.
		CurrentPeriodStart: now.AddDate(0, 0, -15),
		CurrentPeriodEnd:   now.AddDate(0, 0, 15).Add(time.Hour),
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestWebhookEndpoint(t *testing.T) {
	t.Run("invalid signature returns 400", func(t *testing.T) {
		f := newModuleFixture(t)
		f.gw.eventErr = gateway.ErrInvalidSignature

		rec := f.request(http.MethodPost, "/payments/webhooks", `{}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown event acknowledged", func(t *testing.T) {
		f := newModuleFixture(t)
		f.gw.event = &gateway.Event{ID: "evt_1", Type: gateway.EventUnknown}

		rec := f.request(http.MethodPost, "/payments/webhooks", `{}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]bool
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body["received"])
	})
}

func TestCreateCheckoutEndpoint(t *testing.T) {
	f := newModuleFixture(t)
	fan := &Principal{UserID: uuid.New(), Email: "fan@example.com", Role: RoleFan}

	t.Run("requires authentication", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/payments/create-checkout", `{}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("requires fan role", func(t *testing.T) {
		artist := &Principal{UserID: f.artistID, Role: RoleArtist}
		rec := f.request(http.MethodPost, "/payments/create-checkout", `{}`, artist)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("returns checkout url", func(t *testing.T) {
		body := `{"tierId":"` + f.tierID.String() + `","amount":"15.00"}`
		rec := f.request(http.MethodPost, "/payments/create-checkout", body, fan)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "https://checkout.test/cs_1", resp["checkoutUrl"])
	})

	t.Run("rejects amount below tier minimum", func(t *testing.T) {
		body := `{"tierId":"` + f.tierID.String() + `","amount":"5.00"}`
		rec := f.request(http.MethodPost, "/payments/create-checkout", body, fan)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCycleEndpointRoleGating(t *testing.T) {
	f := newModuleFixture(t)
	fan := &Principal{UserID: uuid.New(), Role: RoleFan}
	artist := &Principal{UserID: f.artistID, Role: RoleArtist}

	t.Run("stats is artist-only", func(t *testing.T) {
		rec := f.request(http.MethodGet, "/billing/cycle?action=stats", "", fan)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.request(http.MethodGet, "/billing/cycle?action=stats", "", artist)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("actions are artist-only", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/billing/cycle", `{"action":"send-reminders"}`, fan)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.request(http.MethodPost, "/billing/cycle", `{"action":"send-reminders"}`, artist)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]int
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Zero(t, resp["sent"])
	})

	t.Run("unknown action rejected", func(t *testing.T) {
		rec := f.request(http.MethodPost, "/billing/cycle", `{"action":"drop-tables"}`, artist)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCycleInfoEndpoint(t *testing.T) {
	f := newModuleFixture(t)
	fanID := uuid.New()
	sub := f.seedSubscription(t, fanID)
	fan := &Principal{UserID: fanID, Role: RoleFan}

	rec := f.request(http.MethodGet, "/billing/cycle?action=info&subscriptionId="+sub.ID.String(), "", fan)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Backstage", resp["tierName"])
	assert.EqualValues(t, 30, resp["daysInCurrentPeriod"])

	t.Run("other fans cannot read it", func(t *testing.T) {
		stranger := &Principal{UserID: uuid.New(), Role: RoleFan}
		rec := f.request(http.MethodGet, "/billing/cycle?action=info&subscriptionId="+sub.ID.String(), "", stranger)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestChangeTierEndpoint(t *testing.T) {
	f := newModuleFixture(t)
	fanID := uuid.New()
	sub := f.seedSubscription(t, fanID)
	fan := &Principal{UserID: fanID, Role: RoleFan}
	base := "/fan/subscriptions/" + sub.ID.String() + "/change-tier"

	t.Run("proration preview", func(t *testing.T) {
		rec := f.request(http.MethodGet,
			base+"?newTierId="+f.proTier.String()+"&newAmount=20.00", "", fan)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		net := resp["prorationAmount"].(map[string]any)
		assert.Equal(t, "5.00", net["amount"])
	})

	t.Run("cross-artist tier rejected with message", func(t *testing.T) {
		otherArtist, otherTier := uuid.New(), uuid.New()
		f.store.SeedArtist(&ledger.Artist{ID: otherArtist, DisplayName: "Rival", Email: "rival@example.com", TotalEarnings: money.New(0, "USD")})
		f.store.SeedTier(&ledger.Tier{ID: otherTier, ArtistID: otherArtist, Name: "Other", MinimumPrice: money.New(500, "USD"), IsActive: true})

		body := `{"newTierId":"` + otherTier.String() + `","newAmount":"20.00"}`
		rec := f.request(http.MethodPost, base, body, fan)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "different artist")
	})

	t.Run("scheduled change", func(t *testing.T) {
		body := `{"newTierId":"` + f.proTier.String() + `","newAmount":"20.00","effectiveDate":"next_cycle"}`
		rec := f.request(http.MethodPost, base, body, fan)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["applied"])
		assert.NotEmpty(t, resp["scheduledDate"])
	})

	t.Run("immediate change returns the proration invoice id", func(t *testing.T) {
		body := `{"newTierId":"` + f.proTier.String() + `","newAmount":"20.00"}`
		rec := f.request(http.MethodPost, base, body, fan)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["applied"])
		assert.Equal(t, "in_42", resp["invoiceId"])
	})
}

func TestChangeTierDegeneratePeriod(t *testing.T) {
	f := newModuleFixture(t)
	fanID := uuid.New()
	now := time.Now().UTC()
	sub := &ledger.Subscription{
		FanID: fanID, FanEmail: "fan@example.com", ArtistID: f.artistID, TierID: f.tierID,
		ExternalID: "sub_ext_degenerate", Amount: money.New(1000, "USD"), Status: ledger.StatusActive,
		CurrentPeriodStart: now, CurrentPeriodEnd: now,
	}
	require.NoError(t, f.store.CreateSubscription(context.Background(), sub))
	fan := &Principal{UserID: fanID, Role: RoleFan}

	// A period shorter than one day cannot be prorated; that is a
	// validation failure, not a server fault.
	rec := f.request(http.MethodGet,
		"/fan/subscriptions/"+sub.ID.String()+"/change-tier?newTierId="+f.proTier.String()+"&newAmount=20.00", "", fan)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid billing period")
}
