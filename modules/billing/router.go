// Package billing exposes the billing core over HTTP: the gateway
// webhook sink, checkout creation, billing-cycle queries and actions,
// and fan tier changes.
package billing

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fanward/fanward/pkg/billing"
)

// Module bundles the HTTP handlers around the billing engine and
// webhook processor.
type Module struct {
	engine    *billing.Engine
	processor *billing.Processor
	log       *slog.Logger
}

// New creates the billing HTTP module.
func New(engine *billing.Engine, processor *billing.Processor, log *slog.Logger) *Module {
	return &Module{engine: engine, processor: processor, log: log}
}

// Router mounts the billing endpoints. The webhook route is
// unauthenticated (signature-verified instead); everything else
// requires a principal established by the upstream auth proxy.
func (m *Module) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(withPrincipal)

	r.Post("/payments/webhooks", m.handleWebhook)
	r.Post("/payments/create-checkout", m.handleCreateCheckout)

	r.Route("/billing/cycle", func(r chi.Router) {
		r.Get("/", m.handleCycleQuery)
		r.Post("/", m.handleCycleAction)
	})

	r.Route("/fan/subscriptions/{subscriptionID}/change-tier", func(r chi.Router) {
		r.Get("/", m.handleProrationPreview)
		r.Post("/", m.handleChangeTier)
	})

	return r
}

// requirePrincipal returns the caller or writes a 401.
func (m *Module) requirePrincipal(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return p, true
}

// requireRole returns the caller if it has the given role, else 401/403.
func (m *Module) requireRole(w http.ResponseWriter, r *http.Request, role Role) (*Principal, bool) {
	p, ok := m.requirePrincipal(w, r)
	if !ok {
		return nil, false
	}
	if p.Role != role {
		writeError(w, http.StatusForbidden, "insufficient role")
		return nil, false
	}
	return p, true
}
