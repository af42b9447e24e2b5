/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the CRM frontend

ROUTE GROUPS:
  /api/leads/*          Inbound lead events
  /api/referrers/*      Balances, ledger, SSE
  /api/referrals/*      Referral creation and lookup
  /api/settings/*       Commission rates
  /api/admin/*          Failure queue
  /metrics              Prometheus
  /healthz              Liveness
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means the local dev frontends.
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/leads/{leadID}/status", h.LeadStatusChanged)

		r.Route("/referrers", func(r chi.Router) {
			r.Get("/", h.ListReferrers)
			r.Post("/", h.CreateReferrer)
			r.Get("/{id}", h.GetReferrer)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/referrals", h.ListReferrals)
			r.Get("/{id}/events", h.StreamBalanceEvents)
		})

		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.CreateReferral)
			r.Get("/{id}", h.GetReferral)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/commission", h.GetCommissionSettings)
			r.Put("/commission", h.UpdateCommissionSettings)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/dispatch-failures", h.ListDispatchFailures)
			r.Post("/dispatch-failures/retry", h.RetryDispatchFailures)
		})
	})

	return r
}
