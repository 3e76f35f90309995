/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web and mobile clients
  5. Auth:       Bearer token on everything under /api

ROUTE GROUPS:
  /healthz              Liveness + store ping (public)
  /api/quotes/*         Quote ledger
  /api/customers/*      Customers and the reconciled detail view
  /api/audit            Audit trail
  /api/scenarios/*      Demo data loaders

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/quotes", func(r chi.Router) {
			r.Get("/", h.ListQuotes)
			r.Post("/", h.CreateQuote)
			r.Get("/{id}", h.GetQuote)
			r.Patch("/{id}", h.UpdateQuote)
			r.Put("/{id}/status", h.UpdateQuoteStatus)
			r.Delete("/{id}", h.DeleteQuote)
		})

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Patch("/{id}", h.UpdateCustomer)
			r.Get("/{id}/quotes", h.CustomerQuotes)
		})

		r.Get("/audit", h.ListAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
