/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the checkout frontend

ROUTE GROUPS:
  /api/payments/webhook   Payment provider callback
  /api/checkout/verify    Client verification poll
  /api/accounts/*         Balance reads
  /api/carts/*            Cart reads
  /api/health             Liveness

SECURITY NOTE:
  No authentication middleware here; webhook signature verification and
  user auth are handled upstream of this subsystem.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Trigger adapters: both call the same grant service
		r.Post("/payments/webhook", h.PaymentWebhook)
		r.Post("/checkout/verify", h.VerifyCheckout)

		// Read adapters
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
		})
		r.Route("/carts", func(r chi.Router) {
			r.Get("/{id}", h.GetCart)
		})
	})

	return r
}
