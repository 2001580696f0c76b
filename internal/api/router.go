/**
 * @description
 * This file sets up the HTTP router for the billing-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// BillingRoutes creates and returns a new router for the billing service.
func BillingRoutes(h *BillingHandlers, webhook *WebhookHandler, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway webhooks authenticate with an HMAC signature, not a bearer token.
	r.Post("/payments/webhook", webhook.ServeHTTP)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		// Define the protected API endpoints.
		r.Post("/orders", h.CheckoutHandler)
		r.Get("/orders/{reference}", h.GetOrderHandler)
		r.Post("/orders/{reference}/probe", h.ProbeOrderHandler)
		r.Post("/orders/{reference}/cancel", h.CancelOrderHandler)
	})

	return r
}
