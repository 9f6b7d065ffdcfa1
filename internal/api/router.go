/**
 * @description
 * This file sets up the HTTP router for the wallet-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WalletRoutes creates and returns a new router for the wallet service.
func WalletRoutes(h *WalletHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway webhook: authenticated by HMAC signature, not JWT.
	r.Post("/wallet/webhooks/gateway", h.GatewayWebhookHandler)

	// User-facing endpoints require a valid JWT.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Get("/wallet/balance", h.GetBalanceHandler)
		r.Get("/wallet/transactions", h.ListTransactionsHandler)
		r.Get("/wallet/transactions/{id}", h.GetTransactionHandler)

		r.Post("/wallet/recharges", h.InitiateRechargeHandler)
		r.Get("/wallet/recharges/{id}", h.PollRechargeHandler)
		r.Post("/wallet/transfers", h.InitiateTransferHandler)
	})

	// Service-to-service endpoints require the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/wallet/debits", h.DebitWalletHandler)
		r.Post("/wallet/credits", h.CreditWalletHandler)
		r.Post("/wallet/escrows", h.HoldEscrowHandler)
		r.Post("/wallet/escrows/{id}/release", h.ReleaseEscrowHandler)
		r.Post("/wallet/escrows/{id}/refund", h.RefundEscrowHandler)
	})

	return r
}
