/**
 * @description
 * This file contains the HTTP handlers for the wallet-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: For gateway webhook signature validation.
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/app"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/safiri/wallet-service/pkg/gatewayclient"
	"github.com/shopspring/decimal"
)

// RateLimiter is the slice of the limiter the handlers use to cap
// money-movement endpoints per user.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitPolicy caps how many gateway-backed operations one user may start
// per window. Zero values disable the check.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

// WalletHandlers holds the application service that handlers will use.
type WalletHandlers struct {
	service       *app.Service
	rateLimiter   RateLimiter
	rateLimit     RateLimitPolicy
	webhookSecret string
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service, limiter RateLimiter, policy RateLimitPolicy, webhookSecret string) *WalletHandlers {
	return &WalletHandlers{
		service:       service,
		rateLimiter:   limiter,
		rateLimit:     policy,
		webhookSecret: webhookSecret,
	}
}

// movementResponse is sent back after a balance movement has been recorded.
type movementResponse struct {
	TransactionID    string           `json:"transaction_id"`
	Status           string           `json:"status"`
	Kind             string           `json:"kind"`
	Amount           string           `json:"amount"`
	Balance          *string          `json:"balance,omitempty"`
	ExternalID       string           `json:"external_id,omitempty"`
	GatewayReference *string          `json:"gateway_reference,omitempty"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	Message          string           `json:"message,omitempty"`
}

func buildMovementResponse(tx *domain.Transaction, message string) movementResponse {
	resp := movementResponse{
		TransactionID:    tx.ID.String(),
		Status:           tx.Status,
		Kind:             tx.Kind,
		Amount:           tx.Amount.String(),
		ExternalID:       tx.ExternalID,
		GatewayReference: tx.GatewayReference,
		FailureReason:    tx.FailureReason,
		Message:          message,
	}
	if tx.BalanceAfter != nil {
		balance := tx.BalanceAfter.String()
		resp.Balance = &balance
	}
	return resp
}

func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError translates service and store errors onto the HTTP surface.
func (h *WalletHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var gatewayErr *gatewayclient.ErrorResponse
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient wallet balance")
	case errors.Is(err, store.ErrWalletInactive):
		h.writeError(w, http.StatusForbidden, "Wallet is not active")
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found")
	case errors.Is(err, store.ErrTransactionNotFound), errors.Is(err, app.ErrNotTransactionOwner):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, store.ErrNotEscrowHold):
		h.writeError(w, http.StatusConflict, "Transaction is not an escrow hold")
	case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, app.ErrUnknownPaymentKind):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gatewayclient.ErrUnavailable):
		h.writeError(w, http.StatusBadGateway, "Payment gateway is unavailable, please retry")
	case errors.As(err, &gatewayErr):
		h.writeError(w, http.StatusUnprocessableEntity, gatewayErr.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *WalletHandlers) authenticatedUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

// allowMoneyMovement applies the per-user rate limit to gateway-backed endpoints.
func (h *WalletHandlers) allowMoneyMovement(w http.ResponseWriter, r *http.Request, scope string, userID uuid.UUID) bool {
	if h.rateLimiter == nil || h.rateLimit.Limit <= 0 {
		return true
	}
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, userID.String(), h.rateLimit.Limit, h.rateLimit.Window)
	if err != nil {
		// Fail open: a limiter outage must not block money movement.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable, allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if count > h.rateLimit.Limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests, please slow down")
		return false
	}
	return true
}

// GetBalanceHandler returns the caller's wallet balance.
func (h *WalletHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}

	wallet, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance.String(),
		"currency":  wallet.Currency,
		"is_active": wallet.IsActive,
	})
}

// ListTransactionsHandler returns the caller's ledger history, newest first.
func (h *WalletHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}

	opts := domain.TransactionListOptions{
		Kind:   r.URL.Query().Get("kind"),
		Status: r.URL.Query().Get("status"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		opts.Limit, _ = strconv.Atoi(limit)
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		opts.Offset, _ = strconv.Atoi(offset)
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

// GetTransactionHandler returns a single ledger row owned by the caller.
func (h *WalletHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), userID, txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// InitiateRechargeHandler starts a gateway-backed wallet top-up.
func (h *WalletHandlers) InitiateRechargeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}
	if !h.allowMoneyMovement(w, r, "recharge", userID) {
		return
	}

	var req domain.RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}

	tx, err := h.service.InitiateRecharge(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildMovementResponse(tx, "Recharge initiated; awaiting gateway confirmation"))
}

// PollRechargeHandler is the poll channel: the client asks where its pending
// payment stands, and the service reconciles against the gateway on the way.
func (h *WalletHandlers) PollRechargeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	view, err := h.service.PollTransaction(r.Context(), userID, txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// InitiateTransferHandler starts a wallet-to-external withdrawal.
func (h *WalletHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(w, r)
	if !ok {
		return
	}
	if !h.allowMoneyMovement(w, r, "withdrawal", userID) {
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}
	if req.PayeeHandle == "" {
		h.writeError(w, http.StatusBadRequest, "payee_handle is required")
		return
	}

	tx, err := h.service.InitiateWithdrawal(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, buildMovementResponse(tx, "Withdrawal initiated; awaiting gateway confirmation"))
}

// DebitWalletHandler applies an internal synchronous debit (booking fares,
// subscription charges). Guarded by the internal API key.
func (h *WalletHandlers) DebitWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}

	tx, err := h.service.DebitUserWallet(r.Context(), req.UserID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildMovementResponse(tx, "Wallet debited"))
}

type internalCreditRequest struct {
	UserID     uuid.UUID         `json:"user_id"`
	Amount     string            `json:"amount"`
	Kind       string            `json:"kind"`
	Label      string            `json:"label"`
	ExternalID string            `json:"external_id,omitempty"`
	Linked     *domain.LinkedRef `json:"linked,omitempty"`
}

// CreditWalletHandler applies an internal credit (support adjustments,
// promotional top-ups). Guarded by the internal API key.
func (h *WalletHandlers) CreditWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req internalCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	amount, err := decimalFromString(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.KindRefund
	}

	tx, err := h.service.CreditUserWallet(r.Context(), req.UserID, amount, req.Kind, req.Label, req.ExternalID, req.Linked)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildMovementResponse(tx, "Wallet credited"))
}

// HoldEscrowHandler withholds payer funds pending a triggering event.
func (h *WalletHandlers) HoldEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.EscrowHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PayerUserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "payer_user_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "Amount must be greater than zero")
		return
	}

	hold, err := h.service.HoldEscrow(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildMovementResponse(hold, "Funds held in escrow"))
}

// ReleaseEscrowHandler pays a held amount out to the payee.
func (h *WalletHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid escrow hold id")
		return
	}
	var req domain.EscrowReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PayeeUserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "payee_user_id is required")
		return
	}

	credit, err := h.service.ReleaseEscrow(r.Context(), holdID, req)
	if err != nil {
		h.writeEscrowResolutionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildMovementResponse(credit, "Escrow released to payee"))
}

// RefundEscrowHandler returns a held amount to the payer.
func (h *WalletHandlers) RefundEscrowHandler(w http.ResponseWriter, r *http.Request) {
	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid escrow hold id")
		return
	}

	credit, err := h.service.RefundEscrow(r.Context(), holdID)
	if err != nil {
		h.writeEscrowResolutionError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildMovementResponse(credit, "Escrow refunded to payer"))
}

// writeEscrowResolutionError treats duplicate resolution as a safe no-op.
func (h *WalletHandlers) writeEscrowResolutionError(w http.ResponseWriter, err error) {
	if errors.Is(err, app.ErrEscrowAlreadyResolved) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}
	h.writeServiceError(w, err)
}

// GatewayWebhookHandler is the webhook channel for gateway confirmations. The
// payload signature is verified before anything is parsed or acted on.
func (h *WalletHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Gateway-Signature"), body) {
		log.Printf("level=warn component=api msg=\"webhook signature validation failed\" remote=%s", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var payload domain.GatewayWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	tx, err := h.service.HandleGatewayWebhook(r.Context(), payload)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Unknown transaction")
			return
		}
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": tx.ID.String(),
		"status":         tx.Status,
	})
}

func decimalFromString(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be greater than zero")
	}
	return amount, nil
}

// isValidSignature validates the hex-encoded HMAC-SHA256 signature of the webhook body.
func (h *WalletHandlers) isValidSignature(signatureHeader string, body []byte) bool {
	if h.webhookSecret == "" {
		log.Printf("level=warn component=api msg=\"webhook secret is not set, skipping signature validation\"")
		return true
	}
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
