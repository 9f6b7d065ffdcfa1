/**
 * @description
 * This file defines the core domain models for the wallet-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Monetary values use shopspring/decimal so fixed-point arithmetic is exact;
 *   the wallets.balance and transactions.amount columns are NUMERIC in Postgres.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction kinds. Each balance movement is recorded under exactly one kind.
const (
	KindRecharge      = "recharge"
	KindDebit         = "debit"
	KindTransfer      = "transfer"
	KindRefund        = "refund"
	KindSubscription  = "subscription"
	KindEscrow        = "escrow"
	KindEscrowRelease = "escrow_release"
)

// Transaction statuses. A row leaves `pending` exactly once and never returns.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Linked entity types. The wallet-service only stores the reference; resolving
// it back to a booking or trip is the caller's job.
const (
	LinkedBooking      = "booking"
	LinkedTrip         = "trip"
	LinkedSubscription = "subscription"
	LinkedEscrowHold   = "escrow_hold"
	LinkedTransaction  = "transaction"
)

// IsCreditingKind reports whether a kind increases the wallet balance when applied.
func IsCreditingKind(kind string) bool {
	switch kind {
	case KindRecharge, KindRefund, KindEscrowRelease:
		return true
	default:
		return false
	}
}

// IsTerminalStatus reports whether a status is absorbing.
func IsTerminalStatus(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Wallet represents a user's internal cash wallet. One per user, created lazily
// on first access and mutated only through the store's atomic primitives.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LinkedRef is a tagged reference to the entity that caused a balance movement
// (booking, trip, subscription period, escrow hold). Traceability only.
type LinkedRef struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// Transaction is the immutable audit record of one balance change attempt.
// BalanceBefore/BalanceAfter stay nil until the row has an applied balance
// effect; once the status is terminal only FailureReason may still change.
type Transaction struct {
	ID               uuid.UUID        `json:"id"`
	WalletID         uuid.UUID        `json:"wallet_id"`
	UserID           uuid.UUID        `json:"user_id"`
	Kind             string           `json:"kind"`
	Amount           decimal.Decimal  `json:"amount"`
	BalanceBefore    *decimal.Decimal `json:"balance_before,omitempty"`
	BalanceAfter     *decimal.Decimal `json:"balance_after,omitempty"`
	Label            string           `json:"label"`
	PaymentMethod    string           `json:"payment_method,omitempty"`
	ExternalID       string           `json:"external_id"`
	GatewayReference *string          `json:"gateway_reference,omitempty"`
	Status           string           `json:"status"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	LinkedType       *string          `json:"linked_type,omitempty"`
	LinkedID         *uuid.UUID       `json:"linked_id,omitempty"`
	Released         bool             `json:"released,omitempty"`
	ReleasedAt       *time.Time       `json:"released_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Linked returns the transaction's linked entity reference, if any.
func (t *Transaction) Linked() *LinkedRef {
	if t.LinkedType == nil || t.LinkedID == nil {
		return nil
	}
	return &LinkedRef{Type: *t.LinkedType, ID: *t.LinkedID}
}

// RechargeRequest is the DTO for initiating a gateway-funded wallet recharge.
// ExternalID is the caller-generated idempotency key; retrying with the same
// key returns the original transaction instead of creating a second one.
type RechargeRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	PayerHandle   string          `json:"payer_handle"`
	ExternalID    string          `json:"external_id"`
	Label         string          `json:"label"`
}

// DebitRequest is the DTO used by booking collaborators for synchronous,
// gateway-free wallet debits.
type DebitRequest struct {
	UserID     uuid.UUID       `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Kind       string          `json:"kind,omitempty"`
	Label      string          `json:"label"`
	ExternalID string          `json:"external_id,omitempty"`
	Linked     *LinkedRef      `json:"linked,omitempty"`
}

// TransferRequest is the DTO for a wallet-to-external withdrawal.
type TransferRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	PayeeHandle   string          `json:"payee_handle"`
	ExternalID    string          `json:"external_id"`
	Label         string          `json:"label"`
}

// EscrowHoldRequest is the DTO for withholding payer funds pending a
// triggering event (e.g. the passenger boarding a trip).
type EscrowHoldRequest struct {
	PayerUserID uuid.UUID       `json:"payer_user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Label       string          `json:"label"`
	Linked      *LinkedRef      `json:"linked,omitempty"`
}

// EscrowReleaseRequest names the payee that receives a held amount.
type EscrowReleaseRequest struct {
	PayeeUserID uuid.UUID `json:"payee_user_id"`
	Label       string    `json:"label"`
}

// GatewayWebhookPayload is the confirmation pushed by the payment provider.
// Reference is the provider-assigned id, ExternalID our idempotency key; the
// provider is not guaranteed to send both.
type GatewayWebhookPayload struct {
	Status     string          `json:"status"`
	Reference  string          `json:"reference"`
	ExternalID string          `json:"externalId"`
	Amount     decimal.Decimal `json:"amount"`
}

// Normalized returns the payload with identifiers trimmed.
func (p GatewayWebhookPayload) Normalized() GatewayWebhookPayload {
	p.Status = strings.TrimSpace(p.Status)
	p.Reference = strings.TrimSpace(p.Reference)
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	return p
}

// TransactionStatusView is the poll-channel response: the transaction's current
// status plus, once terminal and successful, the wallet balance it produced.
type TransactionStatusView struct {
	TransactionID uuid.UUID        `json:"transaction_id"`
	Status        string           `json:"status"`
	Kind          string           `json:"kind"`
	Amount        decimal.Decimal  `json:"amount"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	FailureReason *string          `json:"failure_reason,omitempty"`
}

// TransactionListOptions controls pagination for wallet history queries.
type TransactionListOptions struct {
	Limit  int
	Offset int
	Kind   string
	Status string
}
