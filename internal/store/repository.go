/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the wallet-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/shopspring/decimal: Monetary amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/shopspring/decimal"
)

// MovementParams describes one atomic balance movement (credit or debit).
type MovementParams struct {
	WalletID      uuid.UUID
	Amount        decimal.Decimal
	Kind          string
	Label         string
	PaymentMethod string
	// ExternalID is the caller idempotency key; the repository generates one
	// for synchronous movements when the caller has none.
	ExternalID string
	Linked     *domain.LinkedRef
}

// PendingParams describes a transaction created in the pending state, whose
// settlement depends on a not-yet-confirmed external event.
type PendingParams struct {
	WalletID      uuid.UUID
	Amount        decimal.Decimal
	Kind          string
	Label         string
	PaymentMethod string
	ExternalID    string
	Linked        *domain.LinkedRef
}

// Repository defines the set of methods for interacting with the database.
//
// Every method that moves money runs inside a single database transaction that
// row-locks the wallet, so there is never a partial write of "balance changed
// but log row missing" or vice versa.
type Repository interface {
	// Wallet methods
	GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error)
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	FindWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)

	// Ledger primitives
	CreditWallet(ctx context.Context, params MovementParams) (*domain.Transaction, error)
	DebitWallet(ctx context.Context, params MovementParams) (*domain.Transaction, error)

	// CreatePendingTransaction inserts a pending row with no balance effect.
	// A retry with an already-used ExternalID returns the existing row and
	// created=false instead of a duplicate.
	CreatePendingTransaction(ctx context.Context, params PendingParams) (tx *domain.Transaction, created bool, err error)

	// CreatePendingDebit inserts a pending row AND applies its debit in the
	// same database transaction. Used for withdrawals, where funds must leave
	// the spendable balance before the gateway leg runs. Idempotent on
	// ExternalID like CreatePendingTransaction.
	CreatePendingDebit(ctx context.Context, params PendingParams) (tx *domain.Transaction, created bool, err error)

	AttachGatewayReference(ctx context.Context, txID uuid.UUID, reference string) error

	// SettleTransaction is the only path that moves a row out of `pending`.
	// The status change is a conditional update (WHERE status='pending'); when
	// it affects zero rows the transaction was already settled by a concurrent
	// caller and the current terminal row is returned with settledNow=false.
	// On a success outcome for a crediting kind, the balance credit is applied
	// in the same database transaction as the status flip.
	SettleTransaction(ctx context.Context, txID uuid.UUID, outcome string, failureReason *string) (tx *domain.Transaction, settledNow bool, err error)

	// Lookups
	FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionsByWalletID(ctx context.Context, walletID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error)

	// ReleaseEscrowHold resolves an escrow hold exactly once: a compare-and-swap
	// on the hold's released flag, then (only if this caller won the swap) a
	// credit of the held amount to creditWalletID, all in one database
	// transaction. A lost swap returns releasedNow=false and no credit row.
	ReleaseEscrowHold(ctx context.Context, holdID uuid.UUID, creditWalletID uuid.UUID, creditKind string, label string) (credit *domain.Transaction, releasedNow bool, err error)

	// UpdateTransactionFailureReason records non-financial metadata; the only
	// mutation permitted on a terminal row.
	UpdateTransactionFailureReason(ctx context.Context, txID uuid.UUID, reason string) error
}
