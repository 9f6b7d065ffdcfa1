/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for wallets and the transaction ledger, including
 * the two primitives the rest of the service leans on for correctness:
 *
 * - per-wallet serialization: every balance movement runs in one database
 *   transaction that takes `SELECT ... FOR UPDATE` on the wallet row, reads the
 *   balance, writes the new balance, and inserts the ledger row together;
 * - settle-once: moving a ledger row out of `pending` is a conditional
 *   `UPDATE ... WHERE status='pending'`, so of any number of racing callers
 *   exactly one observes the transition and all others read the settled row.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact monetary arithmetic.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletInactive      = errors.New("wallet is not active")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotEscrowHold       = errors.New("transaction is not an escrow hold")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidOutcome      = errors.New("settlement outcome must be success or failed")
)

const transactionColumns = `
	id, wallet_id, user_id, kind, amount, balance_before, balance_after,
	label, payment_method, external_id, gateway_reference, status,
	failure_reason, linked_type, linked_id, released, released_at,
	created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.WalletID,
		&tx.UserID,
		&tx.Kind,
		&tx.Amount,
		&tx.BalanceBefore,
		&tx.BalanceAfter,
		&tx.Label,
		&tx.PaymentMethod,
		&tx.ExternalID,
		&tx.GatewayReference,
		&tx.Status,
		&tx.FailureReason,
		&tx.LinkedType,
		&tx.LinkedID,
		&tx.Released,
		&tx.ReleasedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func linkedColumns(linked *domain.LinkedRef) (*string, *uuid.UUID) {
	if linked == nil {
		return nil, nil
	}
	return &linked.Type, &linked.ID
}

func ensureExternalID(externalID string) string {
	if externalID == "" {
		return uuid.NewString()
	}
	return externalID
}

// GetOrCreateWallet returns the user's wallet, creating it lazily on first
// access. The insert races safely: ON CONFLICT DO NOTHING plus a re-read.
func (r *PostgresRepository) GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	insert := `
		INSERT INTO wallets (id, user_id, balance, currency, is_active)
		VALUES ($1, $2, 0, $3, true)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, uuid.New(), userID, currency); err != nil {
		return nil, err
	}
	return r.FindWalletByUserID(ctx, userID)
}

// FindWalletByID retrieves a wallet by its primary key.
func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	return r.findWallet(ctx, `SELECT id, user_id, balance, currency, is_active, created_at, updated_at FROM wallets WHERE id = $1`, walletID)
}

// FindWalletByUserID retrieves a wallet by its owning user.
func (r *PostgresRepository) FindWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return r.findWallet(ctx, `SELECT id, user_id, balance, currency, is_active, created_at, updated_at FROM wallets WHERE user_id = $1`, userID)
}

func (r *PostgresRepository) findWallet(ctx context.Context, query string, arg any) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&wallet.ID, &wallet.UserID, &wallet.Balance, &wallet.Currency,
		&wallet.IsActive, &wallet.CreatedAt, &wallet.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// lockWallet takes the row-level exclusive lock that serializes concurrent
// mutations of one wallet, and returns its current state.
func lockWallet(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) (userID uuid.UUID, balance decimal.Decimal, isActive bool, err error) {
	err = tx.QueryRow(ctx,
		`SELECT user_id, balance, is_active FROM wallets WHERE id = $1 FOR UPDATE`,
		walletID,
	).Scan(&userID, &balance, &isActive)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrWalletNotFound
	}
	return userID, balance, isActive, err
}

// CreditWallet applies a synchronous credit: balance update and ledger row in
// one database transaction, serialized on the wallet row lock.
func (r *PostgresRepository) CreditWallet(ctx context.Context, params MovementParams) (*domain.Transaction, error) {
	return r.applyMovement(ctx, params, true)
}

// DebitWallet applies a synchronous debit. The balance check happens inside
// the same locked scope as the mutation, so two concurrent debits can never
// both pass the check against a stale balance.
func (r *PostgresRepository) DebitWallet(ctx context.Context, params MovementParams) (*domain.Transaction, error) {
	return r.applyMovement(ctx, params, false)
}

func (r *PostgresRepository) applyMovement(ctx context.Context, params MovementParams, crediting bool) (*domain.Transaction, error) {
	if !params.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	userID, balance, isActive, err := lockWallet(ctx, tx, params.WalletID)
	if err != nil {
		return nil, err
	}
	if !isActive {
		return nil, ErrWalletInactive
	}

	var newBalance decimal.Decimal
	if crediting {
		newBalance = balance.Add(params.Amount)
	} else {
		if balance.LessThan(params.Amount) {
			return nil, ErrInsufficientFunds
		}
		newBalance = balance.Sub(params.Amount)
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, params.WalletID); err != nil {
		return nil, err
	}

	linkedType, linkedID := linkedColumns(params.Linked)
	insert := `
		INSERT INTO transactions (
			id, wallet_id, user_id, kind, amount, balance_before, balance_after,
			label, payment_method, external_id, status, linked_type, linked_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + transactionColumns
	row, err := scanTransaction(tx.QueryRow(ctx, insert,
		uuid.New(),
		params.WalletID,
		userID,
		params.Kind,
		params.Amount,
		balance,
		newBalance,
		params.Label,
		params.PaymentMethod,
		ensureExternalID(params.ExternalID),
		domain.StatusSuccess,
		linkedType,
		linkedID,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

// CreatePendingTransaction inserts a pending ledger row with no balance
// effect. The external_id unique index makes retries collapse onto the first
// insert; the existing row is returned instead of an error.
func (r *PostgresRepository) CreatePendingTransaction(ctx context.Context, params PendingParams) (*domain.Transaction, bool, error) {
	if !params.Amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	if params.ExternalID == "" {
		return nil, false, errors.New("external id is required for pending transactions")
	}

	wallet, err := r.FindWalletByID(ctx, params.WalletID)
	if err != nil {
		return nil, false, err
	}
	if !wallet.IsActive {
		return nil, false, ErrWalletInactive
	}

	linkedType, linkedID := linkedColumns(params.Linked)
	insert := `
		INSERT INTO transactions (
			id, wallet_id, user_id, kind, amount, label, payment_method,
			external_id, status, linked_type, linked_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING ` + transactionColumns
	row, err := scanTransaction(r.db.QueryRow(ctx, insert,
		uuid.New(),
		wallet.ID,
		wallet.UserID,
		params.Kind,
		params.Amount,
		params.Label,
		params.PaymentMethod,
		params.ExternalID,
		domain.StatusPending,
		linkedType,
		linkedID,
	))
	if err == nil {
		return row, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.FindTransactionByExternalID(ctx, params.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CreatePendingDebit inserts a pending row and applies its debit atomically.
// Withdrawals use this so the funds leave the spendable balance before any
// gateway call, and the gateway leg never runs under the wallet lock.
func (r *PostgresRepository) CreatePendingDebit(ctx context.Context, params PendingParams) (*domain.Transaction, bool, error) {
	if !params.Amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	if params.ExternalID == "" {
		return nil, false, errors.New("external id is required for pending transactions")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	userID, balance, isActive, err := lockWallet(ctx, tx, params.WalletID)
	if err != nil {
		return nil, false, err
	}
	if !isActive {
		return nil, false, ErrWalletInactive
	}
	if balance.LessThan(params.Amount) {
		return nil, false, ErrInsufficientFunds
	}
	newBalance := balance.Sub(params.Amount)

	linkedType, linkedID := linkedColumns(params.Linked)
	insert := `
		INSERT INTO transactions (
			id, wallet_id, user_id, kind, amount, balance_before, balance_after,
			label, payment_method, external_id, status, linked_type, linked_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING ` + transactionColumns
	row, err := scanTransaction(tx.QueryRow(ctx, insert,
		uuid.New(),
		params.WalletID,
		userID,
		params.Kind,
		params.Amount,
		balance,
		newBalance,
		params.Label,
		params.PaymentMethod,
		params.ExternalID,
		domain.StatusPending,
		linkedType,
		linkedID,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
		// Conflict on external_id: a retry of an already-created withdrawal.
		// Roll back the lock without touching the balance and return the
		// original row.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, false, rbErr
		}
		existing, findErr := r.FindTransactionByExternalID(ctx, params.ExternalID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, params.WalletID); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// AttachGatewayReference records the provider-assigned id used for later
// correlation of webhook and poll confirmations.
func (r *PostgresRepository) AttachGatewayReference(ctx context.Context, txID uuid.UUID, reference string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE transactions SET gateway_reference = $2, updated_at = NOW() WHERE id = $1`,
		txID, reference,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SettleTransaction flips a pending row to a terminal status and, for a
// successful crediting kind, applies the balance effect in the same database
// transaction. A zero-row conditional update means a concurrent caller won the
// race; that is a designed no-op, not an error.
func (r *PostgresRepository) SettleTransaction(ctx context.Context, txID uuid.UUID, outcome string, failureReason *string) (*domain.Transaction, bool, error) {
	if outcome != domain.StatusSuccess && outcome != domain.StatusFailed {
		return nil, false, ErrInvalidOutcome
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE transactions
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + transactionColumns
	settled, err := scanTransaction(tx.QueryRow(ctx, update, txID, outcome, failureReason))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
		// Already settled (or unknown). Release the transaction and read the
		// current row to report the no-op.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, false, rbErr
		}
		current, findErr := r.FindTransactionByID(ctx, txID)
		if findErr != nil {
			return nil, false, findErr
		}
		return current, false, nil
	}

	if outcome == domain.StatusSuccess && domain.IsCreditingKind(settled.Kind) && settled.BalanceBefore == nil {
		_, balance, _, lockErr := lockWallet(ctx, tx, settled.WalletID)
		if lockErr != nil {
			return nil, false, lockErr
		}
		newBalance := balance.Add(settled.Amount)

		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, settled.WalletID); err != nil {
			return nil, false, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET balance_before = $2, balance_after = $3 WHERE id = $1`,
			settled.ID, balance, newBalance,
		); err != nil {
			return nil, false, err
		}
		settled.BalanceBefore = &balance
		settled.BalanceAfter = &newBalance
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return settled, true, nil
}

// FindTransactionByID retrieves a ledger row by primary key.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	return r.findTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, txID)
}

// FindTransactionByExternalID retrieves a ledger row by its idempotency key.
func (r *PostgresRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID)
}

// FindTransactionByGatewayReference retrieves a ledger row by the provider-assigned id.
func (r *PostgresRepository) FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE gateway_reference = $1`, reference)
}

func (r *PostgresRepository) findTransaction(ctx context.Context, query string, arg any) (*domain.Transaction, error) {
	row, err := scanTransaction(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return row, nil
}

// FindTransactionsByWalletID retrieves a wallet's ledger rows, newest first.
func (r *PostgresRepository) FindTransactionsByWalletID(ctx context.Context, walletID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE wallet_id = $1`
	args := []interface{}{walletID}
	argPos := 2
	if opts.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argPos)
		args = append(args, opts.Kind)
		argPos++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, opts.Status)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// ReleaseEscrowHold resolves a hold exactly once. The released flag acts as
// the compare-and-swap arbiter: whichever caller flips false->true performs
// the credit; everyone else observes releasedNow=false and no balance effect.
func (r *PostgresRepository) ReleaseEscrowHold(ctx context.Context, holdID uuid.UUID, creditWalletID uuid.UUID, creditKind string, label string) (*domain.Transaction, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var amount decimal.Decimal
	err = tx.QueryRow(ctx, `
		UPDATE transactions
		SET released = true, released_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND kind = 'escrow' AND status = 'success' AND released = false
		RETURNING amount
	`, holdID).Scan(&amount)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, false, rbErr
		}
		hold, findErr := r.FindTransactionByID(ctx, holdID)
		if findErr != nil {
			return nil, false, findErr
		}
		if hold.Kind != domain.KindEscrow {
			return nil, false, ErrNotEscrowHold
		}
		// Already resolved by a concurrent caller: safe no-op.
		return nil, false, nil
	}

	creditUserID, balance, _, err := lockWallet(ctx, tx, creditWalletID)
	if err != nil {
		return nil, false, err
	}
	newBalance := balance.Add(amount)

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, creditWalletID); err != nil {
		return nil, false, err
	}

	linkedType := domain.LinkedEscrowHold
	insert := `
		INSERT INTO transactions (
			id, wallet_id, user_id, kind, amount, balance_before, balance_after,
			label, external_id, status, linked_type, linked_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + transactionColumns
	credit, err := scanTransaction(tx.QueryRow(ctx, insert,
		uuid.New(),
		creditWalletID,
		creditUserID,
		creditKind,
		amount,
		balance,
		newBalance,
		label,
		uuid.NewString(),
		domain.StatusSuccess,
		linkedType,
		holdID,
	))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return credit, true, nil
}

// UpdateTransactionFailureReason records non-financial metadata on a row.
func (r *PostgresRepository) UpdateTransactionFailureReason(ctx context.Context, txID uuid.UUID, reason string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE transactions SET failure_reason = $2, updated_at = NOW() WHERE id = $1`,
		txID, reason,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
