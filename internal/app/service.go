/**
 * @description
 * This file contains the core business logic for the wallet-service. The `Service`
 * struct orchestrates all balance movement operations, coordinating between the
 * database repository, the payment gateway client, and the message broker.
 *
 * Key features:
 * - Implements synchronous credits and debits against the internal ledger.
 * - Implements gateway-backed recharges (pending row first, charge second) and
 *   withdrawals (debit at initiation, compensating refund on failure).
 * - Publishes wallet events to RabbitMQ for asynchronous processing by other services.
 *
 * Gateway calls never run while a wallet row is locked: balance effects are
 * applied by the repository in their own short database transactions, before or
 * after the network leg.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - github.com/shopspring/decimal: Exact monetary arithmetic.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/safiri/wallet-service/pkg/gatewayclient"
	"github.com/safiri/wallet-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownPaymentKind is returned when a request names a kind the ledger does not accept.
	ErrUnknownPaymentKind = errors.New("unknown payment kind")
	// ErrNotTransactionOwner is returned when a caller queries a transaction belonging to another user.
	ErrNotTransactionOwner = errors.New("transaction does not belong to this user")
)

// Gateway is the subset of the payment gateway client the service depends on.
type Gateway interface {
	InitiateCharge(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.PaymentResponse, error)
	InitiatePayout(ctx context.Context, req gatewayclient.PayoutRequest) (*gatewayclient.PaymentResponse, error)
	GetPayment(ctx context.Context, reference string) (*gatewayclient.PaymentResponse, error)
}

// Service provides the core business logic for wallet operations.
type Service struct {
	repo          store.Repository
	gateway       Gateway
	eventProducer rabbitmq.Publisher
	currency      string
	callbackURL   string
	pendingTTL    time.Duration
}

// NewService creates a new wallet service instance.
func NewService(repo store.Repository, gateway Gateway, producer rabbitmq.Publisher, currency, callbackURL string, pendingTTL time.Duration) *Service {
	if pendingTTL <= 0 {
		pendingTTL = 10 * time.Minute
	}
	return &Service{
		repo:          repo,
		gateway:       gateway,
		eventProducer: producer,
		currency:      currency,
		callbackURL:   callbackURL,
		pendingTTL:    pendingTTL,
	}
}

// GetBalance returns the caller's wallet, creating it on first access.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	return s.repo.GetOrCreateWallet(ctx, userID, s.currency)
}

// ListTransactions returns the caller's ledger rows, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.Transaction, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return s.repo.FindTransactionsByWalletID(ctx, wallet.ID, opts)
}

// GetTransaction returns a single ledger row, enforcing ownership.
func (s *Service) GetTransaction(ctx context.Context, userID, txID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrNotTransactionOwner
	}
	return tx, nil
}

// CreditUserWallet applies an immediate credit to a user's wallet. Used by
// trusted internal callers (promotions, manual adjustments, refunds issued by
// support tooling).
func (s *Service) CreditUserWallet(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, kind, label, externalID string, linked *domain.LinkedRef) (*domain.Transaction, error) {
	if !domain.IsCreditingKind(kind) {
		return nil, ErrUnknownPaymentKind
	}
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	tx, err := s.repo.CreditWallet(ctx, store.MovementParams{
		WalletID:   wallet.ID,
		Amount:     amount,
		Kind:       kind,
		Label:      label,
		ExternalID: externalID,
		Linked:     linked,
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, tx)
	return tx, nil
}

// DebitUserWallet applies an immediate debit against a user's wallet; the
// internal-only endpoint for booking and subscription charges sits on top of
// this.
func (s *Service) DebitUserWallet(ctx context.Context, userID uuid.UUID, req domain.DebitRequest) (*domain.Transaction, error) {
	// 1. Validate the debit kind up front.
	switch req.Kind {
	case domain.KindDebit, domain.KindSubscription:
	case "":
		req.Kind = domain.KindDebit
	default:
		return nil, ErrUnknownPaymentKind
	}

	// 2. Load the wallet.
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	// 3. Apply the debit. Balance check and mutation happen under the wallet
	// row lock inside the repository.
	tx, err := s.repo.DebitWallet(ctx, store.MovementParams{
		WalletID:   wallet.ID,
		Amount:     req.Amount,
		Kind:       req.Kind,
		Label:      req.Label,
		ExternalID: req.ExternalID,
		Linked:     req.Linked,
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, tx)
	return tx, nil
}

// InitiateRecharge starts a gateway-backed wallet top-up. A pending ledger row
// is created first so the charge can always be correlated back, then the
// gateway is asked to collect the funds. The balance is only credited when the
// charge is confirmed via webhook, polling, or broker event.
func (s *Service) InitiateRecharge(ctx context.Context, userID uuid.UUID, req domain.RechargeRequest) (*domain.Transaction, error) {
	// 1. Load the wallet.
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	// 2. Create the pending row. The external id doubles as the idempotency
	// key: a retried request lands on the same row.
	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	pending, created, err := s.repo.CreatePendingTransaction(ctx, store.PendingParams{
		WalletID:      wallet.ID,
		Amount:        req.Amount,
		Kind:          domain.KindRecharge,
		Label:         req.Label,
		PaymentMethod: req.PaymentMethod,
		ExternalID:    externalID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		log.Printf("level=info component=wallet_service op=recharge msg=\"duplicate external id, returning existing transaction\" external_id=%s tx_id=%s status=%s", externalID, pending.ID, pending.Status)
		return pending, nil
	}

	// 3. Ask the gateway to collect the funds. This runs outside any wallet lock.
	charge, err := s.gateway.InitiateCharge(ctx, gatewayclient.ChargeRequest{
		PayerHandle: req.PayerHandle,
		Amount:      req.Amount.String(),
		Currency:    s.currency,
		ExternalID:  externalID,
		CallbackURL: s.callbackURL,
		Narration:   req.Label,
	})
	if err != nil {
		// The pending row carries no balance effect, so failing it closed is
		// safe. If the charge actually went through on the gateway side, the
		// settle-once guard means the later confirmation finds the row
		// already failed and does not credit; the gateway reconciliation
		// report catches that case.
		reason := err.Error()
		if _, _, settleErr := s.repo.SettleTransaction(ctx, pending.ID, domain.StatusFailed, &reason); settleErr != nil {
			log.Printf("level=error component=wallet_service op=recharge msg=\"failed to mark pending recharge as failed\" tx_id=%s err=%v", pending.ID, settleErr)
		}
		return nil, fmt.Errorf("failed to initiate gateway charge: %w", err)
	}

	// 4. Record the gateway's reference for webhook/poll correlation.
	if err := s.repo.AttachGatewayReference(ctx, pending.ID, charge.Reference); err != nil {
		log.Printf("level=error component=wallet_service op=recharge msg=\"failed to attach gateway reference\" tx_id=%s reference=%s err=%v", pending.ID, charge.Reference, err)
	} else {
		pending.GatewayReference = &charge.Reference
	}

	s.publishEvent(ctx, pending)
	return pending, nil
}

// InitiateWithdrawal starts a gateway-backed transfer out of the wallet. The
// debit is applied at initiation so the funds cannot be double-spent while the
// payout is in flight; a gateway failure triggers a compensating refund credit.
func (s *Service) InitiateWithdrawal(ctx context.Context, userID uuid.UUID, req domain.TransferRequest) (*domain.Transaction, error) {
	// 1. Load the wallet.
	wallet, err := s.repo.GetOrCreateWallet(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	// 2. Create the pending row with its debit applied atomically. An
	// insufficient balance is rejected here, before any gateway traffic.
	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	pending, created, err := s.repo.CreatePendingDebit(ctx, store.PendingParams{
		WalletID:      wallet.ID,
		Amount:        req.Amount,
		Kind:          domain.KindTransfer,
		Label:         req.Label,
		PaymentMethod: req.PaymentMethod,
		ExternalID:    externalID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		log.Printf("level=info component=wallet_service op=withdrawal msg=\"duplicate external id, returning existing transaction\" external_id=%s tx_id=%s status=%s", externalID, pending.ID, pending.Status)
		return pending, nil
	}

	// 3. Ask the gateway to push the funds out.
	payout, err := s.gateway.InitiatePayout(ctx, gatewayclient.PayoutRequest{
		PayeeHandle: req.PayeeHandle,
		Amount:      req.Amount.String(),
		Currency:    s.currency,
		ExternalID:  externalID,
		Narration:   req.Label,
	})
	if err != nil {
		// Compensate: fail the pending row and refund the debited amount.
		reason := err.Error()
		s.settleWithCompensation(ctx, pending.ID, domain.StatusFailed, &reason)
		return nil, fmt.Errorf("failed to initiate gateway payout: %w", err)
	}

	// 4. Record the gateway's reference for webhook/poll correlation.
	if err := s.repo.AttachGatewayReference(ctx, pending.ID, payout.Reference); err != nil {
		log.Printf("level=error component=wallet_service op=withdrawal msg=\"failed to attach gateway reference\" tx_id=%s reference=%s err=%v", pending.ID, payout.Reference, err)
	} else {
		pending.GatewayReference = &payout.Reference
	}

	s.publishEvent(ctx, pending)
	return pending, nil
}

// settleWithCompensation settles a pending row exactly once and, when a
// failed outcome lands on a row whose debit was already applied, writes the
// compensating refund credit. Returns the settled row and whether this call
// performed the transition.
func (s *Service) settleWithCompensation(ctx context.Context, txID uuid.UUID, outcome string, failureReason *string) (*domain.Transaction, bool) {
	settled, settledNow, err := s.repo.SettleTransaction(ctx, txID, outcome, failureReason)
	if err != nil {
		log.Printf("level=error component=wallet_service op=settle msg=\"settlement failed\" tx_id=%s outcome=%s err=%v", txID, outcome, err)
		return nil, false
	}
	if !settledNow {
		return settled, false
	}

	if outcome == domain.StatusFailed && !domain.IsCreditingKind(settled.Kind) && settled.BalanceBefore != nil {
		refund, err := s.repo.CreditWallet(ctx, store.MovementParams{
			WalletID: settled.WalletID,
			Amount:   settled.Amount,
			Kind:     domain.KindRefund,
			Label:    "Refund: " + settled.Label,
			Linked:   &domain.LinkedRef{Type: domain.LinkedTransaction, ID: settled.ID},
		})
		if err != nil {
			// The failed row is settled but the money has not come back. This
			// must be picked up by the reconciliation sweep, so log loudly.
			log.Printf("level=error component=wallet_service op=settle msg=\"CRITICAL: compensating refund failed\" tx_id=%s amount=%s err=%v", settled.ID, settled.Amount, err)
		} else {
			s.publishEvent(ctx, refund)
		}
	}

	s.publishEvent(ctx, settled)
	return settled, true
}

// publishEvent fans a ledger row out to the message broker. Publishing is best
// effort: the ledger row is the source of truth and a broker outage must not
// fail the money movement.
func (s *Service) publishEvent(ctx context.Context, tx *domain.Transaction) {
	if s.eventProducer == nil {
		return
	}
	event := domain.WalletEvent{
		UserID:        tx.UserID,
		WalletID:      tx.WalletID,
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Label:         tx.Label,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.eventProducer.PublishWalletEvent(ctx, event); err != nil {
		log.Printf("level=warn component=wallet_service msg=\"wallet event publish failed\" tx_id=%s kind=%s err=%v", tx.ID, tx.Kind, err)
	}
}
