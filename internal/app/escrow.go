/**
 * @description
 * This file implements escrow flows: withholding a payer's funds until a
 * triggering event, then paying them out to the payee (release) or back to the
 * payer (refund). A hold is an ordinary debit row of kind `escrow` carrying a
 * released flag; resolution is a compare-and-swap on that flag, so a hold pays
 * out exactly once no matter how the release and refund calls race.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
)

// ErrEscrowAlreadyResolved is returned when a hold was already released or
// refunded. Callers treat it as a safe duplicate, not a failure.
var ErrEscrowAlreadyResolved = errors.New("escrow hold already resolved")

// HoldEscrow debits the payer's wallet into escrow. The funds leave the
// spendable balance immediately; no wallet holds them until resolution.
func (s *Service) HoldEscrow(ctx context.Context, req domain.EscrowHoldRequest) (*domain.Transaction, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, req.PayerUserID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load payer wallet: %w", err)
	}

	hold, err := s.repo.DebitWallet(ctx, store.MovementParams{
		WalletID: wallet.ID,
		Amount:   req.Amount,
		Kind:     domain.KindEscrow,
		Label:    req.Label,
		Linked:   req.Linked,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=escrow msg=\"hold created\" hold_id=%s payer=%s amount=%s", hold.ID, req.PayerUserID, req.Amount)
	s.publishEvent(ctx, hold)
	return hold, nil
}

// ReleaseEscrow pays a held amount out to the payee's wallet.
func (s *Service) ReleaseEscrow(ctx context.Context, holdID uuid.UUID, req domain.EscrowReleaseRequest) (*domain.Transaction, error) {
	payeeWallet, err := s.repo.GetOrCreateWallet(ctx, req.PayeeUserID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load payee wallet: %w", err)
	}

	label := req.Label
	if label == "" {
		label = "Escrow release"
	}
	return s.resolveEscrow(ctx, holdID, payeeWallet.ID, domain.KindEscrowRelease, label)
}

// RefundEscrow returns a held amount to the payer's own wallet.
func (s *Service) RefundEscrow(ctx context.Context, holdID uuid.UUID) (*domain.Transaction, error) {
	hold, err := s.repo.FindTransactionByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Kind != domain.KindEscrow {
		return nil, store.ErrNotEscrowHold
	}
	return s.resolveEscrow(ctx, holdID, hold.WalletID, domain.KindRefund, "Escrow refund: "+hold.Label)
}

func (s *Service) resolveEscrow(ctx context.Context, holdID, creditWalletID uuid.UUID, creditKind, label string) (*domain.Transaction, error) {
	credit, releasedNow, err := s.repo.ReleaseEscrowHold(ctx, holdID, creditWalletID, creditKind, label)
	if err != nil {
		return nil, err
	}
	if !releasedNow {
		log.Printf("level=info component=escrow msg=\"duplicate resolution attempt\" hold_id=%s", holdID)
		return nil, ErrEscrowAlreadyResolved
	}

	log.Printf("level=info component=escrow msg=\"hold resolved\" hold_id=%s credit_kind=%s credit_tx=%s", holdID, creditKind, credit.ID)
	s.publishEvent(ctx, credit)
	return credit, nil
}
