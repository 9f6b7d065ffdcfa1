/**
 * @description
 * This file implements the settlement side of the wallet-service: turning
 * gateway confirmations into exactly-once ledger transitions. Confirmations
 * arrive on three channels (webhooks, client-driven polling, and broker
 * events), any of which may fire first, repeat, or race. All three funnel into
 * the same conditional settle, so a duplicate or late confirmation is a no-op
 * rather than a double credit.
 *
 * Pending rows that receive no confirmation expire after a TTL; expiry of a
 * withdrawal refunds the debit that was taken at initiation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/safiri/wallet-service/pkg/gatewayclient"
)

// mapGatewayStatus normalizes the gateway's status vocabulary onto the
// ledger's. The third state is deliberate: anything unrecognized stays
// pending instead of being guessed into success or failure.
func mapGatewayStatus(gatewayStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "success", "successful", "completed", "paid", "settled":
		return domain.StatusSuccess, true
	case "failed", "declined", "rejected", "cancelled", "expired", "reversed":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

// findByGatewayIdentifiers locates the pending row a confirmation refers to,
// preferring the gateway reference and falling back to our external id.
func (s *Service) findByGatewayIdentifiers(ctx context.Context, reference, externalID string) (*domain.Transaction, error) {
	if reference != "" {
		tx, err := s.repo.FindTransactionByGatewayReference(ctx, reference)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if externalID != "" {
		return s.repo.FindTransactionByExternalID(ctx, externalID)
	}
	return nil, store.ErrTransactionNotFound
}

// HandleGatewayConfirmation applies one gateway confirmation to the ledger.
// It is safe to call any number of times for the same payment, from any
// channel, in any order.
func (s *Service) HandleGatewayConfirmation(ctx context.Context, ev domain.GatewayStatusEvent) (*domain.Transaction, error) {
	// 1. Locate the ledger row the confirmation refers to.
	tx, err := s.findByGatewayIdentifiers(ctx, ev.Reference, ev.ExternalID)
	if err != nil {
		return nil, err
	}

	// 2. A confirmation for an already-terminal row is a duplicate delivery.
	if domain.IsTerminalStatus(tx.Status) {
		log.Printf("level=info component=reconciler msg=\"duplicate confirmation for settled transaction\" tx_id=%s status=%s gateway_status=%s", tx.ID, tx.Status, ev.Status)
		return tx, nil
	}

	// 3. Translate the gateway status; unrecognized statuses leave the row pending.
	outcome, terminal := mapGatewayStatus(ev.Status)
	if !terminal {
		log.Printf("level=info component=reconciler msg=\"non-terminal gateway status, leaving pending\" tx_id=%s gateway_status=%s", tx.ID, ev.Status)
		return tx, nil
	}

	// 4. Guard against a confirmation whose amount disagrees with the ledger.
	if !ev.Amount.IsZero() && !ev.Amount.Equal(tx.Amount) {
		if err := s.repo.UpdateTransactionFailureReason(ctx, tx.ID, fmt.Sprintf("amount mismatch: gateway reported %s, ledger holds %s", ev.Amount, tx.Amount)); err != nil {
			log.Printf("level=error component=reconciler msg=\"failed to record amount mismatch\" tx_id=%s err=%v", tx.ID, err)
		}
		return nil, fmt.Errorf("gateway amount %s does not match transaction amount %s for %s", ev.Amount, tx.Amount, tx.ID)
	}

	// 5. Settle exactly once. Losing the race to another channel is fine.
	var reason *string
	if outcome == domain.StatusFailed {
		r := "gateway reported " + strings.ToLower(strings.TrimSpace(ev.Status))
		reason = &r
	}
	settled, settledNow := s.settleWithCompensation(ctx, tx.ID, outcome, reason)
	if settled == nil {
		return nil, fmt.Errorf("failed to settle transaction %s", tx.ID)
	}
	if settledNow {
		log.Printf("level=info component=reconciler msg=\"transaction settled\" tx_id=%s kind=%s outcome=%s", settled.ID, settled.Kind, outcome)
	}
	return settled, nil
}

// HandleGatewayWebhook is the webhook-channel entry point.
func (s *Service) HandleGatewayWebhook(ctx context.Context, payload domain.GatewayWebhookPayload) (*domain.Transaction, error) {
	p := payload.Normalized()
	return s.HandleGatewayConfirmation(ctx, domain.GatewayStatusEvent{
		Status:     p.Status,
		Reference:  p.Reference,
		ExternalID: p.ExternalID,
		Amount:     p.Amount,
		ReceivedAt: time.Now().UTC(),
	})
}

// PollTransaction is the poll-channel entry point: the client asks for the
// current status of its pending payment, and we take the opportunity to ask
// the gateway and settle if the answer is terminal. Pending rows older than
// the TTL are expired before the gateway is consulted.
func (s *Service) PollTransaction(ctx context.Context, userID, txID uuid.UUID) (*domain.TransactionStatusView, error) {
	// 1. Load the row and enforce ownership.
	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrNotTransactionOwner
	}

	// 2. Terminal rows answer from the ledger alone.
	if domain.IsTerminalStatus(tx.Status) {
		return statusView(tx), nil
	}

	// 3. A pending row older than the confirmation window is expired before
	// any gateway traffic. Expiry bounds how long funds sit in limbo, so it
	// applies no matter what the gateway would answer.
	if time.Since(tx.CreatedAt) > s.pendingTTL {
		return s.expirePending(ctx, tx)
	}

	// 4. Without a gateway reference there is nothing to poll yet.
	if tx.GatewayReference == nil || *tx.GatewayReference == "" {
		return statusView(tx), nil
	}

	// 5. Ask the gateway.
	payment, err := s.gateway.GetPayment(ctx, *tx.GatewayReference)
	if err != nil {
		return nil, fmt.Errorf("failed to poll gateway for %s: %v: %w", tx.ID, err, gatewayclient.ErrUnavailable)
	}

	// 6. Settle on a terminal answer; otherwise stay pending.
	outcome, terminal := mapGatewayStatus(payment.Status)
	if !terminal {
		return statusView(tx), nil
	}

	var reason *string
	if outcome == domain.StatusFailed {
		r := "gateway reported " + strings.ToLower(strings.TrimSpace(payment.Status))
		reason = &r
	}
	settled, _ := s.settleWithCompensation(ctx, tx.ID, outcome, reason)
	if settled == nil {
		return nil, fmt.Errorf("failed to settle transaction %s", tx.ID)
	}
	return statusView(settled), nil
}

// expirePending fails a pending row that outlived the confirmation window.
func (s *Service) expirePending(ctx context.Context, tx *domain.Transaction) (*domain.TransactionStatusView, error) {
	reason := fmt.Sprintf("expired: no gateway confirmation within %s", s.pendingTTL)
	settled, settledNow := s.settleWithCompensation(ctx, tx.ID, domain.StatusFailed, &reason)
	if settled == nil {
		return nil, fmt.Errorf("failed to expire transaction %s", tx.ID)
	}
	if settledNow {
		log.Printf("level=info component=reconciler msg=\"pending transaction expired\" tx_id=%s kind=%s age=%s", settled.ID, settled.Kind, time.Since(settled.CreatedAt).Round(time.Second))
	}
	return statusView(settled), nil
}

func statusView(tx *domain.Transaction) *domain.TransactionStatusView {
	view := &domain.TransactionStatusView{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		FailureReason: tx.FailureReason,
	}
	if tx.Status == domain.StatusSuccess && tx.BalanceAfter != nil {
		view.Balance = tx.BalanceAfter
	}
	return view
}
