package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/shopspring/decimal"
)

func TestHoldEscrow_DebitsPayer(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	payerID := uuid.New()
	fundWallet(t, svc, payerID, "100.00")

	hold, err := svc.HoldEscrow(context.Background(), domain.EscrowHoldRequest{
		PayerUserID: payerID,
		Amount:      decimal.RequireFromString("35.00"),
		Label:       "trip fare hold",
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if hold.Kind != domain.KindEscrow || hold.Status != domain.StatusSuccess {
		t.Fatalf("unexpected hold row: kind=%s status=%s", hold.Kind, hold.Status)
	}
	if hold.Released {
		t.Fatal("new hold must not be marked released")
	}

	wallet, _ := svc.GetBalance(context.Background(), payerID)
	if !wallet.Balance.Equal(decimal.RequireFromString("65.00")) {
		t.Fatalf("hold did not debit payer, balance=%s", wallet.Balance)
	}
}

func TestHoldEscrow_InsufficientFunds(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	payerID := uuid.New()
	fundWallet(t, svc, payerID, "10.00")

	_, err := svc.HoldEscrow(context.Background(), domain.EscrowHoldRequest{
		PayerUserID: payerID,
		Amount:      decimal.RequireFromString("35.00"),
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReleaseEscrow_CreditsPayeeOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	payerID := uuid.New()
	payeeID := uuid.New()
	fundWallet(t, svc, payerID, "100.00")

	hold, err := svc.HoldEscrow(context.Background(), domain.EscrowHoldRequest{
		PayerUserID: payerID,
		Amount:      decimal.RequireFromString("35.00"),
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	credit, err := svc.ReleaseEscrow(context.Background(), hold.ID, domain.EscrowReleaseRequest{PayeeUserID: payeeID})
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if credit.Kind != domain.KindEscrowRelease {
		t.Fatalf("expected escrow_release credit, got %s", credit.Kind)
	}
	if credit.LinkedID == nil || *credit.LinkedID != hold.ID {
		t.Fatal("release credit must link back to the hold")
	}

	payee, _ := svc.GetBalance(context.Background(), payeeID)
	if !payee.Balance.Equal(decimal.RequireFromString("35.00")) {
		t.Fatalf("payee not credited, balance=%s", payee.Balance)
	}

	// Second release is a no-op.
	_, err = svc.ReleaseEscrow(context.Background(), hold.ID, domain.EscrowReleaseRequest{PayeeUserID: payeeID})
	if !errors.Is(err, ErrEscrowAlreadyResolved) {
		t.Fatalf("expected ErrEscrowAlreadyResolved, got %v", err)
	}
	payee, _ = svc.GetBalance(context.Background(), payeeID)
	if !payee.Balance.Equal(decimal.RequireFromString("35.00")) {
		t.Fatalf("double release credited twice, balance=%s", payee.Balance)
	}
}

func TestRefundEscrow_ReturnsFundsToPayer(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	payerID := uuid.New()
	fundWallet(t, svc, payerID, "100.00")

	hold, err := svc.HoldEscrow(context.Background(), domain.EscrowHoldRequest{
		PayerUserID: payerID,
		Amount:      decimal.RequireFromString("35.00"),
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	credit, err := svc.RefundEscrow(context.Background(), hold.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if credit.Kind != domain.KindRefund {
		t.Fatalf("expected refund credit, got %s", credit.Kind)
	}

	payer, _ := svc.GetBalance(context.Background(), payerID)
	if !payer.Balance.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("refund did not restore payer balance, got %s", payer.Balance)
	}
}

func TestRefundEscrow_AfterReleaseIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	payerID := uuid.New()
	payeeID := uuid.New()
	fundWallet(t, svc, payerID, "100.00")

	hold, err := svc.HoldEscrow(context.Background(), domain.EscrowHoldRequest{
		PayerUserID: payerID,
		Amount:      decimal.RequireFromString("35.00"),
	})
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if _, err := svc.ReleaseEscrow(context.Background(), hold.ID, domain.EscrowReleaseRequest{PayeeUserID: payeeID}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	_, err = svc.RefundEscrow(context.Background(), hold.ID)
	if !errors.Is(err, ErrEscrowAlreadyResolved) {
		t.Fatalf("expected ErrEscrowAlreadyResolved, got %v", err)
	}

	// Conservation: payer lost exactly the held amount, payee gained it.
	payer, _ := svc.GetBalance(context.Background(), payerID)
	payee, _ := svc.GetBalance(context.Background(), payeeID)
	if !payer.Balance.Equal(decimal.RequireFromString("65.00")) || !payee.Balance.Equal(decimal.RequireFromString("35.00")) {
		t.Fatalf("escrow leaked money: payer=%s payee=%s", payer.Balance, payee.Balance)
	}
}

func TestRefundEscrow_RejectsNonEscrowRow(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	userID := uuid.New()
	fundWallet(t, svc, userID, "100.00")

	debit, err := svc.DebitUserWallet(context.Background(), userID, domain.DebitRequest{
		Amount: decimal.RequireFromString("5.00"),
	})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	_, err = svc.RefundEscrow(context.Background(), debit.ID)
	if !errors.Is(err, store.ErrNotEscrowHold) {
		t.Fatalf("expected ErrNotEscrowHold, got %v", err)
	}
}
