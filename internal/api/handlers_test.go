package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/app"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
	"github.com/shopspring/decimal"
)

type webhookRepoStub struct {
	store.Repository

	tx *domain.Transaction

	settleCalled  bool
	settleOutcome string
}

func (s *webhookRepoStub) FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	if s.tx == nil || s.tx.GatewayReference == nil || *s.tx.GatewayReference != reference {
		return nil, store.ErrTransactionNotFound
	}
	out := *s.tx
	return &out, nil
}

func (s *webhookRepoStub) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	if s.tx == nil || s.tx.ExternalID != externalID {
		return nil, store.ErrTransactionNotFound
	}
	out := *s.tx
	return &out, nil
}

func (s *webhookRepoStub) FindTransactionByID(ctx context.Context, txID uuid.UUID) (*domain.Transaction, error) {
	if s.tx == nil || s.tx.ID != txID {
		return nil, store.ErrTransactionNotFound
	}
	out := *s.tx
	return &out, nil
}

func (s *webhookRepoStub) SettleTransaction(ctx context.Context, txID uuid.UUID, outcome string, failureReason *string) (*domain.Transaction, bool, error) {
	s.settleCalled = true
	s.settleOutcome = outcome
	s.tx.Status = outcome
	out := *s.tx
	return &out, true, nil
}

type debitRepoStub struct {
	store.Repository
}

func (s *debitRepoStub) GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	return &domain.Wallet{ID: uuid.New(), UserID: userID, Balance: decimal.Zero, Currency: currency, IsActive: true}, nil
}

func (s *debitRepoStub) DebitWallet(ctx context.Context, params store.MovementParams) (*domain.Transaction, error) {
	return nil, store.ErrInsufficientFunds
}

func newTestHandlers(repo store.Repository, secret string) *WalletHandlers {
	svc := app.NewService(repo, nil, nil, "TZS", "", 10*time.Minute)
	return NewWalletHandlers(svc, nil, RateLimitPolicy{}, secret)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGatewayWebhookHandler_RejectsBadSignature(t *testing.T) {
	handlers := newTestHandlers(&webhookRepoStub{}, "topsecret")

	body := []byte(`{"status":"successful","reference":"gw_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/wallet/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", "deadbeef")
	rec := httptest.NewRecorder()

	handlers.GatewayWebhookHandler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestGatewayWebhookHandler_SettlesOnValidSignature(t *testing.T) {
	reference := "gw_1"
	repo := &webhookRepoStub{
		tx: &domain.Transaction{
			ID:               uuid.New(),
			WalletID:         uuid.New(),
			UserID:           uuid.New(),
			Kind:             domain.KindTransfer,
			Amount:           decimal.RequireFromString("10.00"),
			GatewayReference: &reference,
			Status:           domain.StatusPending,
		},
	}
	handlers := newTestHandlers(repo, "topsecret")

	body := []byte(`{"status":"successful","reference":"gw_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/wallet/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", signBody("topsecret", body))
	rec := httptest.NewRecorder()

	handlers.GatewayWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !repo.settleCalled || repo.settleOutcome != domain.StatusSuccess {
		t.Fatalf("expected success settlement, called=%t outcome=%s", repo.settleCalled, repo.settleOutcome)
	}
}

func TestGatewayWebhookHandler_UnknownTransactionIs404(t *testing.T) {
	handlers := newTestHandlers(&webhookRepoStub{}, "topsecret")

	body := []byte(`{"status":"successful","reference":"gw_missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/wallet/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", signBody("topsecret", body))
	rec := httptest.NewRecorder()

	handlers.GatewayWebhookHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown transaction, got %d", rec.Code)
	}
}

func TestDebitWalletHandler_InsufficientFundsIs402(t *testing.T) {
	handlers := newTestHandlers(&debitRepoStub{}, "")

	body := []byte(`{"user_id":"` + uuid.NewString() + `","amount":"50.00","label":"fare"}`)
	req := httptest.NewRequest(http.MethodPost, "/wallet/debits", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handlers.DebitWalletHandler(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	guarded := InternalAuthMiddleware("internal-key")(next)

	req := httptest.NewRequest(http.MethodPost, "/wallet/debits", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/wallet/debits", nil)
	req.Header.Set("X-Internal-Api-Key", "internal-key")
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with key, got %d", rec.Code)
	}
}
