package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/safiri/wallet-service/internal/domain"
	"github.com/shopspring/decimal"
)

func TestGatewayEventConsumer_MalformedPayloadIsAcked(t *testing.T) {
	repo := newFakeRepo()
	consumer := NewGatewayEventConsumer(newTestService(repo, &stubGateway{}))

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payload must be acked, not re-queued")
	}
}

func TestGatewayEventConsumer_MissingIdentifiersIsAcked(t *testing.T) {
	repo := newFakeRepo()
	consumer := NewGatewayEventConsumer(newTestService(repo, &stubGateway{}))

	body, _ := json.Marshal(domain.GatewayStatusEvent{Status: "successful"})
	if !consumer.HandleMessage(body) {
		t.Fatal("event without identifiers must be acked")
	}
}

func TestGatewayEventConsumer_UnknownPaymentIsAcked(t *testing.T) {
	repo := newFakeRepo()
	consumer := NewGatewayEventConsumer(newTestService(repo, &stubGateway{}))

	body, _ := json.Marshal(domain.GatewayStatusEvent{Status: "successful", Reference: "gw_elsewhere"})
	if !consumer.HandleMessage(body) {
		t.Fatal("event for an unknown payment must be acked")
	}
}

func TestGatewayEventConsumer_SettlesPendingRecharge(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubGateway{})
	consumer := NewGatewayEventConsumer(svc)
	userID := uuid.New()
	pending := startRecharge(t, svc, userID, "rech-broker", "20.00")

	body, _ := json.Marshal(domain.GatewayStatusEvent{
		Status:    "successful",
		Reference: *pending.GatewayReference,
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("valid confirmation must be acked")
	}

	wallet, _ := svc.GetBalance(context.Background(), userID)
	if !wallet.Balance.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("broker confirmation did not credit, balance=%s", wallet.Balance)
	}

	// Redelivery of the same event is a safe ack with no second credit.
	if !consumer.HandleMessage(body) {
		t.Fatal("redelivered confirmation must be acked")
	}
	wallet, _ = svc.GetBalance(context.Background(), userID)
	if !wallet.Balance.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("redelivery double-credited, balance=%s", wallet.Balance)
	}
}
