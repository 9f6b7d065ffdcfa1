/**
 * @description
 * This file defines the message payloads the wallet-service publishes to and
 * consumes from RabbitMQ. Outbound events notify other services (push/SMS
 * senders, booking) about settled balance movements; inbound events carry
 * gateway confirmations relayed by the shared webhook ingress.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletEvent is published after a balance movement settles. Consumers use it
// for user notification and analytics; delivery is fire-and-forget and its
// failure never affects the financial mutation.
type WalletEvent struct {
	UserID        uuid.UUID       `json:"user_id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Label         string          `json:"label,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// GatewayStatusEvent is a gateway confirmation relayed over the broker by the
// webhook ingress. It carries the same identifiers as the direct webhook and
// feeds the same settlement path.
type GatewayStatusEvent struct {
	Status     string          `json:"status"`
	Reference  string          `json:"reference"`
	ExternalID string          `json:"external_id"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt time.Time       `json:"received_at"`
}
