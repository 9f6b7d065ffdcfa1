package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/safiri/wallet-service/internal/domain"
	"github.com/safiri/wallet-service/internal/store"
)

// GatewayEventConsumer drains gateway settlement events relayed over the
// broker. It is the third confirmation channel next to webhooks and polling;
// all three converge on the same settle-once path.
type GatewayEventConsumer struct {
	service *Service
}

func NewGatewayEventConsumer(service *Service) *GatewayEventConsumer {
	return &GatewayEventConsumer{service: service}
}

// HandleMessage processes one broker delivery. Returning true acks the
// message; returning false nacks it back onto the queue. Malformed payloads
// and events for unknown payments are acked so they do not poison the queue.
func (c *GatewayEventConsumer) HandleMessage(body []byte) bool {
	var event domain.GatewayStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=gateway_consumer msg=\"failed to unmarshal payload, dropping\" err=%v", err)
		return true
	}

	if event.Reference == "" && event.ExternalID == "" {
		log.Printf("level=warn component=gateway_consumer msg=\"event carries no payment identifier, dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.service.HandleGatewayConfirmation(ctx, event); err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			// Likely a confirmation for a payment owned by another service on
			// the same exchange.
			log.Printf("level=info component=gateway_consumer msg=\"no transaction for event, acknowledging\" reference=%s external_id=%s", event.Reference, event.ExternalID)
			return true
		}
		log.Printf("level=error component=gateway_consumer msg=\"processing error, re-queuing\" reference=%s err=%v", event.Reference, err)
		return false
	}

	return true
}
