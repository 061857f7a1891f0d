package payments

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Gateway event types this service reacts to. Everything else is accepted
// and ignored so the gateway does not retry deliveries we do not care about.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
)

// Processing outcomes reported back to the webhook endpoint.
const (
	OutcomeSuccess = "success"
	OutcomeIgnored = "ignored"
)

// WebhookMetadata is the opaque mapping the gateway echoes back from payment
// creation. It carries the identifiers needed to resolve the paying user.
type WebhookMetadata struct {
	UserID           string `json:"user_id"`
	TelegramID       string `json:"telegram_id"`
	SubscriptionType string `json:"subscription_type"`
}

// WebhookObject is the payment object embedded in a gateway notification.
type WebhookObject struct {
	ID       string          `json:"id" validate:"required"`
	Status   string          `json:"status"`
	Metadata WebhookMetadata `json:"metadata"`
}

// WebhookEvent is the gateway notification body.
type WebhookEvent struct {
	Event  string        `json:"event" validate:"required"`
	Object WebhookObject `json:"object" validate:"required"`
}

// ParseWebhookEvent decodes and validates a notification body.
func ParseWebhookEvent(raw []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if err := validator.New().Struct(&event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &event, nil
}
