package controllers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mpetrenko/coverbot/internal/pkg/payments"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookController terminates payment gateway notifications.
type WebhookController struct {
	svc     *payments.Service
	enabled bool
}

// NewWebhookController creates the controller over a wired payment service.
func NewWebhookController(svc *payments.Service, paymentsEnabled bool) *WebhookController {
	return &WebhookController{svc: svc, enabled: paymentsEnabled}
}

// HandlePaymentWebhook processes one gateway delivery. The gateway retries
// anything that is not a 2xx, so the handler answers 200 for every delivery
// that must not be retried (duplicates included) and non-2xx only when a
// retry can actually help.
func (wc *WebhookController) HandlePaymentWebhook(c *fiber.Ctx) error {
	if !wc.enabled {
		// Best-effort echo of the event type; the body is not verified or
		// processed while payments are off.
		var peek struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(c.BodyRaw(), &peek)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ignored", "event": peek.Event})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)

	if !wc.svc.VerifySignature(rawBody, c.Get(SignatureHeader)) {
		log.Warnf("[Webhook] Rejected delivery with invalid signature from %s", c.IP())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := payments.ParseWebhookEvent(rawBody)
	if err != nil {
		log.Warnf("[Webhook] Rejected malformed delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	created, stored, err := wc.svc.RecordEvent(rawBody, event.Event, event.Object.ID, true)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		// Identical retry of a delivery that already completed; acknowledge
		// without reprocessing. Retries of a delivery that errored fall
		// through so the gateway's redelivery can finish the activation.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "success",
			"event":     event.Event,
			"duplicate": true,
		})
	}

	outcome, err := wc.svc.HandleWebhook(event)
	wc.svc.MarkEventProcessed(stored.ID, err)
	if err != nil {
		log.Errorf("[Webhook] Processing failed for payment %s: %v", event.Object.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": outcome,
		"event":  event.Event,
	})
}
