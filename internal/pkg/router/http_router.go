package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mpetrenko/coverbot/app/controllers"
)

// HttpRouter carries the inbound HTTP surface: the health probe and the
// payment gateway webhook. Everything else reaches the service through the
// chat platform, not through HTTP.
type HttpRouter struct {
	webhook *controllers.WebhookController
}

func NewHttpRouter(webhook *controllers.WebhookController) *HttpRouter {
	return &HttpRouter{webhook: webhook}
}

func (h *HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", controllers.HandleHealthz)
	app.Post("/webhook/payment", h.webhook.HandlePaymentWebhook)

	api := app.Group("/api/v1")
	api.Get("/admission/stats", controllers.HandleAdmissionStats)
}
