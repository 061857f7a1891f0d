package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mpetrenko/coverbot/internal/pkg/env"
)

// HandleHealthz reports liveness plus the feature flags a load balancer or
// uptime probe may want to see.
func HandleHealthz(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":           "healthy",
		"payments_enabled": env.GetEnvBool("PAYMENTS_ENABLED", true),
	})
}
