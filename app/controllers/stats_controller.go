package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mpetrenko/coverbot/internal/pkg/metrics/counter"
)

// HandleAdmissionStats exposes the accumulated admission decision counters
// for operational dashboards.
func HandleAdmissionStats(c *fiber.Ctx) error {
	decisions, err := counter.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"decisions": decisions})
}
