package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/middleware"
)

// GetLimits handles GET /api/v1/limits. It reports the caller's current
// daily standing without consuming quota.
func GetLimits(adm *admission.Controller) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tier := admission.ParseTier(middleware.Tier(c))
		decision := adm.Status(middleware.UserID(c), c.IP(), tier)

		return c.JSON(fiber.Map{
			"tier":              string(tier),
			"limit":             decision.Limit,
			"remaining":         decision.Remaining,
			"allowed":           decision.Allowed,
			"retryAfterSeconds": int(decision.RetryAfter.Seconds()),
		})
	}
}
