package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/auth"
)

// GuestToken handles POST /api/v1/auth/guest. It mints a throwaway guest
// identity so browser clients can open a live connection without an account.
func GuestToken(authService *auth.Service, quotas map[string]int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, token, err := authService.IssueGuest()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to issue guest token",
			})
		}

		return c.JSON(fiber.Map{
			"userId": userID,
			"token":  token,
			"tier":   string(admission.TierGuest),
			"limitations": fiber.Map{
				"sessionsPerDay": quotas[string(admission.TierGuest)],
			},
		})
	}
}
