package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/auth"
)

// Locals keys set by the auth middleware.
const (
	LocalUserID = "user_id"
	LocalTier   = "tier"
	LocalClaims = "claims"
)

// AuthRequired creates a middleware that requires a valid bearer token
func AuthRequired(authService *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ExtractToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		claims, err := authService.Parse(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(LocalUserID, claims.UserID)
		c.Locals(LocalTier, claims.Tier)
		c.Locals(LocalClaims, claims)
		return c.Next()
	}
}

// ExtractToken pulls a token from the Authorization header or, for clients
// that cannot set headers (browser WebSocket), the token query parameter.
func ExtractToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// UserID returns the authenticated user id set by AuthRequired.
func UserID(c *fiber.Ctx) string {
	if v, ok := c.Locals(LocalUserID).(string); ok {
		return v
	}
	return ""
}

// Tier returns the authenticated quota tier set by AuthRequired.
func Tier(c *fiber.Ctx) string {
	if v, ok := c.Locals(LocalTier).(string); ok {
		return v
	}
	return ""
}
