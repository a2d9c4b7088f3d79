package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/handlers"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/middleware"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/auth"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Auth        *auth.Service
	Admission   *admission.Controller
	Store       repository.ConversationStore
	Live        *handlers.LiveHandler
	GuestQuotas map[string]int
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps Deps) {
	api := app.Group("/api/v1")

	// ========================================
	// Public routes (no authentication needed)
	// ========================================

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "apsara-backend",
		})
	})

	authGroup := api.Group("/auth")
	authGroup.Post("/guest", middleware.AuthRateLimit(), handlers.GuestToken(deps.Auth, deps.GuestQuotas))

	// ========================================
	// Protected routes (authentication required)
	// ========================================

	protected := api.Group("", middleware.AuthRequired(deps.Auth), middleware.DefaultRateLimit())

	protected.Get("/limits", handlers.GetLimits(deps.Admission))
	protected.Get("/conversations", handlers.ListConversations(deps.Store))
	protected.Get("/conversations/:id/messages", handlers.GetConversationMessages(deps.Store))

	// ========================================
	// WebSocket routes (with auth)
	// ========================================

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		token := middleware.ExtractToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required for WebSocket",
			})
		}

		claims, err := deps.Auth.Parse(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		// Locals survive the upgrade; the handler reads them off the
		// websocket connection.
		c.Locals(middleware.LocalUserID, claims.UserID)
		c.Locals(middleware.LocalTier, claims.Tier)
		c.Locals("remote_ip", c.IP())
		return c.Next()
	})

	app.Get("/ws/live", websocket.New(deps.Live.HandleWS))
}
