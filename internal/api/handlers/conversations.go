package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/middleware"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
)

// ListConversations handles GET /api/v1/conversations
func ListConversations(store repository.ConversationStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 20)

		conversations, err := store.ListByUser(c.Context(), middleware.UserID(c), limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to list conversations",
			})
		}

		out := make([]fiber.Map, 0, len(conversations))
		for _, conv := range conversations {
			out = append(out, fiber.Map{
				"id":         conv.ID,
				"title":      conv.Title,
				"model":      conv.Model,
				"liveActive": conv.LiveActive,
				"turnCount":  conv.TurnSeq,
				"createdAt":  conv.CreatedAt,
				"updatedAt":  conv.UpdatedAt,
			})
		}

		return c.JSON(fiber.Map{"conversations": out})
	}
}

// GetConversationMessages handles GET /api/v1/conversations/:id/messages
func GetConversationMessages(store repository.ConversationStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		conversationID := c.Params("id")

		conv, err := store.GetByID(c.Context(), conversationID)
		if err != nil {
			if errors.Is(err, repository.ErrConversationNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "Conversation not found",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load conversation",
			})
		}

		// A conversation is visible only to its owner.
		if conv.UserID != middleware.UserID(c) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}

		turns, err := store.ListTurns(c.Context(), conversationID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to load messages",
			})
		}

		out := make([]fiber.Map, 0, len(turns))
		for _, t := range turns {
			out = append(out, fiber.Map{
				"id":        t.ID,
				"role":      t.Role,
				"content":   t.Content,
				"seq":       t.Seq,
				"createdAt": t.CreatedAt,
			})
		}

		return c.JSON(fiber.Map{
			"conversationId": conversationID,
			"messages":       out,
		})
	}
}
