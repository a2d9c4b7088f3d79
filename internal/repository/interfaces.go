package repository

import (
	"context"
	"errors"
	"time"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation represents a persisted conversation
type Conversation struct {
	ID               string    `db:"id"`
	UserID           string    `db:"user_id"`
	Title            string    `db:"title"`
	Model            string    `db:"model"`
	LiveActive       bool      `db:"live_active"`
	TurnSeq          int       `db:"turn_seq"`
	ResumptionHandle string    `db:"resumption_handle"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Turn represents one role-tagged unit of conversational text. Turns are
// append-only; they are never updated after creation.
type Turn struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	SessionID      string    `db:"session_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Seq            int       `db:"seq"`
	CreatedAt      time.Time `db:"created_at"`
}

// Turn roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ConversationStore defines conversation and turn storage operations
type ConversationStore interface {
	// CreateOrGet resolves an existing conversation by id, or creates a new
	// one for the user when the id is empty or unknown.
	CreateOrGet(ctx context.Context, userID, conversationID, model string) (*Conversation, error)

	// GetByID fetches one conversation. Returns ErrConversationNotFound for
	// an unknown id.
	GetByID(ctx context.Context, conversationID string) (*Conversation, error)

	// NextSequence increments and returns the conversation's turn counter.
	// The increment is serialized by the conversation row, so concurrent
	// callers always observe distinct, monotonically increasing values.
	NextSequence(ctx context.Context, conversationID string) (int, error)

	// AppendTurn writes one turn record.
	AppendTurn(ctx context.Context, turn Turn) error

	// SetLiveActive flips the conversation's live flag.
	SetLiveActive(ctx context.Context, conversationID string, active bool) error

	// SetResumptionHandle stores the upstream resumption token. The token is
	// opaque; it is persisted, never interpreted.
	SetResumptionHandle(ctx context.Context, conversationID, handle string) error

	ListByUser(ctx context.Context, userID string, limit int) ([]Conversation, error)
	ListTurns(ctx context.Context, conversationID string) ([]Turn, error)
}
