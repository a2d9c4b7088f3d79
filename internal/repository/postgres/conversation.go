package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
)

// ConversationStore implements repository.ConversationStore using PostgreSQL
type ConversationStore struct {
	db *sqlx.DB
}

// NewConversationStore creates a new PostgreSQL conversation store
func NewConversationStore(db *sqlx.DB) repository.ConversationStore {
	return &ConversationStore{db: db}
}

// CreateOrGet resolves an existing conversation or creates a new one
func (s *ConversationStore) CreateOrGet(ctx context.Context, userID, conversationID, model string) (*repository.Conversation, error) {
	if conversationID != "" {
		var conv repository.Conversation
		query := `
			SELECT id, user_id, title, model, live_active, turn_seq, resumption_handle, created_at, updated_at
			FROM conversations
			WHERE id = $1 AND user_id = $2
		`
		err := s.db.GetContext(ctx, &conv, query, conversationID, userID)
		if err == nil {
			return &conv, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		// Unknown id falls through to creation below.
	}

	conv := repository.Conversation{
		ID:         uuid.New().String(),
		UserID:     userID,
		Title:      "Live conversation",
		Model:      model,
		LiveActive: false,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	query := `
		INSERT INTO conversations (id, user_id, title, model, live_active, turn_seq, resumption_handle, created_at, updated_at)
		VALUES (:id, :user_id, :title, :model, :live_active, :turn_seq, :resumption_handle, :created_at, :updated_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, conv); err != nil {
		return nil, err
	}

	return &conv, nil
}

// GetByID fetches one conversation
func (s *ConversationStore) GetByID(ctx context.Context, conversationID string) (*repository.Conversation, error) {
	var conv repository.Conversation
	query := `
		SELECT id, user_id, title, model, live_active, turn_seq, resumption_handle, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &conv, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

// NextSequence increments and returns the conversation's turn counter. The
// UPDATE takes the row lock, so rapid concurrent flushes for the same
// conversation serialize here.
func (s *ConversationStore) NextSequence(ctx context.Context, conversationID string) (int, error) {
	var seq int
	query := `
		UPDATE conversations
		SET turn_seq = turn_seq + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING turn_seq
	`

	err := s.db.GetContext(ctx, &seq, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, repository.ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// AppendTurn writes one turn record
func (s *ConversationStore) AppendTurn(ctx context.Context, turn repository.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO turns (id, conversation_id, session_id, role, content, seq, created_at)
		VALUES (:id, :conversation_id, :session_id, :role, :content, :seq, :created_at)
	`

	_, err := s.db.NamedExecContext(ctx, query, turn)
	return err
}

// SetLiveActive flips the conversation's live flag
func (s *ConversationStore) SetLiveActive(ctx context.Context, conversationID string, active bool) error {
	query := `UPDATE conversations SET live_active = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, conversationID, active)
	return err
}

// SetResumptionHandle stores the upstream resumption token
func (s *ConversationStore) SetResumptionHandle(ctx context.Context, conversationID, handle string) error {
	query := `UPDATE conversations SET resumption_handle = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, conversationID, handle)
	return err
}

// ListByUser retrieves the user's conversations, newest first
func (s *ConversationStore) ListByUser(ctx context.Context, userID string, limit int) ([]repository.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}

	var conversations []repository.Conversation
	query := `
		SELECT id, user_id, title, model, live_active, turn_seq, resumption_handle, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`

	err := s.db.SelectContext(ctx, &conversations, query, userID, limit)
	if err != nil {
		return nil, err
	}

	return conversations, nil
}

// ListTurns retrieves a conversation's turns in sequence order
func (s *ConversationStore) ListTurns(ctx context.Context, conversationID string) ([]repository.Turn, error) {
	var turns []repository.Turn
	query := `
		SELECT id, conversation_id, session_id, role, content, seq, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY seq ASC
	`

	err := s.db.SelectContext(ctx, &turns, query, conversationID)
	if err != nil {
		return nil, err
	}

	return turns, nil
}
