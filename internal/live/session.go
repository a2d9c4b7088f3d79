// Package live implements real-time session orchestration: admission-gated
// session creation, bidirectional forwarding between clients and upstream
// provider channels, transcription accumulation into durable turns, and
// idempotent teardown.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/upstream"
)

// Session is one live logical session wrapping exactly one upstream provider
// channel. The channel's lifetime is bounded by the session's: teardown
// closes the channel, and a channel closing from the provider side tears the
// session down.
type Session struct {
	ID             string
	ConnID         string
	UserID         string
	ConversationID string
	Model          string
	CreatedAt      time.Time

	conn    *Conn
	channel upstream.Channel

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards activity tracking and the partial transcription buffers.
	// Buffer appends happen only on the session's event-loop goroutine, so
	// fragments are never interleaved; the lock exists because flush and
	// teardown read-and-clear from other goroutines.
	mu            sync.Mutex
	lastActivity  time.Time
	inputPartial  string
	outputPartial string
}

func newSession(id string, conn *Conn, channel upstream.Channel, conversationID, model string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:             id,
		ConnID:         conn.ID,
		UserID:         conn.UserID,
		ConversationID: conversationID,
		Model:          model,
		CreatedAt:      now,
		conn:           conn,
		channel:        channel,
		ctx:            ctx,
		cancel:         cancel,
		lastActivity:   now,
	}
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// appendInput adds a user-speech fragment and returns the cumulative buffer.
func (s *Session) appendInput(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputPartial += fragment
	return s.inputPartial
}

// appendOutput adds a model-speech fragment and returns the cumulative buffer.
func (s *Session) appendOutput(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputPartial += fragment
	return s.outputPartial
}

// takeBuffers atomically drains both partial buffers. Clearing on read is
// what makes duplicate flush triggers for the same content a no-op.
func (s *Session) takeBuffers() (input, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	input, output = s.inputPartial, s.outputPartial
	s.inputPartial, s.outputPartial = "", ""
	return input, output
}

// discardBuffers drops both partial buffers without persisting. An
// interruption voids the in-flight turn.
func (s *Session) discardBuffers() {
	s.mu.Lock()
	s.inputPartial, s.outputPartial = "", ""
	s.mu.Unlock()
}
