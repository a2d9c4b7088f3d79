package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConn is the slice of a WebSocket connection the live layer needs. Both
// the server-side fiber connection and test fakes satisfy it.
type WSConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one accepted client connection. It owns its sessions and
// serializes all outbound writes; fiber/gorilla connections do not allow
// concurrent writers.
type Conn struct {
	ID        string
	RemoteIP  string
	UserID    string
	Tier      string
	CreatedAt time.Time

	ws      WSConn
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	sessions     map[string]*Session
	closed       bool
}

// NewConn wraps an accepted WebSocket connection.
func NewConn(ws WSConn, remoteIP, userID, tier string) *Conn {
	now := time.Now()
	return &Conn{
		ID:           uuid.New().String(),
		RemoteIP:     remoteIP,
		UserID:       userID,
		Tier:         tier,
		CreatedAt:    now,
		ws:           ws,
		lastActivity: now,
		sessions:     make(map[string]*Session),
	}
}

// SendJSON writes one JSON text frame to the client.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// IdleFor reports how long the connection has been without inbound traffic.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// AttachSession adds a session to the connection's owned set.
func (c *Conn) AttachSession(s *Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
}

// DetachSession removes a session from the owned set.
func (c *Conn) DetachSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Session looks up an owned session by id. With an empty id it returns the
// connection's only session, if there is exactly one.
func (c *Conn) Session(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID != "" {
		s, ok := c.sessions[sessionID]
		return s, ok
	}
	if len(c.sessions) == 1 {
		for _, s := range c.sessions {
			return s, true
		}
	}
	return nil, false
}

// Sessions snapshots the owned session set.
func (c *Conn) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount reports how many sessions the connection owns.
func (c *Conn) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// MarkClosed flags the connection as gone. Later SendJSON calls still hit
// the dead socket and fail; the flag lets teardown skip the notify step.
func (c *Conn) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// IsClosed reports whether the transport has been marked closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close shuts the transport down, unblocking any pending read.
func (c *Conn) Close() error {
	c.MarkClosed()
	return c.ws.Close()
}

// ClosePolicyViolation writes a 1008 close frame carrying a JSON reason and
// closes the transport. Used for admission denial at connect time.
func (c *Conn) ClosePolicyViolation(reason any) error {
	data, err := json.Marshal(reason)
	if err != nil {
		data = []byte(`{"error":"policy violation"}`)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(data)))
	return c.ws.Close()
}
