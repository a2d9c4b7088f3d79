package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/models"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/live"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/upstream"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// wsRecorder captures the ordered stream of frames and the transport close.
type wsRecorder struct {
	mu     sync.Mutex
	events []string
}

const recorderClosed = "__transport_closed"

func (r *wsRecorder) WriteMessage(messageType int, data []byte) error {
	var out models.Outbound
	frame := "unparsed"
	if err := json.Unmarshal(data, &out); err == nil {
		frame = out.Type
	}
	r.mu.Lock()
	r.events = append(r.events, frame)
	r.mu.Unlock()
	return nil
}

func (r *wsRecorder) Close() error {
	r.mu.Lock()
	r.events = append(r.events, recorderClosed)
	r.mu.Unlock()
	return nil
}

func (r *wsRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *wsRecorder) count(event string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

type stubChannel struct {
	events    chan upstream.Event
	closeOnce sync.Once
}

func (c *stubChannel) SendText(ctx context.Context, text string) error  { return nil }
func (c *stubChannel) SendMedia(ctx context.Context, mime string, data []byte) error {
	return nil
}
func (c *stubChannel) SendHistory(ctx context.Context, turns []upstream.ContentTurn) error {
	return nil
}
func (c *stubChannel) Events() <-chan upstream.Event { return c.events }
func (c *stubChannel) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Channel, error) {
	return &stubChannel{events: make(chan upstream.Event, 1)}, nil
}

func newHeartbeatFixture(heartbeat, idleTimeout time.Duration) (*LiveHandler, *live.Orchestrator, *live.Conn, *wsRecorder) {
	adm := admission.New(admission.Config{
		Daily: map[admission.Tier]int{admission.TierFree: 10},
	})
	store := &stubStore{
		conversations: map[string]*repository.Conversation{},
		turns:         map[string][]repository.Turn{},
	}
	o := live.NewOrchestrator(adm, live.NewRegistry(), store, stubDialer{}, live.Config{
		DefaultModel: "gemini-2.0-flash-exp",
	}, quietLog())

	h := NewLiveHandler(o, adm, heartbeat, idleTimeout, quietLog())

	rec := &wsRecorder{}
	conn := live.NewConn(rec, "10.0.0.1", "user-1", "free")
	return h, o, conn, rec
}

func TestHeartbeatClosesIdleConnection(t *testing.T) {
	h, o, conn, rec := newHeartbeatFixture(5*time.Millisecond, 20*time.Millisecond)

	s, err := o.CreateSession(context.Background(), conn, &models.CreateSession{})
	require.NoError(t, err)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		h.runHeartbeat(conn, done, quietLog())
		close(finished)
	}()

	// No client input arrives; the heartbeat must close the connection on
	// its own.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not close the idle connection")
	}
	close(done)

	assert.True(t, conn.IsClosed())
	_, stillThere := o.Registry().Get(s.ID)
	assert.False(t, stillThere)

	// The session close notification goes out before the transport closes.
	events := rec.snapshot()
	closedAt, transportAt := -1, -1
	for i, e := range events {
		if e == models.TypeSessionClosed && closedAt == -1 {
			closedAt = i
		}
		if e == recorderClosed && transportAt == -1 {
			transportAt = i
		}
	}
	require.NotEqual(t, -1, closedAt, "missing session close frame: %v", events)
	require.NotEqual(t, -1, transportAt, "transport never closed: %v", events)
	assert.Less(t, closedAt, transportAt)

	// At least one ping went out before the idle verdict.
	pingAt := -1
	for i, e := range events {
		if e == models.TypePing {
			pingAt = i
			break
		}
	}
	assert.NotEqual(t, -1, pingAt)
	assert.Less(t, pingAt, transportAt)
}

func TestHeartbeatPingsUntilStopped(t *testing.T) {
	h, _, conn, rec := newHeartbeatFixture(5*time.Millisecond, time.Hour)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		h.runHeartbeat(conn, done, quietLog())
		close(finished)
	}()

	require.Eventually(t, func() bool {
		return rec.count(models.TypePing) >= 2
	}, 2*time.Second, time.Millisecond)

	close(done)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop on done")
	}

	// An active connection is left alone.
	assert.False(t, conn.IsClosed())
	assert.Equal(t, 0, rec.count(recorderClosed))
	assert.Equal(t, 0, rec.count(models.TypeSessionClosed))
}
