package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/models"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/upstream"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeWS records every frame written to the client.
type fakeWS struct {
	mu     sync.Mutex
	frames []models.Outbound
	closed bool
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	var out models.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		out = models.Outbound{Type: "unparsed"}
	}
	f.mu.Lock()
	f.frames = append(f.frames, out)
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) frameTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.frames))
	for i, fr := range f.frames {
		types[i] = fr.Type
	}
	return types
}

func (f *fakeWS) countType(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.Type == frameType {
			n++
		}
	}
	return n
}

func (f *fakeWS) lastOfType(frameType string) (models.Outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == frameType {
			return f.frames[i], true
		}
	}
	return models.Outbound{}, false
}

// waitForType polls until a frame of the given type has been written.
func (f *fakeWS) waitForType(frameType string, timeout time.Duration) (models.Outbound, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fr, ok := f.lastOfType(frameType); ok {
			return fr, true
		}
		time.Sleep(time.Millisecond)
	}
	return models.Outbound{}, false
}

// fakeChannel is a scriptable upstream channel.
type fakeChannel struct {
	events chan upstream.Event

	mu         sync.Mutex
	sentTexts  []string
	sentMedia  [][]byte
	history    [][]upstream.ContentTurn
	closeCalls int
	sendErr    error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan upstream.Event, 64)}
}

func (c *fakeChannel) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sentTexts = append(c.sentTexts, text)
	return nil
}

func (c *fakeChannel) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sentMedia = append(c.sentMedia, data)
	return nil
}

func (c *fakeChannel) SendHistory(ctx context.Context, turns []upstream.ContentTurn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, turns)
	return nil
}

func (c *fakeChannel) Events() <-chan upstream.Event {
	return c.events
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeCalls == 1 {
		close(c.events)
	}
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dials    int
	err      error
}

func (d *fakeDialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) lastChannel() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

// fakeStore is an in-memory persistence gateway with injectable latency and
// failures.
type fakeStore struct {
	mu             sync.Mutex
	seq            map[string]int
	turns          []repository.Turn
	liveActive     []bool
	handles        []string
	appendDelay    time.Duration
	appendErr      error
	nextSeqErr     error
	liveActiveErr  error
	conversationID string
}

func newFakeStore() *fakeStore {
	return &fakeStore{seq: make(map[string]int), conversationID: "conv-1"}
}

func (f *fakeStore) CreateOrGet(ctx context.Context, userID, conversationID, model string) (*repository.Conversation, error) {
	id := conversationID
	if id == "" {
		id = f.conversationID
	}
	return &repository.Conversation{ID: id, UserID: userID, Model: model}, nil
}

func (f *fakeStore) GetByID(ctx context.Context, conversationID string) (*repository.Conversation, error) {
	return &repository.Conversation{ID: conversationID}, nil
}

func (f *fakeStore) NextSequence(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextSeqErr != nil {
		return 0, f.nextSeqErr
	}
	f.seq[conversationID]++
	return f.seq[conversationID], nil
}

func (f *fakeStore) AppendTurn(ctx context.Context, turn repository.Turn) error {
	if f.appendDelay > 0 {
		time.Sleep(f.appendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeStore) SetLiveActive(ctx context.Context, conversationID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.liveActiveErr != nil {
		return f.liveActiveErr
	}
	f.liveActive = append(f.liveActive, active)
	return nil
}

func (f *fakeStore) SetResumptionHandle(ctx context.Context, conversationID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, handle)
	return nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string, limit int) ([]repository.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) ListTurns(ctx context.Context, conversationID string) ([]repository.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.Turn, len(f.turns))
	copy(out, f.turns)
	return out, nil
}

func (f *fakeStore) recordedTurns() []repository.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.Turn, len(f.turns))
	copy(out, f.turns)
	return out
}

func (f *fakeStore) liveActiveCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.liveActive))
	copy(out, f.liveActive)
	return out
}

func testAdmission(daily int) *admission.Controller {
	return admission.New(admission.Config{
		Daily: map[admission.Tier]int{
			admission.TierGuest:   daily,
			admission.TierFree:    daily,
			admission.TierPremium: daily,
		},
	})
}

func newTestOrchestrator(store *fakeStore, dialer *fakeDialer, daily int, cfg Config) *Orchestrator {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash-exp"
	}
	return NewOrchestrator(testAdmission(daily), NewRegistry(), store, dialer, cfg, testLogger())
}

func newTestConn(tier string) (*Conn, *fakeWS) {
	ws := &fakeWS{}
	return NewConn(ws, "10.0.0.1", "user-1", tier), ws
}
