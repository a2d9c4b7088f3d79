package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/models"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/upstream"
)

var (
	// ErrAdmissionDenied is returned when quota blocks a new session.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrSessionNotFound is returned for an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when a connection hits its session ceiling.
	ErrSessionLimit = errors.New("session limit for connection reached")
)

// Config holds orchestrator tunables.
type Config struct {
	DefaultModel     string
	DefaultVoice     string
	SystemPrompt     string
	MaxPerConnection int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	PersistTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPerConnection <= 0 {
		c.MaxPerConnection = 1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
}

// Orchestrator ties admission, the registry, the upstream provider, and the
// persistence store together for the lifetime of each session.
type Orchestrator struct {
	admission *admission.Controller
	registry  *Registry
	store     repository.ConversationStore
	dialer    upstream.Dialer
	acc       *Accumulator
	cfg       Config
	log       *logrus.Entry
}

// NewOrchestrator creates a session orchestrator.
func NewOrchestrator(
	adm *admission.Controller,
	registry *Registry,
	store repository.ConversationStore,
	dialer upstream.Dialer,
	cfg Config,
	log *logrus.Entry,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		admission: adm,
		registry:  registry,
		store:     store,
		dialer:    dialer,
		acc:       NewAccumulator(store, log),
		cfg:       cfg,
		log:       log,
	}
}

// Registry exposes the session index (read paths only).
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// CreateSession validates admission, resolves the backing conversation,
// opens the upstream channel, and registers the new session. The
// session_created frame goes out only after registry insertion, so a client
// can never hold a session id the sweep path cannot see.
func (o *Orchestrator) CreateSession(ctx context.Context, conn *Conn, req *models.CreateSession) (*Session, error) {
	if conn.UserID == "" {
		_ = conn.SendJSON(models.Error("create_session requires an authenticated user"))
		return nil, fmt.Errorf("create_session without user identity")
	}

	if conn.SessionCount() >= o.cfg.MaxPerConnection {
		_ = conn.SendJSON(models.Error("session limit for this connection reached"))
		return nil, ErrSessionLimit
	}

	decision := o.admission.TryAdmit(conn.UserID, conn.RemoteIP, admission.ParseTier(conn.Tier))
	if !decision.Allowed {
		_ = conn.SendJSON(models.RateLimitExceeded(
			int(decision.RetryAfter.Seconds()),
			decision.Limit,
			decision.Remaining,
			decision.LimitType,
		))
		return nil, ErrAdmissionDenied
	}

	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	voice := req.Voice
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}
	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.cfg.SystemPrompt
	}

	conv, err := o.store.CreateOrGet(ctx, conn.UserID, req.ConversationID, model)
	if err != nil {
		_ = conn.SendJSON(models.Error("failed to resolve conversation"))
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	channel, err := o.dialer.Dial(ctx, upstream.Config{
		Model:            model,
		Voice:            voice,
		SystemPrompt:     systemPrompt,
		ResponseModality: req.ResponseType,
		ResumptionHandle: conv.ResumptionHandle,
	})
	if err != nil {
		_ = conn.SendJSON(models.Error("failed to open upstream session"))
		return nil, fmt.Errorf("failed to open upstream channel: %w", err)
	}

	s := newSession(uuid.New().String(), conn, channel, conv.ID, model)

	o.registry.Put(s)
	conn.AttachSession(s)

	o.setLiveActive(s, true)

	log := o.sessionLog(s)
	log.WithField("tier", conn.Tier).Info("live session created")

	if err := conn.SendJSON(models.SessionCreated(s.ID, conv.ID, model)); err != nil {
		log.WithError(err).Warn("failed to send session_created")
	}

	go o.runEventLoop(s)

	_ = conn.SendJSON(models.SessionReady(s.ID))

	return s, nil
}

// ForwardText persists the user turn first, then forwards it upstream as a
// complete turn. Persistence going first means a user-authored turn survives
// an upstream failure; a persistence failure is logged and does not block
// the send.
func (o *Orchestrator) ForwardText(s *Session, text string) error {
	s.Touch()
	o.acc.AppendUserTurn(s, text)

	if err := s.channel.SendText(s.ctx, text); err != nil {
		_ = s.conn.SendJSON(models.SessionError(s.ID, "failed to forward message upstream"))
		return fmt.Errorf("upstream send_text failed: %w", err)
	}
	return nil
}

// ForwardMedia relays one raw audio or video frame upstream. Media frames
// are not independently durable; only their transcriptions are persisted.
func (o *Orchestrator) ForwardMedia(s *Session, mimeType string, data []byte) error {
	s.Touch()

	if err := s.channel.SendMedia(s.ctx, mimeType, data); err != nil {
		if errors.Is(err, upstream.ErrUnsupportedMedia) {
			_ = s.conn.SendJSON(models.Error("this session does not accept media input"))
			return err
		}
		_ = s.conn.SendJSON(models.SessionError(s.ID, "failed to forward media upstream"))
		return fmt.Errorf("upstream send_media failed: %w", err)
	}
	return nil
}

// ForwardContext seeds model memory with prior turns.
func (o *Orchestrator) ForwardContext(s *Session, turns []models.ContextTurn) error {
	s.Touch()

	content := make([]upstream.ContentTurn, 0, len(turns))
	for _, t := range turns {
		content = append(content, upstream.ContentTurn{Role: t.Role, Text: t.Text})
	}

	if err := s.channel.SendHistory(s.ctx, content); err != nil {
		_ = s.conn.SendJSON(models.SessionError(s.ID, "failed to forward context upstream"))
		return fmt.Errorf("upstream send_context failed: %w", err)
	}
	return nil
}

// SessionFor resolves a session reference for a connection. An explicit id
// must belong to the connection; an empty id selects the connection's only
// session.
func (o *Orchestrator) SessionFor(conn *Conn, sessionID string) (*Session, error) {
	if sessionID != "" {
		s, ok := o.registry.Get(sessionID)
		if !ok || s.ConnID != conn.ID {
			return nil, ErrSessionNotFound
		}
		return s, nil
	}

	s, ok := conn.Session("")
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// runEventLoop consumes the upstream event stream in arrival order. It is
// the session's single writer for transcription buffers. When the stream
// closes the session is torn down.
func (o *Orchestrator) runEventLoop(s *Session) {
	for ev := range s.channel.Events() {
		o.handleUpstreamEvent(s, ev)
	}
	o.Teardown(s, "upstream channel closed")
}

// handleUpstreamEvent dispatches one upstream event. Raw media relays
// first and unconditionally; turn-boundary flushes are snapshot-then-detach
// so storage latency never queues behind the audio path.
func (o *Orchestrator) handleUpstreamEvent(s *Session, ev upstream.Event) {
	s.Touch()

	switch ev.Kind {
	case upstream.EventAudio:
		if err := s.conn.SendJSON(models.AudioData(s.ID, ev.Audio, ev.MimeType)); err != nil {
			o.sessionLog(s).WithError(err).Debug("audio relay failed")
		}

	case upstream.EventInputTranscription:
		cumulative := s.appendInput(ev.Text)
		_ = s.conn.SendJSON(models.Transcription(models.TypeInputTranscription, s.ID, cumulative))

	case upstream.EventText, upstream.EventOutputTranscription:
		cumulative := s.appendOutput(ev.Text)
		_ = s.conn.SendJSON(models.Transcription(models.TypeOutputTranscription, s.ID, cumulative))

	case upstream.EventTurnComplete:
		o.acc.FlushAsync(s)
		_ = s.conn.SendJSON(models.TurnBoundary(models.TypeTurnComplete, s.ID))

	case upstream.EventGenerationComplete:
		o.acc.FlushAsync(s)
		_ = s.conn.SendJSON(models.TurnBoundary(models.TypeGenerationComplete, s.ID))

	case upstream.EventInterrupted:
		s.discardBuffers()
		_ = s.conn.SendJSON(models.Interrupted(s.ID))

	case upstream.EventGoAway:
		_ = s.conn.SendJSON(models.GoAway(s.ID, ev.TimeLeft))

	case upstream.EventResumption:
		// Detached: a storage stall must not delay the event loop.
		go o.saveResumptionHandle(s, ev.Handle)

	case upstream.EventError:
		msg := "upstream provider error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		o.sessionLog(s).WithError(ev.Err).Warn("upstream error event")
		_ = s.conn.SendJSON(models.SessionError(s.ID, msg))
	}
}

// Teardown closes a session. Safe to invoke concurrently from any of its
// triggers (client end_session, upstream close, connection close, sweep):
// the registry removal is the atomic gate, and only the winner runs the
// close sequence. Each step tolerates the previous step's failure.
func (o *Orchestrator) Teardown(s *Session, reason string) {
	if _, ok := o.registry.Remove(s.ID); !ok {
		return
	}

	log := o.sessionLog(s).WithField("reason", reason)
	log.Info("tearing down live session")

	s.cancel()

	o.acc.Flush(s)

	if err := s.channel.Close(); err != nil {
		log.WithError(err).Warn("failed to close upstream channel")
	}

	o.setLiveActive(s, false)

	s.conn.DetachSession(s.ID)

	if !s.conn.IsClosed() {
		if err := s.conn.SendJSON(models.SessionClosed(s.ID, reason)); err != nil {
			log.WithError(err).Debug("failed to notify client of session close")
		}
	}
}

// TeardownAll closes every session owned by a connection.
func (o *Orchestrator) TeardownAll(conn *Conn, reason string) {
	for _, s := range conn.Sessions() {
		o.Teardown(s, reason)
	}
}

// RunSweeper periodically force-closes idle sessions. It runs until the
// context is canceled and uses the same teardown path as every other
// trigger. A failing sweep pass never stops the ticker.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(time.Now())
		}
	}
}

// Sweep tears down every session idle beyond the configured threshold.
func (o *Orchestrator) Sweep(now time.Time) {
	for _, s := range o.registry.Stale(o.cfg.IdleTimeout, now) {
		o.Teardown(s, "idle timeout")
	}
}

func (o *Orchestrator) setLiveActive(s *Session, active bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.store.SetLiveActive(ctx, s.ConversationID, active); err != nil {
		o.sessionLog(s).WithError(err).WithField("active", active).
			Warn("failed to update conversation live flag")
	}
}

func (o *Orchestrator) saveResumptionHandle(s *Session, handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.store.SetResumptionHandle(ctx, s.ConversationID, handle); err != nil {
		o.sessionLog(s).WithError(err).Warn("failed to persist resumption handle")
	}
}

func (o *Orchestrator) sessionLog(s *Session) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"session_id":      s.ID,
		"conn_id":         s.ConnID,
		"conversation_id": s.ConversationID,
	})
}
