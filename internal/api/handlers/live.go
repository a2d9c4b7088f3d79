package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/models"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/live"
)

const (
	micMimeType    = "audio/pcm;rate=16000"
	cameraMimeType = "image/jpeg"
)

// LiveHandler owns the WebSocket endpoint for real-time sessions. Each
// accepted connection gets one read loop and one heartbeat goroutine; all
// session work is delegated to the orchestrator.
type LiveHandler struct {
	orchestrator *live.Orchestrator
	admission    *admission.Controller
	heartbeat    time.Duration
	idleTimeout  time.Duration
	log          *logrus.Entry
}

// NewLiveHandler creates the live WebSocket handler.
func NewLiveHandler(o *live.Orchestrator, adm *admission.Controller, heartbeat, idleTimeout time.Duration, log *logrus.Entry) *LiveHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &LiveHandler{
		orchestrator: o,
		admission:    adm,
		heartbeat:    heartbeat,
		idleTimeout:  idleTimeout,
		log:          log,
	}
}

// HandleWS runs one accepted WebSocket connection to completion. Identity
// and remote IP come from locals set by the upgrade middleware.
func (h *LiveHandler) HandleWS(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	tier, _ := c.Locals("tier").(string)
	remoteIP, _ := c.Locals("remote_ip").(string)

	conn := live.NewConn(c, remoteIP, userID, tier)
	log := h.log.WithFields(logrus.Fields{
		"conn_id": conn.ID,
		"user_id": userID,
		"ip":      remoteIP,
	})

	// Exhausted quota is rejected at the door with a 1008 close, before the
	// client can invest in a session handshake. The check does not consume:
	// the unit is spent on create_session.
	decision := h.admission.Status(userID, remoteIP, admission.ParseTier(tier))
	if !decision.Allowed {
		log.WithField("limit_type", decision.LimitType).Info("connection rejected by quota")
		_ = conn.ClosePolicyViolation(models.RateLimitExceeded(
			int(decision.RetryAfter.Seconds()),
			decision.Limit,
			decision.Remaining,
			decision.LimitType,
		))
		return
	}

	log.Info("live connection established")
	_ = conn.SendJSON(models.Connected(conn.ID))

	done := make(chan struct{})
	go h.runHeartbeat(conn, done, log)

	h.readLoop(conn, c, log)

	close(done)
	conn.MarkClosed()
	h.orchestrator.TeardownAll(conn, "connection closed")
	log.Info("live connection closed")
}

// runHeartbeat pings the client on an interval and enforces the idle
// timeout. An idle connection has its sessions torn down first, so the
// close notifications still reach the client, then the transport is closed
// to unblock the read loop.
func (h *LiveHandler) runHeartbeat(conn *live.Conn, done <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if conn.IdleFor(time.Now()) > h.idleTimeout {
				log.Info("closing idle connection")
				h.orchestrator.TeardownAll(conn, "idle timeout")
				_ = conn.Close()
				return
			}
			if err := conn.SendJSON(models.ServerPing()); err != nil {
				return
			}
		}
	}
}

func (h *LiveHandler) readLoop(conn *live.Conn, c *websocket.Conn, log *logrus.Entry) {
	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("websocket read ended")
			return
		}

		conn.Touch()

		switch messageType {
		case websocket.BinaryMessage:
			h.forwardRawAudio(conn, data)

		case websocket.TextMessage:
			// Some clients stream raw PCM over text frames; anything that
			// is not valid JSON is treated as audio payload.
			if !json.Valid(data) {
				h.forwardRawAudio(conn, data)
				continue
			}
			h.dispatch(conn, data, log)
		}
	}
}

// dispatch decodes and routes one structured client frame. A malformed frame
// answers with an error frame; an unrecognized type is dropped so older
// servers tolerate newer clients.
func (h *LiveHandler) dispatch(conn *live.Conn, data []byte, log *logrus.Entry) {
	msg, err := models.DecodeClientMessage(data)
	if err != nil {
		_ = conn.SendJSON(models.Error("invalid message format"))
		return
	}

	switch m := msg.(type) {
	case *models.CreateSession:
		// Denials and failures already answered on the socket.
		if _, err := h.orchestrator.CreateSession(context.Background(), conn, m); err != nil {
			log.WithError(err).Info("create_session rejected")
		}

	case *models.SendText:
		s, err := h.orchestrator.SessionFor(conn, m.SessionID)
		if err != nil {
			_ = conn.SendJSON(models.Error("no active session"))
			return
		}
		if err := h.orchestrator.ForwardText(s, m.Text); err != nil {
			log.WithError(err).Warn("send_text failed")
		}

	case *models.SendAudio:
		h.forwardEncodedMedia(conn, m.SessionID, m.Data, m.MimeType, micMimeType, log)

	case *models.SendVideo:
		h.forwardEncodedMedia(conn, m.SessionID, m.Data, m.MimeType, cameraMimeType, log)

	case *models.SendContext:
		s, err := h.orchestrator.SessionFor(conn, m.SessionID)
		if err != nil {
			_ = conn.SendJSON(models.Error("no active session"))
			return
		}
		if err := h.orchestrator.ForwardContext(s, m.Turns); err != nil {
			log.WithError(err).Warn("send_context failed")
		}

	case *models.EndSession:
		s, err := h.orchestrator.SessionFor(conn, m.SessionID)
		if err != nil {
			_ = conn.SendJSON(models.Error("no active session"))
			return
		}
		h.orchestrator.Teardown(s, "client requested")

	case models.Ping:
		_ = conn.SendJSON(models.Pong())

	case models.Unknown:
		log.WithField("type", m.Type).Debug("dropping unknown message type")
	}
}

// forwardRawAudio relays unframed audio bytes to the connection's session.
func (h *LiveHandler) forwardRawAudio(conn *live.Conn, data []byte) {
	s, err := h.orchestrator.SessionFor(conn, "")
	if err != nil {
		_ = conn.SendJSON(models.Error("no active session"))
		return
	}
	_ = h.orchestrator.ForwardMedia(s, micMimeType, data)
}

func (h *LiveHandler) forwardEncodedMedia(conn *live.Conn, sessionID, payload, mimeType, defaultMime string, log *logrus.Entry) {
	s, err := h.orchestrator.SessionFor(conn, sessionID)
	if err != nil {
		_ = conn.SendJSON(models.Error("no active session"))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		_ = conn.SendJSON(models.Error("media payload must be base64"))
		return
	}

	if mimeType == "" {
		mimeType = defaultMime
	}
	if err := h.orchestrator.ForwardMedia(s, mimeType, raw); err != nil {
		log.WithError(err).Warn("media forward failed")
	}
}
