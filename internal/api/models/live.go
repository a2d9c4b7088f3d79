// Package models defines the client-facing live WebSocket envelopes.
package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeCreateSession = "create_session"
	TypeSendText      = "send_text"
	TypeSendTextAlias = "text"
	TypeSendAudio     = "send_audio"
	TypeSendVideo     = "send_video"
	TypeSendContext   = "send_context"
	TypeEndSession    = "end_session"
	TypePing          = "ping"
)

// ClientMessage is the closed set of inbound structured messages. Unknown
// types decode to Unknown so new protocol messages never fail older servers.
type ClientMessage interface {
	isClientMessage()
}

// CreateSession asks the server to open a new live session.
type CreateSession struct {
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
	Voice          string `json:"voice,omitempty"`
	ResponseType   string `json:"responseType,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
}

// SendText carries a complete user-authored text turn.
type SendText struct {
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
}

// SendAudio carries one base64 audio frame.
type SendAudio struct {
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data"`
	MimeType  string `json:"mimeType,omitempty"`
}

// SendVideo carries one base64 video frame.
type SendVideo struct {
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data"`
	MimeType  string `json:"mimeType,omitempty"`
}

// ContextTurn is one prior turn replayed to seed model memory.
type ContextTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SendContext carries a batch of prior turns.
type SendContext struct {
	SessionID string        `json:"sessionId,omitempty"`
	Turns     []ContextTurn `json:"turns"`
}

// EndSession closes a live session.
type EndSession struct {
	SessionID string `json:"sessionId,omitempty"`
}

// Ping is a client liveness probe.
type Ping struct{}

// Unknown is any structured message with an unrecognized type. It is
// dropped silently so the protocol can evolve.
type Unknown struct {
	Type string
}

func (CreateSession) isClientMessage() {}
func (SendText) isClientMessage()      {}
func (SendAudio) isClientMessage()     {}
func (SendVideo) isClientMessage()     {}
func (SendContext) isClientMessage()   {}
func (EndSession) isClientMessage()    {}
func (Ping) isClientMessage()          {}
func (Unknown) isClientMessage()       {}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeClientMessage parses one structured frame. The payload may sit in a
// nested "data" object or inline beside "type"; both shapes are accepted.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("frame is not a structured envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type discriminator")
	}

	payload := []byte(env.Data)
	if len(payload) == 0 {
		payload = raw
	}

	decode := func(v ClientMessage) (ClientMessage, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case TypeCreateSession:
		return decode(&CreateSession{})
	case TypeSendText, TypeSendTextAlias:
		return decode(&SendText{})
	case TypeSendAudio:
		return decode(&SendAudio{})
	case TypeSendVideo:
		return decode(&SendVideo{})
	case TypeSendContext:
		return decode(&SendContext{})
	case TypeEndSession:
		return decode(&EndSession{})
	case TypePing:
		return Ping{}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// Outbound frame types.
const (
	TypeConnected           = "connected"
	TypeSessionCreated      = "session_created"
	TypeSessionReady        = "session_ready"
	TypeRateLimitExceeded   = "rate_limit_exceeded"
	TypeAudioData           = "audio_data"
	TypeInputTranscription  = "input_transcription"
	TypeOutputTranscription = "output_transcription"
	TypeTurnComplete        = "turn_complete"
	TypeGenerationComplete  = "generation_complete"
	TypeInterrupted         = "interrupted"
	TypeGoAway              = "go_away"
	TypeSessionError        = "session_error"
	TypeSessionClosed       = "session_closed"
	TypeError               = "error"
	TypePong                = "pong"
)

// Outbound is the envelope for every server-to-client frame. Payload fields
// are omitted when empty, so each frame carries only what its type needs.
type Outbound struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	ConnectionID   string `json:"connectionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
	Text           string `json:"text,omitempty"`
	Data           string `json:"data,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
	Message        string `json:"message,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TimeLeft       string `json:"timeLeft,omitempty"`
	RetryAfter     int    `json:"retryAfter,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	LimitType      string `json:"limitType,omitempty"`
	Remaining      *int   `json:"remaining,omitempty"`
	Timestamp      string `json:"timestamp"`
}

func newOutbound(frameType, sessionID string) Outbound {
	return Outbound{
		Type:      frameType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Connected greets a freshly accepted connection.
func Connected(connectionID string) Outbound {
	f := newOutbound(TypeConnected, "")
	f.ConnectionID = connectionID
	return f
}

// SessionCreated acknowledges a successful create_session.
func SessionCreated(sessionID, conversationID, model string) Outbound {
	f := newOutbound(TypeSessionCreated, sessionID)
	f.ConversationID = conversationID
	f.Model = model
	return f
}

// SessionReady signals that the upstream channel is accepting input.
func SessionReady(sessionID string) Outbound {
	return newOutbound(TypeSessionReady, sessionID)
}

// RateLimitExceeded reports an admission denial.
func RateLimitExceeded(retryAfter, limit, remaining int, limitType string) Outbound {
	f := newOutbound(TypeRateLimitExceeded, "")
	f.Remaining = &remaining
	f.RetryAfter = retryAfter
	f.Limit = limit
	f.LimitType = limitType
	f.Message = "Session limit reached. Please try again later."
	return f
}

// AudioData relays one chunk of model audio.
func AudioData(sessionID string, audio []byte, mimeType string) Outbound {
	f := newOutbound(TypeAudioData, sessionID)
	f.Data = base64.StdEncoding.EncodeToString(audio)
	f.MimeType = mimeType
	return f
}

// Transcription relays the cumulative partial transcript for one side.
func Transcription(frameType, sessionID, text string) Outbound {
	f := newOutbound(frameType, sessionID)
	f.Text = text
	return f
}

// TurnBoundary relays a turn_complete or generation_complete signal.
func TurnBoundary(frameType, sessionID string) Outbound {
	return newOutbound(frameType, sessionID)
}

// Interrupted tells the client the in-flight model turn was abandoned.
func Interrupted(sessionID string) Outbound {
	return newOutbound(TypeInterrupted, sessionID)
}

// GoAway relays an impending provider-side disconnect.
func GoAway(sessionID, timeLeft string) Outbound {
	f := newOutbound(TypeGoAway, sessionID)
	f.TimeLeft = timeLeft
	return f
}

// SessionError reports an upstream failure on a still-open session.
func SessionError(sessionID, message string) Outbound {
	f := newOutbound(TypeSessionError, sessionID)
	f.Message = message
	return f
}

// SessionClosed reports session teardown.
func SessionClosed(sessionID, reason string) Outbound {
	f := newOutbound(TypeSessionClosed, sessionID)
	f.Reason = reason
	return f
}

// Error reports a recognized-but-invalid client frame.
func Error(message string) Outbound {
	f := newOutbound(TypeError, "")
	f.Message = message
	return f
}

// Pong answers a client ping.
func Pong() Outbound {
	return newOutbound(TypePong, "")
}

// ServerPing is the server-initiated heartbeat probe.
func ServerPing() Outbound {
	return newOutbound(TypePing, "")
}
