// Package upstream wraps the duplex connection to a streaming AI provider.
// Callers send client content and media frames and consume a single ordered
// event stream; everything provider-specific stays behind the Channel
// interface.
package upstream

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupportedMedia is returned when a channel cannot accept raw media
// frames (text-only providers).
var ErrUnsupportedMedia = errors.New("upstream channel does not accept media frames")

// EventKind discriminates upstream events.
type EventKind int

const (
	// EventAudio carries a chunk of model audio output.
	EventAudio EventKind = iota
	// EventText carries a chunk of model text output (text-modality sessions).
	EventText
	// EventInputTranscription carries a partial transcription of user speech.
	EventInputTranscription
	// EventOutputTranscription carries a partial transcription of model speech.
	EventOutputTranscription
	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete
	// EventGenerationComplete marks the end of model generation for a turn.
	EventGenerationComplete
	// EventInterrupted reports that the user barged in; the in-flight turn is void.
	EventInterrupted
	// EventGoAway warns of an impending provider-side disconnect.
	EventGoAway
	// EventResumption delivers an opaque token for resuming the session later.
	EventResumption
	// EventError reports a provider-side failure that did not close the channel.
	EventError
)

// Event is one item on a channel's ordered event stream.
type Event struct {
	Kind     EventKind
	Audio    []byte
	MimeType string
	Text     string
	Handle   string
	TimeLeft string
	Err      error
}

// ContentTurn is one prior turn forwarded as context to seed model memory.
type ContentTurn struct {
	Role string
	Text string
}

// Config describes the session to open upstream.
type Config struct {
	Model            string
	Voice            string
	SystemPrompt     string
	ResponseModality string // "audio" or "text"
	ResumptionHandle string
}

// Channel is one live provider session. Events() yields events in provider
// arrival order and is closed when the underlying connection closes, whether
// locally via Close or remotely. Close is safe to call more than once.
type Channel interface {
	// SendText forwards user-authored text as a complete turn.
	SendText(ctx context.Context, text string) error

	// SendMedia forwards one raw audio or video frame.
	SendMedia(ctx context.Context, mimeType string, data []byte) error

	// SendHistory forwards prior turns as non-terminal context.
	SendHistory(ctx context.Context, turns []ContentTurn) error

	Events() <-chan Event
	Close() error
}

// Dialer opens provider channels.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Channel, error)
}

// Registry picks a provider implementation from the requested model name.
type Registry struct {
	gemini Dialer
	openai Dialer
}

// NewRegistry creates a provider registry. Either dialer may be nil when the
// corresponding provider is not configured.
func NewRegistry(gemini, openai Dialer) *Registry {
	return &Registry{gemini: gemini, openai: openai}
}

// Dial routes to the provider owning the requested model.
func (r *Registry) Dial(ctx context.Context, cfg Config) (Channel, error) {
	if strings.HasPrefix(cfg.Model, "gpt-") {
		if r.openai == nil {
			return nil, errors.New("openai provider is not configured")
		}
		return r.openai.Dial(ctx, cfg)
	}
	if r.gemini == nil {
		return nil, errors.New("gemini provider is not configured")
	}
	return r.gemini.Dial(ctx, cfg)
}
