package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const geminiEventBuffer = 64

// GeminiDialer opens Gemini Live sessions over the BidiGenerateContent
// WebSocket API.
type GeminiDialer struct {
	Endpoint string
	APIKey   string
	Logger   *logrus.Entry
}

// NewGeminiDialer creates a Gemini Live dialer.
func NewGeminiDialer(endpoint, apiKey string, logger *logrus.Entry) *GeminiDialer {
	return &GeminiDialer{Endpoint: endpoint, APIKey: apiKey, Logger: logger}
}

// Dial opens the duplex connection, sends the setup message, and waits for
// the server's setup acknowledgement before returning.
func (d *GeminiDialer) Dial(ctx context.Context, cfg Config) (Channel, error) {
	url := fmt.Sprintf("%s?key=%s", d.Endpoint, d.APIKey)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gemini live: %w", err)
	}

	ch := &geminiChannel{
		ws:     ws,
		events: make(chan Event, geminiEventBuffer),
		done:   make(chan struct{}),
		log:    d.Logger,
	}

	if err := ch.writeJSON(setupMessage(cfg)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to send setup: %w", err)
	}

	// The first server frame must be the setup acknowledgement.
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read setup ack: %w", err)
	}
	var ack geminiServerMessage
	if err := json.Unmarshal(raw, &ack); err != nil || ack.SetupComplete == nil {
		ws.Close()
		return nil, fmt.Errorf("unexpected first frame from gemini live")
	}
	_ = ws.SetReadDeadline(time.Time{})

	go ch.readLoop()

	return ch, nil
}

type geminiChannel struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}
	log    *logrus.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *geminiChannel) Events() <-chan Event {
	return c.events
}

func (c *geminiChannel) SendText(ctx context.Context, text string) error {
	return c.writeJSON(map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{
				{
					"role":  "user",
					"parts": []map[string]any{{"text": text}},
				},
			},
			"turnComplete": true,
		},
	})
}

func (c *geminiChannel) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	return c.writeJSON(map[string]any{
		"realtimeInput": map[string]any{
			"mediaChunks": []map[string]any{
				{
					"mimeType": mimeType,
					"data":     base64.StdEncoding.EncodeToString(data),
				},
			},
		},
	})
}

func (c *geminiChannel) SendHistory(ctx context.Context, turns []ContentTurn) error {
	if len(turns) == 0 {
		return nil
	}
	content := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != "user" {
			role = "model"
		}
		content = append(content, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": t.Text}},
		})
	}
	return c.writeJSON(map[string]any{
		"clientContent": map[string]any{
			"turns":        content,
			"turnComplete": false,
		},
	})
}

func (c *geminiChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *geminiChannel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("upstream channel is closed")
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// readLoop pumps server frames into the event channel in arrival order. It
// owns the events channel and closes it on exit.
func (c *geminiChannel) readLoop() {
	defer close(c.events)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if c.log != nil {
					c.log.WithError(err).Debug("gemini live read ended")
				}
			}
			return
		}

		var msg geminiServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("dropping unparseable gemini frame")
			}
			continue
		}

		for _, ev := range decodeServerMessage(&msg) {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// Wire types for the BidiGenerateContent protocol. Only the fields the
// orchestrator consumes are modeled.

type geminiServerMessage struct {
	SetupComplete *struct{}             `json:"setupComplete,omitempty"`
	ServerContent *geminiServerContent  `json:"serverContent,omitempty"`
	GoAway        *geminiGoAway         `json:"goAway,omitempty"`
	Resumption    *geminiResumptionInfo `json:"sessionResumptionUpdate,omitempty"`
}

type geminiServerContent struct {
	ModelTurn           *geminiContent     `json:"modelTurn,omitempty"`
	InputTranscription  *geminiTranscript  `json:"inputTranscription,omitempty"`
	OutputTranscription *geminiTranscript  `json:"outputTranscription,omitempty"`
	TurnComplete        bool               `json:"turnComplete,omitempty"`
	GenerationComplete  bool               `json:"generationComplete,omitempty"`
	Interrupted         bool               `json:"interrupted,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiTranscript struct {
	Text string `json:"text,omitempty"`
}

type geminiGoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type geminiResumptionInfo struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

// decodeServerMessage flattens one server frame into ordered events. Media
// parts come first so audio relay is never queued behind text handling.
func decodeServerMessage(msg *geminiServerMessage) []Event {
	var events []Event

	if msg.ServerContent != nil {
		sc := msg.ServerContent

		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						continue
					}
					events = append(events, Event{
						Kind:     EventAudio,
						Audio:    audio,
						MimeType: part.InlineData.MimeType,
					})
				}
			}
			for _, part := range sc.ModelTurn.Parts {
				if part.Text != "" {
					events = append(events, Event{Kind: EventText, Text: part.Text})
				}
			}
		}

		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, Event{Kind: EventInputTranscription, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, Event{Kind: EventOutputTranscription, Text: sc.OutputTranscription.Text})
		}

		// Interruption wins over completion signals when both appear in one
		// frame; the in-flight turn is already void.
		if sc.Interrupted {
			events = append(events, Event{Kind: EventInterrupted})
		} else {
			if sc.GenerationComplete {
				events = append(events, Event{Kind: EventGenerationComplete})
			}
			if sc.TurnComplete {
				events = append(events, Event{Kind: EventTurnComplete})
			}
		}
	}

	if msg.GoAway != nil {
		events = append(events, Event{Kind: EventGoAway, TimeLeft: msg.GoAway.TimeLeft})
	}
	if msg.Resumption != nil && msg.Resumption.NewHandle != "" {
		events = append(events, Event{Kind: EventResumption, Handle: msg.Resumption.NewHandle})
	}

	return events
}

func setupMessage(cfg Config) map[string]any {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	modality := "AUDIO"
	if strings.EqualFold(cfg.ResponseModality, "text") {
		modality = "TEXT"
	}

	setup := map[string]any{
		"model": model,
		"generationConfig": map[string]any{
			"responseModalities": []string{modality},
		},
		"inputAudioTranscription":  map[string]any{},
		"outputAudioTranscription": map[string]any{},
	}

	if modality == "AUDIO" && cfg.Voice != "" {
		setup["generationConfig"].(map[string]any)["speechConfig"] = map[string]any{
			"voiceConfig": map[string]any{
				"prebuiltVoiceConfig": map[string]any{"voiceName": cfg.Voice},
			},
		}
	}
	if cfg.SystemPrompt != "" {
		setup["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": cfg.SystemPrompt}},
		}
	}
	if cfg.ResumptionHandle != "" {
		setup["sessionResumption"] = map[string]any{"handle": cfg.ResumptionHandle}
	}

	return map[string]any{"setup": setup}
}
