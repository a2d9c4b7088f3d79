package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const openaiTurnQueue = 4

// OpenAIDialer adapts streaming chat completions to the live channel
// interface for text-modality sessions. There is no duplex media transport;
// each user turn triggers one streamed completion.
type OpenAIDialer struct {
	client *openai.Client
	logger *logrus.Entry
}

// NewOpenAIDialer creates an OpenAI text-session dialer.
func NewOpenAIDialer(apiKey string, logger *logrus.Entry) *OpenAIDialer {
	return &OpenAIDialer{client: openai.NewClient(apiKey), logger: logger}
}

// Dial starts a text session. No network call happens until the first turn.
func (d *OpenAIDialer) Dial(ctx context.Context, cfg Config) (Channel, error) {
	sessionCtx, cancel := context.WithCancel(context.Background())

	ch := &openaiChannel{
		client: d.client,
		model:  cfg.Model,
		ctx:    sessionCtx,
		cancel: cancel,
		events: make(chan Event, geminiEventBuffer),
		turns:  make(chan string, openaiTurnQueue),
		log:    d.logger,
	}
	if cfg.SystemPrompt != "" {
		ch.history = append(ch.history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}

	go ch.worker()

	return ch, nil
}

type openaiChannel struct {
	client *openai.Client
	model  string
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	turns  chan string
	log    *logrus.Entry

	mu      sync.Mutex
	history []openai.ChatCompletionMessage

	closeOnce sync.Once
}

func (c *openaiChannel) Events() <-chan Event {
	return c.events
}

func (c *openaiChannel) SendText(ctx context.Context, text string) error {
	select {
	case c.turns <- text:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("upstream channel is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *openaiChannel) SendMedia(ctx context.Context, mimeType string, data []byte) error {
	return ErrUnsupportedMedia
}

func (c *openaiChannel) SendHistory(ctx context.Context, turns []ContentTurn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range turns {
		role := openai.ChatMessageRoleAssistant
		if t.Role == "user" {
			role = openai.ChatMessageRoleUser
		}
		c.history = append(c.history, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return nil
}

func (c *openaiChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
	})
	return nil
}

// worker runs one completion per queued turn, strictly in order.
func (c *openaiChannel) worker() {
	defer close(c.events)

	for {
		select {
		case <-c.ctx.Done():
			return
		case text := <-c.turns:
			c.generate(text)
		}
	}
}

func (c *openaiChannel) generate(userText string) {
	c.mu.Lock()
	c.history = append(c.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})
	messages := make([]openai.ChatCompletionMessage, len(c.history))
	copy(messages, c.history)
	c.mu.Unlock()

	stream, err := c.client.CreateChatCompletionStream(c.ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("openai stream failed: %w", err)})
		return
	}
	defer stream.Close()

	var assistant string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.emit(Event{Kind: EventError, Err: fmt.Errorf("openai stream read failed: %w", err)})
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		assistant += delta
		if !c.emit(Event{Kind: EventOutputTranscription, Text: delta}) {
			return
		}
	}

	c.mu.Lock()
	c.history = append(c.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: assistant,
	})
	c.mu.Unlock()

	c.emit(Event{Kind: EventGenerationComplete})
	c.emit(Event{Kind: EventTurnComplete})
}

func (c *openaiChannel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}
