package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientMessage
	}{
		{
			name: "create_session nested data",
			raw:  `{"type":"create_session","data":{"model":"gemini-2.0-flash-exp","voice":"Puck"}}`,
			want: &CreateSession{Model: "gemini-2.0-flash-exp", Voice: "Puck"},
		},
		{
			name: "send_text inline payload",
			raw:  `{"type":"send_text","text":"hello"}`,
			want: &SendText{Text: "hello"},
		},
		{
			name: "text alias",
			raw:  `{"type":"text","data":{"text":"hi"}}`,
			want: &SendText{Text: "hi"},
		},
		{
			name: "send_audio",
			raw:  `{"type":"send_audio","data":{"data":"AAAA","mimeType":"audio/pcm"}}`,
			want: &SendAudio{Data: "AAAA", MimeType: "audio/pcm"},
		},
		{
			name: "send_context",
			raw:  `{"type":"send_context","data":{"turns":[{"role":"user","text":"earlier"}]}}`,
			want: &SendContext{Turns: []ContextTurn{{Role: "user", Text: "earlier"}}},
		},
		{
			name: "end_session",
			raw:  `{"type":"end_session","data":{"sessionId":"s1"}}`,
			want: &EndSession{SessionID: "s1"},
		},
		{
			name: "ping",
			raw:  `{"type":"ping"}`,
			want: Ping{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	got, err := DecodeClientMessage([]byte(`{"type":"future_thing","data":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: "future_thing"}, got)
}

func TestDecodeClientMessage_Invalid(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeClientMessage([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = DecodeClientMessage([]byte(`{"type":"send_text","data":{"text":5}}`))
	assert.Error(t, err)
}

func TestOutboundFrames(t *testing.T) {
	f := SessionCreated("s1", "c1", "gemini-2.0-flash-exp")
	assert.Equal(t, TypeSessionCreated, f.Type)
	assert.Equal(t, "s1", f.SessionID)
	assert.Equal(t, "c1", f.ConversationID)

	ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	raw, err := json.Marshal(AudioData("s1", []byte{1, 2}, "audio/pcm"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"audio_data"`)
	assert.Contains(t, string(raw), `"data":"AQI="`)
	assert.NotContains(t, string(raw), "retryAfter")
}

func TestRateLimitExceededFrame(t *testing.T) {
	f := RateLimitExceeded(3600, 3, 0, "daily")
	assert.Equal(t, 3600, f.RetryAfter)
	assert.Equal(t, 3, f.Limit)
	assert.Equal(t, "daily", f.LimitType)
	require.NotNil(t, f.Remaining)
	assert.Equal(t, 0, *f.Remaining)

	// A zero remaining count still serializes; clients read it to render
	// the quota display.
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"remaining":0`)
}
