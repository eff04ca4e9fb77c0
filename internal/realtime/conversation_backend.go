package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConversationBackend speaks an OpenAI-Realtime-style JSON-over-WebSocket
// protocol: a session.update/session.updated handshake, input_audio_buffer
// append events, and response.* server events carrying incremental text and
// audio. Grounded on the Gemini Live setup/receive handshake shape (send a
// setup message, block for one ack event, then run a receive loop dispatching
// on message type) generalized away from any one vendor's field names.
type ConversationBackend struct {
	url       string
	apiKey    string
	dialer    *websocket.Dialer
	writeMu   sync.Mutex
	conn      *websocket.Conn
	events    chan Event
	closeOnce sync.Once
}

// NewConversationBackend constructs a ConversationBackend targeting url
// (e.g. a realtime-model WebSocket endpoint), authenticating with apiKey.
func NewConversationBackend(url, apiKey string) *ConversationBackend {
	return &ConversationBackend{
		url:    url,
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan Event, 64),
	}
}

type clientEvent struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
	Audio   string          `json:"audio,omitempty"`
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (b *ConversationBackend) Connect(ctx context.Context, cfg Config) error {
	header := map[string][]string{
		"Authorization": {"Bearer " + b.apiKey},
	}
	conn, _, err := b.dialer.DialContext(ctx, b.url, header)
	if err != nil {
		return fmt.Errorf("realtime: conversation backend dial failed: %w", err)
	}
	b.conn = conn

	sessionCfg := map[string]any{
		"modalities":    []string{"text", "audio"},
		"instructions":  cfg.Instructions,
		"voice":         cfg.Voice,
		"input_format":  "g711_ulaw",
		"output_format": "g711_ulaw",
	}
	raw, err := json.Marshal(sessionCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("realtime: marshal session config: %w", err)
	}

	if err := b.send(clientEvent{Type: "session.update", Session: raw}); err != nil {
		conn.Close()
		return err
	}

	ackCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ackCh <- err
				return
			}
			var ev serverEvent
			if json.Unmarshal(data, &ev) == nil && ev.Type == "session.updated" {
				ackCh <- nil
				return
			}
		}
	}()

	select {
	case err := <-ackCh:
		if err != nil {
			conn.Close()
			return fmt.Errorf("realtime: session ack failed: %w", err)
		}
	case <-ctx.Done():
		// Proceed without a confirmed ack; Session logs this via the caller.
		return ctx.Err()
	}

	if cfg.ForceOpening != "" {
		_ = b.send(map[string]any{
			"type": "response.create",
			"response": map[string]any{
				"instructions": cfg.ForceOpening,
			},
		})
	}

	go b.receiveLoop()
	return nil
}

func (b *ConversationBackend) send(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

func (b *ConversationBackend) SendAudio(pcmu []byte) {
	if b.conn == nil {
		return
	}
	encoded := base64.StdEncoding.EncodeToString(pcmu)
	_ = b.send(clientEvent{Type: "input_audio_buffer.append", Audio: encoded})
}

func (b *ConversationBackend) Events() <-chan Event {
	return b.events
}

func (b *ConversationBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.events)
		if b.conn != nil {
			err = b.conn.Close()
		}
	})
	return err
}

func (b *ConversationBackend) receiveLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "input_audio_buffer.speech_started":
			b.emit(Event{Kind: EventSpeechStart})
		case "conversation.item.input_audio_transcription.completed":
			b.emit(Event{Kind: EventUserFinal, Text: ev.Transcript})
		case "response.audio_transcript.delta":
			b.emit(Event{Kind: EventAssistantPartial, Text: ev.Delta})
		case "response.audio_transcript.done":
			b.emit(Event{Kind: EventAssistantFinal, Text: ev.Transcript})
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err == nil {
				b.emit(Event{Kind: EventAssistantAudio, Audio: audio})
			}
		case "error":
			msg := "realtime: server error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			b.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("%s", msg)})
			return
		}
	}
}

func (b *ConversationBackend) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
	}
}
