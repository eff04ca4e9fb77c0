package realtime

import (
	"context"
	"fmt"
	"sync"

	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
)

// DeepgramBackend is the transcription-mode Backend: it streams μ-law audio
// to Deepgram's live endpoint and surfaces interim/final transcripts.
// Grounded on fanonxr-Lexiq-AI's voice-gateway Deepgram client (same
// NewWSUsingCallback + LiveTranscriptionOptions{Encoding:"mulaw",
// SampleRate:8000, Channels:1} wiring), adapted to this session's Backend
// interface instead of a bespoke channel type.
type DeepgramBackend struct {
	apiKey   string
	client   *listenClient.WSCallback
	events   chan Event
	mu       sync.Mutex
	closed   bool
}

// NewDeepgramBackend constructs a DeepgramBackend authenticated with apiKey.
func NewDeepgramBackend(apiKey string) *DeepgramBackend {
	return &DeepgramBackend{
		apiKey: apiKey,
		events: make(chan Event, 64),
	}
}

type dgCallbackHandler struct {
	websocketv1api.DefaultCallbackHandler
	backend *DeepgramBackend
}

func (b *DeepgramBackend) Connect(ctx context.Context, cfg Config) error {
	options := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       orDefault(cfg.Language, "en"),
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}

	handler := &dgCallbackHandler{backend: b}
	client, err := listenClient.NewWSUsingCallback(ctx, b.apiKey, nil, options, handler)
	if err != nil {
		return fmt.Errorf("realtime: deepgram connect failed: %w", err)
	}
	if !client.Connect() {
		return fmt.Errorf("realtime: deepgram connect handshake failed")
	}
	b.client = client
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (b *DeepgramBackend) SendAudio(pcmu []byte) {
	if b.client == nil {
		return
	}
	_, _ = b.client.Write(pcmu)
}

func (b *DeepgramBackend) Events() <-chan Event {
	return b.events
}

func (b *DeepgramBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.events)
	if b.client != nil {
		b.client.Stop()
	}
	return nil
}

func (b *DeepgramBackend) emit(ev Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.events <- ev:
	default:
	}
}

// Message handles a parsed Deepgram "Results" message, mirroring the
// message-type switch in the voice-gateway client's handleDeepgramMessage.
func (h *dgCallbackHandler) Message(mr *websocketv1api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if mr.IsFinal {
		h.backend.emit(Event{Kind: EventUserFinal, Text: alt.Transcript, Confidence: alt.Confidence})
	} else if alt.Transcript != "" {
		h.backend.emit(Event{Kind: EventUserPartial, Text: alt.Transcript, Confidence: alt.Confidence})
	}
	return nil
}

func (h *dgCallbackHandler) SpeechStarted(_ *websocketv1api.SpeechStartedResponse) error {
	h.backend.emit(Event{Kind: EventSpeechStart})
	return nil
}

func (h *dgCallbackHandler) Error(er *websocketv1api.ErrorResponse) error {
	h.backend.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("deepgram: %s", er.Description)})
	return nil
}
