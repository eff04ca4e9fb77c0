// Package realtime manages the WebSocket session to a cloud realtime speech
// model, one per call (§4.3). Per the design notes, consumers get a single
// event stream instead of a grab-bag of named callbacks — each event is a
// tagged variant and callers filter by Kind.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/metrics"
)

// Mode selects the session's operating mode.
type Mode string

const (
	ModeTranscription Mode = "transcription"
	ModeConversation   Mode = "conversation"
)

// EventKind discriminates realtime session events.
type EventKind string

const (
	EventUserPartial      EventKind = "user.partial"
	EventUserFinal        EventKind = "user.final"
	EventSpeechStart      EventKind = "speech.start"
	EventAssistantPartial EventKind = "assistant.partial"
	EventAssistantFinal   EventKind = "assistant.final"
	EventAssistantAudio   EventKind = "assistant.audio"
	EventDisconnected     EventKind = "disconnected"
)

// Event is one realtime session event.
type Event struct {
	Kind       EventKind
	Text       string  // transcript text, for *.partial / *.final
	Confidence float64 // for user transcripts, when provided
	Audio      []byte  // μ-law bytes, for assistant.audio
	Err        error   // for disconnected
}

// ErrRealtimeDisconnected is surfaced on unexpected close.
var ErrRealtimeDisconnected = errors.New("realtime: session disconnected")

// Backend is one cloud realtime-model transport (Deepgram, an
// OpenAI-Realtime-style WS endpoint, ...).
type Backend interface {
	// Connect opens the underlying connection and blocks until the server
	// has acknowledged session configuration, or ctx is done.
	Connect(ctx context.Context, cfg Config) error
	// SendAudio appends input audio. No-op if not connected.
	SendAudio(pcmu []byte)
	// Events returns the backend's raw event stream. Closed by Close; a
	// disconnect is reported as an EventDisconnected on it.
	Events() <-chan Event
	// Close tears down the connection.
	Close() error
}

// Config configures a realtime session.
type Config struct {
	Mode             Mode
	Instructions     string // system prompt, conversation mode only
	Voice            string // assistant voice, conversation mode only
	Language         string
	ForceOpening     string // one-time forced first-response instruction
	ConnectTimeout   time.Duration
	SessionAckWindow time.Duration // bound on waiting for "session updated"
}

const defaultSessionAckWindow = 5 * time.Second

// Session wraps a Backend with the invariants from §4.3: ack-gated connect,
// discard-partial-on-speech-start, exactly-once assistant-final, and
// mode-dependent reconnection.
type Session struct {
	backend Backend
	cfg     Config

	mu               sync.Mutex
	connected        bool
	pendingUserPart  string
	assistantFinalAt map[int]bool // turn index -> already emitted
	turn             int
	reconnectCount   int
	dropCount        int64

	out chan Event
}

// New constructs a Session around backend with the given config.
func New(backend Backend, cfg Config) *Session {
	if cfg.SessionAckWindow <= 0 {
		cfg.SessionAckWindow = defaultSessionAckWindow
	}
	return &Session{
		backend:          backend,
		cfg:              cfg,
		assistantFinalAt: make(map[int]bool),
		out:              make(chan Event, 64),
	}
}

// Connect opens the backend connection and waits (bounded by
// cfg.SessionAckWindow) for the server's session-updated acknowledgement
// before returning, preventing a race where the model starts generating
// under default instructions. Logs a warning (and returns no error) if the
// ack window expires.
func (s *Session) Connect(ctx context.Context) error {
	ackCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionAckWindow)
	defer cancel()

	if err := s.backend.Connect(ackCtx, s.cfg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Ack window expired; proceed anyway per spec (warning only).
			slog.Warn("realtime: session ack window expired, proceeding without confirmation", "window", s.cfg.SessionAckWindow)
		} else {
			return fmt.Errorf("realtime: connect failed: %w", err)
		}
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	go s.pump()
	return nil
}

// SendAudio forwards audio to the backend. If the session cannot accept
// (not yet connected, or disconnected), the frame is dropped rather than
// buffered (§5 backpressure); the first drop and every 100th thereafter is
// logged, and every drop increments the dropped-frames counter.
func (s *Session) SendAudio(pcmu []byte) {
	s.mu.Lock()
	connected := s.connected
	if !connected {
		s.dropCount++
		count := s.dropCount
		s.mu.Unlock()
		metrics.DroppedInboundFrames.Inc()
		if count == 1 || count%100 == 0 {
			slog.Warn("dropped inbound audio frame: realtime session not connected", "dropCount", count)
		}
		return
	}
	s.mu.Unlock()
	s.backend.SendAudio(pcmu)
}

// Events returns the session's deduplicated, invariant-enforcing event stream.
func (s *Session) Events() <-chan Event {
	return s.out
}

// Close tears down the session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.backend.Close()
}

func (s *Session) pump() {
	defer close(s.out)

	for ev := range s.backend.Events() {
		switch ev.Kind {
		case EventSpeechStart:
			s.mu.Lock()
			s.pendingUserPart = ""
			s.mu.Unlock()
			s.out <- ev

		case EventUserPartial:
			s.mu.Lock()
			s.pendingUserPart = ev.Text
			s.mu.Unlock()
			s.out <- ev

		case EventUserFinal:
			s.mu.Lock()
			s.pendingUserPart = ""
			s.turn++
			s.mu.Unlock()
			s.out <- ev

		case EventAssistantFinal:
			s.mu.Lock()
			already := s.assistantFinalAt[s.turn]
			if !already {
				s.assistantFinalAt[s.turn] = true
			}
			s.mu.Unlock()
			if already {
				continue // exactly once per turn
			}
			s.out <- ev

		case EventDisconnected:
			s.mu.Lock()
			s.connected = false
			mode := s.cfg.Mode
			s.mu.Unlock()
			if mode == ModeTranscription && s.tryReconnect() {
				continue
			}
			s.out <- ev
			return

		default:
			s.out <- ev
		}
	}
}

const maxReconnectAttempts = 5

// tryReconnect performs bounded exponential backoff reconnection and
// reports whether it succeeded; on success pump keeps reading the same
// backend event stream. Conversation mode never calls this: server state is
// not preserved and resumption would desync the dialog (§4.3).
func (s *Session) tryReconnect() bool {
	s.mu.Lock()
	s.reconnectCount = 0
	s.mu.Unlock()

	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.backend.Connect(ctx, s.cfg)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.connected = true
			s.mu.Unlock()
			return true
		}
		backoff *= 2
	}
	return false
}
