// Package bridge implements the media-stream WebSocket bridge (C4): it
// accepts carrier audio over one of two wire transports, forwards it to a
// realtime speech session, and serializes synthesized audio back to the
// carrier with barge-in support. Grounded on the dual-channel
// phoneToAIChan/aiToPhoneChan bridge shape from the SignalWire
// AudioStreamBridge example, adapted from goroutine channels to an explicit
// FIFO operation queue so clearTtsQueue's "resolve, don't reject" semantics
// have somewhere concrete to apply.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/realtime"
)

// Transport distinguishes the two wire formats a carrier may speak.
type Transport int

const (
	TransportFramedJSON Transport = iota
	TransportRawBinary
)

// frameSize and pacing match §4.4's frame-pacing rule: 160-byte chunks, 20ms
// apart, to match real-time μ-law playout at 8kHz.
const (
	playoutFrameSize = codec.DefaultFrameSize
	playoutInterval  = 20 * time.Millisecond
)

// StreamIdentity is what the bridge resolves a connection's callId from.
type StreamIdentity struct {
	CallID     string
	StreamSid  string
	Token      string
}

// IdentityResolver resolves a framed-JSON start payload's custom parameters,
// or a raw-binary connection's query token, to a callId. Implemented by
// callmanager.Manager.
type IdentityResolver interface {
	ResolveCallIDByToken(token string) (callID string, ok bool)
	ShouldAcceptStream(identity StreamIdentity) bool
}

// CallEventSink receives transcript and lifecycle events from an active
// stream. Implemented by the call manager (C6); kept as an interface here to
// avoid an import cycle between bridge and callmanager.
type CallEventSink interface {
	OnTranscript(callID string, speaker string, text string)
	OnSpeechStart(callID string) // barge-in trigger
	OnRealtimeDisconnected(callID string, err error)
}

// RealtimeSessionFactory builds the realtime session for a newly accepted
// stream. Supplied by runtime wiring so bridge stays decoupled from how
// sessions pick transcription vs conversation backends.
type RealtimeSessionFactory func(ctx context.Context, callID string) (*realtime.Session, error)

// ErrNoCallID is returned internally when a connection's callId cannot be resolved.
var ErrNoCallID = errors.New("bridge: unable to resolve callId for stream")

// Bridge is the WebSocket media-stream server.
type Bridge struct {
	resolver IdentityResolver
	sink     CallEventSink
	sessions RealtimeSessionFactory
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	streams map[string]*streamState // keyed by callId
}

// New constructs a Bridge.
func New(resolver IdentityResolver, sink CallEventSink, sessions RealtimeSessionFactory) *Bridge {
	return &Bridge{
		resolver: resolver,
		sink:     sink,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		streams: make(map[string]*streamState),
	}
}

type streamState struct {
	callID    string
	streamSid string
	transport Transport
	conn      *websocket.Conn
	writeMu   sync.Mutex
	session   *realtime.Session
	ttsQueue  *ttsQueue
}

// ServeHTTP upgrades the connection and runs the stream's lifecycle until
// close. Implements http.Handler so it can be mounted directly at the
// streaming path.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	state, err := b.handshake(r, conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	b.mu.Lock()
	b.streams[state.callID] = state
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.streams, state.callID)
		b.mu.Unlock()
		state.ttsQueue.shutdown()
		if state.session != nil {
			state.session.Close()
		}
		conn.Close()
	}()

	b.pumpRealtimeEvents(state)
	b.readLoop(state)
}

type framedMessage struct {
	Event  string `json:"event"`
	Start  *struct {
		StreamSid        string            `json:"streamSid"`
		CustomParameters  map[string]string `json:"customParameters"`
		CallSid          string            `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// handshake reads the connection's first message to determine transport and
// resolve callId, per §4.4 steps 1-3.
func (b *Bridge) handshake(r *http.Request, conn *websocket.Conn) (*streamState, error) {
	token := r.URL.Query().Get("token")

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("bridge: read handshake message: %w", err)
	}

	var state *streamState

	if msgType == websocket.TextMessage {
		var msg framedMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Event == "start" && msg.Start != nil {
			callID := firstNonEmpty(
				msg.Start.CustomParameters["callId"],
				msg.Start.CallSid,
				msg.Start.CustomParameters["providerCallId"],
				msg.Start.CustomParameters["call_session_history_id"],
			)
			if callID == "" {
				var ok bool
				callID, ok = b.resolver.ResolveCallIDByToken(token)
				if !ok {
					return nil, ErrNoCallID
				}
			}
			state = &streamState{
				callID:    callID,
				streamSid: msg.Start.StreamSid,
				transport: TransportFramedJSON,
				conn:      conn,
			}
		}
	}

	if state == nil {
		// Raw-binary transport: identity comes exclusively from the token.
		callID, ok := b.resolver.ResolveCallIDByToken(token)
		if !ok {
			return nil, ErrNoCallID
		}
		state = &streamState{
			callID:    callID,
			transport: TransportRawBinary,
			conn:      conn,
		}
		// The first frame we consumed for raw-binary peeking carries audio;
		// forward it now instead of dropping it.
		if msgType == websocket.BinaryMessage {
			defer func() {
				if state.session != nil {
					state.session.SendAudio(data)
				}
			}()
		}
	}

	if !b.resolver.ShouldAcceptStream(StreamIdentity{CallID: state.callID, StreamSid: state.streamSid, Token: token}) {
		return nil, fmt.Errorf("bridge: stream rejected for call %s", state.callID)
	}

	session, err := b.sessions(context.Background(), state.callID)
	if err != nil {
		return nil, fmt.Errorf("bridge: create realtime session: %w", err)
	}
	state.session = session
	state.ttsQueue = newTTSQueue(state)

	if state.transport == TransportFramedJSON {
		ackMsg := map[string]string{"event": "start"}
		_ = state.writeJSON(ackMsg)
	}

	return state, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *streamState) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *streamState) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop consumes carrier frames (audio, stop, mark, clear) until the
// connection closes.
func (b *Bridge) readLoop(state *streamState) {
	for {
		msgType, data, err := state.conn.ReadMessage()
		if err != nil {
			return
		}

		switch state.transport {
		case TransportRawBinary:
			if msgType == websocket.BinaryMessage {
				state.session.SendAudio(data)
			}
		case TransportFramedJSON:
			if msgType != websocket.TextMessage {
				continue
			}
			var msg framedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Event {
			case "media":
				if msg.Media == nil {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err == nil {
					state.session.SendAudio(audio)
				}
			case "stop":
				return
			}
		}
	}
}

// pumpRealtimeEvents relays session events into the call manager sink and
// into outbound audio playback, launched once per accepted stream.
func (b *Bridge) pumpRealtimeEvents(state *streamState) {
	go func() {
		for ev := range state.session.Events() {
			switch ev.Kind {
			case realtime.EventUserFinal:
				b.sink.OnTranscript(state.callID, "user", ev.Text)
			case realtime.EventAssistantFinal:
				b.sink.OnTranscript(state.callID, "assistant", ev.Text)
			case realtime.EventSpeechStart:
				b.sink.OnSpeechStart(state.callID)
				b.ClearTTSQueue(state.callID)
			case realtime.EventAssistantAudio:
				state.ttsQueue.enqueue(func(signal <-chan struct{}) error {
					return b.playAudio(state, ev.Audio, signal)
				})
			case realtime.EventDisconnected:
				b.sink.OnRealtimeDisconnected(state.callID, ev.Err)
			}
		}
	}()
}

// SendAudio emits synthesized audio for the given callId, going through the
// TTS queue so playback is serialized per stream.
func (b *Bridge) SendAudio(callID string, muLaw []byte) error {
	state, ok := b.lookup(callID)
	if !ok {
		return fmt.Errorf("bridge: no active stream for call %s", callID)
	}
	done := make(chan error, 1)
	state.ttsQueue.enqueue(func(signal <-chan struct{}) error {
		err := b.playAudio(state, muLaw, signal)
		select {
		case done <- err:
		default:
		}
		return err
	})
	return nil
}

// playAudio chunks muLaw into 160-byte frames and paces them 20ms apart,
// checking the abort signal before each chunk and after each sleep (§4.4
// frame pacing).
func (b *Bridge) playAudio(state *streamState, muLaw []byte, signal <-chan struct{}) error {
	frames := codec.Chunk(muLaw, playoutFrameSize)
	for _, frame := range frames {
		select {
		case <-signal:
			return nil
		default:
		}

		if err := b.emitFrame(state, frame); err != nil {
			return err
		}

		select {
		case <-signal:
			return nil
		case <-time.After(playoutInterval):
		}
	}
	return nil
}

func (b *Bridge) emitFrame(state *streamState, frame []byte) error {
	switch state.transport {
	case TransportFramedJSON:
		payload := base64.StdEncoding.EncodeToString(frame)
		return state.writeJSON(map[string]any{
			"event": "media",
			"media": map[string]string{"payload": payload},
		})
	default:
		return state.writeBinary(frame)
	}
}

// SendMark sends a named mark frame (framed-JSON transport only).
func (b *Bridge) SendMark(callID, name string) error {
	state, ok := b.lookup(callID)
	if !ok {
		return fmt.Errorf("bridge: no active stream for call %s", callID)
	}
	if state.transport != TransportFramedJSON {
		return nil
	}
	return state.writeJSON(map[string]any{"event": "mark", "mark": map[string]string{"name": name}})
}

// ClearTTSQueue aborts in-flight playback, drops queued operations
// (resolving, not rejecting, their promises), and emits a clear frame.
func (b *Bridge) ClearTTSQueue(callID string) {
	state, ok := b.lookup(callID)
	if !ok {
		return
	}
	state.ttsQueue.clear()
	if state.transport == TransportFramedJSON {
		_ = state.writeJSON(map[string]string{"event": "clear"})
	}
}

func (b *Bridge) lookup(callID string) (*streamState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[callID]
	return s, ok
}
