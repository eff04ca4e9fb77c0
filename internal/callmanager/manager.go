package callmanager

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/bridge"
	"github.com/sebas/voicebridge/internal/metrics"
	"github.com/sebas/voicebridge/internal/provider"
	"github.com/sebas/voicebridge/internal/tts"
)

// ErrTooManyCalls is returned when initiateCall would exceed maxConcurrentCalls.
var ErrTooManyCalls = fmt.Errorf("callmanager: too many concurrent calls")

// Config bounds the manager's timeouts and concurrency cap (§4.6, §5).
type Config struct {
	MaxConcurrentCalls int
	RingTimeout        time.Duration
	SilenceTimeout     time.Duration
	MaxDuration        time.Duration
	TranscriptTimeout  time.Duration
	StreamingMode      string // "off" | "transcription" | "realtime-conversation"
}

// EndedHook is invoked exactly once per call with its final immutable record.
type EndedHook func(record Record)

// Manager is the call manager (C6): authoritative state, transcript,
// concurrency cap, and history log.
type Manager struct {
	cfg      Config
	adapter  provider.Adapter
	bridge   *bridge.Bridge
	tts      *tts.Adapter
	history  *HistoryLog

	mu      sync.Mutex
	records map[string]*Record // callId -> record
	byProv  map[string]string  // providerCallId -> callId
	byToken map[string]string  // stream auth token -> callId

	endedHook EndedHook
	nextID    int64

	timers map[string][]*time.Timer // callId -> active timeout timers, cancelled on transition
}

// New constructs a Manager. br may be nil at construction time and attached
// later via AttachBridge, since the Bridge's constructor in turn needs the
// Manager as its CallEventSink/IdentityResolver.
func New(cfg Config, adapter provider.Adapter, history *HistoryLog, ttsAdapter *tts.Adapter) *Manager {
	return &Manager{
		cfg:     cfg,
		adapter: adapter,
		tts:     ttsAdapter,
		history: history,
		records: make(map[string]*Record),
		byProv:  make(map[string]string),
		byToken: make(map[string]string),
		timers:  make(map[string][]*time.Timer),
	}
}

// AttachBridge wires the Bridge after both sides are constructed, breaking
// the Manager<->Bridge construction cycle.
func (m *Manager) AttachBridge(br *bridge.Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridge = br
}

// ActiveCallIDs returns the callIds of every non-terminal call, for Stop()'s
// drain pass.
func (m *Manager) ActiveCallIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id, r := range m.records {
		if !IsTerminal(r.State) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetOnCallEndedHook installs the hook fired once per call on terminal transition.
func (m *Manager) SetOnCallEndedHook(hook EndedHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedHook = hook
}

func (m *Manager) activeCallCount() int {
	n := 0
	for _, r := range m.records {
		if !IsTerminal(r.State) {
			n++
		}
	}
	return n
}

func (m *Manager) mintCallID() string {
	m.nextID++
	return fmt.Sprintf("call-%d-%d", time.Now().UnixNano(), m.nextID)
}

// InitiateResult is returned by InitiateCall.
type InitiateResult struct {
	Success bool
	CallID  string
	Error   error
}

// InitiateCall originates an outbound call (§4.6).
func (m *Manager) InitiateCall(ctx context.Context, to string, sessionKey string, meta Metadata) InitiateResult {
	m.mu.Lock()
	if m.activeCallCount() >= m.cfg.MaxConcurrentCalls && m.cfg.MaxConcurrentCalls > 0 {
		m.mu.Unlock()
		return InitiateResult{Success: false, Error: ErrTooManyCalls}
	}
	callID := m.mintCallID()
	meta.SessionKey = sessionKey
	record := &Record{
		CallID:    callID,
		To:        to,
		Direction: "outbound",
		State:     StateInitiating,
		StartedAt: time.Now(),
		Metadata:  meta,
	}
	m.records[callID] = record
	m.mu.Unlock()
	metrics.CallsStarted.Inc()

	result, err := m.adapter.InitiateCall(ctx, provider.InitiateInput{To: to})
	if err != nil {
		m.transition(callID, StateFailed, "failed")
		return InitiateResult{Success: false, CallID: callID, Error: err}
	}

	m.mu.Lock()
	record.ProviderCallID = result.ProviderCallID
	m.byProv[result.ProviderCallID] = callID
	m.mu.Unlock()

	m.registerStream(callID, result.ProviderCallID)

	m.transition(callID, StateRinging, "")
	m.armTimeout(callID, m.cfg.RingTimeout, StateNoAnswer, "no-answer")

	return InitiateResult{Success: true, CallID: callID}
}

// registerStream asks the adapter (if it implements provider.OptionalHooks)
// to mint a stream URL and records the embedded auth token so the bridge's
// IdentityResolver can later resolve a raw-binary connection's token back
// to a callId (§4.4 handshake step 3).
func (m *Manager) registerStream(callID, providerCallID string) {
	hooks, ok := m.adapter.(provider.OptionalHooks)
	if !ok {
		return
	}
	streamURL, err := hooks.RegisterCallStream(callID, providerCallID)
	if err != nil {
		return
	}
	token := extractStreamToken(streamURL)
	if token == "" {
		return
	}
	m.mu.Lock()
	if r, ok := m.records[callID]; ok {
		r.StreamAuthToken = token
	}
	m.byToken[token] = callID
	m.mu.Unlock()
}

func extractStreamToken(streamURL string) string {
	u, err := url.Parse(streamURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}

// ActionResult is the {success, error} shape used by ContinueCall/Speak/EndCall.
type ActionResult struct {
	Success    bool
	Transcript []TranscriptEntry
	Error      error
}

// ContinueCall synthesizes a bot-spoken message and appends a bot transcript
// entry. It never forges a user transcript entry (§9 Open Question
// resolution).
func (m *Manager) ContinueCall(ctx context.Context, callID, message string) ActionResult {
	record, ok := m.get(callID)
	if !ok {
		return ActionResult{Success: false, Error: fmt.Errorf("callmanager: unknown call %s", callID)}
	}

	m.appendTranscript(callID, "bot", message)

	if err := m.speak(ctx, record, message); err != nil {
		return ActionResult{Success: false, Error: err}
	}

	record, _ = m.get(callID)
	return ActionResult{Success: true, Transcript: record.Clone().Transcript}
}

// Speak synthesizes text without otherwise advancing the conversation.
func (m *Manager) Speak(ctx context.Context, callID, text string) ActionResult {
	record, ok := m.get(callID)
	if !ok {
		return ActionResult{Success: false, Error: fmt.Errorf("callmanager: unknown call %s", callID)}
	}
	m.appendTranscript(callID, "bot", text)
	if err := m.speak(ctx, record, text); err != nil {
		return ActionResult{Success: false, Error: err}
	}
	return ActionResult{Success: true}
}

// speak routes synthesis through the bridge's TTS queue in streaming
// conversation/transcription mode, or through the provider's native playTts
// otherwise (§4.6 "Continue / speak").
func (m *Manager) speak(ctx context.Context, record *Record, text string) error {
	streaming := m.cfg.StreamingMode != "" && m.cfg.StreamingMode != "off"
	if streaming && m.bridge != nil {
		if m.tts == nil {
			return m.adapter.PlayTTS(ctx, record.ProviderCallID, nil)
		}
		audio, err := m.tts.SynthesizeForTelephony(ctx, text)
		if err != nil {
			return m.adapter.PlayTTS(ctx, record.ProviderCallID, nil)
		}
		return m.bridge.SendAudio(record.CallID, audio)
	}
	if m.tts != nil {
		audio, err := m.tts.SynthesizeForTelephony(ctx, text)
		if err == nil {
			return m.adapter.PlayTTS(ctx, record.ProviderCallID, audio)
		}
	}
	return m.adapter.PlayTTS(ctx, record.ProviderCallID, nil)
}

// EndCall transitions a call to hangup-bot and hangs it up provider-side.
// endReason defaults to "hangup-bot" when empty; callers that hang up for an
// operational reason (e.g. server shutdown drain) may pass their own.
func (m *Manager) EndCall(ctx context.Context, callID, endReason string) (ActionResult, error) {
	record, ok := m.get(callID)
	if !ok {
		err := fmt.Errorf("callmanager: unknown call %s", callID)
		return ActionResult{Success: false, Error: err}, err
	}
	if endReason == "" {
		endReason = "hangup-bot"
	}
	if err := m.adapter.HangupCall(ctx, record.ProviderCallID); err != nil {
		return ActionResult{Success: false, Error: err}, err
	}
	m.transition(callID, StateEnding, "")
	m.transition(callID, mapEndReasonToState(endReason), endReason)
	return ActionResult{Success: true}, nil
}

// GetCall returns a snapshot of the record, if any.
func (m *Manager) GetCall(callID string) (Record, bool) {
	record, ok := m.get(callID)
	if !ok {
		return Record{}, false
	}
	return record.Clone(), true
}

// GetCallByProviderCallID resolves the internal callId for a carrier id.
func (m *Manager) GetCallByProviderCallID(providerCallID string) (Record, bool) {
	m.mu.Lock()
	callID, ok := m.byProv[providerCallID]
	m.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	return m.GetCall(callID)
}

// GetCallHistory returns up to limit records, newest first by endedAt then startedAt.
func (m *Manager) GetCallHistory(limit int) []Record {
	m.mu.Lock()
	all := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r.Clone())
	}
	m.mu.Unlock()

	sortRecordsDesc(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func sortRecordsDesc(records []Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && recordKey(records[j]).After(recordKey(records[j-1])); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

func recordKey(r Record) time.Time {
	if !r.EndedAt.IsZero() {
		return r.EndedAt
	}
	return r.StartedAt
}

func (m *Manager) get(callID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[callID]
	return r, ok
}

// appendTranscript appends an immutable transcript entry at emission time
// (§4.6: "update the transcript with a bot entry at emission time, not
// completion time").
func (m *Manager) appendTranscript(callID, speaker, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[callID]
	if !ok {
		return
	}
	r.Transcript = append(r.Transcript, TranscriptEntry{Speaker: speaker, Text: text, Timestamp: time.Now()})
}

// transition applies a state change if legal, firing the end-of-call hook
// exactly once on first arrival at a terminal state (idempotent under
// redelivery, keyed by (callId, terminalState) — a call that's already
// terminal simply drops the event).
func (m *Manager) transition(callID string, to State, endReason string) {
	m.mu.Lock()
	r, ok := m.records[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if IsTerminal(r.State) {
		// Idempotent under redelivered terminal webhooks.
		m.mu.Unlock()
		return
	}
	if !canTransition(r.State, to) {
		m.mu.Unlock()
		return
	}

	r.State = to
	var fireHook bool
	var snapshot Record
	if IsTerminal(to) {
		r.EndReason = endReason
		r.EndedAt = time.Now()
		m.cancelTimers(callID)
		if !r.endedHookFired {
			r.endedHookFired = true
			fireHook = true
			snapshot = r.Clone()
		}
	}
	hook := m.endedHook
	history := m.history
	m.mu.Unlock()

	if fireHook {
		metrics.CallsEndedByReason.WithLabelValues(snapshot.EndReason).Inc()
		if history != nil {
			_ = history.Append(snapshot)
		}
		if hook != nil {
			hook(snapshot)
		}
	}
}

func (m *Manager) armTimeout(callID string, d time.Duration, target State, endReason string) {
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		m.transition(callID, target, endReason)
	})
	m.mu.Lock()
	m.timers[callID] = append(m.timers[callID], timer)
	m.mu.Unlock()
}

func (m *Manager) cancelTimers(callID string) {
	for _, t := range m.timers[callID] {
		t.Stop()
	}
	delete(m.timers, callID)
}

// --- bridge.CallEventSink implementation ---

// OnTranscript appends a realtime-session-sourced transcript entry.
func (m *Manager) OnTranscript(callID, speaker, text string) {
	m.appendTranscript(callID, speaker, text)
}

// OnSpeechStart handles barge-in: it does not itself clear the TTS queue
// (the bridge does that directly) but records the listening sub-phase.
func (m *Manager) OnSpeechStart(callID string) {
	m.mu.Lock()
	r, ok := m.records[callID]
	if ok && !IsTerminal(r.State) {
		r.State = StateListening
	}
	m.mu.Unlock()
}

// OnRealtimeDisconnected handles realtime WS loss. In conversation mode this
// is terminal for the call (§8 S5); transcription-mode reconnection is
// handled inside the realtime.Session itself, and only a disconnect that
// outlasts its reconnect attempts reaches this hook.
func (m *Manager) OnRealtimeDisconnected(callID string, err error) {
	m.transition(callID, StateFailed, "realtime-disconnected")
}

// OnWebhookEvent applies a normalized provider event to the call record
// (§4.5/§4.6), called from the webhook HTTP handler. An event for a
// providerCallId never seen before bootstraps a fresh inbound record.
func (m *Manager) OnWebhookEvent(ev provider.NormalizedEvent) {
	callID, ok := m.resolveOrCreateInbound(ev)
	if !ok {
		return
	}

	switch ev.Type {
	case provider.EventInitiated:
		// Record creation already happened in resolveOrCreateInbound.
	case provider.EventRinging:
		m.transition(callID, StateRinging, "")
	case provider.EventAnswered:
		m.transition(callID, StateAnswered, "")
		m.transition(callID, StateActive, "")
		m.armTimeout(callID, m.cfg.MaxDuration, StateTimeout, "timeout")
	case provider.EventEnded:
		reason := provider.MapEndReason(ev.StatusRaw)
		m.transition(callID, mapEndReasonToState(reason), reason)
	case provider.EventFailed:
		m.transition(callID, StateFailed, "failed")
	}
}

// resolveOrCreateInbound resolves an event's providerCallId to a local
// callId, bootstrapping a brand-new inbound Record on first sight (§4.6:
// inbound calls have no prior InitiateCall to have created one).
func (m *Manager) resolveOrCreateInbound(ev provider.NormalizedEvent) (string, bool) {
	m.mu.Lock()
	callID, ok := m.byProv[ev.ProviderCallID]
	if !ok {
		for _, r := range m.records {
			if r.ProviderCallID == ev.ProviderCallID {
				callID, ok = r.CallID, true
				break
			}
		}
	}
	if ok {
		m.mu.Unlock()
		return callID, true
	}

	if ev.ProviderCallID == "" {
		m.mu.Unlock()
		return "", false
	}

	callID = m.mintCallID()
	record := &Record{
		CallID:         callID,
		ProviderCallID: ev.ProviderCallID,
		From:           ev.From,
		To:             ev.To,
		Direction:      "inbound",
		State:          StateInitiating,
		StartedAt:      time.Now(),
	}
	m.records[callID] = record
	m.byProv[ev.ProviderCallID] = callID
	m.mu.Unlock()
	metrics.CallsStarted.Inc()

	m.registerStream(callID, ev.ProviderCallID)

	return callID, true
}

// --- bridge.IdentityResolver implementation ---

// ResolveCallIDByToken resolves a media-stream query token to its callId
// (§4.4 handshake step 3, raw-binary transport).
func (m *Manager) ResolveCallIDByToken(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byToken[token]
	return callID, ok
}

// ShouldAcceptStream reports whether a resolved stream identity still maps
// to a known, non-terminal call.
func (m *Manager) ShouldAcceptStream(identity bridge.StreamIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[identity.CallID]
	return ok && !IsTerminal(r.State)
}

func mapEndReasonToState(reason string) State {
	switch reason {
	case "busy":
		return StateBusy
	case "no-answer":
		return StateNoAnswer
	case "voicemail":
		return StateVoicemail
	case "timeout":
		return StateTimeout
	case "hangup-user":
		return StateHangupUser
	case "hangup-bot":
		return StateHangupBot
	case "failed":
		return StateFailed
	default:
		return StateCompleted
	}
}
