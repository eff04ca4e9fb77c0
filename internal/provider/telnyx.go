package provider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// TelnyxAdapter implements Adapter for Telnyx Voice, following the same
// functional-options/Adapter shape as TwilioAdapter but with Telnyx's
// ed25519 webhook signature scheme (telnyx-signature-ed25519 +
// telnyx-timestamp headers, signed over "<timestamp>|<raw body>").
type TelnyxAdapter struct {
	*streamBookkeeping

	publicKey    ed25519.PublicKey
	apiKey       string
	connectionID string
	fromNumber   string
	skipVerify   bool

	httpClient *http.Client

	mu    sync.RWMutex
	calls map[string]string // providerCallID -> status
}

type TelnyxOption func(*TelnyxAdapter)

func WithTelnyxPublicKey(base64Key string) TelnyxOption {
	return func(a *TelnyxAdapter) {
		raw, err := base64.StdEncoding.DecodeString(base64Key)
		if err == nil && len(raw) == ed25519.PublicKeySize {
			a.publicKey = ed25519.PublicKey(raw)
		}
	}
}

func WithTelnyxAPIKey(key string) TelnyxOption {
	return func(a *TelnyxAdapter) { a.apiKey = key }
}

// WithTelnyxConnectionID sets the Call Control Application ID every
// outbound /v2/calls request is placed against.
func WithTelnyxConnectionID(id string) TelnyxOption {
	return func(a *TelnyxAdapter) { a.connectionID = id }
}

func WithTelnyxFromNumber(number string) TelnyxOption {
	return func(a *TelnyxAdapter) { a.fromNumber = number }
}

func WithTelnyxSkipSignatureVerification() TelnyxOption {
	return func(a *TelnyxAdapter) { a.skipVerify = true }
}

func NewTelnyxAdapter(opts ...TelnyxOption) *TelnyxAdapter {
	a := &TelnyxAdapter{
		streamBookkeeping: newStreamBookkeeping(),
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		calls:             make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TelnyxAdapter) Name() string { return "telnyx" }

func (a *TelnyxAdapter) VerifyWebhook(ctx context.Context, r *http.Request, rawBody []byte) (VerifyResult, error) {
	if a.skipVerify {
		return VerifyResult{OK: true}, nil
	}
	if a.publicKey == nil {
		return VerifyResult{OK: false, Reason: "telnyx public key not configured"}, nil
	}

	sigHeader := r.Header.Get("telnyx-signature-ed25519")
	tsHeader := r.Header.Get("telnyx-timestamp")
	if sigHeader == "" || tsHeader == "" {
		return VerifyResult{OK: false, Reason: "missing telnyx signature headers"}, nil
	}

	sig, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return VerifyResult{OK: false, Reason: "malformed signature encoding"}, nil
	}

	signedPayload := append([]byte(tsHeader+"|"), rawBody...)
	if !ed25519.Verify(a.publicKey, signedPayload, sig) {
		return VerifyResult{OK: false, Reason: "signature verification failed"}, nil
	}
	return VerifyResult{OK: true}, nil
}

type telnyxWebhook struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID   string `json:"call_control_id"`
			CallLegID       string `json:"call_leg_id"`
			From            string `json:"from"`
			To              string `json:"to"`
			HangupCause     string `json:"hangup_cause"`
			State           string `json:"state"`
		} `json:"payload"`
	} `json:"data"`
}

func (a *TelnyxAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, rawBody []byte) (ParseResult, error) {
	var wh telnyxWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("telnyx: malformed webhook: %w", err)
	}

	ev := NormalizedEvent{
		ProviderCallID: wh.Data.Payload.CallControlID,
		From:           wh.Data.Payload.From,
		To:             wh.Data.Payload.To,
		StatusRaw:      wh.Data.Payload.HangupCause,
	}

	switch wh.Data.EventType {
	case "call.initiated":
		ev.Type = EventRinging
	case "call.answered":
		ev.Type = EventAnswered
	case "call.hangup":
		if ev.StatusRaw == "" {
			ev.StatusRaw = "completed"
		}
		ev.Type = EventEnded
	default:
		ev.Type = EventInitiated
	}

	return ParseResult{Events: []NormalizedEvent{ev}, StatusCode: http.StatusOK}, nil
}

// InitiateCall places the call via Telnyx's Call Control /v2/calls
// endpoint, then issues a streaming_start command pointing the leg at our
// Media Streams-style WebSocket (Telnyx's Call Control API requires
// streaming to be started explicitly; it is never declarative like Twilio's
// TwiML).
func (a *TelnyxAdapter) InitiateCall(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	a.SetPublicURL(in.PublicOrigin)

	body, _ := json.Marshal(map[string]string{
		"connection_id": a.connectionID,
		"to":            in.To,
		"from":          firstNonEmpty(in.From, a.fromNumber),
	})
	resp, err := a.doTelnyxRequest(ctx, http.MethodPost, "https://api.telnyx.com/v2/calls", body)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("telnyx: create call failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InitiateResult{}, fmt.Errorf("telnyx: decode create-call response: %w", err)
	}
	if resp.StatusCode >= 400 || result.Data.CallControlID == "" {
		return InitiateResult{}, fmt.Errorf("telnyx: create call returned status %d", resp.StatusCode)
	}
	providerCallID := result.Data.CallControlID

	streamURL, err := a.mintStreamURL("pending", in.StreamPath)
	if err != nil {
		return InitiateResult{}, err
	}
	streamBody, _ := json.Marshal(map[string]string{
		"stream_url":   streamURL,
		"stream_track": "both_tracks",
	})
	streamResp, err := a.doTelnyxRequest(ctx, http.MethodPost,
		fmt.Sprintf("https://api.telnyx.com/v2/calls/%s/actions/streaming_start", providerCallID), streamBody)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("telnyx: streaming_start failed: %w", err)
	}
	streamResp.Body.Close()

	a.mu.Lock()
	a.calls[providerCallID] = "queued"
	a.mu.Unlock()
	return InitiateResult{ProviderCallID: providerCallID, Status: "queued"}, nil
}

func (a *TelnyxAdapter) doTelnyxRequest(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return a.httpClient.Do(req)
}

func (a *TelnyxAdapter) HangupCall(ctx context.Context, providerCallID string) error {
	resp, err := a.doTelnyxRequest(ctx, http.MethodPost,
		fmt.Sprintf("https://api.telnyx.com/v2/calls/%s/actions/hangup", providerCallID), nil)
	if err != nil {
		return fmt.Errorf("telnyx: hangup failed: %w", err)
	}
	defer resp.Body.Close()

	a.mu.Lock()
	a.calls[providerCallID] = "completed"
	a.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telnyx: hangup returned status %d", resp.StatusCode)
	}
	return nil
}

// PlayTTS, StartListening, StopListening have no carrier-side meaning here:
// audio flows exclusively through the streaming_start Media Streams leg, so
// callers must not mistake a nil return for audio actually having played.
func (a *TelnyxAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return ErrNativeTTSUnsupported
}
func (a *TelnyxAdapter) StartListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}
func (a *TelnyxAdapter) StopListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}

func (a *TelnyxAdapter) RegisterCallStream(callID, providerCallID string) (string, error) {
	return a.mintStreamURL(callID, "/voice/stream")
}
