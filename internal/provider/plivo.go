package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

// PlivoAdapter implements Adapter for Plivo Voice. Plivo's v3 signature
// scheme is HMAC-SHA256(authToken, fullURL + "|" + nonce, followed by "&"
// and the sorted POST param "key=value" pairs joined by "&" when there are
// any), delivered in X-Plivo-Signature-V3 with the nonce in
// X-Plivo-Signature-V3-Nonce.
type PlivoAdapter struct {
	*streamBookkeeping

	authID     string
	authToken  string
	fromNumber string
	skipVerify bool

	httpClient *http.Client

	mu    sync.RWMutex
	calls map[string]string
}

type PlivoOption func(*PlivoAdapter)

func WithPlivoCredentials(authID, authToken string) PlivoOption {
	return func(a *PlivoAdapter) {
		a.authID = authID
		a.authToken = authToken
	}
}

func WithPlivoFromNumber(number string) PlivoOption {
	return func(a *PlivoAdapter) { a.fromNumber = number }
}

func WithPlivoSkipSignatureVerification() PlivoOption {
	return func(a *PlivoAdapter) { a.skipVerify = true }
}

func NewPlivoAdapter(opts ...PlivoOption) *PlivoAdapter {
	a := &PlivoAdapter{
		streamBookkeeping: newStreamBookkeeping(),
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		calls:             make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *PlivoAdapter) Name() string { return "plivo" }

func (a *PlivoAdapter) VerifyWebhook(ctx context.Context, r *http.Request, rawBody []byte) (VerifyResult, error) {
	if a.skipVerify {
		return VerifyResult{OK: true}, nil
	}
	if a.authToken == "" {
		return VerifyResult{OK: false, Reason: "plivo auth token not configured"}, nil
	}

	sig := r.Header.Get("X-Plivo-Signature-V3")
	nonce := r.Header.Get("X-Plivo-Signature-V3-Nonce")
	if sig == "" || nonce == "" {
		return VerifyResult{OK: false, Reason: "missing plivo signature headers"}, nil
	}

	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return VerifyResult{OK: false, Reason: "malformed form body"}, nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}

	signed := fullURL(r) + "|" + nonce
	if len(pairs) > 0 {
		signed += "&" + joinAmp(pairs)
	}

	mac := hmac.New(sha256.New, []byte(a.authToken))
	mac.Write([]byte(signed))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !constantTimeEqual(expected, sig) {
		return VerifyResult{OK: false, Reason: "signature mismatch"}, nil
	}
	return VerifyResult{OK: true}, nil
}

func joinAmp(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "&" + p
	}
	return out
}

func (a *PlivoAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, rawBody []byte) (ParseResult, error) {
	contentType := r.Header.Get("Content-Type")
	var callUUID, status, from, to string

	if len(contentType) >= 16 && contentType[:16] == "application/json" {
		var payload struct {
			CallUUID    string `json:"CallUUID"`
			CallStatus  string `json:"CallStatus"`
			From        string `json:"From"`
			To          string `json:"To"`
		}
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("plivo: malformed json webhook: %w", err)
		}
		callUUID, status, from, to = payload.CallUUID, payload.CallStatus, payload.From, payload.To
	} else {
		values, err := url.ParseQuery(string(rawBody))
		if err != nil {
			return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("plivo: malformed form webhook: %w", err)
		}
		callUUID = values.Get("CallUUID")
		status = values.Get("CallStatus")
		from = values.Get("From")
		to = values.Get("To")
	}

	ev := NormalizedEvent{ProviderCallID: callUUID, From: from, To: to, StatusRaw: status}
	switch status {
	case "ringing":
		ev.Type = EventRinging
	case "in-progress":
		ev.Type = EventAnswered
	case "completed", "busy", "no-answer", "failed":
		ev.Type = EventEnded
	default:
		ev.Type = EventInitiated
	}

	return ParseResult{Events: []NormalizedEvent{ev}, StatusCode: http.StatusOK}, nil
}

// plivoDefaultWebhookPath is where Plivo's answer_url/hangup_url callbacks
// land; it matches httpserver.Config's WebhookPath default since
// InitiateInput carries no separate webhook path of its own.
const plivoDefaultWebhookPath = "/voice/webhook"

// InitiateCall places the call via Plivo's Call/ REST API. Plivo answers
// asynchronously: the response carries only a request_uuid, with the real
// call_uuid arriving on the first answer_url webhook. The returned
// ProviderCallID is the request_uuid; the later call_uuid is not mapped
// back to it.
func (a *PlivoAdapter) InitiateCall(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	a.SetPublicURL(in.PublicOrigin)

	body, _ := json.Marshal(map[string]string{
		"from":       firstNonEmpty(in.From, a.fromNumber),
		"to":         in.To,
		"answer_url": in.PublicOrigin + plivoDefaultWebhookPath,
		"method":     http.MethodPost,
	})

	apiURL := fmt.Sprintf("https://api.plivo.com/v1/Account/%s/Call/", a.authID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, fmt.Errorf("plivo: build create-call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(a.authID, a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("plivo: create call failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		RequestUUID string `json:"request_uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InitiateResult{}, fmt.Errorf("plivo: decode create-call response: %w", err)
	}
	if resp.StatusCode >= 400 || result.RequestUUID == "" {
		return InitiateResult{}, fmt.Errorf("plivo: create call returned status %d", resp.StatusCode)
	}

	a.mu.Lock()
	a.calls[result.RequestUUID] = "queued"
	a.mu.Unlock()
	return InitiateResult{ProviderCallID: result.RequestUUID, Status: "queued"}, nil
}

func (a *PlivoAdapter) HangupCall(ctx context.Context, providerCallID string) error {
	apiURL := fmt.Sprintf("https://api.plivo.com/v1/Account/%s/Call/%s/", a.authID, providerCallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return fmt.Errorf("plivo: build hangup request: %w", err)
	}
	req.SetBasicAuth(a.authID, a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("plivo: hangup failed: %w", err)
	}
	defer resp.Body.Close()

	a.mu.Lock()
	a.calls[providerCallID] = "completed"
	a.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("plivo: hangup returned status %d", resp.StatusCode)
	}
	return nil
}

// PlayTTS, StartListening, StopListening have no carrier-side meaning here:
// audio flows exclusively through the Media Stream WebSocket the answer_url
// XML connects, so callers must not mistake a nil return for audio actually
// having played.
func (a *PlivoAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return ErrNativeTTSUnsupported
}
func (a *PlivoAdapter) StartListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}
func (a *PlivoAdapter) StopListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}

func (a *PlivoAdapter) RegisterCallStream(callID, providerCallID string) (string, error) {
	return a.mintStreamURL(callID, "/voice/stream")
}
