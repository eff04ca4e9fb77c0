package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// TwilioAdapter implements Adapter for Twilio Voice, grounded on the
// omnivoice-twilio callsystem.Provider: same functional-options
// construction, same TwiML-over-Connect/Stream shape, generalized to this
// module's Adapter interface and extended with HMAC-SHA1 webhook signature
// verification (Twilio's X-Twilio-Signature scheme).
type TwilioAdapter struct {
	*streamBookkeeping

	accountSID string
	authToken  string
	fromNumber string
	skipVerify bool

	httpClient *http.Client

	mu    sync.RWMutex
	calls map[string]*twilioCallState // providerCallID -> state
}

type twilioCallState struct {
	callID string
	status string
}

// TwilioOption configures a TwilioAdapter.
type TwilioOption func(*TwilioAdapter)

func WithTwilioCredentials(accountSID, authToken string) TwilioOption {
	return func(a *TwilioAdapter) {
		a.accountSID = accountSID
		a.authToken = authToken
	}
}

func WithTwilioFromNumber(number string) TwilioOption {
	return func(a *TwilioAdapter) { a.fromNumber = number }
}

// WithTwilioSkipSignatureVerification disables webhook verification, for
// local development without a configured auth token.
func WithTwilioSkipSignatureVerification() TwilioOption {
	return func(a *TwilioAdapter) { a.skipVerify = true }
}

func NewTwilioAdapter(opts ...TwilioOption) *TwilioAdapter {
	a := &TwilioAdapter{
		streamBookkeeping: newStreamBookkeeping(),
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		calls:             make(map[string]*twilioCallState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *TwilioAdapter) Name() string { return "twilio" }

// VerifyWebhook validates Twilio's X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + sorted "key"+"value" POST params)).
func (a *TwilioAdapter) VerifyWebhook(ctx context.Context, r *http.Request, rawBody []byte) (VerifyResult, error) {
	if a.skipVerify {
		return VerifyResult{OK: true}, nil
	}
	if a.authToken == "" {
		return VerifyResult{OK: false, Reason: "twilio auth token not configured"}, nil
	}

	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return VerifyResult{OK: false, Reason: "missing X-Twilio-Signature header"}, nil
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

	var buf bytes.Buffer
	buf.WriteString(fullURL(r))
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(values.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(a.authToken))
	mac.Write(buf.Bytes())
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !constantTimeEqual(expected, sig) {
		return VerifyResult{OK: false, Reason: "signature mismatch"}, nil
	}
	return VerifyResult{OK: true}, nil
}

func fullURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (a *TwilioAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, rawBody []byte) (ParseResult, error) {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("twilio: malformed webhook body: %w", err)
	}

	callSID := values.Get("CallSid")
	status := values.Get("CallStatus")
	from := values.Get("From")
	to := values.Get("To")

	ev := NormalizedEvent{
		ProviderCallID: callSID,
		From:           from,
		To:             to,
		StatusRaw:      status,
	}

	switch status {
	case "queued", "ringing":
		ev.Type = EventRinging
	case "in-progress":
		ev.Type = EventAnswered
	case "completed", "busy", "no-answer", "failed", "canceled":
		ev.Type = EventEnded
	default:
		ev.Type = EventInitiated
	}

	return ParseResult{Events: []NormalizedEvent{ev}, StatusCode: http.StatusOK}, nil
}

func (a *TwilioAdapter) InitiateCall(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	a.SetPublicURL(in.PublicOrigin)
	streamURL, err := a.mintStreamURL("pending", in.StreamPath)
	if err != nil {
		return InitiateResult{}, err
	}

	twiml := buildTwilioStreamTwiML(streamURL)

	form := url.Values{}
	form.Set("To", in.To)
	form.Set("From", firstNonEmpty(in.From, a.fromNumber))
	form.Set("Twiml", twiml)

	apiURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Calls.json", a.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return InitiateResult{}, fmt.Errorf("twilio: build Calls.create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("twilio: Calls.create failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InitiateResult{}, fmt.Errorf("twilio: decode Calls.create response: %w", err)
	}
	if resp.StatusCode >= 400 || result.SID == "" {
		return InitiateResult{}, fmt.Errorf("twilio: Calls.create returned status %d", resp.StatusCode)
	}

	a.mu.Lock()
	a.calls[result.SID] = &twilioCallState{status: result.Status}
	a.mu.Unlock()

	return InitiateResult{ProviderCallID: result.SID, Status: result.Status}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildTwilioStreamTwiML(streamURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="direction" value="both"/>
        </Stream>
    </Connect>
</Response>`, streamURL)
}

// HangupCall updates the live call's Status to "completed" via Twilio's
// Calls(Sid).update REST endpoint.
func (a *TwilioAdapter) HangupCall(ctx context.Context, providerCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	apiURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Calls/%s.json", a.accountSID, providerCallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build hangup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: hangup failed: %w", err)
	}
	defer resp.Body.Close()

	a.mu.Lock()
	if state, ok := a.calls[providerCallID]; ok {
		state.status = "completed"
	}
	a.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("twilio: hangup returned status %d", resp.StatusCode)
	}
	return nil
}

// PlayTTS, StartListening, StopListening have no carrier-side meaning for
// Twilio: audio flows exclusively through the Media Streams WebSocket
// bridge (C4), not a separate REST play/listen command, so callers must not
// mistake a nil return for audio actually having played.
func (a *TwilioAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return ErrNativeTTSUnsupported
}
func (a *TwilioAdapter) StartListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}
func (a *TwilioAdapter) StopListening(ctx context.Context, providerCallID string) error {
	return ErrNativeTTSUnsupported
}

func (a *TwilioAdapter) RegisterCallStream(callID, providerCallID string) (string, error) {
	a.mu.Lock()
	if state, ok := a.calls[providerCallID]; ok {
		state.callID = callID
	}
	a.mu.Unlock()
	return a.mintStreamURL(callID, "/voice/stream")
}
