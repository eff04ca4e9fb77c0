package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel managementJwt values that force service-account JWT generation
// instead of a static token (§4.5).
const (
	voximplantAutoSentinel           = "AUTO"
	voximplantAutoSentinelAlt        = "__AUTO__"
	voximplantServiceAccountSentinel = "__SERVICE_ACCOUNT__"
)

// VoximplantAdapter implements Adapter for Voximplant. Outbound calls start
// via the platform's StartScenarios REST call; inbound webhooks carry a
// shared-secret header. Management-API auth is either a static JWT or
// service-account credentials from which a fresh RS256 JWT is minted and
// cached, refreshed within refreshSkewSec of expiry, and regenerated-and-retried
// exactly once on a 401.
type VoximplantAdapter struct {
	*streamBookkeeping

	sharedSecret string

	staticJWT string

	accountID     string
	keyID         string
	privateKey    *rsa.PrivateKey
	refreshSkew   time.Duration
	controlTimeout time.Duration

	httpClient *http.Client

	jwtMu      sync.Mutex
	cachedJWT  string
	cachedExp  time.Time

	mu    sync.RWMutex
	calls map[string]string
}

// VoximplantOption configures a VoximplantAdapter.
type VoximplantOption func(*VoximplantAdapter)

func WithVoximplantSharedSecret(secret string) VoximplantOption {
	return func(a *VoximplantAdapter) { a.sharedSecret = secret }
}

// WithVoximplantStaticJWT sets a pre-issued management JWT. Ignored (and
// service-account mode forced) if value is one of the AUTO sentinels.
func WithVoximplantStaticJWT(value string) VoximplantOption {
	return func(a *VoximplantAdapter) {
		switch value {
		case voximplantAutoSentinel, voximplantAutoSentinelAlt, voximplantServiceAccountSentinel, "":
			return
		default:
			a.staticJWT = value
		}
	}
}

func WithVoximplantServiceAccount(accountID, keyID string, privateKey *rsa.PrivateKey) VoximplantOption {
	return func(a *VoximplantAdapter) {
		a.accountID = accountID
		a.keyID = keyID
		a.privateKey = privateKey
	}
}

func WithVoximplantRefreshSkew(skew time.Duration) VoximplantOption {
	return func(a *VoximplantAdapter) { a.refreshSkew = skew }
}

func WithVoximplantControlTimeout(timeout time.Duration) VoximplantOption {
	return func(a *VoximplantAdapter) { a.controlTimeout = timeout }
}

func NewVoximplantAdapter(opts ...VoximplantOption) *VoximplantAdapter {
	a := &VoximplantAdapter{
		streamBookkeeping: newStreamBookkeeping(),
		refreshSkew:       60 * time.Second,
		controlTimeout:    10 * time.Second,
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		calls:             make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *VoximplantAdapter) Name() string { return "voximplant" }

// managementToken returns a valid management-API bearer token: the static
// JWT if one was configured, else a cached-or-freshly-minted service-account
// RS256 JWT.
func (a *VoximplantAdapter) managementToken() (string, error) {
	if a.staticJWT != "" {
		return a.staticJWT, nil
	}

	a.jwtMu.Lock()
	defer a.jwtMu.Unlock()

	if a.cachedJWT != "" && time.Until(a.cachedExp) > a.refreshSkew {
		return a.cachedJWT, nil
	}

	token, exp, err := a.mintServiceAccountJWT()
	if err != nil {
		return "", err
	}
	a.cachedJWT = token
	a.cachedExp = exp
	return token, nil
}

func (a *VoximplantAdapter) mintServiceAccountJWT() (string, time.Time, error) {
	if a.privateKey == nil {
		return "", time.Time{}, fmt.Errorf("voximplant: no static JWT and no service-account private key configured")
	}

	now := time.Now()
	exp := now.Add(1 * time.Hour)

	claims := jwt.MapClaims{
		"iss": a.accountID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = a.keyID

	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("voximplant: sign management jwt: %w", err)
	}
	return signed, exp, nil
}

// invalidateJWT forces the next managementToken call to mint a fresh JWT,
// used after a 401 triggers exactly one regenerate-and-retry.
func (a *VoximplantAdapter) invalidateJWT() {
	a.jwtMu.Lock()
	a.cachedJWT = ""
	a.jwtMu.Unlock()
}

// doManagementRequest performs req, minting/caching the bearer token, and on
// a 401 regenerates the JWT and retries exactly once.
func (a *VoximplantAdapter) doManagementRequest(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	send := func() (*http.Response, error) {
		token, err := a.managementToken()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return a.httpClient.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		a.invalidateJWT()
		return send()
	}
	return resp, nil
}

func (a *VoximplantAdapter) VerifyWebhook(ctx context.Context, r *http.Request, rawBody []byte) (VerifyResult, error) {
	if a.sharedSecret == "" {
		return VerifyResult{OK: false, Reason: "voximplant shared secret not configured"}, nil
	}
	got := r.Header.Get("x-openclaw-voximplant-secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.sharedSecret)) != 1 {
		return VerifyResult{OK: false, Reason: "shared secret mismatch"}, nil
	}
	return VerifyResult{OK: true}, nil
}

type voximplantWebhook struct {
	CallID     string `json:"call_id"`
	Event      string `json:"event"`
	From       string `json:"from"`
	To         string `json:"to"`
	Status     string `json:"status"`
	ControlURL string `json:"control_url"`
}

func (a *VoximplantAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, rawBody []byte) (ParseResult, error) {
	var wh voximplantWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return ParseResult{StatusCode: http.StatusBadRequest}, fmt.Errorf("voximplant: malformed webhook: %w", err)
	}

	if wh.ControlURL != "" {
		a.setControlURL(wh.CallID, wh.ControlURL)
	}

	ev := NormalizedEvent{
		ProviderCallID: wh.CallID,
		From:           wh.From,
		To:             wh.To,
		StatusRaw:      wh.Status,
		ControlURL:     wh.ControlURL,
	}

	switch wh.Event {
	case "ringing":
		ev.Type = EventRinging
	case "answered":
		ev.Type = EventAnswered
	case "hangup", "ended":
		ev.Type = EventEnded
	default:
		ev.Type = EventInitiated
	}

	return ParseResult{Events: []NormalizedEvent{ev}, StatusCode: http.StatusOK}, nil
}

func (a *VoximplantAdapter) InitiateCall(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	a.SetPublicURL(in.PublicOrigin)

	reqCtx, cancel := context.WithTimeout(ctx, a.controlTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"to": in.To, "from": in.From})
	resp, err := a.doManagementRequest(reqCtx, http.MethodPost, "https://api.voximplant.com/platform_api/StartScenarios", body)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("voximplant: StartScenarios failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return InitiateResult{}, fmt.Errorf("voximplant: StartScenarios returned status %d", resp.StatusCode)
	}

	var result struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InitiateResult{}, fmt.Errorf("voximplant: decode StartScenarios response: %w", err)
	}

	a.mu.Lock()
	a.calls[result.CallID] = "queued"
	a.mu.Unlock()

	return InitiateResult{ProviderCallID: result.CallID, Status: "queued"}, nil
}

// commandViaControlURL issues a one-shot command to the call's control URL,
// per §4.5's "commands pick the first available and fail with
// NoControlUrl if none" bookkeeping rule. Tries by providerCallID then by
// internal callID.
func (a *VoximplantAdapter) commandViaControlURL(ctx context.Context, providerCallID, callID string, command map[string]any) error {
	url, ok := a.controlURL(providerCallID)
	if !ok {
		url, ok = a.controlURL(callID)
	}
	if !ok {
		return ErrNoControlURL
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.controlTimeout)
	defer cancel()

	body, _ := json.Marshal(command)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voximplant: control command failed: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (a *VoximplantAdapter) HangupCall(ctx context.Context, providerCallID string) error {
	a.mu.Lock()
	a.calls[providerCallID] = "completed"
	a.mu.Unlock()
	return a.commandViaControlURL(ctx, providerCallID, "", map[string]any{"command": "hangup"})
}

func (a *VoximplantAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return a.commandViaControlURL(ctx, providerCallID, "", map[string]any{
		"command": "play",
		"audio":   audio,
	})
}

func (a *VoximplantAdapter) StartListening(ctx context.Context, providerCallID string) error {
	return a.commandViaControlURL(ctx, providerCallID, "", map[string]any{"command": "start_listening"})
}

func (a *VoximplantAdapter) StopListening(ctx context.Context, providerCallID string) error {
	return a.commandViaControlURL(ctx, providerCallID, "", map[string]any{"command": "stop_listening"})
}

func (a *VoximplantAdapter) RegisterCallStream(callID, providerCallID string) (string, error) {
	return a.mintStreamURL(callID, "/voice/stream")
}
