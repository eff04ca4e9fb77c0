package provider

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

// MockAdapter performs no network I/O: it emits deterministic events
// synchronously, for integration tests and the local-dev S1 scenario.
type MockAdapter struct {
	*streamBookkeeping

	seq   atomic.Int64
	mu    sync.RWMutex
	calls map[string]string
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		streamBookkeeping: newStreamBookkeeping(),
		calls:             make(map[string]string),
	}
}

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) VerifyWebhook(ctx context.Context, r *http.Request, rawBody []byte) (VerifyResult, error) {
	return VerifyResult{OK: true}, nil
}

func (a *MockAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, rawBody []byte) (ParseResult, error) {
	return ParseResult{Events: nil, StatusCode: http.StatusOK}, nil
}

func (a *MockAdapter) InitiateCall(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	a.SetPublicURL(in.PublicOrigin)
	id := "mock-call-" + strconv.FormatInt(a.seq.Add(1), 10)
	a.mu.Lock()
	a.calls[id] = "answered"
	a.mu.Unlock()
	return InitiateResult{ProviderCallID: id, Status: "answered"}, nil
}

func (a *MockAdapter) HangupCall(ctx context.Context, providerCallID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[providerCallID] = "completed"
	return nil
}

func (a *MockAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return nil
}
func (a *MockAdapter) StartListening(ctx context.Context, providerCallID string) error { return nil }
func (a *MockAdapter) StopListening(ctx context.Context, providerCallID string) error  { return nil }

func (a *MockAdapter) RegisterCallStream(callID, providerCallID string) (string, error) {
	return a.mintStreamURL(callID, "/voice/stream")
}
