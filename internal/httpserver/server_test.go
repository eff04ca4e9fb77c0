package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sebas/voicebridge/internal/provider"
)

// stubAdapter lets handleWebhook tests control verification outcome without
// depending on a real carrier's signature scheme.
type stubAdapter struct {
	verifyOK bool
}

func (s *stubAdapter) Name() string { return "stub" }
func (s *stubAdapter) VerifyWebhook(ctx context.Context, r *http.Request, body []byte) (provider.VerifyResult, error) {
	if s.verifyOK {
		return provider.VerifyResult{OK: true}, nil
	}
	return provider.VerifyResult{OK: false, Reason: "stub rejects"}, nil
}
func (s *stubAdapter) ParseWebhookEvent(ctx context.Context, r *http.Request, body []byte) (provider.ParseResult, error) {
	return provider.ParseResult{
		StatusCode: http.StatusOK,
		Events:     []provider.NormalizedEvent{{Type: provider.EventRinging, ProviderCallID: "stub-call"}},
	}, nil
}
func (s *stubAdapter) InitiateCall(ctx context.Context, in provider.InitiateInput) (provider.InitiateResult, error) {
	return provider.InitiateResult{}, nil
}
func (s *stubAdapter) HangupCall(ctx context.Context, providerCallID string) error { return nil }
func (s *stubAdapter) PlayTTS(ctx context.Context, providerCallID string, audio []byte) error {
	return nil
}
func (s *stubAdapter) StartListening(ctx context.Context, providerCallID string) error { return nil }
func (s *stubAdapter) StopListening(ctx context.Context, providerCallID string) error  { return nil }

type stubDispatcher struct{ events []provider.NormalizedEvent }

func (d *stubDispatcher) OnWebhookEvent(ev provider.NormalizedEvent) {
	d.events = append(d.events, ev)
}

func TestHandleWebhookThrottlesAfterRepeatedFailures(t *testing.T) {
	adapter := &stubAdapter{verifyOK: false}
	dispatcher := &stubDispatcher{}
	srv := New(Config{}, adapter, dispatcher, http.NotFoundHandler())
	defer srv.Close()

	var last *httptest.ResponseRecorder
	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodPost, "/voice/webhook", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		last = rec
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated failures, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled response")
	}
}

func TestHandleWebhookClearsCounterOnSuccess(t *testing.T) {
	adapter := &stubAdapter{verifyOK: false}
	dispatcher := &stubDispatcher{}
	srv := New(Config{}, adapter, dispatcher, http.NotFoundHandler())
	defer srv.Close()

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/voice/webhook", nil)
		req.RemoteAddr = "203.0.113.10:5555"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
	}

	adapter.verifyOK = true
	req := httptest.NewRequest(http.MethodPost, "/voice/webhook", nil)
	req.RemoteAddr = "203.0.113.10:5555"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected success after verified request, got %d", rec.Code)
	}
	if len(dispatcher.events) != 1 {
		t.Fatalf("expected dispatcher to receive 1 event, got %d", len(dispatcher.events))
	}

	adapter.verifyOK = false
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/voice/webhook", nil)
		req.RemoteAddr = "203.0.113.10:5555"
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("did not expect throttling within the fresh window after ClearOnSuccess, failure #%d", i+1)
		}
	}
}
