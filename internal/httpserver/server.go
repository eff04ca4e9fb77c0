package httpserver

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/sebas/voicebridge/internal/metrics"
	"github.com/sebas/voicebridge/internal/provider"
)

// maxWebhookBodyBytes bounds the raw-buffered webhook body (§4.7: "body is
// server-limited").
const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// WebhookDispatcher applies normalized provider events to the call manager.
// Implemented by callmanager.Manager; kept as an interface to avoid an
// import cycle.
type WebhookDispatcher interface {
	OnWebhookEvent(ev provider.NormalizedEvent)
}

// Server is the webhook/HTTP surface (C7).
type Server struct {
	mux        *http.ServeMux
	adapter    provider.Adapter
	dispatcher WebhookDispatcher
	limiter    *HookRateLimiter
	webhookPath string
	streamPath  string
	streamHandler http.Handler
}

// Config configures the Server's route paths.
type Config struct {
	WebhookPath string // default /voice/webhook
	StreamPath  string // default /voice/stream

	// ProxyBasePath/ProxyUpstream mount a path-prefixed HTTP reverse proxy
	// (§4.7 "Additional surface") when both are set.
	ProxyBasePath string
	ProxyUpstream string

	// WSProxyBasePath/WSProxyUpstream mount the WS-upgrade splice proxy when
	// both are set.
	WSProxyBasePath string
	WSProxyUpstream string
}

// New constructs a Server. streamHandler is mounted at cfg.StreamPath (the
// media-stream bridge's ServeHTTP).
func New(cfg Config, adapter provider.Adapter, dispatcher WebhookDispatcher, streamHandler http.Handler) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/voice/webhook"
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/voice/stream"
	}

	s := &Server{
		mux:           http.NewServeMux(),
		adapter:       adapter,
		dispatcher:    dispatcher,
		limiter:       NewHookRateLimiter(),
		webhookPath:   cfg.WebhookPath,
		streamPath:    cfg.StreamPath,
		streamHandler: streamHandler,
	}

	s.mux.HandleFunc(cfg.WebhookPath, s.handleWebhook)
	s.mux.Handle(cfg.StreamPath, streamHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	if cfg.ProxyBasePath != "" && cfg.ProxyUpstream != "" {
		base := cfg.ProxyBasePath
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		s.mux.Handle(base, NewProxyHandler(cfg.ProxyBasePath, cfg.ProxyUpstream))
	}
	if cfg.WSProxyBasePath != "" && cfg.WSProxyUpstream != "" {
		s.mux.Handle(cfg.WSProxyBasePath, NewWSProxyHandler(cfg.WSProxyUpstream))
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close releases background resources (the rate limiter's cleanup goroutine).
func (s *Server) Close() {
	s.limiter.Close()
}

// handleWebhook implements §4.7's POST <serve.path> contract: raw-buffer the
// body, verify, parse, dispatch events in order, respond provider-appropriately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	if !s.limiter.Enforce(w, key) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBodyBytes {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	verify, err := s.adapter.VerifyWebhook(r.Context(), r, body)
	if err != nil || !verify.OK {
		slog.Warn("webhook verification failed", "provider", s.adapter.Name(), "reason", verify.Reason)
		if throttled, retryAfter := s.limiter.RecordFailure(key); throttled {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.limiter.ClearOnSuccess(key)

	result, err := s.adapter.ParseWebhookEvent(r.Context(), r, body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for _, ev := range result.Events {
		s.dispatcher.OnWebhookEvent(ev)
	}

	if result.Body != "" {
		if result.ContentType != "" {
			w.Header().Set("Content-Type", result.ContentType)
		}
		w.WriteHeader(result.StatusCode)
		_, _ = w.Write([]byte(result.Body))
		return
	}

	w.WriteHeader(result.StatusCode)
}

// clientKey is the hook rate limiter's per-client identity: the request's
// remote IP with any port stripped, falling back to the raw RemoteAddr if it
// isn't a host:port pair (e.g. behind some test transports).
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
