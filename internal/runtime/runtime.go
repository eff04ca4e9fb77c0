// Package runtime wires the voicebridge components together at startup
// (C9): provider adapter selection, public URL resolution, and graceful
// shutdown. Grounded on the teacher's services/signaling/app/app.go wiring
// shape and internal/signaling/drain/coordinator.go for the bounded-
// concurrency drain pattern used by Stop().
package runtime

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/voicebridge/internal/bridge"
	"github.com/sebas/voicebridge/internal/callmanager"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/httpserver"
	"github.com/sebas/voicebridge/internal/outcome"
	"github.com/sebas/voicebridge/internal/provider"
	"github.com/sebas/voicebridge/internal/realtime"
	"github.com/sebas/voicebridge/internal/tts"
)

// maxConcurrentDrains bounds how many in-flight calls are hung up
// concurrently during Stop(), mirroring drain.MaxConcurrentMigrations.
const maxConcurrentDrains = 5

// drainPollInterval is how often Stop() re-checks for calls that reached a
// terminal state naturally before the grace period expires.
const drainPollInterval = 200 * time.Millisecond

// BackendFactory builds the realtime.Backend for a newly accepted media
// stream, given the call's id. Supplied by cmd/voicebridge so runtime stays
// decoupled from the concrete Deepgram/conversation-WS wiring.
type BackendFactory func(ctx context.Context, cfg *config.Config, callID string) (realtime.Backend, error)

// Tunnel abstracts an optional hosted tunnel provider (e.g. ngrok); kept
// open for the lifetime of the runtime and torn down on Stop(). The tunnel
// setup utility itself is an external collaborator (§6 Non-goals) reached
// only through this interface.
type Tunnel struct {
	URL      string
	Provider string
	Close    func() error
}

// TunnelOpener opens a configured tunnel, returning its public URL.
type TunnelOpener func(cfg *config.Config) (Tunnel, error)

// Runtime owns the fully-wired server: HTTP listener, call manager,
// provider adapter, and (if active) the exposed public URL.
type Runtime struct {
	cfg       *config.Config
	httpSrv   *http.Server
	srv       *httpserver.Server
	manager   *callmanager.Manager
	bridge    *bridge.Bridge
	history   *callmanager.HistoryLog
	adapter   provider.Adapter
	publicURL string
	urlSource string
	tunnel    Tunnel
}

// Build constructs a Runtime from validated config (§4.9 steps 1-4). It
// does not start listening; call Start to do that.
func Build(ctx context.Context, cfg *config.Config, backendFactory BackendFactory, tunnelOpener TunnelOpener) (*Runtime, error) {
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}

	history, err := callmanager.OpenHistoryLog(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: open history log: %w", err)
	}

	var ttsAdapter *tts.Adapter
	if cfg.Streaming.Mode != "realtime-conversation" {
		// §4.9 step 4: a realtime-conversation backend owns assistant audio
		// directly, so no separate TTS adapter is wired in that mode.
		// No production TTS vendor client was present in the retrieved pack
		// to ground a real backend, so the deterministic MockBackend is
		// wired here; a real backend satisfying tts.Backend can be swapped
		// in without touching the call manager.
		ttsAdapter, err = tts.New(tts.NewMockBackend(), tts.Config{
			Provider: cfg.TTS.Provider,
			APIKey:   cfg.TTS.APIKey,
			VoiceID:  cfg.TTS.Voice,
		})
		if err != nil {
			slog.Warn("runtime: tts adapter unavailable, provider-native speak will be used", "error", err)
		}
	}

	mgr := callmanager.New(callmanager.Config{
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		RingTimeout:        cfg.RingTimeout,
		SilenceTimeout:     cfg.SilenceTimeout,
		MaxDuration:        cfg.MaxDuration,
		TranscriptTimeout:  cfg.TranscriptTimeout,
		StreamingMode:      cfg.Streaming.Mode,
	}, adapter, history, ttsAdapter)

	var sessionFactory bridge.RealtimeSessionFactory
	if backendFactory != nil {
		mode := realtime.ModeTranscription
		if cfg.Streaming.Mode == "realtime-conversation" {
			mode = realtime.ModeConversation
		}
		sessionFactory = func(ctx context.Context, callID string) (*realtime.Session, error) {
			backend, err := backendFactory(ctx, cfg, callID)
			if err != nil {
				return nil, err
			}
			session := realtime.New(backend, realtime.Config{Mode: mode})
			if err := session.Connect(ctx); err != nil {
				_ = backend.Close()
				return nil, err
			}
			return session, nil
		}
	}

	br := bridge.New(mgr, mgr, sessionFactory)
	mgr.AttachBridge(br)

	srv := httpserver.New(httpserver.Config{
		WebhookPath:     cfg.WebhookPath,
		StreamPath:      cfg.StreamPath,
		ProxyBasePath:   cfg.Proxy.BasePath,
		ProxyUpstream:   cfg.Proxy.Upstream,
		WSProxyBasePath: cfg.Proxy.WSBasePath,
		WSProxyUpstream: cfg.Proxy.WSUpstream,
	}, adapter, mgr, br)

	publicURL, urlSource, tunnel, err := resolvePublicURL(cfg, tunnelOpener)
	if err != nil {
		return nil, err
	}
	if hooks, ok := adapter.(provider.OptionalHooks); ok {
		hooks.SetPublicURL(publicOrigin(publicURL))
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv,
	}

	return &Runtime{
		cfg:       cfg,
		httpSrv:   httpSrv,
		manager:   mgr,
		bridge:    br,
		srv:       srv,
		history:   history,
		adapter:   adapter,
		publicURL: publicURL,
		urlSource: urlSource,
		tunnel:    tunnel,
	}, nil
}

func buildAdapter(cfg *config.Config) (provider.Adapter, error) {
	switch cfg.Provider {
	case "twilio":
		opts := []provider.TwilioOption{
			provider.WithTwilioCredentials(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken),
			provider.WithTwilioFromNumber(cfg.Twilio.FromNumber),
		}
		if cfg.SkipSignatureVerification {
			opts = append(opts, provider.WithTwilioSkipSignatureVerification())
		}
		return provider.NewTwilioAdapter(opts...), nil
	case "telnyx":
		opts := []provider.TelnyxOption{
			provider.WithTelnyxAPIKey(cfg.Telnyx.APIKey),
			provider.WithTelnyxPublicKey(cfg.Telnyx.PublicKeyB64),
			provider.WithTelnyxConnectionID(cfg.Telnyx.ConnectionID),
			provider.WithTelnyxFromNumber(cfg.Telnyx.FromNumber),
		}
		if cfg.SkipSignatureVerification {
			opts = append(opts, provider.WithTelnyxSkipSignatureVerification())
		}
		return provider.NewTelnyxAdapter(opts...), nil
	case "plivo":
		opts := []provider.PlivoOption{
			provider.WithPlivoCredentials(cfg.Plivo.AuthID, cfg.Plivo.AuthToken),
			provider.WithPlivoFromNumber(cfg.Plivo.FromNumber),
		}
		if cfg.SkipSignatureVerification {
			opts = append(opts, provider.WithPlivoSkipSignatureVerification())
		}
		return provider.NewPlivoAdapter(opts...), nil
	case "voximplant":
		opts := []provider.VoximplantOption{
			provider.WithVoximplantSharedSecret(cfg.Voximplant.SharedSecret),
			provider.WithVoximplantRefreshSkew(time.Duration(cfg.Voximplant.RefreshSkewSec) * time.Second),
		}
		if cfg.Voximplant.StaticJWT != "" {
			opts = append(opts, provider.WithVoximplantStaticJWT(cfg.Voximplant.StaticJWT))
		}
		if cfg.Voximplant.AccountID != "" && cfg.Voximplant.KeyID != "" && cfg.Voximplant.PrivateKeyPath != "" {
			key, err := loadRSAPrivateKey(cfg.Voximplant.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("runtime: load voximplant private key: %w", err)
			}
			opts = append(opts, provider.WithVoximplantServiceAccount(cfg.Voximplant.AccountID, cfg.Voximplant.KeyID, key))
		}
		return provider.NewVoximplantAdapter(opts...), nil
	case "mock":
		return provider.NewMockAdapter(), nil
	default:
		return nil, &config.ConfigError{Tag: "ConfigInvalid", Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

// Resolution source tags returned by resolvePublicURL and surfaced by the
// "expose" CLI verb and the control-plane status endpoint (§5).
const (
	URLSourceExplicit = "explicit"
	URLSourceTunnel    = "tunnel"
	URLSourceLAN       = "lan"
	URLSourceLocal     = "local"
)

// resolvePublicURL implements §4.9 step 3's priority chain: explicit
// publicUrl -> configured tunnel (opened and kept open) -> LAN-exposure
// mode -> local fallback.
func resolvePublicURL(cfg *config.Config, tunnelOpener TunnelOpener) (string, string, Tunnel, error) {
	if cfg.PublicURL != "" {
		return cfg.PublicURL, URLSourceExplicit, Tunnel{}, nil
	}

	if cfg.TunnelEnable && tunnelOpener != nil {
		t, err := tunnelOpener(cfg)
		if err != nil {
			return "", "", Tunnel{}, fmt.Errorf("runtime: open tunnel: %w", err)
		}
		return t.URL, URLSourceTunnel, t, nil
	}

	if cfg.LANExpose {
		if ip := primaryInterfaceIP(); ip != "" {
			return fmt.Sprintf("http://%s:%d", ip, cfg.Port), URLSourceLAN, Tunnel{}, nil
		}
	}

	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), URLSourceLocal, Tunnel{}, nil
}

// publicOrigin strips the scheme from a resolved URL, since adapters embed
// it directly after "wss://" when minting stream URLs.
func publicOrigin(publicURL string) string {
	origin := publicURL
	for _, prefix := range []string{"https://", "http://", "wss://", "ws://"} {
		if len(origin) > len(prefix) && origin[:len(prefix)] == prefix {
			return origin[len(prefix):]
		}
	}
	return origin
}

// loadRSAPrivateKey reads a PEM-encoded PKCS#1 or PKCS#8 RSA private key
// for Voximplant service-account JWT signing (§4.5).
func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA private key", path)
	}
	return rsaKey, nil
}

func primaryInterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return ""
}

// PublicURL returns the resolved public URL (for the "expose" CLI verb).
func (rt *Runtime) PublicURL() string { return rt.publicURL }

// PublicURLSource reports which branch of the §4.9 step 3 priority chain
// produced PublicURL: "explicit", "tunnel", "lan", or "local".
func (rt *Runtime) PublicURLSource() string { return rt.urlSource }

// TunnelProvider returns the active tunnel's provider name, or "" if no
// tunnel is in use.
func (rt *Runtime) TunnelProvider() string { return rt.tunnel.Provider }

// Manager exposes the call manager for the control-plane HTTP API / CLI.
func (rt *Runtime) Manager() *callmanager.Manager { return rt.manager }

// Start begins listening and serving HTTP until Stop is called.
func (rt *Runtime) Start() error {
	ln, err := net.Listen("tcp", rt.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("runtime: listen: %w", err)
	}
	slog.Info("runtime: listening", "addr", rt.httpSrv.Addr, "publicUrl", rt.publicURL)
	if err := rt.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight calls (hanging each up with bounded concurrency,
// mirroring drain.Coordinator's errgroup+semaphore shape), tears down the
// tunnel, and closes the HTTP server (§4.9 step 5).
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.drainCalls(ctx)

	if rt.tunnel.Close != nil {
		if err := rt.tunnel.Close(); err != nil {
			slog.Warn("runtime: tunnel close failed", "error", err)
		}
	}

	if err := rt.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("runtime: http shutdown: %w", err)
	}
	rt.srv.Close()

	if err := rt.history.Close(); err != nil {
		slog.Warn("runtime: history log close failed", "error", err)
	}

	if closer, ok := rt.adapter.(interface{ Close() }); ok {
		closer.Close()
	}
	return nil
}

func (rt *Runtime) drainCalls(ctx context.Context) {
	active := rt.manager.ActiveCallIDs()
	if len(active) == 0 {
		return
	}

	slog.Info("runtime: draining in-flight calls", "count", len(active))

	sem := semaphore.NewWeighted(maxConcurrentDrains)
	g, gCtx := errgroup.WithContext(ctx)

	for _, callID := range active {
		callID := callID
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if _, err := rt.manager.EndCall(gCtx, callID, "hangup-bot"); err != nil {
				slog.Warn("runtime: drain hangup failed", "callId", callID, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Warn("runtime: drain interrupted", "error", err)
	}

	rt.waitForOutstanding(ctx)
}

// waitForOutstanding polls briefly for calls whose hangup is in flight
// asynchronously (provider REST round-trip) to reach a terminal record
// before Stop proceeds to close the listener.
func (rt *Runtime) waitForOutstanding(ctx context.Context) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rt.manager.ActiveCallIDs()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// WireOutcomePipeline installs pipeline.Run as the call manager's
// ended-hook so every terminal call triggers C8 exactly once.
func WireOutcomePipeline(mgr *callmanager.Manager, pipeline *outcome.Pipeline) {
	mgr.SetOnCallEndedHook(func(record callmanager.Record) {
		pipeline.Run(context.Background(), record)
	})
}
