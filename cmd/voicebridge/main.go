// Command voicebridge runs the voice-call bridge server: it loads
// configuration, wires provider adapter, call manager, media-stream bridge,
// outcome pipeline, and the control-plane/MCP surfaces, then serves until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sebas/voicebridge/internal/callmanager"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/controlapi"
	"github.com/sebas/voicebridge/internal/logging"
	"github.com/sebas/voicebridge/internal/mcptools"
	"github.com/sebas/voicebridge/internal/outcome"
	"github.com/sebas/voicebridge/internal/realtime"
	"github.com/sebas/voicebridge/internal/runtime"
)

func main() {
	if err := run(); err != nil {
		slog.Error("voicebridge: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logging.Init(os.Stdout)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("voicebridge: load config: %w", err)
	}
	logging.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	summarizer, err := outcome.NewSummaryBackend(ctx, cfg.Bedrock.Region, cfg.Bedrock.ModelID)
	if err != nil {
		slog.Warn("voicebridge: bedrock summary backend unavailable, falling back to deterministic summaries", "error", err)
	}
	sink := loggingSink{}
	pipeline := outcome.NewPipeline(summarizerOrFallback(summarizer), sink, sink, time.Now)

	rt, err := runtime.Build(ctx, cfg, backendFactory, nil)
	if err != nil {
		return fmt.Errorf("voicebridge: build runtime: %w", err)
	}
	runtime.WireOutcomePipeline(rt.Manager(), pipeline)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "voicebridge", Version: "v0.1.0"}, nil)
	mcptools.Register(mcpServer, rt.Manager())

	control := controlapi.New(rt)
	controlSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort),
		Handler: control,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() { errCh <- rt.Start() }()
	go func() {
		slog.Info("voicebridge: control API listening", "addr", controlSrv.Addr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
			slog.Warn("voicebridge: mcp server stopped", "error", err)
		}
	}()

	select {
	case <-sigCh:
		slog.Info("voicebridge: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("voicebridge: server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = controlSrv.Shutdown(shutdownCtx)
	return rt.Stop(shutdownCtx)
}

// backendFactory selects the realtime backend per the configured streaming
// mode: Deepgram for per-utterance transcription, a generic conversation
// WebSocket backend when the mode hands assistant audio ownership directly
// to the cloud model (§4.9 step 4).
func backendFactory(ctx context.Context, cfg *config.Config, callID string) (realtime.Backend, error) {
	switch cfg.Streaming.Mode {
	case "realtime-conversation":
		if cfg.Realtime.ConversationURL == "" {
			return nil, fmt.Errorf("voicebridge: realtime-conversation mode requires a conversation URL")
		}
		return realtime.NewConversationBackend(cfg.Realtime.ConversationURL, cfg.Realtime.ConversationKey), nil
	default:
		if cfg.Realtime.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("voicebridge: transcription mode requires a Deepgram API key")
		}
		return realtime.NewDeepgramBackend(cfg.Realtime.DeepgramAPIKey), nil
	}
}

// summarizerOrFallback degrades to the deterministic summarizer when the
// Bedrock backend failed to construct (e.g. no AWS credentials in dev).
func summarizerOrFallback(backend *outcome.SummaryBackend) outcome.Summarizer {
	if backend != nil {
		return backend
	}
	return fallbackSummarizer{}
}

type fallbackSummarizer struct{}

func (fallbackSummarizer) Summarize(ctx context.Context, referenceDate string, transcript []callmanager.TranscriptEntry) (outcome.SummaryResult, error) {
	return outcome.FallbackSummary(transcript), nil
}

// loggingSink delivers an outcome summary by logging it, since no concrete
// chat backend or upstream agent event queue was in scope for this
// standalone server — both are external collaborators per §6 Non-goals.
// It satisfies both outcome.ChatSender and outcome.SystemEventQueue so the
// pipeline always has somewhere to deliver to.
type loggingSink struct{}

func (loggingSink) SendMessage(ctx context.Context, chatID, text string) error {
	slog.Info("voicebridge: outcome summary", "chatId", chatID, "summary", text)
	return nil
}

func (loggingSink) EnqueueSystemEvent(ctx context.Context, text string, sessionKey, contextKey string) error {
	slog.Info("voicebridge: outcome summary", "sessionKey", sessionKey, "contextKey", contextKey, "summary", text)
	return nil
}
