// Package tts adapts a text-to-speech backend to telephony requirements:
// μ-law/8kHz/mono output suitable for direct playout to a carrier media
// stream. Grounded on the ElevenLabs streaming usage in
// agentplexus-agentcall's callmanager (native "ulaw" output format, 8000Hz
// sample rate) but generalized behind a provider-agnostic interface.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrTtsUnavailable is returned when the configured backend lacks required
// credentials. Callers MUST degrade to the provider's native speak command.
var ErrTtsUnavailable = errors.New("tts: backend unavailable, fall back to provider-native speak")

// ErrEdgeProviderRefused is returned when the resolved provider is "edge":
// telephony requires PCM-grade synthesis, which the edge/browser TTS
// provider cannot guarantee.
var ErrEdgeProviderRefused = errors.New("tts: edge provider refused for telephony; requires PCM-grade output")

// Config describes TTS settings. Core-level settings are deep-merged with
// plugin-level overrides: any non-zero field on the override wins.
type Config struct {
	Provider  string // "elevenlabs", "deepgram", "mock", ... ("edge" is refused)
	APIKey    string
	VoiceID   string
	Model     string
	ExtraArgs map[string]string
}

// Merge deep-merges override onto base, returning a new Config. Zero-value
// scalar fields in override fall back to base; ExtraArgs keys in override
// take precedence per-key.
func Merge(base, override Config) Config {
	merged := base
	if override.Provider != "" {
		merged.Provider = override.Provider
	}
	if override.APIKey != "" {
		merged.APIKey = override.APIKey
	}
	if override.VoiceID != "" {
		merged.VoiceID = override.VoiceID
	}
	if override.Model != "" {
		merged.Model = override.Model
	}
	if len(base.ExtraArgs) > 0 || len(override.ExtraArgs) > 0 {
		merged.ExtraArgs = make(map[string]string, len(base.ExtraArgs)+len(override.ExtraArgs))
		for k, v := range base.ExtraArgs {
			merged.ExtraArgs[k] = v
		}
		for k, v := range override.ExtraArgs {
			merged.ExtraArgs[k] = v
		}
	}
	return merged
}

// Chunk is one piece of a synthesis stream. IsFinal marks stream end; Error
// terminates the stream.
type Chunk struct {
	Audio   []byte
	IsFinal bool
	Error   error
}

// Backend synthesizes text to a μ-law/8kHz/mono audio stream.
type Backend interface {
	// Name identifies the backend, e.g. "elevenlabs".
	Name() string
	// SynthesizeStream streams synthesized audio for text. The channel is
	// closed after the final chunk (IsFinal=true) or an error chunk.
	SynthesizeStream(ctx context.Context, text string, cfg Config) (<-chan Chunk, error)
}

// Adapter is the telephony-facing contract: synthesizeForTelephony(text) ->
// complete μ-law/8kHz/mono byte stream.
type Adapter struct {
	backend Backend
	cfg     Config
}

// New constructs an Adapter. It refuses the "edge" provider and returns
// ErrTtsUnavailable if the resolved config lacks an API key (except for the
// "mock" provider, which needs none).
func New(backend Backend, cfg Config) (*Adapter, error) {
	if cfg.Provider == "edge" {
		return nil, ErrEdgeProviderRefused
	}
	if cfg.Provider != "mock" && cfg.APIKey == "" {
		return nil, ErrTtsUnavailable
	}
	return &Adapter{backend: backend, cfg: cfg}, nil
}

// SynthesizeForTelephony synthesizes text to a complete μ-law/8kHz/mono byte
// buffer, draining the backend's stream.
func (a *Adapter) SynthesizeForTelephony(ctx context.Context, text string) ([]byte, error) {
	stream, err := a.backend.SynthesizeStream(ctx, text, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesis failed: %w", err)
	}

	var out []byte
	for chunk := range stream {
		if chunk.Error != nil {
			return nil, fmt.Errorf("tts: stream error: %w", chunk.Error)
		}
		if len(chunk.Audio) > 0 {
			out = append(out, chunk.Audio...)
		}
		if chunk.IsFinal {
			break
		}
	}
	return out, nil
}
