package tts

import (
	"context"

	"github.com/sebas/voicebridge/internal/codec"
)

// MockBackend synthesizes deterministic silence-filled μ-law audio, sized
// proportionally to the input text, for tests and the mock provider flow.
type MockBackend struct {
	BytesPerChar int
}

// NewMockBackend returns a MockBackend with a sane default size ratio.
func NewMockBackend() *MockBackend {
	return &MockBackend{BytesPerChar: codec.DefaultFrameSize / 4}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) SynthesizeStream(ctx context.Context, text string, cfg Config) (<-chan Chunk, error) {
	perChar := m.BytesPerChar
	if perChar <= 0 {
		perChar = 1
	}
	size := len(text) * perChar
	if size == 0 {
		size = codec.DefaultFrameSize
	}

	ch := make(chan Chunk, 1)
	audio := make([]byte, size)
	for i := range audio {
		audio[i] = 0xFF // μ-law silence
	}
	ch <- Chunk{Audio: audio, IsFinal: true}
	close(ch)
	return ch, nil
}
