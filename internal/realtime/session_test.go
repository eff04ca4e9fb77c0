package realtime

import (
	"context"
	"testing"
	"time"
)

type fakeBackend struct {
	events chan Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan Event, 16)}
}

func (f *fakeBackend) Connect(ctx context.Context, cfg Config) error { return nil }
func (f *fakeBackend) SendAudio(pcmu []byte)                         {}
func (f *fakeBackend) Events() <-chan Event                         { return f.events }
func (f *fakeBackend) Close() error {
	return nil
}

func TestSessionAssistantFinalExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{Mode: ModeConversation})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.events <- Event{Kind: EventAssistantFinal, Text: "hello"}
	backend.events <- Event{Kind: EventAssistantFinal, Text: "hello again (duplicate)"}
	close(backend.events)

	var finals []Event
	for ev := range s.Events() {
		if ev.Kind == EventAssistantFinal {
			finals = append(finals, ev)
		}
	}

	if len(finals) != 1 {
		t.Fatalf("expected exactly one assistant.final event, got %d", len(finals))
	}
	if finals[0].Text != "hello" {
		t.Fatalf("unexpected text: %q", finals[0].Text)
	}
}

func TestSessionDiscardsPartialOnSpeechStart(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{Mode: ModeConversation})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.events <- Event{Kind: EventUserPartial, Text: "partial user speech"}
	backend.events <- Event{Kind: EventSpeechStart}
	close(backend.events)

	var sawSpeechStart bool
	for ev := range s.Events() {
		if ev.Kind == EventSpeechStart {
			sawSpeechStart = true
		}
	}
	if !sawSpeechStart {
		t.Fatal("expected speech.start event to pass through")
	}

	s.mu.Lock()
	pending := s.pendingUserPart
	s.mu.Unlock()
	if pending != "" {
		t.Fatalf("expected pending partial to be cleared on speech.start, got %q", pending)
	}
}

func TestSessionAssistantFinalSeparatePerTurn(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, Config{Mode: ModeConversation})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.events <- Event{Kind: EventUserFinal, Text: "first question"}
	backend.events <- Event{Kind: EventAssistantFinal, Text: "first answer"}
	backend.events <- Event{Kind: EventUserFinal, Text: "second question"}
	backend.events <- Event{Kind: EventAssistantFinal, Text: "second answer"}
	close(backend.events)

	var finals []string
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				if len(finals) != 2 {
					t.Fatalf("expected 2 assistant finals across 2 turns, got %d: %v", len(finals), finals)
				}
				return
			}
			if ev.Kind == EventAssistantFinal {
				finals = append(finals, ev.Text)
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}
