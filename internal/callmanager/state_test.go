package callmanager

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	path := []State{StateInitiating, StateRinging, StateAnswered, StateActive, StateSpeaking, StateListening, StateActive, StateEnding, StateHangupBot}
	for i := 1; i < len(path); i++ {
		if !canTransition(path[i-1], path[i]) {
			t.Fatalf("expected %s -> %s to be legal", path[i-1], path[i])
		}
	}
}

func TestCanTransitionRejectsSkippedEdge(t *testing.T) {
	if canTransition(StateInitiating, StateActive) {
		t.Fatal("expected initiating -> active to be rejected (must pass through ringing/answered)")
	}
	if canTransition(StateInitiating, StateSpeaking) {
		t.Fatal("expected initiating -> speaking to be rejected")
	}
}

func TestCanTransitionAnyNonTerminalToGenericTerminal(t *testing.T) {
	nonTerminals := []State{StateInitiating, StateRinging, StateAnswered, StateActive, StateSpeaking, StateListening}
	terminals := []State{StateBusy, StateNoAnswer, StateVoicemail, StateTimeout, StateFailed, StateCompleted}
	for _, from := range nonTerminals {
		for _, to := range terminals {
			if !canTransition(from, to) {
				t.Fatalf("expected %s -> %s to be legal (any non-terminal -> terminal)", from, to)
			}
		}
	}
}

func TestCanTransitionRejectsFromTerminal(t *testing.T) {
	for terminal := range terminalStates {
		if canTransition(terminal, StateActive) {
			t.Fatalf("expected no transitions out of terminal state %s", terminal)
		}
	}
}

func TestManagerIdempotentTermination(t *testing.T) {
	m := New(Config{MaxConcurrentCalls: 10}, nil, nil, nil)

	var hookCalls int
	m.SetOnCallEndedHook(func(r Record) {
		hookCalls++
	})

	m.mu.Lock()
	m.records["call-1"] = &Record{CallID: "call-1", State: StateActive}
	m.mu.Unlock()

	m.transition("call-1", StateHangupUser, "hangup-user")
	m.transition("call-1", StateHangupUser, "hangup-user") // redelivered terminal event
	m.transition("call-1", StateFailed, "failed")          // a second, different terminal event

	if hookCalls != 1 {
		t.Fatalf("expected on-call-ended hook to fire exactly once, fired %d times", hookCalls)
	}
}
