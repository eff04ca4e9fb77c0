package outcome

import "testing"

func TestResolveChannelIDFromSessionKey(t *testing.T) {
	chatID, ok := ResolveChannelID("telegram:dm:123456", "")
	if !ok || chatID != "123456" {
		t.Fatalf("got %q, %v", chatID, ok)
	}
}

func TestResolveChannelIDFallsBackToMessageTo(t *testing.T) {
	chatID, ok := ResolveChannelID("not-telegram", "telegram:group:-100500")
	if !ok || chatID != "-100500" {
		t.Fatalf("got %q, %v", chatID, ok)
	}
}

func TestResolveChannelIDFallsBackToMessageToWithoutType(t *testing.T) {
	chatID, ok := ResolveChannelID("", "telegram:42")
	if !ok || chatID != "42" {
		t.Fatalf("got %q, %v", chatID, ok)
	}
}

func TestResolveChannelIDNeitherResolves(t *testing.T) {
	_, ok := ResolveChannelID("sms:dm:1", "sms:1")
	if ok {
		t.Fatal("expected no resolution")
	}
}
