// Package outcome implements the post-hangup outcome pipeline (C8): LLM
// summarization of the call transcript, booking/calendar extraction, and
// delivery back to the originating chat or the upstream agent's event queue.
package outcome

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/voicebridge/internal/callmanager"
)

// moscowOffset is Europe/Moscow's fixed UTC+3 offset (no DST since 2014),
// used only to render the reference date/weekday string handed to the LLM;
// it never feeds the calendar arithmetic in calendar.go.
const moscowOffset = 3 * time.Hour

var weekdaysRu = [...]string{"воскресенье", "понедельник", "вторник", "среда", "четверг", "пятница", "суббота"}

// ChatSender delivers the summary directly to the originating chat (§6
// "A single call sendMessage(chatId, text) on the host's chat channel").
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// SystemEventQueue enqueues a system event for the next agent turn when no
// chat channel resolved (§6 enqueueSystemEvent).
type SystemEventQueue interface {
	EnqueueSystemEvent(ctx context.Context, text string, sessionKey, contextKey string) error
}

// Summarizer abstracts SummaryBackend.Summarize for testability.
type Summarizer interface {
	Summarize(ctx context.Context, referenceDate string, transcript []callmanager.TranscriptEntry) (SummaryResult, error)
}

// Pipeline wires the LLM summary backend to calendar building and delivery.
// Grounded on the teacher's post-call hook dispatch shape, generalized from
// a single webhook POST into the two-branch chat/system-event delivery of
// §4.8 steps 5-6.
type Pipeline struct {
	summarizer Summarizer
	chat       ChatSender
	events     SystemEventQueue
	now        func() time.Time
}

// NewPipeline constructs a Pipeline. now defaults to time.Now if nil; tests
// inject a fixed clock to keep the reference-date string deterministic.
func NewPipeline(summarizer Summarizer, chat ChatSender, events SystemEventQueue, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{summarizer: summarizer, chat: chat, events: events, now: now}
}

// Run executes the full §4.8 pipeline for one terminal call record.
func (p *Pipeline) Run(ctx context.Context, record callmanager.Record) {
	chatID, hasChannel := ResolveChannelID(record.Metadata.SessionKey, record.Metadata.MessageTo)

	transcript := record.Transcript
	if len(transcript) > maxTranscriptEntries {
		transcript = transcript[len(transcript)-maxTranscriptEntries:]
	}

	result, err := p.summarizer.Summarize(ctx, referenceDateString(p.now()), transcript)
	if err != nil {
		slog.Warn("outcome: summary backend failed, using fallback", "callId", record.CallID, "error", err)
		result = FallbackSummary(transcript)
	}

	summaryText := result.Summary
	if result.Booking != nil && result.Booking.Confirmed {
		if url, err := BuildCalendarURL(*result.Booking); err != nil {
			slog.Warn("outcome: booking present but calendar URL failed", "callId", record.CallID, "error", err)
		} else {
			summaryText += fmt.Sprintf("\n\n[📅 …](%s)", url)
		}
	}

	if hasChannel {
		if err := p.chat.SendMessage(ctx, chatID, summaryText); err != nil {
			slog.Error("outcome: chat delivery failed, not retrying", "callId", record.CallID, "chatId", chatID, "error", err)
		}
		return
	}

	contextKey := "voice-call:" + record.CallID + ":ended"
	if err := p.events.EnqueueSystemEvent(ctx, summaryText, record.Metadata.SessionKey, contextKey); err != nil {
		slog.Error("outcome: system event enqueue failed", "callId", record.CallID, "error", err)
	}
}

// referenceDateString renders "<weekday>, YYYY-MM-DD" computed at Moscow's
// fixed UTC+3 offset, independent of host local time.
func referenceDateString(t time.Time) string {
	moscow := t.UTC().Add(moscowOffset)
	weekday := weekdaysRu[int(moscow.Weekday())]
	return fmt.Sprintf("%s, %04d-%02d-%02d", weekday, moscow.Year(), moscow.Month(), moscow.Day())
}
