package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"

	"github.com/sebas/voicebridge/internal/callmanager"
)

// summaryTimeout bounds the single LLM summary request (§4.8 step 2).
const summaryTimeout = 15 * time.Second

// maxTranscriptEntries clamps transcript input to the pipeline (§4.8 inputs).
const maxTranscriptEntries = 120

// concierge system prompt: Russian, instructed to return strict JSON.
const systemPromptTemplate = `Ты — консьерж голосового ассистента ресторана. Сегодня %s.
Проанализируй стенограмму телефонного звонка и верни СТРОГО JSON без markdown-обрамления вида:
{"summary": "краткое резюме звонка на русском", "booking": {"confirmed": bool, "restaurant": string, "guestName": string, "guestCount": int, "date": "YYYY-MM-DD", "time": "HH:MM", "durationMinutes": int, "address": string} или null}`

// SummaryResult is the defensively-parsed LLM response (§4.8 step 3).
type SummaryResult struct {
	Summary string
	Booking *Booking
}

// rawLLMResponse is the strict expected shape; fields are validated by
// runtime type before being trusted (§4.8: "reject booking fields whose
// runtime type is not the declared one").
type rawLLMResponse struct {
	Summary json.RawMessage `json:"summary"`
	Booking json.RawMessage `json:"booking"`
}

type rawBooking struct {
	Confirmed       json.RawMessage `json:"confirmed"`
	Restaurant      json.RawMessage `json:"restaurant"`
	GuestName       json.RawMessage `json:"guestName"`
	GuestCount      json.RawMessage `json:"guestCount"`
	Date            json.RawMessage `json:"date"`
	Time            json.RawMessage `json:"time"`
	DurationMinutes json.RawMessage `json:"durationMinutes"`
	Address         json.RawMessage `json:"address"`
}

// bedrockConverseAPI abstracts the Bedrock runtime call for testability,
// mirroring alfred-ai's BedrockProvider seam.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// SummaryBackend calls Bedrock's Converse API once with a JSON-enforcing
// system prompt, wrapped in a circuit breaker so a Bedrock outage degrades
// to the deterministic fallback summary instead of blocking every hangup.
type SummaryBackend struct {
	client  bedrockConverseAPI
	model   string
	breaker *gobreaker.CircuitBreaker[*bedrockruntime.ConverseOutput]
}

// NewSummaryBackend constructs a SummaryBackend using the default AWS
// credential chain, mirroring alfred-ai's NewBedrockProvider.
func NewSummaryBackend(ctx context.Context, region, model string) (*SummaryBackend, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("outcome: load aws config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg)

	breaker := gobreaker.NewCircuitBreaker[*bedrockruntime.ConverseOutput](gobreaker.Settings{
		Name:        "bedrock-summary",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &SummaryBackend{client: client, model: model, breaker: breaker}, nil
}

// ErrSummaryFailed maps to the §7 SummaryFailed taxonomy tag.
var ErrSummaryFailed = errors.New("outcome: summary generation failed")

// Summarize issues one Bedrock Converse request and defensively parses its
// JSON response. On any failure (including an open circuit) it returns
// ErrSummaryFailed; callers fall back to FallbackSummary.
func (b *SummaryBackend) Summarize(ctx context.Context, referenceDate string, transcript []callmanager.TranscriptEntry) (SummaryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	transcriptText := renderTranscript(transcript)
	systemPrompt := fmt.Sprintf(systemPromptTemplate, referenceDate)

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: transcriptText}},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(1024)},
	}

	output, err := b.breaker.Execute(func() (*bedrockruntime.ConverseOutput, error) {
		return b.client.Converse(ctx, input)
	})
	if err != nil {
		return SummaryResult{}, fmt.Errorf("%w: %v", ErrSummaryFailed, mapBedrockError(err))
	}

	text := extractText(output)
	return parseDefensively(text), nil
}

func extractText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}
	return sb.String()
}

// parseDefensively implements §4.8 step 3: if JSON parsing fails, fall back
// to the raw text as summary with booking=nil; otherwise validate each
// booking field's runtime type and treat confirmed!=true as no booking.
func parseDefensively(text string) SummaryResult {
	trimmed := strings.TrimSpace(stripCodeFence(text))

	var raw rawLLMResponse
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return SummaryResult{Summary: text, Booking: nil}
	}

	summary := text
	var summaryStr string
	if json.Unmarshal(raw.Summary, &summaryStr) == nil {
		summary = summaryStr
	}

	booking := parseBooking(raw.Booking)
	return SummaryResult{Summary: summary, Booking: booking}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parseBooking(raw json.RawMessage) *Booking {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var rb rawBooking
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil
	}

	var confirmed bool
	if json.Unmarshal(rb.Confirmed, &confirmed) != nil || !confirmed {
		return nil
	}

	b := &Booking{Confirmed: true}
	tryString(rb.Restaurant, &b.Restaurant)
	tryString(rb.GuestName, &b.GuestName)
	tryString(rb.Date, &b.Date)
	tryString(rb.Time, &b.Time)
	tryString(rb.Address, &b.Address)
	tryInt(rb.GuestCount, &b.GuestCount)
	tryInt(rb.DurationMinutes, &b.DurationMinutes)

	return b
}

func tryString(raw json.RawMessage, dst *string) {
	if len(raw) == 0 {
		return
	}
	var v string
	if json.Unmarshal(raw, &v) == nil {
		*dst = v
	}
}

func tryInt(raw json.RawMessage, dst *int) {
	if len(raw) == 0 {
		return
	}
	var v float64
	if json.Unmarshal(raw, &v) == nil {
		*dst = int(v)
	}
}

func renderTranscript(entries []callmanager.TranscriptEntry) string {
	if len(entries) > maxTranscriptEntries {
		entries = entries[len(entries)-maxTranscriptEntries:]
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.Speaker)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// FallbackSummary is the deterministic template used when SummaryBackend
// fails (§7 SummaryFailed).
func FallbackSummary(entries []callmanager.TranscriptEntry) SummaryResult {
	var lastUser string
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Speaker == "user" {
			lastUser = entries[i].Text
			break
		}
	}
	summary := "Звонок завершён."
	if lastUser != "" {
		summary = "Звонок завершён. Последняя реплика собеседника: " + lastUser
	}
	return SummaryResult{Summary: summary, Booking: nil}
}

func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
