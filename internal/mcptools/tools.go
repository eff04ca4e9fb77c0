// Package mcptools exposes the call manager's operations as MCP tools, so
// an agent can place, continue, and end phone calls the same way
// agentcall's pkg/tools does — adapted here directly onto
// modelcontextprotocol/go-sdk, without the proprietary mcpkit runtime
// wrapper (our own internal/runtime already owns HTTP serving and tunnel
// setup).
package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sebas/voicebridge/internal/callmanager"
)

// InitiateCallInput is the input for the initiate_call tool.
type InitiateCallInput struct {
	To         string `json:"to"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Objective  string `json:"objective,omitempty"`
	Language   string `json:"language,omitempty"`
}

// InitiateCallOutput is the output of the initiate_call tool.
type InitiateCallOutput struct {
	CallID string `json:"callId"`
}

// ContinueCallInput is the input for the continue_call tool.
type ContinueCallInput struct {
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

// ContinueCallOutput is the output of the continue_call tool.
type ContinueCallOutput struct {
	Transcript []callmanager.TranscriptEntry `json:"transcript"`
}

// SpeakToUserInput is the input for the speak_to_user tool.
type SpeakToUserInput struct {
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

// SpeakToUserOutput is the output of the speak_to_user tool.
type SpeakToUserOutput struct {
	Success bool `json:"success"`
}

// EndCallInput is the input for the end_call tool.
type EndCallInput struct {
	CallID string `json:"callId"`
}

// EndCallOutput is the output of the end_call tool.
type EndCallOutput struct {
	Success bool `json:"success"`
}

// Register installs initiate_call, continue_call, speak_to_user, and
// end_call on server, dispatching each to manager.
func Register(server *mcp.Server, manager *callmanager.Manager) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "initiate_call",
		Description: "Place an outbound phone call. The message is stored as the call's prompt; it is not spoken automatically. Returns a callId for use with continue_call, speak_to_user, and end_call.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in InitiateCallInput) (*mcp.CallToolResult, InitiateCallOutput, error) {
		result := manager.InitiateCall(ctx, in.To, in.SessionKey, callmanager.Metadata{
			Prompt:    in.Message,
			Objective: in.Objective,
			Language:  in.Language,
		})
		if !result.Success {
			return nil, InitiateCallOutput{}, fmt.Errorf("initiate_call: %w", result.Error)
		}
		return nil, InitiateCallOutput{CallID: result.CallID}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "continue_call",
		Description: "Speak another message on an active call and append it to the transcript. Use for multi-turn conversation within the same call.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ContinueCallInput) (*mcp.CallToolResult, ContinueCallOutput, error) {
		result := manager.ContinueCall(ctx, in.CallID, in.Message)
		if !result.Success {
			return nil, ContinueCallOutput{}, fmt.Errorf("continue_call: %w", result.Error)
		}
		return nil, ContinueCallOutput{Transcript: result.Transcript}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "speak_to_user",
		Description: "Speak a message on an active call without waiting for or expecting a reply. Use for brief acknowledgments or status updates.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in SpeakToUserInput) (*mcp.CallToolResult, SpeakToUserOutput, error) {
		result := manager.Speak(ctx, in.CallID, in.Message)
		if !result.Success {
			return nil, SpeakToUserOutput{Success: false}, fmt.Errorf("speak_to_user: %w", result.Error)
		}
		return nil, SpeakToUserOutput{Success: true}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "end_call",
		Description: "Hang up an active call.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in EndCallInput) (*mcp.CallToolResult, EndCallOutput, error) {
		result, err := manager.EndCall(ctx, in.CallID, "hangup-bot")
		if err != nil {
			return nil, EndCallOutput{Success: false}, fmt.Errorf("end_call: %w", err)
		}
		return nil, EndCallOutput{Success: result.Success}, nil
	})
}
