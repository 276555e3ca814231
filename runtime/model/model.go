// Package model provides the provider-agnostic abstraction over chat
// completion APIs used by the generation controller. Implementations wrap
// provider SDKs (Anthropic, OpenAI) and translate Request/Response to
// provider-specific formats; they live under features/model. Clients must be
// thread-safe and reusable across sessions.
package model

import (
	"context"
	"errors"

	"github.com/appforge-ai/appforge/runtime/history"
)

type (
	// Client is the contract the controller uses to invoke one model step.
	Client interface {
		// Complete sends a completion request and returns the full response.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a completion request and returns a Streamer yielding
		// incremental chunks (text, tool calls, usage deltas). The returned
		// Streamer must be closed by callers. Providers without streaming
		// support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive Recv calls
	// return chunks until io.EOF. Single-goroutine use; Close releases any
	// underlying transport resources.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request captures the normalized parameters for one model step.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string
		// Turns is the ordered conversation history for this step, including
		// any resolver-produced synthetic context turns.
		Turns []history.Turn
		// System is an optional system prompt prepended to the conversation.
		System string
		// Tools describes the tool schemas exposed for function calling.
		Tools []*ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the adapter default.
		MaxTokens int
		// Temperature controls sampling. Zero means provider default.
		Temperature float32
	}

	// Response is the full result of one model step.
	Response struct {
		// Text is the assistant text produced this step.
		Text string
		// ToolCalls lists tool invocations the model requested. Empty when
		// the model produced a final text response.
		ToolCalls []ToolCall
		// Usage reports token consumption for the step, including prompt
		// cache reads and writes when the provider reports them.
		Usage TokenUsage
		// StopReason is the provider's termination reason. Provider-specific
		// and possibly empty.
		StopReason string
	}

	// ToolDefinition describes a tool schema passed to the provider.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is a JSON Schema object describing the tool input.
		InputSchema any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name identifies the tool, matching a ToolDefinition.Name.
		Name string
		// Input carries the JSON arguments generated by the model.
		Input map[string]any
	}

	// Chunk is one streaming event. Type indicates which field is set.
	Chunk struct {
		// Type is one of the ChunkType constants.
		Type ChunkType
		// Text is the text delta when Type == ChunkText.
		Text string
		// ToolCall is the completed tool request when Type == ChunkToolCall.
		ToolCall *ToolCall
		// UsageDelta reports incremental usage when Type == ChunkUsage.
		UsageDelta *TokenUsage
		// StopReason explains termination when Type == ChunkStop.
		StopReason string
	}

	// ChunkType enumerates streaming event kinds.
	ChunkType string

	// TokenUsage records per-step token counts. All four counters feed the
	// cost conversion; cache counters are zero for providers that do not
	// report prompt caching.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		CacheReadTokens  int
		CacheWriteTokens int
	}
)

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
	ChunkStop     ChunkType = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model/parameters. Callers fall back to Complete.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited indicates the provider is throttling requests. Middleware
// (features/model/middleware) uses it to adapt its token budget.
var ErrRateLimited = errors.New("model: rate limited")

// Add accumulates a usage delta.
func (u *TokenUsage) Add(d TokenUsage) {
	u.InputTokens += d.InputTokens
	u.OutputTokens += d.OutputTokens
	u.CacheReadTokens += d.CacheReadTokens
	u.CacheWriteTokens += d.CacheWriteTokens
}
