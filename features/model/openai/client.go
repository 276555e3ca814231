// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates the controller's normalized requests
// into ChatCompletion calls using github.com/sashabaranov/go-openai and maps
// responses back to the generic model structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Turns) == 0 {
		return nil, errors.New("openai: turns are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages, err := encodeTurns(req.System, req.Turns)
	if err != nil {
		return nil, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, model.ErrRateLimited) {
			return nil, model.NewProviderError("openai", "chat.completions", model.ProviderErrorKindRateLimited, "", true,
				fmt.Errorf("%w: %w", model.ErrRateLimited, err))
		}
		return nil, model.NewProviderError("openai", "chat.completions", model.ProviderErrorKindUnavailable, "", true, err)
	}
	return translateResponse(response), nil
}

// Stream reports that Chat Completions streaming is not supported by this
// adapter. The controller falls back to Complete and publishes the full text
// as a single chunk.
func (c *Client) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// encodeTurns flattens the conversation for the Chat Completions message
// format. Tool invocations are rendered as assistant tool_calls with a
// matching tool-role result message when an output exists; pending
// invocations are omitted, their context lives in the resolver's synthetic
// turn.
func encodeTurns(system string, turns []history.Turn) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for i := range turns {
		turn := &turns[i]
		var text string
		var calls []openai.ToolCall
		var results []openai.ChatCompletionMessage
		for _, part := range turn.Parts {
			switch v := part.(type) {
			case history.TextPart:
				text += v.Text
			case *history.ToolInvocation:
				if v.Output == nil {
					continue
				}
				args, err := json.Marshal(v.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool args %s: %w", v.InvocationID, err)
				}
				calls = append(calls, openai.ToolCall{
					ID:   v.InvocationID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      v.ToolName,
						Arguments: string(args),
					},
				})
				content, err := json.Marshal(v.Output)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool result %s: %w", v.InvocationID, err)
				}
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(content),
					ToolCallID: v.InvocationID,
				})
			default:
				return nil, fmt.Errorf("openai: unsupported part type %T", part)
			}
		}
		if text == "" && len(calls) == 0 {
			continue
		}
		role := openai.ChatMessageRoleUser
		if turn.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: text, ToolCalls: calls})
		out = append(out, results...)
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		out.Text += msg.Content
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{"raw": raw}
	}
	return input
}
