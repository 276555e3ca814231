// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates the controller's normalized
// requests into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text, tool use,
// usage) back into the generic model structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. When zero or negative, callers must set
		// Request.MaxTokens explicitly.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapProviderError("messages.new", err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapProviderError("messages.new_streaming", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Turns) == 0 {
		return nil, errors.New("anthropic: turns are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeTurns(req.Turns)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return &params, nil
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeTurns converts conversation turns into the Messages wire shape. Tool
// invocations encode as a tool_use block on the assistant message; resolved
// invocations additionally produce a tool_result block in a user message
// immediately after, which is where the Messages API expects results.
// Invocations still awaiting confirmation carry no usable result and are
// omitted entirely; the resolver's synthetic turn provides their context.
func encodeTurns(turns []history.Turn) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(turns))
	for i := range turns {
		turn := &turns[i]
		var blocks []sdk.ContentBlockParamUnion
		var results []sdk.ContentBlockParamUnion
		for _, part := range turn.Parts {
			switch v := part.(type) {
			case history.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case *history.ToolInvocation:
				if v.Output == nil {
					continue
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.InvocationID, v.Input, v.ToolName))
				content, err := encodeToolOutput(v.Output)
				if err != nil {
					return nil, fmt.Errorf("anthropic: encode tool result %s: %w", v.InvocationID, err)
				}
				results = append(results, sdk.NewToolResultBlock(v.InvocationID, content, v.State == history.HITLDenied))
			default:
				return nil, fmt.Errorf("anthropic: unsupported part type %T", part)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch turn.Role {
		case history.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case history.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
			if len(results) > 0 {
				out = append(out, sdk.NewUserMessage(results...))
			}
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", turn.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one non-empty turn is required")
	}
	return out, nil
}

func encodeToolOutput(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: decode tool input for %s: %w", block.ID, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	resp.Usage = translateUsage(msg.Usage)
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

func translateUsage(u sdk.Usage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      int(u.InputTokens),
		OutputTokens:     int(u.OutputTokens),
		CacheReadTokens:  int(u.CacheReadInputTokens),
		CacheWriteTokens: int(u.CacheCreationInputTokens),
	}
}

// wrapProviderError normalizes SDK failures. Rate limiting keeps its sentinel
// so the adaptive middleware can react; everything else becomes a retryable
// ProviderError because the SDK surface does not distinguish reliably and a
// false "retryable" only costs the user one more attempt.
func wrapProviderError(op string, err error) error {
	if errors.Is(err, model.ErrRateLimited) {
		return model.NewProviderError("anthropic", op, model.ProviderErrorKindRateLimited, "", true,
			fmt.Errorf("%w: %w", model.ErrRateLimited, err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewProviderError("anthropic", op, model.ProviderErrorKindUnavailable, "", true, err)
}
