package history

// json.go implements the wire encoding for turn parts. Parts serialize as an
// envelope array with a "type" discriminator so stores (Mongo, tests) can
// persist mixed content without reflection. Decoding is strict: an unknown
// discriminator or malformed envelope yields ErrCorruptTurn so stores can
// skip the turn instead of guessing.

import (
	"encoding/json"
	"fmt"
)

const (
	partTypeText           = "text"
	partTypeToolInvocation = "tool_invocation"
)

type partEnvelope struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	InvocationID string          `json:"invocation_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	State        HITLState       `json:"hitl_state,omitempty"`
}

// MarshalParts encodes a part list into its JSON wire form.
func MarshalParts(parts []Part) ([]byte, error) {
	envs := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			envs = append(envs, partEnvelope{Type: partTypeText, Text: v.Text})
		case *ToolInvocation:
			env := partEnvelope{
				Type:         partTypeToolInvocation,
				InvocationID: v.InvocationID,
				ToolName:     v.ToolName,
				Input:        v.Input,
				State:        v.State,
			}
			if v.Output != nil {
				raw, err := json.Marshal(v.Output)
				if err != nil {
					return nil, fmt.Errorf("history: marshal invocation %q output: %w", v.InvocationID, err)
				}
				env.Output = raw
			}
			envs = append(envs, env)
		default:
			return nil, fmt.Errorf("history: unknown part variant %T", p)
		}
	}
	return json.Marshal(envs)
}

// UnmarshalParts decodes the JSON wire form produced by MarshalParts. Unknown
// discriminators and malformed envelopes return an error wrapping
// ErrCorruptTurn.
func UnmarshalParts(data []byte) ([]Part, error) {
	var envs []partEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTurn, err)
	}
	parts := make([]Part, 0, len(envs))
	for _, env := range envs {
		switch env.Type {
		case partTypeText:
			parts = append(parts, TextPart{Text: env.Text})
		case partTypeToolInvocation:
			if env.InvocationID == "" {
				return nil, fmt.Errorf("%w: tool invocation missing id", ErrCorruptTurn)
			}
			inv := &ToolInvocation{
				InvocationID: env.InvocationID,
				ToolName:     env.ToolName,
				Input:        env.Input,
				State:        env.State,
			}
			if inv.State == "" {
				inv.State = HITLNone
			}
			if len(env.Output) > 0 {
				var out any
				if err := json.Unmarshal(env.Output, &out); err != nil {
					return nil, fmt.Errorf("%w: invocation %q output: %v", ErrCorruptTurn, env.InvocationID, err)
				}
				inv.Output = out
			}
			parts = append(parts, inv)
		default:
			return nil, fmt.Errorf("%w: unknown part type %q", ErrCorruptTurn, env.Type)
		}
	}
	return parts, nil
}
