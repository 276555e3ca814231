package hitl

// kinds.go provides the built-in confirmation kinds. Each kind matches on
// the invocation's tool name and differs only in its resolution side effect:
// ActionApproval runs the deferred effect, CredentialSubmission stores the
// submitted secret, Clarification feeds the user's answer back as context.

import (
	"context"
	"errors"
	"fmt"

	"github.com/appforge-ai/appforge/runtime/history"
)

type (
	// Effect is the deferred action an approved invocation performs (for
	// example, the external deployment the tool represents). It receives the
	// invocation's original input and returns the output recorded in history.
	Effect func(ctx context.Context, inv *history.ToolInvocation) (any, error)

	// ActionApproval resolves "approve an external action" confirmations:
	// on approval it executes the deferred effect, on denial it records a
	// denial message so the model knows not to retry unprompted.
	ActionApproval struct {
		// Tool is the tool name this kind handles. Required.
		Tool string
		// Execute is the deferred effect. Required.
		Execute Effect
	}

	// CredentialSubmission resolves "submit credentials" confirmations. The
	// confirmation payload carries the secret material, validated against
	// Schema before Store is invoked; the recorded output never contains the
	// submitted values.
	CredentialSubmission struct {
		// Tool is the tool name this kind handles. Required.
		Tool string
		// Schema is the JSON Schema the confirmation payload must satisfy.
		// Optional; nil skips validation.
		Schema any
		// Store persists the submitted credentials. Required.
		Store func(ctx context.Context, invocationID string, payload map[string]any) error
	}

	// Clarification resolves "answer a clarification request" confirmations:
	// the payload's answer becomes the invocation output verbatim.
	Clarification struct {
		// Tool is the tool name this kind handles. Required.
		Tool string
	}
)

// Name implements Kind.
func (k *ActionApproval) Name() string { return "action_approval" }

// Matches implements Kind.
func (k *ActionApproval) Matches(inv *history.ToolInvocation) bool {
	return inv.ToolName == k.Tool
}

// Resolve implements Kind.
func (k *ActionApproval) Resolve(ctx context.Context, inv *history.ToolInvocation, conf Confirmation) (Outcome, error) {
	if k.Execute == nil {
		return Outcome{}, errors.New("hitl: action approval missing effect")
	}
	if !conf.Confirmed {
		return Outcome{
			Output:  map[string]any{"denied": true, "message": "The user declined this action."},
			Summary: fmt.Sprintf("%s: the user declined the action.", inv.ToolName),
			Denied:  true,
		}, nil
	}
	out, err := k.Execute(ctx, inv)
	if err != nil {
		return Outcome{}, fmt.Errorf("hitl: execute %s: %w", inv.ToolName, err)
	}
	return Outcome{
		Output:  out,
		Summary: fmt.Sprintf("%s: the user approved and the action completed.", inv.ToolName),
	}, nil
}

// Name implements Kind.
func (k *CredentialSubmission) Name() string { return "credential_submission" }

// Matches implements Kind.
func (k *CredentialSubmission) Matches(inv *history.ToolInvocation) bool {
	return inv.ToolName == k.Tool
}

// Resolve implements Kind.
func (k *CredentialSubmission) Resolve(ctx context.Context, inv *history.ToolInvocation, conf Confirmation) (Outcome, error) {
	if k.Store == nil {
		return Outcome{}, errors.New("hitl: credential submission missing store")
	}
	if !conf.Confirmed {
		return Outcome{
			Output:  map[string]any{"denied": true, "message": "The user declined to provide credentials."},
			Summary: fmt.Sprintf("%s: the user declined to provide credentials.", inv.ToolName),
			Denied:  true,
		}, nil
	}
	if err := ValidatePayload(conf.Payload, k.Schema); err != nil {
		return Outcome{}, fmt.Errorf("hitl: credential payload: %w", err)
	}
	if err := k.Store(ctx, inv.InvocationID, conf.Payload); err != nil {
		return Outcome{}, fmt.Errorf("hitl: store credentials: %w", err)
	}
	// Record only the fact of submission; never the secret material.
	return Outcome{
		Output:  map[string]any{"stored": true},
		Summary: fmt.Sprintf("%s: the user submitted the requested credentials.", inv.ToolName),
	}, nil
}

// Name implements Kind.
func (k *Clarification) Name() string { return "clarification" }

// Matches implements Kind.
func (k *Clarification) Matches(inv *history.ToolInvocation) bool {
	return inv.ToolName == k.Tool
}

// Resolve implements Kind.
func (k *Clarification) Resolve(_ context.Context, inv *history.ToolInvocation, conf Confirmation) (Outcome, error) {
	if !conf.Confirmed {
		return Outcome{
			Output:  map[string]any{"denied": true, "message": "The user skipped the question."},
			Summary: fmt.Sprintf("%s: the user skipped the question.", inv.ToolName),
			Denied:  true,
		}, nil
	}
	answer, _ := conf.Payload["answer"].(string)
	if answer == "" {
		return Outcome{}, errors.New("hitl: clarification payload missing answer")
	}
	return Outcome{
		Output:  map[string]any{"answer": answer},
		Summary: fmt.Sprintf("%s: the user answered: %s", inv.ToolName, answer),
	}, nil
}
