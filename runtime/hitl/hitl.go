// Package hitl implements the human-in-the-loop state machine: it scans
// conversation history for tool invocations left pending_confirmation by an
// earlier session, applies any confirmations that have since arrived, and
// produces the synthetic context the next model call needs.
//
// Resolution runs exactly once per session, as a blocking prelude before the
// step loop, so it always happens-before any step that depends on it.
// Distinct confirmation kinds (approve an external action, submit
// credentials, answer a clarification) share this one machine and differ only
// in their resolution side effect, expressed through the Kind capability set.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/telemetry"
)

type (
	// Confirmation is the out-of-band signal that a human responded to a
	// pending invocation.
	Confirmation struct {
		// InvocationID identifies the pending invocation.
		InvocationID string
		// Confirmed is true when the human approved.
		Confirmed bool
		// Payload carries kind-specific data (submitted credentials, the
		// clarification answer). May be nil for plain approvals.
		Payload map[string]any
	}

	// Kind is the capability set one confirmation flavor implements. The
	// resolver dispatches each pending invocation to the first kind whose
	// Matches returns true.
	Kind interface {
		// Name identifies the kind in logs and resolution summaries.
		Name() string
		// Matches reports whether this kind handles the invocation. Dispatch
		// keys off the invocation itself, never off ad hoc payload fields.
		Matches(inv *history.ToolInvocation) bool
		// Resolve executes the kind's side effect for a confirmed invocation
		// or produces the denial outcome for a rejected one. The outcome is
		// written back into the invocation's Output.
		Resolve(ctx context.Context, inv *history.ToolInvocation, conf Confirmation) (Outcome, error)
	}

	// Outcome is the result of resolving one invocation.
	Outcome struct {
		// Output is written into the historical invocation's Output field.
		Output any
		// Summary is one line for the synthetic context turn.
		Summary string
		// Denied records that the human rejected the action.
		Denied bool
	}

	// Resolution describes one applied confirmation for callers.
	Resolution struct {
		InvocationID string
		ToolName     string
		Kind         string
		Summary      string
		Denied       bool
	}

	// Result is the output of one resolver pass.
	Result struct {
		// Turns is the full history including the synthetic turn, ready for
		// the model call.
		Turns []history.Turn
		// Modified lists historical turns whose invocations were rewritten
		// in place; the caller persists them.
		Modified []history.Turn
		// Synthetic is the single context turn appended for this pass, nil
		// when nothing was resolved.
		Synthetic *history.Turn
		// Resolutions lists what was applied, in history order.
		Resolutions []Resolution
	}

	// ResolverOptions configures a Resolver.
	ResolverOptions struct {
		// Kinds is the capability set, dispatched in order. Required.
		Kinds []Kind
		// ScanWindow bounds how many of the most recent turns are scanned
		// for pending invocations. Zero scans the whole history.
		ScanWindow int
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
	}

	// Resolver applies confirmations to pending invocations.
	Resolver struct {
		kinds  []Kind
		window int
		logger telemetry.Logger
	}
)

// NewResolver validates options and constructs a Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if len(opts.Kinds) == 0 {
		return nil, errors.New("hitl: at least one kind is required")
	}
	seen := make(map[string]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		if k == nil {
			return nil, errors.New("hitl: nil kind")
		}
		if k.Name() == "" {
			return nil, errors.New("hitl: kind missing name")
		}
		if seen[k.Name()] {
			return nil, fmt.Errorf("hitl: duplicate kind %q", k.Name())
		}
		seen[k.Name()] = true
	}
	if opts.ScanWindow < 0 {
		return nil, errors.New("hitl: scan window must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Resolver{kinds: opts.Kinds, window: opts.ScanWindow, logger: logger}, nil
}

// ResolvePending applies the given confirmations to pending invocations in
// the most recent turns. For each match it runs the kind's side effect (or
// records the denial), writes the outcome into the historical invocation in
// place, and marks the invocation resolved. It appends exactly one synthetic
// context turn summarizing all resolutions from this pass, so the model sees
// what happened without raw tool-call/result pairs it cannot parse.
//
// Idempotent: invocations already in a terminal state, or pending with a
// recorded output, are skipped. Re-running on the same history with no new
// confirmations returns it unchanged, with no duplicate synthetic turn.
func (r *Resolver) ResolvePending(ctx context.Context, turns []history.Turn, confs []Confirmation) (Result, error) {
	res := Result{Turns: turns}
	if len(confs) == 0 {
		return res, nil
	}
	byID := make(map[string]Confirmation, len(confs))
	for _, c := range confs {
		if c.InvocationID == "" {
			continue
		}
		byID[c.InvocationID] = c
	}

	first := 0
	if r.window > 0 && len(turns) > r.window {
		first = len(turns) - r.window
	}
	for i := first; i < len(turns); i++ {
		modified := false
		for _, p := range turns[i].Parts {
			inv, ok := p.(*history.ToolInvocation)
			if !ok {
				continue
			}
			conf, ok := byID[inv.InvocationID]
			if !ok {
				continue
			}
			if inv.State != history.HITLPending || inv.Terminal() {
				// A second resolution attempt is a no-op, not an error.
				continue
			}
			kind := r.kindFor(inv)
			if kind == nil {
				r.logger.Warn(ctx, "no kind matches pending invocation",
					"invocation_id", inv.InvocationID, "tool", inv.ToolName)
				continue
			}
			out, err := kind.Resolve(ctx, inv, conf)
			if err != nil {
				// Leave the invocation pending so a corrected confirmation
				// can retry; resolution failures never fail the session.
				r.logger.Warn(ctx, "resolution failed",
					"invocation_id", inv.InvocationID, "kind", kind.Name(), "err", err)
				continue
			}
			inv.Output = out.Output
			if out.Denied {
				inv.State = history.HITLDenied
			} else {
				inv.State = history.HITLResolved
			}
			modified = true
			res.Resolutions = append(res.Resolutions, Resolution{
				InvocationID: inv.InvocationID,
				ToolName:     inv.ToolName,
				Kind:         kind.Name(),
				Summary:      out.Summary,
				Denied:       out.Denied,
			})
		}
		if modified {
			res.Modified = append(res.Modified, turns[i])
		}
	}

	if len(res.Resolutions) == 0 {
		return res, nil
	}
	synth := syntheticTurn(turns, res.Resolutions)
	res.Synthetic = &synth
	res.Turns = append(turns, synth)
	return res, nil
}

func (r *Resolver) kindFor(inv *history.ToolInvocation) Kind {
	for _, k := range r.kinds {
		if k.Matches(inv) {
			return k
		}
	}
	return nil
}

func syntheticTurn(turns []history.Turn, resolutions []Resolution) history.Turn {
	var b strings.Builder
	b.WriteString("The user responded to the pending confirmations:\n")
	for _, r := range resolutions {
		b.WriteString("- ")
		b.WriteString(r.Summary)
		b.WriteString("\n")
	}
	conv := ""
	if len(turns) > 0 {
		conv = turns[0].ConversationID
	}
	return history.Turn{
		ID:             fmt.Sprintf("hitl-%s", resolutions[0].InvocationID),
		ConversationID: conv,
		Role:           history.RoleUser,
		Seq:            history.NextSeq(turns),
		Parts:          []history.Part{history.TextPart{Text: b.String()}},
		Synthetic:      true,
		CreatedAt:      time.Now().UTC(),
	}
}
