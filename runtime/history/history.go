// Package history defines the persisted conversation model shared by the
// generation controller and the HITL resolver: ordered turns composed of a
// closed set of part variants, and the Store contract used to load and
// checkpoint them. Tool invocations embedded in assistant turns carry an
// explicit HITL state instead of ad hoc sentinel fields so resolution logic
// can be written once.
package history

import (
	"context"
	"errors"
	"time"
)

type (
	// Role identifies who produced a turn.
	Role string

	// HITLState tracks the human-in-the-loop lifecycle of a tool invocation.
	// Invocations start at HITLNone; tools that require confirmation move to
	// HITLPending when the model halts for human input, and a later session
	// (or an out-of-band confirmation call) moves them to a terminal state.
	HITLState string

	// Turn is one persisted conversation entry. Turns are ordered by Seq
	// within a conversation and upserted idempotently: UpsertTurn with the
	// same ID is last-write-wins on content.
	Turn struct {
		// ID is the durable turn identifier, unique within the conversation.
		ID string
		// ConversationID identifies the owning conversation.
		ConversationID string
		// Role is the producer of the turn.
		Role Role
		// Seq orders turns within the conversation.
		Seq int
		// Parts composes the turn content. Mixed text and tool invocations.
		Parts []Part
		// Synthetic marks resolver-generated context turns that summarize
		// HITL resolutions for the model.
		Synthetic bool
		// CreatedAt records when the turn was first persisted.
		CreatedAt time.Time
	}

	// Part is one element of a turn's content. The variant set is closed:
	// TextPart and *ToolInvocation. Unknown variants in persisted data are
	// surfaced as ErrCorruptTurn by the decoders, never invented.
	Part interface {
		part()
	}

	// TextPart carries assistant or user text.
	TextPart struct {
		Text string
	}

	// ToolInvocation is a tool call embedded in a persisted assistant turn.
	// Its lifecycle may span multiple generation sessions: created during
	// session N, left HITLPending when the model halts for confirmation,
	// resolved by a later session. Parts hold it by pointer so the resolver
	// can write Output and State back into the historical turn in place.
	ToolInvocation struct {
		// InvocationID uniquely identifies this invocation across sessions.
		InvocationID string
		// ToolName is the invoked tool identifier.
		ToolName string
		// Input carries the model-provided tool arguments.
		Input map[string]any
		// Output is the tool result. Nil until the tool executed or the
		// invocation was resolved.
		Output any
		// State is the HITL lifecycle state.
		State HITLState
	}

	// Store persists conversation turns. Implementations must make UpsertTurn
	// idempotent (last-write-wins on content for a given turn ID) because the
	// controller checkpoints the accumulating assistant turn after every step
	// and the resolver rewrites historical turns in place. LoadTurns skips
	// turns whose content cannot be decoded, logging a warning; a corrupt
	// turn is never fatal to the whole conversation.
	Store interface {
		// LoadTurns returns the conversation's turns ordered by Seq.
		LoadTurns(ctx context.Context, conversationID string) ([]Turn, error)
		// UpsertTurn inserts or replaces the turn's content.
		UpsertTurn(ctx context.Context, conversationID string, turn Turn) error
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	// HITLNone marks invocations that never needed confirmation.
	HITLNone HITLState = "none"
	// HITLPending marks invocations awaiting human confirmation. A pending
	// invocation blocks further execution of that invocation id until
	// resolved.
	HITLPending HITLState = "pending_confirmation"
	// HITLConfirmed marks invocations the human approved.
	HITLConfirmed HITLState = "confirmed"
	// HITLDenied marks invocations the human rejected.
	HITLDenied HITLState = "denied"
	// HITLResolved marks invocations whose deferred effect ran and whose
	// outcome was written back into the turn.
	HITLResolved HITLState = "resolved"
)

// ErrCorruptTurn reports persisted turn content that cannot be decoded.
// Stores skip such turns with a logged warning rather than failing the load.
var ErrCorruptTurn = errors.New("history: corrupt turn content")

func (TextPart) part()        {}
func (*ToolInvocation) part() {}

// Terminal reports whether the invocation reached a terminal HITL state or
// already has an output. Terminal invocations are skipped by the resolver so
// re-running resolution on the same history is a no-op.
func (inv *ToolInvocation) Terminal() bool {
	switch inv.State {
	case HITLConfirmed, HITLDenied, HITLResolved:
		return true
	}
	return inv.State == HITLPending && inv.Output != nil
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// PendingInvocations returns the tool invocations with state HITLPending and
// no recorded output, scanning turns in order.
func PendingInvocations(turns []Turn) []*ToolInvocation {
	var out []*ToolInvocation
	for i := range turns {
		for _, p := range turns[i].Parts {
			if inv, ok := p.(*ToolInvocation); ok && inv.State == HITLPending && inv.Output == nil {
				out = append(out, inv)
			}
		}
	}
	return out
}

// FindInvocation locates an invocation by id. Returns nil when absent.
func FindInvocation(turns []Turn, invocationID string) *ToolInvocation {
	for i := range turns {
		for _, p := range turns[i].Parts {
			if inv, ok := p.(*ToolInvocation); ok && inv.InvocationID == invocationID {
				return inv
			}
		}
	}
	return nil
}

// NextSeq returns the sequence number for a turn appended after turns.
func NextSeq(turns []Turn) int {
	max := -1
	for i := range turns {
		if turns[i].Seq > max {
			max = turns[i].Seq
		}
	}
	return max + 1
}
