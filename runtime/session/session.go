// Package session implements the generation session controller: the
// top-level scheduler that drives one chat turn's multi-step model
// generation. The controller owns the step loop and is the only component
// exposed to callers; it wires together the HITL resolver, the cost guard,
// the abort registry, and the output stream buffer.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/hitl"
	"github.com/appforge-ai/appforge/runtime/model"
)

type (
	// Status is a session's lifecycle state. Transitions are monotone:
	// running moves to exactly one terminal status and never back.
	Status string

	// Session is one chat turn's run. Created at session start, mutated only
	// by the controller, terminal once Status leaves StatusRunning.
	Session struct {
		// SessionID is stable and namespaced by conversation and request id
		// so it can be validated on lookup.
		SessionID string
		// ConversationID identifies the owning conversation.
		ConversationID string
		// ActorID identifies the human who opened the turn.
		ActorID string
		// AccountID identifies the credit account charged for the turn.
		AccountID string
		// Status is the lifecycle state.
		Status Status
		// StepCount is the number of completed steps. Only the step loop
		// writes it; never exceeds MaxSteps.
		StepCount int
		// MaxSteps caps model round-trips for the session.
		MaxSteps int
		// CumulativeCostUSD always equals the sum of CostUSD over Steps;
		// there is no independent counter.
		CumulativeCostUSD float64
		// BudgetCeilingUSD is the fixed maximum spend for this session,
		// independent of the account balance.
		BudgetCeilingUSD float64
		// CreatedAt records session start (UTC).
		CreatedAt time.Time
	}

	// Step is one model round-trip within a session. Steps are append-only:
	// never mutated after creation, only appended.
	Step struct {
		// StepNumber is 1-based within the session.
		StepNumber int
		// ToolCalls lists the tool invocations the model requested.
		ToolCalls []model.ToolCall
		// ToolResults lists the outcomes of executing those calls.
		ToolResults []ToolResult
		// Token counters for the step, as reported by the provider.
		InputTokens      int
		OutputTokens     int
		CacheReadTokens  int
		CacheWriteTokens int
		// CostUSD is the unrounded cost of this step.
		CostUSD float64
		// Text is the assistant text produced this step.
		Text string
	}

	// ToolResult is the outcome of executing one tool call within a step.
	ToolResult struct {
		// InvocationID matches the originating call's id.
		InvocationID string
		// ToolName identifies the tool.
		ToolName string
		// Output is the tool's result. Nil when Pending.
		Output any
		// Pending marks a call halted for human confirmation.
		Pending bool
	}

	// Result is what Run returns. Anticipated business conditions (budget,
	// funds, cancellation, HITL pause) appear here as Status values, never
	// as errors, so callers branch without exception handling.
	Result struct {
		// Session is the terminal session record.
		Session Session
		// Steps is the append-only step list, at most MaxSteps entries.
		Steps []Step
		// Text is the assistant text accumulated across steps. A budget or
		// provider abort still returns whatever partial content was
		// generated; nothing is discarded.
		Text string
		// Pending is the invocation left awaiting confirmation when the
		// session halted for HITL, nil otherwise. Callers use it to prompt
		// the human.
		Pending *history.ToolInvocation
		// Resolutions lists HITL resolutions applied by this session's
		// prelude pass.
		Resolutions []hitl.Resolution
		// StepLimitReached distinguishes a step-limit stop from a natural
		// finish; both complete the session.
		StepLimitReached bool
		// ChargedUSD is the amount settled against the account, rounded to
		// cents at the charge.
		ChargedUSD float64
		// Explanation is user-displayable text for budget/funds/provider
		// aborts. Empty on clean completion.
		Explanation string
		// Checkpoint is the broker cursor of the last published batch,
		// usable by a reattaching client.
		Checkpoint string
	}
)

const (
	// StatusRunning is the only non-terminal status.
	StatusRunning Status = "running"
	// StatusCompleted covers natural finish, step-limit stop, and HITL pause.
	StatusCompleted Status = "completed"
	// StatusCancelled is an observed external cancellation.
	StatusCancelled Status = "cancelled"
	// StatusAbortedBudget is a budget-ceiling or insufficient-funds stop.
	StatusAbortedBudget Status = "aborted_budget"
	// StatusAbortedError is a model provider failure.
	StatusAbortedError Status = "aborted_error"
)

// ErrInvalidRequest reports a malformed run request.
var ErrInvalidRequest = errors.New("session: invalid request")

// ErrInvalidConfig reports invalid controller construction options.
var ErrInvalidConfig = errors.New("session: invalid configuration")

// ID composes the stable session identifier from its namespace parts.
func ID(conversationID, requestID string) string {
	return conversationID + "/" + requestID
}

// ValidateID checks that a session id belongs to the given conversation.
func ValidateID(sessionID, conversationID string) error {
	prefix := conversationID + "/"
	if !strings.HasPrefix(sessionID, prefix) || len(sessionID) == len(prefix) {
		return fmt.Errorf("session: id %q does not belong to conversation %q", sessionID, conversationID)
	}
	return nil
}

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// transition moves the session to a new status, enforcing monotonicity: no
// transition out of a terminal state.
func (s *Session) transition(to Status) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session: illegal transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// CumulativeCost recomputes the cost sum from the step list. The step list
// is the single source of truth; Session.CumulativeCostUSD is derived from
// it after every step and never drifts.
func CumulativeCost(steps []Step) float64 {
	var sum float64
	for i := range steps {
		sum += steps[i].CostUSD
	}
	return sum
}
