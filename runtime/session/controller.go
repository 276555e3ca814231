package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/appforge-ai/appforge/runtime/abort"
	"github.com/appforge-ai/appforge/runtime/budget"
	"github.com/appforge-ai/appforge/runtime/history"
	"github.com/appforge-ai/appforge/runtime/hitl"
	"github.com/appforge-ai/appforge/runtime/ledger"
	"github.com/appforge-ai/appforge/runtime/model"
	"github.com/appforge-ai/appforge/runtime/stream"
	"github.com/appforge-ai/appforge/runtime/telemetry"
)

type (
	// ToolExecutor runs the tools the model requests during a step. Tool
	// execution inherits the step's context and therefore its cancellation
	// signal. An executor signals a HITL pause by returning Pending; the
	// controller then records the invocation as pending_confirmation and
	// halts after the step.
	ToolExecutor interface {
		Execute(ctx context.Context, call model.ToolCall) (ToolOutcome, error)
	}

	// ToolOutcome is the result of executing one tool call.
	ToolOutcome struct {
		// Output is the tool result fed back to the model. Ignored when
		// Pending.
		Output any
		// Pending halts the session for human confirmation of this call.
		Pending bool
	}

	// ControllerOptions wires the controller's collaborators. History,
	// Model, Ledger, Guard, Registry, Resolver, and Broker are required.
	ControllerOptions struct {
		// History loads and checkpoints conversation turns.
		History history.Store
		// Model invokes the provider for each step.
		Model model.Client
		// Ledger is the credit account collaborator.
		Ledger ledger.Ledger
		// Guard converts usage to cost and decides affordability.
		Guard *budget.Guard
		// Registry tracks cancellation for active sessions.
		Registry abort.Registry
		// Resolver applies pending HITL confirmations before the loop.
		Resolver *hitl.Resolver
		// Broker republishes output batches for reconnect support.
		Broker stream.Broker
		// Tools executes model-requested tool calls. Optional; when nil the
		// model is invoked without tool support.
		Tools ToolExecutor
		// Notifier observes lifecycle events. Optional.
		Notifier Notifier
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Tracer defaults to the noop tracer.
		Tracer telemetry.Tracer
		// ModelID is the default model identifier for Run requests that do
		// not specify one. Required.
		ModelID string
		// SystemPrompt is prepended to every model request. Optional.
		SystemPrompt string
		// CancelPollInterval throttles the account-balance refresh used by
		// the affordability check. The cancel flag itself is read at every
		// step boundary; only the ledger round-trip is throttled. Defaults
		// to 2s.
		CancelPollInterval time.Duration
		// FlushBytes and FlushInterval configure the output buffer.
		FlushBytes    int
		FlushInterval time.Duration
	}

	// Controller runs generation sessions. One Run call per chat turn; many
	// Run calls may execute concurrently across conversations.
	Controller struct {
		opts ControllerOptions
	}

	// RunRequest describes one chat turn to run.
	RunRequest struct {
		// ConversationID identifies the conversation. Required.
		ConversationID string
		// RequestID namespaces the session id. Defaults to a new UUID.
		RequestID string
		// ActorID identifies the requesting human. Required.
		ActorID string
		// AccountID identifies the charged account. Required.
		AccountID string
		// BudgetCeilingUSD is the session spend cap. Must be positive.
		BudgetCeilingUSD float64
		// MaxSteps caps model round-trips. Must be at least 1.
		MaxSteps int
		// Model overrides the controller's default model identifier.
		Model string
		// Tools is the tool schema set exposed to the model.
		Tools []*model.ToolDefinition
		// Confirmations are out-of-band HITL responses to apply before the
		// step loop.
		Confirmations []hitl.Confirmation
		// Live is the attached client connection, if any. Output always
		// goes through the broker regardless.
		Live stream.Sink
	}

	// stepOutput is the normalized result of one model invocation.
	stepOutput struct {
		text       string
		toolCalls  []model.ToolCall
		usage      model.TokenUsage
		stopReason string
	}

	// stopCause enumerates why the loop halts, in precedence order.
	stopCause int
)

const (
	stopNone stopCause = iota
	stopStepLimit
	stopHITL
	stopBudget
	stopCancelled
	stopNatural
)

// NewController validates options and constructs a Controller.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("%w: history store is required", ErrInvalidConfig)
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("%w: model client is required", ErrInvalidConfig)
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("%w: budget guard is required", ErrInvalidConfig)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: abort registry is required", ErrInvalidConfig)
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("%w: hitl resolver is required", ErrInvalidConfig)
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: stream broker is required", ErrInvalidConfig)
	}
	if opts.ModelID == "" {
		return nil, fmt.Errorf("%w: default model id is required", ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer{}
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = 2 * time.Second
	}
	return &Controller{opts: opts}, nil
}

// Run executes one generation session to its terminal status. Anticipated
// conditions (budget, funds, cancellation, HITL pause) are reported through
// Result.Session.Status; only unexpected failures (store unreachable,
// registration conflict) return an error.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	sessionID := ID(req.ConversationID, req.RequestID)
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.ModelID
	}

	ctx, span := c.opts.Tracer.Start(ctx, "session.run")
	defer span.End()
	span.SetAttribute("session_id", sessionID)

	handle, err := c.opts.Registry.Register(sessionID, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("session: register %s: %w", sessionID, err)
	}
	defer c.opts.Registry.Clear(sessionID)

	sess := Session{
		SessionID:        sessionID,
		ConversationID:   req.ConversationID,
		ActorID:          req.ActorID,
		AccountID:        req.AccountID,
		Status:           StatusRunning,
		MaxSteps:         req.MaxSteps,
		BudgetCeilingUSD: req.BudgetCeilingUSD,
		CreatedAt:        time.Now().UTC(),
	}
	c.notify(Started{SessionID: sessionID, ConversationID: req.ConversationID, ActorID: req.ActorID})

	turns, err := c.opts.History.LoadTurns(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("session: load history: %w", err)
	}

	// HITL resolution is a blocking prelude: it always happens-before the
	// step loop that depends on it.
	resolved, err := c.opts.Resolver.ResolvePending(ctx, turns, req.Confirmations)
	if err != nil {
		return nil, fmt.Errorf("session: resolve pending confirmations: %w", err)
	}
	for _, turn := range resolved.Modified {
		if err := c.opts.History.UpsertTurn(ctx, req.ConversationID, turn); err != nil {
			return nil, fmt.Errorf("session: persist resolved turn %s: %w", turn.ID, err)
		}
	}
	if resolved.Synthetic != nil {
		if err := c.opts.History.UpsertTurn(ctx, req.ConversationID, *resolved.Synthetic); err != nil {
			return nil, fmt.Errorf("session: persist synthetic turn: %w", err)
		}
	}
	convTurns := resolved.Turns

	buf, err := stream.NewBuffer(stream.BufferOptions{
		SessionID:     sessionID,
		Broker:        c.opts.Broker,
		Live:          req.Live,
		FlushBytes:    c.opts.FlushBytes,
		FlushInterval: c.opts.FlushInterval,
		Logger:        c.opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	assistant := history.Turn{
		ID:             "assistant-" + req.RequestID,
		ConversationID: req.ConversationID,
		Role:           history.RoleAssistant,
		Seq:            history.NextSeq(convTurns),
		CreatedAt:      time.Now().UTC(),
	}

	res := &Result{Resolutions: resolved.Resolutions}
	balance, err := c.opts.Ledger.Balance(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("session: fetch balance: %w", err)
	}
	lastPoll := time.Now()

	var cause stopCause
	for step := 1; ; step++ {
		mreq := &model.Request{
			Model:  modelID,
			Turns:  append(append([]history.Turn(nil), convTurns...), assistant),
			System: c.systemPrompt(step, req.MaxSteps, sess.CumulativeCostUSD, req.BudgetCeilingUSD),
			Tools:  req.Tools,
		}
		if step == 1 {
			// The assistant turn is empty on the first step; the provider
			// rejects empty assistant messages.
			mreq.Turns = mreq.Turns[:len(mreq.Turns)-1]
		}

		out, merr := c.invokeModel(ctx, mreq, buf)
		if merr != nil {
			return c.finishError(ctx, &sess, res, &assistant, buf, out, merr)
		}

		// Execute tools before appending the step so the step record carries
		// both calls and results.
		results, pending := c.executeTools(ctx, sessionID, &assistant, buf, out.toolCalls)

		cost, cerr := c.opts.Guard.Cost(modelID, out.usage)
		if cerr != nil {
			// A missing rate entry is a deployment error, not a provider
			// condition; surface it.
			return nil, fmt.Errorf("session: step %d cost: %w", step, cerr)
		}
		rec := Step{
			StepNumber:       step,
			ToolCalls:        out.toolCalls,
			ToolResults:      results,
			InputTokens:      out.usage.InputTokens,
			OutputTokens:     out.usage.OutputTokens,
			CacheReadTokens:  out.usage.CacheReadTokens,
			CacheWriteTokens: out.usage.CacheWriteTokens,
			CostUSD:          cost,
			Text:             out.text,
		}
		res.Steps = append(res.Steps, rec)
		sess.StepCount = step
		sess.CumulativeCostUSD = CumulativeCost(res.Steps)

		if out.text != "" {
			assistant.Parts = append(assistant.Parts, history.TextPart{Text: out.text})
		}
		// Incremental checkpointing: a crash loses at most the in-flight
		// step, never prior steps.
		if err := c.opts.History.UpsertTurn(ctx, req.ConversationID, assistant); err != nil {
			return nil, fmt.Errorf("session: checkpoint step %d: %w", step, err)
		}
		c.notify(StepCompleted{SessionID: sessionID, Step: rec, CumulativeCostUSD: sess.CumulativeCostUSD})

		if time.Since(lastPoll) >= c.opts.CancelPollInterval {
			if b, err := c.opts.Ledger.Balance(ctx, req.AccountID); err == nil {
				balance = b
				lastPoll = time.Now()
			}
		}
		decision := c.opts.Guard.CheckAffordable(sess.CumulativeCostUSD, req.BudgetCeilingUSD, balance)

		cause = evaluateStop(step, req.MaxSteps, pending != nil, decision, handle.Cancelled(), len(out.toolCalls) == 0)
		if cause != stopNone {
			res.Pending = pending
			break
		}
	}

	return c.finish(ctx, &sess, res, buf, cause)
}

// validateRequest normalizes and checks a run request.
func validateRequest(req *RunRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if req.ActorID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidRequest)
	}
	if req.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if req.MaxSteps < 1 {
		return fmt.Errorf("%w: max steps must be at least 1", ErrInvalidRequest)
	}
	if req.BudgetCeilingUSD <= 0 {
		return fmt.Errorf("%w: budget ceiling must be positive", ErrInvalidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return nil
}

// evaluateStop applies the stop-condition precedence, in fixed order: step
// limit, HITL pause, budget, cancellation, natural finish. A HITL pause must
// win over a budget overage reported in the same step (the user is asked
// before being charged for unresolved work), while cancellation is checked
// last among the abnormal stops because it is asynchronous and may race the
// others.
func evaluateStop(step, maxSteps int, hitlPending bool, decision budget.Decision, cancelled, natural bool) stopCause {
	switch {
	case step >= maxSteps:
		return stopStepLimit
	case hitlPending:
		return stopHITL
	case !decision.OK:
		return stopBudget
	case cancelled:
		return stopCancelled
	case natural:
		return stopNatural
	default:
		return stopNone
	}
}

// invokeModel runs one model round-trip, streaming text chunks through the
// buffer as they arrive. Providers without streaming fall back to Complete.
// On error the partial output accumulated so far is still returned so the
// caller can flush it.
func (c *Controller) invokeModel(ctx context.Context, req *model.Request, buf *stream.Buffer) (stepOutput, error) {
	var out stepOutput
	streamer, err := c.opts.Model.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, cerr := c.opts.Model.Complete(ctx, req)
		if cerr != nil {
			return out, cerr
		}
		out.text = resp.Text
		out.toolCalls = resp.ToolCalls
		out.usage = resp.Usage
		out.stopReason = resp.StopReason
		if resp.Text != "" {
			if perr := buf.Publish(ctx, stream.Chunk{Type: stream.ChunkText, Text: resp.Text}); perr != nil {
				return out, fmt.Errorf("session: publish text: %w", perr)
			}
		}
		return out, nil
	}
	if err != nil {
		return out, err
	}
	defer func() { _ = streamer.Close() }()

	for {
		chunk, rerr := streamer.Recv()
		if errors.Is(rerr, io.EOF) {
			return out, nil
		}
		if rerr != nil {
			return out, rerr
		}
		switch chunk.Type {
		case model.ChunkText:
			out.text += chunk.Text
			if perr := buf.Publish(ctx, stream.Chunk{Type: stream.ChunkText, Text: chunk.Text}); perr != nil {
				return out, fmt.Errorf("session: publish text: %w", perr)
			}
		case model.ChunkToolCall:
			if chunk.ToolCall != nil {
				out.toolCalls = append(out.toolCalls, *chunk.ToolCall)
			}
		case model.ChunkUsage:
			if chunk.UsageDelta != nil {
				out.usage.Add(*chunk.UsageDelta)
			}
		case model.ChunkStop:
			out.stopReason = chunk.StopReason
		}
	}
}

// executeTools runs the step's tool calls in order, appending an invocation
// part per call to the assistant turn and publishing tool lifecycle chunks.
// Returns the step's results and the first pending invocation, if any. A
// pending invocation blocks execution of the calls after it; they remain
// unexecuted until a future session resumes the conversation.
func (c *Controller) executeTools(ctx context.Context, sessionID string, assistant *history.Turn, buf *stream.Buffer, calls []model.ToolCall) ([]ToolResult, *history.ToolInvocation) {
	if len(calls) == 0 {
		return nil, nil
	}
	var results []ToolResult
	for _, call := range calls {
		inv := &history.ToolInvocation{
			InvocationID: call.ID,
			ToolName:     call.Name,
			Input:        call.Input,
			State:        history.HITLNone,
		}
		assistant.Parts = append(assistant.Parts, inv)
		_ = buf.Publish(ctx, stream.Chunk{Type: stream.ChunkTool, Tool: &stream.ToolEvent{
			InvocationID: call.ID, ToolName: call.Name, Phase: "start",
		}})

		if c.opts.Tools == nil {
			inv.Output = map[string]any{"error": "tool execution is not configured"}
			results = append(results, ToolResult{InvocationID: call.ID, ToolName: call.Name, Output: inv.Output})
			continue
		}
		outcome, err := c.opts.Tools.Execute(ctx, call)
		if err != nil {
			// Tool failures are fed back to the model as results so it can
			// recover on the next step; they never abort the session.
			c.opts.Logger.Warn(ctx, "tool execution failed", "tool", call.Name, "invocation_id", call.ID, "err", err)
			inv.Output = map[string]any{"error": "tool execution failed"}
			results = append(results, ToolResult{InvocationID: call.ID, ToolName: call.Name, Output: inv.Output})
			continue
		}
		if outcome.Pending {
			inv.State = history.HITLPending
			results = append(results, ToolResult{InvocationID: call.ID, ToolName: call.Name, Pending: true})
			_ = buf.Publish(ctx, stream.Chunk{Type: stream.ChunkTool, Tool: &stream.ToolEvent{
				InvocationID: call.ID, ToolName: call.Name, Phase: "pending_confirmation",
			}})
			c.notify(HITLPaused{SessionID: sessionID, InvocationID: call.ID, ToolName: call.Name})
			return results, inv
		}
		inv.Output = outcome.Output
		results = append(results, ToolResult{InvocationID: call.ID, ToolName: call.Name, Output: outcome.Output})
		_ = buf.Publish(ctx, stream.Chunk{Type: stream.ChunkTool, Tool: &stream.ToolEvent{
			InvocationID: call.ID, ToolName: call.Name, Phase: "end",
		}})
	}
	return results, nil
}

// finish settles cost, closes the stream, and seals the session for a loop
// that ended with a stop cause.
func (c *Controller) finish(ctx context.Context, sess *Session, res *Result, buf *stream.Buffer, cause stopCause) (*Result, error) {
	var status Status
	switch cause {
	case stopStepLimit:
		status = StatusCompleted
		res.StepLimitReached = true
	case stopHITL, stopNatural:
		status = StatusCompleted
	case stopBudget:
		status = StatusAbortedBudget
		res.Explanation = fmt.Sprintf(
			"Generation stopped after $%.2f of the $%.2f budget. The content produced so far is kept.",
			budget.RoundUSD(sess.CumulativeCostUSD), sess.BudgetCeilingUSD)
	case stopCancelled:
		status = StatusCancelled
	default:
		return nil, fmt.Errorf("session: unexpected stop cause %d", cause)
	}
	return c.seal(ctx, sess, res, buf, status)
}

// finishError handles a model-provider failure: flush whatever partial
// content was accumulated, settle best-effort for completed steps, and abort
// with aborted_error. The session is not retried internally; retry, if any,
// is a new session initiated by the caller.
func (c *Controller) finishError(ctx context.Context, sess *Session, res *Result, assistant *history.Turn, buf *stream.Buffer, partial stepOutput, merr error) (*Result, error) {
	if errors.Is(merr, context.Canceled) || errors.Is(merr, context.DeadlineExceeded) {
		c.opts.Logger.Info(ctx, "model call cancelled", "session_id", sess.SessionID)
		return c.seal(ctx, sess, res, buf, StatusCancelled)
	}
	c.opts.Logger.Error(ctx, merr, "model provider failed", "session_id", sess.SessionID, "step", sess.StepCount+1)
	if partial.text != "" {
		assistant.Parts = append(assistant.Parts, history.TextPart{Text: partial.text})
		if err := c.opts.History.UpsertTurn(ctx, sess.ConversationID, *assistant); err != nil {
			c.opts.Logger.Warn(ctx, "persist partial turn failed", "session_id", sess.SessionID, "err", err)
		}
	}
	if pe, ok := model.AsProviderError(merr); ok {
		res.Explanation = pe.SafeMessage()
	} else {
		res.Explanation = "The model provider returned a temporary error. Please try again."
	}
	return c.seal(ctx, sess, res, buf, StatusAbortedError)
}

// seal is the single terminal path: settle, publish the terminal marker,
// transition the status, release nothing the deferred Clear does not own.
func (c *Controller) seal(ctx context.Context, sess *Session, res *Result, buf *stream.Buffer, status Status) (*Result, error) {
	charged, serr := c.settle(ctx, sess)
	if serr != nil {
		// Settlement is best-effort at terminal time; the charge is
		// reconciled out-of-band if the ledger was unreachable.
		c.opts.Logger.Error(ctx, serr, "settlement failed", "session_id", sess.SessionID)
	}
	res.ChargedUSD = charged

	if err := buf.Close(ctx, string(status)); err != nil {
		c.opts.Logger.Warn(ctx, "stream close failed", "session_id", sess.SessionID, "err", err)
	}
	res.Checkpoint = string(buf.Checkpoint())

	if err := sess.transition(status); err != nil {
		return nil, err
	}
	res.Session = *sess
	res.Text = stepText(res.Steps)
	c.notify(Finished{SessionID: sess.SessionID, Status: status, ChargedUSD: charged})
	c.opts.Logger.Info(ctx, "session finished",
		"session_id", sess.SessionID,
		"status", string(status),
		"steps", sess.StepCount,
		"cost_usd", sess.CumulativeCostUSD,
		"charged_usd", charged)
	return res, nil
}

// settle charges the account for the session's cumulative cost, rounding to
// cents exactly once here. When the full amount is not affordable it charges
// the largest affordable amount instead of failing atomically: generation
// cannot be undone, so paying for work done beats refunding everything.
func (c *Controller) settle(ctx context.Context, sess *Session) (float64, error) {
	want := budget.RoundUSD(sess.CumulativeCostUSD)
	if want <= 0 {
		return 0, nil
	}
	balance, err := c.opts.Ledger.Balance(ctx, sess.AccountID)
	if err != nil {
		return 0, err
	}
	decision := c.opts.Guard.CheckAffordable(sess.CumulativeCostUSD, sess.BudgetCeilingUSD, balance)
	amount := math.Min(want, budget.RoundUSD(decision.MaxAffordable))
	if amount <= 0 {
		return 0, nil
	}
	meta := map[string]string{"session_id": sess.SessionID, "conversation_id": sess.ConversationID}
	if amount == want {
		err := c.opts.Ledger.Charge(ctx, sess.AccountID, amount, "generation", meta)
		if err == nil {
			return amount, nil
		}
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			return 0, err
		}
		// The balance moved under us; fall through to the partial charge.
	}
	return c.opts.Ledger.ChargePartial(ctx, sess.AccountID, amount, "generation", meta)
}

func (c *Controller) systemPrompt(step, maxSteps int, cumulative, ceiling float64) string {
	note := fmt.Sprintf("Step %d of %d. Budget used: $%.4f of $%.2f.", step, maxSteps, cumulative, ceiling)
	if c.opts.SystemPrompt == "" {
		return note
	}
	return c.opts.SystemPrompt + "\n\n" + note
}

func (c *Controller) notify(ev Event) {
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(ev)
	}
}

func stepText(steps []Step) string {
	var out string
	for i := range steps {
		out += steps[i].Text
	}
	return out
}
