package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appforge-ai/appforge/runtime/abort"
	"github.com/appforge-ai/appforge/runtime/budget"
	"github.com/appforge-ai/appforge/runtime/history"
	histinmem "github.com/appforge-ai/appforge/runtime/history/inmem"
	"github.com/appforge-ai/appforge/runtime/hitl"
	ledinmem "github.com/appforge-ai/appforge/runtime/ledger/inmem"
	"github.com/appforge-ai/appforge/runtime/model"
	"github.com/appforge-ai/appforge/runtime/stream"
)

// scriptedModel plays back a fixed sequence of Complete responses. Stream is
// unsupported so the controller exercises its fallback path.
type scriptedModel struct {
	mu    sync.Mutex
	steps []modelStep
	calls []*model.Request
}

type modelStep struct {
	resp   *model.Response
	err    error
	before func()
}

func (m *scriptedModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.steps) == 0 {
		return nil, errors.New("scripted model exhausted")
	}
	st := m.steps[0]
	m.steps = m.steps[1:]
	if st.before != nil {
		st.before()
	}
	if st.err != nil {
		return nil, st.err
	}
	return st.resp, nil
}

func (m *scriptedModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (m *scriptedModel) requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// chunkModel streams a fixed chunk sequence for one step.
type chunkModel struct {
	chunks []model.Chunk
}

func (m *chunkModel) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, errors.New("complete must not be called when streaming works")
}

func (m *chunkModel) Stream(context.Context, *model.Request) (model.Streamer, error) {
	cp := make([]model.Chunk, len(m.chunks))
	copy(cp, m.chunks)
	return &chunkStreamer{chunks: cp}, nil
}

type chunkStreamer struct {
	chunks []model.Chunk
	closed bool
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *chunkStreamer) Close() error {
	s.closed = true
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]ToolOutcome
	errs     map[string]error
	calls    []model.ToolCall
}

func (e *fakeExecutor) Execute(_ context.Context, call model.ToolCall) (ToolOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	if err, ok := e.errs[call.Name]; ok {
		return ToolOutcome{}, err
	}
	return e.outcomes[call.Name], nil
}

type captureBroker struct {
	mu      sync.Mutex
	batches []stream.Batch
}

func (b *captureBroker) Publish(_ context.Context, batch stream.Batch) (stream.Checkpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
	return stream.Checkpoint(fmt.Sprintf("cp-%d", len(b.batches))), nil
}

func (b *captureBroker) SubscribeFrom(context.Context, string, stream.Checkpoint) (<-chan stream.Batch, <-chan error, context.CancelFunc, error) {
	return nil, nil, nil, errors.New("not implemented")
}

func (b *captureBroker) published() []stream.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]stream.Batch, len(b.batches))
	copy(out, b.batches)
	return out
}

// allText concatenates the text chunks of every published batch.
func (b *captureBroker) allText() string {
	var out string
	for _, batch := range b.published() {
		for _, c := range batch.Chunks {
			if c.Type == stream.ChunkText {
				out += c.Text
			}
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

type env struct {
	hist   *histinmem.Store
	led    *ledinmem.Ledger
	reg    *abort.InMemory
	broker *captureBroker
	notes  *recorder
	exec   *fakeExecutor
}

func newEnv() *env {
	e := &env{
		hist:   histinmem.New(),
		led:    ledinmem.New(),
		reg:    abort.NewInMemory(),
		broker: &captureBroker{},
		notes:  &recorder{},
		exec:   &fakeExecutor{outcomes: map[string]ToolOutcome{}},
	}
	e.led.Credit("acct-1", 100)
	return e
}

// controller wires a test controller around the env with dollar-per-token
// rates so costs read directly as token counts.
func (e *env) controller(t *testing.T, m model.Client) *Controller {
	t.Helper()
	guard, err := budget.NewGuard(budget.GuardOptions{
		Table: budget.NewRateTable(map[string]budget.Rates{
			"test-model": {InputPerMTok: 1_000_000, OutputPerMTok: 1_000_000},
		}),
	})
	require.NoError(t, err)
	resolver, err := hitl.NewResolver(hitl.ResolverOptions{Kinds: []hitl.Kind{
		&hitl.ActionApproval{Tool: "deploy_app", Execute: func(context.Context, *history.ToolInvocation) (any, error) {
			return map[string]any{"deployed": true}, nil
		}},
	}})
	require.NoError(t, err)
	ctrl, err := NewController(ControllerOptions{
		History:      e.hist,
		Model:        m,
		Ledger:       e.led,
		Guard:        guard,
		Registry:     e.reg,
		Resolver:     resolver,
		Broker:       e.broker,
		Tools:        e.exec,
		Notifier:     e.notes,
		ModelID:      "test-model",
		SystemPrompt: "You build apps.",
	})
	require.NoError(t, err)
	return ctrl
}

func baseRequest() RunRequest {
	return RunRequest{
		ConversationID:   "conv-1",
		RequestID:        "req-1",
		ActorID:          "user-1",
		AccountID:        "acct-1",
		BudgetCeilingUSD: 50,
		MaxSteps:         5,
	}
}

func textResponse(text string, outputTokens int) *model.Response {
	return &model.Response{Text: text, Usage: model.TokenUsage{OutputTokens: outputTokens}, StopReason: "end_turn"}
}

func toolResponse(id, name string, outputTokens int) *model.Response {
	return &model.Response{
		ToolCalls:  []model.ToolCall{{ID: id, Name: name, Input: map[string]any{"path": "main.go"}}},
		Usage:      model.TokenUsage{OutputTokens: outputTokens},
		StopReason: "tool_use",
	}
}

func TestRunNaturalFinish(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{steps: []modelStep{{resp: textResponse("Hello!", 1)}}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Session.Status)
	require.Equal(t, 1, res.Session.StepCount)
	require.False(t, res.StepLimitReached)
	require.Equal(t, "Hello!", res.Text)
	require.Equal(t, 1.0, res.ChargedUSD)
	require.Empty(t, res.Explanation)
	require.Nil(t, res.Pending)
	require.NotEmpty(t, res.Checkpoint)

	// Exactly one strict charge settled against the account.
	charges := e.led.Charges()
	require.Len(t, charges, 1)
	require.Equal(t, int64(100), charges[0].Cents)
	require.Equal(t, "generation", charges[0].Reason)
	require.Equal(t, "conv-1/req-1", charges[0].Meta["session_id"])

	// Terminal batch carries the text and the final status.
	batches := e.broker.published()
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	require.True(t, last.Terminal)
	require.Equal(t, string(StatusCompleted), last.Chunks[len(last.Chunks)-1].Status)
	require.Equal(t, "Hello!", e.broker.allText())

	// Assistant turn was checkpointed under its stable id.
	turns, err := e.hist.LoadTurns(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "assistant-req-1", turns[0].ID)
	require.Equal(t, "Hello!", turns[0].Text())

	// First-step request drops the empty assistant turn and carries the
	// budget note in the system prompt.
	reqs := m.requests()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].Turns)
	require.Contains(t, reqs[0].System, "You build apps.")
	require.Contains(t, reqs[0].System, "Step 1 of 5")

	// Registry entry was cleared at session end.
	require.False(t, e.reg.Cancel("conv-1/req-1"))

	events := e.notes.all()
	require.IsType(t, Started{}, events[0])
	fin, ok := events[len(events)-1].(Finished)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, fin.Status)
	require.Equal(t, 1.0, fin.ChargedUSD)
}

func TestRunMultiStepWithTools(t *testing.T) {
	e := newEnv()
	e.exec.outcomes["write_file"] = ToolOutcome{Output: map[string]any{"written": true}}
	m := &scriptedModel{steps: []modelStep{
		{resp: toolResponse("call-1", "write_file", 2)},
		{resp: textResponse("All done.", 3)},
	}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Session.Status)
	require.Len(t, res.Steps, 2)
	require.Len(t, res.Steps[0].ToolCalls, 1)
	require.Equal(t, "write_file", res.Steps[0].ToolCalls[0].Name)
	require.Len(t, res.Steps[0].ToolResults, 1)
	require.Equal(t, map[string]any{"written": true}, res.Steps[0].ToolResults[0].Output)
	require.Empty(t, res.Steps[1].ToolCalls)

	// Cumulative cost is always the sum over the step list.
	require.InDelta(t, res.Steps[0].CostUSD+res.Steps[1].CostUSD, res.Session.CumulativeCostUSD, 1e-9)
	require.Equal(t, 5.0, res.ChargedUSD)

	// The persisted assistant turn carries the executed invocation.
	turns, err := e.hist.LoadTurns(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	inv := history.FindInvocation(turns, "call-1")
	require.NotNil(t, inv)
	require.Equal(t, history.HITLNone, inv.State)
	require.NotNil(t, inv.Output)

	// The second request includes the accumulating assistant turn.
	reqs := m.requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Turns, 1)
	require.Equal(t, history.RoleAssistant, reqs[1].Turns[0].Role)
	require.Len(t, e.exec.calls, 1)
}

func TestRunHITLPause(t *testing.T) {
	e := newEnv()
	e.exec.outcomes["deploy_app"] = ToolOutcome{Pending: true}
	m := &scriptedModel{steps: []modelStep{{resp: toolResponse("call-1", "deploy_app", 1)}}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	// A pause is a completed session with a pending invocation, not an abort.
	require.Equal(t, StatusCompleted, res.Session.Status)
	require.NotNil(t, res.Pending)
	require.Equal(t, "call-1", res.Pending.InvocationID)
	require.Equal(t, history.HITLPending, res.Pending.State)
	require.Nil(t, res.Pending.Output)
	require.Equal(t, 1.0, res.ChargedUSD)

	turns, err := e.hist.LoadTurns(context.Background(), "conv-1")
	require.NoError(t, err)
	pending := history.PendingInvocations(turns)
	require.Len(t, pending, 1)
	require.Equal(t, "call-1", pending[0].InvocationID)

	var paused bool
	for _, ev := range e.notes.all() {
		if p, ok := ev.(HITLPaused); ok {
			paused = true
			require.Equal(t, "conv-1/req-1", p.SessionID)
			require.Equal(t, "deploy_app", p.ToolName)
		}
	}
	require.True(t, paused)
}

func TestRunResumesAfterConfirmation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	// Seed the conversation as a previous session left it: an assistant turn
	// holding a pending deployment approval.
	require.NoError(t, e.hist.UpsertTurn(ctx, "conv-1", history.Turn{
		ID: "t1", ConversationID: "conv-1", Role: history.RoleUser, Seq: 0,
		Parts: []history.Part{history.TextPart{Text: "ship it"}},
	}))
	require.NoError(t, e.hist.UpsertTurn(ctx, "conv-1", history.Turn{
		ID: "t2", ConversationID: "conv-1", Role: history.RoleAssistant, Seq: 1,
		Parts: []history.Part{&history.ToolInvocation{
			InvocationID: "inv-1", ToolName: "deploy_app", State: history.HITLPending,
		}},
	}))

	m := &scriptedModel{steps: []modelStep{{resp: textResponse("Deployed.", 1)}}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.Confirmations = []hitl.Confirmation{{InvocationID: "inv-1", Confirmed: true}}
	res, err := ctrl.Run(ctx, req)
	require.NoError(t, err)

	require.Len(t, res.Resolutions, 1)
	require.Equal(t, "action_approval", res.Resolutions[0].Kind)
	require.False(t, res.Resolutions[0].Denied)

	// The resolved invocation and the synthetic context turn are durable.
	turns, err := e.hist.LoadTurns(ctx, "conv-1")
	require.NoError(t, err)
	inv := history.FindInvocation(turns, "inv-1")
	require.Equal(t, history.HITLResolved, inv.State)
	var synthetic int
	for _, turn := range turns {
		if turn.Synthetic {
			synthetic++
		}
	}
	require.Equal(t, 1, synthetic)

	// The model request saw the history including the synthetic turn.
	reqs := m.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Turns, 3)
	require.True(t, reqs[0].Turns[2].Synthetic)
}

func TestRunBudgetAbort(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{steps: []modelStep{{resp: textResponse("Expensive output.", 2)}}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.BudgetCeilingUSD = 1
	res, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StatusAbortedBudget, res.Session.Status)
	require.Contains(t, res.Explanation, "$2.00")
	require.Contains(t, res.Explanation, "$1.00")

	// Partial content is kept and settled up to the ceiling.
	require.Equal(t, "Expensive output.", res.Text)
	require.Equal(t, 1.0, res.ChargedUSD)
	bal, err := e.led.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, 99.0, bal)
}

func TestRunInsufficientFunds(t *testing.T) {
	e := newEnv()
	e.led.Credit("acct-poor", 0.5)
	m := &scriptedModel{steps: []modelStep{{resp: textResponse("Partial.", 2)}}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.AccountID = "acct-poor"
	res, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StatusAbortedBudget, res.Session.Status)
	require.Equal(t, 0.5, res.ChargedUSD)
	bal, err := e.led.Balance(context.Background(), "acct-poor")
	require.NoError(t, err)
	require.Zero(t, bal)
}

func TestRunHITLBeatsBudget(t *testing.T) {
	e := newEnv()
	e.exec.outcomes["deploy_app"] = ToolOutcome{Pending: true}
	m := &scriptedModel{steps: []modelStep{{resp: toolResponse("call-1", "deploy_app", 2)}}}
	ctrl := e.controller(t, m)

	// The same step both exceeds the ceiling and pauses for confirmation;
	// the pause wins so the user is asked before work is abandoned.
	req := baseRequest()
	req.BudgetCeilingUSD = 1
	res, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Session.Status)
	require.NotNil(t, res.Pending)
	require.Empty(t, res.Explanation)
	require.Equal(t, 1.0, res.ChargedUSD)
}

func TestRunCancellation(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{}
	m.steps = []modelStep{{
		resp:   textResponse("Half-finished answer", 1),
		before: func() { e.reg.Cancel("conv-1/req-1") },
	}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, StatusCancelled, res.Session.Status)
	require.Equal(t, "Half-finished answer", res.Text)
	require.Equal(t, 1.0, res.ChargedUSD)
}

func TestRunContextCancelled(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{steps: []modelStep{{err: context.Canceled}}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, res.Session.Status)
	require.Empty(t, res.Explanation)
	require.Zero(t, res.ChargedUSD)
}

func TestRunStepLimit(t *testing.T) {
	e := newEnv()
	e.exec.outcomes["write_file"] = ToolOutcome{Output: "ok"}
	m := &scriptedModel{steps: []modelStep{
		{resp: toolResponse("call-1", "write_file", 1)},
		{resp: toolResponse("call-2", "write_file", 1)},
	}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.MaxSteps = 2
	res, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Session.Status)
	require.True(t, res.StepLimitReached)
	require.Equal(t, 2, res.Session.StepCount)
	require.Len(t, res.Steps, 2)
}

func TestRunProviderError(t *testing.T) {
	e := newEnv()
	e.exec.outcomes["write_file"] = ToolOutcome{Output: "ok"}
	perr := model.NewProviderError("anthropic", "messages", model.ProviderErrorKindUnavailable, "upstream 500", true, errors.New("boom"))
	m := &scriptedModel{steps: []modelStep{
		{resp: toolResponse("call-1", "write_file", 1)},
		{err: perr},
	}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, StatusAbortedError, res.Session.Status)
	require.Equal(t, perr.SafeMessage(), res.Explanation)
	require.NotContains(t, res.Explanation, "upstream 500")

	// The completed first step is still recorded and settled.
	require.Len(t, res.Steps, 1)
	require.Equal(t, 1.0, res.ChargedUSD)
}

func TestRunStreaming(t *testing.T) {
	e := newEnv()
	m := &chunkModel{chunks: []model.Chunk{
		{Type: model.ChunkText, Text: "Hel"},
		{Type: model.ChunkText, Text: "lo"},
		{Type: model.ChunkUsage, UsageDelta: &model.TokenUsage{OutputTokens: 3}},
		{Type: model.ChunkStop, StopReason: "end_turn"},
	}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Session.Status)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, 3, res.Steps[0].OutputTokens)
	require.Equal(t, 3.0, res.ChargedUSD)
	require.Equal(t, "Hello", e.broker.allText())
}

func TestRunToolFailureFeedsBack(t *testing.T) {
	e := newEnv()
	e.exec.errs = map[string]error{"write_file": errors.New("disk full")}
	m := &scriptedModel{steps: []modelStep{
		{resp: toolResponse("call-1", "write_file", 1)},
		{resp: textResponse("Recovered.", 1)},
	}}
	ctrl := e.controller(t, m)

	res, err := ctrl.Run(context.Background(), baseRequest())
	require.NoError(t, err)

	// A tool failure becomes a result the model can react to, never an abort.
	require.Equal(t, StatusCompleted, res.Session.Status)
	require.Len(t, res.Steps, 2)
	out, ok := res.Steps[0].ToolResults[0].Output.(map[string]any)
	require.True(t, ok)
	require.Contains(t, out, "error")
}

func TestRunUnknownModel(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{steps: []modelStep{{resp: textResponse("hi", 1)}}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.Model = "mystery-model"
	_, err := ctrl.Run(context.Background(), req)
	require.ErrorIs(t, err, budget.ErrUnknownModel)

	// The registry entry is released even on the error path.
	require.False(t, e.reg.Cancel("conv-1/req-1"))
}

func TestRunRegistrationConflict(t *testing.T) {
	e := newEnv()
	_, err := e.reg.Register("conv-1/req-1", "conv-1")
	require.NoError(t, err)

	m := &scriptedModel{steps: []modelStep{{resp: textResponse("hi", 1)}}}
	ctrl := e.controller(t, m)
	_, err = ctrl.Run(context.Background(), baseRequest())
	require.Error(t, err)
}

func TestRunRequestValidation(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{}
	ctrl := e.controller(t, m)
	ctx := context.Background()

	for name, mutate := range map[string]func(*RunRequest){
		"missing conversation": func(r *RunRequest) { r.ConversationID = "" },
		"missing actor":        func(r *RunRequest) { r.ActorID = "" },
		"missing account":      func(r *RunRequest) { r.AccountID = "" },
		"zero max steps":       func(r *RunRequest) { r.MaxSteps = 0 },
		"zero budget":          func(r *RunRequest) { r.BudgetCeilingUSD = 0 },
	} {
		req := baseRequest()
		mutate(&req)
		_, err := ctrl.Run(ctx, req)
		require.ErrorIs(t, err, ErrInvalidRequest, name)
	}
}

func TestRunDefaultsRequestID(t *testing.T) {
	e := newEnv()
	m := &scriptedModel{steps: []modelStep{{resp: textResponse("hi", 1)}}}
	ctrl := e.controller(t, m)

	req := baseRequest()
	req.RequestID = ""
	res, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, ValidateID(res.Session.SessionID, "conv-1"))
}

func TestNewControllerValidation(t *testing.T) {
	e := newEnv()
	guard, err := budget.NewGuard(budget.GuardOptions{
		Table: budget.NewRateTable(map[string]budget.Rates{"test-model": {}}),
	})
	require.NoError(t, err)
	resolver, err := hitl.NewResolver(hitl.ResolverOptions{Kinds: []hitl.Kind{&hitl.Clarification{Tool: "ask"}}})
	require.NoError(t, err)

	valid := ControllerOptions{
		History:  e.hist,
		Model:    &scriptedModel{},
		Ledger:   e.led,
		Guard:    guard,
		Registry: e.reg,
		Resolver: resolver,
		Broker:   e.broker,
		ModelID:  "test-model",
	}
	if _, err := NewController(valid); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	for name, mutate := range map[string]func(*ControllerOptions){
		"missing history":  func(o *ControllerOptions) { o.History = nil },
		"missing model":    func(o *ControllerOptions) { o.Model = nil },
		"missing ledger":   func(o *ControllerOptions) { o.Ledger = nil },
		"missing guard":    func(o *ControllerOptions) { o.Guard = nil },
		"missing registry": func(o *ControllerOptions) { o.Registry = nil },
		"missing resolver": func(o *ControllerOptions) { o.Resolver = nil },
		"missing broker":   func(o *ControllerOptions) { o.Broker = nil },
		"missing model id": func(o *ControllerOptions) { o.ModelID = "" },
	} {
		opts := valid
		mutate(&opts)
		_, err := NewController(opts)
		require.ErrorIs(t, err, ErrInvalidConfig, name)
	}
}
