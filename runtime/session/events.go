package session

// events.go defines the controller's typed event stream. The controller
// emits one event per lifecycle transition instead of sprinkling ad hoc
// notification callbacks through the loop; the output buffer and any
// notification sink observe the same sequence.

type (
	// Event is a controller lifecycle event. The variant set is closed.
	Event interface {
		event()
	}

	// Started is emitted once, after registration, before the HITL prelude.
	Started struct {
		SessionID      string
		ConversationID string
		ActorID        string
	}

	// StepCompleted is emitted after each step is appended and persisted.
	StepCompleted struct {
		SessionID string
		Step      Step
		// CumulativeCostUSD is the derived cost sum after this step.
		CumulativeCostUSD float64
	}

	// HITLPaused is emitted when a step's tool result halts the session for
	// human confirmation.
	HITLPaused struct {
		SessionID    string
		InvocationID string
		ToolName     string
	}

	// Finished is emitted exactly once with the terminal status.
	Finished struct {
		SessionID  string
		Status     Status
		ChargedUSD float64
	}

	// Notifier observes controller events. Notify must not block for long;
	// it is called synchronously from the step loop. A nil Notifier on the
	// controller disables emission.
	Notifier interface {
		Notify(event Event)
	}
)

func (Started) event()       {}
func (StepCompleted) event() {}
func (HITLPaused) event()    {}
func (Finished) event()      {}
