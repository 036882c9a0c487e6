package flow

// CallRef identifies the call a lifecycle event belongs to.
type CallRef struct {
	// StreamID is the media-stream identifier assigned by the provider.
	StreamID string

	// From and To are the call's origin and destination addresses.
	From string
	To   string
}

// Event is a lifecycle event emitted at the transitions of a call-flow test.
// Consumers receive events in emission order; the concrete types below are
// the complete set.
type Event interface {
	// Name returns the event's wire-stable name.
	Name() string
}

// CallConnected is emitted when a media stream completes its start handshake
// and a test session begins.
type CallConnected struct {
	Call CallRef
}

func (CallConnected) Name() string { return "callConnected" }

// CallDisconnected is emitted when a media stream ends, whatever the cause.
type CallDisconnected struct {
	Call CallRef
}

func (CallDisconnected) Name() string { return "callDisconnected" }

// ConditionMet is emitted the first time a step's matcher accepts the
// accumulated transcript, before the silence window confirms the prompt has
// finished.
type ConditionMet struct {
	Call       CallRef
	Scenario   string
	StepIndex  int
	Transcript string
}

func (ConditionMet) Name() string { return "conditionMet" }

// PromptMatched is emitted once per step when the silence window confirms the
// match, immediately before the response action runs. It is never retracted.
type PromptMatched struct {
	Call       CallRef
	Scenario   string
	StepIndex  int
	Transcript string

	// Response describes how the step responded to the prompt.
	Response string
}

func (PromptMatched) Name() string { return "promptMatched" }

// AllPromptsMatched is emitted when the final step of a scenario completes.
type AllPromptsMatched struct {
	Call     CallRef
	Scenario string
}

func (AllPromptsMatched) Name() string { return "allPromptsMatched" }

// TimeoutWaitingForMatch is emitted when a step's timeout elapses before its
// matcher accepts the transcript.
type TimeoutWaitingForMatch struct {
	Call      CallRef
	Scenario  string
	StepIndex int

	// Expected is the matcher's description of what it was waiting for.
	Expected string

	// Transcript is everything heard for the step, possibly empty.
	Transcript string
}

func (TimeoutWaitingForMatch) Name() string { return "timeoutWaitingForMatch" }

// TestPassed is emitted when a session reaches the Passed terminal state.
type TestPassed struct {
	Call       CallRef
	Scenario   string
	Transcript string
}

func (TestPassed) Name() string { return "testPassed" }

// TestFailed is emitted when a session reaches the Failed or TimedOut
// terminal state.
type TestFailed struct {
	Call     CallRef
	Scenario string

	// Reason is a short human-readable cause ("timed out waiting for match",
	// "call disconnected", ...).
	Reason string

	// Expected is the active matcher's description, when a step was waiting.
	Expected string

	// Transcript is the last known transcript for the active step.
	Transcript string
}

func (TestFailed) Name() string { return "testFailed" }

// Observer receives lifecycle events. Observers for one session are invoked
// in registration order from a dedicated dispatch goroutine, so a slow
// observer delays other observers but never the session's own transitions.
type Observer interface {
	HandleEvent(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

func (f ObserverFunc) HandleEvent(ev Event) { f(ev) }
