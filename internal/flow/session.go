// Package flow implements the per-call test engine: a state machine that
// advances a scenario against arriving transcription events under the step's
// timing constraints, and actuates touch-tone responses.
//
// Each Session runs as a single goroutine owning all mutable test state, so a
// timer firing and a transcription event are never processed concurrently
// against the same step. Queued transcription events always take priority
// over pending timer firings, favouring forward progress over a premature
// timeout.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxproof/voxproof/internal/scenario"
	"github.com/voxproof/voxproof/pkg/dtmf"
	"github.com/voxproof/voxproof/pkg/transcriber"
)

// State is a call-flow session state.
type State int

const (
	// StateAwaitingPrompt means the step has started and nothing has been
	// heard yet.
	StateAwaitingPrompt State = iota

	// StateMatching means transcript text has arrived and is being evaluated.
	// Once the matcher accepts, the match stays provisional in this state
	// until the silence window confirms the prompt has finished.
	StateMatching

	// StateResponding means the prompt is confirmed and the step's response
	// action is executing.
	StateResponding

	// StatePassed is terminal: every step matched.
	StatePassed

	// StateFailed is terminal: the call disconnected mid-test, the test was
	// stopped, or the response could not be delivered.
	StateFailed

	// StateTimedOut is terminal: a step's timeout elapsed without a match.
	StateTimedOut
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateAwaitingPrompt:
		return "awaiting-prompt"
	case StateMatching:
		return "matching"
	case StateResponding:
		return "responding"
	case StatePassed:
		return "passed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateTimedOut
}

// ReasonDisconnected is the failure reason recorded when the far end hangs up
// before the scenario completes.
const ReasonDisconnected = "call disconnected"

// AudioWriter delivers response audio to the call's outbound stream.
type AudioWriter interface {
	// WriteAudio sends 16-bit linear PCM samples at the stream rate. It
	// returns once the audio is accepted for delivery.
	WriteAudio(samples []int16) error
}

// Config assembles a Session's collaborators.
type Config struct {
	// Call identifies the call for lifecycle events.
	Call CallRef

	// Scenario is the test to run. Must contain at least one step.
	Scenario *scenario.Scenario

	// Output receives touch-tone response audio.
	Output AudioWriter

	// Observers receive lifecycle events in order. May be empty.
	Observers []Observer

	// Clock defaults to SystemClock.
	Clock Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// timer kinds owned by a session. At most one timer is active at a time; a
// new timer replaces (never stacks on) the previous one.
type timerKind int

const (
	timerStepTimeout timerKind = iota
	timerSilence
)

type timerFired struct {
	kind timerKind
	id   uint64
}

type ctrlMsg struct {
	reason string
}

// Session drives one scenario against one live call.
type Session struct {
	call     CallRef
	scn      *scenario.Scenario
	output   AudioWriter
	clock    Clock
	logger   *slog.Logger
	obs      []Observer

	events  chan transcriber.Event
	timerCh chan timerFired
	ctrl    chan ctrlMsg

	bus      chan Event
	loopDone chan struct{}
	done     chan struct{}
	started  sync.Once

	// loop-owned; mirrored under mu for accessors.
	mu         sync.Mutex
	state      State
	stepIdx    int
	transcript strings.Builder

	// loop-owned only.
	matched bool
	timer   Timer
	timerID uint64
}

// NewSession validates cfg and creates a Session. Call Start to begin.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Scenario == nil || len(cfg.Scenario.Steps) == 0 {
		return nil, errors.New("flow: scenario must contain at least one step")
	}
	if cfg.Output == nil {
		return nil, errors.New("flow: output audio writer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		call:   cfg.Call,
		scn:    cfg.Scenario,
		output: cfg.Output,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("scenario", cfg.Scenario.Name, "stream_id", cfg.Call.StreamID),
		obs:    cfg.Observers,

		events:  make(chan transcriber.Event, 64),
		timerCh: make(chan timerFired, 2),
		ctrl:    make(chan ctrlMsg, 2),

		bus:      make(chan Event, 256),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),

		state: StateAwaitingPrompt,
	}, nil
}

// Start launches the session: step 0 becomes active and its timeout timer is
// armed. Start is idempotent.
func (s *Session) Start() {
	s.started.Do(func() {
		go s.dispatch()
		go s.run()
	})
}

// HandleTranscription enqueues a transcription event in arrival order.
// Events delivered after a terminal state are discarded.
func (s *Session) HandleTranscription(ev transcriber.Event) {
	select {
	case s.events <- ev:
	case <-s.loopDone:
	}
}

// Disconnect signals that the underlying call ended. In any non-terminal
// state this fails the session and releases its timers; afterwards it is a
// no-op.
func (s *Session) Disconnect() {
	s.abort(ReasonDisconnected)
}

// Stop aborts the session without requiring the remote end to disconnect
// first. reason appears in the testFailed event.
func (s *Session) Stop(reason string) {
	s.abort(reason)
}

func (s *Session) abort(reason string) {
	select {
	case s.ctrl <- ctrlMsg{reason: reason}:
	case <-s.loopDone:
	}
}

// Done is closed once the session has reached a terminal state and all
// lifecycle events have been delivered to observers.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StepIndex returns the 0-based index of the active step. It never
// decreases; after a pass it equals the number of steps.
func (s *Session) StepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepIdx
}

// Transcript returns the transcript accumulated for the active step.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// ---- actor loop -------------------------------------------------------------

// run is the session's single goroutine. All state transitions happen here.
func (s *Session) run() {
	defer func() {
		s.stopTimer()
		close(s.loopDone)
		close(s.bus)
	}()

	s.logger.Info("test session started", "steps", len(s.scn.Steps))
	s.armTimer(timerStepTimeout, s.currentStep().Timeout)

	for {
		// Drain queued transcription events before looking at timers: a
		// fragment that has already arrived must not lose to a racing
		// timeout.
		select {
		case ev := <-s.events:
			s.onTranscription(ev)
		default:
			select {
			case ev := <-s.events:
				s.onTranscription(ev)
			case tf := <-s.timerCh:
				s.onTimer(tf)
			case m := <-s.ctrl:
				s.fail(m.reason)
			}
		}

		if s.State().Terminal() {
			return
		}
	}
}

// dispatch delivers lifecycle events to observers in order, off the actor
// goroutine so observers cannot stall a transition.
func (s *Session) dispatch() {
	for ev := range s.bus {
		for _, o := range s.obs {
			o.HandleEvent(ev)
		}
	}
	close(s.done)
}

func (s *Session) emit(ev Event) {
	s.bus <- ev
}

// appendTranscript joins the fragment onto the step transcript and returns
// the accumulated text.
func (s *Session) appendTranscript(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript.Len() > 0 {
		s.transcript.WriteByte(' ')
	}
	s.transcript.WriteString(text)
	return s.transcript.String()
}

func (s *Session) currentStep() scenario.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scn.Steps[s.stepIdx]
}

// onTranscription appends the fragment and re-evaluates the current step.
func (s *Session) onTranscription(ev transcriber.Event) {
	if ev.Text == "" {
		return
	}

	step := s.currentStep()

	if s.matched {
		// The prompt continued after the provisional match. Restart the
		// silence window before recording the fragment.
		s.armTimer(timerSilence, step.SilenceAfterPrompt)
		s.appendTranscript(ev.Text)
		return
	}

	text := s.appendTranscript(ev.Text)

	s.mu.Lock()
	idx := s.stepIdx
	s.mu.Unlock()

	s.logger.Debug("transcription received", "step", idx, "final", ev.Final, "text", ev.Text)

	if !step.Prompt.Evaluate(text) {
		s.setState(StateMatching)
		return
	}

	// Provisional match: the prompt may not have finished. The silence
	// window, not this event, decides when to respond.
	s.matched = true
	s.setState(StateMatching)
	s.armTimer(timerSilence, step.SilenceAfterPrompt)
	s.emit(ConditionMet{Call: s.call, Scenario: s.scn.Name, StepIndex: idx, Transcript: text})
	s.logger.Info("prompt condition met", "step", idx)
}

// onTimer handles a silence or timeout firing. Stale timers (replaced or
// cancelled after the firing was queued) are ignored.
func (s *Session) onTimer(tf timerFired) {
	if tf.id != s.timerID {
		return
	}
	s.timer = nil

	switch tf.kind {
	case timerSilence:
		s.confirmPrompt()
	case timerStepTimeout:
		s.timeout()
	}
}

// confirmPrompt runs once the silence window elapses with no further events:
// the prompt is finished, so respond and advance.
func (s *Session) confirmPrompt() {
	step := s.currentStep()

	s.mu.Lock()
	idx := s.stepIdx
	text := s.transcript.String()
	s.mu.Unlock()

	s.setState(StateResponding)
	s.logger.Info("prompt matched", "step", idx, "response", step.ResponseDescription())

	if step.Press != "" {
		samples, err := dtmf.Generate(step.Press)
		if err != nil {
			// Scenario validation screens press sequences, so this is a
			// programming error rather than a test outcome.
			s.fail(fmt.Sprintf("generate response tones: %v", err))
			return
		}
		if err := s.output.WriteAudio(samples); err != nil {
			s.fail(fmt.Sprintf("write response audio: %v", err))
			return
		}
	}

	finished := s.advance()

	s.emit(PromptMatched{
		Call:       s.call,
		Scenario:   s.scn.Name,
		StepIndex:  idx,
		Transcript: text,
		Response:   step.ResponseDescription(),
	})
	if finished {
		s.emit(AllPromptsMatched{Call: s.call, Scenario: s.scn.Name})
		s.emit(TestPassed{Call: s.call, Scenario: s.scn.Name, Transcript: text})
		s.logger.Info("all prompts matched")
	}
}

// advance moves to the next step, arming its timeout, or passes the test
// after the last one. It reports whether the scenario is complete.
func (s *Session) advance() bool {
	s.mu.Lock()
	s.stepIdx++
	finished := s.stepIdx == len(s.scn.Steps)
	if !finished {
		s.transcript.Reset()
	}
	s.mu.Unlock()

	if finished {
		s.setState(StatePassed)
		return true
	}

	s.matched = false
	s.setState(StateAwaitingPrompt)
	s.armTimer(timerStepTimeout, s.currentStep().Timeout)
	return false
}

// timeout ends the session after a step waited too long for a match.
func (s *Session) timeout() {
	step := s.currentStep()

	s.mu.Lock()
	idx := s.stepIdx
	text := s.transcript.String()
	s.state = StateTimedOut
	s.mu.Unlock()

	s.emit(TimeoutWaitingForMatch{
		Call:       s.call,
		Scenario:   s.scn.Name,
		StepIndex:  idx,
		Expected:   step.Prompt.Description(),
		Transcript: text,
	})
	s.emit(TestFailed{
		Call:       s.call,
		Scenario:   s.scn.Name,
		Reason:     "timed out waiting for match",
		Expected:   step.Prompt.Description(),
		Transcript: text,
	})
	s.logger.Warn("step timed out",
		"step", idx,
		"expected", step.Prompt.Description(),
		"heard", text,
	)
}

// fail ends the session for any cause other than a step timeout.
func (s *Session) fail(reason string) {
	step := s.currentStep()

	s.mu.Lock()
	text := s.transcript.String()
	s.state = StateFailed
	s.mu.Unlock()

	s.emit(TestFailed{
		Call:       s.call,
		Scenario:   s.scn.Name,
		Reason:     reason,
		Expected:   step.Prompt.Description(),
		Transcript: text,
	})
	s.logger.Warn("test failed", "reason", reason)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// armTimer replaces the active timer with a new single-shot timer. The id
// fences off firings from a timer that was replaced after its callback ran.
func (s *Session) armTimer(kind timerKind, d time.Duration) {
	s.stopTimer()
	s.timerID++
	id := s.timerID
	s.timer = s.clock.AfterFunc(d, func() {
		select {
		case s.timerCh <- timerFired{kind: kind, id: id}:
		case <-s.loopDone:
		}
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
