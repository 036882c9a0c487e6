package app

import (
	"sync"

	"github.com/voxproof/voxproof/internal/flow"
)

// Summary aggregates the outcomes of a run's calls.
type Summary struct {
	// Connected counts media streams that completed the start handshake.
	Connected int

	// Passed counts calls whose scenario matched every prompt.
	Passed int

	// Failed counts calls that ended in failure, including step timeouts.
	Failed int

	// TimedOut counts calls that failed specifically because a step timed
	// out waiting for a match.
	TimedOut int
}

// Ok reports whether every connected call passed.
func (s Summary) Ok() bool {
	return s.Failed == 0 && s.Connected > 0 && s.Passed == s.Connected
}

// callTracker observes lifecycle events to decide when a run is finished: a
// run resolves once at least one call has connected and every connected call
// has disconnected again.
type callTracker struct {
	mu        sync.Mutex
	active    int
	summary   Summary
	timedOut  map[string]bool
	firstOnce sync.Once
	first     chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

func newCallTracker() *callTracker {
	return &callTracker{
		timedOut: make(map[string]bool),
		first:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// FirstConnect is closed when the first media stream connects.
func (t *callTracker) FirstConnect() <-chan struct{} { return t.first }

// Done is closed once every connected call has disconnected.
func (t *callTracker) Done() <-chan struct{} { return t.done }

// Summary returns a snapshot of the outcomes so far.
func (t *callTracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// HandleEvent implements [flow.Observer].
func (t *callTracker) HandleEvent(ev flow.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case flow.CallConnected:
		t.active++
		t.summary.Connected++
		t.firstOnce.Do(func() { close(t.first) })

	case flow.CallDisconnected:
		t.active--
		if t.active == 0 && t.summary.Connected > 0 {
			t.doneOnce.Do(func() { close(t.done) })
		}

	case flow.TestPassed:
		t.summary.Passed++

	case flow.TimeoutWaitingForMatch:
		t.timedOut[e.Call.StreamID] = true

	case flow.TestFailed:
		t.summary.Failed++
		if t.timedOut[e.Call.StreamID] {
			t.summary.TimedOut++
		}
	}
}
