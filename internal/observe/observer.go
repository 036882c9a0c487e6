package observe

import (
	"context"
	"sync"
	"time"

	"github.com/voxproof/voxproof/internal/flow"
)

// MetricsObserver translates call-flow lifecycle events into metric updates.
// It implements [flow.Observer] and is safe for concurrent use across calls.
type MetricsObserver struct {
	metrics *Metrics

	mu       sync.Mutex
	started  map[string]time.Time
	timedOut map[string]bool
}

// NewMetricsObserver creates a MetricsObserver recording to m. When m is nil,
// [DefaultMetrics] is used.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	if m == nil {
		m = DefaultMetrics()
	}
	return &MetricsObserver{
		metrics:  m,
		started:  make(map[string]time.Time),
		timedOut: make(map[string]bool),
	}
}

// HandleEvent records the metric updates for one lifecycle event.
func (o *MetricsObserver) HandleEvent(ev flow.Event) {
	ctx := context.Background()

	switch e := ev.(type) {
	case flow.CallConnected:
		o.mu.Lock()
		o.started[e.Call.StreamID] = time.Now()
		o.mu.Unlock()
		o.metrics.ActiveCalls.Add(ctx, 1)

	case flow.CallDisconnected:
		o.mu.Lock()
		delete(o.started, e.Call.StreamID)
		delete(o.timedOut, e.Call.StreamID)
		o.mu.Unlock()
		o.metrics.ActiveCalls.Add(ctx, -1)

	case flow.PromptMatched:
		o.metrics.RecordPromptMatched(ctx, e.Scenario)

	case flow.TimeoutWaitingForMatch:
		o.mu.Lock()
		o.timedOut[e.Call.StreamID] = true
		o.mu.Unlock()
		o.metrics.RecordStepTimeout(ctx, e.Scenario)

	case flow.TestPassed:
		o.metrics.RecordCallFinished(ctx, e.Scenario, "passed", o.elapsed(e.Call.StreamID))

	case flow.TestFailed:
		outcome := "failed"
		o.mu.Lock()
		if o.timedOut[e.Call.StreamID] {
			outcome = "timed_out"
		}
		o.mu.Unlock()
		o.metrics.RecordCallFinished(ctx, e.Scenario, outcome, o.elapsed(e.Call.StreamID))
	}
}

// elapsed returns the seconds since the call connected, or zero when the
// connect time is unknown (a test failed before callConnected was seen).
func (o *MetricsObserver) elapsed(streamID string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.started[streamID]
	if !ok {
		return 0
	}
	return time.Since(start).Seconds()
}
