package app

import (
	"log/slog"

	"github.com/voxproof/voxproof/internal/flow"
)

// EventLogger is a [flow.Observer] that reports lifecycle events through
// structured logging. It is the default run reporter.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates an EventLogger. A nil logger uses slog.Default().
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// HandleEvent logs one lifecycle event.
func (l *EventLogger) HandleEvent(ev flow.Event) {
	switch e := ev.(type) {
	case flow.CallConnected:
		l.logger.Info("call connected", "stream_id", e.Call.StreamID, "from", e.Call.From, "to", e.Call.To)
	case flow.CallDisconnected:
		l.logger.Info("call disconnected", "stream_id", e.Call.StreamID)
	case flow.ConditionMet:
		l.logger.Debug("prompt condition met", "scenario", e.Scenario, "step", e.StepIndex)
	case flow.PromptMatched:
		l.logger.Info("prompt matched",
			"scenario", e.Scenario,
			"step", e.StepIndex,
			"heard", e.Transcript,
			"response", e.Response,
		)
	case flow.AllPromptsMatched:
		l.logger.Info("all prompts matched", "scenario", e.Scenario)
	case flow.TimeoutWaitingForMatch:
		l.logger.Warn("timed out waiting for match",
			"scenario", e.Scenario,
			"step", e.StepIndex,
			"expected", e.Expected,
			"heard", e.Transcript,
		)
	case flow.TestPassed:
		l.logger.Info("test passed", "scenario", e.Scenario, "stream_id", e.Call.StreamID)
	case flow.TestFailed:
		l.logger.Warn("test failed",
			"scenario", e.Scenario,
			"stream_id", e.Call.StreamID,
			"reason", e.Reason,
			"expected", e.Expected,
			"heard", e.Transcript,
		)
	}
}
