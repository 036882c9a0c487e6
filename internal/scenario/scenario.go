// Package scenario defines the declarative call-flow test model and its YAML
// loader.
//
// A Scenario is an ordered list of Steps. Each step waits for an IVR prompt
// that satisfies its matcher, lets a configured silence window confirm the
// prompt has finished, then responds by pressing a touch-tone sequence (or
// doing nothing) before moving to the next step. Steps run strictly in order
// with no backtracking.
//
// Scenarios are immutable once a test session starts; loaders validate fully
// before returning so that definition mistakes fail fast, before any call is
// placed.
package scenario

import (
	"fmt"
	"time"

	"github.com/voxproof/voxproof/pkg/match"
)

// Default timing applied to steps that do not specify their own values.
const (
	// DefaultSilenceAfterPrompt is the quiet window that must elapse after a
	// provisional match before the engine treats the prompt as finished.
	DefaultSilenceAfterPrompt = 500 * time.Millisecond

	// DefaultTimeout is the maximum wait for a matching prompt before the
	// step is declared timed out.
	DefaultTimeout = 8 * time.Second
)

// Scenario is a named, ordered sequence of call-flow steps.
type Scenario struct {
	// Name identifies the scenario in reports and logs.
	Name string

	// Steps are evaluated strictly in order.
	Steps []Step
}

// Step is one prompt/response exchange in a scenario.
type Step struct {
	// Prompt is the predicate the accumulated transcript must satisfy.
	Prompt match.Matcher

	// Press is the touch-tone sequence sent once the prompt is confirmed.
	// Empty means respond with nothing.
	Press string

	// SilenceAfterPrompt is the quiet duration that confirms the prompt has
	// finished after the first matching fragment.
	SilenceAfterPrompt time.Duration

	// Timeout is the maximum wait for a matching prompt.
	Timeout time.Duration
}

// ResponseDescription returns a human-readable statement of the step's
// response action, used in reports.
func (s Step) ResponseDescription() string {
	if s.Press == "" {
		return "do nothing"
	}
	return fmt.Sprintf("press %q", s.Press)
}
