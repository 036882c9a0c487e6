package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxproof/voxproof/pkg/dtmf"
	"github.com/voxproof/voxproof/pkg/match"
)

// matcher type tags accepted in scenario files.
const (
	promptAny      = "any"
	promptContains = "contains"
	promptSimilar  = "similar"
)

// Duration wraps time.Duration with YAML unmarshalling from strings such as
// "800ms" or "6s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// file is the YAML schema of a scenario definition.
type file struct {
	Name     string       `yaml:"name"`
	Defaults stepDefaults `yaml:"defaults"`
	Steps    []stepEntry  `yaml:"steps"`
}

type stepDefaults struct {
	SilenceAfterPrompt Duration `yaml:"silence_after_prompt"`
	Timeout            Duration `yaml:"timeout"`
}

type stepEntry struct {
	Prompt             promptEntry `yaml:"prompt"`
	Press              string      `yaml:"press"`
	SilenceAfterPrompt Duration    `yaml:"silence_after_prompt"`
	Timeout            Duration    `yaml:"timeout"`
}

type promptEntry struct {
	// Type selects the matcher strategy: any, contains or similar.
	Type string `yaml:"type"`

	// Text is the expected text for contains and similar.
	Text string `yaml:"text"`

	// Threshold overrides the similarity threshold for similar. Zero means
	// the default.
	Threshold float64 `yaml:"threshold"`
}

// Load reads the YAML scenario file at path and returns a validated Scenario.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: parse %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader decodes a YAML scenario from r and validates the result.
// Useful in tests where scenarios are constructed from string literals.
func LoadFromReader(r io.Reader) (*Scenario, error) {
	var def file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("scenario: decode yaml: %w", err)
	}
	return build(&def)
}

// build converts the decoded file into a Scenario, collecting every
// validation failure into one joined error.
func build(def *file) (*Scenario, error) {
	var errs []error

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(def.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}

	defaultSilence := time.Duration(def.Defaults.SilenceAfterPrompt)
	if defaultSilence == 0 {
		defaultSilence = DefaultSilenceAfterPrompt
	}
	defaultTimeout := time.Duration(def.Defaults.Timeout)
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}

	steps := make([]Step, 0, len(def.Steps))
	for i, entry := range def.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)

		m, err := buildMatcher(entry.Prompt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.prompt: %w", prefix, err))
		}

		if entry.Press != "" {
			if _, err := dtmf.Generate(entry.Press, dtmf.WithToneDuration(1), dtmf.WithPauseDuration(0)); err != nil {
				errs = append(errs, fmt.Errorf("%s.press: %w", prefix, err))
			}
		}

		silence := time.Duration(entry.SilenceAfterPrompt)
		if silence == 0 {
			silence = defaultSilence
		}
		timeout := time.Duration(entry.Timeout)
		if timeout == 0 {
			timeout = defaultTimeout
		}
		if silence < 0 {
			errs = append(errs, fmt.Errorf("%s.silence_after_prompt must not be negative", prefix))
		}
		if timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", prefix))
		}
		if timeout > 0 && silence >= timeout {
			errs = append(errs, fmt.Errorf("%s: silence_after_prompt (%s) must be shorter than timeout (%s)", prefix, silence, timeout))
		}

		steps = append(steps, Step{
			Prompt:             m,
			Press:              entry.Press,
			SilenceAfterPrompt: silence,
			Timeout:            timeout,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Scenario{Name: def.Name, Steps: steps}, nil
}

// buildMatcher constructs the match.Matcher for a prompt entry.
func buildMatcher(p promptEntry) (match.Matcher, error) {
	switch p.Type {
	case promptAny:
		return match.Any(), nil
	case promptContains:
		if strings.TrimSpace(p.Text) == "" {
			return nil, errors.New("text is required for type contains")
		}
		return match.Contains(p.Text), nil
	case promptSimilar:
		if strings.TrimSpace(p.Text) == "" {
			return nil, errors.New("text is required for type similar")
		}
		if p.Threshold < 0 || p.Threshold > 1 {
			return nil, fmt.Errorf("threshold %.2f is out of range [0, 1]", p.Threshold)
		}
		if p.Threshold > 0 {
			return match.Similar(p.Text, match.WithThreshold(p.Threshold)), nil
		}
		return match.Similar(p.Text), nil
	case "":
		return nil, errors.New("type is required; valid values: any, contains, similar")
	default:
		return nil, fmt.Errorf("unknown type %q; valid values: any, contains, similar", p.Type)
	}
}
