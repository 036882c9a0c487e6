package scenario

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
name: balance-check
defaults:
  silence_after_prompt: 300ms
  timeout: 6s
steps:
  - prompt: {type: contains, text: "please enter a number"}
    press: "123"
  - prompt: {type: similar, text: "you entered the values 123", threshold: 0.8}
    silence_after_prompt: 1s
    timeout: 10s
  - prompt: {type: any}
`

func TestLoadFromReader_Valid(t *testing.T) {
	s, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "balance-check" {
		t.Errorf("name: got %q, want %q", s.Name, "balance-check")
	}
	if len(s.Steps) != 3 {
		t.Fatalf("steps: got %d, want 3", len(s.Steps))
	}

	if s.Steps[0].Press != "123" {
		t.Errorf("steps[0].press: got %q, want %q", s.Steps[0].Press, "123")
	}
	if s.Steps[0].SilenceAfterPrompt != 300*time.Millisecond {
		t.Errorf("steps[0] silence default: got %s, want 300ms", s.Steps[0].SilenceAfterPrompt)
	}
	if s.Steps[0].Timeout != 6*time.Second {
		t.Errorf("steps[0] timeout default: got %s, want 6s", s.Steps[0].Timeout)
	}

	if s.Steps[1].SilenceAfterPrompt != time.Second {
		t.Errorf("steps[1] silence override: got %s, want 1s", s.Steps[1].SilenceAfterPrompt)
	}
	if s.Steps[1].Timeout != 10*time.Second {
		t.Errorf("steps[1] timeout override: got %s, want 10s", s.Steps[1].Timeout)
	}
	if s.Steps[1].Press != "" {
		t.Errorf("steps[1].press: got %q, want empty", s.Steps[1].Press)
	}

	if !s.Steps[0].Prompt.Evaluate("welcome! please enter a number") {
		t.Error("steps[0] matcher should accept containing text")
	}
	if !s.Steps[1].Prompt.Evaluate("you entered the value 123") {
		t.Error("steps[1] similar matcher should tolerate one-word noise")
	}
	if !s.Steps[2].Prompt.Evaluate("anything at all") {
		t.Error("steps[2] any matcher should accept non-empty text")
	}
}

func TestLoadFromReader_BuiltinDefaults(t *testing.T) {
	s, err := LoadFromReader(strings.NewReader(`
name: minimal
steps:
  - prompt: {type: any}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Steps[0].SilenceAfterPrompt != DefaultSilenceAfterPrompt {
		t.Errorf("silence: got %s, want %s", s.Steps[0].SilenceAfterPrompt, DefaultSilenceAfterPrompt)
	}
	if s.Steps[0].Timeout != DefaultTimeout {
		t.Errorf("timeout: got %s, want %s", s.Steps[0].Timeout, DefaultTimeout)
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "steps:\n  - prompt: {type: any}\n",
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			yaml:    "name: empty\n",
			wantErr: "at least one step",
		},
		{
			name:    "unknown matcher type",
			yaml:    "name: x\nsteps:\n  - prompt: {type: regex, text: a}\n",
			wantErr: "unknown type",
		},
		{
			name:    "contains without text",
			yaml:    "name: x\nsteps:\n  - prompt: {type: contains}\n",
			wantErr: "text is required",
		},
		{
			name:    "invalid press symbols",
			yaml:    "name: x\nsteps:\n  - prompt: {type: any}\n    press: \"12a\"\n",
			wantErr: "press",
		},
		{
			name:    "threshold out of range",
			yaml:    "name: x\nsteps:\n  - prompt: {type: similar, text: hi, threshold: 1.5}\n",
			wantErr: "threshold",
		},
		{
			name:    "silence longer than timeout",
			yaml:    "name: x\nsteps:\n  - prompt: {type: any}\n    silence_after_prompt: 10s\n    timeout: 2s\n",
			wantErr: "shorter than timeout",
		},
		{
			name:    "unknown field",
			yaml:    "name: x\nbogus: true\nsteps:\n  - prompt: {type: any}\n",
			wantErr: "bogus",
		},
		{
			name:    "bad duration",
			yaml:    "name: x\nsteps:\n  - prompt: {type: any}\n    timeout: fast\n",
			wantErr: "invalid duration",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(c.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error should mention %q, got: %v", c.wantErr, err)
			}
		})
	}
}

func TestLoadFromReader_CollectsAllErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
name: ""
steps:
  - prompt: {type: contains}
    press: "xyz"
`))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"name is required", "text is required", "press"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestResponseDescription(t *testing.T) {
	if got := (Step{Press: "42#"}).ResponseDescription(); !strings.Contains(got, "42#") {
		t.Errorf("press description: got %q", got)
	}
	if got := (Step{}).ResponseDescription(); got != "do nothing" {
		t.Errorf("no-op description: got %q", got)
	}
}
