package dtmf

import (
	"errors"
	"testing"
)

func TestGenerate_RoundTrip(t *testing.T) {
	sequences := []string{"1", "123", "0", "*#", "18005551234", "*0#"}

	for _, seq := range sequences {
		t.Run(seq, func(t *testing.T) {
			samples, err := Generate(seq)
			if err != nil {
				t.Fatalf("Generate(%q): unexpected error: %v", seq, err)
			}
			got := Detect(samples, DefaultSampleRate)
			if got != seq {
				t.Errorf("Detect(Generate(%q)): got %q", seq, got)
			}
		})
	}
}

func TestGenerate_InvalidSymbol(t *testing.T) {
	for _, seq := range []string{"12a", "A", "1 2", "+44"} {
		_, err := Generate(seq)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Generate(%q): got %v, want ErrInvalidSymbol", seq, err)
		}
	}
}

func TestGenerate_Empty(t *testing.T) {
	samples, err := Generate("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if samples == nil {
		t.Error("empty sequence should yield a non-nil buffer")
	}
	if len(samples) != 0 {
		t.Errorf("empty sequence yielded %d samples", len(samples))
	}
}

func TestGenerate_Length(t *testing.T) {
	samples, err := Generate("123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Three digits at 200 ms tone + 100 ms pause each at 8 kHz.
	want := 3 * (DefaultSampleRate*DefaultToneDuration + DefaultSampleRate*DefaultPauseDuration) / 1000
	if len(samples) != want {
		t.Errorf("sample count: got %d, want %d", len(samples), want)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate("5309")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Generate("5309")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestGenerate_CustomTiming(t *testing.T) {
	samples, err := Generate("7", WithToneDuration(80), WithPauseDuration(40), WithSampleRate(16000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 16000 * (80 + 40) / 1000
	if len(samples) != want {
		t.Errorf("sample count: got %d, want %d", len(samples), want)
	}
	if got := Detect(samples, 16000); got != "7" {
		t.Errorf("Detect: got %q, want %q", got, "7")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(3); got != 900 {
		t.Errorf("Duration(3): got %d ms, want 900", got)
	}
	if got := Duration(2, WithToneDuration(100), WithPauseDuration(50)); got != 300 {
		t.Errorf("Duration(2, 100ms, 50ms): got %d ms, want 300", got)
	}
}

func TestDetect_Silence(t *testing.T) {
	silence := make([]int16, DefaultSampleRate) // one second
	if got := Detect(silence, DefaultSampleRate); got != "" {
		t.Errorf("Detect(silence): got %q, want empty", got)
	}
}
