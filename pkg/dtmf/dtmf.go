// Package dtmf synthesises and decodes dual-tone multi-frequency (touch-tone)
// signalling audio.
//
// Generate produces 16-bit linear PCM for a digit sequence, each digit rendered
// as the sum of its standard row and column frequencies followed by an
// inter-digit pause. Detect is the inverse operation and exists mainly so that
// synthesised audio can be verified end to end; it is not a general-purpose
// DTMF receiver.
//
// Both functions are pure: no I/O, no retained state, safe for concurrent use.
package dtmf

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSymbol is returned by Generate when the sequence contains a
// character outside the set 0-9, * and #.
var ErrInvalidSymbol = errors.New("dtmf: invalid symbol")

const (
	// DefaultSampleRate matches the 8 kHz narrowband audio used on telephony
	// media streams.
	DefaultSampleRate = 8000

	// DefaultToneDuration is how long each digit's tone is held, in samples
	// per second terms see Options. 200 ms is comfortably above the 40 ms
	// minimum most IVR platforms require.
	DefaultToneDuration = 200

	// DefaultPauseDuration is the inter-digit silence in milliseconds.
	DefaultPauseDuration = 100

	// defaultAmplitude is the peak amplitude of each constituent sine as a
	// fraction of full scale. Two sines sum, so 0.4 keeps the combined peak
	// below clipping.
	defaultAmplitude = 0.4
)

// toneFrequencies maps each touch-tone symbol to its (row, column) frequency
// pair in Hz, per the standard telephony keypad layout.
var toneFrequencies = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477},
}

// Option is a functional option for Generate.
type Option func(*generator)

// WithSampleRate sets the output sample rate in Hz. Defaults to 8000.
func WithSampleRate(rate int) Option {
	return func(g *generator) { g.sampleRate = rate }
}

// WithToneDuration sets each digit's tone duration in milliseconds.
// Defaults to 200.
func WithToneDuration(ms int) Option {
	return func(g *generator) { g.toneMs = ms }
}

// WithPauseDuration sets the inter-digit silence in milliseconds.
// Defaults to 100.
func WithPauseDuration(ms int) Option {
	return func(g *generator) { g.pauseMs = ms }
}

type generator struct {
	sampleRate int
	toneMs     int
	pauseMs    int
	amplitude  float64
}

// Generate renders sequence as 16-bit linear PCM samples. Each symbol becomes
// a dual-frequency tone followed by an inter-digit pause; the final symbol is
// also followed by a pause so back-to-back sequences stay distinguishable.
//
// Returns ErrInvalidSymbol (wrapped with the offending character) if sequence
// contains anything outside 0-9, * and #. An empty sequence yields an empty,
// non-nil buffer.
func Generate(sequence string, opts ...Option) ([]int16, error) {
	g := &generator{
		sampleRate: DefaultSampleRate,
		toneMs:     DefaultToneDuration,
		pauseMs:    DefaultPauseDuration,
		amplitude:  defaultAmplitude,
	}
	for _, o := range opts {
		o(g)
	}

	for _, sym := range sequence {
		if _, ok := toneFrequencies[sym]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, sym)
		}
	}

	toneSamples := g.sampleRate * g.toneMs / 1000
	pauseSamples := g.sampleRate * g.pauseMs / 1000

	out := make([]int16, 0, len(sequence)*(toneSamples+pauseSamples))
	peak := g.amplitude * float64(math.MaxInt16)

	for _, sym := range sequence {
		freqs := toneFrequencies[sym]
		for i := 0; i < toneSamples; i++ {
			t := float64(i) / float64(g.sampleRate)
			v := peak * (math.Sin(2*math.Pi*freqs[0]*t) + math.Sin(2*math.Pi*freqs[1]*t))
			out = append(out, int16(v))
		}
		for i := 0; i < pauseSamples; i++ {
			out = append(out, 0)
		}
	}
	return out, nil
}

// Duration returns the total length in milliseconds of the audio Generate
// would produce for a sequence of n symbols with the given options.
func Duration(n int, opts ...Option) int {
	g := &generator{
		sampleRate: DefaultSampleRate,
		toneMs:     DefaultToneDuration,
		pauseMs:    DefaultPauseDuration,
	}
	for _, o := range opts {
		o(g)
	}
	return n * (g.toneMs + g.pauseMs)
}
