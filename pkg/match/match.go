// Package match provides the prompt-matching predicates evaluated against
// accumulated call transcripts.
//
// A Matcher is a pure predicate over text plus a human-readable description of
// what it expects, used in failure reports. The built-in strategies are Any
// (any non-empty text), Contains (case-insensitive substring) and Similar
// (edit-distance ratio against a target phrase, tolerant of transcription
// noise). Custom strategies plug in through Func.
//
// All matchers are immutable after construction and safe for concurrent use.
package match

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// Matcher is a predicate over accumulated transcript text.
type Matcher interface {
	// Evaluate reports whether the transcript satisfies the matcher.
	Evaluate(transcript string) bool

	// Description returns a human-readable statement of what the matcher
	// expects, for diagnostics when a step fails or times out.
	Description() string
}

// DefaultSimilarityThreshold is the minimum normalised similarity score for
// Similar to report a match. 0.85 tolerates a word or two of transcription
// noise in a sentence-length prompt without matching unrelated text.
const DefaultSimilarityThreshold = 0.85

// Any matches any transcript containing at least one non-whitespace character.
func Any() Matcher {
	return anyMatcher{}
}

type anyMatcher struct{}

func (anyMatcher) Evaluate(transcript string) bool {
	return strings.TrimSpace(transcript) != ""
}

func (anyMatcher) Description() string { return "any prompt" }

// Contains matches when the transcript contains text, ignoring case and
// surrounding whitespace.
func Contains(text string) Matcher {
	return containsMatcher{text: text}
}

type containsMatcher struct {
	text string
}

func (m containsMatcher) Evaluate(transcript string) bool {
	return strings.Contains(normalise(transcript), normalise(m.text))
}

func (m containsMatcher) Description() string {
	return fmt.Sprintf("prompt containing %q", m.text)
}

// SimilarOption configures a Similar matcher.
type SimilarOption func(*similarMatcher)

// WithThreshold overrides the minimum similarity score in the range (0, 1].
func WithThreshold(threshold float64) SimilarOption {
	return func(m *similarMatcher) { m.threshold = threshold }
}

// Similar matches when the transcript's normalised Levenshtein similarity to
// target meets the threshold (DefaultSimilarityThreshold unless overridden).
// A score of 1 is an exact match after case and whitespace normalisation.
func Similar(target string, opts ...SimilarOption) Matcher {
	m := &similarMatcher{target: target, threshold: DefaultSimilarityThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

type similarMatcher struct {
	target    string
	threshold float64
}

func (m *similarMatcher) Evaluate(transcript string) bool {
	return Similarity(transcript, m.target) >= m.threshold
}

func (m *similarMatcher) Description() string {
	return fmt.Sprintf("prompt similar to %q (threshold %.2f)", m.target, m.threshold)
}

// Func adapts an arbitrary predicate into a Matcher. desc is used verbatim as
// the Description.
func Func(desc string, fn func(transcript string) bool) Matcher {
	return funcMatcher{desc: desc, fn: fn}
}

type funcMatcher struct {
	desc string
	fn   func(string) bool
}

func (m funcMatcher) Evaluate(transcript string) bool { return m.fn(transcript) }
func (m funcMatcher) Description() string             { return m.desc }

// Similarity returns the normalised Levenshtein similarity of a and b in
// [0, 1] after case and whitespace normalisation. Two empty strings score 1.
func Similarity(a, b string) float64 {
	na, nb := normalise(a), normalise(b)
	longest := max(len(na), len(nb))
	if longest == 0 {
		return 1
	}
	dist := matchr.Levenshtein(na, nb)
	return 1 - float64(dist)/float64(longest)
}

// normalise lowercases and collapses runs of whitespace to single spaces so
// that transcription formatting differences do not affect matching.
func normalise(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
