// Package transcriber defines the streaming speech-to-text boundary consumed
// by the call-flow test engine.
//
// A Provider wraps a transcription backend (a hosted streaming API, a local
// whisper server, ...) behind two operations: a preflight capability check and
// a streaming session factory. A session accepts raw audio chunks in arrival
// order and asynchronously emits Event values for the call whose audio is
// being pushed.
//
// Providers may emit zero, one or many events per audio chunk, and may revise
// interim events with later final ones. Consumers treat each event's text as
// authoritative at the moment it arrives. Events for one session are delivered
// in FIFO order; implementations must not reorder them.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per active call.
package transcriber

import (
	"context"
	"time"
)

// Encoding identifies the audio byte format pushed into a session.
type Encoding string

const (
	// EncodingULaw is G.711 u-law, one byte per sample. This is what telephony
	// media streams deliver.
	EncodingULaw Encoding = "mulaw"

	// EncodingPCM16 is 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "linear16"
)

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony streams are 8000.
	SampleRate int

	// Encoding is the byte format of chunks passed to SendAudio.
	Encoding Encoding

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// Empty lets the backend auto-detect, if supported.
	Language string
}

// Event is a single transcription result, either an interim partial or a
// finalized utterance.
type Event struct {
	// Text is the transcribed fragment. For providers that revise partials,
	// each event's text supersedes nothing — it is appended as heard.
	Text string

	// Final marks an authoritative utterance; false means an interim partial
	// that a later event may revise.
	Final bool

	// Timestamp is when the event was produced.
	Timestamp time.Time
}

// CheckResult is the outcome of a Provider preflight check.
type CheckResult struct {
	// CanRun reports whether the provider is usable right now.
	CanRun bool

	// Reason explains a false CanRun in user-facing terms (missing
	// credentials, unreachable server, ...). Empty when CanRun is true.
	Reason string
}

// SessionHandle is an open streaming transcription session.
//
// Callers must Close the session when the call ends; failing to do so may
// leak goroutines and connections inside the provider. All methods are safe
// for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes in the format agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Events returns the session's transcription event stream. The channel is
	// closed when the session ends.
	Events() <-chan Event

	// Close terminates the session, flushes pending audio and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming transcription backend.
type Provider interface {
	// CheckCanRun verifies the provider can operate before any call is placed
	// (credentials present, server reachable). It never starts a session.
	CheckCanRun(ctx context.Context) CheckResult

	// StartStream opens a new streaming session for one call's audio. The
	// returned handle is ready to accept audio immediately; the caller owns
	// it and must Close it when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
