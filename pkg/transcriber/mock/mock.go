// Package mock provides test doubles for the transcriber package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig, and Session to feed controlled transcription events while
// inspecting which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit("please enter a number", true)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxproof/voxproof/pkg/transcriber"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg transcriber.StreamConfig
}

// Provider is a mock implementation of transcriber.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, StartStream returns a fresh
	// NewSession() each time.
	Session transcriber.SessionHandle

	// CheckResult is returned by CheckCanRun. The zero value reports CanRun
	// false with no reason, so tests exercising the happy path should set
	// CheckResult: transcriber.CheckResult{CanRun: true}.
	CheckResult transcriber.CheckResult

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ transcriber.Provider = (*Provider)(nil)

// CheckCanRun returns CheckResult.
func (p *Provider) CheckCanRun(context.Context) transcriber.CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CheckResult
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg transcriber.StreamConfig) (transcriber.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Session is a mock transcriber.SessionHandle driven by the test via Emit.
type Session struct {
	mu     sync.Mutex
	events chan transcriber.Event
	chunks [][]byte
	closed bool
}

var _ transcriber.SessionHandle = (*Session)(nil)

// NewSession creates a Session with a generously buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan transcriber.Event, 64)}
}

// SendAudio records a copy of chunk. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session closed")
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.chunks = append(s.chunks, c)
	return nil
}

// Events returns the event channel fed by Emit.
func (s *Session) Events() <-chan transcriber.Event {
	return s.events
}

// Emit delivers a transcription event to the session's consumer. It is a
// no-op after Close.
func (s *Session) Emit(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- transcriber.Event{Text: text, Final: final, Timestamp: time.Now()}
}

// Chunks returns copies of all audio chunks delivered via SendAudio.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the event channel. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
