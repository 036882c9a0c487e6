// Package gateway terminates the provider's real-time media-stream protocol:
// it accepts one WebSocket connection per call leg, demultiplexes control and
// audio frames, binds each stream to a call-flow session, and routes audio in
// both directions.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxproof/voxproof/internal/flow"
	"github.com/voxproof/voxproof/internal/scenario"
	"github.com/voxproof/voxproof/pkg/transcriber"
)

var (
	// ErrServerStart is returned when the gateway cannot bind its listen
	// address.
	ErrServerStart = errors.New("gateway: server start failed")

	// ErrMissingCallIdentity is reported when a stream's start frame lacks
	// the from/to custom parameters.
	ErrMissingCallIdentity = errors.New("gateway: start frame missing call identity")
)

// defaultShutdownGrace is how long Stop waits for in-flight calls to finish
// before force-closing them.
const defaultShutdownGrace = 10 * time.Second

// defaultSampleRate applies when a start frame does not declare one.
const defaultSampleRate = 8000

// Option configures a Server.
type Option func(*Server)

// WithPath sets the WebSocket endpoint path. Defaults to "/".
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithShutdownGrace sets how long Stop waits for in-flight sessions before
// force-closing their connections.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

// WithObservers registers lifecycle event observers applied to every call.
func WithObservers(obs ...flow.Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, obs...) }
}

// WithClock overrides the flow sessions' clock.
func WithClock(c flow.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the server's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server accepts media-stream connections and runs one scenario per call.
type Server struct {
	scn       *scenario.Scenario
	stt       transcriber.Provider
	path      string
	grace     time.Duration
	clock     flow.Clock
	logger    *slog.Logger
	observers []flow.Observer

	registry *Registry

	mu       sync.Mutex
	ln       net.Listener
	httpSrv  *http.Server
	stopOnce sync.Once

	wg sync.WaitGroup
}

// New creates a Server that runs scn against every connecting call, using
// provider for speech transcription.
func New(scn *scenario.Scenario, provider transcriber.Provider, opts ...Option) (*Server, error) {
	if scn == nil || len(scn.Steps) == 0 {
		return nil, errors.New("gateway: scenario must contain at least one step")
	}
	if provider == nil {
		return nil, errors.New("gateway: transcriber provider is required")
	}

	s := &Server{
		scn:      scn,
		stt:      provider,
		path:     "/",
		grace:    defaultShutdownGrace,
		clock:    flow.SystemClock{},
		logger:   slog.Default(),
		registry: NewRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Registry exposes the active call sessions.
func (s *Server) Registry() *Registry { return s.registry }

// Start binds addr and begins accepting media-stream connections. It returns
// the WebSocket URL to advertise to the telephony provider. Binding failures
// wrap [ErrServerStart].
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: listen on %q: %v", ErrServerStart, addr, err)
	}

	srv := &http.Server{
		Handler:     http.HandlerFunc(s.handleWS),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("gateway serve error", "err", err)
		}
	}()

	url := "ws://" + ln.Addr().String() + s.path
	s.logger.Info("media-stream gateway listening", "url", url)
	return url, nil
}

// Stop shuts the gateway down: it stops accepting new connections, waits up
// to the configured grace period for in-flight calls to reach a terminal
// state, then force-closes whatever remains.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		ln, srv := s.ln, s.httpSrv
		s.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}

		finished := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(s.grace):
			s.logger.Warn("grace period elapsed, force-closing remaining calls", "active", s.registry.Len())
			s.registry.Each(func(cs *CallSession) {
				cs.close(websocket.StatusGoingAway, "server shutting down")
			})
			select {
			case <-finished:
			case <-ctx.Done():
				err = ctx.Err()
			}
		case <-ctx.Done():
			s.registry.Each(func(cs *CallSession) {
				cs.close(websocket.StatusGoingAway, "server shutting down")
			})
			err = ctx.Err()
		}

		if srv != nil {
			_ = srv.Close()
		}
	})
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.serveConn(r.Context(), conn)
}

// serveConn drives one media-stream connection from handshake to teardown.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	start, err := s.awaitStart(ctx, conn)
	if err != nil {
		s.logger.Warn("media stream rejected", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake")
		return
	}

	call := flow.CallRef{
		StreamID: start.StreamSID,
		From:     start.CustomParams["from"],
		To:       start.CustomParams["to"],
	}
	if call.From == "" || call.To == "" {
		s.logger.Warn("media stream rejected", "err", ErrMissingCallIdentity, "stream_id", call.StreamID)
		_ = conn.Close(websocket.StatusPolicyViolation, "missing call identity")
		return
	}

	logger := s.logger.With("stream_id", call.StreamID, "from", call.From, "to", call.To)

	sampleRate := start.MediaFormat.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}

	stream, err := s.stt.StartStream(ctx, transcriber.StreamConfig{
		SampleRate: sampleRate,
		Encoding:   transcriber.EncodingULaw,
	})
	if err != nil {
		logger.Error("transcriber stream start failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "transcriber unavailable")
		return
	}

	cs := newCallSession(ctx, call, conn, stream, logger)

	if err := s.registry.Register(call.StreamID, cs); err != nil {
		logger.Warn("media stream rejected", "err", err)
		cs.close(websocket.StatusPolicyViolation, "duplicate stream")
		return
	}
	defer s.registry.Remove(call.StreamID)

	fs, err := flow.NewSession(flow.Config{
		Call:      call,
		Scenario:  s.scn,
		Output:    cs,
		Observers: s.observers,
		Clock:     s.clock,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("flow session setup failed", "err", err)
		cs.close(websocket.StatusInternalError, "session setup failed")
		return
	}

	cs.bind(fs)
	fs.Start()
	s.emit(flow.CallConnected{Call: call})
	logger.Info("call connected")

	// Close the stream once the test finishes so the read loop unwinds.
	go func() {
		select {
		case <-fs.Done():
			cs.close(websocket.StatusNormalClosure, "test complete")
		case <-cs.ctx.Done():
		}
	}()

	s.readLoop(ctx, conn, cs, fs, logger)

	fs.Disconnect()
	cs.close(websocket.StatusNormalClosure, "stream ended")
	// Let the session deliver its terminal events before the disconnect is
	// announced, so observers see the outcome first.
	<-fs.Done()
	s.emit(flow.CallDisconnected{Call: call})
	logger.Info("call disconnected")
}

// awaitStart consumes frames until the stream's start handshake arrives.
func (s *Server) awaitStart(ctx context.Context, conn *websocket.Conn) (*startFrame, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("gateway: read handshake: %w", err)
		}

		env, err := parseEnvelope(data)
		if err != nil {
			return nil, err
		}

		switch env.Event {
		case "connected":
			// Preamble frame; the handshake proper follows.
		case "start":
			if env.Start == nil {
				return nil, errors.New("gateway: start frame missing body")
			}
			if env.Start.StreamSID == "" {
				env.Start.StreamSID = env.StreamSID
			}
			if env.Start.StreamSID == "" {
				return nil, errors.New("gateway: start frame missing stream identifier")
			}
			return env.Start, nil
		case "stop":
			return nil, errors.New("gateway: stream stopped before start handshake")
		default:
			return nil, fmt.Errorf("gateway: unexpected %q frame before start handshake", env.Event)
		}
	}
}

// readLoop demultiplexes frames after the handshake until the stream stops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, cs *CallSession, fs *flow.Session, logger *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			logger.Warn("malformed frame, aborting stream", "err", err)
			return
		}

		switch env.Event {
		case "media":
			if env.Media == nil || env.Media.Payload == "" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				logger.Warn("undecodable media payload", "err", err)
				continue
			}
			if err := cs.forwardAudio(ulaw); err != nil {
				logger.Error("transcriber rejected audio", "err", err)
				fs.Stop(fmt.Sprintf("transcriber error: %v", err))
				return
			}
		case "stop":
			return
		case "mark":
			// Playback acknowledgement; nothing to synchronise against.
		default:
			logger.Debug("ignoring frame", "event", env.Event)
		}
	}
}

func (s *Server) emit(ev flow.Event) {
	for _, o := range s.observers {
		o.HandleEvent(ev)
	}
}
