// Package app wires the gateway, transcriber, and observability layers into
// a runnable IVR test server and owns the run lifecycle: preflight checks,
// waiting for calls, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxproof/voxproof/internal/config"
	"github.com/voxproof/voxproof/internal/flow"
	"github.com/voxproof/voxproof/internal/gateway"
	"github.com/voxproof/voxproof/internal/health"
	"github.com/voxproof/voxproof/internal/observe"
	"github.com/voxproof/voxproof/internal/scenario"
	"github.com/voxproof/voxproof/pkg/transcriber"
)

// ErrPreflight is returned when the transcription backend reports it cannot
// run, before any call is accepted.
var ErrPreflight = errors.New("app: transcriber preflight failed")

// ErrNoCallConnected is returned when no media stream arrives within the
// configured connect timeout.
var ErrNoCallConnected = errors.New("app: no call connected within the connect timeout")

// Option configures an App.
type Option func(*App)

// WithCaller registers a Caller that is asked to dial `to` once the gateway
// is listening. Without one the app waits for externally placed calls.
func WithCaller(c Caller, to string) Option {
	return func(a *App) {
		a.caller = c
		a.callTo = to
	}
}

// WithObservers registers additional lifecycle observers alongside the
// built-in reporter and metrics observers.
func WithObservers(obs ...flow.Observer) Option {
	return func(a *App) { a.extraObs = append(a.extraObs, obs...) }
}

// WithMetrics overrides the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the app's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// App is the assembled IVR test server.
type App struct {
	cfg      *config.Config
	scn      *scenario.Scenario
	provider transcriber.Provider
	logger   *slog.Logger
	metrics  *observe.Metrics
	extraObs []flow.Observer
	caller   Caller
	callTo   string

	gateway *gateway.Server
	tracker *callTracker

	mu        sync.Mutex
	admin     *http.Server
	adminAddr string
}

// New assembles an App from its configuration, scenario, and transcription
// provider.
func New(cfg *config.Config, scn *scenario.Scenario, provider transcriber.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if provider == nil {
		return nil, errors.New("app: transcriber provider is required")
	}

	a := &App{
		cfg:      cfg,
		scn:      scn,
		provider: provider,
		logger:   slog.Default(),
		tracker:  newCallTracker(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	observers := append([]flow.Observer{
		a.tracker,
		NewEventLogger(a.logger),
		observe.NewMetricsObserver(a.metrics),
	}, a.extraObs...)

	gw, err := gateway.New(scn, provider,
		gateway.WithPath(cfg.Server.Path),
		gateway.WithShutdownGrace(cfg.Server.ShutdownGrace.Std()),
		gateway.WithObservers(observers...),
		gateway.WithLogger(a.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build gateway: %w", err)
	}
	a.gateway = gw

	return a, nil
}

// Run executes one test run: it verifies the transcriber can run, starts the
// gateway and admin endpoints, optionally places the call, and blocks until
// every connected call has disconnected or ctx is cancelled. The returned
// Summary is valid even when err is non-nil.
func (a *App) Run(ctx context.Context) (Summary, error) {
	if res := a.provider.CheckCanRun(ctx); !res.CanRun {
		return Summary{}, fmt.Errorf("%w: %s", ErrPreflight, res.Reason)
	}

	streamURL, err := a.gateway.Start(ctx, a.cfg.Server.ListenAddr)
	if err != nil {
		return Summary{}, err
	}
	if a.cfg.Server.PublicURL != "" {
		streamURL = a.cfg.Server.PublicURL
	}
	a.logger.Info("ready for calls", "stream_url", streamURL, "scenario", a.scn.Name)

	if err := a.startAdmin(); err != nil {
		return Summary{}, err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.caller != nil {
		g.Go(func() error {
			if err := a.caller.Call(gctx, a.callTo, streamURL); err != nil {
				return fmt.Errorf("app: place call: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.awaitCalls(gctx)
	})

	err = g.Wait()
	return a.tracker.Summary(), err
}

// awaitCalls blocks until the run resolves: the first call must connect
// within the connect timeout, and afterwards the run ends once all calls
// have disconnected.
func (a *App) awaitCalls(ctx context.Context) error {
	connectTimeout := a.cfg.Call.ConnectTimeout.Std()
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-a.tracker.FirstConnect():
	case <-timer.C:
		a.Stop(true, "no call connected")
		return fmt.Errorf("%w (%s)", ErrNoCallConnected, connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-a.tracker.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop aborts all active calls without waiting for the far end to hang up.
// When dueToFailure is set the abort is logged as an error condition.
func (a *App) Stop(dueToFailure bool, reason string) {
	if dueToFailure {
		a.logger.Error("aborting test run", "reason", reason)
	} else {
		a.logger.Info("stopping test run", "reason", reason)
	}
	a.gateway.Registry().Each(func(cs *gateway.CallSession) {
		cs.Stop(reason)
	})
}

// Shutdown closes the gateway and the admin endpoints, waiting up to the
// configured grace period for in-flight calls.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	a.mu.Lock()
	admin := a.admin
	a.admin = nil
	a.mu.Unlock()
	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// AdminAddr returns the bound address of the admin server, or "" when the
// admin endpoints are disabled or not yet started.
func (a *App) AdminAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adminAddr
}

// startAdmin brings up the /metrics, /healthz, and /readyz endpoints when an
// admin address is configured.
func (a *App) startAdmin() error {
	if a.cfg.Admin.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	health.New(health.Transcriber(a.provider)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", a.cfg.Admin.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: bind admin address %q: %w", a.cfg.Admin.ListenAddr, err)
	}

	srv := &http.Server{Handler: observe.Middleware(a.metrics)(mux)}

	a.mu.Lock()
	a.admin = srv
	a.adminAddr = ln.Addr().String()
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server error", "err", err)
		}
	}()

	a.logger.Info("admin endpoints listening", "addr", ln.Addr().String())
	return nil
}
