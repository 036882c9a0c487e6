// Command voxproof runs an automated IVR call-flow test: it serves a
// media-stream endpoint, transcribes the far end's prompts, and walks a
// scenario of expected prompts and keypad responses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxproof/voxproof/internal/app"
	"github.com/voxproof/voxproof/internal/config"
	"github.com/voxproof/voxproof/internal/observe"
	"github.com/voxproof/voxproof/internal/scenario"
	"github.com/voxproof/voxproof/pkg/transcriber"
	"github.com/voxproof/voxproof/pkg/transcriber/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	scenarioPath := flag.String("scenario", "scenario.yaml", "path to the scenario YAML file")
	playbackPath := flag.String("playback", "", "raw 8 kHz u-law recording to replay against the gateway instead of waiting for a real call")
	to := flag.String("to", "", "number presented as the call destination when -playback is used")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxproof: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxproof: %v\n", err)
		}
		return 1
	}

	scn, err := scenario.Load(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxproof: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voxproof starting",
		"config", *configPath,
		"scenario", scn.Name,
		"steps", len(scn.Steps),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcriber ───────────────────────────────────────────────────────────
	provider, err := buildTranscriber(cfg.Transcriber)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}
	slog.Info("transcriber configured", "name", cfg.Transcriber.Name, "model", cfg.Transcriber.Model)

	// ── Application ───────────────────────────────────────────────────────────
	var opts []app.Option
	if *playbackPath != "" {
		if *to == "" {
			fmt.Fprintln(os.Stderr, "voxproof: -playback requires -to")
			return 1
		}
		opts = append(opts, app.WithCaller(app.NewPlaybackCaller(*playbackPath), *to))
		slog.Info("playback caller enabled", "recording", *playbackPath, "to", *to)
	}

	application, err := app.New(cfg, scn, provider, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	summary, runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}

	printRunSummary(scn.Name, summary)
	if !summary.Ok() {
		return 1
	}
	return 0
}

// buildTranscriber constructs the transcription provider named in the config.
// Validation has already ensured the name is known and its required fields
// are present.
func buildTranscriber(entry config.TranscriberEntry) (transcriber.Provider, error) {
	switch entry.Name {
	case "whisper":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms := optInt(entry.Options, "max_buffer_duration_ms"); ms > 0 {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		return whisper.New(entry.ServerURL, opts...)
	default:
		return nil, fmt.Errorf("unknown transcriber %q", entry.Name)
	}
}

func printRunSummary(name string, s app.Summary) {
	verdict := "FAILED"
	if s.Ok() {
		verdict = "PASSED"
	}
	fmt.Printf("\n%s: %s\n", name, verdict)
	fmt.Printf("  calls connected : %d\n", s.Connected)
	fmt.Printf("  passed          : %d\n", s.Passed)
	fmt.Printf("  failed          : %d\n", s.Failed)
	if s.TimedOut > 0 {
		fmt.Printf("  timed out       : %d\n", s.TimedOut)
	}
}

// optInt extracts an integer from a transcriber Options map. YAML decodes
// small numbers as int, so only that case is handled.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	if v, ok := opts[key].(int); ok {
		return v
	}
	return 0
}
