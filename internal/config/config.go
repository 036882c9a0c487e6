// Package config provides the configuration schema and loader for the
// voxproof IVR test server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voxproof server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the corresponding slog level. Unrecognised values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration for YAML decoding of values like "30s" or
// "500ms".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for voxproof.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Admin       AdminConfig      `yaml:"admin"`
	Transcriber TranscriberEntry `yaml:"transcriber"`
	Call        CallConfig       `yaml:"call"`
}

// ServerConfig holds network and logging settings for the media-stream
// gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8077").
	ListenAddr string `yaml:"listen_addr"`

	// Path is the WebSocket endpoint path advertised to the telephony
	// provider.
	Path string `yaml:"path"`

	// PublicURL overrides the advertised stream URL. Needed when the
	// gateway sits behind a tunnel or load balancer; when empty, the bound
	// address is advertised as-is.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownGrace is how long a shutdown waits for in-flight calls.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// AdminConfig holds settings for the admin HTTP endpoints (/metrics,
// /healthz, /readyz).
type AdminConfig struct {
	// ListenAddr is the TCP address for the admin server. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// TranscriberEntry selects and configures the transcription backend.
type TranscriberEntry struct {
	// Name selects the transcriber implementation (e.g., "whisper").
	Name string `yaml:"name"`

	// ServerURL is the transcription server's base URL, for backends that
	// run out of process.
	ServerURL string `yaml:"server_url"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`

	// Language is the BCP-47 language hint for recognition.
	Language string `yaml:"language"`

	// Options holds backend-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// CallConfig holds per-call timing settings.
type CallConfig struct {
	// ConnectTimeout is how long to wait for the media stream to arrive
	// after a test run starts before the run is failed.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}
