package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for values the file leaves unset.
const (
	DefaultListenAddr     = ":8077"
	DefaultPath           = "/"
	DefaultConnectTimeout = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
)

// ValidTranscriberNames lists the transcriber backends the server can build.
var ValidTranscriberNames = []string{"whisper"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = DefaultPath
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if cfg.Call.ConnectTimeout == 0 {
		cfg.Call.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Path == "" || cfg.Server.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", cfg.Server.Path))
	}
	if cfg.Server.ShutdownGrace < 0 {
		errs = append(errs, errors.New("server.shutdown_grace must not be negative"))
	}

	if cfg.Transcriber.Name == "" {
		errs = append(errs, errors.New("transcriber.name is required"))
	} else if !slices.Contains(ValidTranscriberNames, cfg.Transcriber.Name) {
		errs = append(errs, fmt.Errorf("transcriber.name %q is unknown; valid values: %v", cfg.Transcriber.Name, ValidTranscriberNames))
	}
	if cfg.Transcriber.Name == "whisper" && cfg.Transcriber.ServerURL == "" {
		errs = append(errs, errors.New("transcriber.server_url is required for the whisper backend"))
	}

	if cfg.Call.ConnectTimeout < 0 {
		errs = append(errs, errors.New("call.connect_timeout must not be negative"))
	}

	return errors.Join(errs...)
}
