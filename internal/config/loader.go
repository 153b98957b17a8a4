package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidNames lists known factory names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"live":   {"gemini-live"},
	"source": {"media", "microphone"},
	"sink":   {"speaker"},
}

// KnownVoices lists the prebuilt voices the live service accepts.
var KnownVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Live
	validateName("live", cfg.Live.Provider)
	if cfg.Live.BaseURL != "" {
		u, err := url.Parse(cfg.Live.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("live.base_url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("live.base_url scheme %q is invalid; valid values: ws, wss", u.Scheme))
		}
	}
	if cfg.Live.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("live.keepalive_interval %s must not be negative", cfg.Live.KeepaliveInterval))
	}
	if cfg.Live.MaxConnectFailures < 0 {
		errs = append(errs, fmt.Errorf("live.max_connect_failures %d must be positive", cfg.Live.MaxConnectFailures))
	}
	if cfg.Live.ConnectCooldown < 0 {
		errs = append(errs, fmt.Errorf("live.connect_cooldown %s must not be negative", cfg.Live.ConnectCooldown))
	}
	if cfg.Live.Voice != "" && !slices.Contains(KnownVoices, cfg.Live.Voice) {
		slog.Warn("unknown voice name; the service may reject the setup message",
			"voice", cfg.Live.Voice,
			"known", KnownVoices,
		)
	}

	// Capture
	if cfg.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", cfg.Capture.FrameSize))
	}
	if cfg.Capture.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_size %d must be positive", cfg.Capture.QueueSize))
	}
	if cfg.Capture.Mic.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.mic.frames_per_buffer %d must be positive", cfg.Capture.Mic.FramesPerBuffer))
	}
	if loc := cfg.Capture.Media.Location; loc != "" {
		if u, err := url.Parse(loc); err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" && len(u.Scheme) > 1 {
			errs = append(errs, fmt.Errorf("capture.media.location scheme %q is invalid; use a file path or http(s) URL", u.Scheme))
		}
	}

	// Playback
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if cfg.Playback.BufferMS < 0 {
		errs = append(errs, fmt.Errorf("playback.buffer_ms %d must be positive", cfg.Playback.BufferMS))
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown factory name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
