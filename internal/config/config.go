// Package config provides the configuration schema, loader, and factory
// registry for the livebridge streaming server.
package config

import "time"

// LogLevel controls log verbosity for the livebridge server.
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

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultLiveProvider      = "gemini-live"
	DefaultAPIVersion        = "v1alpha"
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultMaxConnectFails   = 5
	DefaultConnectCooldown   = 30 * time.Second
	DefaultFrameSize         = 4096
	DefaultQueueSize         = 64
	DefaultFramesPerBuffer   = 512
	DefaultMediaEndGrace     = 5 * time.Second
	DefaultPlaybackRate      = 24000
	DefaultPlaybackBufferMS  = 100
	DefaultServiceName       = "livebridge"
)

// Config is the root configuration structure for livebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LiveConfig selects and configures the live streaming service.
type LiveConfig struct {
	// Provider selects the registered live provider. Default: "gemini-live".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the service. When empty the key is taken
	// from the environment (GEMINI_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the WebSocket endpoint root. Must use ws or wss.
	BaseURL string `yaml:"base_url"`

	// APIVersion is the version segment of the endpoint path.
	APIVersion string `yaml:"api_version"`

	// Model overrides model selection for every session kind.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice used by audio-modality sessions.
	Voice string `yaml:"voice"`

	// KeepaliveInterval is the WebSocket ping period.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxConnectFailures is the number of consecutive failed connects after
	// which new sessions are rejected until ConnectCooldown has passed.
	// Default: 5.
	MaxConnectFailures int `yaml:"max_connect_failures"`

	// ConnectCooldown is how long connects stay rejected. Default: 30s.
	ConnectCooldown time.Duration `yaml:"connect_cooldown"`
}

// CaptureConfig configures audio acquisition and the outbound queue.
type CaptureConfig struct {
	// FrameSize is the number of samples per transmitted frame.
	FrameSize int `yaml:"frame_size"`

	// QueueSize bounds the number of frames waiting for transmission.
	QueueSize int `yaml:"queue_size"`

	Media MediaConfig `yaml:"media"`
	Mic   MicConfig   `yaml:"mic"`
}

// MediaConfig configures the media-stream capture source.
type MediaConfig struct {
	// Location is a file path or http(s) URL of the media to tap.
	Location string `yaml:"location"`

	// EndGrace is how long a session stays open after the media ends, so
	// the transcript of the last audio still arrives. Default: 5s. Negative
	// keeps the session open until it is stopped.
	EndGrace time.Duration `yaml:"end_grace"`
}

// MicConfig configures the microphone capture source.
type MicConfig struct {
	// FramesPerBuffer is the device callback size in samples.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// PlaybackConfig configures the speaker sink.
type PlaybackConfig struct {
	// SampleRate of received audio, in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BufferMS is the speaker buffer length in milliseconds.
	BufferMS int `yaml:"buffer_ms"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "livebridge".
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills every zero field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Live.Provider == "" {
		c.Live.Provider = DefaultLiveProvider
	}
	if c.Live.APIVersion == "" {
		c.Live.APIVersion = DefaultAPIVersion
	}
	if c.Live.KeepaliveInterval == 0 {
		c.Live.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Live.MaxConnectFailures == 0 {
		c.Live.MaxConnectFailures = DefaultMaxConnectFails
	}
	if c.Live.ConnectCooldown == 0 {
		c.Live.ConnectCooldown = DefaultConnectCooldown
	}
	if c.Capture.FrameSize == 0 {
		c.Capture.FrameSize = DefaultFrameSize
	}
	if c.Capture.QueueSize == 0 {
		c.Capture.QueueSize = DefaultQueueSize
	}
	if c.Capture.Media.EndGrace == 0 {
		c.Capture.Media.EndGrace = DefaultMediaEndGrace
	}
	if c.Capture.Mic.FramesPerBuffer == 0 {
		c.Capture.Mic.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.Playback.SampleRate == 0 {
		c.Playback.SampleRate = DefaultPlaybackRate
	}
	if c.Playback.BufferMS == 0 {
		c.Playback.BufferMS = DefaultPlaybackBufferMS
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}
