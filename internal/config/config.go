// Package config provides the configuration schema, loader, and hot-reload
// watcher for the callbridge server.
package config

import (
	"log/slog"
	"slices"
	"time"
)

// LogLevel controls log verbosity for the callbridge server.
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

// Level maps l to its slog equivalent. Unknown values map to Info.
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

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr      = ":3000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultTelephonyPath   = "/ws"
	DefaultReadLimit       = 64 << 10
	DefaultWriteTimeout    = 5 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultSampleRate      = 8000
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
	DefaultHalfOpenMax     = 1
)

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	ConvAI    ConvAIConfig    `yaml:"convai"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds how long a graceful shutdown waits for live
	// calls to close.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// CallLog is a file that receives one JSON line per finished call.
	// Empty disables the call log.
	CallLog string `yaml:"call_log"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// Enabled reports whether both certificate paths are set.
func (t *TLSConfig) Enabled() bool {
	return t != nil && t.CertFile != "" && t.KeyFile != ""
}

// TelephonyConfig configures the inbound telephony WebSocket endpoint.
type TelephonyConfig struct {
	// Path is the HTTP route that accepts telephony connections.
	Path string `yaml:"path"`

	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ConvAIConfig configures the outbound conversational-AI leg.
type ConvAIConfig struct {
	// AgentID selects the agent; sent as the agent_id query parameter.
	AgentID string `yaml:"agent_id"`

	// APIKey is sent in the xi-api-key header. Empty means no header.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// FallbackBaseURLs are tried in order when BaseURL fails or its circuit
	// breaker is open (e.g. regional endpoints of the same service).
	FallbackBaseURLs []string `yaml:"fallback_base_urls"`

	// ConnectTimeout bounds the AI-leg handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// InputSampleRate is the PCM16 rate the agent expects for user audio.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputFormat is the agent audio format assumed until the service
	// announces one (e.g., "pcm_16000", "ulaw_8000"). Empty means pcm_8000.
	OutputFormat string `yaml:"output_format"`
}

// BreakerConfig configures the circuit breaker guarding AI-leg dials.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures that open the
	// breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of probe dials allowed while half-open.
	HalfOpenMax int `yaml:"half_open_max"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Telephony.Path == "" {
		cfg.Telephony.Path = DefaultTelephonyPath
	}
	if cfg.Telephony.ReadLimit == 0 {
		cfg.Telephony.ReadLimit = DefaultReadLimit
	}
	if cfg.Telephony.WriteTimeout == 0 {
		cfg.Telephony.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ConvAI.ConnectTimeout == 0 {
		cfg.ConvAI.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ConvAI.InputSampleRate == 0 {
		cfg.ConvAI.InputSampleRate = DefaultSampleRate
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Breaker.HalfOpenMax == 0 {
		cfg.Breaker.HalfOpenMax = DefaultHalfOpenMax
	}
}

// Equal reports whether c and o select the same agent and endpoints with the
// same settings.
func (c ConvAIConfig) Equal(o ConvAIConfig) bool {
	return c.AgentID == o.AgentID &&
		c.APIKey == o.APIKey &&
		c.BaseURL == o.BaseURL &&
		slices.Equal(c.FallbackBaseURLs, o.FallbackBaseURLs) &&
		c.ConnectTimeout == o.ConnectTimeout &&
		c.InputSampleRate == o.InputSampleRate &&
		c.OutputFormat == o.OutputFormat
}
