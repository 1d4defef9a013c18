package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/convai"
)

// Load reads the YAML configuration file at path, expands ${VAR} references
// from the environment, and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. No environment expansion takes place.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse expands the environment into data and decodes it.
func parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Telephony
	if cfg.Telephony.Path != "" && !strings.HasPrefix(cfg.Telephony.Path, "/") {
		errs = append(errs, fmt.Errorf("telephony.path %q must start with /", cfg.Telephony.Path))
	}
	if cfg.Telephony.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("telephony.read_limit %d must not be negative", cfg.Telephony.ReadLimit))
	}
	if cfg.Telephony.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("telephony.write_timeout %s must not be negative", cfg.Telephony.WriteTimeout))
	}

	// ConvAI
	if cfg.ConvAI.AgentID == "" {
		errs = append(errs, errors.New("convai.agent_id is required"))
	}
	if cfg.ConvAI.BaseURL != "" {
		if err := validateEndpoint(cfg.ConvAI.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("convai.base_url: %w", err))
		}
	}
	for i, u := range cfg.ConvAI.FallbackBaseURLs {
		if err := validateEndpoint(u); err != nil {
			errs = append(errs, fmt.Errorf("convai.fallback_base_urls[%d]: %w", i, err))
		}
	}
	if cfg.ConvAI.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("convai.connect_timeout %s must not be negative", cfg.ConvAI.ConnectTimeout))
	}
	if cfg.ConvAI.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("convai.input_sample_rate %d must be positive", cfg.ConvAI.InputSampleRate))
	}
	if cfg.ConvAI.OutputFormat != "" {
		if _, err := convai.ParseFormat(cfg.ConvAI.OutputFormat); err != nil {
			errs = append(errs, fmt.Errorf("convai.output_format: %w", err))
		}
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}
	if cfg.Breaker.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("breaker.half_open_max %d must not be negative", cfg.Breaker.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// validateEndpoint checks that raw is an absolute ws:// or wss:// URL.
func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%q must use the ws or wss scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
