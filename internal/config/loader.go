package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
// DefaultPostSubmitDelay is also the lowest accepted post_submit_delay.
const (
	DefaultListenAddr          = ":8090"
	DefaultCleanupMaxAgeHours  = 24
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultUploadTimeout       = 30 * time.Second
	DefaultStatusTimeout       = 10 * time.Second
	DefaultMaxWait             = 30 * time.Minute
	DefaultPostSubmitDelay     = 1500 * time.Millisecond
	DefaultNotFoundRetries     = 15
	DefaultMaxRetries          = 3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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
// the result. Unknown keys are rejected.
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

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.State.CleanupMaxAgeHours == 0 {
		cfg.State.CleanupMaxAgeHours = DefaultCleanupMaxAgeHours
	}

	d := &cfg.Dispatch
	if d.HealthCheckInterval == 0 {
		d.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if d.UploadTimeout == 0 {
		d.UploadTimeout = DefaultUploadTimeout
	}
	if d.StatusTimeout == 0 {
		d.StatusTimeout = DefaultStatusTimeout
	}
	if d.MaxWait == 0 {
		d.MaxWait = DefaultMaxWait
	}
	if d.PostSubmitDelay >= 0 && d.PostSubmitDelay < DefaultPostSubmitDelay {
		if d.PostSubmitDelay != 0 {
			slog.Warn("dispatch.post_submit_delay raised to minimum",
				"configured", d.PostSubmitDelay, "minimum", DefaultPostSubmitDelay)
		}
		d.PostSubmitDelay = DefaultPostSubmitDelay
	}
	if d.NotFoundRetries == 0 {
		d.NotFoundRetries = DefaultNotFoundRetries
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.State.CleanupMaxAgeHours < 0 {
		errs = append(errs, fmt.Errorf("state.cleanup_max_age_hours must not be negative, got %v", cfg.State.CleanupMaxAgeHours))
	}
	if cfg.State.Path == "" {
		slog.Warn("state.path is empty; job and server state will not survive a restart")
	}

	d := cfg.Dispatch
	seen := make(map[string]int, len(d.Servers))
	for i, s := range d.Servers {
		prefix := fmt.Sprintf("dispatch.servers[%d]", i)
		if err := validateServerURL(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if prev, ok := seen[s]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of dispatch.servers[%d]", prefix, s, prev))
		}
		seen[s] = i
	}
	if len(d.Servers) == 0 {
		slog.Warn("dispatch.servers is empty; transcription requests will fail")
	}

	for _, f := range []struct {
		name string
		val  time.Duration
	}{
		{"dispatch.health_check_interval", d.HealthCheckInterval},
		{"dispatch.upload_timeout", d.UploadTimeout},
		{"dispatch.status_timeout", d.StatusTimeout},
		{"dispatch.max_wait", d.MaxWait},
		{"dispatch.post_submit_delay", d.PostSubmitDelay},
	} {
		if f.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", f.name, f.val))
		}
	}
	if d.NotFoundRetries < 0 {
		errs = append(errs, fmt.Errorf("dispatch.not_found_retries must not be negative, got %d", d.NotFoundRetries))
	}
	if d.RetryBudget() < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must not be negative, got %d", d.RetryBudget()))
	}

	return errors.Join(errs...)
}

func validateServerURL(s string) error {
	if s == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", s)
	}
	return nil
}
