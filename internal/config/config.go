// Package config provides the configuration schema and loader for voxcap.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
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

// SlogLevel converts l to the matching [slog.Level]. Unknown or empty values
// map to info.
func (l LogLevel) SlogLevel() slog.Level {
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

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	State    StateConfig    `yaml:"state"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds network and logging settings for `voxcap serve`.
type ServerConfig struct {
	// ListenAddr is the TCP address of the API, health and metrics listener.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// StateConfig locates the persisted job and server state.
type StateConfig struct {
	// Path of the JSON state file. Empty keeps state in memory only.
	Path string `yaml:"path"`

	// CleanupMaxAgeHours is the age after which finished jobs are dropped by
	// the periodic cleanup.
	CleanupMaxAgeHours float64 `yaml:"cleanup_max_age_hours"`
}

// CleanupMaxAge returns CleanupMaxAgeHours as a duration.
func (s StateConfig) CleanupMaxAge() time.Duration {
	return time.Duration(s.CleanupMaxAgeHours * float64(time.Hour))
}

// DispatchConfig controls the server pool and the per-job failover protocol.
type DispatchConfig struct {
	// Servers lists the base URLs of the whisper servers.
	Servers []string `yaml:"servers"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`
	StatusTimeout       time.Duration `yaml:"status_timeout"`
	MaxWait             time.Duration `yaml:"max_wait"`
	PostSubmitDelay     time.Duration `yaml:"post_submit_delay"`
	NotFoundRetries     int           `yaml:"not_found_retries"`

	// MaxRetries is the per-job retry budget. Nil means
	// [DefaultMaxRetries]; zero is a valid budget.
	MaxRetries *int `yaml:"max_retries"`

	Translate      bool `yaml:"translate"`
	WordTimestamps bool `yaml:"word_timestamps"`

	// Cleanup asks servers to delete uploaded audio once a job finishes.
	// Nil means true.
	Cleanup *bool `yaml:"cleanup"`
}

// RetryBudget reports the effective value of MaxRetries.
func (d DispatchConfig) RetryBudget() int {
	if d.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *d.MaxRetries
}

// CleanupEnabled reports the effective value of Cleanup.
func (d DispatchConfig) CleanupEnabled() bool {
	return d.Cleanup == nil || *d.Cleanup
}

// ArchiveConfig configures the optional transcript archive.
type ArchiveConfig struct {
	// PostgresDSN enables the PostgreSQL archive when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}
