package config

import "slices"

// ConfigDiff describes the hot-reloadable differences between two configs.
type ConfigDiff struct {
	ServersAdded   []string
	ServersRemoved []string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return len(d.ServersAdded) == 0 && len(d.ServersRemoved) == 0 &&
		!d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and next. Server lists are compared as sets and reported
// in the order they appear in their respective config.
func Diff(old, next *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}

	for _, s := range next.Dispatch.Servers {
		if !slices.Contains(old.Dispatch.Servers, s) {
			d.ServersAdded = append(d.ServersAdded, s)
		}
	}
	for _, s := range old.Dispatch.Servers {
		if !slices.Contains(next.Dispatch.Servers, s) {
			d.ServersRemoved = append(d.ServersRemoved, s)
		}
	}

	if old.Server.ListenAddr != next.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.State.Path != next.State.Path {
		d.RestartRequired = append(d.RestartRequired, "state.path")
	}
	if old.Archive.PostgresDSN != next.Archive.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "archive.postgres_dsn")
	}
	if dispatchTuningChanged(old.Dispatch, next.Dispatch) {
		d.RestartRequired = append(d.RestartRequired, "dispatch")
	}
	return d
}

func dispatchTuningChanged(a, b DispatchConfig) bool {
	return a.HealthCheckInterval != b.HealthCheckInterval ||
		a.UploadTimeout != b.UploadTimeout ||
		a.StatusTimeout != b.StatusTimeout ||
		a.MaxWait != b.MaxWait ||
		a.PostSubmitDelay != b.PostSubmitDelay ||
		a.NotFoundRetries != b.NotFoundRetries ||
		a.RetryBudget() != b.RetryBudget() ||
		a.Translate != b.Translate ||
		a.WordTimestamps != b.WordTimestamps ||
		a.CleanupEnabled() != b.CleanupEnabled()
}
