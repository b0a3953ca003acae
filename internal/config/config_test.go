package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxcap/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
state:
  path: /var/lib/voxcap/state.json
  cleanup_max_age_hours: 48
dispatch:
  servers:
    - http://whisper-a:8000
    - https://whisper-b:8443
  health_check_interval: 30s
  upload_timeout: 45s
  status_timeout: 5s
  max_wait: 10m
  post_submit_delay: 2s
  not_found_retries: 5
  max_retries: 2
  translate: true
  word_timestamps: true
  cleanup: false
archive:
  postgres_dsn: postgres://voxcap@localhost/voxcap
`

func TestLoadFromReader_Full(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.State.Path != "/var/lib/voxcap/state.json" || cfg.State.CleanupMaxAge() != 48*time.Hour {
		t.Errorf("state = %+v", cfg.State)
	}
	d := cfg.Dispatch
	if len(d.Servers) != 2 || d.Servers[1] != "https://whisper-b:8443" {
		t.Errorf("servers = %v", d.Servers)
	}
	if d.HealthCheckInterval != 30*time.Second || d.UploadTimeout != 45*time.Second ||
		d.StatusTimeout != 5*time.Second || d.MaxWait != 10*time.Minute ||
		d.PostSubmitDelay != 2*time.Second {
		t.Errorf("durations = %+v", d)
	}
	if d.NotFoundRetries != 5 || d.RetryBudget() != 2 || !d.Translate || !d.WordTimestamps {
		t.Errorf("dispatch = %+v", d)
	}
	if d.CleanupEnabled() {
		t.Error("cleanup: false not honoured")
	}
	if cfg.Archive.PostgresDSN == "" {
		t.Error("archive dsn missing")
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("dispatch:\n  servers: [\"http://a:8000\"]\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.State.CleanupMaxAge() != 24*time.Hour {
		t.Errorf("cleanup max age = %s", cfg.State.CleanupMaxAge())
	}
	d := cfg.Dispatch
	if d.HealthCheckInterval != 60*time.Second || d.UploadTimeout != 30*time.Second ||
		d.StatusTimeout != 10*time.Second || d.MaxWait != 30*time.Minute ||
		d.PostSubmitDelay != 1500*time.Millisecond {
		t.Errorf("durations = %+v", d)
	}
	if d.NotFoundRetries != 15 || d.RetryBudget() != 3 || !d.CleanupEnabled() {
		t.Errorf("dispatch = %+v", d)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if cfg.Dispatch.RetryBudget() != config.DefaultMaxRetries {
		t.Errorf("defaults not applied: %+v", cfg.Dispatch)
	}
}

func TestLoadFromReader_DispatchLimits(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantDelay time.Duration
		wantRetry int
	}{
		{"zero retries kept", "dispatch:\n  max_retries: 0\n", 1500 * time.Millisecond, 0},
		{"short delay raised", "dispatch:\n  post_submit_delay: 100ms\n", 1500 * time.Millisecond, 3},
		{"long delay kept", "dispatch:\n  post_submit_delay: 3s\n  max_retries: 7\n", 3 * time.Second, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if got := cfg.Dispatch.PostSubmitDelay; got != tc.wantDelay {
				t.Errorf("post_submit_delay = %s, want %s", got, tc.wantDelay)
			}
			if got := cfg.Dispatch.RetryBudget(); got != tc.wantRetry {
				t.Errorf("retry budget = %d, want %d", got, tc.wantRetry)
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("dispatch:\n  serverz: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "bad urls",
			yaml: "dispatch:\n  servers: [\"\", \"ftp://x\", \"http://\"]\n",
			want: []string{"dispatch.servers[0]", "dispatch.servers[1]", "dispatch.servers[2]"},
		},
		{
			name: "duplicate server",
			yaml: "dispatch:\n  servers: [\"http://a\", \"http://a\"]\n",
			want: []string{"duplicate of dispatch.servers[0]"},
		},
		{
			name: "negatives",
			yaml: "state:\n  cleanup_max_age_hours: -1\ndispatch:\n  max_wait: -1s\n  max_retries: -2\n  not_found_retries: -1\n",
			want: []string{"state.cleanup_max_age_hours", "dispatch.max_wait", "dispatch.max_retries", "dispatch.not_found_retries"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcap.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in    config.LogLevel
		valid bool
		want  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"", false, slog.LevelInfo},
		{"verbose", false, slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.IsValid(); got != tc.valid {
			t.Errorf("%q.IsValid() = %v", tc.in, got)
		}
		if got := tc.in.SlogLevel(); got != tc.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tc.in, got, tc.want)
		}
	}
}
