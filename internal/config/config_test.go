package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBPath, envLogLevel, envWorkRoot,
		envDefaultProvider, envRetainWorkspace, envSettingsFile,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.DefaultProvider != "local" {
		t.Errorf("DefaultProvider = %q, want local", cfg.DefaultProvider)
	}
	if cfg.Remote.Endpoint != "" {
		t.Errorf("Remote.Endpoint = %q, want empty without settings", cfg.Remote.Endpoint)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envWorkRoot, "/srv/stagehand")
	t.Setenv(envDefaultProvider, "remote")
	t.Setenv(envRetainWorkspace, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.WorkRoot != "/srv/stagehand" {
		t.Errorf("WorkRoot = %q, want /srv/stagehand", cfg.WorkRoot)
	}
	if cfg.DefaultProvider != "remote" {
		t.Errorf("DefaultProvider = %q, want remote", cfg.DefaultProvider)
	}
	if !cfg.RetainWorkspace {
		t.Error("RetainWorkspace = false, want true")
	}
}

func TestLoadBadRetainFlag(t *testing.T) {
	clearEnv(t)
	t.Setenv(envRetainWorkspace, "yes-please")

	if _, err := Load(); err == nil {
		t.Error("Load succeeded with unparseable boolean")
	}
}

func TestLoadSettingsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
remote:
  endpoint: https://batch.internal:8443
  token: s3cret
  poll_interval: 10s
  max_preemption_retries: 3
object_store:
  endpoint: minio.internal:9000
  access_key: ak
  secret_key: sk
  use_ssl: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv(envSettingsFile, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.Endpoint != "https://batch.internal:8443" {
		t.Errorf("Remote.Endpoint = %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.PollInterval.Std() != 10*time.Second {
		t.Errorf("Remote.PollInterval = %v, want 10s", cfg.Remote.PollInterval)
	}
	if cfg.Remote.MaxPreemptionRetries != 3 {
		t.Errorf("Remote.MaxPreemptionRetries = %d, want 3", cfg.Remote.MaxPreemptionRetries)
	}
	if cfg.ObjectStore.Endpoint != "minio.internal:9000" {
		t.Errorf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Error("ObjectStore.UseSSL = false, want true")
	}
}

func TestLoadMissingSettingsFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envSettingsFile, filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := Load(); err == nil {
		t.Error("Load succeeded with missing settings file")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Info("hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}
}
