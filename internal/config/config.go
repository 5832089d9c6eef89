// Package config loads service configuration from the environment, an
// optional .env file, and an optional YAML settings file for provider
// endpoints.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "stagehand.db"

	envListenAddr      = "STAGEHAND_LISTEN_ADDR"
	envDBPath          = "STAGEHAND_DB_PATH"
	envLogLevel        = "STAGEHAND_LOG_LEVEL"
	envWorkRoot        = "STAGEHAND_WORK_ROOT"
	envDefaultProvider = "STAGEHAND_DEFAULT_PROVIDER"
	envRetainWorkspace = "STAGEHAND_RETAIN_WORKSPACE"
	envSettingsFile    = "STAGEHAND_SETTINGS"
)

// Duration decodes YAML values like "10s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Remote configures the remote provider's operations-service client. The
// provider is registered only when Endpoint is set.
type Remote struct {
	Endpoint             string   `yaml:"endpoint"`
	Token                string   `yaml:"token"`
	PollInterval         Duration `yaml:"poll_interval"`
	LogFlushInterval     Duration `yaml:"log_flush_interval"`
	MaxPreemptionRetries int      `yaml:"max_preemption_retries"`
}

// ObjectStore configures the object copier for object:// URIs. The copier
// is registered only when Endpoint is set.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// settings is the YAML settings-file shape. Endpoints and credentials live
// here; operational knobs stay in the environment.
type settings struct {
	Remote      Remote      `yaml:"remote"`
	ObjectStore ObjectStore `yaml:"object_store"`
}

// Config holds application configuration.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	WorkRoot        string
	DefaultProvider string
	RetainWorkspace bool

	Remote      Remote
	ObjectStore ObjectStore
}

// Load reads configuration with sensible defaults. A .env file in the
// working directory is applied first (without overriding real environment
// variables), then STAGEHAND_* variables, then the optional settings file.
func Load() (Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		WorkRoot:        filepath.Join(os.TempDir(), "stagehand"),
		DefaultProvider: "local",
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkRoot); v != "" {
		cfg.WorkRoot = v
	}
	if v := os.Getenv(envDefaultProvider); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv(envRetainWorkspace); v != "" {
		retain, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envRetainWorkspace, err)
		}
		cfg.RetainWorkspace = retain
	}

	if path := os.Getenv(envSettingsFile); path != "" {
		if err := cfg.loadSettings(path); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func (c *Config) loadSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var s settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	c.Remote = s.Remote
	c.ObjectStore = s.ObjectStore
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
