// Package config loads the YAML configuration, fills defaults and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OpsDisabled turns off the ops HTTP listener when used as ops_addr.
const OpsDisabled = "off"

// Config is the whole configuration file.
type Config struct {
	Log                   Log               `yaml:"log"`
	Cookies               Cookies           `yaml:"cookies"`
	State                 State             `yaml:"state"`
	Snapshots             Snapshots         `yaml:"snapshots"`
	WebhookURL            string            `yaml:"webhook_url"`
	Schedule              string            `yaml:"schedule"` // Cron expression, overrides the poll interval
	OpsAddr               string            `yaml:"ops_addr"`
	Targets               []notifier.Target `yaml:"targets"`
	PollIntervalSeconds   int               `yaml:"poll_interval_seconds"`
	InterTargetDelayMS    int               `yaml:"inter_target_delay_ms"`
	CaptionMaxLength      int               `yaml:"caption_max_length"`
	RequestTimeoutSeconds int               `yaml:"request_timeout_seconds"`
	MinRequestSpacingMS   int               `yaml:"min_request_spacing_ms"`
	MaxBackoffSeconds     int               `yaml:"max_backoff_seconds"`
	NotifyOnFirstRun      bool              `yaml:"notify_on_first_run"`
}

// Cookies are the configured credential sources.
type Cookies struct {
	Raw       string               `yaml:"raw"`
	SessionID string               `yaml:"sessionid"`
	Entries   []credentials.Cookie `yaml:"entries"`
}

// State selects the state backend.
type State struct {
	Driver string `yaml:"driver"` // file, gcs or sqlite
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
}

// Snapshots configures diagnostic page snapshots.
type Snapshots struct {
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	MaxFiles int    `yaml:"max_files"`
	MaxBytes int    `yaml:"max_bytes"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Defaults returns the values used for any unset field.
func Defaults() Config {
	return Config{
		PollIntervalSeconds:   300,
		InterTargetDelayMS:    5000,
		CaptionMaxLength:      300,
		RequestTimeoutSeconds: 15,
		MinRequestSpacingMS:   1000,
		MaxBackoffSeconds:     3600,
		OpsAddr:               ":8080",
		State: State{
			Driver: "file",
			Path:   "./data/state.json",
			Object: "state.json",
		},
		Snapshots: Snapshots{
			Dir:      "./data/snapshots",
			MaxFiles: 20,
			MaxBytes: 256 << 10,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads path, applies environment overrides from getenv and validates
// the result. Invalid numeric values fall back to defaults with a warning.
func Load(path string, getenv func(string) string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, getenv, logger)
}

// Parse is Load without the file read.
func Parse(data []byte, getenv func(string) string, logger *slog.Logger) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	c.applyEnv(getenv)
	c.dropInvalid(logger)

	if err := mergo.Merge(&c, Defaults()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv("WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := getenv("STATE_BUCKET"); v != "" {
		c.State.Bucket = v
		if c.State.Driver == "" {
			c.State.Driver = "gcs"
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// dropInvalid zeroes out-of-range values so the merge replaces them with defaults.
func (c *Config) dropInvalid(logger *slog.Logger) {
	ints := []struct {
		v    *int
		name string
	}{
		{&c.PollIntervalSeconds, "poll_interval_seconds"},
		{&c.InterTargetDelayMS, "inter_target_delay_ms"},
		{&c.CaptionMaxLength, "caption_max_length"},
		{&c.RequestTimeoutSeconds, "request_timeout_seconds"},
		{&c.MinRequestSpacingMS, "min_request_spacing_ms"},
		{&c.MaxBackoffSeconds, "max_backoff_seconds"},
		{&c.Snapshots.MaxFiles, "snapshots.max_files"},
		{&c.Snapshots.MaxBytes, "snapshots.max_bytes"},
	}
	for _, f := range ints {
		if *f.v < 0 {
			logger.Warn("Invalid config value, using default", "key", f.name, "value", *f.v)
			*f.v = 0
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		logger.Warn("Invalid log level, using default", "key", "log.level", "value", c.Log.Level)
		c.Log.Level = ""
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		logger.Warn("Invalid log format, using default", "key", "log.format", "value", c.Log.Format)
		c.Log.Format = ""
	}
}

// Validate checks the merged configuration and normalizes target names.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		name := strings.TrimPrefix(strings.TrimSpace(c.Targets[i].Username), "@")
		if name == "" {
			return fmt.Errorf("targets[%d]: username is required", i)
		}
		if seen[name] {
			return fmt.Errorf("targets[%d]: duplicate username %q", i, name)
		}
		seen[name] = true
		c.Targets[i].Username = name

		if c.Targets[i].WebhookURL == "" && c.WebhookURL == "" {
			return fmt.Errorf("targets[%d] (%s): no webhook_url and no default webhook_url", i, name)
		}
	}

	switch c.State.Driver {
	case "file", "sqlite":
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for driver %q", c.State.Driver)
		}
	case "gcs":
		if c.State.Bucket == "" {
			return errors.New("state.bucket (or STATE_BUCKET) is required for driver \"gcs\"")
		}
	default:
		return fmt.Errorf("unsupported state driver: %s", c.State.Driver)
	}
	return nil
}

// CredentialSources assembles the credential tiers; IG_SESSIONID is the override.
func (c *Config) CredentialSources(getenv func(string) string) credentials.Sources {
	src := credentials.Sources{
		RawCookie: c.Cookies.Raw,
		Entries:   c.Cookies.Entries,
		SessionID: c.Cookies.SessionID,
	}
	if getenv != nil {
		src.Override = getenv("IG_SESSIONID")
	}
	return src
}

// PollInterval is the time between cycle starts.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// InterTargetDelay is the pause between consecutive targets.
func (c *Config) InterTargetDelay() time.Duration {
	return time.Duration(c.InterTargetDelayMS) * time.Millisecond
}

// RequestTimeout bounds each upstream request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// MinRequestSpacing is the minimum gap between upstream requests.
func (c *Config) MinRequestSpacing() time.Duration {
	return time.Duration(c.MinRequestSpacingMS) * time.Millisecond
}

// MaxBackoff caps how long a failing target sits out.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpsEnabled reports whether the ops listener should run.
func (c *Config) OpsEnabled() bool {
	return c.OpsAddr != OpsDisabled
}
