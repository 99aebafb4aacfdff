// Package config loads the orchestrator configuration: a YAML file with
// environment-variable overrides, plus the canonical on-disk layout.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/greenkeeper/internal/errors"
)

// Environment overrides. Values set in the process environment win over the
// YAML file.
const (
	EnvConfigPath    = "GREENKEEPER_CONFIG"
	EnvRoot          = "GREENKEEPER_ROOT"
	EnvRepo          = "GREENKEEPER_REPO"
	EnvBaseBranch    = "GREENKEEPER_BASE_BRANCH"
	EnvNATSURL       = "GREENKEEPER_NATS_URL"
	EnvNATSSubject   = "GREENKEEPER_NATS_SUBJECT"
	EnvMetricsListen = "GREENKEEPER_METRICS_LISTEN"
	EnvLogLevel      = "GREENKEEPER_LOG_LEVEL"
	EnvRunnerCommand = "GREENKEEPER_RUNNER_COMMAND"
)

// Config is the full orchestrator configuration.
type Config struct {
	Root      string          `yaml:"root"`
	Runner    RunnerConfig    `yaml:"runner"`
	GitHost   GitHostConfig   `yaml:"githost"`
	Intervals IntervalsConfig `yaml:"intervals"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RunnerConfig describes how to invoke the build collaborator.
type RunnerConfig struct {
	Command    []string `yaml:"command"`
	ReportPath string   `yaml:"report_path"`
	WorkDir    string   `yaml:"workdir"`
}

// GitHostConfig names the repository the merge train operates on.
type GitHostConfig struct {
	Repo       string `yaml:"repo"`
	BaseBranch string `yaml:"base_branch"`
}

// IntervalsConfig holds the serve-mode tick cadences as duration strings.
type IntervalsConfig struct {
	DaemonTick   string `yaml:"daemon_tick"`
	SentinelTick string `yaml:"sentinel_tick"`
	TrainTick    string `yaml:"train_tick"`
}

// NATSConfig configures optional event mirroring. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig configures the serve-mode observability listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Root: ".",
		Runner: RunnerConfig{
			ReportPath: "glow/forge/last_report.json",
		},
		GitHost: GitHostConfig{
			BaseBranch: "main",
		},
		Intervals: IntervalsConfig{
			DaemonTick:   "5m",
			SentinelTick: "10m",
			TrainTick:    "5m",
		},
		NATS: NATSConfig{
			Subject: "greenkeeper.events",
		},
		Metrics: MetricsConfig{
			Listen: ":9477",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, applying defaults for missing fields
// and environment overrides on top. A missing file yields the defaults; an
// unparsable file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to parse config file")
			}
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to read config file")
		}
	}
	applyEnv(&cfg)
	if cfg.Root == "" {
		cfg.Root = "."
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvRoot); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv(EnvRepo); v != "" {
		cfg.GitHost.Repo = v
	}
	if v := os.Getenv(EnvBaseBranch); v != "" {
		cfg.GitHost.BaseBranch = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(EnvNATSSubject); v != "" {
		cfg.NATS.Subject = v
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvRunnerCommand); v != "" {
		cfg.Runner.Command = strings.Fields(v)
	}
}

// DaemonTickInterval returns the parsed daemon cadence.
func (c Config) DaemonTickInterval() time.Duration {
	return parseInterval(c.Intervals.DaemonTick, 5*time.Minute)
}

// SentinelTickInterval returns the parsed sentinel cadence.
func (c Config) SentinelTickInterval() time.Duration {
	return parseInterval(c.Intervals.SentinelTick, 10*time.Minute)
}

// TrainTickInterval returns the parsed merge-train cadence.
func (c Config) TrainTickInterval() time.Duration {
	return parseInterval(c.Intervals.TrainTick, 5*time.Minute)
}

// SlogLevel maps the configured level name onto a slog level.
func (c Config) SlogLevel() string {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(c.Logging.Level)
	}
	return "info"
}

func parseInterval(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
