package taskflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EnvCheckpointing toggles the executor's native checkpointing. It must not
// be "true" while checkpoint stores are in use.
const EnvCheckpointing = "TASKFLOW_CHECKPOINTING"

const (
	EnvWorkers       = "TASKFLOW_WORKERS"
	EnvDisablePurge  = "TASKFLOW_DISABLE_PURGE"
	EnvExecutionsDir = "TASKFLOW_EXECUTIONS_DIR"
	EnvLogsDir       = "TASKFLOW_LOGS_DIR"
	EnvLogLevel      = "TASKFLOW_LOG_LEVEL"
	EnvLogFormat     = "TASKFLOW_LOG_FORMAT"
	EnvOTLPEndpoint  = "TASKFLOW_OTLP_ENDPOINT"
	EnvPostgresDSN   = "TASKFLOW_POSTGRES_DSN"
)

// Config holds process-level settings
type Config struct {
	Workers       int    `yaml:"workers"`
	DisablePurge  bool   `yaml:"disable_purge"`
	Checkpointing bool   `yaml:"checkpointing"`
	ExecutionsDir string `yaml:"executions_dir"`
	LogsDir       string `yaml:"logs_dir"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:   runtime.NumCPU(),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads a YAML config file over the defaults and then applies
// environment overrides. An empty path or a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read via lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkers); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	for name, dst := range map[string]*bool{
		EnvDisablePurge:  &c.DisablePurge,
		EnvCheckpointing: &c.Checkpointing,
	} {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
	}
	for name, dst := range map[string]*string{
		EnvExecutionsDir: &c.ExecutionsDir,
		EnvLogsDir:       &c.LogsDir,
		EnvLogLevel:      &c.LogLevel,
		EnvLogFormat:     &c.LogFormat,
		EnvOTLPEndpoint:  &c.OTLPEndpoint,
		EnvPostgresDSN:   &c.PostgresDSN,
	} {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	return nil
}

// Validate checks the configuration values
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// NativeCheckpointingEnabled reports whether checkpointing was switched on
// in the config or the environment.
func (c *Config) NativeCheckpointingEnabled() bool {
	return c.Checkpointing
}
