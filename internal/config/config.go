package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Target drivers.
const (
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

// Load methods.
const (
	LoadAppend    = "append"
	LoadUpsert    = "upsert"
	LoadOverwrite = "overwrite"
)

type Config struct {
	Target    TargetConfig            `mapstructure:"target"`
	Pipeline  PipelineConfig          `mapstructure:"pipeline"`
	Typing    TypingConfig            `mapstructure:"typing"`
	Streams   map[string]StreamConfig `mapstructure:"streams"`
	Retry     RetryConfig             `mapstructure:"retry"`
	State     StateConfig             `mapstructure:"state"`
	Telemetry TelemetryConfig         `mapstructure:"telemetry"`
}

type TargetConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PipelineConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	WorkerCount  int           `mapstructure:"worker_count"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	LoadMethod   string        `mapstructure:"load_method"`
	// Strict makes unknown message types and undeclared record fields fatal
	// instead of tolerated.
	Strict bool `mapstructure:"strict"`
	// AbortOnMismatch escalates strict-mode schema mismatches from
	// skip-and-log to a stream abort.
	AbortOnMismatch bool `mapstructure:"abort_on_mismatch"`
}

type TypingConfig struct {
	EnableHeuristics bool              `mapstructure:"enable_heuristics"`
	TextMaxLength    int               `mapstructure:"text_max_length"`
	Overrides        map[string]string `mapstructure:"overrides"`
}

type StreamConfig struct {
	// KeyProperties overrides the key_properties of the SCHEMA message.
	KeyProperties []string `mapstructure:"key_properties"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type StateConfig struct {
	// RedisMirror optionally mirrors every emitted checkpoint to a redis key
	// for out-of-band monitoring. Empty disables the mirror.
	RedisMirror string `mapstructure:"redis_mirror"`
}

type TelemetryConfig struct {
	Address string `mapstructure:"address"`
}

// ConfigurationError is fatal at validation time, before any flush runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STREAMSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("target.driver", DriverPostgres)
	v.SetDefault("pipeline.batch_size", 5000)
	v.SetDefault("pipeline.worker_count", 4)
	v.SetDefault("pipeline.flush_timeout", 30*time.Second)
	v.SetDefault("pipeline.load_method", LoadAppend)
	v.SetDefault("typing.enable_heuristics", false)
	v.SetDefault("typing.text_max_length", 4000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", 250*time.Millisecond)
	v.SetDefault("telemetry.address", ":9090")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 5000
	}
	if c.Pipeline.WorkerCount == 0 {
		c.Pipeline.WorkerCount = 4
	}
	if c.Pipeline.FlushTimeout == 0 {
		c.Pipeline.FlushTimeout = 30 * time.Second
	}
	if c.Pipeline.LoadMethod == "" {
		c.Pipeline.LoadMethod = LoadAppend
	}
	// Accept the Singer-conventional spelling.
	if c.Pipeline.LoadMethod == "append-only" {
		c.Pipeline.LoadMethod = LoadAppend
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = 250 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	switch c.Target.Driver {
	case DriverPostgres, DriverSQLite, DriverClickHouse:
	default:
		return &ConfigurationError{Field: "target.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Target.Driver)}
	}
	if c.Target.DSN == "" {
		return &ConfigurationError{Field: "target.dsn", Reason: "is required"}
	}
	switch c.Pipeline.LoadMethod {
	case LoadAppend, LoadUpsert, LoadOverwrite:
	default:
		return &ConfigurationError{Field: "pipeline.load_method", Reason: fmt.Sprintf("must be one of %s, %s, %s", LoadAppend, LoadUpsert, LoadOverwrite)}
	}
	if c.Pipeline.LoadMethod == LoadUpsert && c.Target.Driver == DriverClickHouse {
		return &ConfigurationError{Field: "pipeline.load_method", Reason: "upsert is not supported by the clickhouse driver"}
	}
	if c.Pipeline.BatchSize <= 0 {
		return &ConfigurationError{Field: "pipeline.batch_size", Reason: "must be positive"}
	}
	if c.Pipeline.WorkerCount <= 0 {
		return &ConfigurationError{Field: "pipeline.worker_count", Reason: "must be positive"}
	}
	if c.Retry.MaxAttempts <= 0 {
		return &ConfigurationError{Field: "retry.max_attempts", Reason: "must be positive"}
	}
	return nil
}

// StreamKeyOverride returns the configured key properties for a stream, or
// nil when the SCHEMA message's keys should be used.
func (c *Config) StreamKeyOverride(stream string) []string {
	if sc, ok := c.Streams[stream]; ok && len(sc.KeyProperties) > 0 {
		return sc.KeyProperties
	}
	return nil
}
