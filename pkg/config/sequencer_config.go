// Copyright 2025 Certen Protocol
//
// Sequencer core configuration loader.
//
// Loads the rollup sequencer core's configuration from a YAML file with
// ${VAR_NAME} environment variable substitution, grounded on this repo's
// own anchor configuration loader: the same Duration wrapper type, the
// same substitution regex, and the same load-then-applyDefaults shape.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the rollup sequencer core.
type Config struct {
	Environment string `yaml:"environment"`

	ChainID string `yaml:"chain_id"`

	Bundle     BundleSettings     `yaml:"bundle"`
	DAReader   DAReaderSettings   `yaml:"da_reader"`
	Database   DatabaseSettings   `yaml:"database"`
	Store      StoreSettings      `yaml:"store"`
	Monitoring MonitoringSettings `yaml:"monitoring"`
}

// BundleSettings configures the sequencer-side bundle factory.
type BundleSettings struct {
	MaxBundleSize         int `yaml:"max_bundle_size"`
	FinishedQueueCapacity int `yaml:"finished_queue_capacity"`
}

// DAReaderSettings configures the data-availability ingest pipeline.
type DAReaderSettings struct {
	CometRPCAddr  string   `yaml:"comet_rpc_addr"`
	RollupID      string   `yaml:"rollup_id"`
	PollInterval  Duration `yaml:"poll_interval"`
	MaxInFlight   int      `yaml:"max_in_flight"`
	OutBufferSize int      `yaml:"out_buffer_size"`
}

// DatabaseSettings configures the Postgres connection backing the
// DA reader's height checkpoint.
type DatabaseSettings struct {
	URL            string   `yaml:"url"`
	MaxConnections int      `yaml:"max_connections"`
	MaxIdleTime    Duration `yaml:"max_idle_time"`
	Required       bool     `yaml:"required"`
}

// StoreSettings configures the cometbft-db backend behind the layered
// state delta.
type StoreSettings struct {
	Backend string `yaml:"backend"` // "memdb", "goleveldb", "badgerdb"
	DataDir string `yaml:"data_dir"`
}

// MonitoringSettings configures logging and the Prometheus endpoint.
type MonitoringSettings struct {
	Metrics MetricsSettings `yaml:"metrics"`
	Logging LoggingSettings `yaml:"logging"`
}

// MetricsSettings configures the Prometheus exposition endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingSettings configures the component loggers.
type LoggingSettings struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML unmarshaling as a human-readable
// string such as "2s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads and parses a Config from a YAML file, substituting
// ${VAR_NAME} references against the process environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bundle.MaxBundleSize == 0 {
		c.Bundle.MaxBundleSize = 256 * 1024
	}
	if c.Bundle.FinishedQueueCapacity == 0 {
		c.Bundle.FinishedQueueCapacity = 16
	}
	if c.DAReader.CometRPCAddr == "" {
		c.DAReader.CometRPCAddr = "http://localhost:26657"
	}
	if c.DAReader.PollInterval == 0 {
		c.DAReader.PollInterval = Duration(2 * time.Second)
	}
	if c.DAReader.MaxInFlight == 0 {
		c.DAReader.MaxInFlight = 8
	}
	if c.DAReader.OutBufferSize == 0 {
		c.DAReader.OutBufferSize = 64
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	if c.Database.MaxIdleTime == 0 {
		c.Database.MaxIdleTime = Duration(5 * time.Minute)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "goleveldb"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "./data"
	}
	if c.Monitoring.Metrics.Addr == "" {
		c.Monitoring.Metrics.Addr = "0.0.0.0:9090"
	}
	if c.Monitoring.Metrics.Path == "" {
		c.Monitoring.Metrics.Path = "/metrics"
	}
	if c.Monitoring.Logging.Level == "" {
		c.Monitoring.Logging.Level = "info"
	}
}

// Validate checks that required fields needed to start the sequencer
// core are present.
func (c *Config) Validate() error {
	var errs []string

	if c.ChainID == "" {
		errs = append(errs, "chain_id is required")
	}
	if c.DAReader.CometRPCAddr == "" {
		errs = append(errs, "da_reader.comet_rpc_addr is required")
	}
	if c.DAReader.RollupID == "" {
		errs = append(errs, "da_reader.rollup_id is required")
	}
	if c.Database.Required && c.Database.URL == "" {
		errs = append(errs, "database.url is required when database.required is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %v", errs)
	}
	return nil
}
