// Package config loads the engine configuration from YAML and applies
// documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dbsync/internal/adapter/mysqladapter"
	"dbsync/internal/cdc"
	"dbsync/internal/models"
	"dbsync/internal/syncer"
)

// Config is the full engine configuration.
type Config struct {
	Logging      LoggingConfig     `yaml:"logging"`
	NATS         NATSConfig        `yaml:"nats"`
	Recovery     RecoveryConfig    `yaml:"recovery"`
	Transactions TxnConfig         `yaml:"transactions"`
	Pool         PoolConfig        `yaml:"pool"`
	Endpoints    []EndpointConfig  `yaml:"endpoints"`
	CDC          []CDCSourceConfig `yaml:"cdc"`
	Syncs        []SyncConfig      `yaml:"syncs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NATSConfig struct {
	URL               string        `yaml:"url"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	DeadLetterSubject string        `yaml:"dead_letter_subject"`
	MaxReconnect      int           `yaml:"max_reconnect"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait"`
}

type RecoveryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelayBase    time.Duration `yaml:"retry_delay_base"`
	RetryDelayMax     time.Duration `yaml:"retry_delay_max"`
	MaxErrorsPerHour  int           `yaml:"max_errors_per_hour"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	DeadLetterEnabled bool          `yaml:"dead_letter_enabled"`
}

type TxnConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	HistoryLimit   int           `yaml:"history_limit"`
	LogPath        string        `yaml:"log_path"`
}

type PoolConfig struct {
	MinConnections    int           `yaml:"min_connections"`
	MaxConnections    int           `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// EndpointConfig names one database endpoint.
type EndpointConfig struct {
	ID    string              `yaml:"id"`
	Type  string              `yaml:"type"` // mysql, memory
	MySQL mysqladapter.Config `yaml:"mysql"`
}

// CDCSourceConfig configures one capture provider.
type CDCSourceConfig struct {
	Name              string              `yaml:"name"`
	Endpoint          string              `yaml:"endpoint"`
	IncludeTables     []string            `yaml:"include_tables"`
	ExcludeTables     []string            `yaml:"exclude_tables"`
	Operations        []models.EventType  `yaml:"operations"`
	BufferSize        int                 `yaml:"buffer_size"`
	PutTimeout        time.Duration       `yaml:"put_timeout"`
	HeartbeatInterval time.Duration       `yaml:"heartbeat_interval"`
	MonitorInterval   time.Duration       `yaml:"monitor_interval"`
	MaxLagSeconds     float64             `yaml:"max_lag_seconds"`
	Transform         cdc.TransformConfig `yaml:"transform"`
}

// ProviderConfig converts to the CDC runner configuration.
func (c CDCSourceConfig) ProviderConfig() cdc.ProviderConfig {
	return cdc.ProviderConfig{
		Name:              c.Name,
		IncludeTables:     c.IncludeTables,
		ExcludeTables:     c.ExcludeTables,
		Operations:        c.Operations,
		BufferSize:        c.BufferSize,
		PutTimeout:        c.PutTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		MonitorInterval:   c.MonitorInterval,
		MaxLagSeconds:     c.MaxLagSeconds,
		Transform:         c.Transform,
	}
}

// SyncConfig mirrors syncer.SyncConfig for the YAML surface.
type SyncConfig = syncer.SyncConfig

// LoadConfig reads the YAML configuration at path and applies
// defaults: batch_size=100, max_retries=3, retry_delay_base=1s,
// buffer_size=1000, connection_timeout=30s, heartbeat_interval=10s.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Recovery.MaxRetries == 0 {
		c.Recovery.MaxRetries = 3
	}
	if c.Recovery.RetryDelayBase == 0 {
		c.Recovery.RetryDelayBase = time.Second
	}
	if c.Recovery.RetryDelayMax == 0 {
		c.Recovery.RetryDelayMax = 5 * time.Minute
	}
	if c.Recovery.MaxErrorsPerHour == 0 {
		c.Recovery.MaxErrorsPerHour = 100
	}
	if c.Recovery.RetentionPeriod == 0 {
		c.Recovery.RetentionPeriod = 24 * time.Hour
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 10
	}
	if c.Pool.ConnectionTimeout == 0 {
		c.Pool.ConnectionTimeout = 30 * time.Second
	}
	for i := range c.CDC {
		if c.CDC[i].BufferSize == 0 {
			c.CDC[i].BufferSize = 1000
		}
		if c.CDC[i].HeartbeatInterval == 0 {
			c.CDC[i].HeartbeatInterval = 10 * time.Second
		}
	}
	for i := range c.Syncs {
		if c.Syncs[i].BatchSize == 0 {
			c.Syncs[i].BatchSize = 100
		}
	}
}

func (c *Config) validate() error {
	ids := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoint requires an id")
		}
		if ids[ep.ID] {
			return fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		ids[ep.ID] = true
		switch ep.Type {
		case "mysql", "memory":
		default:
			return fmt.Errorf("endpoint %s: unsupported type %q", ep.ID, ep.Type)
		}
	}
	for _, src := range c.CDC {
		if !ids[src.Endpoint] {
			return fmt.Errorf("cdc source %s references unknown endpoint %q", src.Name, src.Endpoint)
		}
	}
	for _, s := range c.Syncs {
		if !ids[s.SourceID] {
			return fmt.Errorf("sync %s references unknown source endpoint %q", s.Name, s.SourceID)
		}
		if !ids[s.TargetID] {
			return fmt.Errorf("sync %s references unknown target endpoint %q", s.Name, s.TargetID)
		}
	}
	return nil
}
