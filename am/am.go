// Package am holds the agentpulse configuration ("I am").
//
// Values are read by Viper from TOML files and AGENTPULSE_* environment
// variables on top of the defaults in defaults.go.
package am

import "time"

// Config represents the agentpulse engine configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion" toml:"ingestion" json:"ingestion" yaml:"ingestion"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" toml:"dispatcher" json:"dispatcher" yaml:"dispatcher"`
	AgentQueue AgentQueueConfig `mapstructure:"agent_queue" toml:"agent_queue" json:"agent_queue" yaml:"agent_queue"`
	Agents     []AgentConfig    `mapstructure:"agents" toml:"agents,omitempty" json:"agents,omitempty" yaml:"agents,omitempty"`
}

// DatabaseConfig configures the SQLite ledger
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// IngestionConfig configures the stale data-source scan
type IngestionConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"`                            // How often the scan runs (default: 600)
	BatchSize             int `mapstructure:"batch_size" toml:"batch_size" json:"batch_size" yaml:"batch_size"`                                                    // Max Sync jobs created per tick (default: 2)
	StalenessDelaySeconds int `mapstructure:"staleness_delay_seconds" toml:"staleness_delay_seconds" json:"staleness_delay_seconds" yaml:"staleness_delay_seconds"` // Age of last sync that makes a source stale
	RetentionDays         int `mapstructure:"retention_days" toml:"retention_days" json:"retention_days" yaml:"retention_days"`                                    // Terminal jobs older than this are purged
}

// DispatcherConfig configures the data-source job dispatcher
type DispatcherConfig struct {
	IntervalSeconds        int     `mapstructure:"interval_seconds" toml:"interval_seconds" json:"interval_seconds" yaml:"interval_seconds"`
	MaxConcurrent          int     `mapstructure:"max_concurrent" toml:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`
	MaxMemoryPercent       float64 `mapstructure:"max_memory_percent" toml:"max_memory_percent" json:"max_memory_percent" yaml:"max_memory_percent"` // 0 disables the memory gate
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`

	// Commands maps a job kind (sync, remove, tag_sync) to the command line that performs it
	Commands map[string]string `mapstructure:"commands" toml:"commands,omitempty" json:"commands,omitempty" yaml:"commands,omitempty"`
}

// AgentQueueConfig configures the deferred agent job executor
type AgentQueueConfig struct {
	IdleIntervalSeconds int     `mapstructure:"idle_interval_seconds" toml:"idle_interval_seconds" json:"idle_interval_seconds" yaml:"idle_interval_seconds"`
	DefaultTTLSeconds   int     `mapstructure:"default_ttl_seconds" toml:"default_ttl_seconds" json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
	CallsPerSecond      float64 `mapstructure:"calls_per_second" toml:"calls_per_second" json:"calls_per_second" yaml:"calls_per_second"` // 0 = unlimited

	// HTTP agents
	HTTPTimeoutSeconds int  `mapstructure:"http_timeout_seconds" toml:"http_timeout_seconds" json:"http_timeout_seconds" yaml:"http_timeout_seconds"`
	AllowPrivateHosts  bool `mapstructure:"allow_private_hosts" toml:"allow_private_hosts" json:"allow_private_hosts" yaml:"allow_private_hosts"` // Permit agent URLs on loopback/private networks
}

// AgentConfig declares an agent the executor can run.
// Agents are a list rather than a table because Viper lowercases map keys.
type AgentConfig struct {
	Name    string `mapstructure:"name" toml:"name" json:"name" yaml:"name"`
	Type    string `mapstructure:"type" toml:"type,omitempty" json:"type,omitempty" yaml:"type,omitempty"` // default: command
	Command string `mapstructure:"command" toml:"command,omitempty" json:"command,omitempty" yaml:"command,omitempty"`
	URL     string `mapstructure:"url" toml:"url,omitempty" json:"url,omitempty" yaml:"url,omitempty"`
}

// AgentType returns the agent type, defaulting to command
func (a AgentConfig) AgentType() string {
	if a.Type == "" {
		return AgentTypeCommand
	}
	return a.Type
}

// Built-in agent types
const (
	AgentTypeCommand = "command" // external process, params on stdin
	AgentTypeHTTP    = "http"    // JSON POST to url
)

// Interval returns the scan period
func (c IngestionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StalenessDelay returns how old a last sync may be before the source is rescheduled
func (c IngestionConfig) StalenessDelay() time.Duration {
	return time.Duration(c.StalenessDelaySeconds) * time.Second
}

// Retention returns the max age of terminal data-source jobs
func (c IngestionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Interval returns the dispatcher poll period
func (c DispatcherConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ShutdownTimeout returns how long Stop waits for in-flight jobs
func (c DispatcherConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// IdleInterval returns the sleep between drain cycles
func (c AgentQueueConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalSeconds) * time.Second
}

// HTTPTimeout returns the per-call timeout for http agents
func (c AgentQueueConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// DefaultTTL returns the lifetime given to agent jobs enqueued without one
func (c AgentQueueConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
