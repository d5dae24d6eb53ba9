package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default values, shared by SetDefaults and tests
const (
	DefaultDatabasePath           = "agentpulse.db"
	DefaultIngestionInterval      = 600  // 10 minutes
	DefaultIngestionBatchSize     = 2    // bounds load spikes after downtime
	DefaultStalenessDelaySeconds  = 3600 // 1 hour
	DefaultRetentionDays          = 30
	DefaultDispatcherInterval     = 5
	DefaultMaxConcurrent          = 2
	DefaultMaxMemoryPercent       = 90.0
	DefaultShutdownTimeoutSeconds = 30
	DefaultIdleIntervalSeconds    = 2
	DefaultAgentTTLSeconds        = 3600
	DefaultHTTPTimeoutSeconds     = 60
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("ingestion.interval_seconds", DefaultIngestionInterval)
	v.SetDefault("ingestion.batch_size", DefaultIngestionBatchSize)
	v.SetDefault("ingestion.staleness_delay_seconds", DefaultStalenessDelaySeconds)
	v.SetDefault("ingestion.retention_days", DefaultRetentionDays)

	v.SetDefault("dispatcher.interval_seconds", DefaultDispatcherInterval)
	v.SetDefault("dispatcher.max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("dispatcher.max_memory_percent", DefaultMaxMemoryPercent)
	v.SetDefault("dispatcher.shutdown_timeout_seconds", DefaultShutdownTimeoutSeconds)

	v.SetDefault("agent_queue.idle_interval_seconds", DefaultIdleIntervalSeconds)
	v.SetDefault("agent_queue.default_ttl_seconds", DefaultAgentTTLSeconds)
	v.SetDefault("agent_queue.calls_per_second", 0.0)
	v.SetDefault("agent_queue.http_timeout_seconds", DefaultHTTPTimeoutSeconds)
	v.SetDefault("agent_queue.allow_private_hosts", false)
}

// BindEnvVars binds the settings operators most often override per deployment
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "AGENTPULSE_DATABASE_PATH")
	_ = v.BindEnv("dispatcher.max_concurrent", "AGENTPULSE_DISPATCHER_MAX_CONCURRENT")
}

// DefaultConfig returns a Config populated only from defaults
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always unmarshal
		panic(err)
	}
	return cfg
}

// String returns a one-line summary of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Ingestion: every %ds batch %d, Dispatcher: every %ds cap %d, AgentQueue: ttl %ds}",
		c.Database.Path,
		c.Ingestion.IntervalSeconds, c.Ingestion.BatchSize,
		c.Dispatcher.IntervalSeconds, c.Dispatcher.MaxConcurrent,
		c.AgentQueue.DefaultTTLSeconds)
}
