package am

import (
	"strings"

	"github.com/teranos/agentpulse/errors"
)

// Validate checks that the configuration is usable by the engine
func (c *Config) Validate() error {
	if c.Ingestion.IntervalSeconds <= 0 {
		return errors.Newf("ingestion.interval_seconds must be > 0, got %d", c.Ingestion.IntervalSeconds)
	}
	if c.Ingestion.BatchSize <= 0 {
		return errors.Newf("ingestion.batch_size must be > 0, got %d", c.Ingestion.BatchSize)
	}
	// Zero delay means every source is stale on every tick, which is allowed
	if c.Ingestion.StalenessDelaySeconds < 0 {
		return errors.Newf("ingestion.staleness_delay_seconds must be >= 0, got %d", c.Ingestion.StalenessDelaySeconds)
	}
	if c.Ingestion.RetentionDays <= 0 {
		return errors.Newf("ingestion.retention_days must be > 0, got %d", c.Ingestion.RetentionDays)
	}

	if c.Dispatcher.IntervalSeconds <= 0 {
		return errors.Newf("dispatcher.interval_seconds must be > 0, got %d", c.Dispatcher.IntervalSeconds)
	}
	if c.Dispatcher.MaxConcurrent <= 0 {
		return errors.Newf("dispatcher.max_concurrent must be > 0, got %d", c.Dispatcher.MaxConcurrent)
	}
	if c.Dispatcher.MaxMemoryPercent < 0 || c.Dispatcher.MaxMemoryPercent > 100 {
		return errors.Newf("dispatcher.max_memory_percent must be within [0, 100], got %f", c.Dispatcher.MaxMemoryPercent)
	}
	if c.Dispatcher.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("dispatcher.shutdown_timeout_seconds must be >= 0, got %d", c.Dispatcher.ShutdownTimeoutSeconds)
	}

	for kind, command := range c.Dispatcher.Commands {
		if strings.TrimSpace(command) == "" {
			return errors.Newf("dispatcher.commands.%s must not be empty", kind)
		}
	}

	if c.AgentQueue.IdleIntervalSeconds <= 0 {
		return errors.Newf("agent_queue.idle_interval_seconds must be > 0, got %d", c.AgentQueue.IdleIntervalSeconds)
	}
	if c.AgentQueue.DefaultTTLSeconds <= 0 {
		return errors.Newf("agent_queue.default_ttl_seconds must be > 0, got %d", c.AgentQueue.DefaultTTLSeconds)
	}
	if c.AgentQueue.CallsPerSecond < 0 {
		return errors.Newf("agent_queue.calls_per_second must be >= 0, got %f", c.AgentQueue.CallsPerSecond)
	}
	if c.AgentQueue.HTTPTimeoutSeconds <= 0 {
		return errors.Newf("agent_queue.http_timeout_seconds must be > 0, got %d", c.AgentQueue.HTTPTimeoutSeconds)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return errors.Newf("agents[%d].name is required", i)
		}
		if seen[a.Name] {
			return errors.Newf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		switch a.AgentType() {
		case AgentTypeCommand:
			if strings.TrimSpace(a.Command) == "" {
				return errors.Newf("agents[%d] (%s): command is required for type %q", i, a.Name, AgentTypeCommand)
			}
		case AgentTypeHTTP:
			if strings.TrimSpace(a.URL) == "" {
				return errors.Newf("agents[%d] (%s): url is required for type %q", i, a.Name, AgentTypeHTTP)
			}
		}
	}

	return nil
}
