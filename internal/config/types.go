package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// DataDir is the root for all persisted scheduler state (job stores,
	// run logs, chat transcripts, project scopes).
	DataDir string `json:"data_dir"`

	Logging LoggingConfig `json:"logging"`

	// Agent points at the conversational engine that executes job turns.
	Agent AgentConfig `json:"agent"`

	// Telegram is optional; without a token, jobs requesting delivery fail
	// with a clear error instead of silently dropping output.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Audit   *AuditConfig   `json:"audit,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`

	// Scheduler tunables apply on hot reload without a restart.
	Scheduler *SchedulerConfig `json:"scheduler,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

type AgentConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AuditConfig controls the optional lifecycle audit trail.
//
// Example:
//
//	"audit": { "driver": "file", "path": "./data/audit.jsonl" }
type AuditConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// SchedulerConfig holds runtime tunables. Both are Go duration strings;
// empty keeps the built-in default (60s idle cap, 10m turn timeout).
type SchedulerConfig struct {
	MaxIdleDelay       string `json:"max_idle_delay,omitempty"`
	DefaultTurnTimeout string `json:"default_turn_timeout,omitempty"`
}

// Validate checks cross-field consistency. It is also the gate for hot
// reloads: a config that fails here is never committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if strings.TrimSpace(c.Agent.URL) == "" {
		return errors.New("agent.url is required")
	}
	if c.Telegram != nil && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when the telegram section is present")
	}
	if c.Audit != nil {
		switch strings.ToLower(strings.TrimSpace(c.Audit.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("audit.driver %q is not supported", c.Audit.Driver)
		}
		if _, err := ParseDurationField("audit.busy_timeout", c.Audit.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Metrics != nil && c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
	if c.Scheduler != nil {
		if _, err := ParseDurationField("scheduler.max_idle_delay", c.Scheduler.MaxIdleDelay); err != nil {
			return err
		}
		if _, err := ParseDurationField("scheduler.default_turn_timeout", c.Scheduler.DefaultTurnTimeout); err != nil {
			return err
		}
	}
	return nil
}

// SchedulerMaxIdleDelay returns the configured idle cap, zero when unset.
func (c *Config) SchedulerMaxIdleDelay() time.Duration {
	if c.Scheduler == nil {
		return 0
	}
	d, _ := ParseDurationField("scheduler.max_idle_delay", c.Scheduler.MaxIdleDelay)
	return d
}

// SchedulerTurnTimeout returns the configured default turn deadline, zero
// when unset.
func (c *Config) SchedulerTurnTimeout() time.Duration {
	if c.Scheduler == nil {
		return 0
	}
	d, _ := ParseDurationField("scheduler.default_turn_timeout", c.Scheduler.DefaultTurnTimeout)
	return d
}

// AuditBusyTimeout returns the parsed sqlite busy timeout, zero when unset.
func (c *Config) AuditBusyTimeout() time.Duration {
	if c.Audit == nil {
		return 0
	}
	d, err := ParseDurationField("audit.busy_timeout", c.Audit.BusyTimeout)
	if err != nil {
		return 0
	}
	return d
}
