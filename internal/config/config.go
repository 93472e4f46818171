// Package config handles agentbatch configuration loading and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	History   HistoryConfig   `yaml:"history"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AgentConfig defines how the external agent CLI is invoked.
type AgentConfig struct {
	// Executable is the agent binary name resolved on the sanitized
	// PATH.
	Executable string `yaml:"executable"`
	// Model is the default model when a request does not name one.
	Model string `yaml:"model"`

	Timeout             time.Duration `yaml:"timeout"`
	ResearchTimeout     time.Duration `yaml:"research_timeout"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	ResearchSettleDelay time.Duration `yaml:"research_settle_delay"`
	TerminationGrace    time.Duration `yaml:"termination_grace"`

	// ResumeFailurePatterns extends the built-in set of error strings
	// treated as session invalidation. The agent's error vocabulary is
	// unversioned, so deployments can add what they observe.
	ResumeFailurePatterns []string `yaml:"resume_failure_patterns"`
}

// SessionsConfig bounds the per-project session store.
type SessionsConfig struct {
	MaxSessions       int `yaml:"max_sessions"`
	MaxResumeAttempts int `yaml:"max_resume_attempts"`
}

// LifecycleConfig tunes the process sweep.
type LifecycleConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
	MaxInactivity time.Duration `yaml:"max_inactivity"`
}

// HistoryConfig locates the invocation history database.
type HistoryConfig struct {
	Database string `yaml:"database"`
	Disabled bool   `yaml:"disabled"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Executable:          "claude",
			Model:               "sonnet",
			Timeout:             2 * time.Minute,
			ResearchTimeout:     10 * time.Minute,
			SettleDelay:         500 * time.Millisecond,
			ResearchSettleDelay: 2 * time.Second,
			TerminationGrace:    5 * time.Second,
		},
		Sessions: SessionsConfig{
			MaxSessions:       50,
			MaxResumeAttempts: 3,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval: 1 * time.Minute,
			MaxAge:        30 * time.Minute,
			MaxInactivity: 15 * time.Minute,
		},
		History: HistoryConfig{
			Database: filepath.Join(home, ".agentbatch", "history.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".agentbatch", "config.yaml")
}

// Load reads the config file at path, layering it over the defaults. An
// absent file yields the defaults; an unreadable or malformed file is
// an error. Empty path means DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values a partial config file left unset.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Agent.Executable == "" {
		c.Agent.Executable = def.Agent.Executable
	}
	if c.Agent.Model == "" {
		c.Agent.Model = def.Agent.Model
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = def.Agent.Timeout
	}
	if c.Agent.ResearchTimeout <= 0 {
		c.Agent.ResearchTimeout = def.Agent.ResearchTimeout
	}
	if c.Agent.SettleDelay <= 0 {
		c.Agent.SettleDelay = def.Agent.SettleDelay
	}
	if c.Agent.ResearchSettleDelay <= 0 {
		c.Agent.ResearchSettleDelay = def.Agent.ResearchSettleDelay
	}
	if c.Agent.TerminationGrace <= 0 {
		c.Agent.TerminationGrace = def.Agent.TerminationGrace
	}
	if c.Sessions.MaxSessions <= 0 {
		c.Sessions.MaxSessions = def.Sessions.MaxSessions
	}
	if c.Sessions.MaxResumeAttempts <= 0 {
		c.Sessions.MaxResumeAttempts = def.Sessions.MaxResumeAttempts
	}
	if c.Lifecycle.SweepInterval <= 0 {
		c.Lifecycle.SweepInterval = def.Lifecycle.SweepInterval
	}
	if c.Lifecycle.MaxAge <= 0 {
		c.Lifecycle.MaxAge = def.Lifecycle.MaxAge
	}
	if c.Lifecycle.MaxInactivity <= 0 {
		c.Lifecycle.MaxInactivity = def.Lifecycle.MaxInactivity
	}
	if c.History.Database == "" {
		c.History.Database = def.History.Database
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
