// Package config provides configuration loading for wardend.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables. Sections cover the HTTP server, the durable
// store, orchestration limits, worker roles, complexity factor sets,
// and the out-of-band signal feed.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete wardend configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Assess       AssessConfig       `koanf:"assess"`
	Roles        RolesConfig        `koanf:"roles"`
	Provider     ProviderConfig     `koanf:"provider"`
	Executor     ExecutorConfig     `koanf:"executor"`
	Signals      SignalsConfig      `koanf:"signals"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds durable store configuration.
type StoreConfig struct {
	Path       string   `koanf:"path"`
	InMemory   bool     `koanf:"in_memory"`
	GCInterval Duration `koanf:"gc_interval"`
}

// OrchestratorConfig holds execution limits.
type OrchestratorConfig struct {
	MaxFanOut       int      `koanf:"max_fan_out"`
	StrategyTimeout Duration `koanf:"strategy_timeout"`
	EventCap        int      `koanf:"event_cap"`
	Raters          []RaterConfig `koanf:"raters"`
}

// RaterConfig names one consensus rater and its stance.
type RaterConfig struct {
	ID     string `koanf:"id"`
	Stance string `koanf:"stance"`
}

// AssessConfig holds per-domain complexity factor sets. Factor values
// still come from the caller at submission time; only the names are
// configured here.
type AssessConfig struct {
	FactorSets map[string][]string `koanf:"factor_sets"`
}

// RolesConfig holds worker role definitions. File, when set, points at
// a standalone roles YAML that is watched for changes at runtime.
type RolesConfig struct {
	File  string       `koanf:"file"`
	Roles []RoleConfig `koanf:"roles"`
}

// RoleConfig defines one worker role.
type RoleConfig struct {
	Name         string            `koanf:"name"`
	Domains      []string          `koanf:"domains"`
	Allow        []string          `koanf:"allow"`
	Deny         []string          `koanf:"deny"`
	Capabilities []string          `koanf:"capabilities"`
	Strategies   StrategiesConfig  `koanf:"strategies"`
	Atomic       bool              `koanf:"atomic"`
}

// StrategiesConfig names the enhancement strategies per tier.
type StrategiesConfig struct {
	Analysis    string `koanf:"analysis"`
	Investigate string `koanf:"investigate"`
	Consensus   string `koanf:"consensus"`
}

// ProviderConfig holds the enhancement strategy provider endpoint.
type ProviderConfig struct {
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// ExecutorConfig holds the worker executor endpoint.
type ExecutorConfig struct {
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// SignalsConfig holds the NATS feed for out-of-band breakdown signals.
type SignalsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Token   Secret `koanf:"token"`
}

// LoggingConfig holds the primitive logging knobs surfaced in the main
// config file. The logging package owns the full configuration shape.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("rate limit cannot be negative")
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		return errors.New("store path required unless in_memory is set")
	}

	if c.Orchestrator.MaxFanOut < 1 {
		return fmt.Errorf("max_fan_out must be >= 1, got %d", c.Orchestrator.MaxFanOut)
	}
	if c.Orchestrator.StrategyTimeout.Duration() <= 0 {
		return errors.New("strategy timeout must be positive")
	}

	seen := make(map[string]bool)
	for _, r := range c.Orchestrator.Raters {
		if r.ID == "" {
			return errors.New("rater id cannot be empty")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rater id %q", r.ID)
		}
		seen[r.ID] = true
		switch r.Stance {
		case "neutral", "adversarial":
		default:
			return fmt.Errorf("rater %q has unknown stance %q", r.ID, r.Stance)
		}
	}

	for _, role := range c.Roles.Roles {
		if role.Name == "" {
			return errors.New("role name cannot be empty")
		}
		if len(role.Domains) == 0 {
			return fmt.Errorf("role %q serves no domains", role.Name)
		}
	}

	if c.Signals.Enabled && c.Signals.URL == "" {
		return errors.New("signals url required when signals are enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9470
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 50
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 100
	}

	if cfg.Store.GCInterval == 0 {
		cfg.Store.GCInterval = Duration(5 * time.Minute)
	}

	if cfg.Orchestrator.MaxFanOut == 0 {
		cfg.Orchestrator.MaxFanOut = 4
	}
	if cfg.Orchestrator.StrategyTimeout == 0 {
		cfg.Orchestrator.StrategyTimeout = Duration(30 * time.Second)
	}
	if len(cfg.Orchestrator.Raters) == 0 {
		cfg.Orchestrator.Raters = []RaterConfig{
			{ID: "rater-neutral", Stance: "neutral"},
			{ID: "rater-adversarial", Stance: "adversarial"},
		}
	}

	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(30 * time.Second)
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = Duration(60 * time.Second)
	}

	if cfg.Signals.Subject == "" {
		cfg.Signals.Subject = "wardend.signals"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
