// Package config loads and watches the arcusgw configuration file.
//
// The rest of the system treats a *Config as an immutable snapshot: hot
// reloads parse a fresh Config and swap the snapshot pointer atomically,
// they never mutate fields in place.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arcuslabs/arcusgw/internal/logging"
)

// Config is the root configuration
type Config struct {
	Gateway   GatewayConfig            `toml:"gateway"`
	Session   SessionConfig            `toml:"session"`
	Access    AccessConfig             `toml:"access"`
	Pairing   PairingConfig            `toml:"pairing"`
	Trust     TrustConfig              `toml:"trust"`
	Store     StoreConfig              `toml:"store"`
	Upstream  UpstreamConfig           `toml:"upstream"`
	Heartbeat HeartbeatConfig          `toml:"heartbeat"`
	Channels  map[string]ChannelConfig `toml:"channels"`
	Logging   LoggingConfig            `toml:"logging"`
}

type GatewayConfig struct {
	// Maximum concurrently executing message handlers across all sessions
	Concurrency int `toml:"concurrency"`

	// Token budget for retrieved memory per generation request
	ContextBudgetTokens int `toml:"context_budget_tokens"`

	// Composite-score weights for the budget allocator
	RelevanceWeight float64 `toml:"relevance_weight"`
	RecencyWeight   float64 `toml:"recency_weight"`
	CostWeight      float64 `toml:"cost_weight"`

	// Collaborator timeouts
	RecallTimeoutSeconds   int `toml:"recall_timeout_seconds"`
	GenerateTimeoutSeconds int `toml:"generate_timeout_seconds"`

	// How many memory candidates to request from the knowledge store
	RecallLimit int `toml:"recall_limit"`
}

func (g GatewayConfig) RecallTimeout() time.Duration {
	return time.Duration(g.RecallTimeoutSeconds) * time.Second
}

func (g GatewayConfig) GenerateTimeout() time.Duration {
	return time.Duration(g.GenerateTimeoutSeconds) * time.Second
}

type SessionConfig struct {
	// Scope selects session continuity: "unified", "per-peer", or
	// "per-channel-peer"
	Scope string `toml:"scope"`

	// Reset policy: "idle-timeout" or "daily-at-hour"
	Reset              string `toml:"reset"`
	IdleTimeoutMinutes int    `toml:"idle_timeout_minutes"`
	DailyResetHour     int    `toml:"daily_reset_hour"`

	// History is bounded; oldest turns fall off
	MaxHistoryTurns int `toml:"max_history_turns"`
}

// AccessRule sets the policy mode for one (channel, chat kind) pair
type AccessRule struct {
	Channel string   `toml:"channel"`
	Kind    string   `toml:"kind"` // "direct" or "group"
	Mode    string   `toml:"mode"` // open | allowlist | pairing | disabled
	Allow   []string `toml:"allow"`
}

type AccessConfig struct {
	// Mode used when no rule matches
	DefaultMode string       `toml:"default_mode"`
	Rules       []AccessRule `toml:"rules"`
}

type PairingConfig struct {
	CodeLength     int `toml:"code_length"`
	TTLMinutes     int `toml:"ttl_minutes"`
	RetentionHours int `toml:"retention_hours"`
}

func (p PairingConfig) TTL() time.Duration {
	return time.Duration(p.TTLMinutes) * time.Minute
}

func (p PairingConfig) Retention() time.Duration {
	return time.Duration(p.RetentionHours) * time.Hour
}

type TrustConfig struct {
	// Minimum level (0..4) required per action category. Categories not
	// listed are denied outright.
	Required map[string]int `toml:"required"`

	// Minimum level an approver needs to approve pairing codes
	ApproverMinLevel int `toml:"approver_min_level"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// UpstreamConfig points at the agent runtime that recalls memory and
// generates replies. The gateway treats it as a black box over HTTP.
type UpstreamConfig struct {
	BaseURL   string `toml:"base_url"`
	AuthToken string `toml:"auth_token,omitempty"`
}

type HeartbeatConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // cron expression
	Prompt   string `toml:"prompt"`
	Channel  string `toml:"channel"` // channel tag for the synthetic message
	ChatID   string `toml:"chat_id"`
}

type ChannelConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token,omitempty"`
	Listen   string `toml:"listen,omitempty"`

	// Maximum outbound message length; 0 means unlimited. Longer
	// replies are chunked by the dispatcher.
	MaxMessageLen int `toml:"max_message_len"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // trace|debug|info|warn|error
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Concurrency:            8,
			ContextBudgetTokens:    2000,
			RelevanceWeight:        0.5,
			RecencyWeight:          0.3,
			CostWeight:             0.2,
			RecallTimeoutSeconds:   10,
			GenerateTimeoutSeconds: 60,
			RecallLimit:            32,
		},
		Session: SessionConfig{
			Scope:              "per-channel-peer",
			Reset:              "idle-timeout",
			IdleTimeoutMinutes: 360,
			DailyResetHour:     4,
			MaxHistoryTurns:    200,
		},
		Access: AccessConfig{
			DefaultMode: "pairing",
		},
		Pairing: PairingConfig{
			CodeLength:     6,
			TTLMinutes:     60,
			RetentionHours: 24,
		},
		Trust: TrustConfig{
			Required: map[string]int{
				"read":        1,
				"schedule":    1,
				"write":       2,
				"communicate": 2,
				"execute":     3,
				"financial":   4,
				"system":      4,
			},
			ApproverMinLevel: 3,
		},
		Store: StoreConfig{
			Path: "arcusgw.db",
		},
		Upstream: UpstreamConfig{
			BaseURL: "http://127.0.0.1:8600",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  false,
			Schedule: "@hourly",
		},
		Channels: map[string]ChannelConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, applying defaults for anything
// unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants
func (c *Config) Validate() error {
	switch c.Session.Scope {
	case "unified", "per-peer", "per-channel-peer":
	default:
		return fmt.Errorf("invalid session scope %q", c.Session.Scope)
	}

	switch c.Session.Reset {
	case "idle-timeout", "daily-at-hour":
	default:
		return fmt.Errorf("invalid session reset policy %q", c.Session.Reset)
	}

	if c.Session.DailyResetHour < 0 || c.Session.DailyResetHour > 23 {
		return fmt.Errorf("daily_reset_hour must be 0..23, got %d", c.Session.DailyResetHour)
	}

	if c.Gateway.Concurrency < 1 {
		return fmt.Errorf("gateway concurrency must be >= 1")
	}

	if c.Gateway.ContextBudgetTokens < 0 {
		return fmt.Errorf("context_budget_tokens must be >= 0")
	}

	for _, r := range c.Access.Rules {
		switch r.Mode {
		case "open", "allowlist", "pairing", "disabled":
		default:
			return fmt.Errorf("invalid access mode %q for channel %s", r.Mode, r.Channel)
		}
		switch r.Kind {
		case "direct", "group":
		default:
			return fmt.Errorf("invalid chat kind %q for channel %s", r.Kind, r.Channel)
		}
	}

	if c.Pairing.CodeLength < 4 {
		return fmt.Errorf("pairing code_length must be >= 4")
	}

	for cat, lvl := range c.Trust.Required {
		if lvl < 0 || lvl > 4 {
			return fmt.Errorf("trust level for %q must be 0..4, got %d", cat, lvl)
		}
	}

	return nil
}

// LogLevel maps the configured level name to a logging package level
func (c *Config) LogLevel() int {
	switch c.Logging.Level {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
