// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mlukyanov/tradecore/internal/types"
)

// Config represents the full application configuration. Both binaries load
// the same file; each reads the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Risk     RiskConfig     `yaml:"risk"`
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig holds the order API settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

// BrokerConfig holds broker session settings.
type BrokerConfig struct {
	Type                 string  `yaml:"type"` // mt5, sim
	Host                 string  `yaml:"host"`
	Port                 int     `yaml:"port"`
	Login                int64   `yaml:"login"`
	Password             string  `yaml:"password"`
	Server               string  `yaml:"server"`
	HeartbeatIntervalSec int     `yaml:"heartbeat_interval_sec"`
	RequestTimeoutSec    int     `yaml:"request_timeout_sec"`
	ReconnectAttempts    int     `yaml:"reconnect_attempts"`
	ReconnectDelaySec    float64 `yaml:"reconnect_delay_sec"`
	ReconnectMultiplier  float64 `yaml:"reconnect_multiplier"`
	Deviation            int     `yaml:"deviation"`
	Magic                int64   `yaml:"magic"`
	RateLimitPerSecond   int     `yaml:"rate_limit_per_second"`
}

// RuleConfig declares a single risk rule.
type RuleConfig struct {
	Type     string         `yaml:"type"`
	Severity string         `yaml:"severity"` // hard, soft
	Enabled  bool           `yaml:"enabled"`
	Message  string         `yaml:"message"`
	Params   map[string]any `yaml:"params"`
}

// RiskConfig holds risk engine settings.
type RiskConfig struct {
	MonitorIntervalSec   float64      `yaml:"monitor_interval_sec"`
	KillSwitchRetries    int          `yaml:"kill_switch_retries"`
	ReconcileIntervalSec int          `yaml:"reconcile_interval_sec"`
	Rules                []RuleConfig `yaml:"rules"`
}

// StorageConfig holds the order repository settings.
type StorageConfig struct {
	Driver            string `yaml:"driver"` // postgres, sqlite
	DSN               string `yaml:"dsn"`    // for postgres
	Path              string `yaml:"path"`   // for sqlite
	MinConns          int    `yaml:"min_conns"`
	MaxConns          int    `yaml:"max_conns"`
	CommandTimeoutSec int    `yaml:"command_timeout_sec"`
}

// BusConfig holds the shared bus (redis) settings.
type BusConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// GatewayConfig holds the WebSocket fan-out settings.
type GatewayConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	InstanceID              string `yaml:"instance_id"`
	MaxConnectionsPerIP     int    `yaml:"max_connections_per_ip"`
	MaxMessagesPerMinute    int    `yaml:"max_messages_per_minute"`
	MaxSubscriptionsPerUser int    `yaml:"max_subscriptions_per_user"`
	HeartbeatCheckSec       int    `yaml:"heartbeat_check_sec"`
	HeartbeatStaleSec       int    `yaml:"heartbeat_stale_sec"`
	RevalidateIntervalSec   int    `yaml:"revalidate_interval_sec"`
}

// AuthConfig holds token issuing and verification settings.
type AuthConfig struct {
	PrivateKeyPath  string `yaml:"private_key_path"`
	PublicKeyPath   string `yaml:"public_key_path"`
	Issuer          string `yaml:"issuer"`
	Audience        string `yaml:"audience"`
	AccessTTLMin    int    `yaml:"access_ttl_min"`
	RefreshTTLHours int    `yaml:"refresh_ttl_hours"`
	MasterKey       string `yaml:"master_key"` // base64, 32 bytes decoded
}

// MetricsConfig holds metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled         bool            `yaml:"enabled"`
	DedupeWindowSec int             `yaml:"dedupe_window_sec"`
	Channels        []ChannelConfig `yaml:"channels"`
	Events          []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console, telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec               int  `yaml:"timeout_sec"`
	ClosePositionsOnShutdown bool `yaml:"close_positions_on_shutdown"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.HeartbeatIntervalSec <= 0 {
		c.Broker.HeartbeatIntervalSec = 5
	}
	if c.Broker.RequestTimeoutSec <= 0 {
		c.Broker.RequestTimeoutSec = 30
	}
	if c.Broker.ReconnectAttempts <= 0 {
		c.Broker.ReconnectAttempts = 10
	}
	if c.Broker.ReconnectDelaySec <= 0 {
		c.Broker.ReconnectDelaySec = 1
	}
	if c.Broker.ReconnectMultiplier <= 0 {
		c.Broker.ReconnectMultiplier = 2
	}
	if c.Broker.Deviation <= 0 {
		c.Broker.Deviation = 10
	}
	if c.Broker.Magic == 0 {
		c.Broker.Magic = 100001
	}
	if c.Broker.RateLimitPerSecond <= 0 {
		c.Broker.RateLimitPerSecond = 50
	}

	if c.Risk.MonitorIntervalSec <= 0 {
		c.Risk.MonitorIntervalSec = 2
	}
	if c.Risk.KillSwitchRetries <= 0 {
		c.Risk.KillSwitchRetries = 3
	}
	if c.Risk.ReconcileIntervalSec <= 0 {
		c.Risk.ReconcileIntervalSec = 60
	}

	if c.Storage.MinConns <= 0 {
		c.Storage.MinConns = 2
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 20
	}
	if c.Storage.CommandTimeoutSec <= 0 {
		c.Storage.CommandTimeoutSec = 30
	}

	if c.Bus.PoolSize <= 0 {
		c.Bus.PoolSize = 10
	}
	if c.Bus.MinIdleConns <= 0 {
		c.Bus.MinIdleConns = 2
	}

	if c.Gateway.MaxConnectionsPerIP <= 0 {
		c.Gateway.MaxConnectionsPerIP = 20
	}
	if c.Gateway.MaxMessagesPerMinute <= 0 {
		c.Gateway.MaxMessagesPerMinute = 600
	}
	if c.Gateway.MaxSubscriptionsPerUser <= 0 {
		c.Gateway.MaxSubscriptionsPerUser = 100
	}
	if c.Gateway.HeartbeatCheckSec <= 0 {
		c.Gateway.HeartbeatCheckSec = 30
	}
	if c.Gateway.HeartbeatStaleSec <= 0 {
		c.Gateway.HeartbeatStaleSec = 90
	}
	if c.Gateway.RevalidateIntervalSec <= 0 {
		c.Gateway.RevalidateIntervalSec = 300
	}

	if c.Auth.AccessTTLMin <= 0 {
		c.Auth.AccessTTLMin = 15
	}
	if c.Auth.RefreshTTLHours <= 0 {
		c.Auth.RefreshTTLHours = 24 * 7
	}

	if c.Alerting.DedupeWindowSec <= 0 {
		c.Alerting.DedupeWindowSec = 300
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Broker.Type {
	case "mt5":
		if c.Broker.Host == "" {
			errs = append(errs, "broker.host is required for mt5")
		}
		if c.Broker.Port <= 0 {
			errs = append(errs, "broker.port must be positive for mt5")
		}
		if c.Broker.Login <= 0 {
			errs = append(errs, "broker.login is required for mt5")
		}
		if c.Broker.Server == "" {
			errs = append(errs, "broker.server is required for mt5")
		}
	case "sim", "":
	default:
		errs = append(errs, fmt.Sprintf("broker.type '%s' is not supported", c.Broker.Type))
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for postgres")
		}
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, "storage.path is required for sqlite")
		}
	case "":
		errs = append(errs, "storage.driver is required")
	default:
		errs = append(errs, fmt.Sprintf("storage.driver '%s' is not supported", c.Storage.Driver))
	}

	if c.Storage.MinConns > c.Storage.MaxConns {
		errs = append(errs, "storage.min_conns must not exceed storage.max_conns")
	}

	for i, r := range c.Risk.Rules {
		if r.Type == "" {
			errs = append(errs, fmt.Sprintf("risk.rules[%d].type is required", i))
		}
		if r.Severity != string(types.SeverityHard) && r.Severity != string(types.SeveritySoft) {
			errs = append(errs, fmt.Sprintf("risk.rules[%d].severity must be 'hard' or 'soft'", i))
		}
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToRiskRules converts configured rules into their domain form.
func (c *Config) ToRiskRules() []types.RiskRule {
	rules := make([]types.RiskRule, 0, len(c.Risk.Rules))
	for i, r := range c.Risk.Rules {
		rules = append(rules, types.RiskRule{
			ID:       fmt.Sprintf("rule-%d", i),
			Type:     types.RuleType(r.Type),
			Params:   r.Params,
			Severity: types.RuleSeverity(r.Severity),
			Enabled:  r.Enabled,
			Message:  r.Message,
		})
	}
	return rules
}

// HeartbeatInterval returns the broker heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Broker.HeartbeatIntervalSec) * time.Second
}

// RequestTimeout returns the broker request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Broker.RequestTimeoutSec) * time.Second
}

// ReconnectDelay returns the base reconnect delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Broker.ReconnectDelaySec * float64(time.Second))
}

// MonitorInterval returns the position monitor cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Risk.MonitorIntervalSec * float64(time.Second))
}

// ReconcileInterval returns the order reconciler cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Risk.ReconcileIntervalSec) * time.Second
}

// CommandTimeout returns the repository command timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Storage.CommandTimeoutSec) * time.Second
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Auth.AccessTTLMin) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Auth.RefreshTTLHours) * time.Hour
}

// HeartbeatCheck returns the gateway heartbeat sweep cadence.
func (c *Config) HeartbeatCheck() time.Duration {
	return time.Duration(c.Gateway.HeartbeatCheckSec) * time.Second
}

// HeartbeatStale returns the age at which a silent connection is culled.
func (c *Config) HeartbeatStale() time.Duration {
	return time.Duration(c.Gateway.HeartbeatStaleSec) * time.Second
}

// RevalidateInterval returns the cadence of in-session token re-checks.
func (c *Config) RevalidateInterval() time.Duration {
	return time.Duration(c.Gateway.RevalidateIntervalSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// DedupeWindow returns the alert dedupe window.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.Alerting.DedupeWindowSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
