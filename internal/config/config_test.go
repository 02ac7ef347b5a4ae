package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mlukyanov/tradecore/internal/types"
)

const validYAML = `
server:
  host: "0.0.0.0"
  port: 8080

broker:
  type: mt5
  host: "127.0.0.1"
  port: 18812
  login: 100200300
  password: "secret"
  server: "Demo-Server"

risk:
  monitor_interval_sec: 2
  rules:
    - type: MAX_DRAWDOWN
      severity: hard
      enabled: true
      params:
        max_drawdown: 0.2
    - type: MAX_SPREAD
      severity: soft
      enabled: true
      params:
        max_spread: 30

storage:
  driver: sqlite
  path: "/tmp/tradecore.db"

bus:
  addr: "127.0.0.1:6379"

gateway:
  host: "0.0.0.0"
  port: 8081

auth:
  issuer: "tradecore"
  audience: "tradecore-clients"
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.Type != "mt5" {
		t.Errorf("Broker.Type = %s, want mt5", cfg.Broker.Type)
	}
	if cfg.Broker.Login != 100200300 {
		t.Errorf("Broker.Login = %d, want 100200300", cfg.Broker.Login)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %s, want sqlite", cfg.Storage.Driver)
	}
	if len(cfg.Risk.Rules) != 2 {
		t.Fatalf("len(Risk.Rules) = %d, want 2", len(cfg.Risk.Rules))
	}
	if cfg.Risk.Rules[0].Type != "MAX_DRAWDOWN" {
		t.Errorf("Rules[0].Type = %s, want MAX_DRAWDOWN", cfg.Risk.Rules[0].Type)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.HeartbeatIntervalSec != 5 {
		t.Errorf("HeartbeatIntervalSec = %d, want 5", cfg.Broker.HeartbeatIntervalSec)
	}
	if cfg.Broker.ReconnectAttempts != 10 {
		t.Errorf("ReconnectAttempts = %d, want 10", cfg.Broker.ReconnectAttempts)
	}
	if cfg.Broker.ReconnectMultiplier != 2 {
		t.Errorf("ReconnectMultiplier = %f, want 2", cfg.Broker.ReconnectMultiplier)
	}
	if cfg.Broker.Deviation != 10 {
		t.Errorf("Deviation = %d, want 10", cfg.Broker.Deviation)
	}
	if cfg.Broker.Magic != 100001 {
		t.Errorf("Magic = %d, want 100001", cfg.Broker.Magic)
	}
	if cfg.Storage.MinConns != 2 || cfg.Storage.MaxConns != 20 {
		t.Errorf("pool = [%d, %d], want [2, 20]", cfg.Storage.MinConns, cfg.Storage.MaxConns)
	}
	if cfg.Storage.CommandTimeoutSec != 30 {
		t.Errorf("CommandTimeoutSec = %d, want 30", cfg.Storage.CommandTimeoutSec)
	}
	if cfg.Gateway.MaxConnectionsPerIP != 20 {
		t.Errorf("MaxConnectionsPerIP = %d, want 20", cfg.Gateway.MaxConnectionsPerIP)
	}
	if cfg.Gateway.MaxMessagesPerMinute != 600 {
		t.Errorf("MaxMessagesPerMinute = %d, want 600", cfg.Gateway.MaxMessagesPerMinute)
	}
	if cfg.Gateway.MaxSubscriptionsPerUser != 100 {
		t.Errorf("MaxSubscriptionsPerUser = %d, want 100", cfg.Gateway.MaxSubscriptionsPerUser)
	}
	if cfg.Gateway.HeartbeatCheckSec != 30 || cfg.Gateway.HeartbeatStaleSec != 90 {
		t.Errorf("heartbeat = (%d, %d), want (30, 90)", cfg.Gateway.HeartbeatCheckSec, cfg.Gateway.HeartbeatStaleSec)
	}
	if cfg.Gateway.RevalidateIntervalSec != 300 {
		t.Errorf("RevalidateIntervalSec = %d, want 300", cfg.Gateway.RevalidateIntervalSec)
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown broker type",
			yaml: `
broker:
  type: fix42
storage:
  driver: sqlite
  path: "/tmp/t.db"
`,
			wantErr: "broker.type 'fix42' is not supported",
		},
		{
			name: "mt5 without host",
			yaml: `
broker:
  type: mt5
  port: 18812
  login: 1
  server: "Demo"
storage:
  driver: sqlite
  path: "/tmp/t.db"
`,
			wantErr: "broker.host is required",
		},
		{
			name: "missing storage driver",
			yaml: `
broker:
  type: sim
`,
			wantErr: "storage.driver is required",
		},
		{
			name: "sqlite without path",
			yaml: `
broker:
  type: sim
storage:
  driver: sqlite
`,
			wantErr: "storage.path is required for sqlite",
		},
		{
			name: "postgres without dsn",
			yaml: `
broker:
  type: sim
storage:
  driver: postgres
`,
			wantErr: "storage.dsn is required for postgres",
		},
		{
			name: "bad rule severity",
			yaml: `
broker:
  type: sim
storage:
  driver: sqlite
  path: "/tmp/t.db"
risk:
  rules:
    - type: MAX_DRAWDOWN
      severity: fatal
      enabled: true
`,
			wantErr: "severity must be 'hard' or 'soft'",
		},
		{
			name: "telegram channel without token",
			yaml: `
broker:
  type: sim
storage:
  driver: sqlite
  path: "/tmp/t.db"
alerting:
  enabled: true
  channels:
    - type: telegram
`,
			wantErr: "telegram requires bot_token and chat_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Error("Expected error, got nil")
				return
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ToRiskRules(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	rules := cfg.ToRiskRules()
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}

	if rules[0].Type != types.RuleMaxDrawdown {
		t.Errorf("rules[0].Type = %s, want %s", rules[0].Type, types.RuleMaxDrawdown)
	}
	if rules[0].Severity != types.SeverityHard {
		t.Errorf("rules[0].Severity = %s, want hard", rules[0].Severity)
	}
	if v, ok := rules[0].Param("max_drawdown"); !ok || v != 0.2 {
		t.Errorf("rules[0].Param(max_drawdown) = (%v, %v), want (0.2, true)", v, ok)
	}
	if rules[1].Severity != types.SeveritySoft {
		t.Errorf("rules[1].Severity = %s, want soft", rules[1].Severity)
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.HeartbeatInterval().Seconds() != 5 {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval())
	}
	if cfg.RequestTimeout().Seconds() != 30 {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout())
	}
	if cfg.ReconnectDelay().Seconds() != 1 {
		t.Errorf("ReconnectDelay = %v, want 1s", cfg.ReconnectDelay())
	}
	if cfg.MonitorInterval().Seconds() != 2 {
		t.Errorf("MonitorInterval = %v, want 2s", cfg.MonitorInterval())
	}
	if cfg.HeartbeatCheck().Seconds() != 30 {
		t.Errorf("HeartbeatCheck = %v, want 30s", cfg.HeartbeatCheck())
	}
	if cfg.HeartbeatStale().Seconds() != 90 {
		t.Errorf("HeartbeatStale = %v, want 90s", cfg.HeartbeatStale())
	}
	if cfg.RevalidateInterval().Minutes() != 5 {
		t.Errorf("RevalidateInterval = %v, want 5m", cfg.RevalidateInterval())
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.Server != "Demo-Server" {
		t.Errorf("Broker.Server = %s, want Demo-Server", cfg.Broker.Server)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Setenv("TEST_MT5_PASSWORD", "hunter2")
	defer os.Unsetenv("TEST_MT5_PASSWORD")

	yaml := `
broker:
  type: mt5
  host: "127.0.0.1"
  port: 18812
  login: 7
  password: "${TEST_MT5_PASSWORD}"
  server: "Demo"
storage:
  driver: sqlite
  path: "/tmp/t.db"
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.Password != "hunter2" {
		t.Errorf("Password = %s, want hunter2", cfg.Broker.Password)
	}
}

func TestConfig_IsAlertEventEnabled(t *testing.T) {
	cfg := &Config{
		Alerting: AlertingConfig{
			Enabled: true,
			Events:  []string{"kill_switch", "reconnect"},
		},
	}

	if !cfg.IsAlertEventEnabled("kill_switch") {
		t.Error("kill_switch should be enabled")
	}
	if cfg.IsAlertEventEnabled("order_filled") {
		t.Error("order_filled should not be enabled")
	}

	cfg.Alerting.Events = nil
	if !cfg.IsAlertEventEnabled("anything") {
		t.Error("empty events list should enable all")
	}

	cfg.Alerting.Enabled = false
	if cfg.IsAlertEventEnabled("kill_switch") {
		t.Error("disabled alerting should gate all events")
	}
}
