// Package config handles configuration management with validation. The
// loaded snapshot is immutable; its content hash (config_sha) is stamped
// onto every decision and audit row.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration snapshot.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Broker  BrokerConfig  `yaml:"broker"`
	Session SessionConfig `yaml:"session"`
	Risk    RiskConfig    `yaml:"risk"`
	Scan    ScanConfig    `yaml:"scan"`
	Leader  LeaderConfig  `yaml:"leader"`
	Limits  LimitsConfig  `yaml:"limits"`
	System  SystemConfig  `yaml:"system"`

	sha string
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Mode         string   `yaml:"mode"`          // PAPER or LIVE; process always boots PAPER
	Capital      float64  `yaml:"capital"`       // deployable capital in account currency
	Strategies   []string `yaml:"strategies"`    // enabled strategy names
	Symbols      []string `yaml:"symbols"`       // tradable universe
	DatabasePath string   `yaml:"database_path"` // sqlite file
	ListenAddr   string   `yaml:"listen_addr"`   // control plane address
}

// BrokerConfig contains broker connectivity settings.
type BrokerConfig struct {
	Name        string `yaml:"name"` // paper or kite
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"`
	TickWSURL   string `yaml:"tick_ws_url"`
	OrderWSURL  string `yaml:"order_ws_url"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

// SessionConfig pins the trading session windows to a timezone.
type SessionConfig struct {
	Timezone      string   `yaml:"timezone"`        // IANA name, e.g. Asia/Kolkata
	EntryOpen     string   `yaml:"entry_open"`      // HH:MM
	EntryClose    string   `yaml:"entry_close"`     // HH:MM, exit-only begins here
	SessionClose  string   `yaml:"session_close"`   // HH:MM, EOD flatten at this time
	PreOpenCron   string   `yaml:"pre_open_cron"`   // cron spec for instrument refresh
	Holidays      []string `yaml:"holidays"`        // YYYY-MM-DD
}

// RiskConfig contains risk gate parameters.
type RiskConfig struct {
	PerTradeRiskPct     float64 `yaml:"per_trade_risk_pct"`
	MaxPortfolioHeatPct float64 `yaml:"max_portfolio_heat_pct"`
	DailyLossStopPct    float64 `yaml:"daily_loss_stop_pct"`
	MaxSpreadMidPct     float64 `yaml:"max_spread_mid_pct"`
}

// ScanConfig contains scan supervisor parameters.
type ScanConfig struct {
	IntervalMs           int `yaml:"interval_ms"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// LeaderConfig contains leader lock backend settings.
type LeaderConfig struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
	LeaseSec int    `yaml:"lease_sec"`
}

// LimitsConfig contains broker throttle settings per endpoint class.
type LimitsConfig struct {
	OrdersPerSec   float64 `yaml:"orders_per_sec"`
	QuotesPerSec   float64 `yaml:"quotes_per_sec"`
	DataPerSec     float64 `yaml:"data_per_sec"`
	QueueHighWater int     `yaml:"queue_high_water"`
	// Burst reserved for the flatten path on the orders class.
	PriorityBurst int `yaml:"priority_burst"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion, validates it, and seals its content hash.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates raw YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// The hash covers the expanded snapshot so two deployments with the
	// same file but different env secrets get distinct shas.
	sum := sha256.Sum256([]byte(expanded))
	config.sha = hex.EncodeToString(sum[:])[:12]

	return &config, nil
}

// SHA returns the content hash of the loaded snapshot.
func (c *Config) SHA() string {
	return c.sha
}

// ScanInterval returns the scan tick interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalMs) * time.Millisecond
}

// BrokerTimeout returns the per-call broker timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutMs) * time.Millisecond
}

// LeaderLease returns the leader lock TTL.
func (c *Config) LeaderLease() time.Duration {
	return time.Duration(c.Leader.LeaseSec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.App.Mode == "" {
		c.App.Mode = "PAPER"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":7800"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "trader.db"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 1500
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Session.EntryOpen == "" {
		c.Session.EntryOpen = "09:15"
	}
	if c.Session.EntryClose == "" {
		c.Session.EntryClose = "15:20"
	}
	if c.Session.SessionClose == "" {
		c.Session.SessionClose = "15:25"
	}
	if c.Session.PreOpenCron == "" {
		c.Session.PreOpenCron = "0 9 * * 1-5"
	}
	if c.Scan.IntervalMs == 0 {
		c.Scan.IntervalMs = 5000
	}
	if c.Scan.MaxConsecutiveErrors == 0 {
		c.Scan.MaxConsecutiveErrors = 5
	}
	if c.Leader.Key == "" {
		c.Leader.Key = "intraday_trader:leader"
	}
	if c.Leader.LeaseSec == 0 {
		c.Leader.LeaseSec = 30
	}
	if c.Limits.OrdersPerSec == 0 {
		c.Limits.OrdersPerSec = 10
	}
	if c.Limits.QuotesPerSec == 0 {
		c.Limits.QuotesPerSec = 1
	}
	if c.Limits.DataPerSec == 0 {
		c.Limits.DataPerSec = 3
	}
	if c.Limits.QueueHighWater == 0 {
		c.Limits.QueueHighWater = 32
	}
	if c.Limits.PriorityBurst == 0 {
		c.Limits.PriorityBurst = 10
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Mode != "PAPER" && c.App.Mode != "LIVE" {
		errs = append(errs, ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be PAPER or LIVE"}.Error())
	}
	if c.App.Capital <= 0 {
		errs = append(errs, ValidationError{Field: "app.capital", Value: c.App.Capital, Message: "must be positive"}.Error())
	}
	if len(c.App.Symbols) == 0 {
		errs = append(errs, ValidationError{Field: "app.symbols", Message: "at least one symbol is required"}.Error())
	}
	if c.Broker.Name != "paper" && c.Broker.Name != "kite" {
		errs = append(errs, ValidationError{Field: "broker.name", Value: c.Broker.Name, Message: "must be one of: paper, kite"}.Error())
	}
	if c.Broker.Name == "kite" && (c.Broker.APIKey == "" || c.Broker.AccessToken == "") {
		errs = append(errs, ValidationError{Field: "broker.api_key", Message: "api_key and access_token are required for kite"}.Error())
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "session.timezone", Value: c.Session.Timezone, Message: "unknown timezone"}.Error())
	}
	for _, field := range []struct{ name, v string }{
		{"session.entry_open", c.Session.EntryOpen},
		{"session.entry_close", c.Session.EntryClose},
		{"session.session_close", c.Session.SessionClose},
	} {
		if _, err := time.Parse("15:04", field.v); err != nil {
			errs = append(errs, ValidationError{Field: field.name, Value: field.v, Message: "must be HH:MM"}.Error())
		}
	}
	for _, h := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, ValidationError{Field: "session.holidays", Value: h, Message: "must be YYYY-MM-DD"}.Error())
		}
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 5 {
		errs = append(errs, ValidationError{Field: "risk.per_trade_risk_pct", Value: c.Risk.PerTradeRiskPct, Message: "must be in (0, 5]"}.Error())
	}
	if c.Risk.MaxPortfolioHeatPct <= 0 || c.Risk.MaxPortfolioHeatPct > 20 {
		errs = append(errs, ValidationError{Field: "risk.max_portfolio_heat_pct", Value: c.Risk.MaxPortfolioHeatPct, Message: "must be in (0, 20]"}.Error())
	}
	if c.Risk.DailyLossStopPct <= 0 || c.Risk.DailyLossStopPct > 20 {
		errs = append(errs, ValidationError{Field: "risk.daily_loss_stop_pct", Value: c.Risk.DailyLossStopPct, Message: "must be in (0, 20]"}.Error())
	}
	if c.Risk.MaxSpreadMidPct <= 0 {
		errs = append(errs, ValidationError{Field: "risk.max_spread_mid_pct", Value: c.Risk.MaxSpreadMidPct, Message: "must be positive"}.Error())
	}
	if c.Scan.IntervalMs < 500 || c.Scan.IntervalMs > 60000 {
		errs = append(errs, ValidationError{Field: "scan.interval_ms", Value: c.Scan.IntervalMs, Message: "must be in [500, 60000]"}.Error())
	}
	if c.Leader.RedisURL == "" {
		errs = append(errs, ValidationError{Field: "leader.redis_url", Message: "redis_url is required"}.Error())
	}
	if c.Leader.LeaseSec < 5 || c.Leader.LeaseSec > 300 {
		errs = append(errs, ValidationError{Field: "leader.lease_sec", Value: c.Leader.LeaseSec, Message: "must be in [5, 300]"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// expandEnvVars replaces ${VAR} references in the YAML content.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
