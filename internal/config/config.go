// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Broker    BrokerConfig            `yaml:"broker"`
	Signals   SignalsConfig           `yaml:"signals"`
	Tickers   map[string]TickerConfig `yaml:"tickers"`
	Execution ExecutionConfig         `yaml:"execution"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Journal   JournalConfig           `yaml:"journal"`
	Alerting  AlertingConfig          `yaml:"alerting"`
	Shutdown  ShutdownConfig          `yaml:"shutdown"`
}

// BrokerConfig holds broker connection settings.
type BrokerConfig struct {
	Type     string `yaml:"type"` // ibkr | paper
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int    `yaml:"client_id"`
	Account  string `yaml:"account"`
}

// SignalsConfig holds prediction API settings.
type SignalsConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// TickerConfig holds per-symbol trading settings.
type TickerConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	Allocation          float64 `yaml:"allocation"` // shares if <= 1000, dollars above
	ATRStopMultiplier   float64 `yaml:"atr_stop_multiplier"`
	ATRTargetMultiplier float64 `yaml:"atr_target_multiplier"`
	StopPct             float64 `yaml:"stop_pct"`   // fallback when ATR is cold
	TargetPct           float64 `yaml:"target_pct"` // fallback when ATR is cold
	CooldownMinutes     int     `yaml:"cooldown_minutes"`
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"`
	ScaleInProfitPct    float64 `yaml:"scale_in_profit_pct"` // zero disables scale-in
	ScaleInAllocation   float64 `yaml:"scale_in_allocation"`
	DoubleDownLossPct   float64 `yaml:"double_down_loss_pct"` // zero disables double-down
	DoubleDownAlloc     float64 `yaml:"double_down_allocation"`
}

// ExecutionConfig holds order handling settings.
type ExecutionConfig struct {
	ResizeRetries       int `yaml:"resize_retries"`
	ResizeRetryDelayMs  int `yaml:"resize_retry_delay_ms"`
	QuoteTimeoutSec     int `yaml:"quote_timeout_sec"`
	IndicatorRefreshSec int `yaml:"indicator_refresh_sec"`
	RateLimitPerSecond  int `yaml:"rate_limit_per_second"`
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// JournalConfig holds audit journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Broker validation
	switch c.Broker.Type {
	case "", "ibkr", "paper":
	default:
		errs = append(errs, fmt.Sprintf("broker.type '%s' must be 'ibkr' or 'paper'", c.Broker.Type))
	}
	if c.Broker.Type == "ibkr" {
		if c.Broker.Host == "" {
			errs = append(errs, "broker.host is required for ibkr")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			errs = append(errs, "broker.port must be a valid TCP port")
		}
	}

	// Signals validation
	if c.Signals.BaseURL == "" {
		errs = append(errs, "signals.base_url is required")
	}
	if c.Signals.PollIntervalSec < 0 {
		errs = append(errs, "signals.poll_interval_sec must not be negative")
	}

	// Ticker validation
	if len(c.Tickers) == 0 {
		errs = append(errs, "at least one ticker must be configured")
	}
	for symbol, tc := range c.Tickers {
		if symbol == "" {
			errs = append(errs, "ticker symbol must not be empty")
			continue
		}
		if tc.ConfidenceThreshold < 0 || tc.ConfidenceThreshold > 1 {
			errs = append(errs, fmt.Sprintf("tickers.%s.confidence_threshold must be between 0 and 1", symbol))
		}
		if tc.Allocation <= 0 {
			errs = append(errs, fmt.Sprintf("tickers.%s.allocation must be positive", symbol))
		}
		if tc.ATRStopMultiplier < 0 || tc.ATRTargetMultiplier < 0 {
			errs = append(errs, fmt.Sprintf("tickers.%s ATR multipliers must not be negative", symbol))
		}
		if tc.CooldownMinutes < 0 {
			errs = append(errs, fmt.Sprintf("tickers.%s.cooldown_minutes must not be negative", symbol))
		}
		if tc.ScaleInProfitPct > 0 && tc.ScaleInAllocation <= 0 {
			errs = append(errs, fmt.Sprintf("tickers.%s.scale_in_allocation is required when scale-in is enabled", symbol))
		}
		if tc.DoubleDownLossPct > 0 && tc.DoubleDownAlloc <= 0 {
			errs = append(errs, fmt.Sprintf("tickers.%s.double_down_allocation is required when double-down is enabled", symbol))
		}
	}

	// Execution defaults
	if c.Execution.ResizeRetries <= 0 {
		c.Execution.ResizeRetries = 3
	}
	if c.Execution.ResizeRetryDelayMs <= 0 {
		c.Execution.ResizeRetryDelayMs = 500
	}
	if c.Execution.QuoteTimeoutSec <= 0 {
		c.Execution.QuoteTimeoutSec = 3
	}
	if c.Execution.IndicatorRefreshSec <= 0 {
		c.Execution.IndicatorRefreshSec = 10
	}

	// Journal validation
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when journal is enabled")
	}

	// Alerting validation
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d] telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' must be 'telegram' or 'console'", i, ch.Type))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Symbols returns the configured ticker symbols.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Tickers))
	for sym := range c.Tickers {
		out = append(out, sym)
	}
	return out
}

// PollInterval returns the prediction poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.Signals.PollIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Signals.PollIntervalSec) * time.Second
}

// QuoteTimeout returns the snapshot quote timeout.
func (c *Config) QuoteTimeout() time.Duration {
	return time.Duration(c.Execution.QuoteTimeoutSec) * time.Second
}

// ResizeRetryDelay returns the delay between protective resize attempts.
func (c *Config) ResizeRetryDelay() time.Duration {
	return time.Duration(c.Execution.ResizeRetryDelayMs) * time.Millisecond
}

// IndicatorRefresh returns the indicator bar refresh interval.
func (c *Config) IndicatorRefresh() time.Duration {
	return time.Duration(c.Execution.IndicatorRefreshSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Shutdown.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// Cooldown returns the entry cooldown for a ticker.
func (tc TickerConfig) Cooldown() time.Duration {
	return time.Duration(tc.CooldownMinutes) * time.Minute
}

// AllocationDecimal returns the allocation as decimal.
func (tc TickerConfig) AllocationDecimal() decimal.Decimal {
	return decimal.NewFromFloat(tc.Allocation)
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
