// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Binance BinanceConfig `yaml:"binance"`
	Trading TradingConfig `yaml:"trading"`
	Feed    FeedConfig    `yaml:"feed"`
	Server  ServerConfig  `yaml:"server"`
	Timing  TimingConfig  `yaml:"timing"`
	System  SystemConfig  `yaml:"system"`
}

// BinanceConfig contains exchange credentials. Keys may be empty, in which
// case only the simulated path is available.
type BinanceConfig struct {
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
}

// Configured reports whether real-order credentials are present
func (b BinanceConfig) Configured() bool {
	return b.APIKey != "" && b.SecretKey != ""
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	Symbol           string  `yaml:"symbol"`
	QuoteAsset       string  `yaml:"quote_asset"`
	InitialEquity    float64 `yaml:"initial_equity"`
	InitialMarginPct float64 `yaml:"initial_margin_pct"`
	Leverage         int     `yaml:"leverage"`
	MinQuantity      float64 `yaml:"min_quantity"`
	MinNotional      float64 `yaml:"min_notional"`
	QuantityDecimals int     `yaml:"quantity_decimals"`
}

// FeedConfig contains market-data stream settings
type FeedConfig struct {
	WSBase string `yaml:"ws_base"`
	Stream string `yaml:"stream"`
}

// ServerConfig contains HTTP/WebSocket server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// TimingConfig contains timing-related settings (seconds)
type TimingConfig struct {
	FeedReconnectDelay    int `yaml:"feed_reconnect_delay"`
	EquityPollInterval    int `yaml:"equity_poll_interval"`
	ExchangeCallTimeout   int `yaml:"exchange_call_timeout"`
	WebsocketWriteWait    int `yaml:"websocket_write_wait"`
	WebsocketPingInterval int `yaml:"websocket_ping_interval"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Trading.Symbol == "" {
		c.Trading.Symbol = "BTCUSDT"
	}
	if c.Trading.QuoteAsset == "" {
		c.Trading.QuoteAsset = "USDT"
	}
	if c.Trading.InitialEquity == 0 {
		c.Trading.InitialEquity = 10000
	}
	if c.Trading.InitialMarginPct == 0 {
		c.Trading.InitialMarginPct = 10
	}
	if c.Trading.Leverage < 1 {
		c.Trading.Leverage = 1
	}
	if c.Trading.MinQuantity == 0 {
		c.Trading.MinQuantity = 0.01
	}
	if c.Trading.MinNotional == 0 {
		c.Trading.MinNotional = 17
	}
	if c.Trading.QuantityDecimals == 0 {
		c.Trading.QuantityDecimals = 3
	}
	if c.Feed.WSBase == "" {
		c.Feed.WSBase = "wss://stream.binance.com:9443/ws"
	}
	if c.Feed.Stream == "" {
		c.Feed.Stream = strings.ToLower(c.Trading.Symbol) + "@trade"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "web"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Timing.FeedReconnectDelay == 0 {
		c.Timing.FeedReconnectDelay = 3
	}
	if c.Timing.EquityPollInterval == 0 {
		c.Timing.EquityPollInterval = 5
	}
	if c.Timing.ExchangeCallTimeout == 0 {
		c.Timing.ExchangeCallTimeout = 15
	}
	if c.Timing.WebsocketWriteWait == 0 {
		c.Timing.WebsocketWriteWait = 10
	}
	if c.Timing.WebsocketPingInterval == 0 {
		c.Timing.WebsocketPingInterval = 54
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateTradingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimingConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.Symbol == "" {
		return ValidationError{
			Field:   "trading.symbol",
			Message: "trading symbol is required",
		}
	}
	if c.Trading.InitialEquity < 0 {
		return ValidationError{
			Field:   "trading.initial_equity",
			Value:   c.Trading.InitialEquity,
			Message: "initial equity must not be negative",
		}
	}
	if c.Trading.InitialMarginPct < 0 || c.Trading.InitialMarginPct > 100 {
		return ValidationError{
			Field:   "trading.initial_margin_pct",
			Value:   c.Trading.InitialMarginPct,
			Message: "margin percent must be between 0 and 100",
		}
	}
	if c.Trading.MinQuantity <= 0 {
		return ValidationError{
			Field:   "trading.min_quantity",
			Value:   c.Trading.MinQuantity,
			Message: "minimum quantity must be positive",
		}
	}
	if c.Trading.MinNotional <= 0 {
		return ValidationError{
			Field:   "trading.min_notional",
			Value:   c.Trading.MinNotional,
			Message: "minimum notional must be positive",
		}
	}
	if c.Trading.QuantityDecimals < 0 || c.Trading.QuantityDecimals > 8 {
		return ValidationError{
			Field:   "trading.quantity_decimals",
			Value:   c.Trading.QuantityDecimals,
			Message: "quantity decimals must be between 0 and 8",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	level := strings.ToUpper(c.System.LogLevel)
	for _, v := range validLevels {
		if level == v {
			return nil
		}
	}
	return ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
	}
}

func (c *Config) validateTimingConfig() error {
	if c.Timing.FeedReconnectDelay < 1 || c.Timing.FeedReconnectDelay > 300 {
		return ValidationError{
			Field:   "timing.feed_reconnect_delay",
			Value:   c.Timing.FeedReconnectDelay,
			Message: "must be between 1 and 300 seconds",
		}
	}
	if c.Timing.EquityPollInterval < 1 || c.Timing.EquityPollInterval > 3600 {
		return ValidationError{
			Field:   "timing.equity_poll_interval",
			Value:   c.Timing.EquityPollInterval,
			Message: "must be between 1 and 3600 seconds",
		}
	}
	if c.Timing.ExchangeCallTimeout < 1 || c.Timing.ExchangeCallTimeout > 120 {
		return ValidationError{
			Field:   "timing.exchange_call_timeout",
			Value:   c.Timing.ExchangeCallTimeout,
			Message: "must be between 1 and 120 seconds",
		}
	}
	return nil
}

// expandEnvVars expands ${VAR} references in the YAML content. Unset
// variables expand to the empty string.
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		key := re.FindStringSubmatch(match)[1]
		return os.Getenv(key)
	})
}
