// Package config defines all configuration for the arbitrage executor.
// Config is loaded from an optional YAML file with every operational knob
// overridable via flat environment variables (TICKER, ORDER_QUANTITY,
// WS_SERVER_PORT, ...), which is how the deployment configures it.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Lighter  LighterConfig  `mapstructure:"lighter"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig is the local WebSocket bridge the EdgeX front-end connects to.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LighterConfig holds Lighter endpoints and account identity.
// APIKeyPrivateKey signs order payloads; when empty, orders go out unsigned.
// AmountMultiplier and PriceMultiplier scale decimal quantities into the
// integer units the signed payload carries.
type LighterConfig struct {
	BaseURL          string          `mapstructure:"base_url"`
	WSURL            string          `mapstructure:"ws_url"`
	APIKeyPrivateKey string          `mapstructure:"api_key_private_key"`
	AccountIndex     int             `mapstructure:"account_index"`
	APIKeyIndex      int             `mapstructure:"api_key_index"`
	MarketIndex      int             `mapstructure:"market_index"`
	AmountMultiplier decimal.Decimal `mapstructure:"amount_multiplier"`
	PriceMultiplier  decimal.Decimal `mapstructure:"price_multiplier"`
	TickSize         decimal.Decimal `mapstructure:"tick_size"`
}

// StrategyConfig tunes the spread-sampling arbitrage strategy.
//
//   - OrderQuantity: size of each leg.
//   - MaxPosition: per-venue position cap the signal engine respects.
//   - LongThreshold/ShortThreshold: base entry thresholds, replaced by
//     sampled mean + ThresholdOffset once sampling completes.
//   - MinSamples: spread samples required before trading starts.
//   - MinSignalInterval: floor on time between consecutive signals.
//   - FrontendLatencyMs: latency estimate used before real measurements exist.
//   - HedgeSlippage: price concession of the aggressive Lighter hedge leg
//     (0.005 = cross the touch by 0.5%).
//   - TickSize: EdgeX price granularity.
type StrategyConfig struct {
	Ticker            string          `mapstructure:"ticker"`
	OrderQuantity     decimal.Decimal `mapstructure:"order_quantity"`
	MaxPosition       decimal.Decimal `mapstructure:"max_position"`
	LongThreshold     decimal.Decimal `mapstructure:"long_threshold"`
	ShortThreshold    decimal.Decimal `mapstructure:"short_threshold"`
	ThresholdOffset   decimal.Decimal `mapstructure:"threshold_offset"`
	MinSamples        int             `mapstructure:"min_samples"`
	MinSignalInterval time.Duration   `mapstructure:"min_signal_interval"`
	FrontendLatencyMs int             `mapstructure:"frontend_latency_ms"`
	HedgeSlippage     decimal.Decimal `mapstructure:"hedge_slippage"`
	TickSize          decimal.Decimal `mapstructure:"tick_size"`
}

// RiskConfig sets the hard limits the pre-trade gate enforces.
//
//   - MaxPosition: per-venue cap, kept in lockstep with the strategy's.
//   - MaxPositionImbalance: max |edgex + lighter| before new trades stop.
//   - MaxDailyLoss: daily PnL floor.
//   - MaxLatencyMs: latency estimate above which signals are skipped.
//   - MaxErrorRate: errors/trades ratio allowed once enough trades exist.
//   - MinBalance: Lighter balance below which startup warns.
type RiskConfig struct {
	MaxPosition          decimal.Decimal `mapstructure:"max_position"`
	MaxPositionImbalance decimal.Decimal `mapstructure:"max_position_imbalance"`
	MaxDailyLoss         decimal.Decimal `mapstructure:"max_daily_loss"`
	MaxLatencyMs         int             `mapstructure:"max_latency_ms"`
	MaxErrorRate         float64         `mapstructure:"max_error_rate"`
	MinBalance           decimal.Decimal `mapstructure:"min_balance"`
}

// TelegramConfig enables trade/error/status notifications.
// Enabled is derived: true iff both BotToken and GroupID are set.
type TelegramConfig struct {
	Enabled      bool   `mapstructure:"-"`
	BotToken     string `mapstructure:"bot_token"`
	GroupID      string `mapstructure:"group_id"`
	AccountLabel string `mapstructure:"account_label"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// envBindings maps viper keys to the flat environment names the deployment
// uses. AutomaticEnv alone cannot derive these (they share no prefix).
var envBindings = map[string]string{
	"server.host":                 "WS_SERVER_HOST",
	"server.port":                 "WS_SERVER_PORT",
	"lighter.api_key_private_key": "API_KEY_PRIVATE_KEY",
	"lighter.account_index":       "LIGHTER_ACCOUNT_INDEX",
	"lighter.api_key_index":       "LIGHTER_API_KEY_INDEX",
	"lighter.market_index":        "LIGHTER_MARKET_INDEX",
	"strategy.ticker":             "TICKER",
	"strategy.order_quantity":     "ORDER_QUANTITY",
	"strategy.max_position":       "MAX_POSITION",
	"strategy.threshold_offset":   "THRESHOLD_OFFSET",
	"strategy.min_samples":        "MIN_SAMPLES",
	"risk.max_daily_loss":         "MAX_DAILY_LOSS",
	"risk.max_latency_ms":         "MAX_LATENCY_MS",
	"risk.min_balance":            "MIN_BALANCE",
	"telegram.bot_token":          "TELEGRAM_BOT_TOKEN",
	"telegram.group_id":           "TELEGRAM_GROUP_ID",
	"telegram.account_label":      "ACCOUNT_LABEL",
	"logging.level":               "LOG_LEVEL",
	"logging.dir":                 "LOG_DIR",
}

// Load reads config from an optional YAML file, then applies environment
// overrides. Pass an empty path to run on defaults + environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets only ever come from the environment
	if key := os.Getenv("API_KEY_PRIVATE_KEY"); key != "" {
		cfg.Lighter.APIKeyPrivateKey = key
	}

	// The gate caps positions at the same limit the strategy targets
	cfg.Risk.MaxPosition = cfg.Strategy.MaxPosition
	cfg.Telegram.Enabled = cfg.Telegram.BotToken != "" && cfg.Telegram.GroupID != ""

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8765)

	v.SetDefault("lighter.base_url", "https://mainnet.zklighter.elliot.ai")
	v.SetDefault("lighter.ws_url", "wss://mainnet.zklighter.elliot.ai/stream")
	v.SetDefault("lighter.account_index", 0)
	v.SetDefault("lighter.api_key_index", 0)
	v.SetDefault("lighter.market_index", 0) // 0 = BTC
	v.SetDefault("lighter.amount_multiplier", "100000000")
	v.SetDefault("lighter.price_multiplier", "100000000")
	v.SetDefault("lighter.tick_size", "0.1")

	v.SetDefault("strategy.ticker", "BTC")
	v.SetDefault("strategy.order_quantity", "0.001")
	v.SetDefault("strategy.max_position", "0.01")
	v.SetDefault("strategy.long_threshold", "10")
	v.SetDefault("strategy.short_threshold", "10")
	v.SetDefault("strategy.threshold_offset", "10")
	v.SetDefault("strategy.min_samples", 100)
	v.SetDefault("strategy.min_signal_interval", "1s")
	v.SetDefault("strategy.frontend_latency_ms", 100)
	v.SetDefault("strategy.hedge_slippage", "0.005")
	v.SetDefault("strategy.tick_size", "0.1")

	v.SetDefault("risk.max_position_imbalance", "0.005")
	v.SetDefault("risk.max_daily_loss", "100")
	v.SetDefault("risk.max_latency_ms", 500)
	v.SetDefault("risk.max_error_rate", 0.1)
	v.SetDefault("risk.min_balance", "10")

	v.SetDefault("telegram.account_label", "A1")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.dir", "logs")
}

// decimalDecodeHook unmarshals strings and numbers into decimal.Decimal.
// String inputs avoid a float64 round trip entirely.
func decimalDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", val, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	default:
		return data, nil
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Strategy.Ticker == "" {
		return fmt.Errorf("strategy.ticker is required")
	}
	if !c.Strategy.OrderQuantity.IsPositive() {
		return fmt.Errorf("strategy.order_quantity must be > 0")
	}
	if !c.Strategy.MaxPosition.IsPositive() {
		return fmt.Errorf("strategy.max_position must be > 0")
	}
	if c.Strategy.OrderQuantity.GreaterThan(c.Strategy.MaxPosition) {
		return fmt.Errorf("strategy.order_quantity must not exceed strategy.max_position")
	}
	if c.Strategy.ThresholdOffset.IsNegative() {
		return fmt.Errorf("strategy.threshold_offset must be >= 0")
	}
	if c.Strategy.MinSamples < 0 {
		return fmt.Errorf("strategy.min_samples must be >= 0")
	}
	if !c.Strategy.TickSize.IsPositive() {
		return fmt.Errorf("strategy.tick_size must be > 0")
	}
	if c.Strategy.HedgeSlippage.IsNegative() {
		return fmt.Errorf("strategy.hedge_slippage must be >= 0")
	}
	if c.Lighter.BaseURL == "" {
		return fmt.Errorf("lighter.base_url is required")
	}
	if c.Lighter.WSURL == "" {
		return fmt.Errorf("lighter.ws_url is required")
	}
	if !c.Lighter.TickSize.IsPositive() {
		return fmt.Errorf("lighter.tick_size must be > 0")
	}
	return nil
}
