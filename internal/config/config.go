package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	History   HistoryConfig   `yaml:"history"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	PriceFeed PriceFeedConfig `yaml:"price_feed"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Limits    LimitsConfig    `yaml:"limits"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// HistoryConfig points at the analytics database that receives funding and
// lifecycle events. An empty DSN disables the writer.
type HistoryConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	QueueSize   int    `yaml:"queue_size"`
}

type ExchangesConfig struct {
	BitMEX   ExchangeConfig `yaml:"bitmex"`
	Bitfinex ExchangeConfig `yaml:"bitfinex"`
	Retry    RetryConfig    `yaml:"retry"`
}

type ExchangeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Symbol  string        `yaml:"symbol"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type PriceFeedConfig struct {
	BinanceURL   string        `yaml:"binance_url"`
	BinanceWSURL string        `yaml:"binance_ws_url"`
	CoinGeckoURL string        `yaml:"coingecko_url"`
	Symbol       string        `yaml:"symbol"`
	CoinGeckoID  string        `yaml:"coingecko_id"`
	Timeout      time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	// MaxRetryCount is how many consecutive no-progress cycles a bot may
	// accumulate in one status before an alert fires.
	MaxRetryCount int `yaml:"max_retry_count"`

	// Interval schedules the control loops (opener, balancer, closer,
	// thresholds, transfers). PriceInterval runs the price monitor on a
	// faster clock, and FundingInterval paces the funding recorder, which
	// also uses it as the collection lookback.
	Interval        time.Duration `yaml:"interval"`
	PriceInterval   time.Duration `yaml:"price_interval"`
	FundingInterval time.Duration `yaml:"funding_interval"`
}

// LimitsConfig bounds user-supplied bot configurations.
type LimitsConfig struct {
	MinCapital            float64 `yaml:"min_capital"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	MinSafetyThreshold    float64 `yaml:"min_safety_threshold"`
	MaxSafetyThreshold    float64 `yaml:"max_safety_threshold"`
	MinRebalanceThreshold float64 `yaml:"min_rebalance_threshold"`
	MaxRebalanceThreshold float64 `yaml:"max_rebalance_threshold"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnvOverrides lets secrets come from the environment instead of the
// yaml file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FAB_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FAB_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("FAB_HISTORY_POSTGRES_DSN"); v != "" {
		cfg.History.PostgresDSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/funding-arb-bot.db"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Exchanges.BitMEX.BaseURL == "" {
		cfg.Exchanges.BitMEX.BaseURL = "https://www.bitmex.com"
	}
	if cfg.Exchanges.BitMEX.Symbol == "" {
		cfg.Exchanges.BitMEX.Symbol = "SOLUSDT"
	}
	if cfg.Exchanges.BitMEX.Timeout == 0 {
		cfg.Exchanges.BitMEX.Timeout = 30 * time.Second
	}
	if cfg.Exchanges.Bitfinex.BaseURL == "" {
		cfg.Exchanges.Bitfinex.BaseURL = "https://api.bitfinex.com"
	}
	if cfg.Exchanges.Bitfinex.Symbol == "" {
		cfg.Exchanges.Bitfinex.Symbol = "tSOLF0:USTF0"
	}
	if cfg.Exchanges.Bitfinex.Timeout == 0 {
		cfg.Exchanges.Bitfinex.Timeout = 30 * time.Second
	}
	if cfg.Exchanges.Retry.Attempts == 0 {
		cfg.Exchanges.Retry.Attempts = 5
	}
	if cfg.Exchanges.Retry.MinDelay == 0 {
		cfg.Exchanges.Retry.MinDelay = 200 * time.Millisecond
	}
	if cfg.Exchanges.Retry.MaxDelay == 0 {
		cfg.Exchanges.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.PriceFeed.BinanceURL == "" {
		cfg.PriceFeed.BinanceURL = "https://api.binance.com"
	}
	if cfg.PriceFeed.BinanceWSURL == "" {
		cfg.PriceFeed.BinanceWSURL = "wss://stream.binance.com:9443"
	}
	if cfg.PriceFeed.CoinGeckoURL == "" {
		cfg.PriceFeed.CoinGeckoURL = "https://api.coingecko.com"
	}
	if cfg.PriceFeed.Symbol == "" {
		cfg.PriceFeed.Symbol = "SOLUSDT"
	}
	if cfg.PriceFeed.CoinGeckoID == "" {
		cfg.PriceFeed.CoinGeckoID = "solana"
	}
	if cfg.PriceFeed.Timeout == 0 {
		cfg.PriceFeed.Timeout = 10 * time.Second
	}
	if cfg.Jobs.MaxRetryCount == 0 {
		cfg.Jobs.MaxRetryCount = 20
	}
	if cfg.Jobs.Interval == 0 {
		cfg.Jobs.Interval = 30 * time.Second
	}
	if cfg.Jobs.PriceInterval == 0 {
		cfg.Jobs.PriceInterval = 5 * time.Second
	}
	if cfg.Jobs.FundingInterval == 0 {
		cfg.Jobs.FundingInterval = time.Hour
	}
	if cfg.Limits.MinCapital == 0 {
		cfg.Limits.MinCapital = 10
	}
	if cfg.Limits.MaxLeverage == 0 {
		cfg.Limits.MaxLeverage = 20
	}
	if cfg.Limits.MinSafetyThreshold == 0 {
		cfg.Limits.MinSafetyThreshold = 1
	}
	if cfg.Limits.MaxSafetyThreshold == 0 {
		cfg.Limits.MaxSafetyThreshold = 15
	}
	if cfg.Limits.MinRebalanceThreshold == 0 {
		cfg.Limits.MinRebalanceThreshold = 5
	}
	if cfg.Limits.MaxRebalanceThreshold == 0 {
		cfg.Limits.MaxRebalanceThreshold = 50
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Limits.MinSafetyThreshold > cfg.Limits.MaxSafetyThreshold {
		return errors.New("limits.min_safety_threshold exceeds limits.max_safety_threshold")
	}
	if cfg.Limits.MinRebalanceThreshold > cfg.Limits.MaxRebalanceThreshold {
		return errors.New("limits.min_rebalance_threshold exceeds limits.max_rebalance_threshold")
	}
	if cfg.Exchanges.Retry.MinDelay > cfg.Exchanges.Retry.MaxDelay {
		return errors.New("exchanges.retry.min_delay exceeds exchanges.retry.max_delay")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.History.PostgresDSN != "" && cfg.History.QueueSize < 1 {
		return fmt.Errorf("history.queue_size must be >= 1, got %d", cfg.History.QueueSize)
	}
	return nil
}
