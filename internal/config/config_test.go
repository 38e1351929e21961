package config

import (
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Log.Level != "info" {
		t.Fatalf("expected log level default, got %q", cfg.Log.Level)
	}
	if cfg.Store.SQLitePath == "" {
		t.Fatalf("expected sqlite path default")
	}
	if cfg.Exchanges.BitMEX.Symbol != "SOLUSDT" {
		t.Fatalf("expected bitmex symbol default, got %q", cfg.Exchanges.BitMEX.Symbol)
	}
	if cfg.Exchanges.Bitfinex.Symbol != "tSOLF0:USTF0" {
		t.Fatalf("expected bitfinex symbol default, got %q", cfg.Exchanges.Bitfinex.Symbol)
	}
	if cfg.Exchanges.Retry.Attempts != 5 {
		t.Fatalf("expected retry attempts default, got %d", cfg.Exchanges.Retry.Attempts)
	}
	if cfg.Limits.MinCapital != 10 {
		t.Fatalf("expected min capital default, got %v", cfg.Limits.MinCapital)
	}
	if cfg.Jobs.MaxRetryCount != 20 {
		t.Fatalf("expected retry budget default, got %d", cfg.Jobs.MaxRetryCount)
	}
	if cfg.Jobs.Interval != 30*time.Second || cfg.Jobs.PriceInterval != 5*time.Second {
		t.Fatalf("expected loop interval defaults, got %v and %v", cfg.Jobs.Interval, cfg.Jobs.PriceInterval)
	}
	if cfg.Jobs.FundingInterval != time.Hour {
		t.Fatalf("expected funding interval default, got %v", cfg.Jobs.FundingInterval)
	}
}

func TestDefaultsRespectExplicitValues(t *testing.T) {
	cfg := &Config{
		Exchanges: ExchangesConfig{
			BitMEX: ExchangeConfig{Symbol: "XBTUSD", Timeout: 5 * time.Second},
		},
	}
	applyDefaults(cfg)
	if cfg.Exchanges.BitMEX.Symbol != "XBTUSD" {
		t.Fatalf("explicit symbol must survive, got %q", cfg.Exchanges.BitMEX.Symbol)
	}
	if cfg.Exchanges.BitMEX.Timeout != 5*time.Second {
		t.Fatalf("explicit timeout must survive, got %v", cfg.Exchanges.BitMEX.Timeout)
	}
}

func TestValidateRejectsInvertedThresholdBounds(t *testing.T) {
	cfg := &Config{Limits: LimitsConfig{MinSafetyThreshold: 20, MaxSafetyThreshold: 15}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for inverted safety bounds")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("FAB_TELEGRAM_TOKEN", "")
	t.Setenv("FAB_TELEGRAM_CHAT_ID", "")
	cfg := &Config{Telegram: TelegramConfig{Enabled: true}}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestTelegramEnvOverridesConfig(t *testing.T) {
	t.Setenv("FAB_TELEGRAM_TOKEN", "env-token")
	t.Setenv("FAB_TELEGRAM_CHAT_ID", "123")
	cfg := &Config{Telegram: TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected env overrides, got %q/%q", cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}
