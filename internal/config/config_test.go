package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{Account: AccountConfig{Address: "dydx1abc"}}
}

func TestExecutionDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Execution.SettleDelay != 1500*time.Millisecond {
		t.Fatalf("expected settle delay 1.5s, got %v", cfg.Execution.SettleDelay)
	}
	if cfg.Execution.GoodTilBlockMargin != 10 {
		t.Fatalf("expected good til block margin 10, got %d", cfg.Execution.GoodTilBlockMargin)
	}
	if cfg.Execution.PollAttempts != 1 {
		t.Fatalf("expected a single poll attempt by default, got %d", cfg.Execution.PollAttempts)
	}
	if !cfg.Execution.CancelOnStartValue() {
		t.Fatalf("expected cancel on start default")
	}
	if cfg.Execution.TimeInForce != "UNSPECIFIED" {
		t.Fatalf("expected UNSPECIFIED time in force, got %q", cfg.Execution.TimeInForce)
	}
}

func TestLiquidationDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Liquidation.BuyMultiplier != 1.7 {
		t.Fatalf("expected buy multiplier 1.7, got %v", cfg.Liquidation.BuyMultiplier)
	}
	if cfg.Liquidation.SellMultiplier != 0.3 {
		t.Fatalf("expected sell multiplier 0.3, got %v", cfg.Liquidation.SellMultiplier)
	}
	if cfg.Liquidation.CloseInterval != 200*time.Millisecond {
		t.Fatalf("expected close interval 200ms, got %v", cfg.Liquidation.CloseInterval)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestWSURLDerivedFromIndexer(t *testing.T) {
	cfg := &Config{Indexer: IndexerConfig{BaseURL: "https://indexer.example.com/"}}
	applyDefaults(cfg)
	if cfg.Indexer.BaseURL != "https://indexer.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Indexer.BaseURL)
	}
	if cfg.Indexer.WSURL != "wss://indexer.example.com/v4/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.Indexer.WSURL)
	}
}

func TestWSURLDerivedFromHTTP(t *testing.T) {
	cfg := &Config{Indexer: IndexerConfig{BaseURL: "http://localhost:3002"}}
	applyDefaults(cfg)
	if cfg.Indexer.WSURL != "ws://localhost:3002/v4/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.Indexer.WSURL)
	}
}

func TestWSURLRespectsExplicitValue(t *testing.T) {
	cfg := &Config{Indexer: IndexerConfig{BaseURL: "https://indexer.example.com", WSURL: "wss://override/ws"}}
	applyDefaults(cfg)
	if cfg.Indexer.WSURL != "wss://override/ws" {
		t.Fatalf("expected explicit ws url, got %q", cfg.Indexer.WSURL)
	}
}

func TestValidateRequiresAddress(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing address")
	}
}

func TestValidateRejectsNegativeSettleDelay(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.SettleDelay = -time.Second
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for negative settle delay")
	}
}

func TestValidateRejectsUnknownTimeInForce(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.TimeInForce = "GTC"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported time in force")
	}
}

func TestValidateRejectsInvertedMultipliers(t *testing.T) {
	cfg := validConfig()
	cfg.Liquidation.BuyMultiplier = 0.5
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for buy multiplier below 1")
	}
	cfg = validConfig()
	cfg.Liquidation.SellMultiplier = 1.5
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for sell multiplier above 1")
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Path = "metrics"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("DYDX_TELEGRAM_TOKEN", "")
	t.Setenv("DYDX_TELEGRAM_CHAT_ID", "")
	cfg := validConfig()
	cfg.Telegram.Enabled = true
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("DYDX_ADDRESS", "dydx1env")
	t.Setenv("DYDX_TELEGRAM_TOKEN", "env-token")
	t.Setenv("DYDX_TELEGRAM_CHAT_ID", "123")
	cfg := &Config{
		Account:  AccountConfig{Address: "dydx1config"},
		Telegram: TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"},
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Account.Address != "dydx1env" {
		t.Fatalf("expected env address override, got %q", cfg.Account.Address)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected telegram env overrides, got %q/%q", cfg.Telegram.Token, cfg.Telegram.ChatID)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestValidateJournalRequiresDSN(t *testing.T) {
	t.Setenv("DYDX_JOURNAL_DSN", "")
	cfg := validConfig()
	cfg.Journal.Enabled = true
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for journal without dsn")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("DYDX_ADDRESS", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "" +
		"account:\n" +
		"  address: dydx1yaml\n" +
		"  subaccount: 2\n" +
		"execution:\n" +
		"  settle_delay: 2s\n" +
		"  cancel_on_start: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Account.Address != "dydx1yaml" || cfg.Account.Subaccount != 2 {
		t.Fatalf("unexpected account config: %+v", cfg.Account)
	}
	if cfg.Execution.SettleDelay != 2*time.Second {
		t.Fatalf("expected settle delay 2s, got %v", cfg.Execution.SettleDelay)
	}
	if cfg.Execution.CancelOnStartValue() {
		t.Fatalf("expected cancel_on_start=false to be preserved")
	}
}
