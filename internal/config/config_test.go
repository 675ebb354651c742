package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("не удалось записать конфигурацию: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: key
  api_secret: secret
  testnet: true
trading:
  symbol: BTCUSDT
  interval: 15m
  symbols:
    BTCUSDT:
      enabled: true
      position_ratio: 0.6
      max_positions: 3
      volume_per_trade: 0.05
      max_volume: 0.15
      strategy: DKLL
    ETHUSDT:
      enabled: false
optimization:
  enabled: true
  seed: 42
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if !cfg.Broker.Testnet || cfg.Broker.APIKey != "key" {
		t.Errorf("настройки брокера не прочитаны: %+v", cfg.Broker)
	}
	if cfg.Trading.Interval != "15m" {
		t.Errorf("интервал не прочитан: %s", cfg.Trading.Interval)
	}
	if cfg.Optimization.Seed != 42 {
		t.Errorf("сид оптимизации не прочитан: %d", cfg.Optimization.Seed)
	}

	sc := cfg.SymbolConfig("BTCUSDT")
	if sc == nil || sc.Strategy != "DKLL" || sc.MaxPositions != 3 {
		t.Errorf("конфигурация инструмента не прочитана: %+v", sc)
	}
	if cfg.SymbolConfig("XRPUSDT") != nil {
		t.Error("незнакомый инструмент должен давать nil")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "broker:\n  api_key: key\n"))
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Trading.Interval != "5m" || cfg.Trading.BarCount != 100 {
		t.Errorf("торговые значения по умолчанию: %+v", cfg.Trading)
	}
	if cfg.Monitor.SignalIntervalSeconds != 10 || cfg.Monitor.ErrorThreshold != 5 {
		t.Errorf("каденции по умолчанию: %+v", cfg.Monitor)
	}
	if cfg.Optimization.IntervalHours != 24 || cfg.Optimization.LookbackHours != 168 || cfg.Optimization.Combinations != 30 {
		t.Errorf("оптимизация по умолчанию: %+v", cfg.Optimization)
	}
	if cfg.Money.MaxTotalRisk != 0.1 {
		t.Errorf("риск по умолчанию: %+v", cfg.Money)
	}
	if cfg.LogDir != "trading_logs" {
		t.Errorf("каталог логов по умолчанию: %s", cfg.LogDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "нет.yaml")); err == nil {
		t.Error("отсутствующий файл должен давать ошибку")
	}
}

func TestEnabledSymbolsSorted(t *testing.T) {
	cfg := &Config{Trading: TradingConfig{Symbols: map[string]SymbolConfig{
		"ETHUSDT": {Enabled: true},
		"BTCUSDT": {Enabled: true},
		"XRPUSDT": {Enabled: false},
	}}}

	symbols := cfg.EnabledSymbols()
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("ожидался отсортированный список включенных: %v", symbols)
	}
}
