package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/skalibog/atse/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Broker       BrokerConfig       `yaml:"broker"`
	Trading      TradingConfig      `yaml:"trading"`
	Money        MoneyConfig        `yaml:"money"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Optimization OptimizationConfig `yaml:"optimization"`
	Storage      StorageConfig      `yaml:"storage"`
	LogDir       string             `yaml:"log_dir"`
}

// BrokerConfig содержит настройки подключения к брокеру
type BrokerConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// SymbolConfig содержит настройки торговли одним инструментом
type SymbolConfig struct {
	Enabled        bool    `yaml:"enabled"`
	PositionRatio  float64 `yaml:"position_ratio"`   // доля баланса на инструмент
	MaxPositions   int     `yaml:"max_positions"`    // максимум открытых позиций
	VolumePerTrade float64 `yaml:"volume_per_trade"` // объем одной сделки
	MaxVolume      float64 `yaml:"max_volume"`       // максимальный суммарный объем
	Strategy       string  `yaml:"strategy"`         // MA / DKLL / RSI
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	Symbol    string                  `yaml:"symbol"` // инструмент одиночного режима
	Interval  string                  `yaml:"interval"`
	Deviation int                     `yaml:"deviation"`
	BarCount  int                     `yaml:"bar_count"` // свечей на оценку сигнала
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
}

// MoneyConfig содержит параметры управления капиталом
type MoneyConfig struct {
	MaxRiskPerTrade    float64 `yaml:"max_risk_per_trade"`    // риск на сделку от баланса
	MaxTotalRisk       float64 `yaml:"max_total_risk"`        // потолок совокупного риска
	MinFreeMarginRatio float64 `yaml:"min_free_margin_ratio"` // минимум свободной маржи
	UseDynamicVolume   bool    `yaml:"use_dynamic_volume"`
}

// MonitorConfig содержит каденции контрольного цикла
type MonitorConfig struct {
	PriceIntervalSeconds       int `yaml:"price_interval_seconds"`
	SignalIntervalSeconds      int `yaml:"signal_interval_seconds"`
	StatusIntervalSeconds      int `yaml:"status_interval_seconds"`
	PerformanceIntervalSeconds int `yaml:"performance_interval_seconds"`
	RiskIntervalSeconds        int `yaml:"risk_interval_seconds"`
	ErrorThreshold             int `yaml:"error_threshold"`
	ReconnectWaitSeconds       int `yaml:"reconnect_wait_seconds"`
	WeekendPauseSeconds        int `yaml:"weekend_pause_seconds"`
}

// OptimizationConfig содержит настройки оптимизатора параметров
type OptimizationConfig struct {
	Enabled       bool  `yaml:"enabled"`
	IntervalHours int   `yaml:"interval_hours"`
	LookbackHours int   `yaml:"lookback_hours"`
	Combinations  int   `yaml:"combinations"`
	Seed          int64 `yaml:"seed"` // 0 = от текущего времени
}

// StorageConfig содержит настройки подключения к InfluxDB
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// Load загружает конфигурацию из YAML-файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}

	cfg.validate()
	return cfg, nil
}

// defaults возвращает конфигурацию со значениями по умолчанию
func defaults() *Config {
	return &Config{
		Trading: TradingConfig{
			Interval:  "5m",
			Deviation: 20,
			BarCount:  100,
		},
		Money: MoneyConfig{
			MaxRiskPerTrade:    0.02,
			MaxTotalRisk:       0.1,
			MinFreeMarginRatio: 0.5,
			UseDynamicVolume:   true,
		},
		Monitor: MonitorConfig{
			PriceIntervalSeconds:       1,
			SignalIntervalSeconds:      10,
			StatusIntervalSeconds:      300,
			PerformanceIntervalSeconds: 30,
			RiskIntervalSeconds:        60,
			ErrorThreshold:             5,
			ReconnectWaitSeconds:       30,
			WeekendPauseSeconds:        60,
		},
		Optimization: OptimizationConfig{
			IntervalHours: 24,
			LookbackHours: 168,
			Combinations:  30,
		},
		LogDir: "trading_logs",
	}
}

// validate проверяет согласованность конфигурации. Нарушения не фатальны.
func (c *Config) validate() {
	totalRatio := 0.0
	for symbol, sc := range c.Trading.Symbols {
		if !sc.Enabled {
			continue
		}
		totalRatio += sc.PositionRatio
		if sc.Strategy == "" {
			logger.Warn("Для инструмента не задана стратегия, будет использована MA",
				zap.String("symbol", symbol))
		}
	}
	if totalRatio > 1.0 {
		logger.Warn("Суммарная доля позиций превышает 100% баланса",
			zap.Float64("total_ratio", totalRatio))
	}
}

// EnabledSymbols возвращает список включенных инструментов
func (c *Config) EnabledSymbols() []string {
	symbols := make([]string, 0, len(c.Trading.Symbols))
	for symbol, sc := range c.Trading.Symbols {
		if sc.Enabled {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// SymbolConfig возвращает конфигурацию инструмента, nil если не задана
func (c *Config) SymbolConfig(symbol string) *SymbolConfig {
	sc, ok := c.Trading.Symbols[symbol]
	if !ok {
		return nil
	}
	return &sc
}
