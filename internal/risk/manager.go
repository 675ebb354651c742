package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// Manager проверяет допустимость новых позиций и считает их объем
// по лимитам из конфигурации.
type Manager struct {
	money   config.MoneyConfig
	symbols map[string]config.SymbolConfig
}

// NewManager создает менеджер капитала
func NewManager(money config.MoneyConfig, symbols map[string]config.SymbolConfig) *Manager {
	return &Manager{money: money, symbols: symbols}
}

// CanOpen проверяет, можно ли открыть новую позицию по инструменту.
// Возвращает причину отказа; пустая причина означает разрешение.
func (m *Manager) CanOpen(ctx context.Context, b broker.Broker, symbol string) (bool, string, error) {
	sc, ok := m.symbols[symbol]
	if !ok || !sc.Enabled {
		return false, fmt.Sprintf("инструмент %s отключен", symbol), nil
	}

	positions, err := b.Positions(ctx, symbol)
	if err != nil {
		return false, "", fmt.Errorf("ошибка проверки позиций: %w", err)
	}
	if len(positions) >= sc.MaxPositions {
		return false, fmt.Sprintf("лимит позиций по %s исчерпан (%d)", symbol, sc.MaxPositions), nil
	}

	volume := 0.0
	for _, p := range positions {
		volume += p.Volume
	}
	if volume+sc.VolumePerTrade > sc.MaxVolume+1e-9 {
		return false, fmt.Sprintf("лимит объема по %s исчерпан (%.4f из %.4f)", symbol, volume, sc.MaxVolume), nil
	}

	acc, err := b.Account(ctx)
	if err != nil {
		return false, "", fmt.Errorf("ошибка проверки счета: %w", err)
	}
	if !acc.TradeAllowed {
		return false, "торговля на счете запрещена", nil
	}
	if acc.Margin > 0 && acc.MarginFree < acc.Margin*m.money.MinFreeMarginRatio {
		return false, fmt.Sprintf("свободной маржи мало (%.2f при марже %.2f)", acc.MarginFree, acc.Margin), nil
	}
	if acc.Balance > 0 {
		drawdown := math.Abs(acc.Equity-acc.Balance) / acc.Balance
		if drawdown > m.money.MaxTotalRisk {
			return false, fmt.Sprintf("плавающий результат %.1f%% превышает общий риск-лимит", drawdown*100), nil
		}
	}
	return true, "", nil
}

// SizePosition считает объем новой позиции. При динамическом расчете
// объем берется от доли баланса, выделенной инструменту, иначе
// используется фиксированный объем из конфигурации. Результат
// округляется вниз до шага лота.
func (m *Manager) SizePosition(ctx context.Context, b broker.Broker, symbol string, price float64) (float64, error) {
	sc, ok := m.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("инструмент %s не сконфигурирован", symbol)
	}

	volume := sc.VolumePerTrade
	if m.money.UseDynamicVolume && price > 0 {
		acc, err := b.Account(ctx)
		if err != nil {
			return 0, fmt.Errorf("ошибка получения счета: %w", err)
		}
		allocated := acc.Balance * sc.PositionRatio * m.money.MaxRiskPerTrade
		dynamic := allocated / price
		if dynamic < volume {
			volume = dynamic
		}
	}
	if volume > sc.MaxVolume {
		volume = sc.MaxVolume
	}

	info, err := b.SymbolInfo(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения параметров инструмента: %w", err)
	}
	volume = roundToStep(volume, info.VolumeStep)
	if volume < info.VolumeMin {
		return 0, fmt.Errorf("расчетный объем %.8f меньше минимального лота %.8f", volume, info.VolumeMin)
	}
	if info.VolumeMax > 0 && volume > info.VolumeMax {
		volume = info.VolumeMax
	}
	return volume, nil
}

// Level обозначает уровень риска счета
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// Summary описывает текущую рисковую картину счета
type Summary struct {
	Level       Level
	Balance     float64
	Equity      float64
	MarginFree  float64
	Drawdown    float64 // доля от баланса
	Description string
	Warnings    []string
}

// Assess оценивает рисковую картину счета относительно лимитов
func (m *Manager) Assess(ctx context.Context, b broker.Broker) (*Summary, error) {
	acc, err := b.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения счета: %w", err)
	}

	s := &Summary{
		Level:      LevelNormal,
		Balance:    acc.Balance,
		Equity:     acc.Equity,
		MarginFree: acc.MarginFree,
	}
	if acc.Balance > 0 {
		s.Drawdown = math.Abs(acc.Equity-acc.Balance) / acc.Balance
	}

	switch {
	case s.Drawdown > m.money.MaxTotalRisk:
		s.Level = LevelHigh
		s.Description = fmt.Sprintf("плавающий результат %.1f%% выше лимита %.1f%%",
			s.Drawdown*100, m.money.MaxTotalRisk*100)
	case s.Drawdown > m.money.MaxTotalRisk*0.7:
		s.Level = LevelWarning
		s.Description = fmt.Sprintf("плавающий результат %.1f%% приближается к лимиту", s.Drawdown*100)
	default:
		s.Description = "в пределах лимитов"
	}
	if s.Level != LevelNormal {
		s.Warnings = append(s.Warnings, s.Description)
	}
	if acc.Margin > 0 && acc.MarginFree < acc.Margin*m.money.MinFreeMarginRatio {
		s.Warnings = append(s.Warnings,
			fmt.Sprintf("свободная маржа %.2f ниже порога при марже %.2f", acc.MarginFree, acc.Margin))
	}
	return s, nil
}

// ShouldForceClose флагует позицию, чей плавающий убыток превысил
// допустимый риск на сделку. Работает поверх сигнальных выходов стратегии
// как жесткий предохранитель.
func (m *Manager) ShouldForceClose(p models.Position, balance float64) (bool, string) {
	if balance <= 0 || p.Profit >= 0 {
		return false, ""
	}
	limit := balance * m.money.MaxRiskPerTrade
	if -p.Profit > limit {
		return true, fmt.Sprintf("убыток %.2f превысил риск-лимит сделки %.2f", -p.Profit, limit)
	}
	return false, ""
}

// ShouldLiquidate возвращает true, когда просадка счета требует
// закрыть все позиции
func (m *Manager) ShouldLiquidate(s *Summary) bool {
	return s != nil && s.Level == LevelHigh && s.Equity < s.Balance
}

// AllocationStatus форматирует распределение капитала по инструментам
func (m *Manager) AllocationStatus(ctx context.Context, b broker.Broker) (string, error) {
	acc, err := b.Account(ctx)
	if err != nil {
		return "", fmt.Errorf("ошибка получения счета: %w", err)
	}

	names := make([]string, 0, len(m.symbols))
	for name, sc := range m.symbols {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("=== Распределение капитала ===\n")
	fmt.Fprintf(&sb, "Баланс: %.2f, эквити: %.2f\n", acc.Balance, acc.Equity)
	total := 0.0
	for _, name := range names {
		sc := m.symbols[name]
		total += sc.PositionRatio
		positions, err := b.Positions(ctx, name)
		if err != nil {
			logger.Warn("Позиции недоступны для сводки", zap.String("symbol", name), zap.Error(err))
			continue
		}
		volume := 0.0
		for _, p := range positions {
			volume += p.Volume
		}
		fmt.Fprintf(&sb, "%-10s доля %.0f%%, позиций %d/%d, объем %.4f/%.4f, стратегия %s\n",
			name, sc.PositionRatio*100, len(positions), sc.MaxPositions, volume, sc.MaxVolume, sc.Strategy)
	}
	fmt.Fprintf(&sb, "Суммарная доля: %.0f%%\n", total*100)
	return sb.String(), nil
}

// SuggestAllocation предлагает равные доли для включенных инструментов,
// если текущие доли в сумме превышают единицу
func (m *Manager) SuggestAllocation() map[string]float64 {
	var enabled []string
	total := 0.0
	for name, sc := range m.symbols {
		if sc.Enabled {
			enabled = append(enabled, name)
			total += sc.PositionRatio
		}
	}
	if total <= 1.0 || len(enabled) == 0 {
		return nil
	}

	sort.Strings(enabled)
	share := 1.0 / float64(len(enabled))
	out := make(map[string]float64, len(enabled))
	for _, name := range enabled {
		out[name] = share
	}
	return out
}

// roundToStep округляет объем вниз до кратного шагу лота
func roundToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	v := decimal.NewFromFloat(volume)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}
