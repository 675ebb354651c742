package notify

import (
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// Events получает уведомления о значимых событиях торговли.
// Реализация по умолчанию пишет их в лог, но интерфейс позволяет
// подключить внешний канал доставки.
type Events interface {
	OrderOpened(trade models.Trade)
	OrderClosed(trade models.Trade)
	OptimizationDone(strategy string, params map[string]int, score float64)
	RiskWarning(level, description string)
}

// LogEvents пишет события в общий журнал
type LogEvents struct{}

// NewLogEvents создает лог-уведомитель
func NewLogEvents() *LogEvents {
	return &LogEvents{}
}

func (n *LogEvents) OrderOpened(trade models.Trade) {
	logger.Info("СОБЫТИЕ: открыта позиция",
		zap.String("symbol", trade.Symbol),
		zap.String("side", trade.Side.String()),
		zap.Float64("volume", trade.Volume),
		zap.Float64("price", trade.OpenPrice),
		zap.String("strategy", trade.Strategy))
}

func (n *LogEvents) OrderClosed(trade models.Trade) {
	logger.Info("СОБЫТИЕ: закрыта позиция",
		zap.String("symbol", trade.Symbol),
		zap.Float64("profit", trade.Profit),
		zap.Duration("duration", trade.Duration()))
}

func (n *LogEvents) OptimizationDone(strategy string, params map[string]int, score float64) {
	logger.Info("СОБЫТИЕ: оптимизация завершена",
		zap.String("strategy", strategy),
		zap.Any("params", params),
		zap.Float64("score", score))
}

func (n *LogEvents) RiskWarning(level, description string) {
	logger.Warn("СОБЫТИЕ: рисковое предупреждение",
		zap.String("level", level),
		zap.String("description", description))
}
