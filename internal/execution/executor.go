package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/internal/ledger"
	"github.com/skalibog/atse/internal/notify"
	"github.com/skalibog/atse/internal/risk"
	"github.com/skalibog/atse/internal/storage"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// Executor превращает решения стратегий в ордера: проверяет лимиты,
// считает объем и защитные уровни, регистрирует сделки в журнале.
type Executor struct {
	broker  broker.Broker
	risk    *risk.Manager
	ledger  *ledger.Ledger
	events  notify.Events
	store   storage.Storage // nil, когда хранилище выключено
	trading config.TradingConfig
}

// NewExecutor создает исполнитель ордеров
func NewExecutor(b broker.Broker, rm *risk.Manager, l *ledger.Ledger, ev notify.Events, store storage.Storage, trading config.TradingConfig) *Executor {
	return &Executor{
		broker:  b,
		risk:    rm,
		ledger:  l,
		events:  ev,
		store:   store,
		trading: trading,
	}
}

// Open открывает позицию по сигналу стратегии. Если брокер отклонил
// защитные уровни, ордер повторяется один раз без стопов.
func (e *Executor) Open(ctx context.Context, symbol string, side models.Side, strategy string, withStops bool) (*models.Trade, error) {
	allowed, reason, err := e.risk.CanOpen(ctx, e.broker, symbol)
	if err != nil {
		return nil, err
	}
	if !allowed {
		logger.Info("Открытие отклонено риск-менеджером",
			zap.String("symbol", symbol), zap.String("reason", reason))
		return nil, nil
	}

	tick, err := e.broker.Tick(ctx, symbol)
	if err != nil {
		return nil, err
	}
	price := tick.Ask
	if side == models.SideSell {
		price = tick.Bid
	}

	volume, err := e.risk.SizePosition(ctx, e.broker, symbol, price)
	if err != nil {
		return nil, err
	}

	req := models.OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		Price:     price,
		Deviation: e.trading.Deviation,
		Comment:   strategy,
	}
	if withStops {
		info, err := e.broker.SymbolInfo(ctx, symbol)
		if err != nil {
			return nil, err
		}
		req.StopLoss, req.TakeProfit = protectiveLevels(side, price, info)
	}

	result, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выставления ордера: %w", err)
	}

	// Неверные стопы: одна повторная попытка без защитных уровней
	if result.RetCode == models.RetInvalidStops {
		logger.Warn("Брокер отклонил стопы, повтор без защитных уровней",
			zap.String("symbol", symbol),
			zap.Float64("sl", req.StopLoss),
			zap.Float64("tp", req.TakeProfit))
		req.StopLoss = 0
		req.TakeProfit = 0
		result, err = e.broker.PlaceOrder(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("ошибка повторного ордера: %w", err)
		}
	}

	if result.RetCode != models.RetDone {
		return nil, fmt.Errorf("ордер отклонен: %s (%s)", result.RetCode, result.Comment)
	}

	trade := models.Trade{
		Ticket:    result.Order,
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		OpenPrice: result.Price,
		OpenTime:  time.Now(),
		Strategy:  strategy,
		Status:    models.TradeOpen,
	}
	e.ledger.RecordOpen(trade)
	e.events.OrderOpened(trade)
	return &trade, nil
}

// Close закрывает позицию по тикету и фиксирует результат в журнале
func (e *Executor) Close(ctx context.Context, position models.Position, comment string) error {
	result, err := e.broker.ClosePosition(ctx, position.Ticket, comment)
	if err != nil {
		return fmt.Errorf("ошибка закрытия позиции %d: %w", position.Ticket, err)
	}
	if result.RetCode != models.RetDone {
		return fmt.Errorf("закрытие отклонено: %s (%s)", result.RetCode, result.Comment)
	}

	e.ledger.RecordClose(position.Ticket, result.Price, position.Profit, time.Now())

	trade := models.Trade{
		Ticket:     position.Ticket,
		Symbol:     position.Symbol,
		Side:       position.Side,
		Volume:     position.Volume,
		OpenPrice:  position.Price,
		OpenTime:   position.OpenTime,
		Status:     models.TradeClosed,
		ClosePrice: result.Price,
		CloseTime:  time.Now(),
		Profit:     position.Profit,
	}
	e.events.OrderClosed(trade)

	if e.store != nil {
		if err := e.store.SaveTrade(ctx, &trade); err != nil {
			logger.Warn("Не удалось сохранить сделку",
				zap.Int64("ticket", trade.Ticket), zap.Error(err))
		}
	}
	return nil
}

// CloseAll закрывает все открытые позиции, например при рисковом форс-мажоре
func (e *Executor) CloseAll(ctx context.Context, comment string) error {
	positions, err := e.broker.Positions(ctx, "")
	if err != nil {
		return fmt.Errorf("ошибка получения позиций: %w", err)
	}
	var firstErr error
	for _, p := range positions {
		if err := e.Close(ctx, p, comment); err != nil {
			logger.Error("Не удалось закрыть позицию",
				zap.Int64("ticket", p.Ticket), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// protectiveLevels считает стоп-лосс и тейк-профит от текущей цены.
// Минимальная дистанция учитывает стоп- и фриз-уровни инструмента.
func protectiveLevels(side models.Side, price float64, info *models.SymbolInfo) (sl, tp float64) {
	points := info.StopsLevel
	if info.FreezeLevel > points {
		points = info.FreezeLevel
	}
	if points < 1000 {
		points = 1000
	}
	minDistance := float64(points) * info.Point

	slDistance := 2 * minDistance
	if d := 5000 * info.Point; d > slDistance {
		slDistance = d
	}
	tpDistance := 3 * minDistance
	if d := 10000 * info.Point; d > tpDistance {
		tpDistance = d
	}

	if side == models.SideBuy {
		return price - slDistance, price + tpDistance
	}
	return price + slDistance, price - tpDistance
}
