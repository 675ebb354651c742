package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// Ledger ведет журнал сделок сессии. Открытия и закрытия регистрируются
// исполнителем, пропавшие с брокера позиции досчитываются сверкой.
type Ledger struct {
	mu     sync.Mutex
	trades map[int64]*models.Trade
	order  []int64 // тикеты в порядке открытия
}

// NewLedger создает пустой журнал
func NewLedger() *Ledger {
	return &Ledger{
		trades: make(map[int64]*models.Trade),
	}
}

// RecordOpen регистрирует открытие позиции
func (l *Ledger) RecordOpen(trade models.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.trades[trade.Ticket]; ok {
		return
	}
	trade.Status = models.TradeOpen
	l.trades[trade.Ticket] = &trade
	l.order = append(l.order, trade.Ticket)

	logger.Info("Сделка открыта",
		zap.Int64("ticket", trade.Ticket),
		zap.String("symbol", trade.Symbol),
		zap.String("side", trade.Side.String()),
		zap.Float64("volume", trade.Volume),
		zap.Float64("price", trade.OpenPrice),
		zap.String("strategy", trade.Strategy))
}

// RecordClose регистрирует закрытие позиции с известной ценой и прибылью
func (l *Ledger) RecordClose(ticket int64, price, profit float64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(ticket, price, profit, at)
}

func (l *Ledger) closeLocked(ticket int64, price, profit float64, at time.Time) {
	t, ok := l.trades[ticket]
	if !ok || t.Status == models.TradeClosed {
		return
	}
	t.Status = models.TradeClosed
	t.ClosePrice = price
	t.CloseTime = at
	t.Profit = profit

	logger.Info("Сделка закрыта",
		zap.Int64("ticket", ticket),
		zap.String("symbol", t.Symbol),
		zap.Float64("price", price),
		zap.Float64("profit", profit))
}

// OpenTickets возвращает тикеты незакрытых сделок
func (l *Ledger) OpenTickets() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []int64
	for _, ticket := range l.order {
		if l.trades[ticket].Status == models.TradeOpen {
			out = append(out, ticket)
		}
	}
	return out
}

// Trades возвращает копию всех сделок в порядке открытия
func (l *Ledger) Trades() []models.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Trade, 0, len(l.order))
	for _, ticket := range l.order {
		out = append(out, *l.trades[ticket])
	}
	return out
}

// Reconcile сверяет журнал с брокером: сделка, чья позиция пропала,
// закрывается по истории сделок; если история недоступна, по текущей
// котировке; в крайнем случае по цене открытия с нулевой прибылью.
// После сверки в журнале не остается открытой сделки без позиции.
func (l *Ledger) Reconcile(ctx context.Context, b broker.Broker) {
	positions, err := b.Positions(ctx, "")
	if err != nil {
		logger.Warn("Сверка отложена: позиции недоступны", zap.Error(err))
		return
	}

	alive := make(map[int64]bool, len(positions))
	for _, p := range positions {
		alive[p.Ticket] = true
	}

	l.mu.Lock()
	var orphans []*models.Trade
	for _, ticket := range l.order {
		t := l.trades[ticket]
		if t.Status == models.TradeOpen && !alive[ticket] {
			orphans = append(orphans, t)
		}
	}
	l.mu.Unlock()

	for _, t := range orphans {
		price, profit, at, source := l.resolveClose(ctx, b, t)

		l.mu.Lock()
		l.closeLocked(t.Ticket, price, profit, at)
		l.mu.Unlock()

		logger.Info("Сверка: позиция закрыта вне сессии",
			zap.Int64("ticket", t.Ticket),
			zap.String("symbol", t.Symbol),
			zap.String("source", source),
			zap.Float64("profit", profit))
	}
}

// resolveClose подбирает цену и прибыль закрытия по цепочке источников
func (l *Ledger) resolveClose(ctx context.Context, b broker.Broker, t *models.Trade) (price, profit float64, at time.Time, source string) {
	deals, err := b.DealHistory(ctx, t.Ticket)
	if err == nil {
		for _, d := range deals {
			if d.Entry != models.DealEntryOut {
				continue
			}
			price = d.Price
			profit += d.Profit
			at = d.Time
		}
		if !at.IsZero() {
			return price, profit, at, "history"
		}
	}

	tick, err := b.Tick(ctx, t.Symbol)
	if err == nil {
		price = tick.Bid
		if t.Side == models.SideSell {
			price = tick.Ask
		}
		diff := price - t.OpenPrice
		if t.Side == models.SideSell {
			diff = -diff
		}
		return price, diff * t.Volume, tick.Time, "tick"
	}

	return t.OpenPrice, 0, time.Now(), "open-price"
}

// Stats содержит сводку результативности журнала
type Stats struct {
	Total        int
	Open         int
	Closed       int
	Wins         int
	Losses       int
	WinRate      float64 // процент
	TotalProfit  float64
	GrossProfit  float64
	GrossLoss    float64
	ProfitFactor float64 // +Inf при отсутствии убытков
	MaxWinStreak int
	MaxLossStrk  int
	AvgDuration  time.Duration
}

// Stats считает сводку по закрытым сделкам. Повторные вызовы без новых
// закрытий возвращают те же значения.
func (l *Ledger) Stats() Stats {
	return statsOf(l.Trades())
}

// StrategyStats считает сводки отдельно по каждой стратегии
func (l *Ledger) StrategyStats() map[string]Stats {
	byStrategy := make(map[string][]models.Trade)
	for _, t := range l.Trades() {
		byStrategy[t.Strategy] = append(byStrategy[t.Strategy], t)
	}

	out := make(map[string]Stats, len(byStrategy))
	for name, trades := range byStrategy {
		out[name] = statsOf(trades)
	}
	return out
}

func statsOf(trades []models.Trade) Stats {
	var s Stats
	var winStreak, lossStreak int
	var totalDuration time.Duration

	for _, t := range trades {
		s.Total++
		if t.Status == models.TradeOpen {
			s.Open++
			continue
		}
		s.Closed++
		s.TotalProfit += t.Profit
		totalDuration += t.Duration()

		if t.Profit > 0 {
			s.Wins++
			s.GrossProfit += t.Profit
			winStreak++
			lossStreak = 0
		} else {
			s.Losses++
			s.GrossLoss += -t.Profit
			lossStreak++
			winStreak = 0
		}
		if winStreak > s.MaxWinStreak {
			s.MaxWinStreak = winStreak
		}
		if lossStreak > s.MaxLossStrk {
			s.MaxLossStrk = lossStreak
		}
	}

	if s.Closed > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Closed) * 100
		s.AvgDuration = totalDuration / time.Duration(s.Closed)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	} else if s.GrossProfit > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	return s
}
