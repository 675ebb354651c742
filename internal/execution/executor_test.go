package execution

import (
	"context"
	"testing"
	"time"

	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/internal/ledger"
	"github.com/skalibog/atse/internal/notify"
	"github.com/skalibog/atse/internal/risk"
	"github.com/skalibog/atse/pkg/models"
)

// fakeBroker отклоняет стопы заданное число раз и записывает запросы
type fakeBroker struct {
	rejectStops bool
	requests    []models.OrderRequest
	closed      []int64
	nextOrder   int64
}

func (f *fakeBroker) Ping(ctx context.Context) error { return nil }

func (f *fakeBroker) Tick(ctx context.Context, symbol string) (*models.Tick, error) {
	return &models.Tick{Symbol: symbol, Bid: 49999, Ask: 50001, Time: time.Now()}, nil
}

func (f *fakeBroker) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) Account(ctx context.Context) (*models.AccountInfo, error) {
	return &models.AccountInfo{
		Balance: 10000, Equity: 10000, MarginFree: 9900, TradeAllowed: true,
	}, nil
}

func (f *fakeBroker) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	return nil, nil
}

func (f *fakeBroker) DealHistory(ctx context.Context, ticket int64) ([]models.Deal, error) {
	return nil, nil
}

func (f *fakeBroker) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	return &models.SymbolInfo{
		Symbol: symbol, Point: 0.1,
		VolumeMin: 0.001, VolumeMax: 10, VolumeStep: 0.001,
	}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.requests = append(f.requests, req)
	if f.rejectStops && (req.StopLoss != 0 || req.TakeProfit != 0) {
		return &models.OrderResult{RetCode: models.RetInvalidStops}, nil
	}
	f.nextOrder++
	return &models.OrderResult{RetCode: models.RetDone, Order: f.nextOrder, Price: req.Price}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, ticket int64, comment string) (*models.OrderResult, error) {
	f.closed = append(f.closed, ticket)
	return &models.OrderResult{RetCode: models.RetDone, Price: 50000}, nil
}

func newTestExecutor(b *fakeBroker) (*Executor, *ledger.Ledger) {
	symbols := map[string]config.SymbolConfig{
		"BTCUSDT": {
			Enabled:        true,
			PositionRatio:  0.5,
			MaxPositions:   2,
			VolumePerTrade: 0.1,
			MaxVolume:      0.5,
		},
	}
	money := config.MoneyConfig{
		MaxRiskPerTrade:    0.02,
		MaxTotalRisk:       0.1,
		MinFreeMarginRatio: 0.5,
	}
	journal := ledger.NewLedger()
	ex := NewExecutor(b, risk.NewManager(money, symbols), journal,
		notify.NewLogEvents(), nil, config.TradingConfig{Deviation: 20})
	return ex, journal
}

func TestOpenWithStops(t *testing.T) {
	b := &fakeBroker{}
	ex, journal := newTestExecutor(b)

	trade, err := ex.Open(context.Background(), "BTCUSDT", models.SideBuy, "MA", true)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if trade == nil {
		t.Fatal("сделка должна открыться")
	}

	if len(b.requests) != 1 {
		t.Fatalf("ожидался один запрос, получено %d", len(b.requests))
	}
	req := b.requests[0]
	if req.StopLoss == 0 || req.TakeProfit == 0 {
		t.Error("стратегия со стопами должна выставлять защитные уровни")
	}
	if req.StopLoss >= req.Price || req.TakeProfit <= req.Price {
		t.Errorf("уровни длинной позиции по неверные стороны: sl=%v tp=%v price=%v",
			req.StopLoss, req.TakeProfit, req.Price)
	}

	if got := journal.OpenTickets(); len(got) != 1 {
		t.Error("сделка должна попасть в журнал")
	}
}

func TestOpenRetriesWithoutStops(t *testing.T) {
	b := &fakeBroker{rejectStops: true}
	ex, journal := newTestExecutor(b)

	trade, err := ex.Open(context.Background(), "BTCUSDT", models.SideBuy, "MA", true)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if trade == nil {
		t.Fatal("повтор без стопов должен открыть сделку")
	}

	if len(b.requests) != 2 {
		t.Fatalf("ожидались исходный запрос и повтор, получено %d", len(b.requests))
	}
	retry := b.requests[1]
	if retry.StopLoss != 0 || retry.TakeProfit != 0 {
		t.Error("повторный запрос должен идти без защитных уровней")
	}
	if len(journal.OpenTickets()) != 1 {
		t.Error("сделка после повтора должна попасть в журнал")
	}
}

func TestOpenWithoutStops(t *testing.T) {
	b := &fakeBroker{}
	ex, _ := newTestExecutor(b)

	// Стратегия без защитных стопов (DKLL) не выставляет уровни вовсе
	_, err := ex.Open(context.Background(), "BTCUSDT", models.SideBuy, "DKLL", false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	req := b.requests[0]
	if req.StopLoss != 0 || req.TakeProfit != 0 {
		t.Error("без запроса стопов уровни должны быть нулевыми")
	}
}

func TestOpenRefusedByRisk(t *testing.T) {
	b := &fakeBroker{}
	ex, journal := newTestExecutor(b)

	trade, err := ex.Open(context.Background(), "ETHUSDT", models.SideBuy, "MA", true)
	if err != nil {
		t.Fatalf("отказ риск-менеджера не должен быть ошибкой: %v", err)
	}
	if trade != nil {
		t.Error("сделка по несконфигурированному инструменту не должна открываться")
	}
	if len(b.requests) != 0 {
		t.Error("до брокера запрос доходить не должен")
	}
	if len(journal.Trades()) != 0 {
		t.Error("журнал должен остаться пустым")
	}
}

func TestClose(t *testing.T) {
	b := &fakeBroker{}
	ex, journal := newTestExecutor(b)

	trade, err := ex.Open(context.Background(), "BTCUSDT", models.SideBuy, "MA", false)
	if err != nil || trade == nil {
		t.Fatalf("сделка не открылась: %v", err)
	}

	position := models.Position{
		Ticket: trade.Ticket,
		Symbol: "BTCUSDT",
		Side:   models.SideBuy,
		Volume: trade.Volume,
		Price:  trade.OpenPrice,
		Profit: 12.5,
	}
	if err := ex.Close(context.Background(), position, "тест"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if len(b.closed) != 1 || b.closed[0] != trade.Ticket {
		t.Errorf("брокеру должен уйти тикет %d: %v", trade.Ticket, b.closed)
	}
	trades := journal.Trades()
	if trades[0].Status != models.TradeClosed || trades[0].Profit != 12.5 {
		t.Errorf("журнал не обновился: %+v", trades[0])
	}
}
