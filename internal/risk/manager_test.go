package risk

import (
	"context"
	"math"
	"testing"

	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/pkg/models"
)

// fakeBroker управляемая заглушка брокера
type fakeBroker struct {
	account   models.AccountInfo
	positions []models.Position
	info      models.SymbolInfo
	tick      models.Tick
}

func (f *fakeBroker) Ping(ctx context.Context) error { return nil }

func (f *fakeBroker) Tick(ctx context.Context, symbol string) (*models.Tick, error) {
	t := f.tick
	return &t, nil
}

func (f *fakeBroker) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (f *fakeBroker) Account(ctx context.Context) (*models.AccountInfo, error) {
	a := f.account
	return &a, nil
}

func (f *fakeBroker) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) DealHistory(ctx context.Context, ticket int64) ([]models.Deal, error) {
	return nil, nil
}

func (f *fakeBroker) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	i := f.info
	return &i, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	return &models.OrderResult{RetCode: models.RetDone}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, ticket int64, comment string) (*models.OrderResult, error) {
	return &models.OrderResult{RetCode: models.RetDone}, nil
}

func testSymbols() map[string]config.SymbolConfig {
	return map[string]config.SymbolConfig{
		"BTCUSDT": {
			Enabled:        true,
			PositionRatio:  0.5,
			MaxPositions:   2,
			VolumePerTrade: 0.1,
			MaxVolume:      0.2,
			Strategy:       "MA",
		},
		"ETHUSDT": {Enabled: false},
	}
}

func testMoney() config.MoneyConfig {
	return config.MoneyConfig{
		MaxRiskPerTrade:    0.02,
		MaxTotalRisk:       0.1,
		MinFreeMarginRatio: 0.5,
	}
}

func healthyAccount() models.AccountInfo {
	return models.AccountInfo{
		Balance:      10000,
		Equity:       10000,
		Margin:       100,
		MarginFree:   9900,
		TradeAllowed: true,
	}
}

func TestCanOpen(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		symbol  string
		broker  *fakeBroker
		allowed bool
	}{
		{
			name:    "все проверки проходят",
			symbol:  "BTCUSDT",
			broker:  &fakeBroker{account: healthyAccount()},
			allowed: true,
		},
		{
			name:    "инструмент отключен",
			symbol:  "ETHUSDT",
			broker:  &fakeBroker{account: healthyAccount()},
			allowed: false,
		},
		{
			name:    "незнакомый инструмент",
			symbol:  "XRPUSDT",
			broker:  &fakeBroker{account: healthyAccount()},
			allowed: false,
		},
		{
			name:   "лимит позиций исчерпан",
			symbol: "BTCUSDT",
			broker: &fakeBroker{
				account: healthyAccount(),
				positions: []models.Position{
					{Ticket: 1, Volume: 0.05}, {Ticket: 2, Volume: 0.05},
				},
			},
			allowed: false,
		},
		{
			name:   "лимит объема исчерпан",
			symbol: "BTCUSDT",
			broker: &fakeBroker{
				account:   healthyAccount(),
				positions: []models.Position{{Ticket: 1, Volume: 0.15}},
			},
			allowed: false,
		},
		{
			name:   "торговля на счете запрещена",
			symbol: "BTCUSDT",
			broker: &fakeBroker{account: models.AccountInfo{
				Balance: 10000, Equity: 10000, MarginFree: 9900, TradeAllowed: false,
			}},
			allowed: false,
		},
		{
			name:   "свободной маржи мало",
			symbol: "BTCUSDT",
			broker: &fakeBroker{account: models.AccountInfo{
				Balance: 10000, Equity: 10000, Margin: 1000, MarginFree: 400, TradeAllowed: true,
			}},
			allowed: false,
		},
		{
			name:   "плавающий убыток выше лимита",
			symbol: "BTCUSDT",
			broker: &fakeBroker{account: models.AccountInfo{
				Balance: 10000, Equity: 8500, MarginFree: 8000, TradeAllowed: true,
			}},
			allowed: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(testMoney(), testSymbols())
			allowed, reason, err := m.CanOpen(ctx, tc.broker, tc.symbol)
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if allowed != tc.allowed {
				t.Errorf("ожидалось allowed=%v, получено %v (причина: %s)", tc.allowed, allowed, reason)
			}
			if !allowed && reason == "" {
				t.Error("отказ должен сопровождаться причиной")
			}
		})
	}
}

func TestSizePositionFixed(t *testing.T) {
	m := NewManager(testMoney(), testSymbols())
	b := &fakeBroker{
		account: healthyAccount(),
		info:    models.SymbolInfo{VolumeMin: 0.001, VolumeMax: 10, VolumeStep: 0.001},
	}

	volume, err := m.SizePosition(context.Background(), b, "BTCUSDT", 50000)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if math.Abs(volume-0.1) > 1e-9 {
		t.Errorf("без динамики ожидался объем 0.1, получено %v", volume)
	}
}

func TestSizePositionDynamic(t *testing.T) {
	money := testMoney()
	money.UseDynamicVolume = true
	m := NewManager(money, testSymbols())
	b := &fakeBroker{
		account: healthyAccount(),
		info:    models.SymbolInfo{VolumeMin: 0.001, VolumeMax: 10, VolumeStep: 0.001},
	}

	// 10000 * 0.5 * 0.02 / 50000 = 0.002
	volume, err := m.SizePosition(context.Background(), b, "BTCUSDT", 50000)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if math.Abs(volume-0.002) > 1e-9 {
		t.Errorf("ожидался объем 0.002, получено %v", volume)
	}
}

func TestSizePositionStepRounding(t *testing.T) {
	symbols := testSymbols()
	sc := symbols["BTCUSDT"]
	sc.VolumePerTrade = 0.057
	symbols["BTCUSDT"] = sc

	m := NewManager(testMoney(), symbols)
	b := &fakeBroker{
		account: healthyAccount(),
		info:    models.SymbolInfo{VolumeMin: 0.01, VolumeMax: 10, VolumeStep: 0.01},
	}

	volume, err := m.SizePosition(context.Background(), b, "BTCUSDT", 50000)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if math.Abs(volume-0.05) > 1e-9 {
		t.Errorf("объем должен округляться вниз до шага: ожидалось 0.05, получено %v", volume)
	}
}

func TestSizePositionBelowMinimum(t *testing.T) {
	money := testMoney()
	money.UseDynamicVolume = true
	m := NewManager(money, testSymbols())
	b := &fakeBroker{
		account: models.AccountInfo{Balance: 10, Equity: 10, MarginFree: 10, TradeAllowed: true},
		info:    models.SymbolInfo{VolumeMin: 0.001, VolumeMax: 10, VolumeStep: 0.001},
	}

	if _, err := m.SizePosition(context.Background(), b, "BTCUSDT", 50000); err == nil {
		t.Error("объем ниже минимального лота должен давать ошибку")
	}
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name   string
		equity float64
		level  Level
	}{
		{"в пределах лимитов", 9900, LevelNormal},
		{"приближение к лимиту", 9200, LevelWarning},
		{"лимит превышен", 8500, LevelHigh},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(testMoney(), testSymbols())
			b := &fakeBroker{account: models.AccountInfo{
				Balance: 10000, Equity: tc.equity, MarginFree: 9000, TradeAllowed: true,
			}}
			s, err := m.Assess(context.Background(), b)
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if s.Level != tc.level {
				t.Errorf("ожидался уровень %s, получен %s", tc.level, s.Level)
			}
		})
	}
}

func TestShouldForceClose(t *testing.T) {
	m := NewManager(testMoney(), testSymbols())
	const balance = 10000 // риск на сделку 2% = 200

	tests := []struct {
		name   string
		profit float64
		want   bool
	}{
		{"убыток выше лимита сделки", -250, true},
		{"убыток в пределах лимита", -150, false},
		{"убыток ровно на лимите", -200, false},
		{"прибыльная позиция", 300, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := models.Position{Ticket: 1, Symbol: "BTCUSDT", Profit: tc.profit}
			force, reason := m.ShouldForceClose(p, balance)
			if force != tc.want {
				t.Errorf("ожидалось %v, получено %v", tc.want, force)
			}
			if force && reason == "" {
				t.Error("закрытие должно сопровождаться причиной")
			}
		})
	}
}

func TestShouldLiquidate(t *testing.T) {
	m := NewManager(testMoney(), testSymbols())

	if m.ShouldLiquidate(&Summary{Level: LevelHigh, Balance: 10000, Equity: 8500}) != true {
		t.Error("просадка с высоким уровнем должна закрывать позиции")
	}
	// Плавающая прибыль выше лимита не повод закрывать
	if m.ShouldLiquidate(&Summary{Level: LevelHigh, Balance: 10000, Equity: 11500}) != false {
		t.Error("плавающая прибыль не должна вызывать закрытие")
	}
	if m.ShouldLiquidate(&Summary{Level: LevelNormal, Balance: 10000, Equity: 9900}) != false {
		t.Error("нормальный уровень не должен вызывать закрытие")
	}
}

func TestSuggestAllocation(t *testing.T) {
	symbols := map[string]config.SymbolConfig{
		"BTCUSDT": {Enabled: true, PositionRatio: 0.7},
		"ETHUSDT": {Enabled: true, PositionRatio: 0.6},
		"XRPUSDT": {Enabled: false, PositionRatio: 0.9},
	}
	m := NewManager(testMoney(), symbols)

	suggestion := m.SuggestAllocation()
	if suggestion == nil {
		t.Fatal("превышение 100% должно давать предложение")
	}
	if math.Abs(suggestion["BTCUSDT"]-0.5) > 1e-9 || math.Abs(suggestion["ETHUSDT"]-0.5) > 1e-9 {
		t.Errorf("ожидались равные доли 0.5, получено %v", suggestion)
	}
	if _, ok := suggestion["XRPUSDT"]; ok {
		t.Error("выключенный инструмент не участвует в распределении")
	}

	// Согласованные доли предложения не требуют
	okSymbols := map[string]config.SymbolConfig{
		"BTCUSDT": {Enabled: true, PositionRatio: 0.4},
	}
	if NewManager(testMoney(), okSymbols).SuggestAllocation() != nil {
		t.Error("доли в пределах 100% не должны давать предложение")
	}
}
