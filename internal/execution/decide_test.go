package execution

import (
	"math"
	"testing"

	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/internal/strategy"
	"github.com/skalibog/atse/pkg/models"
)

func dlFrame(dl float64) *indicator.Frame {
	bars := make([]models.Candle, 24)
	frame := indicator.NewFrame(bars)
	col := make([]float64, 24)
	for i := range col {
		col[i] = math.NaN()
	}
	col[23] = dl
	frame.Set("DL", col)
	return frame
}

func TestDecideReversalStrategies(t *testing.T) {
	ma := strategy.NewMA(nil)
	long := models.Position{Ticket: 1, Symbol: "BTCUSDT", Side: models.SideBuy}
	short := models.Position{Ticket: 2, Symbol: "BTCUSDT", Side: models.SideSell}

	t.Run("встречный сигнал закрывает длинную", func(t *testing.T) {
		action := Decide(ma, models.SignalSell, nil, []models.Position{long})
		if len(action.CloseTickets) != 1 || action.CloseTickets[0] != 1 {
			t.Fatalf("ожидалось закрытие тикета 1, получено %v", action.CloseTickets)
		}
		if action.OpenWanted {
			t.Error("закрытие должно подавлять открытие в том же такте")
		}
	})

	t.Run("встречный сигнал закрывает короткую", func(t *testing.T) {
		action := Decide(ma, models.SignalBuy, nil, []models.Position{short})
		if len(action.CloseTickets) != 1 || action.CloseTickets[0] != 2 {
			t.Fatalf("ожидалось закрытие тикета 2, получено %v", action.CloseTickets)
		}
		if action.OpenWanted {
			t.Error("закрытие должно подавлять открытие в том же такте")
		}
	})

	t.Run("попутный сигнал не доливает позицию", func(t *testing.T) {
		action := Decide(ma, models.SignalBuy, nil, []models.Position{long})
		if len(action.CloseTickets) != 0 {
			t.Errorf("попутная позиция не должна закрываться: %v", action.CloseTickets)
		}
		if action.OpenWanted {
			t.Error("при открытой позиции новая не открывается")
		}
	})

	t.Run("сигнал без позиций открывает", func(t *testing.T) {
		action := Decide(ma, models.SignalSell, nil, nil)
		if !action.OpenWanted || action.Open != models.SideSell {
			t.Errorf("ожидалось открытие SELL, получено %+v", action)
		}
	})

	t.Run("без сигнала ничего не происходит", func(t *testing.T) {
		action := Decide(ma, models.SignalNone, nil, []models.Position{long})
		if len(action.CloseTickets) != 0 || action.OpenWanted {
			t.Errorf("при NONE действий быть не должно: %+v", action)
		}
	})
}

func TestDecideDKLLExits(t *testing.T) {
	dkll := strategy.NewDKLL(nil)
	long := models.Position{Ticket: 1, Side: models.SideBuy}
	short := models.Position{Ticket: 2, Side: models.SideSell}

	tests := []struct {
		name      string
		dl        float64
		positions []models.Position
		closed    []int64
	}{
		{"потеря бычьего консенсуса закрывает длинную", 0, []models.Position{long}, []int64{1}},
		{"медвежий DL закрывает длинную", -2, []models.Position{long}, []int64{1}},
		{"бычий DL держит длинную", 2, []models.Position{long}, nil},
		{"потеря медвежьего консенсуса закрывает короткую", 0, []models.Position{short}, []int64{2}},
		{"бычий DL закрывает короткую", 2, []models.Position{short}, []int64{2}},
		{"медвежий DL держит короткую", -2, []models.Position{short}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := dlFrame(tc.dl)
			action := Decide(dkll, dkll.GenerateSignal(frame), frame, tc.positions)
			if len(action.CloseTickets) != len(tc.closed) {
				t.Fatalf("ожидались закрытия %v, получено %v", tc.closed, action.CloseTickets)
			}
			for i, ticket := range tc.closed {
				if action.CloseTickets[i] != ticket {
					t.Errorf("ожидался тикет %d, получен %d", ticket, action.CloseTickets[i])
				}
			}
		})
	}
}

func TestDecideDKLLCloseSuppressesOpen(t *testing.T) {
	dkll := strategy.NewDKLL(nil)
	long := models.Position{Ticket: 1, Side: models.SideBuy}

	// DL=-2 дает сигнал SELL и одновременно закрывает длинную:
	// открытие короткой откладывается до следующего такта
	frame := dlFrame(-2)
	action := Decide(dkll, dkll.GenerateSignal(frame), frame, []models.Position{long})
	if len(action.CloseTickets) != 1 {
		t.Fatal("длинная позиция должна закрыться")
	}
	if action.OpenWanted {
		t.Error("переворот не должен происходить в один такт")
	}
}

func TestProtectiveLevels(t *testing.T) {
	info := &models.SymbolInfo{Point: 0.1, StopsLevel: 0, FreezeLevel: 0}

	t.Run("длинная позиция", func(t *testing.T) {
		sl, tp := protectiveLevels(models.SideBuy, 50000, info)
		// минимальная дистанция 1000 пунктов = 100, SL = max(200, 500) = 500
		if sl != 49500 {
			t.Errorf("ожидался SL 49500, получен %v", sl)
		}
		// TP = max(300, 1000) = 1000
		if tp != 51000 {
			t.Errorf("ожидался TP 51000, получен %v", tp)
		}
	})

	t.Run("короткая позиция", func(t *testing.T) {
		sl, tp := protectiveLevels(models.SideSell, 50000, info)
		if sl != 50500 {
			t.Errorf("ожидался SL 50500, получен %v", sl)
		}
		if tp != 49000 {
			t.Errorf("ожидался TP 49000, получен %v", tp)
		}
	})

	t.Run("широкий стоп-уровень инструмента", func(t *testing.T) {
		wide := &models.SymbolInfo{Point: 0.1, StopsLevel: 4000}
		sl, _ := protectiveLevels(models.SideBuy, 50000, wide)
		// минимальная дистанция 4000*0.1=400, SL-дистанция max(800, 500) = 800
		if sl != 49200 {
			t.Errorf("ожидался SL 49200, получен %v", sl)
		}
	})
}
