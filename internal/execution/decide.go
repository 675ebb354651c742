package execution

import (
	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/internal/strategy"
	"github.com/skalibog/atse/pkg/models"
)

// Action описывает намерение исполнителя по итогам сигнала
type Action struct {
	CloseTickets []int64     // позиции, подлежащие закрытию
	Open         models.Side // сторона новой позиции
	OpenWanted   bool
}

// Decide сопоставляет сигнал стратегии с открытыми позициями.
// У DKLL выходы определяет индикатор: длинная позиция закрывается при
// потере бычьего консенсуса, короткая при потере медвежьего. Остальные
// стратегии закрывают позицию встречным сигналом. Новая позиция
// открывается только без открытых: закрытие и долив подавляются до
// следующего цикла, чтобы переворот не случился в один такт.
func Decide(s strategy.Strategy, signal models.Signal, frame *indicator.Frame, positions []models.Position) Action {
	var action Action

	if s.Name() == strategy.KeyDKLL {
		dl, defined := lastDL(frame)
		for _, p := range positions {
			if !defined {
				continue
			}
			if p.Side == models.SideBuy && dl <= 0 {
				action.CloseTickets = append(action.CloseTickets, p.Ticket)
			}
			if p.Side == models.SideSell && dl >= 0 {
				action.CloseTickets = append(action.CloseTickets, p.Ticket)
			}
		}
	} else {
		for _, p := range positions {
			if p.Side == models.SideBuy && signal == models.SignalSell {
				action.CloseTickets = append(action.CloseTickets, p.Ticket)
			}
			if p.Side == models.SideSell && signal == models.SignalBuy {
				action.CloseTickets = append(action.CloseTickets, p.Ticket)
			}
		}
	}

	if len(positions) > 0 {
		return action
	}

	switch signal {
	case models.SignalBuy:
		action.Open = models.SideBuy
		action.OpenWanted = true
	case models.SignalSell:
		action.Open = models.SideSell
		action.OpenWanted = true
	}
	return action
}

func lastDL(frame *indicator.Frame) (float64, bool) {
	if frame == nil || frame.Len() == 0 {
		return 0, false
	}
	dl := frame.Last("DL")
	if !indicator.Defined(dl) {
		return 0, false
	}
	return dl, true
}
