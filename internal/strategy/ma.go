package strategy

import (
	"fmt"

	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/pkg/models"
)

// MA реализует стратегию пересечения двух простых скользящих средних
type MA struct {
	params
}

// NewMA создает стратегию двух средних с параметрами по умолчанию
func NewMA(overrides map[string]int) *MA {
	s := &MA{params: newParams(map[string]int{
		"ma_short": 10,
		"ma_long":  20,
	})}
	s.SetParams(overrides)
	return s
}

func (s *MA) Name() string { return KeyMA }

func (s *MA) Describe() string {
	return fmt.Sprintf("Двойная средняя: пересечения MA%d и MA%d",
		s.get("ma_short"), s.get("ma_long"))
}

func (s *MA) UsesProtectiveStops() bool { return true }

// ComputeIndicators считает короткую и длинную средние по ценам закрытия
func (s *MA) ComputeIndicators(bars []models.Candle) *indicator.Frame {
	frame := indicator.NewFrame(bars)
	closes := indicator.Closes(bars)
	frame.Set("MA_fast", indicator.SMA(closes, s.get("ma_short")))
	frame.Set("MA_slow", indicator.SMA(closes, s.get("ma_long")))
	return frame
}

// GenerateSignal дает BUY на пересечении короткой средней вверх через длинную
// и SELL на обратном пересечении. Пока предыдущая свеча не дает определенного
// соотношения средних, считается что короткая не была ни выше, ни ниже: первый
// же определенный бар с расхождением средних дает сигнал входа в тренд.
func (s *MA) GenerateSignal(frame *indicator.Frame) models.Signal {
	if frame.Len() < 2 {
		return models.SignalNone
	}

	fast := frame.Last("MA_fast")
	slow := frame.Last("MA_slow")
	if !indicator.Defined(fast) || !indicator.Defined(slow) {
		return models.SignalNone
	}

	prevFast := frame.Prev("MA_fast")
	prevSlow := frame.Prev("MA_slow")
	prevKnown := indicator.Defined(prevFast) && indicator.Defined(prevSlow)
	wasAbove := prevKnown && prevFast > prevSlow
	wasBelow := prevKnown && prevFast < prevSlow

	if fast > slow && !wasAbove {
		return models.SignalBuy
	}
	if fast < slow && !wasBelow {
		return models.SignalSell
	}
	return models.SignalNone
}
