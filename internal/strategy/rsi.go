package strategy

import (
	"fmt"

	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/pkg/models"
)

// RSI реализует стратегию перепроданности/перекупленности по индексу
// относительной силы
type RSI struct {
	params
}

// NewRSI создает RSI-стратегию с параметрами по умолчанию
func NewRSI(overrides map[string]int) *RSI {
	s := &RSI{params: newParams(map[string]int{
		"rsi_period": 14,
		"oversold":   30,
		"overbought": 70,
	})}
	s.SetParams(overrides)
	return s
}

func (s *RSI) Name() string { return KeyRSI }

func (s *RSI) Describe() string {
	return fmt.Sprintf("RSI(%d): перекупленность %d, перепроданность %d",
		s.get("rsi_period"), s.get("overbought"), s.get("oversold"))
}

func (s *RSI) UsesProtectiveStops() bool { return true }

// ComputeIndicators считает RSI по ценам закрытия
func (s *RSI) ComputeIndicators(bars []models.Candle) *indicator.Frame {
	frame := indicator.NewFrame(bars)
	frame.Set("RSI", indicator.RSI(indicator.Closes(bars), s.get("rsi_period")))
	return frame
}

// GenerateSignal дает BUY на выходе RSI вверх из зоны перепроданности
// и SELL на выходе вниз из зоны перекупленности
func (s *RSI) GenerateSignal(frame *indicator.Frame) models.Signal {
	if frame.Len() < s.get("rsi_period")+5 {
		return models.SignalNone
	}

	current := frame.Last("RSI")
	prev := frame.Prev("RSI")
	if !indicator.Defined(current) || !indicator.Defined(prev) {
		return models.SignalNone
	}

	oversold := float64(s.get("oversold"))
	overbought := float64(s.get("overbought"))

	if prev <= oversold && current > oversold {
		return models.SignalBuy
	}
	if prev >= overbought && current < overbought {
		return models.SignalSell
	}
	return models.SignalNone
}
