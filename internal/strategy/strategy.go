package strategy

import (
	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/pkg/models"
)

// Ключи зарегистрированных стратегий
const (
	KeyMA   = "MA"
	KeyDKLL = "DKLL"
	KeyRSI  = "RSI"
)

// Strategy описывает торговую стратегию: расчет индикаторов и генерацию сигнала.
// ComputeIndicators не хранит состояния между вызовами: один и тот же ряд свечей
// всегда дает один и тот же фрейм.
type Strategy interface {
	// Name возвращает ключ стратегии (MA/DKLL/RSI)
	Name() string
	// Describe возвращает человекочитаемое описание с параметрами
	Describe() string
	// Params возвращает копию текущих параметров
	Params() map[string]int
	// SetParams обновляет параметры (неизвестные ключи игнорируются)
	SetParams(params map[string]int)
	// UsesProtectiveStops сообщает, выставлять ли стоп-лосс/тейк-профит
	UsesProtectiveStops() bool
	// ComputeIndicators считает колонки индикаторов по свечам
	ComputeIndicators(bars []models.Candle) *indicator.Frame
	// GenerateSignal оценивает последнюю свечу фрейма.
	// Недостаток истории это SignalNone, не ошибка.
	GenerateSignal(frame *indicator.Frame) models.Signal
}

// params хранит изменяемые параметры стратегии
type params struct {
	values map[string]int
}

func newParams(defaults map[string]int) params {
	values := make(map[string]int, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return params{values: values}
}

// Params возвращает копию параметров
func (p *params) Params() map[string]int {
	out := make(map[string]int, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// SetParams обновляет только известные стратегии параметры
func (p *params) SetParams(updates map[string]int) {
	for k, v := range updates {
		if _, ok := p.values[k]; ok {
			p.values[k] = v
		}
	}
}

func (p *params) get(key string) int {
	return p.values[key]
}

func (p *params) max() int {
	m := 0
	for _, v := range p.values {
		if v > m {
			m = v
		}
	}
	return m
}
