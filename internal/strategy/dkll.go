package strategy

import (
	"fmt"

	"github.com/skalibog/atse/internal/indicator"
	"github.com/skalibog/atse/pkg/models"
)

// DKLL реализует комбинированную стратегию двух осцилляторов.
// DK дает направленный бит по силе тренда и паре средних A1/A2,
// LL дает знак нормированной "мощности", DL = DK + LL.
// Стратегия не использует стоп-лосс/тейк-профит: выход только по сигналу.
type DKLL struct {
	params
}

// NewDKLL создает DKLL-стратегию с параметрами по умолчанию
func NewDKLL(overrides map[string]int) *DKLL {
	s := &DKLL{params: newParams(map[string]int{
		"n_str": 19, // период силы DK
		"n_a1":  11, // период взвешенной средней A1
		"n_a2":  19, // период простой средней A2
		"n_ll":  19, // период мощности LL
	})}
	s.SetParams(overrides)
	return s
}

func (s *DKLL) Name() string { return KeyDKLL }

func (s *DKLL) Describe() string {
	return fmt.Sprintf("DKLL: DK(%d,%d,%d) + LL(%d), без защитных стопов, выход по сигналу",
		s.get("n_str"), s.get("n_a1"), s.get("n_a2"), s.get("n_ll"))
}

func (s *DKLL) UsesProtectiveStops() bool { return false }

// ComputeIndicators считает колонки TYP, strength, A1, A2, DK, POWER, LL, DL.
// DK считается явной сверткой по ряду: нерешительные бары наследуют
// последнее решительное значение, до первого решения DK равен нулю.
func (s *DKLL) ComputeIndicators(bars []models.Candle) *indicator.Frame {
	frame := indicator.NewFrame(bars)
	n := len(bars)

	typ := indicator.Typical(bars)
	frame.Set("TYP", typ)

	// Сила тренда: отклонение типичной цены от среднего, нормированное
	// средним абсолютным отклонением
	nStr := s.get("n_str")
	strength := indicator.Oscillate(typ,
		indicator.RollingMean(typ, nStr),
		indicator.AveDev(typ, nStr))
	frame.Set("strength", strength)

	// A1/A2: взвешенная средняя опорной цены и ее простая средняя
	a := make([]float64, n)
	for i, b := range bars {
		a[i] = (b.Close*3 + b.Low + b.High) / 6
	}
	a1 := indicator.WMA(a, s.get("n_a1"))
	a2 := indicator.RollingMean(a1, s.get("n_a2"))
	frame.Set("A1", a1)
	frame.Set("A2", a2)

	// DK: +1 при положительной силе и A1 выше A2, -1 в зеркальном случае,
	// иначе переносится предыдущее значение
	dk := make([]float64, n)
	last := 0.0
	for i := 0; i < n; i++ {
		decisive := indicator.Defined(strength[i]) &&
			indicator.Defined(a1[i]) && indicator.Defined(a2[i])
		if decisive {
			switch {
			case strength[i] > 0 && a1[i] > a2[i]:
				last = 1
			case strength[i] < 0 && a1[i] < a2[i]:
				last = -1
			}
		}
		dk[i] = last
	}
	frame.Set("DK", dk)

	// LL: знак нормированной мощности; неопределенная мощность трактуется
	// как отрицательная, нулевое отклонение как нейтральный ноль
	nLL := s.get("n_ll")
	power := indicator.Oscillate(typ,
		indicator.RollingMean(typ, nLL),
		indicator.AveDev(typ, nLL))
	frame.Set("POWER", power)

	ll := make([]float64, n)
	dl := make([]float64, n)
	for i := 0; i < n; i++ {
		if indicator.Defined(power[i]) && power[i] >= 0 {
			ll[i] = 1
		} else {
			ll[i] = -1
		}
		dl[i] = dk[i] + ll[i]
	}
	frame.Set("LL", ll)
	frame.Set("DL", dl)

	return frame
}

// GenerateSignal открывает позицию только на крайних значениях DL:
// +2 покупка, -2 продажа
func (s *DKLL) GenerateSignal(frame *indicator.Frame) models.Signal {
	if frame.Len() < s.max()+5 {
		return models.SignalNone
	}

	dl := frame.Last("DL")
	if !indicator.Defined(dl) {
		return models.SignalNone
	}

	switch dl {
	case 2:
		return models.SignalBuy
	case -2:
		return models.SignalSell
	}
	return models.SignalNone
}
