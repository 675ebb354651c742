package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/atse/pkg/models"
)

// Пакет считает производные ряды по последовательности свечей.
// Отсутствующее значение (короткая история окна) кодируется как NaN.

// Defined сообщает, определено ли значение ряда
func Defined(v float64) bool {
	return !math.IsNaN(v)
}

// Frame расширяет последовательность свечей именованными числовыми колонками
type Frame struct {
	Bars    []models.Candle
	Columns map[string][]float64
}

// NewFrame создает фрейм поверх свечей
func NewFrame(bars []models.Candle) *Frame {
	return &Frame{
		Bars:    bars,
		Columns: make(map[string][]float64),
	}
}

// Len возвращает число свечей
func (f *Frame) Len() int {
	return len(f.Bars)
}

// Set добавляет колонку. Длина колонки должна совпадать с числом свечей.
func (f *Frame) Set(name string, values []float64) {
	if len(values) != len(f.Bars) {
		panic("indicator: длина колонки не совпадает с числом свечей")
	}
	f.Columns[name] = values
}

// Value возвращает значение колонки в позиции i, NaN если колонки нет
func (f *Frame) Value(name string, i int) float64 {
	col, ok := f.Columns[name]
	if !ok || i < 0 || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

// Last возвращает последнее значение колонки
func (f *Frame) Last(name string) float64 {
	return f.Value(name, len(f.Bars)-1)
}

// Prev возвращает предпоследнее значение колонки
func (f *Frame) Prev(name string) float64 {
	return f.Value(name, len(f.Bars)-2)
}

// Slice возвращает фрейм-префикс первых n свечей (колонки разделяются)
func (f *Frame) Slice(n int) *Frame {
	sub := &Frame{
		Bars:    f.Bars[:n],
		Columns: make(map[string][]float64, len(f.Columns)),
	}
	for name, col := range f.Columns {
		sub.Columns[name] = col[:n]
	}
	return sub
}

// Closes извлекает цены закрытия
func Closes(bars []models.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Typical считает типичную цену (close+high+low)/3
func Typical(bars []models.Candle) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = (b.Close + b.High + b.Low) / 3
	}
	return out
}

// SMA считает простое скользящее среднее. Первые period-1 значений не определены.
func SMA(values []float64, period int) []float64 {
	if len(values) < period {
		return undefined(len(values))
	}
	out := talib.Sma(values, period)
	markWarmup(out, period-1)
	return out
}

// WMA считает взвешенное скользящее среднее с линейно растущими весами.
// Первые period-1 значений не определены.
func WMA(values []float64, period int) []float64 {
	if len(values) < period {
		return undefined(len(values))
	}
	out := talib.Wma(values, period)
	markWarmup(out, period-1)
	return out
}

// RSI считает индекс относительной силы по Уайлдеру.
// Первые period значений не определены.
func RSI(values []float64, period int) []float64 {
	if len(values) <= period {
		return undefined(len(values))
	}
	out := talib.Rsi(values, period)
	markWarmup(out, period)
	return out
}

// RollingMean считает скользящее среднее с расширяющимся окном в начале
// (как min_periods=1): пока истории меньше периода, усредняется вся история.
// Неопределенные значения внутри окна пропускаются.
func RollingMean(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		sum := 0.0
		n := 0
		for j := start; j <= i; j++ {
			if Defined(values[j]) {
				sum += values[j]
				n++
			}
		}
		if n == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// AveDev считает скользящее среднее абсолютное отклонение от среднего окна.
// Первые period-1 значений не определены.
func AveDev(values []float64, period int) []float64 {
	out := undefined(len(values))
	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		dev := 0.0
		for _, v := range window {
			dev += math.Abs(v - mean)
		}
		out[i] = dev / float64(period)
	}
	return out
}

// Oscillate нормирует отклонение ряда от среднего по семейству CCI
// (делитель 0.015). Нулевое отклонение дает нейтральный 0, а не NaN.
func Oscillate(values, mean, dev []float64) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		switch {
		case !Defined(mean[i]) || !Defined(dev[i]):
			out[i] = math.NaN()
		case dev[i] == 0:
			out[i] = 0
		default:
			out[i] = (values[i] - mean[i]) / (0.015 * dev[i])
		}
	}
	return out
}

// undefined возвращает ряд из NaN
func undefined(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// markWarmup помечает разогрев ряда как неопределенный (talib заполняет нулями)
func markWarmup(values []float64, n int) {
	for i := 0; i < n && i < len(values); i++ {
		values[i] = math.NaN()
	}
}
