package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Tick представляет текущую котировку
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Signal представляет торговый сигнал стратегии
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

func (s Signal) String() string {
	switch s {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Side направление сделки
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// AccountInfo состояние торгового счета
type AccountInfo struct {
	Balance      float64
	Equity       float64
	Margin       float64
	MarginFree   float64
	TradeAllowed bool
}

// Position открытая позиция по данным брокера
type Position struct {
	Ticket   int64
	Symbol   string
	Side     Side
	Volume   float64
	Price    float64
	OpenTime time.Time
	Profit   float64
}

// DealEntry тип сделки в истории
type DealEntry int

const (
	DealEntryIn DealEntry = iota
	DealEntryOut
)

// Deal сделка из истории брокера
type Deal struct {
	Ticket int64
	Entry  DealEntry
	Price  float64
	Profit float64
	Time   time.Time
}

// SymbolInfo параметры торгового инструмента
type SymbolInfo struct {
	Symbol       string
	Digits       int
	Point        float64
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
	StopsLevel   int
	FreezeLevel  int
	TradeAllowed bool
}

// RetCode результат исполнения ордера
type RetCode int

const (
	RetDone RetCode = iota
	RetInvalidStops
	RetRejected
)

func (r RetCode) String() string {
	switch r {
	case RetDone:
		return "DONE"
	case RetInvalidStops:
		return "INVALID_STOPS"
	default:
		return "REJECTED"
	}
}

// OrderRequest запрос на выставление ордера
type OrderRequest struct {
	Symbol     string
	Side       Side
	Volume     float64
	Price      float64
	Deviation  int
	StopLoss   float64 // 0 = не задан
	TakeProfit float64 // 0 = не задан
	Comment    string
}

// OrderResult ответ брокера на ордер
type OrderResult struct {
	RetCode RetCode
	Order   int64
	Price   float64
	Comment string
}

// TradeStatus статус сделки в леджере
type TradeStatus int

const (
	TradeOpen TradeStatus = iota
	TradeClosed
)

func (s TradeStatus) String() string {
	if s == TradeClosed {
		return "CLOSED"
	}
	return "OPEN"
}

// Trade сделка в локальном леджере
type Trade struct {
	Ticket     int64
	Symbol     string
	Side       Side
	Volume     float64
	OpenPrice  float64
	OpenTime   time.Time
	Strategy   string
	Status     TradeStatus
	ClosePrice float64
	CloseTime  time.Time
	Profit     float64
}

// Duration время удержания закрытой сделки
func (t *Trade) Duration() time.Duration {
	if t.Status != TradeClosed {
		return 0
	}
	return t.CloseTime.Sub(t.OpenTime)
}

// SignalResult результат оценки сигнала, отдаваемый наружу
type SignalResult struct {
	Symbol    string
	Timestamp time.Time
	Strategy  string
	Signal    Signal
	Price     float64
	Note      string
}
