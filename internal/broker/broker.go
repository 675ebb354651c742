package broker

import (
	"context"

	"github.com/skalibog/atse/pkg/models"
)

// Broker описывает поверхность брокера, которую использует движок.
// Все вызовы сетевые и могут блокироваться: тайм-ауты задаются через ctx.
type Broker interface {
	// Ping проверяет соединение с брокером
	Ping(ctx context.Context) error
	// Tick возвращает текущую котировку инструмента
	Tick(ctx context.Context, symbol string) (*models.Tick, error)
	// Candles возвращает последние limit свечей интервала
	Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	// Account возвращает состояние счета
	Account(ctx context.Context) (*models.AccountInfo, error)
	// Positions возвращает открытые позиции; пустой symbol означает все позиции
	Positions(ctx context.Context, symbol string) ([]models.Position, error)
	// DealHistory возвращает сделки по тикету закрытой позиции
	DealHistory(ctx context.Context, ticket int64) ([]models.Deal, error)
	// SymbolInfo возвращает параметры инструмента
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	// PlaceOrder выставляет рыночный ордер
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	// ClosePosition закрывает позицию по тикету встречным ордером
	ClosePosition(ctx context.Context, ticket int64, comment string) (*models.OrderResult, error)
}
