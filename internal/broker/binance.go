package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// BinanceBroker реализует Broker поверх фьючерсного API Binance.
// Биржа не нумерует позиции тикетами, поэтому адаптер ведет их сам:
// тикет открытой в этой сессии позиции это id открывшего ордера,
// позиция, открытая вне сессии, получает стабильный синтетический тикет.
type BinanceBroker struct {
	futures *futures.Client

	mu      sync.Mutex
	tracked map[int64]*sessionPosition // тикет -> открытая позиция сессии
	closed  map[int64]*sessionPosition // тикет -> позиция, ушедшая с биржи
	symbols map[string]*models.SymbolInfo
}

// sessionPosition учетная запись позиции, открытой через адаптер
type sessionPosition struct {
	symbol   string
	side     models.Side
	volume   float64
	price    float64
	openTime time.Time
}

// NewBinanceBroker создает клиент Binance
func NewBinanceBroker(cfg config.BrokerConfig) (*BinanceBroker, error) {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		client.BaseURL = "https://testnet.binancefuture.com"
	}

	return &BinanceBroker{
		futures: client,
		tracked: make(map[int64]*sessionPosition),
		closed:  make(map[int64]*sessionPosition),
		symbols: make(map[string]*models.SymbolInfo),
	}, nil
}

// Ping проверяет соединение с биржей
func (b *BinanceBroker) Ping(ctx context.Context) error {
	if err := b.futures.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("биржа недоступна: %w", err)
	}
	return nil
}

// Tick возвращает лучшие бид/аск по инструменту
func (b *BinanceBroker) Tick(ctx context.Context, symbol string) (*models.Tick, error) {
	tickers, err := b.futures.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения котировки: %w", err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("нет котировки для %s", symbol)
	}

	t := tickers[0]
	bid := parseFloat(t.BidPrice)
	ask := parseFloat(t.AskPrice)
	if bid <= 0 || ask <= 0 {
		return nil, fmt.Errorf("некорректная котировка %s: bid=%v ask=%v", symbol, bid, ask)
	}

	return &models.Tick{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Time:   time.Now(),
	}, nil
}

// Candles возвращает исторические свечи
func (b *BinanceBroker) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := b.futures.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	candles := make([]models.Candle, len(klines))
	for i, k := range klines {
		candles[i] = models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.Unix(k.OpenTime/1000, 0),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.Unix(k.CloseTime/1000, 0),
		}
	}
	return candles, nil
}

// Account возвращает состояние счета
func (b *BinanceBroker) Account(ctx context.Context) (*models.AccountInfo, error) {
	acc, err := b.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения счета: %w", err)
	}

	return &models.AccountInfo{
		Balance:      parseFloat(acc.TotalWalletBalance),
		Equity:       parseFloat(acc.TotalMarginBalance),
		Margin:       parseFloat(acc.TotalInitialMargin),
		MarginFree:   parseFloat(acc.AvailableBalance),
		TradeAllowed: acc.CanTrade,
	}, nil
}

// Positions возвращает открытые позиции, сверяя учет сессии с биржевой
// экспозицией. Позиции, чей объем с биржи ушел, выбывают из учета и
// становятся доступными через DealHistory.
func (b *BinanceBroker) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	risks, err := b.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения позиций: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.Position
	for _, r := range risks {
		if symbol != "" && r.Symbol != symbol {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			b.retireSymbol(r.Symbol)
			continue
		}

		side := models.SideBuy
		if amt < 0 {
			side = models.SideSell
			amt = -amt
		}
		profit := parseFloat(r.UnRealizedProfit)
		entry := parseFloat(r.EntryPrice)

		out = append(out, b.reconcileExposure(r.Symbol, side, amt, entry, profit)...)
	}
	return out, nil
}

// reconcileExposure сверяет учет сессии с биржевым объемом по инструменту
// и стороне. Лишний учтенный объем выбывает начиная со старейших позиций,
// объем сверх учтенного берется под синтетическим тикетом, чтобы такую
// позицию тоже можно было закрыть. Вызывается под mu.
func (b *BinanceBroker) reconcileExposure(symbol string, side models.Side, amt, entry, profit float64) []models.Position {
	tracked := b.trackedFor(symbol, side)
	total := 0.0
	for _, sp := range tracked {
		total += sp.volume
	}

	// Экспозиция меньше учтенной: часть позиций закрыта извне
	for total > amt+1e-9 && len(tracked) > 0 {
		oldest := tracked[0]
		tracked = tracked[1:]
		total -= oldest.volume
		b.retire(oldest)
	}

	// Экспозиция сверх учтенной: позиция открыта вне сессии
	if amt > total+1e-9 {
		ticket := syntheticTicket(symbol, side)
		if sp, ok := b.tracked[ticket]; ok {
			sp.volume += amt - total
		} else {
			b.tracked[ticket] = &sessionPosition{
				symbol: symbol,
				side:   side,
				volume: amt - total,
				price:  entry,
			}
		}
		total = amt
	}

	var out []models.Position
	for ticket, sp := range b.tracked {
		if sp.symbol != symbol || sp.side != side {
			continue
		}
		share := 1.0
		if total > 0 {
			share = sp.volume / total
		}
		out = append(out, models.Position{
			Ticket:   ticket,
			Symbol:   sp.symbol,
			Side:     sp.side,
			Volume:   sp.volume,
			Price:    sp.price,
			OpenTime: sp.openTime,
			Profit:   profit * share,
		})
	}
	return out
}

// DealHistory восстанавливает закрывающие сделки по тикету из истории счета
func (b *BinanceBroker) DealHistory(ctx context.Context, ticket int64) ([]models.Deal, error) {
	b.mu.Lock()
	sp, ok := b.closed[ticket]
	if !ok {
		sp, ok = b.tracked[ticket]
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("тикет %d не известен адаптеру", ticket)
	}

	svc := b.futures.NewListAccountTradeService().Symbol(sp.symbol)
	if !sp.openTime.IsZero() {
		svc = svc.StartTime(sp.openTime.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории сделок: %w", err)
	}

	closeSide := "SELL"
	if sp.side == models.SideSell {
		closeSide = "BUY"
	}

	var deals []models.Deal
	for _, t := range trades {
		if string(t.Side) != closeSide {
			continue
		}
		pnl := parseFloat(t.RealizedPnl)
		if pnl == 0 {
			continue
		}
		deals = append(deals, models.Deal{
			Ticket: ticket,
			Entry:  models.DealEntryOut,
			Price:  parseFloat(t.Price),
			Profit: pnl,
			Time:   time.Unix(t.Time/1000, 0),
		})
	}
	if len(deals) == 0 {
		return nil, fmt.Errorf("история закрытия тикета %d не найдена", ticket)
	}
	return deals, nil
}

// SymbolInfo возвращает параметры инструмента (кэшируется)
func (b *BinanceBroker) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	b.mu.Lock()
	if cached, ok := b.symbols[symbol]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	info, err := b.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о бирже: %w", err)
	}

	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}

		si := &models.SymbolInfo{
			Symbol:       symbol,
			Digits:       s.PricePrecision,
			TradeAllowed: s.Status == "TRADING",
		}
		if pf := s.PriceFilter(); pf != nil {
			si.Point = parseFloat(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			si.VolumeMin = parseFloat(lf.MinQuantity)
			si.VolumeMax = parseFloat(lf.MaxQuantity)
			si.VolumeStep = parseFloat(lf.StepSize)
		}

		b.mu.Lock()
		b.symbols[symbol] = si
		b.mu.Unlock()
		return si, nil
	}
	return nil, fmt.Errorf("инструмент %s не найден на бирже", symbol)
}

// PlaceOrder выставляет рыночный ордер с опциональными защитными стопами.
// Стопы по неверную сторону цены отклоняются до отправки как RetInvalidStops,
// чтобы вызывающий мог повторить ордер без стопов.
func (b *BinanceBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	tick, err := b.Tick(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	if invalidStops(req, tick) {
		return &models.OrderResult{
			RetCode: models.RetInvalidStops,
			Comment: "защитные стопы по неверную сторону цены",
		}, nil
	}

	side := futures.SideTypeBuy
	if req.Side == models.SideSell {
		side = futures.SideTypeSell
	}

	order, err := b.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(decimal.NewFromFloat(req.Volume).String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok {
			return &models.OrderResult{
				RetCode: models.RetRejected,
				Comment: fmt.Sprintf("код %d: %s", apiErr.Code, apiErr.Message),
			}, nil
		}
		return nil, fmt.Errorf("ошибка отправки ордера: %w", err)
	}

	price := parseFloat(order.AvgPrice)
	if price == 0 {
		if req.Side == models.SideBuy {
			price = tick.Ask
		} else {
			price = tick.Bid
		}
	}

	b.mu.Lock()
	b.tracked[order.OrderID] = &sessionPosition{
		symbol:   req.Symbol,
		side:     req.Side,
		volume:   req.Volume,
		price:    price,
		openTime: time.Now(),
	}
	b.mu.Unlock()

	b.placeProtectiveOrders(ctx, req)

	return &models.OrderResult{
		RetCode: models.RetDone,
		Order:   order.OrderID,
		Price:   price,
	}, nil
}

// ClosePosition закрывает позицию встречным reduce-only ордером
func (b *BinanceBroker) ClosePosition(ctx context.Context, ticket int64, comment string) (*models.OrderResult, error) {
	b.mu.Lock()
	sp, ok := b.tracked[ticket]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("позиция с тикетом %d не найдена", ticket)
	}

	side := futures.SideTypeSell
	if sp.side == models.SideSell {
		side = futures.SideTypeBuy
	}

	order, err := b.futures.NewCreateOrderService().
		Symbol(sp.symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(decimal.NewFromFloat(sp.volume).String()).
		ReduceOnly(true).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok {
			return &models.OrderResult{
				RetCode: models.RetRejected,
				Comment: fmt.Sprintf("код %d: %s", apiErr.Code, apiErr.Message),
			}, nil
		}
		return nil, fmt.Errorf("ошибка закрытия позиции: %w", err)
	}

	b.mu.Lock()
	b.retireTicket(ticket)
	b.mu.Unlock()

	return &models.OrderResult{
		RetCode: models.RetDone,
		Order:   order.OrderID,
		Price:   parseFloat(order.AvgPrice),
		Comment: comment,
	}, nil
}

// placeProtectiveOrders выставляет стоп-лосс и тейк-профит отдельными
// ордерами на всю позицию. Неудача не отменяет основной ордер.
func (b *BinanceBroker) placeProtectiveOrders(ctx context.Context, req models.OrderRequest) {
	closeSide := futures.SideTypeSell
	if req.Side == models.SideSell {
		closeSide = futures.SideTypeBuy
	}

	if req.StopLoss > 0 {
		_, err := b.futures.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(closeSide).
			Type(futures.OrderTypeStopMarket).
			StopPrice(decimal.NewFromFloat(req.StopLoss).String()).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			logger.Warn("Не удалось выставить стоп-лосс",
				zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}
	if req.TakeProfit > 0 {
		_, err := b.futures.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(closeSide).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(decimal.NewFromFloat(req.TakeProfit).String()).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			logger.Warn("Не удалось выставить тейк-профит",
				zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}
}

// trackedFor возвращает учтенные позиции по инструменту и стороне,
// отсортированные по времени открытия. Вызывается под mu.
func (b *BinanceBroker) trackedFor(symbol string, side models.Side) []*sessionPosition {
	var out []*sessionPosition
	for _, sp := range b.tracked {
		if sp.symbol == symbol && sp.side == side {
			out = append(out, sp)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].openTime.Before(out[j-1].openTime); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// retireSymbol списывает весь учет по инструменту. Вызывается под mu.
func (b *BinanceBroker) retireSymbol(symbol string) {
	for ticket, sp := range b.tracked {
		if sp.symbol == symbol {
			b.closed[ticket] = sp
			delete(b.tracked, ticket)
		}
	}
}

// retire списывает одну позицию. Вызывается под mu.
func (b *BinanceBroker) retire(target *sessionPosition) {
	for ticket, sp := range b.tracked {
		if sp == target {
			b.closed[ticket] = sp
			delete(b.tracked, ticket)
			return
		}
	}
}

// retireTicket списывает позицию по тикету. Вызывается под mu.
func (b *BinanceBroker) retireTicket(ticket int64) {
	if sp, ok := b.tracked[ticket]; ok {
		b.closed[ticket] = sp
		delete(b.tracked, ticket)
	}
}

// invalidStops проверяет, что стопы стоят по правильную сторону цены
func invalidStops(req models.OrderRequest, tick *models.Tick) bool {
	if req.StopLoss == 0 && req.TakeProfit == 0 {
		return false
	}
	if req.Side == models.SideBuy {
		if req.StopLoss > 0 && req.StopLoss >= tick.Ask {
			return true
		}
		if req.TakeProfit > 0 && req.TakeProfit <= tick.Ask {
			return true
		}
		return false
	}
	if req.StopLoss > 0 && req.StopLoss <= tick.Bid {
		return true
	}
	if req.TakeProfit > 0 && req.TakeProfit >= tick.Bid {
		return true
	}
	return false
}

// syntheticTicket строит стабильный тикет для позиции, открытой вне сессии
func syntheticTicket(symbol string, side models.Side) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(side.String()))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// parseFloat разбирает числовые строки API без паники на мусоре
func parseFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
