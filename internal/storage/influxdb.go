package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/pkg/models"
)

// Storage интерфейс для работы с хранилищем данных
type Storage interface {
	SaveCandles(ctx context.Context, candles []models.Candle) error
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	SaveSignal(ctx context.Context, signal *models.SignalResult) error
	GetSignalHistory(ctx context.Context, symbol string, limit int) ([]*models.SignalResult, error)

	SaveTrade(ctx context.Context, trade *models.Trade) error
	SaveOptimization(ctx context.Context, runID, strategy string, params map[string]int, score float64, at time.Time) error

	Close()
}

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPI(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveCandles сохраняет свечи
func (s *InfluxDBStorage) SaveCandles(ctx context.Context, candles []models.Candle) error {
	for _, candle := range candles {
		point := influxdb2.NewPoint(
			"candles",
			map[string]string{
				"symbol":   candle.Symbol,
				"interval": candle.Interval,
			},
			map[string]interface{}{
				"open":   candle.Open,
				"high":   candle.High,
				"low":    candle.Low,
				"close":  candle.Close,
				"volume": candle.Volume,
			},
			candle.OpenTime,
		)
		s.writeAPI.WritePoint(point)
	}

	s.writeAPI.Flush()
	return nil
}

// GetCandles получает исторические свечи
func (s *InfluxDBStorage) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "candles")
			|> filter(fn: (r) => r.symbol == "%s")
			|> filter(fn: (r) => r.interval == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, interval, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса свечей: %w", err)
	}

	var candles []models.Candle
	for result.Next() {
		record := result.Record()

		timestamp := record.Time()
		open, _ := record.ValueByKey("open").(float64)
		high, _ := record.ValueByKey("high").(float64)
		low, _ := record.ValueByKey("low").(float64)
		close, _ := record.ValueByKey("close").(float64)
		volume, _ := record.ValueByKey("volume").(float64)

		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  timestamp,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			CloseTime: timestamp.Add(intervalDuration(interval)),
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return candles, nil
}

// SaveSignal сохраняет сигнал стратегии
func (s *InfluxDBStorage) SaveSignal(ctx context.Context, signal *models.SignalResult) error {
	point := influxdb2.NewPoint(
		"signals",
		map[string]string{
			"symbol":   signal.Symbol,
			"strategy": signal.Strategy,
		},
		map[string]interface{}{
			"signal": signal.Signal.String(),
			"price":  signal.Price,
			"note":   signal.Note,
		},
		signal.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return nil
}

// GetSignalHistory получает историю сигналов
func (s *InfluxDBStorage) GetSignalHistory(ctx context.Context, symbol string, limit int) ([]*models.SignalResult, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "signals")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории сигналов: %w", err)
	}

	var signals []*models.SignalResult
	for result.Next() {
		record := result.Record()

		strategy, _ := record.ValueByKey("strategy").(string)
		raw, _ := record.ValueByKey("signal").(string)
		price, _ := record.ValueByKey("price").(float64)
		note, _ := record.ValueByKey("note").(string)

		signals = append(signals, &models.SignalResult{
			Symbol:    symbol,
			Timestamp: record.Time(),
			Strategy:  strategy,
			Signal:    parseSignal(raw),
			Price:     price,
			Note:      note,
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return signals, nil
}

// SaveTrade сохраняет сделку
func (s *InfluxDBStorage) SaveTrade(ctx context.Context, trade *models.Trade) error {
	fields := map[string]interface{}{
		"side":       trade.Side.String(),
		"volume":     trade.Volume,
		"open_price": trade.OpenPrice,
		"status":     int(trade.Status),
	}
	if trade.Status == models.TradeClosed {
		fields["close_price"] = trade.ClosePrice
		fields["profit"] = trade.Profit
		fields["duration_sec"] = trade.Duration().Seconds()
	}

	point := influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol":   trade.Symbol,
			"strategy": trade.Strategy,
			"ticket":   fmt.Sprintf("%d", trade.Ticket),
		},
		fields,
		trade.OpenTime,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return nil
}

// SaveOptimization сохраняет результат подбора параметров
func (s *InfluxDBStorage) SaveOptimization(ctx context.Context, runID, strategy string, params map[string]int, score float64, at time.Time) error {
	fields := map[string]interface{}{
		"score": score,
	}
	for name, value := range params {
		fields["param_"+name] = value
	}

	point := influxdb2.NewPoint(
		"optimizations",
		map[string]string{
			"run_id":   runID,
			"strategy": strategy,
		},
		fields,
		at,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return nil
}

func parseSignal(raw string) models.Signal {
	switch raw {
	case "BUY":
		return models.SignalBuy
	case "SELL":
		return models.SignalSell
	default:
		return models.SignalNone
	}
}

// intervalDuration конвертирует строковый интервал в duration
func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
