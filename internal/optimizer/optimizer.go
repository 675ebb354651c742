package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/internal/storage"
	"github.com/skalibog/atse/internal/strategy"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// рейтинг ниже этого порога означает непригодную комбинацию
const rejectedScore = -999.0

// минимум закрытых сделок для статистически осмысленной оценки
const minTrades = 10

// Optimizer подбирает параметры стратегии случайным поиском: рисует
// комбинации из допустимых диапазонов, прогоняет каждую через бэктест
// на истории и выбирает лучшую по композитному рейтингу.
type Optimizer struct {
	broker  broker.Broker
	store   storage.Storage // может быть nil
	cfg     config.OptimizationConfig
	trading config.TradingConfig
	logDir  string
	rng     *rand.Rand
}

// NewOptimizer создает оптимизатор. Сид псевдослучайного поиска задается
// конфигурацией, нулевой сид означает текущее время.
func NewOptimizer(b broker.Broker, store storage.Storage, cfg config.OptimizationConfig, trading config.TradingConfig, logDir string) *Optimizer {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Optimizer{
		broker:  b,
		store:   store,
		cfg:     cfg,
		trading: trading,
		logDir:  logDir,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Candidate одна испытанная комбинация параметров
type Candidate struct {
	Params       map[string]int
	Score        float64
	Trades       int
	WinRate      float64 // процент
	ProfitFactor float64
	TotalProfit  float64
}

// Result итог прогона оптимизации
type Result struct {
	RunID      string
	Strategy   string
	Symbol     string
	Best       *Candidate // nil, когда все комбинации отвергнуты
	Candidates []Candidate
	Bars       int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run подбирает параметры стратегии на истории инструмента.
// Комбинации оцениваются параллельно; при равном рейтинге побеждает
// раньше нарисованная, что делает прогон воспроизводимым при
// фиксированном сиде.
func (o *Optimizer) Run(ctx context.Context, symbol, strategyKey string) (*Result, error) {
	result := &Result{
		RunID:     uuid.NewString(),
		Strategy:  strategyKey,
		Symbol:    symbol,
		StartedAt: time.Now(),
	}

	bars, err := o.history(ctx, symbol)
	if err != nil {
		return nil, err
	}
	result.Bars = len(bars)

	combos := o.drawCombos(strategyKey, o.cfg.Combinations)
	if len(combos) == 0 {
		return nil, fmt.Errorf("нет комбинаций для стратегии %s", strategyKey)
	}

	logger.Info("Запуск оптимизации",
		zap.String("run_id", result.RunID),
		zap.String("symbol", symbol),
		zap.String("strategy", strategyKey),
		zap.Int("combinations", len(combos)),
		zap.Int("bars", len(bars)))

	candidates := make([]Candidate, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, params := range combos {
		i, params := i, params
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := strategy.New(strategyKey, params)
			if err != nil {
				return err
			}
			candidates[i] = score(s, params, bars)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ошибка оценки комбинаций: %w", err)
	}
	result.Candidates = candidates

	// При равенстве рейтингов сохраняется порядок розыгрыша
	for i := range candidates {
		c := &candidates[i]
		if c.Score <= rejectedScore {
			continue
		}
		if result.Best == nil || c.Score > result.Best.Score {
			result.Best = c
		}
	}
	result.FinishedAt = time.Now()

	o.persist(ctx, result)

	if result.Best == nil {
		logger.Warn("Оптимизация не нашла пригодных параметров",
			zap.String("run_id", result.RunID),
			zap.String("strategy", strategyKey))
	} else {
		logger.Info("Оптимизация завершена",
			zap.String("run_id", result.RunID),
			zap.Any("params", result.Best.Params),
			zap.Float64("score", result.Best.Score))
	}
	return result, nil
}

// history загружает свечи за окно оптимизации. При недоступном брокере
// берет накопленную историю из хранилища.
func (o *Optimizer) history(ctx context.Context, symbol string) ([]models.Candle, error) {
	limit := barsForLookback(o.trading.Interval, o.cfg.LookbackHours)
	bars, err := o.broker.Candles(ctx, symbol, o.trading.Interval, limit)
	if err != nil && o.store != nil {
		logger.Warn("Брокер недоступен, история из хранилища",
			zap.String("symbol", symbol), zap.Error(err))
		bars, err = o.store.GetCandles(ctx, symbol, o.trading.Interval, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки истории для оптимизации: %w", err)
	}
	if len(bars) < 50 {
		return nil, fmt.Errorf("истории недостаточно: %d свечей", len(bars))
	}
	return bars, nil
}

// drawCombos рисует уникальные комбинации параметров из диапазонов стратегии
func (o *Optimizer) drawCombos(strategyKey string, n int) []map[string]int {
	var combos []map[string]int
	seen := make(map[string]bool)

	// Лимит попыток защищает от вырождения при малых диапазонах
	for attempts := 0; len(combos) < n && attempts < n*20; attempts++ {
		params := drawParams(o.rng, strategyKey)
		if params == nil {
			return nil
		}
		key := comboKey(params)
		if seen[key] {
			continue
		}
		seen[key] = true
		combos = append(combos, params)
	}
	return combos
}

// drawParams рисует одну комбинацию из допустимых диапазонов стратегии.
// Диапазоны поддерживают инварианты упорядоченности между параметрами.
func drawParams(rng *rand.Rand, strategyKey string) map[string]int {
	switch strategyKey {
	case strategy.KeyMA:
		short := randIn(rng, 5, 20)
		lo := 10
		if short+1 > lo {
			lo = short + 1
		}
		return map[string]int{"ma_short": short, "ma_long": randIn(rng, lo, 50)}

	case strategy.KeyDKLL:
		return map[string]int{
			"n_str": randIn(rng, 10, 30),
			"n_a1":  randIn(rng, 5, 20),
			"n_a2":  randIn(rng, 10, 30),
			"n_ll":  randIn(rng, 10, 30),
		}

	case strategy.KeyRSI:
		oversold := randIn(rng, 20, 35)
		lo := 65
		if oversold+10 > lo {
			lo = oversold + 10
		}
		return map[string]int{
			"rsi_period": randIn(rng, 10, 25),
			"oversold":   oversold,
			"overbought": randIn(rng, lo, 80),
		}
	}
	return nil
}

// score прогоняет комбинацию через бэктест и считает композитный рейтинг:
// доля побед, профит-фактор с насыщением и знак итога.
func score(s strategy.Strategy, params map[string]int, bars []models.Candle) Candidate {
	c := Candidate{Params: params, Score: rejectedScore}

	trades := backtest(s, bars)
	c.Trades = len(trades)
	if c.Trades < minTrades {
		return c
	}

	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	for _, profit := range trades {
		c.TotalProfit += profit
		if profit > 0 {
			wins++
			grossProfit += profit
		} else {
			grossLoss += -profit
		}
	}
	c.WinRate = float64(wins) / float64(c.Trades) * 100

	if grossLoss > 0 {
		c.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		c.ProfitFactor = math.Inf(1)
	}

	pf := c.ProfitFactor
	if pf > 3 {
		pf = 3
	}
	signTerm := c.TotalProfit / math.Abs(c.TotalProfit+0.001)
	c.Score = 0.3*(c.WinRate/100) + 0.4*pf + 0.3*signTerm
	return c
}

// backtest моделирует торговлю одной позицией единичного объема:
// сигнал против позиции закрывает ее и сразу открывает противоположную
// по цене того же бара. Возвращает прибыли закрытых сделок.
func backtest(s strategy.Strategy, bars []models.Candle) []float64 {
	warmup := 0
	for _, v := range s.Params() {
		if v > warmup {
			warmup = v
		}
	}
	warmup += 5
	if warmup >= len(bars) {
		return nil
	}

	var profits []float64
	var openSide models.Side
	openPrice := 0.0
	inPosition := false

	for i := warmup; i < len(bars); i++ {
		frame := s.ComputeIndicators(bars[:i+1])
		signal := s.GenerateSignal(frame)
		if signal == models.SignalNone {
			continue
		}
		price := bars[i].Close

		side := models.SideBuy
		if signal == models.SignalSell {
			side = models.SideSell
		}

		if inPosition {
			if side == openSide {
				continue
			}
			diff := price - openPrice
			if openSide == models.SideSell {
				diff = -diff
			}
			profits = append(profits, diff)
			// разворот: закрытие и открытие на одном баре
			openSide = side
			openPrice = price
			continue
		}

		openSide = side
		openPrice = price
		inPosition = true
	}
	return profits
}

// persist пишет отчет в каталог логов и зеркалирует итог в хранилище
func (o *Optimizer) persist(ctx context.Context, r *Result) {
	report := o.report(r)
	name := fmt.Sprintf("optimization_%s_%s_%s.txt",
		r.Symbol, r.Strategy, r.StartedAt.Format("20060102_150405"))
	path := filepath.Join(o.logDir, name)
	if err := os.WriteFile(path, []byte(report), 0644); err != nil {
		logger.Warn("Не удалось записать отчет оптимизации",
			zap.String("path", path), zap.Error(err))
	}

	if o.store != nil && r.Best != nil {
		err := o.store.SaveOptimization(ctx, r.RunID, r.Strategy, r.Best.Params, r.Best.Score, r.FinishedAt)
		if err != nil {
			logger.Warn("Не удалось сохранить итог оптимизации", zap.Error(err))
		}
	}
}

// report форматирует текстовый отчет прогона
func (o *Optimizer) report(r *Result) string {
	var b strings.Builder
	b.WriteString("=== Отчет оптимизации ===\n")
	fmt.Fprintf(&b, "Прогон: %s\n", r.RunID)
	fmt.Fprintf(&b, "Инструмент: %s, стратегия: %s\n", r.Symbol, r.Strategy)
	fmt.Fprintf(&b, "История: %d свечей, окно %d ч\n", r.Bars, o.cfg.LookbackHours)
	fmt.Fprintf(&b, "Комбинаций испытано: %d\n", len(r.Candidates))
	fmt.Fprintf(&b, "Начало: %s, конец: %s\n\n",
		r.StartedAt.Format("02.01.2006 15:04:05"), r.FinishedAt.Format("02.01.2006 15:04:05"))

	if r.Best == nil {
		b.WriteString("Пригодных комбинаций не найдено\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Лучшая комбинация: %s\n", formatParams(r.Best.Params))
	fmt.Fprintf(&b, "Рейтинг: %.4f, сделок %d, winrate %.1f%%, PF %.2f, итог %+.2f\n\n",
		r.Best.Score, r.Best.Trades, r.Best.WinRate, r.Best.ProfitFactor, r.Best.TotalProfit)

	ranked := make([]Candidate, len(r.Candidates))
	copy(ranked, r.Candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	b.WriteString("Топ комбинаций:\n")
	for i, c := range ranked {
		if i >= 20 {
			break
		}
		if c.Score <= rejectedScore {
			fmt.Fprintf(&b, "%2d. %s: отвергнута (сделок %d)\n", i+1, formatParams(c.Params), c.Trades)
			continue
		}
		fmt.Fprintf(&b, "%2d. %s: рейтинг %.4f, сделок %d, winrate %.1f%%\n",
			i+1, formatParams(c.Params), c.Score, c.Trades, c.WinRate)
	}
	return b.String()
}

func formatParams(params map[string]int) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, params[name])
	}
	return strings.Join(parts, " ")
}

func comboKey(params map[string]int) string {
	return formatParams(params)
}

func randIn(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// barsForLookback переводит окно в часах в количество свечей интервала
func barsForLookback(interval string, hours int) int {
	perHour := 1.0
	switch interval {
	case "1m":
		perHour = 60
	case "5m":
		perHour = 12
	case "15m":
		perHour = 4
	case "30m":
		perHour = 2
	case "1h":
		perHour = 1
	case "4h":
		perHour = 0.25
	case "1d":
		perHour = 1.0 / 24
	}
	bars := int(float64(hours) * perHour)
	if bars < 100 {
		bars = 100
	}
	if bars > 1500 {
		bars = 1500
	}
	return bars
}
