package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/internal/execution"
	"github.com/skalibog/atse/internal/ledger"
	"github.com/skalibog/atse/internal/notify"
	"github.com/skalibog/atse/internal/optimizer"
	"github.com/skalibog/atse/internal/risk"
	"github.com/skalibog/atse/internal/storage"
	"github.com/skalibog/atse/internal/strategy"
	"github.com/skalibog/atse/pkg/logger"
	"github.com/skalibog/atse/pkg/models"
	"go.uber.org/zap"
)

// Scheduler ведет контрольный цикл: опрашивает котировки, раз в каденцию
// оценивает сигналы, сверяет журнал, следит за риском и по расписанию
// запускает оптимизацию параметров.
type Scheduler struct {
	cfg      *config.Config
	broker   broker.Broker
	registry *strategy.Registry
	executor *execution.Executor
	ledger   *ledger.Ledger
	risk     *risk.Manager
	opt      *optimizer.Optimizer // nil, когда оптимизация выключена
	store    storage.Storage      // nil, когда хранилище выключено
	events   notify.Events

	mu        sync.Mutex
	status    Status
	errCount  int
	perSymbol map[string]strategy.Strategy // свой экземпляр на инструмент
}

// Status моментальный снимок состояния цикла
type Status struct {
	StartedAt    time.Time
	LastPrices   map[string]float64
	LastSignals  map[string]models.Signal
	LastSignalAt time.Time
	LastOptAt    time.Time
	Errors       int
	Reconnects   int
}

// NewScheduler собирает контрольный цикл из компонентов
func NewScheduler(cfg *config.Config, b broker.Broker, reg *strategy.Registry, ex *execution.Executor, l *ledger.Ledger, rm *risk.Manager, opt *optimizer.Optimizer, store storage.Storage, ev notify.Events) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		broker:   b,
		registry: reg,
		executor: ex,
		ledger:   l,
		risk:     rm,
		opt:      opt,
		store:    store,
		events:   ev,
		status: Status{
			LastPrices:  make(map[string]float64),
			LastSignals: make(map[string]models.Signal),
		},
		perSymbol: make(map[string]strategy.Strategy),
	}
}

// Run ведет цикл по одному инструменту с текущей стратегией реестра
func (s *Scheduler) Run(ctx context.Context) error {
	symbol := s.cfg.Trading.Symbol
	if symbol == "" {
		return fmt.Errorf("инструмент одиночного режима не задан")
	}
	return s.loop(ctx, func(ctx context.Context) {
		s.processSymbol(ctx, symbol, s.registry.Current())
	})
}

// RunMultiSymbol ведет цикл по всем включенным инструментам, каждый со
// своей стратегией. Ошибка одного инструмента не прерывает остальные.
func (s *Scheduler) RunMultiSymbol(ctx context.Context) error {
	symbols := s.cfg.EnabledSymbols()
	if len(symbols) == 0 {
		return fmt.Errorf("нет включенных инструментов")
	}
	return s.loop(ctx, func(ctx context.Context) {
		for _, symbol := range symbols {
			s.processSymbol(ctx, symbol, s.strategyFor(symbol))
		}
	})
}

// loop общий каркас цикла: каденции отмеряются от настенных часов
func (s *Scheduler) loop(ctx context.Context, evaluate func(context.Context)) error {
	mon := s.cfg.Monitor

	s.mu.Lock()
	s.status.StartedAt = time.Now()
	s.mu.Unlock()

	logger.Info("Контрольный цикл запущен",
		zap.Int("signal_interval_sec", mon.SignalIntervalSeconds),
		zap.Bool("optimization", s.opt != nil))

	priceTick := time.NewTicker(time.Duration(mon.PriceIntervalSeconds) * time.Second)
	defer priceTick.Stop()

	now := time.Now()
	nextSignal := now
	nextPerf := now.Add(time.Duration(mon.PerformanceIntervalSeconds) * time.Second)
	nextStatus := now.Add(time.Duration(mon.StatusIntervalSeconds) * time.Second)
	nextRisk := now.Add(time.Duration(mon.RiskIntervalSeconds) * time.Second)
	nextOpt := now.Add(time.Hour) // первая оптимизация через час после старта

	for {
		select {
		case <-ctx.Done():
			logger.Info("Контрольный цикл остановлен")
			return ctx.Err()
		case <-priceTick.C:
		}

		// Серия ошибок: в выходные это обычно пауза рынка, ждем дольше
		// и сбрасываем счетчик, в будни переподключаемся
		if s.errorCount() >= mon.ErrorThreshold {
			if isWeekend(time.Now()) {
				logger.Info("Выходной, длительная пауза",
					zap.Int("pause_sec", mon.WeekendPauseSeconds))
				select {
				case <-ctx.Done():
					logger.Info("Контрольный цикл остановлен")
					return ctx.Err()
				case <-time.After(time.Duration(mon.WeekendPauseSeconds) * time.Second):
				}
				s.resetErrors()
			} else {
				s.reconnect(ctx)
			}
			continue
		}

		s.pollPrices(ctx)

		now = time.Now()
		if !now.Before(nextSignal) {
			evaluate(ctx)
			s.mu.Lock()
			s.status.LastSignalAt = now
			s.mu.Unlock()
			nextSignal = now.Add(time.Duration(mon.SignalIntervalSeconds) * time.Second)
		}
		if !now.Before(nextRisk) {
			s.checkRisk(ctx)
			nextRisk = now.Add(time.Duration(mon.RiskIntervalSeconds) * time.Second)
		}
		if !now.Before(nextPerf) {
			logger.Info("Сводка результативности", zap.String("report", s.ledger.Report()))
			nextPerf = now.Add(time.Duration(mon.PerformanceIntervalSeconds) * time.Second)
		}
		if !now.Before(nextStatus) {
			s.logStatus(ctx)
			nextStatus = now.Add(time.Duration(mon.StatusIntervalSeconds) * time.Second)
		}
		if s.opt != nil && !now.Before(nextOpt) {
			s.runOptimization(ctx)
			nextOpt = now.Add(time.Duration(s.cfg.Optimization.IntervalHours) * time.Hour)
		}
	}
}

// processSymbol оценивает один инструмент: сверка журнала, сигнал, решение
func (s *Scheduler) processSymbol(ctx context.Context, symbol string, strat strategy.Strategy) {
	if strat == nil {
		return
	}

	bars, err := s.broker.Candles(ctx, symbol, s.cfg.Trading.Interval, s.cfg.Trading.BarCount)
	if err != nil {
		s.noteError("свечи недоступны", symbol, err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveCandles(ctx, bars); err != nil {
			logger.Warn("Не удалось сохранить свечи", zap.Error(err))
		}
	}

	s.ledger.Reconcile(ctx, s.broker)

	frame := strat.ComputeIndicators(bars)
	signal := strat.GenerateSignal(frame)

	s.mu.Lock()
	s.status.LastSignals[symbol] = signal
	s.mu.Unlock()

	if s.store != nil && signal != models.SignalNone {
		sr := &models.SignalResult{
			Symbol:    symbol,
			Timestamp: time.Now(),
			Strategy:  strat.Name(),
			Signal:    signal,
			Price:     bars[len(bars)-1].Close,
		}
		if err := s.store.SaveSignal(ctx, sr); err != nil {
			logger.Warn("Не удалось сохранить сигнал", zap.Error(err))
		}
	}

	positions, err := s.broker.Positions(ctx, symbol)
	if err != nil {
		s.noteError("позиции недоступны", symbol, err)
		return
	}

	action := execution.Decide(strat, signal, frame, positions)

	clean := true
	for _, ticket := range action.CloseTickets {
		for _, p := range positions {
			if p.Ticket != ticket {
				continue
			}
			if err := s.executor.Close(ctx, p, "сигнал "+strat.Name()); err != nil {
				s.noteError("закрытие не удалось", symbol, err)
				clean = false
			}
		}
	}

	if action.OpenWanted {
		_, err := s.executor.Open(ctx, symbol, action.Open, strat.Name(), strat.UsesProtectiveStops())
		if err != nil {
			s.noteError("открытие не удалось", symbol, err)
			return
		}
	}

	if clean {
		s.resetErrors()
	}
}

// pollPrices обновляет последние котировки для статуса. Успешный опрос
// всех инструментов сбрасывает счетчик последовательных ошибок.
func (s *Scheduler) pollPrices(ctx context.Context) {
	symbols := s.cfg.EnabledSymbols()
	if len(symbols) == 0 && s.cfg.Trading.Symbol != "" {
		symbols = []string{s.cfg.Trading.Symbol}
	}
	clean := len(symbols) > 0
	for _, symbol := range symbols {
		tick, err := s.broker.Tick(ctx, symbol)
		if err != nil {
			s.noteError("котировка недоступна", symbol, err)
			clean = false
			continue
		}
		s.mu.Lock()
		s.status.LastPrices[symbol] = tick.Bid
		s.mu.Unlock()
	}
	if clean {
		s.resetErrors()
	}
}

// checkRisk оценивает счет, закрывает позиции с превышенным риском на
// сделку и при жесткой просадке счета закрывает все
func (s *Scheduler) checkRisk(ctx context.Context) {
	summary, err := s.risk.Assess(ctx, s.broker)
	if err != nil {
		s.noteError("оценка риска не удалась", "", err)
		return
	}

	// Предохранитель на уровне сделки работает независимо от выходов стратегии
	positions, err := s.broker.Positions(ctx, "")
	if err == nil {
		for _, p := range positions {
			force, reason := s.risk.ShouldForceClose(p, summary.Balance)
			if !force {
				continue
			}
			logger.Warn("Принудительное закрытие позиции по риску",
				zap.Int64("ticket", p.Ticket),
				zap.String("symbol", p.Symbol),
				zap.String("reason", reason))
			if err := s.executor.Close(ctx, p, reason); err != nil {
				s.noteError("принудительное закрытие не удалось", p.Symbol, err)
			}
		}
	}

	switch summary.Level {
	case risk.LevelWarning:
		s.events.RiskWarning(summary.Level.String(), summary.Description)
	case risk.LevelHigh:
		s.events.RiskWarning(summary.Level.String(), summary.Description)
		if s.risk.ShouldLiquidate(summary) {
			logger.Error("Принудительное закрытие всех позиций по риску",
				zap.Float64("equity", summary.Equity),
				zap.Float64("balance", summary.Balance))
			if err := s.executor.CloseAll(ctx, "риск-лимит"); err != nil {
				s.noteError("принудительное закрытие не удалось", "", err)
			}
		}
	}
}

// runOptimization подбирает параметры для каждого инструмента и
// применяет лучшие к рабочей стратегии
func (s *Scheduler) runOptimization(ctx context.Context) {
	targets := s.cfg.EnabledSymbols()
	single := len(targets) == 0
	if single && s.cfg.Trading.Symbol != "" {
		targets = []string{s.cfg.Trading.Symbol}
	}

	for _, symbol := range targets {
		var strat strategy.Strategy
		if single {
			strat = s.registry.Current()
		} else {
			strat = s.strategyFor(symbol)
		}
		if strat == nil {
			continue
		}

		result, err := s.opt.Run(ctx, symbol, strat.Name())
		if err != nil {
			logger.Warn("Оптимизация не удалась",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if result.Best == nil {
			continue
		}

		strat.SetParams(result.Best.Params)
		s.events.OptimizationDone(strat.Name(), result.Best.Params, result.Best.Score)
	}

	s.mu.Lock()
	s.status.LastOptAt = time.Now()
	s.mu.Unlock()
}

// reconnect ждет восстановления связи с нарастающей паузой
func (s *Scheduler) reconnect(ctx context.Context) {
	wait := time.Duration(s.cfg.Monitor.ReconnectWaitSeconds) * time.Second
	b := &backoff.Backoff{
		Min:    wait,
		Max:    10 * wait,
		Factor: 2,
		Jitter: true,
	}

	logger.Warn("Порог ошибок превышен, переподключение",
		zap.Int("errors", s.errorCount()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
		if err := s.broker.Ping(ctx); err != nil {
			logger.Warn("Брокер все еще недоступен", zap.Error(err))
			continue
		}
		logger.Info("Связь с брокером восстановлена")
		s.mu.Lock()
		s.errCount = 0
		s.status.Reconnects++
		s.mu.Unlock()
		return
	}
}

// logStatus пишет развернутый статус в журнал
func (s *Scheduler) logStatus(ctx context.Context) {
	snapshot := s.Status()
	logger.Info("Статус цикла",
		zap.Duration("uptime", time.Since(snapshot.StartedAt).Round(time.Second)),
		zap.Any("prices", snapshot.LastPrices),
		zap.Int("errors", snapshot.Errors),
		zap.Int("reconnects", snapshot.Reconnects))

	if s.store != nil {
		for symbol := range snapshot.LastSignals {
			history, err := s.store.GetSignalHistory(ctx, symbol, 10)
			if err != nil {
				logger.Warn("История сигналов недоступна",
					zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			logger.Info("Недавние сигналы",
				zap.String("symbol", symbol), zap.Int("count", len(history)))
		}
	}

	allocation, err := s.risk.AllocationStatus(ctx, s.broker)
	if err != nil {
		logger.Warn("Сводка распределения недоступна", zap.Error(err))
		return
	}
	logger.Info("Распределение капитала", zap.String("allocation", allocation))

	if suggestion := s.risk.SuggestAllocation(); suggestion != nil {
		logger.Warn("Доли инструментов стоит пересмотреть", zap.Any("suggested", suggestion))
	}
}

// Status возвращает копию снимка состояния
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.status
	out.Errors = s.errCount
	out.LastPrices = make(map[string]float64, len(s.status.LastPrices))
	for k, v := range s.status.LastPrices {
		out.LastPrices[k] = v
	}
	out.LastSignals = make(map[string]models.Signal, len(s.status.LastSignals))
	for k, v := range s.status.LastSignals {
		out.LastSignals[k] = v
	}
	return out
}

// strategyFor возвращает стратегию инструмента из конфигурации.
// Экземпляр создается на инструмент и переживает вызовы, чтобы
// подобранные оптимизацией параметры применялись только к нему.
func (s *Scheduler) strategyFor(symbol string) strategy.Strategy {
	s.mu.Lock()
	if strat, ok := s.perSymbol[symbol]; ok {
		s.mu.Unlock()
		return strat
	}
	s.mu.Unlock()

	sc := s.cfg.SymbolConfig(symbol)
	key := strategy.KeyMA
	if sc != nil && sc.Strategy != "" {
		key = sc.Strategy
	}
	strat, err := strategy.New(key, nil)
	if err != nil {
		logger.Warn("Стратегия не найдена, инструмент пропущен",
			zap.String("symbol", symbol), zap.String("strategy", key))
		return nil
	}

	s.mu.Lock()
	s.perSymbol[symbol] = strat
	s.mu.Unlock()
	return strat
}

func (s *Scheduler) noteError(msg, symbol string, err error) {
	s.mu.Lock()
	s.errCount++
	count := s.errCount
	s.mu.Unlock()

	logger.Error("Ошибка контрольного цикла",
		zap.String("stage", msg),
		zap.String("symbol", symbol),
		zap.Int("consecutive", count),
		zap.Error(err))
}

func (s *Scheduler) resetErrors() {
	s.mu.Lock()
	s.errCount = 0
	s.mu.Unlock()
}

func (s *Scheduler) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCount
}

// isWeekend сообщает, выходной ли сейчас день
func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
