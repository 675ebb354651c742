package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/atse/internal/broker"
	"github.com/skalibog/atse/internal/config"
	"github.com/skalibog/atse/internal/execution"
	"github.com/skalibog/atse/internal/ledger"
	"github.com/skalibog/atse/internal/notify"
	"github.com/skalibog/atse/internal/optimizer"
	"github.com/skalibog/atse/internal/risk"
	"github.com/skalibog/atse/internal/scheduler"
	"github.com/skalibog/atse/internal/storage"
	"github.com/skalibog/atse/internal/strategy"
	"github.com/skalibog/atse/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	strategyKey := flag.String("strategy", "", "стратегия одиночного режима (MA/DKLL/RSI)")
	multi := flag.Bool("multi", false, "торговать всеми включенными инструментами")
	flag.Parse()

	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		logger.Fatal("Не удалось создать каталог логов", zap.Error(err))
	}

	// Создаем контекст с возможностью отмены через горутину
	ctx, cancel := context.WithCancel(context.Background())

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nЗавершение работы...")
		cancel()
		time.Sleep(5 * time.Second) // Даем горутинам время на завершение
		os.Exit(0)
	}()

	// Инициализируем хранилище, если оно включено
	var store storage.Storage
	if cfg.Storage.Enabled {
		influx, err := storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		defer influx.Close()
		store = influx
	}

	// Инициализируем клиент брокера
	b, err := broker.NewBinanceBroker(cfg.Broker)
	if err != nil {
		logger.Fatal("Ошибка инициализации брокера", zap.Error(err))
	}
	if err := b.Ping(ctx); err != nil {
		logger.Fatal("Брокер недоступен", zap.Error(err))
	}

	registry := strategy.NewRegistry()
	if *strategyKey != "" {
		if err := registry.Select(*strategyKey); err != nil {
			logger.Fatal("Неизвестная стратегия", zap.String("strategy", *strategyKey), zap.Error(err))
		}
	}
	logger.Info("Доступные стратегии", zap.String("info", registry.Info()))

	journal := ledger.NewLedger()
	riskMgr := risk.NewManager(cfg.Money, cfg.Trading.Symbols)
	events := notify.NewLogEvents()
	executor := execution.NewExecutor(b, riskMgr, journal, events, store, cfg.Trading)

	var opt *optimizer.Optimizer
	if cfg.Optimization.Enabled {
		opt = optimizer.NewOptimizer(b, store, cfg.Optimization, cfg.Trading, cfg.LogDir)
	}

	sched := scheduler.NewScheduler(cfg, b, registry, executor, journal, riskMgr, opt, store, events)

	if *multi {
		err = sched.RunMultiSymbol(ctx)
	} else {
		err = sched.Run(ctx)
	}
	if err != nil && err != context.Canceled {
		logger.Fatal("Контрольный цикл завершился с ошибкой", zap.Error(err))
	}

	// Итоговая сводка перед выходом
	fmt.Println(journal.Report())
}
