package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmcore/internal/infrastructure/config"
	"github.com/Aidin1998/mmcore/internal/marketmaking/exchange/paper"
	"github.com/Aidin1998/mmcore/internal/marketmaking/inventory"
	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies"
	"github.com/Aidin1998/mmcore/internal/marketmaking/twap"
	"github.com/Aidin1998/mmcore/internal/server"
	"github.com/Aidin1998/mmcore/pkg/logger"
	"github.com/Aidin1998/mmcore/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the engine configuration file")
	generate := flag.String("generate-config", "", "write a configuration template to this path and exit")
	validate := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	if *generate != "" {
		if err := config.GenerateConfigTemplate(*generate); err != nil {
			log.Fatalf("Failed to generate configuration template: %v", err)
		}
		fmt.Printf("Configuration template written to %s\n", *generate)
		return
	}

	paths := config.DefaultPaths
	if *configPath != "" {
		paths = []string{*configPath}
	}

	cm := config.NewConfigManager(nil)
	if err := cm.LoadConfig(paths...); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	defer cm.Close()
	cfg := cm.GetConfig()

	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if *validate {
		zapLogger.Info("Configuration is valid", zap.String("environment", cfg.Environment))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cm, zapLogger); err != nil {
		zapLogger.Fatal("Engine failed", zap.Error(err))
	}
	zapLogger.Info("Engine exited properly")
}

func run(ctx context.Context, cm *config.ConfigManager, zapLogger *zap.Logger) error {
	cfg := cm.GetConfig()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Error("Failed to flush telemetry", zap.Error(err))
		}
	}()

	r := router.New(cfg.Router, zapLogger)
	for _, vc := range cfg.Venues {
		if err := r.AddExchange(buildPaperVenue(vc, zapLogger)); err != nil {
			return fmt.Errorf("add venue %s: %w", vc.Name, err)
		}
	}
	if err := r.ConnectAll(ctx); err != nil {
		zapLogger.Warn("Not every venue connected", zap.Error(err))
	}

	tracker := inventory.NewTracker(zapLogger)
	j := journal.New(zapLogger, cfg.Journal.Limit, buildPublishers(cfg.Journal, zapLogger)...)
	defer func() {
		if err := j.Close(); err != nil {
			zapLogger.Error("Failed to close journal", zap.Error(err))
		}
	}()

	registry := runtime.NewRegistry()
	if err := strategies.RegisterBuiltins(registry); err != nil {
		return err
	}
	manager := runtime.NewManager(registry, runtime.Deps{
		Router:    r,
		Inventory: tracker,
		Journal:   j,
		Logger:    zapLogger,
	})
	executor := twap.NewExecutor(r, zapLogger)

	for _, sc := range cfg.Strategies {
		if !sc.AutoStart {
			continue
		}
		key, err := manager.Start(ctx, sc.Name, sc.Params)
		if err != nil {
			zapLogger.Error("Failed to start strategy", zap.String("strategy", sc.Name), zap.Error(err))
			continue
		}
		zapLogger.Info("Strategy started", zap.String("strategy", sc.Name), zap.String("key", key))
	}

	cm.AddReloadCallback(func(oldConfig, newConfig *config.EngineConfig) error {
		for _, diff := range config.CompareConfigs(oldConfig, newConfig) {
			zapLogger.Info("Configuration changed; restart to apply",
				zap.String("path", diff.Path),
				zap.Any("old", diff.OldValue),
				zap.Any("new", diff.NewValue))
		}
		return nil
	})

	srv := server.NewServer(ctx, zapLogger, manager, executor, r, tracker, j)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting admin API", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down engine...")
	case err := <-serveErr:
		if err != nil {
			zapLogger.Error("Admin API failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Admin API shutdown failed", zap.Error(err))
	}

	manager.StopAll()
	executor.StopAll()
	return nil
}

func buildPaperVenue(vc config.VenueConfig, zapLogger *zap.Logger) *paper.Venue {
	v := paper.NewVenue(vc.Name, zapLogger)
	for _, m := range vc.Markets {
		v.SetTop(m.Symbol, m.Bid, m.Size, m.Ask, m.Size)
		if m.TickSize.IsPositive() {
			v.SetTickSize(m.Symbol, m.TickSize)
		}
		if m.Base != "" && m.Quote != "" {
			v.SetAssets(m.Symbol, m.Base, m.Quote)
		}
	}
	for _, b := range vc.Balances {
		v.SetBalance(b.Asset, b.Amount)
	}
	return v
}

func buildPublishers(jc config.JournalConfig, zapLogger *zap.Logger) []journal.Publisher {
	var pubs []journal.Publisher
	if jc.Kafka.Enabled {
		pubs = append(pubs, journal.NewKafkaPublisher(jc.Kafka.Brokers, jc.Kafka.Topic, zapLogger))
		zapLogger.Info("Publishing trade records to Kafka", zap.Strings("brokers", jc.Kafka.Brokers))
	}
	if jc.Redis.Enabled {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{jc.Redis.Address},
			Password: jc.Redis.Password,
			DB:       jc.Redis.DB,
		})
		pubs = append(pubs, journal.NewRedisPublisher(client, jc.Redis.Stream, zapLogger))
		zapLogger.Info("Publishing trade records to Redis", zap.String("address", jc.Redis.Address))
	}
	return pubs
}
