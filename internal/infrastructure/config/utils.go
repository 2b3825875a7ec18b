package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/mmcore/internal/marketmaking/journal"
	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/pkg/telemetry"
)

// DefaultConfig returns the configuration used when no file sets a value
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Version:     ConfigVersion,
		Environment: "development",
		Server: ServerConfig{
			Host:                    "0.0.0.0",
			Port:                    8080,
			ReadTimeout:             30 * time.Second,
			WriteTimeout:            30 * time.Second,
			IdleTimeout:             120 * time.Second,
			GracefulShutdownTimeout: 15 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Router:    router.DefaultConfig(),
		Telemetry: telemetry.Config{Interval: time.Minute},
		Journal: JournalConfig{
			Limit: 1000,
			Kafka: KafkaConfig{Topic: journal.DefaultTopic},
			Redis: RedisConfig{Address: "localhost:6379", Stream: journal.DefaultTopic},
		},
	}
}

// templateConfig is DefaultConfig plus a paper setup that runs out of the box
func templateConfig() EngineConfig {
	cfg := DefaultConfig()
	d := decimal.RequireFromString
	cfg.Venues = []VenueConfig{
		{
			Name: "hyperliquid",
			Kind: "paper",
			Markets: []MarketConfig{
				{Symbol: "UBTC/USDC", Bid: d("60000"), Ask: d("60010"), Size: d("1"), TickSize: d("1")},
			},
			Balances: []BalanceConfig{{Asset: "USDC", Amount: d("10000")}, {Asset: "UBTC", Amount: d("0.1")}},
		},
		{
			Name: "bybit",
			Kind: "paper",
			Markets: []MarketConfig{
				{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Bid: d("59890"), Ask: d("59900"), Size: d("1"), TickSize: d("0.1")},
			},
			Balances: []BalanceConfig{{Asset: "USDT", Amount: d("10000")}, {Asset: "BTC", Amount: d("0.1")}},
		},
	}
	cfg.Strategies = []StrategyConfig{
		{
			Name: "arbitrage",
			Params: map[string]any{
				"symbol":            "UBTC/USDC",
				"execution_mode":    "simulation",
				"enabled_exchanges": []string{"hyperliquid", "bybit"},
			},
		},
		{
			Name: "dyna_vola",
			Params: map[string]any{
				"venue":  "hyperliquid",
				"symbol": "UBTC/USDC",
			},
		},
	}
	return cfg
}

// GenerateConfigTemplate writes a YAML template with the defaults and a
// two-venue paper setup.
func GenerateConfigTemplate(outputPath string) error {
	out, err := yaml.Marshal(templateConfig())
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	header := []byte("# mmcore engine configuration\n")
	if err := os.WriteFile(outputPath, append(header, out...), 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}
	return nil
}

// ValidateConfigFile loads a configuration file without watching it
func ValidateConfigFile(filePath string, logger *zap.Logger) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", filePath)
	}

	manager := NewConfigManager(logger)
	if _, _, _, err := manager.load([]string{filePath}); err != nil {
		return fmt.Errorf("failed to load configuration file: %w", err)
	}
	manager.logger.Info("Configuration file is valid", zap.String("file", filePath))
	return nil
}

// ConfigDiff is one changed setting
type ConfigDiff struct {
	Path     string
	OldValue any
	NewValue any
}

// CompareConfigs lists the settings a reload changed that matter at runtime
func CompareConfigs(oldConfig, newConfig *EngineConfig) []ConfigDiff {
	var diffs []ConfigDiff
	add := func(path string, o, n any) {
		if o != n {
			diffs = append(diffs, ConfigDiff{Path: path, OldValue: o, NewValue: n})
		}
	}
	add("environment", oldConfig.Environment, newConfig.Environment)
	add("server.port", oldConfig.Server.Port, newConfig.Server.Port)
	add("logging.level", oldConfig.Logging.Level, newConfig.Logging.Level)
	add("router.requests_per_second", oldConfig.Router.RequestsPerSecond, newConfig.Router.RequestsPerSecond)
	add("router.call_timeout", oldConfig.Router.CallTimeout, newConfig.Router.CallTimeout)
	add("telemetry.tracing", oldConfig.Telemetry.Tracing, newConfig.Telemetry.Tracing)
	add("venues", len(oldConfig.Venues), len(newConfig.Venues))
	add("strategies", len(oldConfig.Strategies), len(newConfig.Strategies))
	return diffs
}
