package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/mmcore/internal/marketmaking/router"
	"github.com/Aidin1998/mmcore/pkg/telemetry"
)

// EngineConfig is the complete configuration of one engine process
type EngineConfig struct {
	Version     string `mapstructure:"version" yaml:"version" validate:"required"`
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	Server  ServerConfig  `mapstructure:"server" yaml:"server" validate:"required"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" validate:"required"`
	Router  router.Config `mapstructure:"router" yaml:"router"`

	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	Venues     []VenueConfig    `mapstructure:"venues" yaml:"venues" validate:"dive"`
	Journal    JournalConfig    `mapstructure:"journal" yaml:"journal"`
	Strategies []StrategyConfig `mapstructure:"strategies" yaml:"strategies" validate:"dive"`
}

// ServerConfig holds the admin HTTP server settings
type ServerConfig struct {
	Host                    string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port                    int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"required"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"required"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"required"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" yaml:"graceful_shutdown_timeout" validate:"required"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`
}

// VenueConfig declares one venue. Only paper venues are built in; live
// venue wrappers are registered by the embedding application.
type VenueConfig struct {
	Name     string          `mapstructure:"name" yaml:"name" validate:"required"`
	Kind     string          `mapstructure:"kind" yaml:"kind" validate:"required,oneof=paper"`
	Markets  []MarketConfig  `mapstructure:"markets" yaml:"markets" validate:"dive"`
	Balances []BalanceConfig `mapstructure:"balances" yaml:"balances" validate:"dive"`
}

// BalanceConfig seeds one paper balance. A list keeps asset names intact,
// viper lowercases map keys.
type BalanceConfig struct {
	Asset  string          `mapstructure:"asset" yaml:"asset" validate:"required"`
	Amount decimal.Decimal `mapstructure:"amount" yaml:"amount"`
}

// MarketConfig seeds the top of book of a paper market
type MarketConfig struct {
	Symbol   string          `mapstructure:"symbol" yaml:"symbol" validate:"required"`
	Base     string          `mapstructure:"base" yaml:"base,omitempty"`
	Quote    string          `mapstructure:"quote" yaml:"quote,omitempty"`
	Bid      decimal.Decimal `mapstructure:"bid" yaml:"bid"`
	Ask      decimal.Decimal `mapstructure:"ask" yaml:"ask"`
	Size     decimal.Decimal `mapstructure:"size" yaml:"size"`
	TickSize decimal.Decimal `mapstructure:"tick_size" yaml:"tick_size"`
}

// JournalConfig selects the sinks arbitrage trade records are published to
type JournalConfig struct {
	Limit int         `mapstructure:"limit" yaml:"limit" validate:"min=0"`
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// KafkaConfig holds Kafka publisher settings
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// RedisConfig holds Redis stream publisher settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"min=0"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
}

// StrategyConfig is a strategy instance started at boot when AutoStart is set
type StrategyConfig struct {
	Name      string         `mapstructure:"name" yaml:"name" validate:"required"`
	AutoStart bool           `mapstructure:"auto_start" yaml:"auto_start"`
	Params    map[string]any `mapstructure:"params" yaml:"params"`
}
