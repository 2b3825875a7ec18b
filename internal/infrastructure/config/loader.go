package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DefaultPaths are searched when LoadConfig gets no explicit path
var DefaultPaths = []string{
	"./config.yaml",
	"./configs/config.yaml",
	"/etc/mmcore/config.yaml",
}

// LoadConfig loads configuration from files and environment, validates it
// and starts watching the files that were found.
func (cm *ConfigManager) LoadConfig(configPaths ...string) error {
	if len(configPaths) == 0 {
		configPaths = DefaultPaths
	}
	cm.logger.Info("Loading engine configuration", zap.Strings("paths", configPaths))

	config, v, loaded, err := cm.load(configPaths)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.viper = v
	cm.config = config
	cm.watchPaths = loaded
	cm.initialized = true
	cm.lastReload = time.Now()
	cm.mu.Unlock()

	if err := cm.startWatcher(); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	cm.logger.Info("Configuration loaded successfully",
		zap.String("version", config.Version),
		zap.String("environment", config.Environment),
		zap.Int("venues", len(config.Venues)),
		zap.Int("strategies", len(config.Strategies)))
	return nil
}

// load builds a fresh viper instance, reads every existing path in order and
// returns the validated configuration together with the files it read.
func (cm *ConfigManager) load(paths []string) (*EngineConfig, *viper.Viper, []string, error) {
	v := viper.New()
	setupViper(v)
	registerDefaults(v)

	loaded, err := cm.loadConfigFiles(v, paths)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config files: %w", err)
	}
	cm.loadEnvironmentVariables(v)

	var config EngineConfig
	if err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	))); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cm.validateConfig(&config); err != nil {
		return nil, nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, v, loaded, nil
}

func setupViper(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// registerDefaults makes every scalar key known to viper so that environment
// overrides apply even without a config file.
func registerDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("version", def.Version)
	v.SetDefault("environment", def.Environment)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.Server.IdleTimeout)
	v.SetDefault("server.graceful_shutdown_timeout", def.Server.GracefulShutdownTimeout)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetDefault("router.requests_per_second", def.Router.RequestsPerSecond)
	v.SetDefault("router.burst", def.Router.Burst)
	v.SetDefault("router.call_timeout", def.Router.CallTimeout)
	v.SetDefault("router.breaker_threshold", def.Router.BreakerThreshold)
	v.SetDefault("router.breaker_window", def.Router.BreakerWindow)
	v.SetDefault("router.breaker_timeout", def.Router.BreakerTimeout)

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.stdout_metrics", false)
	v.SetDefault("telemetry.interval", def.Telemetry.Interval)

	v.SetDefault("journal.limit", def.Journal.Limit)
	v.SetDefault("journal.kafka.enabled", false)
	v.SetDefault("journal.kafka.topic", def.Journal.Kafka.Topic)
	v.SetDefault("journal.redis.enabled", false)
	v.SetDefault("journal.redis.address", def.Journal.Redis.Address)
	v.SetDefault("journal.redis.password", "")
	v.SetDefault("journal.redis.db", 0)
	v.SetDefault("journal.redis.stream", def.Journal.Redis.Stream)
}

// loadConfigFiles merges every existing path into v
func (cm *ConfigManager) loadConfigFiles(v *viper.Viper, paths []string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cm.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}

		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}

	if len(loaded) == 0 {
		cm.logger.Warn("No configuration files found, using defaults and environment variables")
	} else {
		cm.logger.Info("Loaded configuration files", zap.Strings("files", loaded))
	}
	return loaded, nil
}

// loadEnvironmentVariables applies overrides that AutomaticEnv cannot map,
// such as comma-separated lists.
func (cm *ConfigManager) loadEnvironmentVariables(v *viper.Viper) {
	envMappings := map[string]string{
		EnvPrefix + "_JOURNAL_KAFKA_BROKERS": "journal.kafka.brokers",
	}
	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, strings.Split(value, ","))
		}
	}
}

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	}
	return data, nil
}

// validateConfig runs struct tag validation and cross-field rules
func (cm *ConfigManager) validateConfig(config *EngineConfig) error {
	if err := cm.validator.Struct(config); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := validateCustomRules(config); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}
	return nil
}

func validateCustomRules(config *EngineConfig) error {
	if config.Journal.Kafka.Enabled && len(config.Journal.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka journal is enabled but no brokers are configured")
	}
	if config.Journal.Redis.Enabled && config.Journal.Redis.Address == "" {
		return fmt.Errorf("redis journal is enabled but no address is configured")
	}

	seen := make(map[string]struct{}, len(config.Venues))
	for _, v := range config.Venues {
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("venue %s is declared twice", v.Name)
		}
		seen[v.Name] = struct{}{}
		for _, m := range v.Markets {
			if m.Bid.IsPositive() && m.Ask.IsPositive() && !m.Bid.LessThan(m.Ask) {
				return fmt.Errorf("venue %s market %s: bid %s must be below ask %s", v.Name, m.Symbol, m.Bid, m.Ask)
			}
		}
	}
	return nil
}

// startWatcher watches the directories of the loaded files, so editors that
// replace a file by rename still trigger a reload.
func (cm *ConfigManager) startWatcher() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.watchPaths) == 0 {
		cm.logger.Info("No config files to watch, hot-reload disabled")
		return nil
	}
	if cm.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	files := make(map[string]struct{})
	for _, path := range cm.watchPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			cm.logger.Warn("Failed to watch config directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	cm.watcher = watcher
	go cm.watchForChanges(watcher, files)

	cm.logger.Info("File watcher started for hot-reload", zap.Strings("paths", cm.watchPaths))
	return nil
}

func (cm *ConfigManager) watchForChanges(watcher *fsnotify.Watcher, files map[string]struct{}) {
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	for {
		select {
		case <-cm.ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				abs = event.Name
			}
			if _, watched := files[abs]; !watched {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cm.logger.Debug("Config file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))
				debounceTimer.Reset(cm.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))

		case <-debounceTimer.C:
			if err := cm.reloadConfig(); err != nil {
				cm.logger.Error("Failed to reload configuration", zap.Error(err))
			}
		}
	}
}

// reloadConfig re-reads the watched files. The running configuration is kept
// when loading, validation or any callback fails.
func (cm *ConfigManager) reloadConfig() error {
	cm.logger.Info("Reloading configuration")

	cm.mu.RLock()
	oldConfig := cm.config
	paths := append([]string(nil), cm.watchPaths...)
	callbacks := append([]ReloadCallback(nil), cm.reloadCallbacks...)
	cm.mu.RUnlock()

	newConfig, v, _, err := cm.load(paths)
	if err != nil {
		return err
	}

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	cm.mu.Lock()
	cm.viper = v
	cm.config = newConfig
	cm.lastReload = time.Now()
	cm.mu.Unlock()

	cm.logger.Info("Configuration reloaded successfully", zap.Time("reloaded_at", cm.lastReload))
	return nil
}
