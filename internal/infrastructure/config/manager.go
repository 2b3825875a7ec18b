// Package config loads the engine configuration from YAML files, .env and
// MMCORE_* environment variables, validates it and hot-reloads it on change.
package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ConfigVersion is the config schema version written into templates
const ConfigVersion = "1.0.0"

// EnvPrefix prefixes every environment override, e.g. MMCORE_SERVER_PORT
const EnvPrefix = "MMCORE"

// ConfigManager handles configuration loading with hot-reload
type ConfigManager struct {
	mu        sync.RWMutex
	config    *EngineConfig
	viper     *viper.Viper
	validator *validator.Validate
	logger    *zap.Logger

	// Hot reload
	watcher         *fsnotify.Watcher
	watchPaths      []string
	reloadCallbacks []ReloadCallback
	debounce        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc

	initialized bool
	lastReload  time.Time
}

// ReloadCallback is called with the old and new configuration before the
// new one is installed. An error keeps the old configuration.
type ReloadCallback func(oldConfig, newConfig *EngineConfig) error

// NewConfigManager creates a new configuration manager
func NewConfigManager(logger *zap.Logger) *ConfigManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ConfigManager{
		viper:     viper.New(),
		validator: validator.New(),
		logger:    logger.Named("config"),
		debounce:  500 * time.Millisecond,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AddReloadCallback adds a callback to be called when configuration is reloaded
func (cm *ConfigManager) AddReloadCallback(callback ReloadCallback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.reloadCallbacks = append(cm.reloadCallbacks, callback)
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *EngineConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// IsInitialized returns whether the configuration has been loaded
func (cm *ConfigManager) IsInitialized() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.initialized
}

// GetLastReloadTime returns the time of the last (re)load
func (cm *ConfigManager) GetLastReloadTime() time.Time {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastReload
}

// Close stops the file watcher
func (cm *ConfigManager) Close() error {
	cm.cancel()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.watcher != nil {
		if err := cm.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
		cm.watcher = nil
	}
	return nil
}
