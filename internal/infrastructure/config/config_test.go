package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
version: "1.0.0"
environment: staging
server:
  port: 9090
  read_timeout: 5s
logging:
  level: debug
router:
  requests_per_second: 5
venues:
  - name: hyperliquid
    kind: paper
    markets:
      - symbol: UBTC/USDC
        bid: 99.9
        ask: "100.1"
        size: 10
        tick_size: "0.01"
    balances:
      - asset: USDC
        amount: 1000
strategies:
  - name: spread_mm
    auto_start: true
    params:
      symbol: UBTC/USDC
      bid_spread: 0.00011
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	cm := NewConfigManager(zap.NewNop())
	t.Cleanup(func() { _ = cm.Close() })

	require.NoError(t, cm.LoadConfig(path))
	cfg := cm.GetConfig()
	assert.True(t, cm.IsInitialized())

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "defaults fill unset keys")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5.0, cfg.Router.RequestsPerSecond)
	assert.Equal(t, 40, cfg.Router.Burst)

	require.Len(t, cfg.Venues, 1)
	m := cfg.Venues[0].Markets[0]
	assert.True(t, m.Bid.Equal(decimal.RequireFromString("99.9")))
	assert.True(t, m.Ask.Equal(decimal.RequireFromString("100.1")))
	assert.Equal(t, "USDC", cfg.Venues[0].Balances[0].Asset)

	require.Len(t, cfg.Strategies, 1)
	assert.True(t, cfg.Strategies[0].AutoStart)
	assert.Equal(t, "UBTC/USDC", cfg.Strategies[0].Params["symbol"])
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("MMCORE_SERVER_PORT", "9191")
	t.Setenv("MMCORE_LOGGING_FORMAT", "console")
	t.Setenv("MMCORE_JOURNAL_KAFKA_BROKERS", "k1:9092,k2:9092")

	cm := NewConfigManager(zap.NewNop())
	t.Cleanup(func() { _ = cm.Close() })
	require.NoError(t, cm.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")))

	cfg := cm.GetConfig()
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Journal.Kafka.Brokers)
}

func TestLoadConfig_Validation(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"environment":     "environment: prod\n",
		"venue kind":      "venues:\n  - name: x\n    kind: binance\n",
		"crossed book":    "venues:\n  - name: x\n    kind: paper\n    markets:\n      - symbol: A/B\n        bid: 2\n        ask: 1\n",
		"kafka brokers":   "journal:\n  kafka:\n    enabled: true\n",
		"duplicate venue": "venues:\n  - name: x\n    kind: paper\n  - name: x\n    kind: paper\n",
		"strategy name":   "strategies:\n  - params: {}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, dir, body)
			err := NewConfigManager(zap.NewNop()).LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	cm := NewConfigManager(zap.NewNop())
	cm.debounce = 10 * time.Millisecond
	t.Cleanup(func() { _ = cm.Close() })
	require.NoError(t, cm.LoadConfig(path))

	changes := make(chan []ConfigDiff, 1)
	cm.AddReloadCallback(func(oldConfig, newConfig *EngineConfig) error {
		changes <- CompareConfigs(oldConfig, newConfig)
		return nil
	})

	writeConfig(t, dir, "server:\n  port: 7070\n")

	select {
	case diffs := <-changes:
		assert.Contains(t, diffs, ConfigDiff{Path: "server.port", OldValue: 9090, NewValue: 7070})
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	require.Eventually(t, func() bool { return cm.GetConfig().Server.Port == 7070 }, time.Second, 10*time.Millisecond)
}

func TestHotReload_InvalidKeepsRunningConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	cm := NewConfigManager(zap.NewNop())
	require.NoError(t, cm.LoadConfig(path))
	t.Cleanup(func() { _ = cm.Close() })

	writeConfig(t, dir, "environment: nowhere\n")
	assert.Error(t, cm.reloadConfig())
	assert.Equal(t, 9090, cm.GetConfig().Server.Port)
}

func TestGenerateConfigTemplate_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, GenerateConfigTemplate(path))
	require.NoError(t, ValidateConfigFile(path, zap.NewNop()))

	cm := NewConfigManager(zap.NewNop())
	t.Cleanup(func() { _ = cm.Close() })
	require.NoError(t, cm.LoadConfig(path))
	cfg := cm.GetConfig()
	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "BTC", cfg.Venues[1].Markets[0].Base)
	assert.Equal(t, 15*time.Second, cfg.Server.GracefulShutdownTimeout)
	assert.Len(t, cfg.Strategies, 2)

	assert.Error(t, ValidateConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), zap.NewNop()))
}
