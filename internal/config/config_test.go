package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
base_pairs: ["BTCUSDT", "ETHUSDT"]
dry_run: true
usd_allocation_scalper:
  BTCUSDT: 200
  ETHUSDT: 150
scalper_settings:
  timeframe: "5m"
  min_sl_distance_pct: 0.0005
  fallback_sl_pct: 0.03
  risk_reward_ratio: 2.0
  leverage: 5
  partial_tp:
    enabled: true
    first_rr: 1.0
    first_size_pct: 0.5
    trail_remaining: true
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.BasePairs)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "5m", cfg.Scalper.Timeframe)
	assert.Equal(t, 0.5, cfg.Scalper.PartialTp.FirstSizePct)

	// Defaults filled in.
	assert.Equal(t, 30, cfg.BinanceMissingGraceSeconds)
	assert.Equal(t, 120, cfg.Watchdog.HeartbeatTimeoutSec)
	assert.Equal(t, 8*time.Second, cfg.OrderPollTimeout())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+"\nnot_a_real_key: 1\n"))
	assert.Error(t, err)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "key-from-env")
	t.Setenv("TEST_BINANCE_SECRET", "secret-from-env")
	cfg, err := Load(writeConfig(t, `
base_pairs: ["BTCUSDT"]
dry_run: false
binance:
  api_key: "${TEST_BINANCE_KEY}"
  api_secret: "${TEST_BINANCE_SECRET}"
usd_allocation_scalper:
  BTCUSDT: 100
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Binance.APIKey)
}

func TestValidateMissingAllocation(t *testing.T) {
	_, err := Load(writeConfig(t, `
base_pairs: ["BTCUSDT", "SOLUSDT"]
dry_run: true
usd_allocation_scalper:
  BTCUSDT: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOLUSDT")
}

func TestValidateLiveRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
base_pairs: ["BTCUSDT"]
dry_run: false
usd_allocation_scalper:
  BTCUSDT: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidateLiveAndDryRunExclusive(t *testing.T) {
	_, err := Load(writeConfig(t, `
base_pairs: ["BTCUSDT"]
dry_run: true
live_mode: true
usd_allocation_scalper:
  BTCUSDT: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidatePartialTpBounds(t *testing.T) {
	_, err := Load(writeConfig(t, `
base_pairs: ["BTCUSDT"]
dry_run: true
usd_allocation_scalper:
  BTCUSDT: 100
scalper_settings:
  partial_tp:
    enabled: true
    first_size_pct: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first_size_pct")
}

func TestGraceWindowEnvOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.GraceWindow())
	t.Setenv("BINANCE_MISSING_GRACE_SECONDS", "45")
	assert.Equal(t, 45*time.Second, cfg.GraceWindow())
}
