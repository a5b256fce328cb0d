package engine

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
	"github.com/eddiefleurent/schrute_scalper/internal/precision"
	"github.com/eddiefleurent/schrute_scalper/internal/sink"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	engine  *Engine
	mock    *broker.Mock
	store   storage.Interface
	tracker *orders.Tracker
	cfg     *config.Config
	trades  string
}

func testConfig() *config.Config {
	return &config.Config{
		BasePairs:                  []string{"BTCUSDT", "ETHUSDT"},
		UsdAllocationScalper:       map[string]float64{"BTCUSDT": 3000, "ETHUSDT": 1000},
		MaxConcurrentTrades:        map[string]int{"scalper": 3},
		CooldownMinutes:            map[string]int{},
		HoldLimitHours:             24,
		BinanceMissingGraceSeconds: 30,
		Binance:                    config.BinanceConfig{APIKey: "key", APISecret: "secret"},
		Scalper: config.ScalperSettings{
			MinSlDistancePct: 0.0005,
			FallbackSlPct:    0.03,
			RiskRewardRatio:  2.0,
			MinTpSlGapPct:    0.001,
			Leverage:         5,
			OrderPollSecs:    0.05,
			PartialTp: config.PartialTpSettings{
				Enabled:        true,
				FirstRr:        1.0,
				FirstSizePct:   0.5,
				TrailRemaining: true,
			},
		},
		Watchdog: config.WatchdogConfig{
			HeartbeatTimeoutSec: 120,
			PollIntervalSec:     15,
			SlTpBufferPct:       0.001,
		},
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	mock := broker.NewMock()
	store := storage.NewMemoryStore(storage.Config{
		MinSlDistancePct: decimal.NewFromFloat(cfg.Scalper.MinSlDistancePct),
		FallbackSlPct:    decimal.NewFromFloat(cfg.Scalper.FallbackSlPct),
		Canceler:         mock,
	})
	tracker := orders.NewTracker(nil)
	tradesPath := filepath.Join(t.TempDir(), "trade_lifecycle.csv")
	trades, err := sink.NewLifecycleLog(tradesPath, nil)
	require.NoError(t, err)

	eng := New(Options{
		Config:   cfg,
		Broker:   mock,
		Store:    store,
		Tracker:  tracker,
		Registry: precision.NewRegistry(nil),
		Poller:   orders.NewPoller(mock, orders.PollConfig{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil),
		Trades:   trades,
		Alerts:   sink.NewNotifier("", time.Minute, nil),
	})
	return &fixture{engine: eng, mock: mock, store: store, tracker: tracker, cfg: cfg, trades: tradesPath}
}

// events returns the lifecycle CSV rows minus the header.
func (f *fixture) events(t *testing.T) [][]string {
	t.Helper()
	file, err := os.Open(f.trades)
	require.NoError(t, err)
	defer func() { _ = file.Close() }()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows[1:]
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, row := range f.events(t) {
		types = append(types, row[3])
	}
	return types
}
