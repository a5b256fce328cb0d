package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/orders"
)

// openLong seeds a live LONG position in both the store and the mock
// exchange and marks it OPEN in the tracker.
func (f *fixture) openLong(t *testing.T, pos *models.Position) {
	t.Helper()
	require.NoError(t, f.store.Add(pos))
	f.mock.SetPosition(pos.Symbol, pos.Side, pos.Size, pos.EntryPrice)
	f.tracker.MarkOpen(pos.Symbol, pos.Side)
}

func ethLong() *models.Position {
	return &models.Position{
		Symbol:         "ETHUSDT",
		Side:           models.SideLong,
		EntryPrice:     d("2000"),
		Size:           d("0.5"),
		StopLoss:       d("1980"),
		TakeProfit:     d("2060"),
		PeakPrice:      d("2000"),
		PartialTpPrice: d("2020"),
		PartialTpSize:  d("0.25"),
		TrailRemaining: true,
		Source:         "scalper",
		EntryTime:      time.Now().Add(-time.Hour),
	}
}

func TestPartialTpFillConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	f.openLong(t, ethLong())
	f.mock.Prices["ETHUSDT"] = d("2020.1")

	f.engine.EvaluateExits(context.Background())

	require.Len(t, f.mock.MarketOrders, 1)
	partial := f.mock.MarketOrders[0]
	assert.Equal(t, "SELL", partial.Side)
	assert.True(t, partial.ReduceOnly)
	assert.True(t, partial.Qty.Equal(d("0.25")))

	pos, ok := f.store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("0.25")), "size %s", pos.Size)
	assert.True(t, pos.PartialTpDone)
	assert.True(t, pos.Tp1Triggered)
	assert.True(t, pos.AwaitingTrailActivation)
	assert.True(t, pos.Breakeven)
	assert.True(t, pos.StopLoss.Equal(d("2000")), "sl %s", pos.StopLoss)
	require.NotNil(t, pos.BreakevenSetAt)
	assert.NotZero(t, pos.LastPartialOrderID)

	assert.Equal(t, []string{"TP1_PARTIAL"}, f.eventTypes(t))
	assert.Equal(t, orders.StateOpen, f.tracker.State("ETHUSDT", models.SideLong))
}

func TestPartialTpTimeoutKeepsPosition(t *testing.T) {
	f := newFixture(t, nil)
	f.openLong(t, ethLong())
	f.mock.Prices["ETHUSDT"] = d("2020.1")

	// The order reaches the exchange but never fills within the window.
	f.mock.OnPlaceMarket = func(req broker.OrderRequest) (*broker.OrderAck, error) {
		return &broker.OrderAck{OrderID: 777, Symbol: req.Symbol, Status: broker.StatusNew}, nil
	}
	f.mock.OnGetOrder = func(symbol string, orderID int64) (*broker.Order, error) {
		return &broker.Order{OrderID: orderID, Symbol: symbol, Status: broker.StatusNew}, nil
	}

	f.engine.EvaluateExits(context.Background())

	pos, ok := f.store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("0.5")), "size must be unchanged, got %s", pos.Size)
	assert.False(t, pos.PartialTpDone)
	assert.Equal(t, int64(777), pos.LastPartialOrderID)
	assert.Contains(t, f.mock.CanceledIDs, int64(777))
	assert.Empty(t, f.eventTypes(t), "no TP1 row without a confirmed fill")
	assert.Equal(t, orders.StateOpen, f.tracker.State("ETHUSDT", models.SideLong))
}

func TestTrailActivation(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	pos := ethLong()
	pos.Size = d("0.25")
	pos.StopLoss = d("2000")
	pos.PartialTpDone = true
	pos.Tp1Triggered = true
	pos.AwaitingTrailActivation = true
	pos.Breakeven = true
	pos.BreakevenSetAt = &now
	pos.TrailingStopPct = d("0.01")
	f.openLong(t, pos)
	f.mock.Prices["ETHUSDT"] = d("2025")

	f.engine.EvaluateExits(context.Background())

	got, ok := f.store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, got.TrailActive)
	assert.False(t, got.AwaitingTrailActivation)
	assert.True(t, got.StopLoss.Equal(d("2020")), "sl moves to the partial TP price, got %s", got.StopLoss)
	assert.True(t, got.PeakPrice.Equal(d("2025")))
	assert.Empty(t, f.mock.MarketOrders, "activation places no orders")
}

func TestTrailingStopExit(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	pos := ethLong()
	pos.Size = d("0.25")
	pos.StopLoss = d("2020")
	pos.PartialTpDone = true
	pos.Tp1Triggered = true
	pos.Breakeven = true
	pos.BreakevenSetAt = &now
	pos.TrailActive = true
	pos.TrailingStopPct = d("0.01")
	pos.PeakPrice = d("2050")
	f.openLong(t, pos)
	// Peak 2050 with a 1% trail puts the stop at 2029.5.
	f.mock.Prices["ETHUSDT"] = d("2020")

	f.engine.EvaluateExits(context.Background())

	require.Len(t, f.mock.MarketOrders, 1)
	assert.True(t, f.mock.MarketOrders[0].ReduceOnly)
	_, ok := f.store.Get("ETHUSDT", models.SideLong)
	assert.False(t, ok)
	assert.Equal(t, []string{"TRAILING_EXIT"}, f.eventTypes(t))
	assert.Equal(t, orders.StateNone, f.tracker.State("ETHUSDT", models.SideLong))
}

func TestPeakNeverRetreats(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	pos := ethLong()
	pos.Size = d("0.25")
	pos.StopLoss = d("2020")
	pos.PartialTpDone = true
	pos.Tp1Triggered = true
	pos.Breakeven = true
	pos.BreakevenSetAt = &now
	pos.TrailActive = true
	pos.TrailingStopPct = d("0.01")
	pos.PeakPrice = d("2050")
	f.openLong(t, pos)
	// Above the trailing stop (2029.5) but below the recorded peak.
	f.mock.Prices["ETHUSDT"] = d("2040")

	f.engine.EvaluateExits(context.Background())

	got, ok := f.store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, got.PeakPrice.Equal(d("2050")), "peak %s", got.PeakPrice)
}

func TestTimeExit(t *testing.T) {
	f := newFixture(t, nil)
	pos := ethLong()
	pos.StopLoss = d("1940")
	pos.PartialTpPrice = d("0")
	pos.PartialTpSize = d("0")
	deadline := time.Now().Add(-time.Minute)
	pos.ExitTime = &deadline
	f.openLong(t, pos)
	f.mock.Prices["ETHUSDT"] = d("2005")

	f.engine.EvaluateExits(context.Background())

	_, ok := f.store.Get("ETHUSDT", models.SideLong)
	assert.False(t, ok)
	assert.Equal(t, []string{"TIME_EXIT"}, f.eventTypes(t))
}

func TestStopLossExit(t *testing.T) {
	f := newFixture(t, nil)
	pos := ethLong()
	pos.StopLoss = d("1940")
	f.openLong(t, pos)
	f.mock.Prices["ETHUSDT"] = d("1939")

	f.engine.EvaluateExits(context.Background())

	_, ok := f.store.Get("ETHUSDT", models.SideLong)
	assert.False(t, ok)
	assert.Equal(t, []string{"SL_EXIT"}, f.eventTypes(t))
	require.Len(t, f.mock.MarketOrders, 1)
	assert.True(t, f.mock.MarketOrders[0].Qty.Equal(d("0.5")))
}

func TestExitDefersWhenExchangeFlat(t *testing.T) {
	f := newFixture(t, nil)
	pos := ethLong()
	pos.StopLoss = d("1940")
	require.NoError(t, f.store.Add(pos))
	f.tracker.MarkOpen("ETHUSDT", models.SideLong)
	// No exchange-side row: the exit must defer to reconciliation.
	f.mock.Prices["ETHUSDT"] = d("1939")

	f.engine.EvaluateExits(context.Background())

	got, ok := f.store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok, "record must survive until the grace window expires")
	assert.NotNil(t, got.BinanceMissingSince)
	assert.Empty(t, f.mock.MarketOrders)
	assert.Empty(t, f.eventTypes(t))
}

func TestDryRunExitSimulatesFill(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	f := newFixture(t, cfg)
	pos := ethLong()
	pos.StopLoss = d("1940")
	require.NoError(t, f.store.Add(pos))
	f.tracker.MarkOpen("ETHUSDT", models.SideLong)
	f.mock.Prices["ETHUSDT"] = d("1939")

	f.engine.EvaluateExits(context.Background())

	_, ok := f.store.Get("ETHUSDT", models.SideLong)
	assert.False(t, ok)
	assert.Empty(t, f.mock.MarketOrders)
	assert.Equal(t, []string{"SL_EXIT"}, f.eventTypes(t))
}

func TestWatchdogSweepForcesStopExit(t *testing.T) {
	f := newFixture(t, nil)
	pos := &models.Position{
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		EntryPrice: d("30000"),
		Size:       d("0.1"),
		StopLoss:   d("29100"),
		TakeProfit: d("30900"),
		PeakPrice:  d("30000"),
		Source:     "scalper",
		EntryTime:  time.Now(),
	}
	f.openLong(t, pos)
	// Well past the stop even with the safety buffer applied.
	f.mock.Prices["BTCUSDT"] = d("29000")

	f.engine.SweepPositions(context.Background())

	_, ok := f.store.Get("BTCUSDT", models.SideLong)
	assert.False(t, ok)
	assert.Equal(t, []string{"REST_EXIT_SL"}, f.eventTypes(t))
}

func TestWatchdogSweepIgnoresSmallDrift(t *testing.T) {
	f := newFixture(t, nil)
	pos := &models.Position{
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		EntryPrice: d("30000"),
		Size:       d("0.1"),
		StopLoss:   d("29100"),
		TakeProfit: d("30900"),
		PeakPrice:  d("30000"),
		Source:     "scalper",
		EntryTime:  time.Now(),
	}
	f.openLong(t, pos)
	// At the stop but inside the buffer: the exit controller owns this,
	// not the sweep.
	f.mock.Prices["BTCUSDT"] = d("29095")

	f.engine.SweepPositions(context.Background())

	_, ok := f.store.Get("BTCUSDT", models.SideLong)
	assert.True(t, ok)
	assert.Empty(t, f.mock.MarketOrders)
}
