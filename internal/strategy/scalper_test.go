package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

func candle(open, high, low, close float64, i int) models.Candle {
	return models.Candle{
		OpenTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 5 * time.Minute),
		Open:     decimal.NewFromFloat(open),
		High:     decimal.NewFromFloat(high),
		Low:      decimal.NewFromFloat(low),
		Close:    decimal.NewFromFloat(close),
		Volume:   decimal.NewFromInt(100),
	}
}

// declineThenRally builds a steady decline followed by one strong up
// candle, which produces a fresh UT crossover on the final bar.
func declineThenRally() []models.Candle {
	candles := make([]models.Candle, 0, 31)
	price := 110.0
	for i := 0; i < 30; i++ {
		next := price - 0.2
		candles = append(candles, candle(price, price, next, next, i))
		price = next
	}
	// Sharp rally: +5 from the last close.
	candles = append(candles, candle(price, price+5, price, price+5, 30))
	return candles
}

func testSettings() config.ScalperSettings {
	return config.ScalperSettings{
		MinCandles:       10,
		Timeframe:        "5m",
		SwingSlLookback:  10,
		MinSlDistancePct: 0.0005,
		FallbackSlPct:    0.03,
		RiskRewardRatio:  2.0,
		MinTpSlGapPct:    0.001,
		Leverage:         5,
		UtMultiplier:     1.5,
		UtBuyAtrPeriod:   3,
		UtSellAtrPeriod:  3,
		TrailAtrMult:     1.0,
		PartialTp: config.PartialTpSettings{
			Enabled:        true,
			FirstRr:        1.0,
			FirstSizePct:   0.5,
			TrailRemaining: true,
		},
	}
}

func TestEvaluateLongCrossover(t *testing.T) {
	s := New(testSettings())
	candles := declineThenRally()

	sig := s.Evaluate("BTCUSDT", candles, time.Now())
	require.NotNil(t, sig, "a fresh crossover must produce a signal")

	assert.Equal(t, models.SideLong, sig.Side)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, Source, sig.Source)

	entry := candles[len(candles)-1].Close
	assert.True(t, sig.Entry.Equal(entry))
	assert.True(t, sig.StopLoss.LessThan(entry), "sl %s vs entry %s", sig.StopLoss, entry)
	assert.True(t, sig.TakeProfit.GreaterThan(entry))

	// TP maintains the configured risk-reward ratio.
	risk := entry.Sub(sig.StopLoss)
	wantTp := entry.Add(risk.Mul(decimal.NewFromFloat(2.0)))
	assert.True(t, sig.TakeProfit.Equal(wantTp), "tp %s want %s", sig.TakeProfit, wantTp)

	// Partial TP sits strictly between entry and TP.
	require.True(t, sig.PartialTpPrice.Sign() > 0)
	assert.True(t, sig.PartialTpPrice.GreaterThan(entry))
	assert.True(t, sig.PartialTpPrice.LessThan(sig.TakeProfit))
	assert.True(t, sig.PartialSizePct.Equal(decimal.NewFromFloat(0.5)))

	assert.True(t, sig.TrailingStopPct.Sign() > 0, "ATR band should produce a trailing distance")
}

func TestEvaluateNoSignalWithoutFreshCrossover(t *testing.T) {
	s := New(testSettings())
	candles := declineThenRally()

	// One more bar continuing upward: the crossover is no longer fresh.
	last := candles[len(candles)-1].Close.InexactFloat64()
	candles = append(candles, candle(last, last+0.5, last, last+0.5, len(candles)))

	assert.Nil(t, s.Evaluate("BTCUSDT", candles, time.Now()))
}

func TestEvaluateNeedsMinCandles(t *testing.T) {
	cfg := testSettings()
	cfg.MinCandles = 100
	s := New(cfg)

	assert.Nil(t, s.Evaluate("BTCUSDT", declineThenRally(), time.Now()))
}

func TestEvaluateShortCrossover(t *testing.T) {
	s := New(testSettings())

	// Mirror: rally then one sharp drop.
	candles := make([]models.Candle, 0, 31)
	price := 100.0
	for i := 0; i < 30; i++ {
		next := price + 0.2
		candles = append(candles, candle(price, next, price, next, i))
		price = next
	}
	candles = append(candles, candle(price, price, price-5, price-5, 30))

	sig := s.Evaluate("ETHUSDT", candles, time.Now())
	require.NotNil(t, sig)
	assert.Equal(t, models.SideShort, sig.Side)
	assert.True(t, sig.StopLoss.GreaterThan(sig.Entry))
	assert.True(t, sig.TakeProfit.LessThan(sig.Entry))
	assert.True(t, sig.PartialTpPrice.LessThan(sig.Entry))
	assert.True(t, sig.PartialTpPrice.GreaterThan(sig.TakeProfit))
}

func TestTimeFilterWindow(t *testing.T) {
	cfg := testSettings()
	cfg.Filters.UseTimeFilter = true
	cfg.AllowedTradingHours = []int{8, 20}
	s := New(cfg)

	inside := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 1, 2, 22, 0, 0, 0, time.UTC)
	assert.True(t, s.withinTradingHours(inside))
	assert.False(t, s.withinTradingHours(outside))

	// Window wrapping midnight.
	cfg.AllowedTradingHours = []int{22, 6}
	s = New(cfg)
	assert.True(t, s.withinTradingHours(time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC)))
	assert.True(t, s.withinTradingHours(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)))
	assert.False(t, s.withinTradingHours(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)))

	// Timezone offset shifts the window.
	cfg.AllowedTradingHours = []int{8, 20}
	cfg.TradingHoursTzOffset = 120
	s = New(cfg)
	assert.True(t, s.withinTradingHours(time.Date(2026, 1, 2, 6, 30, 0, 0, time.UTC)))
}

func TestTrendFilterBlocksCounterTrendLong(t *testing.T) {
	cfg := testSettings()
	cfg.Filters.UseTrendFilter = true
	cfg.EmaFilterPeriod = 200
	s := New(cfg)

	// A steep decline keeps the close far below the long EMA even after
	// the rally candle, so the LONG crossover is rejected.
	candles := make([]models.Candle, 0, 31)
	price := 120.0
	for i := 0; i < 30; i++ {
		next := price - 0.5
		candles = append(candles, candle(price, price, next, next, i))
		price = next
	}
	candles = append(candles, candle(price, price+5, price, price+5, 30))

	assert.Nil(t, s.Evaluate("BTCUSDT", candles, time.Now()))

	// The same series without the filter does signal.
	cfg.Filters.UseTrendFilter = false
	require.NotNil(t, New(cfg).Evaluate("BTCUSDT", candles, time.Now()))
}
