package strategy

import (
	"math"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Indicator internals run on float64: the outputs feed signal geometry
// that the entry pipeline re-derives in decimals before any rounding, so
// no step or tick boundary ever depends on these values directly.

func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// emaSeries returns the exponential moving average with the standard
// 2/(n+1) smoothing, seeded with the first value.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// atrSeries returns the Wilder-smoothed average true range.
func atrSeries(candles []models.Candle, period int) []float64 {
	n := len(candles)
	out := make([]float64, n)
	if n == 0 || period <= 0 {
		return out
	}

	tr := make([]float64, n)
	for i, c := range candles {
		high := c.High.InexactFloat64()
		low := c.Low.InexactFloat64()
		if i == 0 {
			tr[i] = high - low
			continue
		}
		prevClose := candles[i-1].Close.InexactFloat64()
		tr[i] = math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
	}

	// Wilder smoothing: simple average seed, then (prev*(n-1)+tr)/n.
	if n <= period {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += tr[i]
			out[i] = sum / float64(i+1)
		}
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += tr[i]
		out[i] = sum / float64(i+1)
	}
	out[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// utTrailingStop computes the UT-Bot trailing ATR stop line: the stop
// ratchets toward price while price stays on one side of it and flips to
// the other side on a crossover.
func utTrailingStop(closeVals, atr []float64, mult float64) []float64 {
	n := len(closeVals)
	stop := make([]float64, n)
	if n == 0 {
		return stop
	}
	stop[0] = closeVals[0] - mult*atr[0]
	for i := 1; i < n; i++ {
		loss := mult * atr[i]
		prev := stop[i-1]
		switch {
		case closeVals[i] > prev && closeVals[i-1] > prev:
			stop[i] = math.Max(prev, closeVals[i]-loss)
		case closeVals[i] < prev && closeVals[i-1] < prev:
			stop[i] = math.Min(prev, closeVals[i]+loss)
		case closeVals[i] > prev:
			stop[i] = closeVals[i] - loss
		default:
			stop[i] = closeVals[i] + loss
		}
	}
	return stop
}

// stcSeries computes the Schaff Trend Cycle: a double stochastic of the
// MACD line with 0.5 exponential smoothing, in [0, 100].
func stcSeries(closeVals []float64, length, fast, slow int) []float64 {
	n := len(closeVals)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	fastEma := emaSeries(closeVals, fast)
	slowEma := emaSeries(closeVals, slow)
	macd := make([]float64, n)
	for i := range macd {
		macd[i] = fastEma[i] - slowEma[i]
	}

	stoch := func(values []float64) []float64 {
		k := make([]float64, n)
		smoothed := make([]float64, n)
		for i := 0; i < n; i++ {
			lo, hi := values[i], values[i]
			start := i - length + 1
			if start < 0 {
				start = 0
			}
			for j := start; j <= i; j++ {
				lo = math.Min(lo, values[j])
				hi = math.Max(hi, values[j])
			}
			if hi > lo {
				k[i] = (values[i] - lo) / (hi - lo) * 100
			} else if i > 0 {
				k[i] = k[i-1]
			}
			if i == 0 {
				smoothed[i] = k[i]
			} else {
				smoothed[i] = smoothed[i-1] + 0.5*(k[i]-smoothed[i-1])
			}
		}
		return smoothed
	}

	return stoch(stoch(macd))
}

// swingExtremum returns the lowest low (for LONG stops) or highest high
// (for SHORT stops) over the last lookback closed candles.
func swingExtremum(candles []models.Candle, lookback int, side models.Side) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	window := candles[start:]
	ext := window[0]
	for _, c := range window[1:] {
		if side == models.SideLong && c.Low.LessThan(ext.Low) {
			ext = c
		}
		if side == models.SideShort && c.High.GreaterThan(ext.High) {
			ext = c
		}
	}
	if side == models.SideLong {
		return ext.Low.InexactFloat64()
	}
	return ext.High.InexactFloat64()
}
