// Package strategy implements the scalper entry rule: a UT-Bot trailing
// ATR crossover on closed 5-minute candles, gated by trend, time-window,
// candle-body, and STC confirmation filters. Evaluate is pure; it proposes
// pre-rounding SL/TP geometry and never touches the exchange.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Source is the tag carried by positions this strategy opens.
const Source = "scalper"

// Signal is a proposed trade. All prices are pre-rounding; the entry
// pipeline enforces tick and step legality.
type Signal struct {
	Symbol          string
	Side            models.Side
	Entry           decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	PartialTpPrice  decimal.Decimal
	PartialSizePct  decimal.Decimal
	TrailingStopPct decimal.Decimal
	Source          string
	Reason          string
	Confidence      float64
}

// Scalper evaluates the entry rule for one settings block.
type Scalper struct {
	cfg config.ScalperSettings
}

// New builds a Scalper from settings.
func New(cfg config.ScalperSettings) *Scalper {
	return &Scalper{cfg: cfg}
}

// LatestATR returns the current buy-side ATR, for callers that maintain
// the on-disk ATR cache.
func (s *Scalper) LatestATR(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	atr := atrSeries(candles, s.cfg.UtBuyAtrPeriod)
	return atr[len(atr)-1]
}

// Evaluate runs the rule on closed candles and returns a proposed trade,
// or nil when no fresh crossover passes the filters.
func (s *Scalper) Evaluate(symbol string, candles []models.Candle, now time.Time) *Signal {
	if len(candles) < s.cfg.MinCandles || len(candles) < 2 {
		return nil
	}
	if s.cfg.Filters.UseTimeFilter && !s.withinTradingHours(now) {
		return nil
	}

	closeVals := closes(candles)
	last := len(candles) - 1

	buyStops := utTrailingStop(closeVals, atrSeries(candles, s.cfg.UtBuyAtrPeriod), s.cfg.UtMultiplier)
	sellStops := utTrailingStop(closeVals, atrSeries(candles, s.cfg.UtSellAtrPeriod), s.cfg.UtMultiplier)

	// A fresh crossover on the last closed candle only: acting on stale
	// crossovers would chase moves the stop already confirmed.
	crossedUp := closeVals[last] > buyStops[last] && closeVals[last-1] <= buyStops[last-1]
	crossedDown := closeVals[last] < sellStops[last] && closeVals[last-1] >= sellStops[last-1]
	if crossedUp == crossedDown {
		return nil
	}

	side := models.SideLong
	if crossedDown {
		side = models.SideShort
	}

	if s.cfg.Filters.UseTrendFilter && !s.trendAgrees(closeVals, side) {
		return nil
	}
	if s.cfg.Filters.UseMinBody && !s.bodyLargeEnough(candles) {
		return nil
	}
	if s.cfg.Filters.UseStcConfirmation && !s.stcConfirms(closeVals, side) {
		return nil
	}

	return s.buildSignal(symbol, candles, side)
}

// buildSignal derives the SL/TP/partial geometry from the crossover candle.
func (s *Scalper) buildSignal(symbol string, candles []models.Candle, side models.Side) *Signal {
	entry := candles[len(candles)-1].Close
	minSl := decimal.NewFromFloat(s.cfg.MinSlDistancePct)
	rr := decimal.NewFromFloat(s.cfg.RiskRewardRatio)

	// Stop at the swing extremum, but never tighter than the minimum
	// distance from entry.
	swing := decimal.NewFromFloat(swingExtremum(candles, s.cfg.SwingSlLookback, side))
	minGap := entry.Mul(minSl)
	var sl decimal.Decimal
	if side == models.SideLong {
		sl = decimal.Min(swing, entry.Sub(minGap))
	} else {
		sl = decimal.Max(swing, entry.Add(minGap))
	}

	risk := entry.Sub(sl).Abs()
	var tp decimal.Decimal
	if side == models.SideLong {
		tp = entry.Add(risk.Mul(rr))
	} else {
		tp = entry.Sub(risk.Mul(rr))
	}

	// TP colliding with SL (degenerate risk) widens both ends.
	minTpSlGap := entry.Mul(decimal.NewFromFloat(s.cfg.MinTpSlGapPct))
	if tp.Sub(sl).Abs().LessThan(minTpSlGap) {
		if side == models.SideLong {
			tp = tp.Add(minTpSlGap)
			sl = sl.Sub(minTpSlGap)
		} else {
			tp = tp.Sub(minTpSlGap)
			sl = sl.Add(minTpSlGap)
		}
	}

	sig := &Signal{
		Symbol:     symbol,
		Side:       side,
		Entry:      entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Source:     Source,
		Reason:     "ut_crossover",
		Confidence: 1,
	}

	if s.cfg.PartialTp.Enabled {
		firstRr := decimal.NewFromFloat(s.cfg.PartialTp.FirstRr)
		if side == models.SideLong {
			sig.PartialTpPrice = entry.Add(risk.Mul(firstRr))
		} else {
			sig.PartialTpPrice = entry.Sub(risk.Mul(firstRr))
		}
		sig.PartialSizePct = decimal.NewFromFloat(s.cfg.PartialTp.FirstSizePct)
	}

	// Trailing distance as a fraction of entry, scaled from the ATR band.
	atr := s.LatestATR(candles)
	if atr > 0 && entry.Sign() > 0 {
		trailDist := decimal.NewFromFloat(atr * s.cfg.TrailAtrMult)
		sig.TrailingStopPct = trailDist.Div(entry)
	}

	return sig
}

func (s *Scalper) trendAgrees(closeVals []float64, side models.Side) bool {
	ema := emaSeries(closeVals, s.cfg.EmaFilterPeriod)
	last := len(closeVals) - 1
	if side == models.SideLong {
		return closeVals[last] > ema[last]
	}
	return closeVals[last] < ema[last]
}

func (s *Scalper) bodyLargeEnough(candles []models.Candle) bool {
	last := candles[len(candles)-1]
	if last.Close.Sign() <= 0 {
		return false
	}
	bodyPct := last.Body().Div(last.Close)
	if bodyPct.LessThan(decimal.NewFromFloat(s.cfg.MinBodyPct)) {
		return false
	}
	if s.cfg.MinBodyOfAtr > 0 {
		atr := s.LatestATR(candles)
		if atr > 0 && last.Body().InexactFloat64() < atr*s.cfg.MinBodyOfAtr {
			return false
		}
	}
	return true
}

func (s *Scalper) stcConfirms(closeVals []float64, side models.Side) bool {
	stc := stcSeries(closeVals, s.cfg.StcLength, s.cfg.StcFast, s.cfg.StcSlow)
	last := stc[len(stc)-1]
	if side == models.SideLong {
		return last <= s.cfg.StcThreshold || last > stc[len(stc)-2]
	}
	return last >= 100-s.cfg.StcThreshold || last < stc[len(stc)-2]
}

// withinTradingHours applies the [start, end) hour window after shifting
// the clock by the configured timezone offset. An end below start wraps
// midnight.
func (s *Scalper) withinTradingHours(now time.Time) bool {
	hrs := s.cfg.AllowedTradingHours
	if len(hrs) != 2 {
		return true
	}
	shifted := now.UTC().Add(time.Duration(s.cfg.TradingHoursTzOffset) * time.Minute)
	h := shifted.Hour()
	start, end := hrs[0], hrs[1]
	if start == end {
		return true
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
