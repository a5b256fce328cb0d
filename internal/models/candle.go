package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV bar. All numeric fields are decimals so that
// indicator math and cached candles never pass through binary floats.
type Candle struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Body returns the absolute open-to-close distance.
func (c Candle) Body() decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

// Range returns the high-to-low distance.
func (c Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool {
	return c.Close.GreaterThan(c.Open)
}
