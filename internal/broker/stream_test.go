package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClosedKline(t *testing.T) {
	// Every key a live combined-stream kline message carries, in wire
	// order. The uppercase keys (E, T, L, V) must not bleed into their
	// lowercase neighbors via case-insensitive matching.
	payload := []byte(`{"stream":"btcusdt@kline_5m","data":{"e":"kline","E":1700000300123,"s":"BTCUSDT",
		"k":{"t":1700000000000,"T":1700000299999,"s":"BTCUSDT","i":"5m","f":100,"L":200,
		"o":"30000.1","c":"30050.2","h":"30100.5","l":"29950.0","v":"123.456","n":55,
		"x":true,"q":"3711000.5","V":"60.1","Q":"1810000.2","B":"0"}}}`)

	candle, ok, err := parseClosedKline(payload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", candle.Symbol)
	assert.Equal(t, time.UnixMilli(1700000000000), candle.Candle.OpenTime)
	assert.True(t, candle.Candle.Open.Equal(decimal.RequireFromString("30000.1")))
	assert.True(t, candle.Candle.Close.Equal(decimal.RequireFromString("30050.2")))
	assert.True(t, candle.Candle.Low.Equal(decimal.RequireFromString("29950.0")), "low %s", candle.Candle.Low)
	assert.True(t, candle.Candle.Volume.Equal(decimal.RequireFromString("123.456")), "volume %s", candle.Candle.Volume)
}

func TestParseOpenKlineSkipped(t *testing.T) {
	payload := []byte(`{"stream":"btcusdt@kline_5m","data":{"e":"kline","s":"BTCUSDT",
		"k":{"t":1700000000000,"o":"1","c":"2","h":"3","l":"0.5","v":"10","x":false}}}`)

	_, ok, err := parseClosedKline(payload)
	require.NoError(t, err)
	assert.False(t, ok, "open candles must not be emitted")
}

func TestParseNonKlineEventSkipped(t *testing.T) {
	payload := []byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT"}}`)

	_, ok, err := parseClosedKline(payload)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseGarbageReturnsError(t *testing.T) {
	_, _, err := parseClosedKline([]byte(`{not json`))
	assert.Error(t, err)
}
