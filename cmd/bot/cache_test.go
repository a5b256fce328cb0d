package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

func candleAt(minute int, close string) models.Candle {
	c := decimal.RequireFromString(close)
	return models.Candle{
		OpenTime: time.Date(2026, 1, 2, 12, minute, 0, 0, time.UTC),
		Open:     c,
		High:     c,
		Low:      c,
		Close:    c,
		Volume:   decimal.NewFromInt(1),
	}
}

func TestCacheAppendDedupesByOpenTime(t *testing.T) {
	c := NewRollingCache(t.TempDir(), "5m", 10, nil)

	c.Append("BTCUSDT", candleAt(0, "30000"))
	c.Append("BTCUSDT", candleAt(5, "30010"))
	// Same open time again: the newer value wins, no duplicate row.
	c.Append("BTCUSDT", candleAt(5, "30020"))

	ring := c.Candles("BTCUSDT")
	require.Len(t, ring, 2)
	assert.True(t, ring[1].Close.Equal(decimal.RequireFromString("30020")))
}

func TestCacheTrimsToLimit(t *testing.T) {
	c := NewRollingCache(t.TempDir(), "5m", 3, nil)

	for i := 0; i < 6; i++ {
		c.Append("BTCUSDT", candleAt(i*5, "30000"))
	}

	ring := c.Candles("BTCUSDT")
	require.Len(t, ring, 3)
	// The oldest candles fall off the front.
	assert.Equal(t, 15, ring[0].OpenTime.Minute())
	assert.Equal(t, 25, ring[2].OpenTime.Minute())
}

func TestCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	c := NewRollingCache(dir, "5m", 10, nil)
	c.Append("ETHUSDT", candleAt(0, "2000"))
	c.Append("ETHUSDT", candleAt(5, "2005"))

	reopened := NewRollingCache(dir, "5m", 10, nil)
	reopened.loadRing("ETHUSDT")

	ring := reopened.Candles("ETHUSDT")
	require.Len(t, ring, 2)
	assert.True(t, ring[0].OpenTime.Before(ring[1].OpenTime))
	assert.True(t, ring[1].Close.Equal(decimal.RequireFromString("2005")))
}

func TestWarmBackfillsOverRest(t *testing.T) {
	mock := broker.NewMock()
	for i := 0; i < 5; i++ {
		mock.Candles["BTCUSDT"] = append(mock.Candles["BTCUSDT"], candleAt(i*5, "30000"))
	}

	c := NewRollingCache(t.TempDir(), "5m", 10, nil)
	c.Warm(context.Background(), mock, []string{"BTCUSDT"})

	assert.Len(t, c.Candles("BTCUSDT"), 5)
}

func TestWarmMergesPersistedAndFetched(t *testing.T) {
	dir := t.TempDir()
	seed := NewRollingCache(dir, "5m", 10, nil)
	seed.Append("BTCUSDT", candleAt(0, "29990"))
	seed.Append("BTCUSDT", candleAt(5, "29995"))

	mock := broker.NewMock()
	// REST overlaps one persisted candle and extends past it.
	mock.Candles["BTCUSDT"] = []models.Candle{
		candleAt(5, "30000"),
		candleAt(10, "30010"),
	}

	c := NewRollingCache(dir, "5m", 10, nil)
	c.Warm(context.Background(), mock, []string{"BTCUSDT"})

	ring := c.Candles("BTCUSDT")
	require.Len(t, ring, 3)
	// The fetched value replaces the stale persisted one at 12:05.
	assert.True(t, ring[1].Close.Equal(decimal.RequireFromString("30000")))

	// Warm also persisted the merged ring.
	assert.FileExists(t, filepath.Join(dir, "BTCUSDT_5m.json"))
}
