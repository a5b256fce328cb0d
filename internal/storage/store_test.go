package storage

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testStore(t *testing.T) (*JSONStore, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "open_positions.json")
	store, err := NewJSONStore(Config{
		Path:             path,
		MinSlDistancePct: d("0.0005"),
		FallbackSlPct:    d("0.03"),
		Logger:           log.New(os.Stderr, "storage-test: ", 0),
	})
	require.NoError(t, err)
	return store, path
}

func longPosition() *models.Position {
	return &models.Position{
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		EntryPrice: d("30000"),
		Size:       d("0.1"),
		StopLoss:   d("29000"),
		TakeProfit: d("31000"),
		Source:     "scalper",
		EntryTime:  time.Now().UTC(),
	}
}

func TestAddAndReload(t *testing.T) {
	store, path := testStore(t)
	require.NoError(t, store.Add(longPosition()))

	// A fresh store sees the persisted record.
	reloaded, err := NewJSONStore(Config{Path: path, Logger: log.New(os.Stderr, "", 0)})
	require.NoError(t, err)
	pos, ok := reloaded.Get("BTCUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(d("30000")))
	assert.True(t, pos.Size.Equal(d("0.1")))
	assert.True(t, pos.PeakPrice.Equal(d("30000")), "peak seeded from entry")

	// No stray tmp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAddRejectsDuplicate(t *testing.T) {
	store, _ := testStore(t)
	require.NoError(t, store.Add(longPosition()))
	err := store.Add(longPosition())
	assert.ErrorIs(t, err, ErrPositionExists)
}

func TestAddWidensTightStop(t *testing.T) {
	store, _ := testStore(t)

	// entry=100, sl=99.995: gap 0.005 is under max(0.0005, 0.03)*100 = 3,
	// so the stop widens to 97.
	pos := &models.Position{
		Symbol:     "ETHUSDT",
		Side:       models.SideLong,
		EntryPrice: d("100"),
		Size:       d("1"),
		StopLoss:   d("99.995"),
		TakeProfit: d("106"),
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, store.Add(pos))

	stored, ok := store.Get("ETHUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, stored.StopLoss.Equal(d("97")), "got %s", stored.StopLoss)
}

func TestAddDivertsInsaneRecord(t *testing.T) {
	store, _ := testStore(t)

	// LONG with TP below entry can never be sane.
	pos := longPosition()
	pos.TakeProfit = d("29500")
	err := store.Add(pos)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	_, ok := store.Get("BTCUSDT", models.SideLong)
	assert.False(t, ok, "insane record must not land on the primary key")
	_, ok = store.Incomplete("BTCUSDT", models.SideLong)
	assert.True(t, ok)
}

func TestUpdateNeverOverwritesValidWithInvalid(t *testing.T) {
	store, _ := testStore(t)
	require.NoError(t, store.Add(longPosition()))

	err := store.Update("BTCUSDT", models.SideLong, func(p *models.Position) {
		p.Size = decimal.Zero
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	pos, ok := store.Get("BTCUSDT", models.SideLong)
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("0.1")), "original record must survive")
}

func TestUpdateCreateRequiresEntryAndSize(t *testing.T) {
	store, _ := testStore(t)

	err := store.Update("SOLUSDT", models.SideLong, func(p *models.Position) {
		p.StopLoss = d("90")
	})
	assert.ErrorIs(t, err, ErrPositionNotFound)

	err = store.Update("SOLUSDT", models.SideLong, func(p *models.Position) {
		p.EntryPrice = d("100")
		p.Size = d("2")
		p.StopLoss = d("97")
		p.TakeProfit = d("106")
	})
	require.NoError(t, err)
	_, ok := store.Get("SOLUSDT", models.SideLong)
	assert.True(t, ok)
}

func TestSetPeakMonotone(t *testing.T) {
	store, _ := testStore(t)
	require.NoError(t, store.Add(longPosition()))

	require.NoError(t, store.SetPeak("BTCUSDT", models.SideLong, d("30500")))
	pos, _ := store.Get("BTCUSDT", models.SideLong)
	assert.True(t, pos.PeakPrice.Equal(d("30500")))

	// An adverse move does not lower the peak.
	require.NoError(t, store.SetPeak("BTCUSDT", models.SideLong, d("30200")))
	pos, _ = store.Get("BTCUSDT", models.SideLong)
	assert.True(t, pos.PeakPrice.Equal(d("30500")))
}

func TestSetPeakShortMovesDown(t *testing.T) {
	store, _ := testStore(t)
	short := &models.Position{
		Symbol:     "BTCUSDT",
		Side:       models.SideShort,
		EntryPrice: d("30000"),
		Size:       d("0.1"),
		StopLoss:   d("31000"),
		TakeProfit: d("29000"),
		EntryTime:  time.Now().UTC(),
	}
	require.NoError(t, store.Add(short))

	require.NoError(t, store.SetPeak("BTCUSDT", models.SideShort, d("29500")))
	pos, _ := store.Get("BTCUSDT", models.SideShort)
	assert.True(t, pos.PeakPrice.Equal(d("29500")))

	require.NoError(t, store.SetPeak("BTCUSDT", models.SideShort, d("29800")))
	pos, _ = store.Get("BTCUSDT", models.SideShort)
	assert.True(t, pos.PeakPrice.Equal(d("29500")))
}

type recordingCanceler struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingCanceler) CancelOrder(_ context.Context, _ string, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, orderID)
	return nil
}

func TestCloseCancelsAttachedOrders(t *testing.T) {
	dir := t.TempDir()
	canceler := &recordingCanceler{}
	store, err := NewJSONStore(Config{
		Path:     filepath.Join(dir, "positions.json"),
		Canceler: canceler,
		Logger:   log.New(os.Stderr, "storage-test: ", 0),
	})
	require.NoError(t, err)

	pos := longPosition()
	pos.StopOrderID = 111
	pos.TpOrderID = 222
	require.NoError(t, store.Add(pos))

	require.NoError(t, store.Close(context.Background(), "BTCUSDT", models.SideLong))
	_, ok := store.Get("BTCUSDT", models.SideLong)
	assert.False(t, ok)
	assert.ElementsMatch(t, []int64{111, 222}, canceler.ids)
}

func TestLoadDivertsInsaneRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	raw := `{"positions":{"BTCUSDT|LONG":{"symbol":"BTCUSDT","side":"LONG","entryPrice":"30000","size":"0","stopLoss":"29000","takeProfit":"31000"}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store, err := NewJSONStore(Config{Path: path, Logger: log.New(os.Stderr, "storage-test: ", 0)})
	require.NoError(t, err)

	_, ok := store.Get("BTCUSDT", models.SideLong)
	assert.False(t, ok)
	_, ok = store.Incomplete("BTCUSDT", models.SideLong)
	assert.True(t, ok)
}

func TestLoadCoercesNumericStringsAndFloats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	// Mixed string and bare-number numerics both parse into decimals.
	raw := `{"positions":{"ETHUSDT|SHORT":{"symbol":"ETHUSDT","side":"SHORT","entryPrice":2000.5,"size":"0.5","stopLoss":2040,"takeProfit":"1940","peakPrice":1990}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	store, err := NewJSONStore(Config{Path: path, Logger: log.New(os.Stderr, "storage-test: ", 0)})
	require.NoError(t, err)

	pos, ok := store.Get("ETHUSDT", models.SideShort)
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(d("2000.5")))
	assert.True(t, pos.Size.Equal(d("0.5")))
	assert.True(t, pos.StopLoss.Equal(d("2040")))
}

func TestBreakevenStopIsSane(t *testing.T) {
	store, _ := testStore(t)
	pos := longPosition()
	require.NoError(t, store.Add(pos))

	err := store.Update("BTCUSDT", models.SideLong, func(p *models.Position) {
		now := time.Now().UTC()
		p.StopLoss = p.EntryPrice
		p.Breakeven = true
		p.BreakevenSetAt = &now
		p.Tp1Triggered = true
	})
	require.NoError(t, err, "breakeven stop must pass the sanity check")
}
