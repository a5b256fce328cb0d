package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// RollingCache keeps a bounded ring of closed candles per symbol,
// persisted per file so a restart warms up without waiting for the
// stream to refill history.
type RollingCache struct {
	mu       sync.Mutex
	dir      string
	interval string
	limit    int
	rings    map[string][]models.Candle
	logger   *log.Logger
}

// NewRollingCache loads any persisted rings from dir.
func NewRollingCache(dir, interval string, limit int, logger *log.Logger) *RollingCache {
	if logger == nil {
		logger = log.New(os.Stderr, "cache: ", log.LstdFlags)
	}
	if limit <= 0 {
		limit = 300
	}
	return &RollingCache{
		dir:      dir,
		interval: interval,
		limit:    limit,
		rings:    make(map[string][]models.Candle),
		logger:   logger,
	}
}

func (c *RollingCache) path(symbol string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.json", symbol, c.interval))
}

// Warm fills each symbol's ring, preferring the persisted file and
// topping up over REST when the ring is short.
func (c *RollingCache) Warm(ctx context.Context, b broker.Broker, symbols []string) {
	for _, sym := range symbols {
		c.loadRing(sym)

		c.mu.Lock()
		have := len(c.rings[sym])
		c.mu.Unlock()
		if have >= c.limit {
			continue
		}

		candles, err := b.RecentCandles(ctx, sym, c.interval, c.limit)
		if err != nil {
			c.logger.Printf("backfill %s: %v", sym, err)
			continue
		}
		c.mu.Lock()
		c.rings[sym] = mergeCandles(c.rings[sym], candles, c.limit)
		c.mu.Unlock()
		c.persist(sym)
		c.logger.Printf("%s warm: %d candles", sym, len(candles))
	}
}

func (c *RollingCache) loadRing(symbol string) {
	data, err := os.ReadFile(c.path(symbol))
	if err != nil {
		return
	}
	var ring []models.Candle
	if err := json.Unmarshal(data, &ring); err != nil {
		c.logger.Printf("discarding corrupt candle cache for %s: %v", symbol, err)
		return
	}
	c.mu.Lock()
	c.rings[symbol] = mergeCandles(c.rings[symbol], ring, c.limit)
	c.mu.Unlock()
}

// Append adds one closed candle, dedupes by open time, trims to the
// limit, and persists the ring.
func (c *RollingCache) Append(symbol string, candle models.Candle) {
	c.mu.Lock()
	c.rings[symbol] = mergeCandles(c.rings[symbol], []models.Candle{candle}, c.limit)
	c.mu.Unlock()
	c.persist(symbol)
}

// Candles returns a copy of the symbol's ring in open-time order.
func (c *RollingCache) Candles(symbol string) []models.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.rings[symbol]
	out := make([]models.Candle, len(ring))
	copy(out, ring)
	return out
}

func (c *RollingCache) persist(symbol string) {
	c.mu.Lock()
	ring := make([]models.Candle, len(c.rings[symbol]))
	copy(ring, c.rings[symbol])
	c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Printf("create cache dir: %v", err)
		return
	}
	data, err := json.Marshal(ring)
	if err != nil {
		c.logger.Printf("marshal candle cache %s: %v", symbol, err)
		return
	}
	tmp := c.path(symbol) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Printf("write candle cache %s: %v", symbol, err)
		return
	}
	if err := os.Rename(tmp, c.path(symbol)); err != nil {
		c.logger.Printf("rename candle cache %s: %v", symbol, err)
	}
}

// SaveAll persists every ring; called on shutdown.
func (c *RollingCache) SaveAll() {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.rings))
	for sym := range c.rings {
		symbols = append(symbols, sym)
	}
	c.mu.Unlock()
	for _, sym := range symbols {
		c.persist(sym)
	}
}

// mergeCandles unions two candle slices by open time, keeping the newer
// value on collision, sorted ascending, trimmed to the last limit.
func mergeCandles(base, extra []models.Candle, limit int) []models.Candle {
	byTime := make(map[int64]models.Candle, len(base)+len(extra))
	for _, cd := range base {
		byTime[cd.OpenTime.UnixMilli()] = cd
	}
	for _, cd := range extra {
		byTime[cd.OpenTime.UnixMilli()] = cd
	}
	merged := make([]models.Candle, 0, len(byTime))
	for _, cd := range byTime {
		merged = append(merged, cd)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}
