package strategy

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AtrCache persists the latest ATR per symbol so a restart can size
// trailing bands before enough candles have streamed in. Writes are
// atomic; a missing or corrupt file starts empty.
type AtrCache struct {
	mu      sync.Mutex
	path    string
	entries map[string]atrEntry
	logger  *log.Logger
}

type atrEntry struct {
	Atr       float64   `json:"atr"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAtrCache loads the cache at path.
func NewAtrCache(path string, logger *log.Logger) *AtrCache {
	if logger == nil {
		logger = log.New(os.Stderr, "atr-cache: ", log.LstdFlags)
	}
	c := &AtrCache{
		path:    path,
		entries: make(map[string]atrEntry),
		logger:  logger,
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			logger.Printf("discarding corrupt ATR cache %s: %v", path, err)
			c.entries = make(map[string]atrEntry)
		}
	}
	return c
}

// Get returns the cached ATR for symbol.
func (c *AtrCache) Get(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	return e.Atr, ok
}

// Put stores the ATR and persists the cache.
func (c *AtrCache) Put(symbol string, atr float64) {
	if atr <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = atrEntry{Atr: atr, UpdatedAt: time.Now().UTC()}
	if err := c.persist(); err != nil {
		c.logger.Printf("persist ATR cache: %v", err)
	}
}

func (c *AtrCache) persist() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
