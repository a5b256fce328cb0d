package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// incompleteSuffix derives the diversion key for records that fail the
// sanity predicate or were synthesized without a usable entry price.
const incompleteSuffix = "_synced_incomplete"

// Config configures a JSONStore.
type Config struct {
	Path string
	// MinSlDistancePct is the minimum stop distance as a fraction of the
	// entry price, used by the sanity predicate.
	MinSlDistancePct decimal.Decimal
	// FallbackSlPct is the stop distance applied when a proposed stop sits
	// too close to entry.
	FallbackSlPct decimal.Decimal
	// Canceler, when set, is used by Close to cancel attached SL/TP
	// orders. Failures are logged, never propagated.
	Canceler OrderCanceler
	Logger   *log.Logger
}

// snapshot is the on-disk shape of the store.
type snapshot struct {
	Positions map[string]*models.Position `json:"positions"`
	UpdatedAt time.Time                   `json:"updatedAt"`
}

// JSONStore is the file-backed position store.
type JSONStore struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	cfg       Config
	logger    *log.Logger
}

// NewJSONStore loads (or initializes) the store at cfg.Path. Primary
// records that fail the sanity predicate on load are diverted to their
// incomplete key.
func NewJSONStore(cfg Config) (*JSONStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}
	if cfg.MinSlDistancePct.Sign() <= 0 {
		cfg.MinSlDistancePct = decimal.RequireFromString("0.0005")
	}
	if cfg.FallbackSlPct.Sign() <= 0 {
		cfg.FallbackSlPct = decimal.RequireFromString("0.03")
	}

	s := &JSONStore{
		positions: make(map[string]*models.Position),
		cfg:       cfg,
		logger:    cfg.Logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.cfg.Path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", s.cfg.Path, err)
	}
	if snap.Positions == nil {
		return nil
	}

	diverted := 0
	for key, pos := range snap.Positions {
		if pos == nil {
			continue
		}
		if !strings.HasSuffix(key, incompleteSuffix) && !pos.IsSane(s.cfg.MinSlDistancePct) {
			s.positions[key+incompleteSuffix] = pos
			diverted++
			continue
		}
		s.positions[key] = pos
	}
	if diverted > 0 {
		s.logger.Printf("loaded %s: diverted %d insane record(s) to incomplete keys", s.cfg.Path, diverted)
	}
	return nil
}

// NewMemoryStore returns a store with persistence disabled, for tests and
// dry runs that must not touch the filesystem.
func NewMemoryStore(cfg Config) *JSONStore {
	cfg.Path = ""
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "storage: ", log.LstdFlags)
	}
	if cfg.MinSlDistancePct.Sign() <= 0 {
		cfg.MinSlDistancePct = decimal.RequireFromString("0.0005")
	}
	if cfg.FallbackSlPct.Sign() <= 0 {
		cfg.FallbackSlPct = decimal.RequireFromString("0.03")
	}
	return &JSONStore{
		positions: make(map[string]*models.Position),
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// persist serializes the map to a temp file and renames it into place.
// Callers must hold the write lock.
func (s *JSONStore) persist() error {
	if s.cfg.Path == "" {
		return nil
	}
	snap := snapshot{Positions: s.positions, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	if dir := filepath.Dir(s.cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	tmpFile := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpFile, err)
	}
	if err := os.Rename(tmpFile, s.cfg.Path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpFile, err)
	}
	return nil
}

// Get returns a copy of the position under the primary key.
func (s *JSONStore) Get(symbol string, side models.Side) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[models.PositionKey(symbol, side)]
	if !ok {
		return nil, false
	}
	return pos.Copy(), true
}

// All returns copies of every primary-key position.
func (s *JSONStore) All() []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Position, 0, len(s.positions))
	for key, pos := range s.positions {
		if strings.HasSuffix(key, incompleteSuffix) {
			continue
		}
		out = append(out, pos.Copy())
	}
	return out
}

// Add inserts a new position, widening a too-tight stop first.
func (s *JSONStore) Add(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pos.Key()
	if _, exists := s.positions[key]; exists {
		return fmt.Errorf("%w: %s", ErrPositionExists, key)
	}

	record := pos.Copy()
	s.widenStopIfTooTight(record)
	if record.PeakPrice.Sign() <= 0 {
		record.PeakPrice = record.EntryPrice
	}

	if !record.IsSane(s.cfg.MinSlDistancePct) {
		s.divert(key, record)
		return fmt.Errorf("%w: add %s", ErrInvariantViolation, key)
	}

	s.positions[key] = record
	return s.persist()
}

// Update mutates a copy of the stored record and persists if it stays
// sane. Creation through Update requires entryPrice>0 and size>0.
func (s *JSONStore) Update(symbol string, side models.Side, mutate func(*models.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PositionKey(symbol, side)
	current, exists := s.positions[key]

	var record *models.Position
	if exists {
		record = current.Copy()
	} else {
		record = &models.Position{Symbol: symbol, Side: side}
	}
	mutate(record)
	record.Symbol = symbol
	record.Side = side

	if !exists {
		if record.EntryPrice.Sign() <= 0 || record.Size.Sign() <= 0 {
			return fmt.Errorf("%w: update cannot create %s without entry and size", ErrPositionNotFound, key)
		}
		if record.PeakPrice.Sign() <= 0 {
			record.PeakPrice = record.EntryPrice
		}
	}

	if !record.IsSane(s.cfg.MinSlDistancePct) {
		s.divert(key, record)
		return fmt.Errorf("%w: update %s", ErrInvariantViolation, key)
	}

	s.positions[key] = record
	return s.persist()
}

// SetPeak extends the peak monotonically in the trade direction; adverse
// updates are ignored without error.
func (s *JSONStore) SetPeak(symbol string, side models.Side, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PositionKey(symbol, side)
	pos, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}

	improved := false
	switch side {
	case models.SideLong:
		improved = price.GreaterThan(pos.PeakPrice)
	case models.SideShort:
		improved = pos.PeakPrice.Sign() <= 0 || price.LessThan(pos.PeakPrice)
	}
	if !improved {
		return nil
	}

	record := pos.Copy()
	record.PeakPrice = price
	s.positions[key] = record
	return s.persist()
}

// Close removes the record after a best-effort cancel of its attached
// SL/TP orders, and logs a short caller stack so unexpected closes can be
// traced.
func (s *JSONStore) Close(ctx context.Context, symbol string, side models.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PositionKey(symbol, side)
	pos, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}

	if s.cfg.Canceler != nil {
		for _, orderID := range []int64{pos.StopOrderID, pos.TpOrderID} {
			if orderID == 0 {
				continue
			}
			if err := s.cfg.Canceler.CancelOrder(ctx, symbol, orderID); err != nil {
				s.logger.Printf("close %s: cancel order %d failed: %v", key, orderID, err)
			}
		}
	}

	delete(s.positions, key)
	s.logger.Printf("closed %s (caller %s)", key, callerStack(2, 4))
	return s.persist()
}

// MarkIncomplete stores pos under the derived incomplete key.
func (s *JSONStore) MarkIncomplete(symbol string, side models.Side, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.PositionKey(symbol, side)
	record := &models.Position{Symbol: symbol, Side: side}
	if pos != nil {
		record = pos.Copy()
	}
	s.positions[key+incompleteSuffix] = record
	s.logger.Printf("marked %s incomplete", key)
	return s.persist()
}

// Incomplete returns the diverted record for the key, if present.
func (s *JSONStore) Incomplete(symbol string, side models.Side) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[models.PositionKey(symbol, side)+incompleteSuffix]
	if !ok {
		return nil, false
	}
	return pos.Copy(), true
}

// Save forces a persist of the current snapshot.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// widenStopIfTooTight enforces the minimum stop distance on a new record:
// when the proposed stop sits closer than max(minSl, fallbackSl) of entry,
// it is moved out to that distance.
func (s *JSONStore) widenStopIfTooTight(pos *models.Position) {
	if pos.EntryPrice.Sign() <= 0 || pos.StopLoss.Sign() <= 0 || pos.AtBreakeven() || pos.TrailActive {
		return
	}
	widenPct := decimal.Max(s.cfg.MinSlDistancePct, s.cfg.FallbackSlPct)
	minGap := pos.EntryPrice.Mul(widenPct)
	gap := pos.EntryPrice.Sub(pos.StopLoss).Abs()
	if gap.GreaterThanOrEqual(minGap) {
		return
	}

	old := pos.StopLoss
	if pos.Side == models.SideLong {
		pos.StopLoss = pos.EntryPrice.Sub(minGap)
	} else {
		pos.StopLoss = pos.EntryPrice.Add(minGap)
	}
	s.logger.Printf("%s stop %s too tight (gap %s < %s), widened to %s",
		pos.Key(), old, gap, minGap, pos.StopLoss)
}

// divert stores an insane record under the incomplete key, leaving any
// valid record at the primary key untouched. Callers hold the write lock.
func (s *JSONStore) divert(key string, pos *models.Position) {
	s.positions[key+incompleteSuffix] = pos
	s.logger.Printf("invariant violation on %s, diverted to incomplete key", key)
	if err := s.persist(); err != nil {
		s.logger.Printf("persist after diversion failed: %v", err)
	}
}

// callerStack returns a compact "file:line <- file:line" snippet of the
// calling frames.
func callerStack(skip, depth int) string {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return "unknown"
	}
	frames := runtime.CallersFrames(pcs[:n])
	parts := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		parts = append(parts, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line))
		if !more {
			break
		}
	}
	return strings.Join(parts, " <- ")
}
