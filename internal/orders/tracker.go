// Package orders owns the per-(symbol, side) order lifecycle: a small
// compare-and-set state machine that makes "at most one pending entry or
// exit per position" a cheap guarantee, and a poller that confirms fills
// of submitted orders.
package orders

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// State is the lifecycle state of one (symbol, side) key.
type State string

const (
	StateNone         State = "NONE"
	StateEntryPending State = "ENTRY_PENDING"
	StateOpen         State = "OPEN"
	StateExitPending  State = "EXIT_PENDING"
)

type entry struct {
	state   State
	orderID int64
	source  string
	since   time.Time
}

// Tracker is the in-memory lifecycle state machine. All exchange
// submissions are guarded by its CAS transitions; it is the single
// serialization point preventing duplicate entries and concurrent exits.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *log.Logger
}

// NewTracker returns an empty tracker.
func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Tracker{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// State returns the current lifecycle state for the key.
func (t *Tracker) State(symbol string, side models.Side) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[models.PositionKey(symbol, side)]; ok {
		return e.state
	}
	return StateNone
}

// TrackEntry moves NONE -> ENTRY_PENDING. Returns false when the key is
// already busy, in which case the caller must not submit an entry order.
func (t *Tracker) TrackEntry(symbol string, side models.Side, orderID int64, source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := models.PositionKey(symbol, side)
	if e, ok := t.entries[key]; ok && e.state != StateNone {
		t.logger.Printf("entry on %s refused: state %s", key, e.state)
		return false
	}
	t.entries[key] = &entry{
		state:   StateEntryPending,
		orderID: orderID,
		source:  source,
		since:   time.Now(),
	}
	return true
}

// MarkOpen moves ENTRY_PENDING -> OPEN. Opening an untracked key (a
// position discovered by reconciliation) is allowed.
func (t *Tracker) MarkOpen(symbol string, side models.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := models.PositionKey(symbol, side)
	e, ok := t.entries[key]
	if !ok {
		t.entries[key] = &entry{state: StateOpen, since: time.Now()}
		return
	}
	if e.state == StateExitPending {
		t.logger.Printf("markOpen on %s ignored: exit in flight", key)
		return
	}
	e.state = StateOpen
	e.since = time.Now()
}

// MarkExitPending is the CAS guarding all exit submissions: it succeeds
// only when no other actor owns the exit. On false the caller aborts.
func (t *Tracker) MarkExitPending(symbol string, side models.Side) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := models.PositionKey(symbol, side)
	e, ok := t.entries[key]
	if !ok {
		t.entries[key] = &entry{state: StateExitPending, since: time.Now()}
		return true
	}
	if e.state == StateExitPending {
		return false
	}
	e.state = StateExitPending
	e.since = time.Now()
	return true
}

// Clear resets the key to NONE.
func (t *Tracker) Clear(symbol string, side models.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, models.PositionKey(symbol, side))
}

// OrderID returns the order id recorded at entry, if any.
func (t *Tracker) OrderID(symbol string, side models.Side) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[models.PositionKey(symbol, side)]; ok {
		return e.orderID
	}
	return 0
}
