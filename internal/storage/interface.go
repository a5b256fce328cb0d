// Package storage provides the durable store of open positions. The store
// is an in-memory map keyed by "SYMBOL|SIDE", serialized to a single JSON
// file via atomic rename on every mutation. Records that fail the sanity
// predicate are diverted to a derived incomplete key and never replace a
// valid record.
package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// OrderCanceler is the slice of the exchange gateway the store needs to
// best-effort cancel attached SL/TP orders on Close.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// Interface is the position store contract. Implementations must be safe
// for concurrent use; every mutation persists before returning.
type Interface interface {
	// Get returns a copy of the position under the primary key.
	Get(symbol string, side models.Side) (*models.Position, bool)

	// All returns copies of every position under a primary key.
	All() []*models.Position

	// Add inserts a new position. Too-tight stops are auto-widened before
	// the sanity check; an insane record is diverted and the error
	// returned is ErrInvariantViolation.
	Add(pos *models.Position) error

	// Update applies mutate to a copy of the stored position and persists
	// the result if it stays sane. When the key is empty a record is
	// created only if mutate yields entryPrice>0 and size>0.
	Update(symbol string, side models.Side, mutate func(*models.Position)) error

	// SetPeak extends the peak price monotonically in the trade direction.
	SetPeak(symbol string, side models.Side, price decimal.Decimal) error

	// Close cancels attached exchange orders best-effort, removes the
	// record, and persists.
	Close(ctx context.Context, symbol string, side models.Side) error

	// MarkIncomplete stores pos under the derived incomplete key.
	MarkIncomplete(symbol string, side models.Side, pos *models.Position) error

	// Incomplete returns a copy of the diverted record, if any.
	Incomplete(symbol string, side models.Side) (*models.Position, bool)

	// Save forces a persist of the current snapshot.
	Save() error
}

// Compile-time interface check.
var _ Interface = (*JSONStore)(nil)
