// Package models defines the core domain types shared across the bot:
// position records, trade sides, candles, and lifecycle events.
package models

import "fmt"

// Side is the direction of a futures position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is one of the two recognized sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryAction returns the market order side that opens a position in
// direction s.
func (s Side) EntryAction() string {
	if s == SideLong {
		return "BUY"
	}
	return "SELL"
}

// CloseAction returns the market order side that reduces a position in
// direction s.
func (s Side) CloseAction() string {
	if s == SideLong {
		return "SELL"
	}
	return "BUY"
}

// ParseSide converts a string into a Side, accepting only the canonical
// uppercase forms.
func ParseSide(raw string) (Side, error) {
	s := Side(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid side %q", raw)
	}
	return s, nil
}

// PositionKey is the storage key for a (symbol, side) pair.
func PositionKey(symbol string, side Side) string {
	return symbol + "|" + string(side)
}
