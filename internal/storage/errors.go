package storage

import "errors"

var (
	// ErrPositionExists is returned by Add when the key is already taken.
	ErrPositionExists = errors.New("position already exists")

	// ErrPositionNotFound is returned when the key holds no position and
	// the operation cannot create one.
	ErrPositionNotFound = errors.New("position not found")

	// ErrInvariantViolation is returned when a mutation would persist a
	// record that fails the sanity predicate. The record is diverted to
	// the incomplete key; any previous valid record is left untouched.
	ErrInvariantViolation = errors.New("position invariant violation")
)
