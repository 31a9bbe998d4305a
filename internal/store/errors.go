package store

import "errors"

var (
	// ErrConflict is returned when a booking would overlap an existing
	// appointment on the same doctor's calendar.
	ErrConflict = errors.New("slot conflict")
	ErrNotFound = errors.New("not found")
)
