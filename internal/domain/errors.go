package domain

import "errors"

var (
	// ErrNotFound is returned by stores and lookups when the keyed entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write's precondition does not
	// hold at apply time. Nothing is written.
	ErrConflict = errors.New("conditional write failed")
)
