// Package ot implements operational transformation for concurrent
// document editing, plus three-way merge between diverging branches.
package ot

import "errors"

var (
	// ErrIncompatibleOperations indicates operations that cannot be
	// transformed against each other
	ErrIncompatibleOperations = errors.New("ot: incompatible operations")

	// ErrInvalidPosition indicates an operation outside document bounds
	ErrInvalidPosition = errors.New("ot: invalid position")
)
