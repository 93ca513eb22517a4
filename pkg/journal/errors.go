// Package journal implements an append-only session journal used to
// resume synchronization from the last acknowledged version after a
// restart.
package journal

import "errors"

var (
	// ErrCorrupted indicates a journal record with a CRC mismatch
	ErrCorrupted = errors.New("journal: corrupted record")

	// ErrTruncated indicates a short or cut-off journal record
	ErrTruncated = errors.New("journal: truncated record")

	// ErrJournalClosed indicates an operation on a closed journal
	ErrJournalClosed = errors.New("journal: closed")

	// ErrInvalidRecord indicates an invalid record format
	ErrInvalidRecord = errors.New("journal: invalid record")
)
