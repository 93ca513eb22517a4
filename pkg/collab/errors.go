// Package collab owns shared documents: it applies transformed edit
// operations, manages exclusive editing locks, drives weighted-vote
// decision workflows, and delegates history to the version controller.
package collab

import "errors"

var (
	// ErrDocumentNotFound indicates an unknown document id
	ErrDocumentNotFound = errors.New("collab: document not found")

	// ErrDocumentLocked indicates an unexpired lock held by another
	// participant
	ErrDocumentLocked = errors.New("collab: document locked")

	// ErrVersionNotFound indicates an unknown document version
	ErrVersionNotFound = errors.New("collab: version not found")

	// ErrInsufficientPermissions indicates the author lacks access for
	// the attempted operation
	ErrInsufficientPermissions = errors.New("collab: insufficient permissions")

	// ErrDecisionNotFound indicates an unknown decision id
	ErrDecisionNotFound = errors.New("collab: decision not found")

	// ErrAlreadyVoted indicates a second vote from the same participant
	ErrAlreadyVoted = errors.New("collab: already voted")

	// ErrNotLockHolder indicates a release attempt by a non-holder
	ErrNotLockHolder = errors.New("collab: not lock holder")

	// ErrMergeConflict indicates a branch merge with overlapping edits
	ErrMergeConflict = errors.New("collab: merge conflict")
)
