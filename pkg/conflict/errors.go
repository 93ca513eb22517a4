// Package conflict detects and resolves divergent updates to shared
// session state. Detectors are side-effect-free predicates over a
// (local, remote) context pair; strategies execute at most once per
// resolution attempt and never retry.
package conflict

import "errors"

var (
	// ErrCaseNotFound indicates an unknown or already-resolved case id
	ErrCaseNotFound = errors.New("conflict: case not found")

	// ErrResolutionFailed indicates a strategy execution that failed
	ErrResolutionFailed = errors.New("conflict: resolution failed")

	// ErrNeedsManualIntervention indicates a case a strategy could not
	// settle automatically
	ErrNeedsManualIntervention = errors.New("conflict: needs manual intervention")

	// ErrStrategyNotAllowed indicates a strategy outside the table for
	// the case's conflict type
	ErrStrategyNotAllowed = errors.New("conflict: strategy not allowed for conflict type")
)
