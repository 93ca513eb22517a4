// Package session coordinates multi-participant synchronization
// sessions: shared context state, participant liveness, snapshot
// exchange, and conflict escalation.
package session

import "errors"

var (
	// ErrSessionNotFound indicates an unknown session id
	ErrSessionNotFound = errors.New("session: not found")

	// ErrAlreadyJoined indicates a duplicate join by the same participant
	ErrAlreadyJoined = errors.New("session: already joined")

	// ErrJoinFailed indicates the session policy rejected the join
	ErrJoinFailed = errors.New("session: join failed")

	// ErrParticipantNotFound indicates an unknown participant id
	ErrParticipantNotFound = errors.New("session: participant not found")

	// ErrPermissionDenied indicates a mutation attempted by an
	// observer-role participant
	ErrPermissionDenied = errors.New("session: permission denied")

	// ErrStaleSnapshot indicates a remote snapshot at or behind the
	// local version; it is never silently applied
	ErrStaleSnapshot = errors.New("session: stale snapshot")
)
