// ABOUTME: Conflict detectors: independent, side-effect-free predicates
// ABOUTME: Closed registered set dispatched for every detection cycle

package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DetectorFunc examines a (local, remote) context pair plus change
// metadata and returns zero or more conflict cases. Implementations
// must be pure: no engine state, no side effects.
type DetectorFunc func(local, remote Context, meta ChangeMetadata) []Case

// Detector is a named detection predicate.
type Detector struct {
	Name string
	Fn   DetectorFunc
}

const (
	// concurrentWindow is how close two edits must be to count as
	// concurrent rather than sequential.
	concurrentWindow = 10 * time.Second

	// partitionThreshold is the remote staleness beyond which a
	// network partition is assumed.
	partitionThreshold = 2 * time.Minute
)

func defaultDetectors() []Detector {
	return []Detector{
		{Name: "version", Fn: detectVersionMismatch},
		{Name: "concurrent_edit", Fn: detectConcurrentEdit},
		{Name: "permission", Fn: detectPermission},
		{Name: "data_inconsistency", Fn: detectDataInconsistency},
		{Name: "partition", Fn: detectPartition},
	}
}

// detectVersionMismatch flags remote snapshots that do not strictly
// advance the local version. Self-sent snapshots are echoes, not
// conflicts.
func detectVersionMismatch(local, remote Context, _ ChangeMetadata) []Case {
	if remote.SenderID == local.SenderID {
		return nil
	}
	if remote.Version > local.Version {
		return nil
	}

	return []Case{{
		ID:          uuid.NewString(),
		Type:        TypeVersionMismatch,
		Criticality: SeverityHigh,
		Impact:      SeverityHigh,
		DetectedAt:  time.Now(),
		Local:       local,
		Remote:      remote,
		Description: fmt.Sprintf("remote version %d does not exceed local version %d", remote.Version, local.Version),
	}}
}

// detectConcurrentEdit flags keys modified on both sides within the
// concurrency window.
func detectConcurrentEdit(local, remote Context, meta ChangeMetadata) []Case {
	gap := local.Timestamp.Sub(remote.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	if gap > concurrentWindow {
		return nil
	}

	var cases []Case
	for _, path := range meta.AffectedPaths {
		lv, lok := local.Data[path]
		rv, rok := remote.Data[path]
		if !lok || !rok || lv == rv {
			continue
		}

		cases = append(cases, Case{
			ID:          uuid.NewString(),
			Type:        TypeConcurrentEdit,
			Criticality: SeverityMedium,
			Impact:      severityForPriority(meta.Priority),
			DetectedAt:  time.Now(),
			Local:       local,
			Remote:      remote,
			Description: fmt.Sprintf("key %q edited concurrently by %s and %s", path, local.SenderID, remote.SenderID),
		})
	}
	return cases
}

// detectPermission flags changes from a sender the local permission
// table does not grant write access to.
func detectPermission(local, remote Context, meta ChangeMetadata) []Case {
	if len(local.Permissions) == 0 {
		return nil
	}

	perms, known := local.Permissions[remote.SenderID]
	if known && hasPermission(perms, "write") {
		return nil
	}

	return []Case{{
		ID:          uuid.NewString(),
		Type:        TypePermissionDenied,
		Criticality: SeverityCritical,
		Impact:      SeverityMedium,
		DetectedAt:  time.Now(),
		Local:       local,
		Remote:      remote,
		Description: fmt.Sprintf("sender %s lacks write permission for change %s", remote.SenderID, meta.ChangeID),
	}}
}

// detectDataInconsistency flags identical versions that carry
// differing values for the same key.
func detectDataInconsistency(local, remote Context, _ ChangeMetadata) []Case {
	if local.Version != remote.Version {
		return nil
	}

	var cases []Case
	for key, lv := range local.Data {
		rv, ok := remote.Data[key]
		if !ok || lv == rv {
			continue
		}

		cases = append(cases, Case{
			ID:          uuid.NewString(),
			Type:        TypeDataInconsistency,
			Criticality: SeverityHigh,
			Impact:      SeverityMedium,
			DetectedAt:  time.Now(),
			Local:       local,
			Remote:      remote,
			Description: fmt.Sprintf("key %q differs at equal version %d", key, local.Version),
		})
	}
	return cases
}

// detectPartition flags remote updates stale enough to suggest the
// sender was cut off and is replaying buffered changes.
func detectPartition(local, remote Context, _ ChangeMetadata) []Case {
	if remote.Timestamp.IsZero() {
		return nil
	}
	if local.Timestamp.Sub(remote.Timestamp) <= partitionThreshold {
		return nil
	}

	return []Case{{
		ID:          uuid.NewString(),
		Type:        TypeNetworkPartition,
		Criticality: SeverityMedium,
		Impact:      SeverityHigh,
		DetectedAt:  time.Now(),
		Local:       local,
		Remote:      remote,
		Description: fmt.Sprintf("remote update from %s is %s old", remote.SenderID, local.Timestamp.Sub(remote.Timestamp)),
	}}
}

func severityForPriority(priority int) Severity {
	switch {
	case priority >= 8:
		return SeverityCritical
	case priority >= 5:
		return SeverityHigh
	case priority >= 2:
		return SeverityMedium
	}
	return SeverityLow
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want || p == "admin" {
			return true
		}
	}
	return false
}
