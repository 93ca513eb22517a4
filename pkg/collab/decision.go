// ABOUTME: Group decision workflow with weighted votes
// ABOUTME: Status is a pure function of votes, policy, and deadline

package collab

import (
	"time"
)

// DecisionType determines the approval bar and the execution hook.
type DecisionType string

const (
	DecisionContentChange    DecisionType = "content_change"
	DecisionStructuralChange DecisionType = "structural_change"
	DecisionAccessChange     DecisionType = "access_change"
	DecisionRollback         DecisionType = "rollback"
	DecisionMergeResolution  DecisionType = "merge_conflict_resolution"

	// DecisionEditReconciliation reconciles a remote operation that
	// diverged from local history instead of dropping it.
	DecisionEditReconciliation DecisionType = "edit_reconciliation"

	// DecisionConflictEscalation asks a moderator to settle a session
	// conflict that automatic resolution could not. It is not bound to
	// a document.
	DecisionConflictEscalation DecisionType = "conflict_escalation"
)

// ConsensusPolicy is the rule for turning votes into an outcome.
type ConsensusPolicy string

const (
	ConsensusSimple    ConsensusPolicy = "simple"
	ConsensusMajority  ConsensusPolicy = "majority"
	ConsensusUnanimous ConsensusPolicy = "unanimous"
	ConsensusModerator ConsensusPolicy = "moderator"
)

// DecisionStatus is the workflow state.
type DecisionStatus string

const (
	DecisionProposed DecisionStatus = "proposed"
	DecisionVoting   DecisionStatus = "voting"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExpired  DecisionStatus = "expired"
)

// Vote is one participant's ballot. Weight is fixed at cast time.
type Vote struct {
	ParticipantID string    `json:"participant_id"`
	Approve       bool      `json:"approve"`
	Weight        int       `json:"weight"`
	CastAt        time.Time `json:"cast_at"`
}

// Decision is a pending or settled group decision about a document.
type Decision struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id"`
	Type        DecisionType      `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ProposedBy  string            `json:"proposed_by"`
	Consensus   ConsensusPolicy   `json:"consensus"`
	Deadline    time.Time         `json:"deadline"`
	Votes       map[string]Vote   `json:"votes"`
	Status      DecisionStatus    `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	Payload     map[string]string `json:"payload,omitempty"` // execution parameters per type
}

// Settled reports whether the decision has reached a terminal state.
func (d *Decision) Settled() bool {
	switch d.Status {
	case DecisionApproved, DecisionRejected, DecisionExpired:
		return true
	}
	return false
}

// tally sums weighted approvals and rejections.
func (d *Decision) tally() (approve, reject int) {
	for _, v := range d.Votes {
		if v.Approve {
			approve += v.Weight
		} else {
			reject += v.Weight
		}
	}
	return
}

// evaluate computes the decision status from current votes, the
// consensus policy, and the deadline. It is pure: callers apply the
// returned status and fire the execution hook on the transition.
//
// totalWeight is the combined weight of all eligible voters;
// cfg supplies the configured thresholds.
func evaluate(d *Decision, totalWeight int, moderators map[string]bool, cfg Config, now time.Time) DecisionStatus {
	if d.Settled() {
		return d.Status
	}

	if !d.Deadline.IsZero() && now.After(d.Deadline) {
		return DecisionExpired
	}

	if len(d.Votes) == 0 {
		return DecisionProposed
	}

	approve, reject := d.tally()

	// Rollbacks carry an extra brake: a blocking minority of rejections
	// halts the rollback even when approvals would otherwise carry it.
	if d.Type == DecisionRollback && reject > 0 && reject*cfg.RollbackBlockDivisor >= totalWeight {
		return DecisionRejected
	}

	switch d.Consensus {
	case ConsensusModerator:
		// Only a moderator ballot settles the decision.
		for id, v := range d.Votes {
			if moderators[id] {
				if v.Approve {
					return DecisionApproved
				}
				return DecisionRejected
			}
		}

	case ConsensusSimple:
		needed := cfg.SimpleApprovalThreshold
		if d.Type == DecisionContentChange || d.Type == DecisionEditReconciliation {
			needed = 1
		}
		if approve >= needed {
			return DecisionApproved
		}
		// Rejected once approval can no longer be reached.
		if totalWeight-reject < needed {
			return DecisionRejected
		}

	case ConsensusMajority:
		needed := totalWeight/2 + 1
		if approve >= needed {
			return DecisionApproved
		}
		if totalWeight-reject < needed {
			return DecisionRejected
		}

	case ConsensusUnanimous:
		if reject > 0 {
			return DecisionRejected
		}
		if approve >= totalWeight {
			return DecisionApproved
		}
	}

	return DecisionVoting
}

// defaultConsensus maps a decision type to its approval bar when the
// proposer does not pick a policy explicitly.
func defaultConsensus(t DecisionType) ConsensusPolicy {
	switch t {
	case DecisionContentChange, DecisionEditReconciliation:
		return ConsensusSimple
	case DecisionStructuralChange, DecisionMergeResolution, DecisionRollback:
		return ConsensusMajority
	case DecisionAccessChange:
		return ConsensusUnanimous
	case DecisionConflictEscalation:
		return ConsensusModerator
	}
	return ConsensusMajority
}
