// ABOUTME: Conflict data model for the resolution engine
// ABOUTME: Cases, contexts, strategies, and resolution outcomes

package conflict

import "time"

// Type classifies a detected conflict.
type Type string

const (
	TypeConcurrentEdit    Type = "concurrent_edit"
	TypeVersionMismatch   Type = "version_mismatch"
	TypePermissionDenied  Type = "permission_denied"
	TypeDataInconsistency Type = "data_inconsistency"
	TypeNetworkPartition  Type = "network_partition"
	TypeSemantic          Type = "semantic"
)

// Severity ranks criticality and impact.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Strategy names a resolution approach.
type Strategy string

const (
	StrategyAutoMerge       Strategy = "auto_merge"
	StrategyLastWriterWins  Strategy = "last_writer_wins"
	StrategyFirstWriterWins Strategy = "first_writer_wins"
	StrategySemanticMerge   Strategy = "semantic_merge"
	StrategyRollback        Strategy = "rollback"
	StrategyVoting          Strategy = "voting"
	StrategyManual          Strategy = "manual"
)

// Context is the captured state of one side of a conflict.
type Context struct {
	SessionID   string              `json:"session_id"`
	SenderID    string              `json:"sender_id"`
	Version     uint64              `json:"version"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        map[string]string   `json:"data"`
	Permissions map[string][]string `json:"permissions,omitempty"` // participant id -> granted permissions
}

// ChangeMetadata seeds detection; supplied by the upstream
// command/classification system.
type ChangeMetadata struct {
	ChangeID      string   `json:"change_id"`
	ParticipantID string   `json:"participant_id"`
	ChangeType    string   `json:"change_type"`
	AffectedPaths []string `json:"affected_paths"`
	Priority      int      `json:"priority"`
}

// Case is one detected (or predicted) conflict awaiting resolution.
type Case struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Criticality Severity  `json:"criticality"`
	Impact      Severity  `json:"impact"`
	DetectedAt  time.Time `json:"detected_at"`
	Local       Context   `json:"local"`
	Remote      Context   `json:"remote"`
	Description string    `json:"description"`
	Predicted   bool      `json:"predicted,omitempty"`
}

// OutcomeStatus is the result class of a strategy execution.
type OutcomeStatus string

const (
	StatusResolved     OutcomeStatus = "resolved"
	StatusNeedsManual  OutcomeStatus = "needs_manual_intervention"
	StatusFailed       OutcomeStatus = "failed"
)

// Outcome is the result of executing a resolution strategy.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Context  *Context      `json:"context,omitempty"` // merged context when resolved
	Reason   string        `json:"reason,omitempty"`
	Strategy Strategy      `json:"strategy"`
}

// Resolution is a historical record of one resolution attempt.
type Resolution struct {
	Case       Case          `json:"case"`
	Strategy   Strategy      `json:"strategy"`
	Status     OutcomeStatus `json:"status"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

// Stats aggregates engine performance counters.
type Stats struct {
	Detected   int `json:"detected"`
	Resolved   int `json:"resolved"`
	Manual     int `json:"manual"`
	Failed     int `json:"failed"`
	Automated  int `json:"automated"` // resolved without manual/voting strategies
}

// SuccessRate is resolved over all completed attempts.
func (s Stats) SuccessRate() float64 {
	total := s.Resolved + s.Manual + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Resolved) / float64(total)
}

// AutomationRate is automated resolutions over all resolutions.
func (s Stats) AutomationRate() float64 {
	if s.Resolved == 0 {
		return 0
	}
	return float64(s.Automated) / float64(s.Resolved)
}
