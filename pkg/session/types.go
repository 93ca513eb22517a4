// ABOUTME: Session data model: participants, shared context, events
// ABOUTME: Context versions are monotonic under a single writer

package session

import (
	"time"
)

// Role determines what a participant may do in a session.
type Role string

const (
	RoleHost        Role = "host"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
	RoleBot         Role = "bot"
)

// CanMutate reports whether the role may change session state.
func (r Role) CanMutate() bool {
	return r != RoleObserver
}

// ParticipantStatus tracks liveness.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantIdle         ParticipantStatus = "idle"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is one member of a session.
type Participant struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Role          Role              `json:"role"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      time.Time         `json:"joined_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// LogEntry is one utterance in the session conversation log.
type LogEntry struct {
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// Context is the shared mutable state of a session. Version increases
// by exactly one per accepted mutation; all writes go through the
// coordinator.
type Context struct {
	Version         uint64            `json:"version"`
	Data            map[string]string `json:"data"`
	ConversationLog []LogEntry        `json:"conversation_log,omitempty"`
	DocumentIndex   []string          `json:"document_index,omitempty"` // document ids in play
	CommandQueue    []string          `json:"command_queue,omitempty"`
	UpdatedBy       string            `json:"updated_by"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// clone returns a deep copy so readers never alias coordinator state.
func (c Context) clone() Context {
	data := make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	c.Data = data
	c.ConversationLog = append([]LogEntry(nil), c.ConversationLog...)
	c.DocumentIndex = append([]string(nil), c.DocumentIndex...)
	c.CommandQueue = append([]string(nil), c.CommandQueue...)
	return c
}

// Policy constrains who may join a session and how failed conflict
// resolutions fall back: moderated sessions escalate to a moderator
// decision, open sessions retry with last-writer-wins.
type Policy struct {
	MaxParticipants int  `json:"max_participants"` // zero means unlimited
	AllowObservers  bool `json:"allow_observers"`
	AllowBots       bool `json:"allow_bots"`
	Moderated       bool `json:"moderated"`
}

// DefaultPolicy returns the open default.
func DefaultPolicy() Policy {
	return Policy{AllowObservers: true, AllowBots: true}
}

// SyncStatus is the coordinator's view of a session's health.
type SyncStatus string

const (
	SyncHealthy    SyncStatus = "healthy"
	SyncConflicted SyncStatus = "conflicted"
	SyncDegraded   SyncStatus = "degraded"
)

// Session is one multi-participant synchronization session.
type Session struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title"`
	CreatedBy    string                  `json:"created_by"`
	CreatedAt    time.Time               `json:"created_at"`
	Participants map[string]*Participant `json:"participants"`
	Context      Context                 `json:"context"`
	Policy       Policy                  `json:"policy"`
	Status       SyncStatus              `json:"status"`

	// AckedVersion is the highest context version confirmed by every
	// participant; resume starts here after a restart.
	AckedVersion uint64 `json:"acked_version"`
}

// EventType classifies coordinator events.
type EventType string

const (
	EventParticipantJoined  EventType = "participant_joined"
	EventParticipantLeft    EventType = "participant_left"
	EventParticipantEvicted EventType = "participant_evicted"
	EventContextUpdated     EventType = "context_updated"
	EventSnapshotAccepted   EventType = "snapshot_accepted"
	EventConflictDetected   EventType = "conflict_detected"
	EventConflictResolved   EventType = "conflict_resolved"
	EventConflictEscalated  EventType = "conflict_escalated"
	EventSyncStatusChanged  EventType = "sync_status_changed"
)

// Event is delivered to subscribers on session activity. Payload holds
// type-specific details.
type Event struct {
	Type          EventType         `json:"type"`
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id,omitempty"`
	Version       uint64            `json:"version,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
