// ABOUTME: Session coordinator: single-writer context mutation,
// ABOUTME: snapshot exchange, liveness eviction, and event fan-out

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/collabsync/internal/logger"
	"github.com/nainya/collabsync/pkg/conflict"
	"github.com/nainya/collabsync/pkg/journal"
)

// Config tunes the coordinator.
type Config struct {
	// SelfID identifies this coordinator in snapshot exchange; echoes
	// of our own snapshots never raise conflicts.
	SelfID string

	// HeartbeatInterval is the expected participant heartbeat cadence.
	HeartbeatInterval time.Duration

	// HeartbeatMisses is how many intervals a participant may miss
	// before eviction.
	HeartbeatMisses int

	// EventBuffer is the subscriber channel depth. Slow subscribers
	// drop events rather than stall the coordinator.
	EventBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SelfID:            "coordinator",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		EventBuffer:       64,
	}
}

// Escalator opens a group decision when automatic resolution fails in
// a moderated session.
type Escalator interface {
	EscalateConflict(sessionID, caseID, reason string) (string, error)
}

// Coordinator owns all session state. Every context mutation passes
// through its guarded section, which keeps versions monotonic.
type Coordinator struct {
	cfg       Config
	conflicts *conflict.Engine
	jnl       *journal.Journal
	log       *logger.Logger
	escalator Escalator

	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[int]chan Event
	nextSub  int

	stopMonitor chan struct{}

	now func() time.Time
}

// NewCoordinator creates a session coordinator. The journal may be nil
// for in-memory operation; the conflict engine is required.
func NewCoordinator(cfg Config, conflicts *conflict.Engine, jnl *journal.Journal, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Coordinator{
		cfg:       cfg,
		conflicts: conflicts,
		jnl:       jnl,
		log:       log,
		sessions:  make(map[string]*Session),
		subs:      make(map[int]chan Event),
		now:       time.Now,
	}
}

// CreateSession opens a new session with the creator as host.
func (c *Coordinator) CreateSession(title, hostID, hostName string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedBy: hostID,
		CreatedAt: now,
		Participants: map[string]*Participant{
			hostID: {
				ID:            hostID,
				Name:          hostName,
				Role:          RoleHost,
				Status:        ParticipantActive,
				JoinedAt:      now,
				LastHeartbeat: now,
			},
		},
		Context: Context{
			Version:   1,
			Data:      make(map[string]string),
			UpdatedBy: hostID,
			UpdatedAt: now,
		},
		Policy: DefaultPolicy(),
		Status: SyncHealthy,
	}
	c.sessions[s.ID] = s

	c.log.SessionLogger(s.ID).Info("session created").Str("host", hostID).Send()
	return s, nil
}

// SetEscalator installs the decision hook used for moderated-session
// conflict fallback.
func (c *Coordinator) SetEscalator(esc Escalator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalator = esc
}

// SetPolicy replaces the join policy of a session. Only the host may
// change it. Existing participants are unaffected.
func (c *Coordinator) SetPolicy(sessionID, participantID string, policy Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	if p.Role != RoleHost {
		return ErrPermissionDenied
	}
	s.Policy = policy
	return nil
}

// Snapshot returns a deep copy of a session's current state.
func (c *Coordinator) Snapshot(sessionID string) (Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	out := *s
	out.Context = s.Context.clone()
	out.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	return out, nil
}

// Sessions lists session ids.
func (c *Coordinator) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// Join adds a participant to a session.
func (c *Coordinator) Join(sessionID, id, name string, role Role) (*Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if _, joined := s.Participants[id]; joined {
		return nil, ErrAlreadyJoined
	}
	if s.Policy.MaxParticipants > 0 && len(s.Participants) >= s.Policy.MaxParticipants {
		return nil, fmt.Errorf("%w: session full", ErrJoinFailed)
	}
	if (role == RoleObserver && !s.Policy.AllowObservers) ||
		(role == RoleBot && !s.Policy.AllowBots) {
		return nil, fmt.Errorf("%w: role %s not admitted", ErrJoinFailed, role)
	}

	now := c.now()
	p := &Participant{
		ID:            id,
		Name:          name,
		Role:          role,
		Status:        ParticipantActive,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	s.Participants[id] = p

	c.publishLocked(Event{
		Type:          EventParticipantJoined,
		SessionID:     sessionID,
		ParticipantID: id,
		Timestamp:     now,
	})
	return p, nil
}

// Leave removes a participant from a session.
func (c *Coordinator) Leave(sessionID, participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if _, joined := s.Participants[participantID]; !joined {
		return ErrParticipantNotFound
	}
	delete(s.Participants, participantID)

	c.publishLocked(Event{
		Type:          EventParticipantLeft,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Timestamp:     c.now(),
	})
	return nil
}

// Heartbeat records participant liveness.
func (c *Coordinator) Heartbeat(sessionID, participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return ErrParticipantNotFound
	}
	p.LastHeartbeat = c.now()
	p.Status = ParticipantActive

	// A live participant brings an offline session back.
	if s.Status == SyncDegraded {
		s.Status = SyncHealthy
		c.publishLocked(Event{
			Type:      EventSyncStatusChanged,
			SessionID: sessionID,
			Payload:   map[string]string{"status": string(SyncHealthy)},
			Timestamp: c.now(),
		})
	}
	return nil
}

// Mutate applies a context change from a participant. The version
// increases by exactly one per accepted mutation.
func (c *Coordinator) Mutate(sessionID, participantID string, changes map[string]string) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Context{}, ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return Context{}, ErrParticipantNotFound
	}
	if !p.Role.CanMutate() {
		return Context{}, ErrPermissionDenied
	}

	for k, v := range changes {
		s.Context.Data[k] = v
	}
	s.Context.Version++
	s.Context.UpdatedBy = participantID
	s.Context.UpdatedAt = c.now()

	c.journalLocked(s, journal.KindContextMutation)

	c.publishLocked(Event{
		Type:          EventContextUpdated,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Version:       s.Context.Version,
		Payload:       changes,
		Timestamp:     s.Context.UpdatedAt,
	})
	return s.Context.clone(), nil
}

// AppendConversation records an utterance in the session conversation
// log. It is a context mutation like any other and bumps the version.
func (c *Coordinator) AppendConversation(sessionID, participantID, text string) (Context, error) {
	return c.mutateContext(sessionID, participantID, func(ctx *Context) {
		ctx.ConversationLog = append(ctx.ConversationLog, LogEntry{
			ParticipantID: participantID,
			Text:          text,
			Timestamp:     c.now(),
		})
	})
}

// IndexDocument registers a document id with the session so late
// joiners can discover the documents in play.
func (c *Coordinator) IndexDocument(sessionID, participantID, documentID string) (Context, error) {
	return c.mutateContext(sessionID, participantID, func(ctx *Context) {
		for _, id := range ctx.DocumentIndex {
			if id == documentID {
				return
			}
		}
		ctx.DocumentIndex = append(ctx.DocumentIndex, documentID)
	})
}

// EnqueueCommand appends a command to the session queue.
func (c *Coordinator) EnqueueCommand(sessionID, participantID, command string) (Context, error) {
	return c.mutateContext(sessionID, participantID, func(ctx *Context) {
		ctx.CommandQueue = append(ctx.CommandQueue, command)
	})
}

// DequeueCommand pops the oldest queued command. An empty queue
// returns the empty string without counting as a mutation.
func (c *Coordinator) DequeueCommand(sessionID, participantID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return "", ErrParticipantNotFound
	}
	if !p.Role.CanMutate() {
		return "", ErrPermissionDenied
	}
	if len(s.Context.CommandQueue) == 0 {
		return "", nil
	}

	popped := s.Context.CommandQueue[0]
	s.Context.CommandQueue = s.Context.CommandQueue[1:]
	s.Context.Version++
	s.Context.UpdatedBy = participantID
	s.Context.UpdatedAt = c.now()

	c.journalLocked(s, journal.KindContextMutation)

	c.publishLocked(Event{
		Type:          EventContextUpdated,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Version:       s.Context.Version,
		Timestamp:     s.Context.UpdatedAt,
	})
	return popped, nil
}

// mutateContext runs fn under the writer lock, bumps the version, and
// journals and publishes the change.
func (c *Coordinator) mutateContext(sessionID, participantID string, fn func(*Context)) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return Context{}, ErrSessionNotFound
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return Context{}, ErrParticipantNotFound
	}
	if !p.Role.CanMutate() {
		return Context{}, ErrPermissionDenied
	}

	fn(&s.Context)
	s.Context.Version++
	s.Context.UpdatedBy = participantID
	s.Context.UpdatedAt = c.now()

	c.journalLocked(s, journal.KindContextMutation)

	c.publishLocked(Event{
		Type:          EventContextUpdated,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Version:       s.Context.Version,
		Timestamp:     s.Context.UpdatedAt,
	})
	return s.Context.clone(), nil
}

// AcceptSnapshot offers a remote context snapshot to the session. A
// snapshot at or behind the local version from another sender is never
// silently applied: detection runs and the resulting cases are
// returned with ErrStaleSnapshot. Any other detected conflict also
// blocks the apply; a clean newer snapshot replaces the context.
func (c *Coordinator) AcceptSnapshot(sessionID string, remote conflict.Context, meta conflict.ChangeMetadata) ([]conflict.Case, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	local := conflict.Context{
		SessionID: sessionID,
		SenderID:  c.cfg.SelfID,
		Version:   s.Context.Version,
		Timestamp: s.Context.UpdatedAt,
		Data:      s.Context.Data,
	}

	cases := c.conflicts.Detect(local, remote, meta)
	if len(cases) > 0 {
		if s.Status != SyncConflicted {
			s.Status = SyncConflicted
			c.publishLocked(Event{
				Type:      EventSyncStatusChanged,
				SessionID: sessionID,
				Payload:   map[string]string{"status": string(SyncConflicted)},
				Timestamp: c.now(),
			})
		}
		for i := range cases {
			payload := map[string]string{"type": string(cases[i].Type)}
			if cases[i].Predicted {
				payload["predicted"] = "true"
			}
			c.publishLocked(Event{
				Type:          EventConflictDetected,
				SessionID:     sessionID,
				ParticipantID: remote.SenderID,
				Version:       remote.Version,
				Payload:       payload,
				Timestamp:     c.now(),
			})
		}

		if remote.Version <= s.Context.Version && remote.SenderID != c.cfg.SelfID {
			return cases, ErrStaleSnapshot
		}
		return cases, nil
	}

	if remote.SenderID == c.cfg.SelfID || remote.Version <= s.Context.Version {
		// Echo of our own state, or nothing newer to take.
		return nil, nil
	}

	c.applySnapshotLocked(s, remote.Version, remote.Data, remote.SenderID)
	return nil, nil
}

// ApplyResolution installs a merged context produced by the conflict
// engine and marks the session healthy again.
func (c *Coordinator) ApplyResolution(sessionID string, resolved *conflict.Context) error {
	return c.applyResolution(sessionID, resolved, string(conflict.StrategyManual))
}

func (c *Coordinator) applyResolution(sessionID string, resolved *conflict.Context, strategy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	c.applySnapshotLocked(s, resolved.Version, resolved.Data, resolved.SenderID)
	if s.Status != SyncHealthy {
		s.Status = SyncHealthy
		c.publishLocked(Event{
			Type:      EventSyncStatusChanged,
			SessionID: sessionID,
			Payload:   map[string]string{"status": string(SyncHealthy)},
			Timestamp: c.now(),
		})
	}
	c.publishLocked(Event{
		Type:      EventConflictResolved,
		SessionID: sessionID,
		Version:   resolved.Version,
		Payload:   map[string]string{"strategy": strategy},
		Timestamp: c.now(),
	})
	return nil
}

// ResolveConflict executes a resolution strategy for a session conflict
// and applies the outcome. When the strategy fails or needs a human,
// the session policy picks the fallback: moderated sessions escalate
// to a moderator decision and keep the case active; open sessions
// re-resolve with last-writer-wins.
func (c *Coordinator) ResolveConflict(sessionID, caseID string, strategy conflict.Strategy) (conflict.Outcome, error) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	moderated := ok && s.Policy.Moderated
	c.mu.RUnlock()
	if !ok {
		return conflict.Outcome{}, ErrSessionNotFound
	}

	var typ conflict.Type
	for _, cs := range c.conflicts.Active() {
		if cs.ID == caseID {
			typ = cs.Type
			break
		}
	}

	start := time.Now()
	out, err := c.conflicts.Resolve(caseID, strategy)
	c.log.LogConflictResolution(string(typ), string(out.Strategy), time.Since(start), err)

	if err != nil {
		if !errors.Is(err, conflict.ErrNeedsManualIntervention) && !errors.Is(err, conflict.ErrResolutionFailed) {
			return out, err
		}

		if moderated {
			if c.escalator != nil {
				if _, eerr := c.escalator.EscalateConflict(sessionID, caseID, out.Reason); eerr != nil {
					return out, eerr
				}
			}
			c.mu.Lock()
			c.publishLocked(Event{
				Type:      EventConflictEscalated,
				SessionID: sessionID,
				Payload:   map[string]string{"case_id": caseID},
				Timestamp: c.now(),
			})
			c.mu.Unlock()
			return out, err
		}

		out, err = c.conflicts.Fallback(caseID)
		if err != nil {
			return out, err
		}
	}

	if out.Context != nil {
		if aerr := c.applyResolution(sessionID, out.Context, string(out.Strategy)); aerr != nil {
			return out, aerr
		}
	}
	return out, nil
}

func (c *Coordinator) applySnapshotLocked(s *Session, version uint64, data map[string]string, sender string) {
	fresh := make(map[string]string, len(data))
	for k, v := range data {
		fresh[k] = v
	}
	s.Context.Data = fresh
	s.Context.Version = version
	s.Context.UpdatedBy = sender
	s.Context.UpdatedAt = c.now()

	c.journalLocked(s, journal.KindSnapshotAccept)

	c.publishLocked(Event{
		Type:          EventSnapshotAccepted,
		SessionID:     s.ID,
		ParticipantID: sender,
		Version:       version,
		Timestamp:     s.Context.UpdatedAt,
	})
}

// ActiveConflicts returns the open conflict cases for a session.
func (c *Coordinator) ActiveConflicts(sessionID string) []conflict.Case {
	out := make([]conflict.Case, 0)
	for _, cs := range c.conflicts.Active() {
		if cs.Local.SessionID == sessionID || cs.Remote.SessionID == sessionID {
			out = append(out, cs)
		}
	}
	return out
}

// Acknowledge records that every participant has confirmed the given
// context version.
func (c *Coordinator) Acknowledge(sessionID string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if version > s.AckedVersion {
		s.AckedVersion = version
		if c.jnl != nil {
			c.jnl.Append(sessionID, journal.KindAck, version, nil)
		}
	}
	return nil
}

// Resume rebuilds session context state from the journal after a
// restart. Sessions are recreated as shells (no participants) at their
// last journaled context; acknowledgment high-water marks are
// restored so synchronization picks up from the last acknowledged
// version.
func (c *Coordinator) Resume() error {
	if c.jnl == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.jnl.Replay(func(r *journal.Record) error {
		switch r.Kind {
		case journal.KindContextMutation, journal.KindSnapshotAccept:
			s, ok := c.sessions[r.SessionID]
			if !ok {
				s = &Session{
					ID:           r.SessionID,
					CreatedAt:    r.Timestamp,
					Participants: make(map[string]*Participant),
					Status:       SyncHealthy,
				}
				c.sessions[r.SessionID] = s
			}
			var ctx Context
			if err := json.Unmarshal(r.Payload, &ctx); err != nil {
				return err
			}
			if ctx.Version > s.Context.Version {
				s.Context = ctx
			}

		case journal.KindAck:
			if s, ok := c.sessions[r.SessionID]; ok && r.Version > s.AckedVersion {
				s.AckedVersion = r.Version
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for id, s := range c.sessions {
		c.log.SessionLogger(id).Info("session resumed").
			Uint64("version", s.Context.Version).
			Uint64("acked", s.AckedVersion).
			Send()
	}
	return nil
}

// journalLocked appends the full context as a journal record.
func (c *Coordinator) journalLocked(s *Session, kind journal.Kind) {
	if c.jnl == nil {
		return
	}
	payload, err := json.Marshal(s.Context)
	if err != nil {
		return
	}
	if _, err := c.jnl.Append(s.ID, kind, s.Context.Version, payload); err != nil {
		c.log.SessionLogger(s.ID).Error("journal append failed").Err(err).Send()
	}
}

// ========== Liveness ==========

// StartHeartbeatMonitor begins periodic eviction of participants that
// miss heartbeats.
func (c *Coordinator) StartHeartbeatMonitor() {
	c.mu.Lock()
	if c.stopMonitor != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopMonitor = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.EvictStale(c.now())
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeatMonitor stops the eviction loop.
func (c *Coordinator) StopHeartbeatMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopMonitor != nil {
		close(c.stopMonitor)
		c.stopMonitor = nil
	}
}

// EvictStale removes participants whose last heartbeat is older than
// the configured miss budget as of now, and returns how many were
// evicted. Participants one interval behind are marked idle first.
func (c *Coordinator) EvictStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Duration(c.cfg.HeartbeatMisses) * c.cfg.HeartbeatInterval
	evicted := 0

	for _, s := range c.sessions {
		for id, p := range s.Participants {
			silent := now.Sub(p.LastHeartbeat)
			if silent > deadline {
				delete(s.Participants, id)
				evicted++
				c.publishLocked(Event{
					Type:          EventParticipantEvicted,
					SessionID:     s.ID,
					ParticipantID: id,
					Timestamp:     now,
				})
				c.log.SessionLogger(s.ID).Warn("participant evicted").
					Str("participant", id).
					Dur("silent", silent).
					Send()
			} else if silent > c.cfg.HeartbeatInterval {
				p.Status = ParticipantIdle
			}
		}

		// No participant heartbeating at all means the session is
		// offline, not conflicted.
		active := 0
		for _, p := range s.Participants {
			if p.Status == ParticipantActive {
				active++
			}
		}
		if active == 0 && s.Status == SyncHealthy {
			s.Status = SyncDegraded
			c.publishLocked(Event{
				Type:      EventSyncStatusChanged,
				SessionID: s.ID,
				Payload:   map[string]string{"status": string(SyncDegraded)},
				Timestamp: now,
			})
		}
	}
	return evicted
}

// ========== Events ==========

// Subscribe registers an event channel. The returned id releases the
// subscription via Unsubscribe.
func (c *Coordinator) Subscribe() (int, <-chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, c.cfg.EventBuffer)
	c.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Coordinator) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// publishLocked delivers an event to every subscriber without
// blocking; full subscriber channels drop the event.
func (c *Coordinator) publishLocked(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
