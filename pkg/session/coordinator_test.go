// ABOUTME: Tests for the session coordinator
// ABOUTME: Mutation, snapshot exchange, liveness eviction, resume

package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nainya/collabsync/pkg/conflict"
	"github.com/nainya/collabsync/pkg/journal"
)

func setupCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(DefaultConfig(), conflict.NewEngine(conflict.DefaultConfig()), nil, nil)
}

func setupSession(t *testing.T, c *Coordinator) *Session {
	t.Helper()
	s, err := c.CreateSession("standup", "alice", "Alice")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := c.Join(s.ID, "bob", "Bob", RoleParticipant); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}
	return s
}

func TestCreateSessionSeedsHost(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	snap, err := c.Snapshot(s.ID)
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	host, ok := snap.Participants["alice"]
	if !ok || host.Role != RoleHost {
		t.Errorf("Expected alice as host, got %+v", snap.Participants)
	}
	if snap.Context.Version != 1 {
		t.Errorf("Expected initial version 1, got %d", snap.Context.Version)
	}
}

func TestJoinDuplicateRejected(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	if _, err := c.Join(s.ID, "bob", "Bob", RoleParticipant); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("Expected ErrAlreadyJoined, got %v", err)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	c := setupCoordinator(t)

	if _, err := c.Join("missing", "bob", "Bob", RoleParticipant); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestMutateIncrementsVersionByOne(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	ctx, err := c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})
	if err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}
	if ctx.Version != 2 {
		t.Errorf("Expected version 2, got %d", ctx.Version)
	}
	if ctx.Data["topic"] != "roadmap" {
		t.Errorf("Expected mutation applied, got %v", ctx.Data)
	}
	if ctx.UpdatedBy != "bob" {
		t.Errorf("Expected bob as updater, got %s", ctx.UpdatedBy)
	}

	ctx, _ = c.Mutate(s.ID, "alice", map[string]string{"topic": "budget"})
	if ctx.Version != 3 {
		t.Errorf("Expected version 3, got %d", ctx.Version)
	}
}

func TestObserverCannotMutate(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	if _, err := c.Join(s.ID, "carol", "Carol", RoleObserver); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	if _, err := c.Mutate(s.ID, "carol", map[string]string{"x": "1"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}
}

func TestPolicyCapsParticipants(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c) // alice + bob

	if err := c.SetPolicy(s.ID, "alice", Policy{MaxParticipants: 2, AllowObservers: true, AllowBots: true}); err != nil {
		t.Fatalf("Failed to set policy: %v", err)
	}
	if _, err := c.Join(s.ID, "carol", "Carol", RoleParticipant); !errors.Is(err, ErrJoinFailed) {
		t.Errorf("Expected ErrJoinFailed for full session, got %v", err)
	}

	if err := c.SetPolicy(s.ID, "bob", Policy{}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied for non-host, got %v", err)
	}
}

func TestPolicyExcludesRoles(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	if err := c.SetPolicy(s.ID, "alice", Policy{AllowObservers: false, AllowBots: true}); err != nil {
		t.Fatalf("Failed to set policy: %v", err)
	}
	if _, err := c.Join(s.ID, "carol", "Carol", RoleObserver); !errors.Is(err, ErrJoinFailed) {
		t.Errorf("Expected ErrJoinFailed for observer, got %v", err)
	}
	if _, err := c.Join(s.ID, "scribe", "Scribe", RoleBot); err != nil {
		t.Errorf("Expected bot admitted, got %v", err)
	}
}

func TestConversationLogAndDocumentIndex(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	ctx, err := c.AppendConversation(s.ID, "bob", "shall we start?")
	if err != nil {
		t.Fatalf("Failed to append conversation: %v", err)
	}
	if ctx.Version != 2 {
		t.Errorf("Expected version 2, got %d", ctx.Version)
	}
	if len(ctx.ConversationLog) != 1 || ctx.ConversationLog[0].Text != "shall we start?" {
		t.Errorf("Unexpected conversation log: %+v", ctx.ConversationLog)
	}

	ctx, _ = c.IndexDocument(s.ID, "alice", "doc-1")
	ctx, _ = c.IndexDocument(s.ID, "bob", "doc-1") // duplicate id, no growth
	if len(ctx.DocumentIndex) != 1 || ctx.DocumentIndex[0] != "doc-1" {
		t.Errorf("Unexpected document index: %v", ctx.DocumentIndex)
	}
	if ctx.Version != 4 {
		t.Errorf("Expected version 4, got %d", ctx.Version)
	}
}

func TestCommandQueueOrdering(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	c.EnqueueCommand(s.ID, "alice", "summarize")
	c.EnqueueCommand(s.ID, "bob", "export")

	first, err := c.DequeueCommand(s.ID, "alice")
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first != "summarize" {
		t.Errorf("Expected summarize first, got %q", first)
	}
	second, _ := c.DequeueCommand(s.ID, "alice")
	if second != "export" {
		t.Errorf("Expected export second, got %q", second)
	}

	empty, err := c.DequeueCommand(s.ID, "alice")
	if err != nil || empty != "" {
		t.Errorf("Expected empty pop on drained queue, got %q, %v", empty, err)
	}

	snap, _ := c.Snapshot(s.ID)
	if snap.Context.Version != 5 {
		t.Errorf("Expected version 5 after 4 mutations, got %d", snap.Context.Version)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})

	snap, _ := c.Snapshot(s.ID)
	snap.Context.Data["topic"] = "tampered"
	snap.Participants["bob"].Role = RoleHost

	fresh, _ := c.Snapshot(s.ID)
	if fresh.Context.Data["topic"] != "roadmap" {
		t.Error("Snapshot mutation leaked into coordinator state")
	}
	if fresh.Participants["bob"].Role != RoleParticipant {
		t.Error("Participant mutation leaked into coordinator state")
	}
}

func TestStaleSnapshotNeverSilentlyApplied(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"}) // version 2

	remote := conflict.Context{
		SessionID: s.ID,
		SenderID:  "bob",
		Version:   2, // equal, not newer
		Timestamp: time.Now(),
		Data:      map[string]string{"topic": "budget"},
	}

	cases, err := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("Expected ErrStaleSnapshot, got %v", err)
	}
	if len(cases) == 0 {
		t.Fatal("Expected conflict cases for stale snapshot")
	}

	snap, _ := c.Snapshot(s.ID)
	if snap.Context.Data["topic"] != "roadmap" {
		t.Errorf("Stale snapshot overwrote local state: %v", snap.Context.Data)
	}
	if snap.Status != SyncConflicted {
		t.Errorf("Expected conflicted status, got %s", snap.Status)
	}
	if open := c.ActiveConflicts(s.ID); len(open) == 0 {
		t.Error("Expected open conflict cases for the session")
	}
}

func TestSelfEchoIgnored(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})

	remote := conflict.Context{
		SessionID: s.ID,
		SenderID:  c.cfg.SelfID,
		Version:   1,
		Timestamp: time.Now(),
		Data:      map[string]string{"topic": "roadmap"},
	}

	cases, err := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	if err != nil {
		t.Fatalf("Self echo errored: %v", err)
	}
	if len(cases) != 0 {
		t.Errorf("Expected no cases for self echo, got %d", len(cases))
	}
}

func TestCleanNewerSnapshotApplies(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	remote := conflict.Context{
		SessionID: s.ID,
		SenderID:  "bob",
		Version:   5,
		Timestamp: time.Now(),
		Data:      map[string]string{"topic": "roadmap"},
	}

	cases, err := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	if err != nil {
		t.Fatalf("Failed to accept snapshot: %v", err)
	}
	if len(cases) != 0 {
		t.Fatalf("Expected clean accept, got %d cases", len(cases))
	}

	snap, _ := c.Snapshot(s.ID)
	if snap.Context.Version != 5 {
		t.Errorf("Expected version 5 after snapshot, got %d", snap.Context.Version)
	}
	if snap.Context.Data["topic"] != "roadmap" {
		t.Errorf("Expected snapshot data applied, got %v", snap.Context.Data)
	}
}

func TestApplyResolutionRestoresHealth(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})

	remote := conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 2,
		Timestamp: time.Now(), Data: map[string]string{"topic": "budget"},
	}
	if _, err := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{}); err == nil {
		t.Fatal("Expected stale snapshot error")
	}

	resolved := &conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 3,
		Data: map[string]string{"topic": "budget"},
	}
	if err := c.ApplyResolution(s.ID, resolved); err != nil {
		t.Fatalf("Failed to apply resolution: %v", err)
	}

	snap, _ := c.Snapshot(s.ID)
	if snap.Status != SyncHealthy {
		t.Errorf("Expected healthy after resolution, got %s", snap.Status)
	}
	if snap.Context.Version != 3 || snap.Context.Data["topic"] != "budget" {
		t.Errorf("Expected resolved context installed, got %+v", snap.Context)
	}
}

func TestResolveConflictFallsBackForOpenSession(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"}) // version 2

	remote := conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 2,
		Timestamp: time.Now().Add(time.Second),
		Data:      map[string]string{"topic": "budget"},
	}
	cases, err := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	if !errors.Is(err, ErrStaleSnapshot) || len(cases) == 0 {
		t.Fatalf("Expected stale snapshot conflict, got %v (%d cases)", err, len(cases))
	}

	// Manual escalation fails automatically; the open session retries
	// with last-writer-wins instead of stalling.
	out, err := c.ResolveConflict(s.ID, cases[0].ID, conflict.StrategyManual)
	if err != nil {
		t.Fatalf("Expected fallback resolution, got %v", err)
	}
	if out.Strategy != conflict.StrategyLastWriterWins {
		t.Errorf("Expected last-writer-wins fallback, got %s", out.Strategy)
	}

	snap, _ := c.Snapshot(s.ID)
	if snap.Status != SyncHealthy {
		t.Errorf("Expected healthy after fallback, got %s", snap.Status)
	}
	if snap.Context.Data["topic"] != "budget" {
		t.Errorf("Expected newer remote data installed, got %v", snap.Context.Data)
	}
	for _, cs := range c.ActiveConflicts(s.ID) {
		if cs.ID == cases[0].ID {
			t.Error("Fallback-resolved case still active")
		}
	}
}

// recordingEscalator captures the escalation a moderated session makes.
type recordingEscalator struct {
	sessionID, caseID, reason string
}

func (r *recordingEscalator) EscalateConflict(sessionID, caseID, reason string) (string, error) {
	r.sessionID, r.caseID, r.reason = sessionID, caseID, reason
	return "decision-1", nil
}

func TestModeratedSessionEscalatesFailedResolution(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	if err := c.SetPolicy(s.ID, "alice", Policy{AllowObservers: true, AllowBots: true, Moderated: true}); err != nil {
		t.Fatalf("Failed to set policy: %v", err)
	}
	esc := &recordingEscalator{}
	c.SetEscalator(esc)

	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})
	remote := conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 2,
		Timestamp: time.Now(), Data: map[string]string{"topic": "budget"},
	}
	cases, _ := c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	if len(cases) == 0 {
		t.Fatal("Expected conflict cases")
	}

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	_, err := c.ResolveConflict(s.ID, cases[0].ID, conflict.StrategyManual)
	if !errors.Is(err, conflict.ErrNeedsManualIntervention) {
		t.Fatalf("Expected ErrNeedsManualIntervention, got %v", err)
	}
	if esc.sessionID != s.ID || esc.caseID != cases[0].ID {
		t.Errorf("Expected escalation for session %s case %s, got %+v", s.ID, cases[0].ID, esc)
	}

	// The conflict is a moderator's to settle: nothing auto-applies.
	snap, _ := c.Snapshot(s.ID)
	if snap.Status != SyncConflicted {
		t.Errorf("Expected conflicted status, got %s", snap.Status)
	}
	found := false
	for _, cs := range c.ActiveConflicts(s.ID) {
		if cs.ID == cases[0].ID {
			found = true
		}
	}
	if !found {
		t.Error("Expected case to stay active pending the moderator decision")
	}

	escalated := false
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == EventConflictEscalated && ev.Payload["case_id"] == cases[0].ID {
			escalated = true
		}
	}
	if !escalated {
		t.Error("Expected conflict escalated event")
	}
}

func TestDegradedSessionRestoredByHeartbeat(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	start := time.Now()
	c.now = func() time.Time { return start }
	c.Heartbeat(s.ID, "alice")
	c.Heartbeat(s.ID, "bob")

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	// Both participants idle: the session is offline, not conflicted.
	c.EvictStale(start.Add(25 * time.Second))
	snap, _ := c.Snapshot(s.ID)
	if snap.Status != SyncDegraded {
		t.Fatalf("Expected degraded status with no active participants, got %s", snap.Status)
	}

	// One live heartbeat brings it back.
	c.now = func() time.Time { return start.Add(26 * time.Second) }
	if err := c.Heartbeat(s.ID, "bob"); err != nil {
		t.Fatalf("Failed to heartbeat: %v", err)
	}
	snap, _ = c.Snapshot(s.ID)
	if snap.Status != SyncHealthy {
		t.Errorf("Expected healthy after heartbeat, got %s", snap.Status)
	}

	var statuses []string
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == EventSyncStatusChanged {
			statuses = append(statuses, ev.Payload["status"])
		}
	}
	if len(statuses) != 2 || statuses[0] != string(SyncDegraded) || statuses[1] != string(SyncHealthy) {
		t.Errorf("Expected degraded then healthy transitions, got %v", statuses)
	}
}

func TestEvictionAfterMissedHeartbeats(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	start := time.Now()
	c.now = func() time.Time { return start }
	c.Heartbeat(s.ID, "alice")
	c.Heartbeat(s.ID, "bob")

	// Two intervals of silence: idle, not evicted.
	if n := c.EvictStale(start.Add(25 * time.Second)); n != 0 {
		t.Errorf("Expected no evictions at 25s, got %d", n)
	}
	snap, _ := c.Snapshot(s.ID)
	if snap.Participants["bob"].Status != ParticipantIdle {
		t.Errorf("Expected idle status, got %s", snap.Participants["bob"].Status)
	}

	// Bob recovers; alice stays silent past three intervals.
	c.now = func() time.Time { return start.Add(29 * time.Second) }
	c.Heartbeat(s.ID, "bob")

	if n := c.EvictStale(start.Add(31 * time.Second)); n != 1 {
		t.Errorf("Expected 1 eviction at 31s, got %d", n)
	}
	snap, _ = c.Snapshot(s.ID)
	if _, ok := snap.Participants["alice"]; ok {
		t.Error("Expected alice evicted")
	}
	if _, ok := snap.Participants["bob"]; !ok {
		t.Error("Expected bob retained after recovery")
	}
}

func TestEventsDeliveredToSubscribers(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})

	select {
	case ev := <-ch:
		if ev.Type != EventContextUpdated {
			t.Errorf("Expected context update event, got %s", ev.Type)
		}
		if ev.Version != 2 || ev.ParticipantID != "bob" {
			t.Errorf("Unexpected event fields: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event delivery")
	}
}

func TestSyncStatusEvents(t *testing.T) {
	c := setupCoordinator(t)
	s := setupSession(t, c)
	c.Mutate(s.ID, "bob", map[string]string{"topic": "roadmap"})

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	remote := conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 2,
		Timestamp: time.Now(), Data: map[string]string{"topic": "budget"},
	}
	c.AcceptSnapshot(s.ID, remote, conflict.ChangeMetadata{})
	c.ApplyResolution(s.ID, &conflict.Context{
		SessionID: s.ID, SenderID: "bob", Version: 3,
		Data: map[string]string{"topic": "budget"},
	})

	seen := make(map[EventType]bool)
	for len(ch) > 0 {
		seen[(<-ch).Type] = true
	}
	for _, want := range []EventType{
		EventSyncStatusChanged, EventConflictDetected,
		EventSnapshotAccepted, EventConflictResolved,
	} {
		if !seen[want] {
			t.Errorf("Expected %s event, saw %v", want, seen)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := setupCoordinator(t)

	id, ch := c.Subscribe()
	c.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("Expected closed channel after unsubscribe")
	}
}

func TestResumeFromLastAcknowledgedVersion(t *testing.T) {
	dir := t.TempDir()
	jnl := &journal.Journal{Path: filepath.Join(dir, "session.journal")}
	if err := jnl.Open(); err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	c := NewCoordinator(DefaultConfig(), conflict.NewEngine(conflict.DefaultConfig()), jnl, nil)
	s, err := c.CreateSession("standup", "alice", "Alice")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	c.Mutate(s.ID, "alice", map[string]string{"topic": "roadmap"}) // version 2
	c.Mutate(s.ID, "alice", map[string]string{"phase": "review"})  // version 3
	c.Acknowledge(s.ID, 2)
	jnl.Sync()
	jnl.Close()

	// Fresh coordinator against the same journal.
	jnl2 := &journal.Journal{Path: filepath.Join(dir, "session.journal")}
	if err := jnl2.Open(); err != nil {
		t.Fatalf("Failed to reopen journal: %v", err)
	}
	defer jnl2.Close()

	c2 := NewCoordinator(DefaultConfig(), conflict.NewEngine(conflict.DefaultConfig()), jnl2, nil)
	if err := c2.Resume(); err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}

	snap, err := c2.Snapshot(s.ID)
	if err != nil {
		t.Fatalf("Resumed session missing: %v", err)
	}
	if snap.Context.Version != 3 {
		t.Errorf("Expected replayed version 3, got %d", snap.Context.Version)
	}
	if snap.Context.Data["topic"] != "roadmap" || snap.Context.Data["phase"] != "review" {
		t.Errorf("Expected replayed context data, got %v", snap.Context.Data)
	}
	if snap.AckedVersion != 2 {
		t.Errorf("Expected acked version 2, got %d", snap.AckedVersion)
	}
}
