// ABOUTME: Tests for the weighted-vote decision workflow
// ABOUTME: Consensus policies, duplicate ballots, execution hooks

package collab

import (
	"errors"
	"testing"
	"time"
)

// threeParty sets up a document owned by alice with bob and carol as
// writing collaborators. Total eligible weight is 4 with the default
// owner weight of 2.
func threeParty(t *testing.T) (*Engine, *Document) {
	t.Helper()
	e := setupEngine(t)
	d := setupDocument(t, e, "hello")
	if err := e.AddCollaborator(d.ID, "alice", "carol", []Permission{PermissionRead, PermissionWrite}); err != nil {
		t.Fatalf("Failed to add carol: %v", err)
	}
	return e, d
}

func propose(t *testing.T, e *Engine, d *Document, typ DecisionType, consensus ConsensusPolicy, payload map[string]string) *Decision {
	t.Helper()
	dec, err := e.ProposeDecision(d.ID, typ, "proposal", "details", "alice",
		consensus, time.Now().Add(time.Hour), payload)
	if err != nil {
		t.Fatalf("Failed to propose: %v", err)
	}
	return dec
}

func TestSimpleConsensusApproves(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusSimple,
		map[string]string{"title": "renamed"})

	// One default-weight approval is short of the threshold of two.
	got, err := e.CastVote(dec.ID, "bob", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionVoting {
		t.Fatalf("Expected voting after one ballot, got %s", got.Status)
	}

	got, err = e.CastVote(dec.ID, "carol", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Fatalf("Expected approved at threshold, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Title != "renamed" {
		t.Errorf("Expected approved decision executed, title %q", doc.Title)
	}
}

func TestContentChangeNeedsSingleApproval(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionContentChange, ConsensusSimple,
		map[string]string{"content": "rewritten"})

	got, err := e.CastVote(dec.ID, "bob", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Fatalf("Expected content change approved by one ballot, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Content != "rewritten" {
		t.Errorf("Expected content replaced, got %q", doc.Content)
	}
	if doc.Version != 2 {
		t.Errorf("Expected version bump on execution, got %d", doc.Version)
	}
}

func TestDuplicateVoteRejected(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusSimple, nil)

	if _, err := e.CastVote(dec.ID, "bob", true); err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if _, err := e.CastVote(dec.ID, "bob", false); !errors.Is(err, ErrAlreadyVoted) {
		t.Errorf("Expected ErrAlreadyVoted, got %v", err)
	}
}

func TestVoteAfterSettledIgnored(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionContentChange, ConsensusSimple,
		map[string]string{"content": "first"})

	if _, err := e.CastVote(dec.ID, "bob", true); err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}

	// Carol's rejection lands after approval; the outcome stands.
	got, err := e.CastVote(dec.ID, "carol", false)
	if err != nil {
		t.Fatalf("Late vote errored: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Errorf("Expected status unchanged by late vote, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Content != "first" {
		t.Errorf("Expected executed content untouched, got %q", doc.Content)
	}
}

func TestMajorityConsensusCountsOwnerWeight(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusMajority,
		map[string]string{"status": "review"})

	// Total weight 4, majority needs 3. Owner alone has 2.
	got, err := e.CastVote(dec.ID, "alice", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionVoting {
		t.Fatalf("Expected voting with owner alone, got %s", got.Status)
	}

	got, err = e.CastVote(dec.ID, "bob", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Fatalf("Expected approved at weight 3, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Status != StatusReview {
		t.Errorf("Expected lifecycle change executed, got %s", doc.Status)
	}
}

func TestMajorityRejectsWhenUnreachable(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusMajority, nil)

	// Owner rejection (weight 2) leaves only 2 of 4 in favor at best.
	got, err := e.CastVote(dec.ID, "alice", false)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionRejected {
		t.Errorf("Expected rejected once majority is unreachable, got %s", got.Status)
	}
}

func TestUnanimousConsensus(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionAccessChange, ConsensusUnanimous,
		map[string]string{"access_level": "private"})

	for _, voter := range []string{"alice", "bob"} {
		got, err := e.CastVote(dec.ID, voter, true)
		if err != nil {
			t.Fatalf("Failed to vote: %v", err)
		}
		if got.Status != DecisionVoting {
			t.Fatalf("Expected voting before full turnout, got %s", got.Status)
		}
	}

	got, err := e.CastVote(dec.ID, "carol", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Fatalf("Expected approved at full turnout, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.AccessLevel != AccessPrivate {
		t.Errorf("Expected access change executed, got %s", doc.AccessLevel)
	}
}

func TestUnanimousRejectedBySingleNo(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionAccessChange, ConsensusUnanimous, nil)

	got, err := e.CastVote(dec.ID, "bob", false)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionRejected {
		t.Errorf("Expected rejected on first no, got %s", got.Status)
	}
}

func TestModeratorConsensus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModeratorIDs = []string{"carol"}
	e := NewEngine(cfg, nil, nil)
	d, err := e.CreateDocument("notes", "hello", "text", "alice")
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	for _, id := range []string{"bob", "carol"} {
		if err := e.AddCollaborator(d.ID, "alice", id, []Permission{PermissionWrite}); err != nil {
			t.Fatalf("Failed to add %s: %v", id, err)
		}
	}

	dec := propose(t, e, d, DecisionStructuralChange, ConsensusModerator,
		map[string]string{"title": "moderated"})

	// Non-moderator ballots never settle the decision.
	got, err := e.CastVote(dec.ID, "bob", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionVoting {
		t.Fatalf("Expected voting after non-moderator ballot, got %s", got.Status)
	}

	got, err = e.CastVote(dec.ID, "carol", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Errorf("Expected moderator ballot to settle, got %s", got.Status)
	}
}

func TestRollbackBlockingMinority(t *testing.T) {
	e, d := threeParty(t)
	for _, id := range []string{"dave", "erin"} {
		if err := e.AddCollaborator(d.ID, "alice", id, []Permission{PermissionWrite}); err != nil {
			t.Fatalf("Failed to add %s: %v", id, err)
		}
	}

	ctrl, _ := e.History(d.ID)
	root, _ := ctrl.Latest()

	dec := propose(t, e, d, DecisionRollback, ConsensusMajority,
		map[string]string{"version_id": root.ID})

	// Total weight 6. Two weight-1 rejections leave a majority of 4
	// reachable, but they meet the one-third brake for rollbacks.
	if _, err := e.CastVote(dec.ID, "dave", false); err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	got, err := e.CastVote(dec.ID, "erin", false)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionRejected {
		t.Errorf("Expected blocking minority to reject rollback, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Content != "hello" {
		t.Errorf("Expected content untouched by rejected rollback, got %q", doc.Content)
	}
}

func TestRollbackExecutesToTargetVersion(t *testing.T) {
	e, d := threeParty(t)

	ctrl, _ := e.History(d.ID)
	root, _ := ctrl.Latest()

	// Move the document past the root version.
	if _, err := ctrl.Commit("drifted", "alice", "edit"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	dec := propose(t, e, d, DecisionRollback, ConsensusMajority,
		map[string]string{"version_id": root.ID})

	if _, err := e.CastVote(dec.ID, "alice", true); err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	got, err := e.CastVote(dec.ID, "bob", true)
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if got.Status != DecisionApproved {
		t.Fatalf("Expected approved, got %s", got.Status)
	}

	doc, _ := e.Document(d.ID)
	if doc.Content != "hello" {
		t.Errorf("Expected content restored to root, got %q", doc.Content)
	}

	// Rollback lands as a new version, not a history rewrite.
	latest, _ := ctrl.Latest()
	if latest.ID == root.ID {
		t.Error("Expected rollback to commit a new version")
	}
	if latest.Content != "hello" {
		t.Errorf("Expected new head with restored content, got %q", latest.Content)
	}
}

func TestNonCollaboratorCannotVote(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusSimple, nil)

	if _, err := e.CastVote(dec.ID, "mallory", true); !errors.Is(err, ErrInsufficientPermissions) {
		t.Errorf("Expected ErrInsufficientPermissions, got %v", err)
	}
}

func TestExpireDecisions(t *testing.T) {
	e, d := threeParty(t)
	dec := propose(t, e, d, DecisionStructuralChange, ConsensusSimple, nil)

	if n := e.ExpireDecisions(time.Now()); n != 0 {
		t.Errorf("Expected nothing expired yet, got %d", n)
	}
	if n := e.ExpireDecisions(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Errorf("Expected 1 expired, got %d", n)
	}

	got, _ := e.Decision(dec.ID)
	if got.Status != DecisionExpired {
		t.Errorf("Expected expired status, got %s", got.Status)
	}
	if len(e.PendingDecisions()) != 0 {
		t.Error("Expected no pending decisions after expiry")
	}
}

func TestDefaultConsensusByType(t *testing.T) {
	e, d := threeParty(t)

	dec := propose(t, e, d, DecisionContentChange, "", nil)
	if dec.Consensus != ConsensusSimple {
		t.Errorf("Expected simple default for content change, got %s", dec.Consensus)
	}

	dec = propose(t, e, d, DecisionAccessChange, "", nil)
	if dec.Consensus != ConsensusUnanimous {
		t.Errorf("Expected unanimous default for access change, got %s", dec.Consensus)
	}
}
