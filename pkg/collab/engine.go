// ABOUTME: Document collaboration engine
// ABOUTME: Transform-then-apply edits, locks, branches, and decisions

package collab

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nainya/collabsync/pkg/ot"
	"github.com/nainya/collabsync/pkg/version"
)

// Config tunes the collaboration engine. Vote weights and moderator
// authority are explicit configuration, not inferred behavior.
type Config struct {
	LockTTL time.Duration

	// Version snapshot thresholds: operations below these sizes update
	// content without persisting a full version.
	SignificantInsert int
	SignificantDelete int

	// OwnerVoteWeight applies to the document creator; everyone else
	// votes with DefaultVoteWeight.
	OwnerVoteWeight   int
	DefaultVoteWeight int

	// SimpleApprovalThreshold is the approval weight a simple-consensus
	// decision needs.
	SimpleApprovalThreshold int

	// RollbackBlockDivisor sets the blocking minority for rollbacks:
	// rejections >= totalWeight/divisor halt the rollback.
	RollbackBlockDivisor int

	// ModeratorIDs lists participants whose ballot settles
	// moderator-consensus decisions.
	ModeratorIDs []string

	// AppliedOpCacheSize bounds the duplicate-suppression cache.
	AppliedOpCacheSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:                 5 * time.Minute,
		SignificantInsert:       100,
		SignificantDelete:       50,
		OwnerVoteWeight:         2,
		DefaultVoteWeight:       1,
		SimpleApprovalThreshold: 2,
		RollbackBlockDivisor:    3,
		AppliedOpCacheSize:      4096,
	}
}

// Persister is the optional storage collaborator for documents.
type Persister interface {
	StoreDocument(d *Document) error
}

// Stats are cumulative engine counters for telemetry. They only grow,
// so deltas between reads count events.
type Stats struct {
	VotesCast         uint64
	DecisionsApproved uint64
	DecisionsRejected uint64
	DecisionsExpired  uint64
	RemoteEscalations uint64
}

// RemoteResult classifies what happened to a remote operation.
type RemoteResult int

const (
	// RemoteApplied means the operation transformed and applied cleanly.
	RemoteApplied RemoteResult = iota

	// RemoteDuplicate means the operation was already seen and discarded.
	RemoteDuplicate

	// RemoteEscalated means the operation diverged from local history
	// and a reconciliation decision was proposed instead of applying it.
	RemoteEscalated
)

// Engine owns document entities and all collaboration workflows.
// It relies on the guarded section for consistency; callers may invoke
// it from any goroutine.
type Engine struct {
	cfg        Config
	moderators map[string]bool

	mu        sync.RWMutex
	docs      map[string]*Document
	history   map[string]*version.Controller
	pending   map[string][]ot.Operation // unacknowledged local ops per document
	locks     map[string]*Lock
	decisions map[string]*Decision

	applied *lru.Cache[string, struct{}]
	stats   Stats

	persist        Persister
	versionPersist version.Persister

	// now is the clock; replaced in tests to exercise TTL boundaries.
	now func() time.Time
}

// NewEngine creates a collaboration engine. Both persisters may be nil.
func NewEngine(cfg Config, persist Persister, versionPersist version.Persister) *Engine {
	cache, _ := lru.New[string, struct{}](cfg.AppliedOpCacheSize)

	moderators := make(map[string]bool, len(cfg.ModeratorIDs))
	for _, id := range cfg.ModeratorIDs {
		moderators[id] = true
	}

	return &Engine{
		cfg:            cfg,
		moderators:     moderators,
		docs:           make(map[string]*Document),
		history:        make(map[string]*version.Controller),
		pending:        make(map[string][]ot.Operation),
		locks:          make(map[string]*Lock),
		decisions:      make(map[string]*Decision),
		applied:        cache,
		persist:        persist,
		versionPersist: versionPersist,
		now:            time.Now,
	}
}

// CreateDocument registers a new document and commits its initial
// version.
func (e *Engine) CreateDocument(title, content, format, creator string) (*Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	d := &Document{
		ID:            uuid.NewString(),
		Title:         title,
		Content:       content,
		Format:        format,
		CreatedBy:     creator,
		Version:       1,
		Collaborators: map[string][]Permission{creator: {PermissionManage}},
		AccessLevel:   AccessShared,
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.docs[d.ID] = d

	ctrl := version.NewController(d.ID, e.versionPersist)
	if _, err := ctrl.Commit(content, creator, "created"); err != nil {
		return nil, err
	}
	e.history[d.ID] = ctrl

	if e.persist != nil {
		if err := e.persist.StoreDocument(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Document returns a document by id.
func (e *Engine) Document(docID string) (*Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return d, nil
}

// Documents lists all known documents.
func (e *Engine) Documents() []*Document {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Document, 0, len(e.docs))
	for _, d := range e.docs {
		out = append(out, d)
	}
	return out
}

// AddCollaborator grants permissions on a document. The grantor needs
// share permission.
func (e *Engine) AddCollaborator(docID, grantor, participant string, perms []Permission) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	if !d.HasPermission(grantor, PermissionShare) && !d.HasPermission(grantor, PermissionManage) {
		return ErrInsufficientPermissions
	}

	d.Collaborators[participant] = perms
	d.UpdatedAt = e.now()
	return nil
}

// UpdateDocument applies a local edit: the operation is transformed
// against all pending unacknowledged local operations, applied, and
// tracked as pending until acknowledged. Returns the transformed
// operation for broadcast.
func (e *Engine) UpdateDocument(docID string, op ot.Operation, author string) (ot.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	transformed, err := e.acceptLocked(docID, op, author)
	if err != nil {
		return ot.Operation{}, err
	}

	e.pending[docID] = append(e.pending[docID], transformed)
	return transformed, nil
}

// ApplyRemote applies an operation received from another participant.
// Operations already seen are discarded idempotently. An operation
// that diverged from local history (unseen base version, or a range
// the current content cannot satisfy) is not dropped: a reconciliation
// decision is proposed so the edit can be salvaged by a vote.
func (e *Engine) ApplyRemote(docID string, op ot.Operation) (RemoteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.applied.Get(op.ID); dup {
		return RemoteDuplicate, nil
	}

	d, ok := e.docs[docID]
	if !ok {
		return RemoteApplied, ErrDocumentNotFound
	}
	if op.BaseVersion > d.Version {
		return e.escalateRemoteLocked(d, op, "operation based on an unseen version")
	}

	_, err := e.acceptLocked(docID, op, op.Author)
	if err != nil {
		if errors.Is(err, ot.ErrInvalidPosition) || errors.Is(err, ot.ErrIncompatibleOperations) {
			return e.escalateRemoteLocked(d, op, err.Error())
		}
		return RemoteApplied, err
	}
	return RemoteApplied, nil
}

// escalateRemoteLocked opens a reconciliation decision for a remote
// operation that cannot be transformed onto local history.
func (e *Engine) escalateRemoteLocked(d *Document, op ot.Operation, reason string) (RemoteResult, error) {
	e.applied.Add(op.ID, struct{}{}) // one decision per operation
	e.stats.RemoteEscalations++

	desc := fmt.Sprintf("%s by %s at position %d could not be applied: %s",
		op.Kind, op.Author, op.Position, reason)
	e.proposeLocked(d.ID, DecisionEditReconciliation,
		"Reconcile divergent edit", desc, op.Author, "",
		e.now().Add(24*time.Hour), map[string]string{
			"kind":     string(op.Kind),
			"position": strconv.Itoa(op.Position),
			"length":   strconv.Itoa(op.Length),
			"text":     op.Text,
			"author":   op.Author,
		})
	return RemoteEscalated, nil
}

// acceptLocked runs the shared transform-then-apply path.
func (e *Engine) acceptLocked(docID string, op ot.Operation, author string) (ot.Operation, error) {
	d, ok := e.docs[docID]
	if !ok {
		return ot.Operation{}, ErrDocumentNotFound
	}

	if !d.HasPermission(author, PermissionWrite) {
		return ot.Operation{}, ErrInsufficientPermissions
	}

	if l, held := e.locks[docID]; held && !l.Expired(e.now()) && l.HolderID != author {
		return ot.Operation{}, fmt.Errorf("%w: held by %s", ErrDocumentLocked, l.HolderID)
	}

	transformed, err := ot.TransformAgainstAll(op, e.pending[docID])
	if err != nil {
		return ot.Operation{}, err
	}

	content, err := ot.Apply(d.Content, transformed)
	if err != nil {
		return ot.Operation{}, err
	}

	d.Content = content
	d.Version++
	d.UpdatedAt = e.now()
	d.Changes = append(d.Changes, Change{
		OperationID: transformed.ID,
		Kind:        transformed.Kind,
		Author:      author,
		Timestamp:   d.UpdatedAt,
		Version:     d.Version,
	})

	e.applied.Add(transformed.ID, struct{}{})

	if e.significant(transformed) {
		if _, err := e.history[docID].Commit(d.Content, author, string(transformed.Kind)); err != nil {
			return ot.Operation{}, err
		}
	}

	if e.persist != nil {
		if err := e.persist.StoreDocument(d); err != nil {
			return ot.Operation{}, err
		}
	}

	return transformed, nil
}

// Acknowledge clears a pending local operation once every participant
// has confirmed it.
func (e *Engine) Acknowledge(docID, opID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops := e.pending[docID]
	for i, op := range ops {
		if op.ID == opID {
			e.pending[docID] = append(ops[:i], ops[i+1:]...)
			return
		}
	}
}

// PendingOperations returns unacknowledged local operations for a
// document.
func (e *Engine) PendingOperations(docID string) []ot.Operation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ot.Operation, len(e.pending[docID]))
	copy(out, e.pending[docID])
	return out
}

// significant reports whether an accepted operation warrants a
// persisted version snapshot.
func (e *Engine) significant(op ot.Operation) bool {
	switch op.Kind {
	case ot.KindReplace:
		return true
	case ot.KindInsert:
		return len(op.Text) > e.cfg.SignificantInsert
	case ot.KindDelete:
		return op.Length > e.cfg.SignificantDelete
	}
	return false
}

// History returns the version controller for a document.
func (e *Engine) History(docID string) (*version.Controller, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ctrl, ok := e.history[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return ctrl, nil
}

// ========== Editing locks ==========

// RequestLock acquires the exclusive editing lock for a document.
// Re-requesting a held lock extends its TTL.
func (e *Engine) RequestLock(docID, participant string) (*Lock, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.docs[docID]; !ok {
		return nil, ErrDocumentNotFound
	}

	now := e.now()
	if l, held := e.locks[docID]; held && !l.Expired(now) {
		if l.HolderID != participant {
			return nil, fmt.Errorf("%w: held by %s", ErrDocumentLocked, l.HolderID)
		}
		l.ExpiresAt = now.Add(e.cfg.LockTTL)
		return l, nil
	}

	l := &Lock{
		DocumentID: docID,
		HolderID:   participant,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.cfg.LockTTL),
	}
	e.locks[docID] = l
	return l, nil
}

// ReleaseLock releases a held lock. Only the holder may release it.
func (e *Engine) ReleaseLock(docID, participant string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, held := e.locks[docID]
	if !held || l.Expired(e.now()) {
		return nil
	}
	if l.HolderID != participant {
		return ErrNotLockHolder
	}
	delete(e.locks, docID)
	return nil
}

// SweepLocks drops expired locks as of now and returns how many.
func (e *Engine) SweepLocks(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for id, l := range e.locks {
		if l.Expired(now) {
			delete(e.locks, id)
			dropped++
		}
	}
	return dropped
}

// ========== Branching and merging ==========

// CreateBranch records a named branch at fromVersionID.
func (e *Engine) CreateBranch(docID, name, fromVersionID, author string) (*version.Branch, error) {
	ctrl, err := e.History(docID)
	if err != nil {
		return nil, err
	}
	return ctrl.CreateBranch(name, fromVersionID, author)
}

// MergeBranch three-way merges source into target. When the two sides
// overlap, a merge-resolution decision is auto-proposed and returned
// with ErrMergeConflict instead of silently merging.
func (e *Engine) MergeBranch(docID, source, target, author string) (*version.Version, *Decision, error) {
	ctrl, err := e.History(docID)
	if err != nil {
		return nil, nil, err
	}

	merged, conflicts, err := ctrl.MergeBranches(source, target, author)
	if err != nil {
		return nil, nil, err
	}

	if len(conflicts) > 0 {
		desc := fmt.Sprintf("%d overlapping region(s) merging %s into %s", len(conflicts), source, target)
		dec, perr := e.ProposeDecision(docID, DecisionMergeResolution,
			"Resolve merge conflict", desc, author, "", e.now().Add(24*time.Hour),
			map[string]string{"source_branch": source, "target_branch": target})
		if perr != nil {
			return nil, nil, perr
		}
		return nil, dec, ErrMergeConflict
	}

	// The merge landed as a new version; reflect it on the document.
	e.mu.Lock()
	if d, ok := e.docs[docID]; ok && target == version.MainBranch {
		d.Content = merged.Content
		d.Version++
		d.UpdatedAt = e.now()
	}
	e.mu.Unlock()

	return merged, nil, nil
}

// ========== Decisions ==========

// ProposeDecision opens a decision workflow on a document. An empty
// consensus picks the default policy for the decision type.
func (e *Engine) ProposeDecision(docID string, typ DecisionType, title, desc, proposer string,
	consensus ConsensusPolicy, deadline time.Time, payload map[string]string) (*Decision, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.docs[docID]; !ok {
		return nil, ErrDocumentNotFound
	}
	return e.proposeLocked(docID, typ, title, desc, proposer, consensus, deadline, payload), nil
}

func (e *Engine) proposeLocked(docID string, typ DecisionType, title, desc, proposer string,
	consensus ConsensusPolicy, deadline time.Time, payload map[string]string) *Decision {

	if consensus == "" {
		consensus = defaultConsensus(typ)
	}

	d := &Decision{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		Type:        typ,
		Title:       title,
		Description: desc,
		ProposedBy:  proposer,
		Consensus:   consensus,
		Deadline:    deadline,
		Votes:       make(map[string]Vote),
		Status:      DecisionProposed,
		CreatedAt:   e.now(),
		Payload:     payload,
	}
	e.decisions[d.ID] = d
	return d
}

// EscalateConflict opens a moderator decision for a session conflict
// that automatic resolution could not settle. The decision is not tied
// to a document; only a moderator ballot may settle it.
func (e *Engine) EscalateConflict(sessionID, caseID, reason string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.proposeLocked("", DecisionConflictEscalation,
		"Resolve session conflict", reason, "",
		ConsensusModerator, e.now().Add(24*time.Hour),
		map[string]string{"session_id": sessionID, "case_id": caseID})
	return d.ID, nil
}

// Decision returns a decision by id.
func (e *Engine) Decision(id string) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.decisions[id]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return d, nil
}

// PendingDecisions lists unsettled decisions.
func (e *Engine) PendingDecisions() []*Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Decision
	for _, d := range e.decisions {
		if !d.Settled() {
			out = append(out, d)
		}
	}
	return out
}

// CastVote records a ballot. Duplicate ballots fail with
// ErrAlreadyVoted; ballots arriving after the decision settled are
// ignored. The status transition fires the execution hook exactly
// once.
func (e *Engine) CastVote(decisionID, participant string, approve bool) (*Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dec, ok := e.decisions[decisionID]
	if !ok {
		return nil, ErrDecisionNotFound
	}

	if _, voted := dec.Votes[participant]; voted {
		return nil, ErrAlreadyVoted
	}

	if dec.Settled() {
		// Late but not duplicate: ignored post-resolution.
		return dec, nil
	}

	var doc *Document
	weight := e.cfg.DefaultVoteWeight
	if dec.DocumentID != "" {
		var ok bool
		doc, ok = e.docs[dec.DocumentID]
		if !ok {
			return nil, ErrDocumentNotFound
		}
		if _, eligible := doc.Collaborators[participant]; !eligible && participant != doc.CreatedBy {
			return nil, ErrInsufficientPermissions
		}
		if participant == doc.CreatedBy {
			weight = e.cfg.OwnerVoteWeight
		}
	} else if !e.moderators[participant] {
		// Session-scoped decisions take moderator ballots only.
		return nil, ErrInsufficientPermissions
	}

	dec.Votes[participant] = Vote{
		ParticipantID: participant,
		Approve:       approve,
		Weight:        weight,
		CastAt:        e.now(),
	}
	e.stats.VotesCast++

	total := len(e.moderators) * e.cfg.DefaultVoteWeight
	if doc != nil {
		total = e.totalWeightLocked(doc)
	}

	next := evaluate(dec, total, e.moderators, e.cfg, e.now())
	if next != dec.Status {
		dec.Status = next
		switch next {
		case DecisionApproved:
			e.stats.DecisionsApproved++
			if doc != nil {
				if err := e.executeDecisionLocked(dec, doc); err != nil {
					return dec, err
				}
			}
		case DecisionRejected:
			e.stats.DecisionsRejected++
		}
	}
	return dec, nil
}

// Stats returns a snapshot of the cumulative engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// ActiveLocks counts unexpired editing locks.
func (e *Engine) ActiveLocks() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	held := 0
	for _, l := range e.locks {
		if !l.Expired(now) {
			held++
		}
	}
	return held
}

// ExpireDecisions transitions decisions past their deadline.
func (e *Engine) ExpireDecisions(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	expired := 0
	for _, d := range e.decisions {
		if !d.Settled() && !d.Deadline.IsZero() && now.After(d.Deadline) {
			d.Status = DecisionExpired
			e.stats.DecisionsExpired++
			expired++
		}
	}
	return expired
}

// totalWeightLocked sums the vote weight of every eligible voter.
func (e *Engine) totalWeightLocked(doc *Document) int {
	total := 0
	counted := make(map[string]bool)
	for id := range doc.Collaborators {
		counted[id] = true
		if id == doc.CreatedBy {
			total += e.cfg.OwnerVoteWeight
		} else {
			total += e.cfg.DefaultVoteWeight
		}
	}
	if !counted[doc.CreatedBy] {
		total += e.cfg.OwnerVoteWeight
	}
	return total
}

// executeDecisionLocked runs the per-type side effect of an approved
// decision.
func (e *Engine) executeDecisionLocked(dec *Decision, doc *Document) error {
	switch dec.Type {
	case DecisionContentChange:
		if content, ok := dec.Payload["content"]; ok {
			doc.Content = content
			doc.Version++
			doc.UpdatedAt = e.now()
			if _, err := e.history[doc.ID].Commit(content, dec.ProposedBy, "approved content change"); err != nil {
				return err
			}
		}

	case DecisionStructuralChange:
		if title, ok := dec.Payload["title"]; ok {
			doc.Title = title
		}
		if format, ok := dec.Payload["format"]; ok {
			doc.Format = format
		}
		if status, ok := dec.Payload["status"]; ok {
			doc.Status = LifecycleStatus(status)
		}
		doc.UpdatedAt = e.now()

	case DecisionAccessChange:
		if level, ok := dec.Payload["access_level"]; ok {
			doc.AccessLevel = AccessLevel(level)
		}
		doc.UpdatedAt = e.now()

	case DecisionRollback:
		target, ok := dec.Payload["version_id"]
		if !ok {
			return ErrVersionNotFound
		}
		v, err := e.history[doc.ID].Get(target)
		if err != nil {
			return err
		}
		doc.Content = v.Content
		doc.Version++
		doc.UpdatedAt = e.now()
		if _, err := e.history[doc.ID].Commit(v.Content, dec.ProposedBy, "rollback"); err != nil {
			return err
		}

	case DecisionEditReconciliation:
		op := reconcileOperation(dec, doc.Content, doc.Version)
		content, err := ot.Apply(doc.Content, op)
		if err != nil {
			return err
		}
		doc.Content = content
		doc.Version++
		doc.UpdatedAt = e.now()
		if _, err := e.history[doc.ID].Commit(content, dec.Payload["author"], "edit reconciliation"); err != nil {
			return err
		}

	case DecisionMergeResolution:
		// The approved side wins: recommit its branch head content.
		branch := dec.Payload["source_branch"]
		if keep, ok := dec.Payload["keep"]; ok && keep == "target" {
			branch = dec.Payload["target_branch"]
		}
		head, err := e.history[doc.ID].BranchHead(branch)
		if err != nil {
			return err
		}
		doc.Content = head.Content
		doc.Version++
		doc.UpdatedAt = e.now()
		if _, err := e.history[doc.ID].Commit(head.Content, dec.ProposedBy, "merge resolution"); err != nil {
			return err
		}
	}

	if e.persist != nil {
		return e.persist.StoreDocument(doc)
	}
	return nil
}

// reconcileOperation rebuilds a divergent operation against the
// current content, clamping its range to what exists.
func reconcileOperation(dec *Decision, content string, baseVersion int) ot.Operation {
	pos, _ := strconv.Atoi(dec.Payload["position"])
	length, _ := strconv.Atoi(dec.Payload["length"])
	if pos > len(content) {
		pos = len(content)
	}
	if pos+length > len(content) {
		length = len(content) - pos
	}

	author := dec.Payload["author"]
	switch ot.Kind(dec.Payload["kind"]) {
	case ot.KindDelete:
		return ot.NewDelete(pos, length, author, baseVersion)
	case ot.KindReplace:
		return ot.NewReplace(pos, length, dec.Payload["text"], author, baseVersion)
	default:
		return ot.NewInsert(pos, dec.Payload["text"], author, baseVersion)
	}
}
