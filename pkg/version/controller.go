// ABOUTME: Version controller managing a per-document version DAG
// ABOUTME: Commits, branches, ancestry walks, and three-way merges

package version

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/collabsync/pkg/ot"
)

// Controller owns the version history of a single document. All
// mutation goes through the controller; the parent chain of every
// version is acyclic and terminates at version number 1.
type Controller struct {
	docID string

	mu       sync.RWMutex
	versions map[string]*Version
	byNumber map[int]string
	branches map[string]*Branch
	merges   []MergeRecord
	next     int

	persist Persister
}

// NewController creates an empty version controller for docID.
// persist may be nil for in-memory history.
func NewController(docID string, persist Persister) *Controller {
	return &Controller{
		docID:    docID,
		versions: make(map[string]*Version),
		byNumber: make(map[int]string),
		branches: make(map[string]*Branch),
		next:     1,
		persist:  persist,
	}
}

// Commit appends a new version to the main branch.
func (c *Controller) Commit(content, author, message string) (*Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitToBranchLocked(MainBranch, content, author, message)
}

// CommitToBranch appends a new version to the named branch.
func (c *Controller) CommitToBranch(name, content, author, message string) (*Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name != MainBranch {
		if _, ok := c.branches[name]; !ok {
			return nil, ErrBranchNotFound
		}
	}
	return c.commitToBranchLocked(name, content, author, message)
}

func (c *Controller) commitToBranchLocked(name, content, author, message string) (*Version, error) {
	parentID := ""
	if b, ok := c.branches[name]; ok {
		parentID = b.HeadVersionID
	}

	v := &Version{
		ID:        uuid.NewString(),
		Number:    c.next,
		Content:   content,
		Author:    author,
		Timestamp: time.Now(),
		Checksum:  checksum(content),
		ParentID:  parentID,
		Message:   message,
	}
	c.next++

	c.versions[v.ID] = v
	c.byNumber[v.Number] = v.ID

	b, ok := c.branches[name]
	if !ok {
		// First commit creates the trunk pointer.
		b = &Branch{
			Name:          name,
			BaseVersionID: v.ID,
			CreatedBy:     author,
			CreatedAt:     v.Timestamp,
		}
		c.branches[name] = b
	}
	b.HeadVersionID = v.ID

	if c.persist != nil {
		if err := c.persist.StoreVersion(c.docID, v); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// Get returns a version by id.
func (c *Controller) Get(versionID string) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.versions[versionID]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return v, nil
}

// GetByNumber returns a version by its sequence number.
func (c *Controller) GetByNumber(n int) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byNumber[n]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return c.versions[id], nil
}

// Latest returns the head of the main branch.
func (c *Controller) Latest() (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.branches[MainBranch]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return c.versions[b.HeadVersionID], nil
}

// History walks the parent chain from versionID back to the root,
// newest first. A repeated or missing parent reports ErrBrokenChain.
func (c *Controller) History(versionID string) ([]*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chain []*Version
	seen := make(map[string]bool)

	id := versionID
	for id != "" {
		if seen[id] {
			return nil, ErrBrokenChain
		}
		seen[id] = true

		v, ok := c.versions[id]
		if !ok {
			return nil, ErrBrokenChain
		}
		chain = append(chain, v)
		id = v.ParentID
	}

	if len(chain) == 0 {
		return nil, ErrVersionNotFound
	}
	return chain, nil
}

// CreateBranch records a new branch pointer at fromVersionID.
func (c *Controller) CreateBranch(name, fromVersionID, author string) (*Branch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.branches[name]; ok {
		return nil, ErrBranchExists
	}
	if _, ok := c.versions[fromVersionID]; !ok {
		return nil, ErrVersionNotFound
	}

	b := &Branch{
		Name:          name,
		BaseVersionID: fromVersionID,
		HeadVersionID: fromVersionID,
		CreatedBy:     author,
		CreatedAt:     time.Now(),
	}
	c.branches[name] = b
	return b, nil
}

// BranchHead returns the last-commit pointer of the named branch.
func (c *Controller) BranchHead(name string) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.branches[name]
	if !ok {
		return nil, ErrBranchNotFound
	}
	return c.versions[b.HeadVersionID], nil
}

// Branches lists all branch pointers.
func (c *Controller) Branches() []*Branch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Branch, 0, len(c.branches))
	for _, b := range c.branches {
		out = append(out, b)
	}
	return out
}

// MergeRecords lists completed merges, oldest first.
func (c *Controller) MergeRecords() []MergeRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MergeRecord, len(c.merges))
	copy(out, c.merges)
	return out
}

// LowestCommonAncestor finds the nearest version reachable from both
// ids by following parent pointers.
func (c *Controller) LowestCommonAncestor(aID, bID string) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lcaLocked(aID, bID)
}

func (c *Controller) lcaLocked(aID, bID string) (*Version, error) {
	ancestors := make(map[string]bool)
	for id := aID; id != ""; {
		v, ok := c.versions[id]
		if !ok {
			return nil, ErrBrokenChain
		}
		ancestors[id] = true
		id = v.ParentID
	}

	for id := bID; id != ""; {
		v, ok := c.versions[id]
		if !ok {
			return nil, ErrBrokenChain
		}
		if ancestors[id] {
			return v, nil
		}
		id = v.ParentID
	}

	return nil, ErrNoCommonAncestor
}

// MergeBranches three-way merges source into target. Disjoint edits
// produce a new version on target and a merge record; overlapping
// edits return the conflict list instead, leaving both branches
// untouched so a resolution decision can be proposed.
func (c *Controller) MergeBranches(source, target, author string) (*Version, []ot.MergeConflict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.branches[source]
	if !ok {
		return nil, nil, ErrBranchNotFound
	}
	dst, ok := c.branches[target]
	if !ok {
		return nil, nil, ErrBranchNotFound
	}

	base, err := c.lcaLocked(src.HeadVersionID, dst.HeadVersionID)
	if err != nil {
		return nil, nil, err
	}

	srcHead := c.versions[src.HeadVersionID]
	dstHead := c.versions[dst.HeadVersionID]

	res := ot.Merge3(base.Content, dstHead.Content, srcHead.Content)
	if len(res.Conflicts) > 0 {
		return nil, res.Conflicts, nil
	}

	merged, err := c.commitToBranchLocked(target, res.Content, author,
		"merge "+source+" into "+target)
	if err != nil {
		return nil, nil, err
	}

	c.merges = append(c.merges, MergeRecord{
		SourceBranch:    source,
		TargetBranch:    target,
		BaseVersionID:   base.ID,
		ResultVersionID: merged.ID,
		ConflictCount:   0,
		MergedAt:        merged.Timestamp,
		MergedBy:        author,
	})

	return merged, nil, nil
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
