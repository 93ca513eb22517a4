// ABOUTME: Version management data model
// ABOUTME: Version DAG nodes, named branches, and merge records

package version

import "time"

// MainBranch is the implicit trunk every document starts with.
const MainBranch = "main"

// Version is a single committed snapshot of a document.
type Version struct {
	ID        string            `json:"id"`
	Number    int               `json:"number"`    // 1-based, strictly increasing per document
	Content   string            `json:"content"`   // full content snapshot
	Author    string            `json:"author"`    // participant that committed
	Timestamp time.Time         `json:"timestamp"`
	Checksum  string            `json:"checksum"`  // sha256 of content
	ParentID  string            `json:"parent_id"` // empty only for version number 1
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Branch is a named pointer into the version DAG.
type Branch struct {
	Name          string    `json:"name"`
	BaseVersionID string    `json:"base_version_id"` // version the branch forked from
	HeadVersionID string    `json:"head_version_id"` // moving last-commit pointer
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// MergeRecord captures one completed branch merge.
type MergeRecord struct {
	SourceBranch    string    `json:"source_branch"`
	TargetBranch    string    `json:"target_branch"`
	BaseVersionID   string    `json:"base_version_id"` // lowest common ancestor used
	ResultVersionID string    `json:"result_version_id"`
	ConflictCount   int       `json:"conflict_count"`
	MergedAt        time.Time `json:"merged_at"`
	MergedBy        string    `json:"merged_by"`
}

// Persister is the optional storage collaborator committed versions are
// written through. A nil Persister keeps the DAG in memory only.
type Persister interface {
	StoreVersion(docID string, v *Version) error
}
