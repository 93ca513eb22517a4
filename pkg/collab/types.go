// ABOUTME: Shared document data model for the collaboration engine
// ABOUTME: Documents, collaborator permissions, changes, editing locks

package collab

import (
	"time"

	"github.com/nainya/collabsync/pkg/ot"
)

// Permission is a single granted capability on a document.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionShare  Permission = "share"
	PermissionManage Permission = "manage"
)

// AccessLevel controls who may join a document.
type AccessLevel string

const (
	AccessPrivate AccessLevel = "private"
	AccessShared  AccessLevel = "shared"
	AccessPublic  AccessLevel = "public"
)

// LifecycleStatus tracks a document through its workflow.
type LifecycleStatus string

const (
	StatusDraft     LifecycleStatus = "draft"
	StatusReview    LifecycleStatus = "review"
	StatusApproved  LifecycleStatus = "approved"
	StatusPublished LifecycleStatus = "published"
	StatusArchived  LifecycleStatus = "archived"
)

// Document is a collaboratively edited document. Content mutates only
// through accepted operations; Version increments by exactly one per
// accepted operation.
type Document struct {
	ID            string                  `json:"id"`
	Title         string                  `json:"title"`
	Content       string                  `json:"content"`
	Format        string                  `json:"format"`
	CreatedBy     string                  `json:"created_by"`
	Version       int                     `json:"version"`
	Collaborators map[string][]Permission `json:"collaborators"`
	AccessLevel   AccessLevel             `json:"access_level"`
	Status        LifecycleStatus         `json:"status"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	Changes       []Change                `json:"changes"`
}

// Change records one accepted operation against a document.
type Change struct {
	OperationID string    `json:"operation_id"`
	Kind        ot.Kind   `json:"kind"`
	Author      string    `json:"author"`
	Timestamp   time.Time `json:"timestamp"`
	Version     int       `json:"version"` // document version after the change
}

// Lock is an exclusive editing lock. At most one unexpired lock exists
// per document.
type Lock struct {
	DocumentID string    `json:"document_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its TTL as of now.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// HasPermission reports whether participant holds the permission on
// the document. The creator implicitly holds every permission; manage
// implies the rest.
func (d *Document) HasPermission(participantID string, p Permission) bool {
	if participantID == d.CreatedBy {
		return true
	}
	for _, granted := range d.Collaborators[participantID] {
		if granted == p || granted == PermissionManage {
			return true
		}
	}
	return false
}
