// Package store persists documents and versions. The interfaces match
// the persister hooks of the collaboration engine and the version
// controller; the bolt implementation is the production backend.
package store

import (
	"errors"

	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/version"
)

var (
	// ErrNotFound indicates a missing key
	ErrNotFound = errors.New("store: not found")
)

// DocumentStore persists and loads documents.
type DocumentStore interface {
	StoreDocument(d *collab.Document) error
	LoadDocument(id string) (*collab.Document, error)
	ListDocuments() ([]*collab.Document, error)
	DeleteDocument(id string) error
}

// VersionStore persists and loads document versions.
type VersionStore interface {
	StoreVersion(docID string, v *version.Version) error
	LoadVersion(docID, versionID string) (*version.Version, error)
	ListVersions(docID string) ([]*version.Version, error)
}
