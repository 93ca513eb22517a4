// ABOUTME: bbolt-backed persistence for documents and versions
// ABOUTME: One bucket per entity kind, JSON values, nested per-doc buckets

package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/version"
)

var (
	bucketDocuments = []byte("documents")
	bucketVersions  = []byte("versions")
)

// BoltStore implements DocumentStore and VersionStore over a single
// bbolt file. Versions nest in per-document sub-buckets.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the store file.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketVersions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// StoreDocument writes a document snapshot.
func (s *BoltStore) StoreDocument(d *collab.Document) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(d.ID), data)
	})
}

// LoadDocument reads a document by id.
func (s *BoltStore) LoadDocument(id string) (*collab.Document, error) {
	var d collab.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments reads all stored documents.
func (s *BoltStore) ListDocuments() ([]*collab.Document, error) {
	var docs []*collab.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, data []byte) error {
			var d collab.Document
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
			docs = append(docs, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteDocument removes a document and its versions.
func (s *BoltStore) DeleteDocument(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDocuments).Delete([]byte(id)); err != nil {
			return err
		}
		versions := tx.Bucket(bucketVersions)
		if versions.Bucket([]byte(id)) != nil {
			return versions.DeleteBucket([]byte(id))
		}
		return nil
	})
}

// StoreVersion writes one version under the document's sub-bucket.
func (s *BoltStore) StoreVersion(docID string, v *version.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketVersions).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		return b.Put([]byte(v.ID), data)
	})
}

// LoadVersion reads one version.
func (s *BoltStore) LoadVersion(docID, versionID string) (*version.Version, error) {
	var v version.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions).Bucket([]byte(docID))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(versionID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions reads all versions of a document.
func (s *BoltStore) ListVersions(docID string) ([]*version.Version, error) {
	var out []*version.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			var v version.Version
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, &v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
