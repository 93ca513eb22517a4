// ABOUTME: Document operation data model for collaborative editing
// ABOUTME: Tagged variant over insert/delete/replace/format/comment

package ot

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the operation variant
type Kind string

const (
	// KindInsert inserts Text at Position
	KindInsert Kind = "insert"

	// KindDelete removes Length characters starting at Position
	KindDelete Kind = "delete"

	// KindReplace removes Length characters at Position and inserts Text
	KindReplace Kind = "replace"

	// KindFormat applies Attrs to the range [Position, Position+Length)
	KindFormat Kind = "format"

	// KindComment attaches Text as an annotation at Position
	KindComment Kind = "comment"
)

// Operation is a single edit issued against a document version
type Operation struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Position    int               `json:"position"`
	Text        string            `json:"text,omitempty"`
	Length      int               `json:"length,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Author      string            `json:"author"`
	Timestamp   time.Time         `json:"timestamp"`
	BaseVersion int               `json:"base_version"`
}

// NewInsert creates an insert operation
func NewInsert(pos int, text, author string, baseVersion int) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        KindInsert,
		Position:    pos,
		Text:        text,
		Author:      author,
		Timestamp:   time.Now(),
		BaseVersion: baseVersion,
	}
}

// NewDelete creates a delete operation
func NewDelete(pos, length int, author string, baseVersion int) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        KindDelete,
		Position:    pos,
		Length:      length,
		Author:      author,
		Timestamp:   time.Now(),
		BaseVersion: baseVersion,
	}
}

// NewReplace creates a replace operation
func NewReplace(pos, length int, text, author string, baseVersion int) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        KindReplace,
		Position:    pos,
		Length:      length,
		Text:        text,
		Author:      author,
		Timestamp:   time.Now(),
		BaseVersion: baseVersion,
	}
}

// NewFormat creates a format operation over [pos, pos+length)
func NewFormat(pos, length int, attrs map[string]string, author string, baseVersion int) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        KindFormat,
		Position:    pos,
		Length:      length,
		Attrs:       attrs,
		Author:      author,
		Timestamp:   time.Now(),
		BaseVersion: baseVersion,
	}
}

// NewComment creates a comment annotation at pos
func NewComment(pos int, text, author string, baseVersion int) Operation {
	return Operation{
		ID:          uuid.NewString(),
		Kind:        KindComment,
		Position:    pos,
		Text:        text,
		Author:      author,
		Timestamp:   time.Now(),
		BaseVersion: baseVersion,
	}
}

// InsertedLen returns the number of characters the operation adds
func (op Operation) InsertedLen() int {
	switch op.Kind {
	case KindInsert, KindReplace:
		return len(op.Text)
	}
	return 0
}

// DeletedLen returns the number of characters the operation removes
func (op Operation) DeletedLen() int {
	switch op.Kind {
	case KindDelete, KindReplace:
		return op.Length
	}
	return 0
}

// Mutates reports whether the operation changes document content.
// Format and comment operations annotate without editing text.
func (op Operation) Mutates() bool {
	return op.Kind == KindInsert || op.Kind == KindDelete || op.Kind == KindReplace
}
