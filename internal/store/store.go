// Package store defines the narrow contract the indexing core needs from the
// underlying document store: per-document writes with optimistic version
// preconditions and distinguishable conflicts, bulk writes with per-item
// outcomes, multi-get, and a term query over entity ids that can be answered
// either by direct paged search or a scrolling cursor.
package store

import (
	"context"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// Doc is one stored document together with its version token.
type Doc struct {
	Coordinates metadata.DocumentCoordinates
	// EntityID is the logical entity the document belongs to, indexed for
	// term queries.
	EntityID string
	Body     []byte
	Version  int64
}

// Op is one document write. ExpectedVersion is only consulted for
// metadata.CheckVersion writes.
type Op struct {
	Coordinates     metadata.DocumentCoordinates
	EntityID        string
	Body            []byte
	Kind            metadata.WriteKind
	ExpectedVersion int64
}

// Outcome classifies the per-item result of a write.
type Outcome int

const (
	// OK means the document was committed.
	OK Outcome = iota
	// Conflict means the optimistic precondition failed: a create-only
	// write found an existing document, or a check-version write found a
	// different version token.
	Conflict
	// Failed means the store reported a non-conflict error for this item.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the per-item outcome of a write.
type Result struct {
	Coordinates metadata.DocumentCoordinates
	Outcome     Outcome
	Err         error
}

// Query selects all documents whose index is one of Indices and whose entity
// id is in EntityIDs. Both read strategies must return the identical logical
// document set; Scroll is purely a performance choice for large results.
type Query struct {
	Indices   []string
	EntityIDs []string
	PageSize  int
	Scroll    bool
}

// Store is the document store contract. Write returns a transport-level
// error only when no per-item outcomes could be produced at all; individual
// failures are reported per item.
type Store interface {
	Write(ctx context.Context, ops []Op) ([]Result, error)
	MultiGet(ctx context.Context, coords []metadata.DocumentCoordinates) ([]Doc, error)
	Search(ctx context.Context, q Query) ([]Doc, error)
	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
}
