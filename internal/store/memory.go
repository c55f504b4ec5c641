package store

import (
	"context"
	"sort"
	"sync"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
)

// Memory is an in-process Store with the same optimistic-versioning
// semantics as the Postgres adapter. It backs unit tests and the synchronous
// indexing path.
type Memory struct {
	mu      sync.Mutex
	indices map[string]bool
	docs    map[metadata.DocumentCoordinates]Doc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		indices: make(map[string]bool),
		docs:    make(map[metadata.DocumentCoordinates]Doc),
	}
}

// Write applies each op independently under a single lock, producing one
// Result per op in order.
func (m *Memory) Write(ctx context.Context, ops []Op) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		results = append(results, m.apply(op))
	}
	return results, nil
}

func (m *Memory) apply(op Op) Result {
	existing, exists := m.docs[op.Coordinates]
	res := Result{Coordinates: op.Coordinates}
	switch op.Kind {
	case metadata.CreateOnly:
		if exists {
			res.Outcome = Conflict
			return res
		}
		m.put(op, 1)
	case metadata.Overwrite:
		version := int64(1)
		if exists {
			version = existing.Version + 1
		}
		m.put(op, version)
	case metadata.CheckVersion:
		if !exists || existing.Version != op.ExpectedVersion {
			res.Outcome = Conflict
			return res
		}
		m.put(op, existing.Version+1)
	}
	res.Outcome = OK
	return res
}

func (m *Memory) put(op Op, version int64) {
	body := make([]byte, len(op.Body))
	copy(body, op.Body)
	m.docs[op.Coordinates] = Doc{
		Coordinates: op.Coordinates,
		EntityID:    op.EntityID,
		Body:        body,
		Version:     version,
	}
}

// MultiGet returns the documents at the given coordinates. Missing documents
// are simply absent from the result.
func (m *Memory) MultiGet(ctx context.Context, coords []metadata.DocumentCoordinates) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []Doc
	for _, c := range coords {
		if doc, ok := m.docs[c]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Search returns all documents matching the query. The direct and scroll
// strategies are identical here beyond pagination bookkeeping; both return
// the full logical set ordered by coordinates.
func (m *Memory) Search(ctx context.Context, q Query) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	indexSet := make(map[string]bool, len(q.Indices))
	for _, idx := range q.Indices {
		indexSet[idx] = true
	}
	idSet := make(map[string]bool, len(q.EntityIDs))
	for _, id := range q.EntityIDs {
		idSet[id] = true
	}
	var docs []Doc
	for _, doc := range m.docs {
		if indexSet[doc.Coordinates.Index] && idSet[doc.EntityID] {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i].Coordinates, docs[j].Coordinates
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.DocumentID < b.DocumentID
	})
	return docs, nil
}

// CreateIndex registers the index. Idempotent.
func (m *Memory) CreateIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[name] = true
	return nil
}

// DeleteIndex drops the index and every document in it. Idempotent.
func (m *Memory) DeleteIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indices, name)
	for coords := range m.docs {
		if coords.Index == name {
			delete(m.docs, coords)
		}
	}
	return nil
}

// Len reports the number of stored documents, for tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
