package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/DataBiosphere/azul-sub001/internal/metadata"
	indexerr "github.com/DataBiosphere/azul-sub001/pkg/errors"
	"github.com/DataBiosphere/azul-sub001/pkg/postgres"
	"github.com/DataBiosphere/azul-sub001/pkg/resilience"
)

// Postgres implements Store on a single documents table with a bigint
// version column for optimistic concurrency:
//
//	CREATE TABLE IF NOT EXISTS documents (
//	    index_name  TEXT NOT NULL,
//	    document_id TEXT NOT NULL,
//	    entity_id   TEXT NOT NULL,
//	    version     BIGINT NOT NULL,
//	    body        JSONB NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (index_name, document_id)
//	);
//	CREATE TABLE IF NOT EXISTS indices (name TEXT PRIMARY KEY);
//	CREATE INDEX IF NOT EXISTS documents_entity
//	    ON documents (index_name, entity_id);
type Postgres struct {
	db      *postgres.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewPostgres creates the adapter and ensures the schema exists.
func NewPostgres(ctx context.Context, db *postgres.Client) (*Postgres, error) {
	p := &Postgres{
		db:      db,
		breaker: resilience.NewCircuitBreaker("document-store", resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "postgres-store"),
	}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			index_name  TEXT NOT NULL,
			document_id TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			version     BIGINT NOT NULL,
			body        JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (index_name, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS indices (name TEXT PRIMARY KEY)`,
		`CREATE INDEX IF NOT EXISTS documents_entity ON documents (index_name, entity_id)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring document store schema: %w", err)
		}
	}
	return nil
}

// Write applies each op independently. Every op gets its own statement so
// that conflicts and errors are attributable per document; the bulk batching
// above this layer lives in the index writer.
func (p *Postgres) Write(ctx context.Context, ops []Op) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	err := p.breaker.Execute(func() error {
		for _, op := range ops {
			results = append(results, p.applyOp(ctx, op))
		}
		for _, r := range results {
			if r.Outcome == Failed {
				// A failed item trips the breaker; conflicts do not,
				// they are routine.
				return r.Err
			}
		}
		return nil
	})
	if err != nil && len(results) == 0 {
		return nil, indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
			"document store write rejected: %v", err)
	}
	return results, nil
}

func (p *Postgres) applyOp(ctx context.Context, op Op) Result {
	res := Result{Coordinates: op.Coordinates}
	var (
		tag sql.Result
		err error
	)
	switch op.Kind {
	case metadata.CreateOnly:
		tag, err = p.db.DB.ExecContext(ctx,
			`INSERT INTO documents (index_name, document_id, entity_id, version, body)
			 VALUES ($1, $2, $3, 1, $4)
			 ON CONFLICT (index_name, document_id) DO NOTHING`,
			op.Coordinates.Index, op.Coordinates.DocumentID, op.EntityID, op.Body,
		)
	case metadata.Overwrite:
		tag, err = p.db.DB.ExecContext(ctx,
			`INSERT INTO documents (index_name, document_id, entity_id, version, body)
			 VALUES ($1, $2, $3, 1, $4)
			 ON CONFLICT (index_name, document_id) DO UPDATE
			 SET body = EXCLUDED.body,
			     entity_id = EXCLUDED.entity_id,
			     version = documents.version + 1,
			     updated_at = NOW()`,
			op.Coordinates.Index, op.Coordinates.DocumentID, op.EntityID, op.Body,
		)
	case metadata.CheckVersion:
		tag, err = p.db.DB.ExecContext(ctx,
			`UPDATE documents
			 SET body = $4, version = version + 1, updated_at = NOW()
			 WHERE index_name = $1 AND document_id = $2 AND version = $3`,
			op.Coordinates.Index, op.Coordinates.DocumentID, op.ExpectedVersion, op.Body,
		)
	}
	if err != nil {
		res.Outcome = Failed
		res.Err = indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
			"writing %s: %v", op.Coordinates, err)
		return res
	}
	rows, err := tag.RowsAffected()
	if err != nil {
		res.Outcome = Failed
		res.Err = fmt.Errorf("reading rows affected for %s: %w", op.Coordinates, err)
		return res
	}
	if rows == 0 {
		res.Outcome = Conflict
		return res
	}
	res.Outcome = OK
	return res
}

// MultiGet fetches documents by exact coordinates. Missing documents are
// absent from the result.
func (p *Postgres) MultiGet(ctx context.Context, coords []metadata.DocumentCoordinates) ([]Doc, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	indices := make([]string, len(coords))
	ids := make([]string, len(coords))
	for i, c := range coords {
		indices[i] = c.Index
		ids[i] = c.DocumentID
	}
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT d.index_name, d.document_id, d.entity_id, d.version, d.body
		 FROM documents d
		 JOIN unnest($1::text[], $2::text[]) AS want(index_name, document_id)
		   ON d.index_name = want.index_name AND d.document_id = want.document_id`,
		pq.Array(indices), pq.Array(ids),
	)
	if err != nil {
		return nil, indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
			"multi-get of %d documents: %v", len(coords), err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

// Search returns all documents whose index is in q.Indices and whose entity
// id is in q.EntityIDs. The direct strategy pages with LIMIT/OFFSET in one
// ordered query; the scroll strategy uses a keyset cursor. Both return the
// same logical set.
func (p *Postgres) Search(ctx context.Context, q Query) ([]Doc, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	if q.Scroll {
		return p.searchScroll(ctx, q, pageSize)
	}
	return p.searchDirect(ctx, q, pageSize)
}

func (p *Postgres) searchDirect(ctx context.Context, q Query, pageSize int) ([]Doc, error) {
	var docs []Doc
	for offset := 0; ; offset += pageSize {
		rows, err := p.db.DB.QueryContext(ctx,
			`SELECT index_name, document_id, entity_id, version, body
			 FROM documents
			 WHERE index_name = ANY($1) AND entity_id = ANY($2)
			 ORDER BY index_name, document_id
			 LIMIT $3 OFFSET $4`,
			pq.Array(q.Indices), pq.Array(q.EntityIDs), pageSize, offset,
		)
		if err != nil {
			return nil, indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
				"direct search: %v", err)
		}
		page, err := scanDocs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		docs = append(docs, page...)
		if len(page) < pageSize {
			return docs, nil
		}
	}
}

func (p *Postgres) searchScroll(ctx context.Context, q Query, pageSize int) ([]Doc, error) {
	var docs []Doc
	lastIndex, lastID := "", ""
	for {
		rows, err := p.db.DB.QueryContext(ctx,
			`SELECT index_name, document_id, entity_id, version, body
			 FROM documents
			 WHERE index_name = ANY($1) AND entity_id = ANY($2)
			   AND (index_name, document_id) > ($3, $4)
			 ORDER BY index_name, document_id
			 LIMIT $5`,
			pq.Array(q.Indices), pq.Array(q.EntityIDs), lastIndex, lastID, pageSize,
		)
		if err != nil {
			return nil, indexerr.Newf(indexerr.ErrStoreUnavailable, indexerr.Transient,
				"scroll search: %v", err)
		}
		page, err := scanDocs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		docs = append(docs, page...)
		if len(page) < pageSize {
			return docs, nil
		}
		last := page[len(page)-1].Coordinates
		lastIndex, lastID = last.Index, last.DocumentID
	}
}

func scanDocs(rows *sql.Rows) ([]Doc, error) {
	var docs []Doc
	for rows.Next() {
		var doc Doc
		if err := rows.Scan(&doc.Coordinates.Index, &doc.Coordinates.DocumentID,
			&doc.EntityID, &doc.Version, &doc.Body); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateIndex registers the index name. Idempotent.
func (p *Postgres) CreateIndex(ctx context.Context, name string) error {
	_, err := p.db.DB.ExecContext(ctx,
		`INSERT INTO indices (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", name, err)
	}
	p.logger.Info("index created", "index", name)
	return nil
}

// DeleteIndex drops the index registration and all its documents in one
// transaction. Idempotent.
func (p *Postgres) DeleteIndex(ctx context.Context, name string) error {
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE index_name = $1`, name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM indices WHERE name = $1`, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting index %s: %w", name, err)
	}
	p.logger.Info("index deleted", "index", name)
	return nil
}
