// Package lexical implements the lexical leg of the retrieval federator:
// a SQLite FTS5 full-text index over the tenant document corpus. Grounded
// on internal/memory.Store's FTS5 virtual table + trigger pattern, repurposed
// from agent memory entries to tenant documents.
package lexical

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS retrieval_documents (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    document_type TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_retrieval_documents_tenant_source
    ON retrieval_documents(tenant_id, source_id);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS retrieval_documents_fts USING fts5(
    title, content,
    content=retrieval_documents,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS retrieval_documents_ai AFTER INSERT ON retrieval_documents BEGIN
    INSERT INTO retrieval_documents_fts(rowid, title, content)
    VALUES (new.rowid, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS retrieval_documents_ad AFTER DELETE ON retrieval_documents BEGIN
    INSERT INTO retrieval_documents_fts(retrieval_documents_fts, rowid, title, content)
    VALUES ('delete', old.rowid, old.title, old.content);
END;

CREATE TRIGGER IF NOT EXISTS retrieval_documents_au AFTER UPDATE ON retrieval_documents BEGIN
    INSERT INTO retrieval_documents_fts(retrieval_documents_fts, rowid, title, content)
    VALUES ('delete', old.rowid, old.title, old.content);
    INSERT INTO retrieval_documents_fts(rowid, title, content)
    VALUES (new.rowid, new.title, new.content);
END;
`

// Hit is one lexical search result, ranked by SQLite's FTS5 bm25-derived rank.
type Hit struct {
	SourceID string
	Rank     float64 // raw FTS5 rank; more negative is a better match
}

// Store is the lexical retrieval leg, backed by SQLite FTS5. If the linked
// SQLite build lacks FTS5, searches degrade to a LIKE scan rather than
// failing the leg outright — a missing FTS5 extension is a build-time
// concern, not a reason to drop an entire retrieval leg at query time.
type Store struct {
	db      *sql.DB
	hasFTS5 bool
}

// NewStore opens (creating if absent) the lexical document index at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("retrieval/lexical: opening database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("retrieval/lexical: creating schema: %w", err)
	}

	hasFTS5 := true
	if _, err := db.ExecContext(context.Background(), ftsSchema); err != nil {
		hasFTS5 = false
	}

	return &Store{db: db, hasFTS5: hasFTS5}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert indexes (or re-indexes) a document for a tenant, keyed by source id.
func (s *Store) Upsert(ctx context.Context, tenantID, sourceID, documentType, title, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrieval_documents (id, tenant_id, source_id, document_type, title, content)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, source_id) DO UPDATE SET
			document_type = excluded.document_type,
			title = excluded.title,
			content = excluded.content`,
		tenantID+":"+sourceID, tenantID, sourceID, documentType, title, content)
	if err != nil {
		return fmt.Errorf("retrieval/lexical: upsert %s/%s: %w", tenantID, sourceID, err)
	}
	return nil
}

// Search returns up to k documents matching query for tenantID, ranked by
// FTS5 relevance (best match first). Falls back to a substring LIKE scan,
// ranked by content length as a crude proxy, when FTS5 is unavailable.
func (s *Store) Search(ctx context.Context, tenantID, query string, k int) ([]Hit, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}

	if s.hasFTS5 {
		return s.searchFTS5(ctx, tenantID, query, k)
	}
	return s.searchLike(ctx, tenantID, query, k)
}

func (s *Store) searchFTS5(ctx context.Context, tenantID, query string, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.source_id, f.rank
		FROM retrieval_documents d
		JOIN retrieval_documents_fts f ON d.rowid = f.rowid
		WHERE f.retrieval_documents_fts MATCH ? AND d.tenant_id = ?
		ORDER BY f.rank
		LIMIT ?`, query, tenantID, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval/lexical: fts5 search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.SourceID, &h.Rank); err != nil {
			return nil, fmt.Errorf("retrieval/lexical: scan fts5 row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Store) searchLike(ctx context.Context, tenantID, query string, k int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, -LENGTH(content) AS pseudo_rank
		FROM retrieval_documents
		WHERE tenant_id = ? AND (content LIKE '%' || ? || '%' OR title LIKE '%' || ? || '%')
		ORDER BY pseudo_rank DESC
		LIMIT ?`, tenantID, query, query, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval/lexical: like search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.SourceID, &h.Rank); err != nil {
			return nil, fmt.Errorf("retrieval/lexical: scan like row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
