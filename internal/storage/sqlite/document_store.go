// Package sqlite persists discovered documents and phase output in a local
// SQLite database so pipeline phases can resume across invocations.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	target_id     INTEGER NOT NULL,
	url           TEXT    NOT NULL,
	title         TEXT    NOT NULL DEFAULT '',
	filename      TEXT    NOT NULL DEFAULT '',
	source_page   TEXT    NOT NULL DEFAULT '',
	discovered_at TEXT    NOT NULL,
	metadata      TEXT    NOT NULL DEFAULT '{}',
	PRIMARY KEY (target_id, url)
);
CREATE TABLE IF NOT EXISTS extractions (
	target_id    INTEGER NOT NULL,
	document_url TEXT    NOT NULL,
	title        TEXT    NOT NULL DEFAULT '',
	content_type TEXT    NOT NULL DEFAULT '',
	content_hash TEXT    NOT NULL DEFAULT '',
	bytes        INTEGER NOT NULL DEFAULT 0,
	pages        INTEGER NOT NULL DEFAULT 0,
	body         TEXT    NOT NULL DEFAULT '',
	extracted_at TEXT    NOT NULL,
	PRIMARY KEY (target_id, document_url)
);
CREATE TABLE IF NOT EXISTS analyses (
	target_id    INTEGER NOT NULL,
	document_url TEXT    NOT NULL,
	score        REAL    NOT NULL,
	relevant     INTEGER NOT NULL,
	matched      TEXT    NOT NULL DEFAULT '[]',
	analyzed_at  TEXT    NOT NULL,
	PRIMARY KEY (target_id, document_url)
);`

// Config selects the database file.
type Config struct {
	Path string `mapstructure:"path"`
}

// DocumentStore implements crawler.DocumentStore on SQLite.
type DocumentStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at cfg.Path in WAL mode and
// applies the schema.
func Open(ctx context.Context, cfg Config) (*DocumentStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

// Close closes the database handle.
func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// SaveDocuments upserts docs in one transaction.
func (s *DocumentStore) SaveDocuments(ctx context.Context, targetID int, docs []crawler.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO documents (target_id, url, title, filename, source_page, discovered_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (target_id, url) DO UPDATE SET
	title = excluded.title,
	filename = excluded.filename,
	source_page = excluded.source_page,
	discovered_at = excluded.discovered_at,
	metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("prepare document upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", d.URL, err)
		}
		if _, err := stmt.ExecContext(ctx, targetID, d.URL, d.Title, d.Filename, d.SourcePage, formatTime(d.DiscoveredAt), string(meta)); err != nil {
			return fmt.Errorf("upsert document %s: %w", d.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit documents: %w", err)
	}
	return nil
}

// Documents returns a target's documents in first-discovery order.
func (s *DocumentStore) Documents(ctx context.Context, targetID int) ([]crawler.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT url, title, filename, source_page, discovered_at, metadata
FROM documents WHERE target_id = ? ORDER BY rowid`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []crawler.Document
	for rows.Next() {
		var (
			d          crawler.Document
			discovered string
			meta       string
		)
		if err := rows.Scan(&d.URL, &d.Title, &d.Filename, &d.SourcePage, &discovered, &meta); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.DiscoveredAt = parseTime(discovered)
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", d.URL, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// SaveExtraction upserts one extraction.
func (s *DocumentStore) SaveExtraction(ctx context.Context, e crawler.Extraction) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO extractions (target_id, document_url, title, content_type, content_hash, bytes, pages, body, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (target_id, document_url) DO UPDATE SET
	title = excluded.title,
	content_type = excluded.content_type,
	content_hash = excluded.content_hash,
	bytes = excluded.bytes,
	pages = excluded.pages,
	body = excluded.body,
	extracted_at = excluded.extracted_at`,
		e.TargetID, e.DocumentURL, e.Title, e.ContentType, e.ContentHash, e.Bytes, e.Pages, e.Text, formatTime(e.ExtractedAt))
	if err != nil {
		return fmt.Errorf("upsert extraction %s: %w", e.DocumentURL, err)
	}
	return nil
}

// Extractions returns a target's extractions in document order.
func (s *DocumentStore) Extractions(ctx context.Context, targetID int) ([]crawler.Extraction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.document_url, e.title, e.content_type, e.content_hash, e.bytes, e.pages, e.body, e.extracted_at
FROM extractions e
LEFT JOIN documents d ON d.target_id = e.target_id AND d.url = e.document_url
WHERE e.target_id = ?
ORDER BY d.rowid, e.document_url`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query extractions: %w", err)
	}
	defer rows.Close()

	var out []crawler.Extraction
	for rows.Next() {
		e := crawler.Extraction{TargetID: targetID}
		var extracted string
		if err := rows.Scan(&e.DocumentURL, &e.Title, &e.ContentType, &e.ContentHash, &e.Bytes, &e.Pages, &e.Text, &extracted); err != nil {
			return nil, fmt.Errorf("scan extraction: %w", err)
		}
		e.ExtractedAt = parseTime(extracted)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extractions: %w", err)
	}
	return out, nil
}

// SaveAnalysis upserts one analysis.
func (s *DocumentStore) SaveAnalysis(ctx context.Context, a crawler.Analysis) error {
	matched, err := json.Marshal(a.Matched)
	if err != nil {
		return fmt.Errorf("marshal matched keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO analyses (target_id, document_url, score, relevant, matched, analyzed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (target_id, document_url) DO UPDATE SET
	score = excluded.score,
	relevant = excluded.relevant,
	matched = excluded.matched,
	analyzed_at = excluded.analyzed_at`,
		a.TargetID, a.DocumentURL, a.Score, a.Relevant, string(matched), formatTime(a.AnalyzedAt))
	if err != nil {
		return fmt.Errorf("upsert analysis %s: %w", a.DocumentURL, err)
	}
	return nil
}

// Analyses returns a target's analyses in document order.
func (s *DocumentStore) Analyses(ctx context.Context, targetID int) ([]crawler.Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT a.document_url, a.score, a.relevant, a.matched, a.analyzed_at
FROM analyses a
LEFT JOIN documents d ON d.target_id = a.target_id AND d.url = a.document_url
WHERE a.target_id = ?
ORDER BY d.rowid, a.document_url`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []crawler.Analysis
	for rows.Next() {
		a := crawler.Analysis{TargetID: targetID}
		var matched, analyzed string
		if err := rows.Scan(&a.DocumentURL, &a.Score, &a.Relevant, &matched, &analyzed); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		if err := json.Unmarshal([]byte(matched), &a.Matched); err != nil {
			return nil, fmt.Errorf("decode matched keywords: %w", err)
		}
		a.AnalyzedAt = parseTime(analyzed)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
