// Package store provides a SQLite-backed chunk store for local setups
// where document text lives next to the index instead of inside Milvus.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sailor-labs/sailor/internal/retrieval"
)

// SQLiteStore implements retrieval.ChunkStore on a local SQLite database.
// Chunks are keyed on (document_id, chunk_index), matching the chunk
// identity used by the vector index.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// Open opens (or creates) the chunk database at the given path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		conn: conn,
		path: path,
	}

	if err := s.setupTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to setup database tables: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) setupTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			page_number INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (document_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	return nil
}

// PutChunks writes chunks, replacing any existing rows with the same
// identity. Used by the ingestion glue to mirror chunk text locally.
func (s *SQLiteStore) PutChunks(ctx context.Context, chunks []retrieval.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", retrieval.ErrChunkStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunks
		(document_id, chunk_index, text, token_count, page_number)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, chunk.ID.DocumentID, chunk.ID.SeqIndex, chunk.Text, chunk.TokenCount, chunk.PageNumber); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", retrieval.ErrChunkStoreUnavailable, err)
	}

	return nil
}

// GetChunk returns the chunk at the given identity.
func (s *SQLiteStore) GetChunk(ctx context.Context, id retrieval.ChunkID) (retrieval.Chunk, error) {
	chunk := retrieval.Chunk{ID: id}

	err := s.conn.QueryRowContext(ctx,
		`SELECT text, token_count, page_number FROM chunks WHERE document_id = ? AND chunk_index = ?`,
		id.DocumentID, id.SeqIndex,
	).Scan(&chunk.Text, &chunk.TokenCount, &chunk.PageNumber)

	if errors.Is(err, sql.ErrNoRows) {
		return retrieval.Chunk{}, fmt.Errorf("%w: %s", retrieval.ErrChunkNotFound, id.Key())
	}
	if err != nil {
		return retrieval.Chunk{}, fmt.Errorf("%w: %v", retrieval.ErrChunkStoreUnavailable, err)
	}

	return chunk, nil
}

// DeleteDocument removes every chunk belonging to a document.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("%w: %v", retrieval.ErrChunkStoreUnavailable, err)
	}
	return nil
}

// CountChunks reports how many chunks a document holds.
func (s *SQLiteStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", retrieval.ErrChunkStoreUnavailable, err)
	}
	return n, nil
}
