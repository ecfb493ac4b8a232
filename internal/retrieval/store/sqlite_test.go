package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sailor-labs/sailor/internal/retrieval"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(doc string, seq int) retrieval.Chunk {
	return retrieval.Chunk{
		ID:         retrieval.ChunkID{DocumentID: doc, SeqIndex: seq},
		Text:       fmt.Sprintf("%s chunk %d", doc, seq),
		TokenCount: 12,
		PageNumber: seq + 1,
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "chunks.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Expected open to create parent directories, got: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Expected path %s, got %s", path, s.Path())
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	want := testChunk("course-a", 3)
	if err := s.PutChunks(ctx, []retrieval.Chunk{want}); err != nil {
		t.Fatalf("Failed to put chunk: %v", err)
	}

	got, err := s.GetChunk(ctx, want.ID)
	if err != nil {
		t.Fatalf("Failed to get chunk: %v", err)
	}

	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestGetChunkNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetChunk(ctx, retrieval.ChunkID{DocumentID: "missing", SeqIndex: 0})
	if !errors.Is(err, retrieval.ErrChunkNotFound) {
		t.Fatalf("Expected ErrChunkNotFound, got: %v", err)
	}
}

func TestPutChunksReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id := retrieval.ChunkID{DocumentID: "course-a", SeqIndex: 0}
	first := retrieval.Chunk{ID: id, Text: "original text", TokenCount: 2}
	if err := s.PutChunks(ctx, []retrieval.Chunk{first}); err != nil {
		t.Fatalf("Failed to put chunk: %v", err)
	}

	updated := retrieval.Chunk{ID: id, Text: "revised text", TokenCount: 2}
	if err := s.PutChunks(ctx, []retrieval.Chunk{updated}); err != nil {
		t.Fatalf("Failed to replace chunk: %v", err)
	}

	got, err := s.GetChunk(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get chunk: %v", err)
	}
	if got.Text != "revised text" {
		t.Errorf("Expected replaced text, got %q", got.Text)
	}

	n, err := s.CountChunks(ctx, "course-a")
	if err != nil {
		t.Fatalf("Failed to count chunks: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 chunk after replace, got %d", n)
	}
}

func TestPutChunksEmptyIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.PutChunks(ctx, nil); err != nil {
		t.Fatalf("Expected no-op for empty input, got: %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	chunks := []retrieval.Chunk{
		testChunk("course-a", 0),
		testChunk("course-a", 1),
		testChunk("course-b", 0),
	}
	if err := s.PutChunks(ctx, chunks); err != nil {
		t.Fatalf("Failed to put chunks: %v", err)
	}

	if err := s.DeleteDocument(ctx, "course-a"); err != nil {
		t.Fatalf("Failed to delete document: %v", err)
	}

	n, err := s.CountChunks(ctx, "course-a")
	if err != nil {
		t.Fatalf("Failed to count chunks: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 chunks after delete, got %d", n)
	}

	// Other documents are untouched.
	if _, err := s.GetChunk(ctx, retrieval.ChunkID{DocumentID: "course-b", SeqIndex: 0}); err != nil {
		t.Errorf("Expected course-b chunk to survive, got: %v", err)
	}
}

func TestCountChunks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.CountChunks(ctx, "course-a")
	if err != nil {
		t.Fatalf("Failed to count chunks: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 chunks in empty store, got %d", n)
	}

	chunks := make([]retrieval.Chunk, 5)
	for i := range chunks {
		chunks[i] = testChunk("course-a", i)
	}
	if err := s.PutChunks(ctx, chunks); err != nil {
		t.Fatalf("Failed to put chunks: %v", err)
	}

	n, err = s.CountChunks(ctx, "course-a")
	if err != nil {
		t.Fatalf("Failed to count chunks: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 chunks, got %d", n)
	}
}
