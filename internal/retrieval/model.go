package retrieval

import (
	"context"
	"fmt"
)

// ChunkID identifies a chunk by its document and sequence position.
// Chunks are immutable once ingested, so the pair is a stable identity.
type ChunkID struct {
	DocumentID string `json:"document_id"`
	SeqIndex   int    `json:"seq_index"`
}

// Key returns the string form used as the vector index primary key.
func (id ChunkID) Key() string {
	return fmt.Sprintf("%s/%d", id.DocumentID, id.SeqIndex)
}

// Less orders chunk identities by document ID, then sequence index.
// Used as the final tie-break so rankings are fully deterministic.
func (id ChunkID) Less(other ChunkID) bool {
	if id.DocumentID != other.DocumentID {
		return id.DocumentID < other.DocumentID
	}
	return id.SeqIndex < other.SeqIndex
}

// Chunk is a contiguous segment of a document's text, the unit of retrieval.
type Chunk struct {
	ID         ChunkID `json:"id"`
	Text       string  `json:"text"`
	TokenCount int     `json:"token_count,omitempty"`
	PageNumber int     `json:"page_number,omitempty"`
}

// SparseVector is a weighted-term vector stored as parallel index/value
// slices, the wire shape used by the sparse embedding service and Milvus.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SearchHit is the result of one index query against one vector space.
type SearchHit struct {
	ID    ChunkID `json:"id"`
	Score float32 `json:"score"`
	Rank  int     `json:"rank"` // 1-based position in the result list
}

// FusedResult is a chunk's combined ranking after reciprocal rank fusion.
// A rank of 0 means the chunk was absent from that list.
type FusedResult struct {
	ID         ChunkID `json:"id"`
	Score      float64 `json:"score"`
	DenseRank  int     `json:"dense_rank"`
	SparseRank int     `json:"sparse_rank"`
}

// ContextSet is the ordered, deduplicated output of the pipeline,
// consumed by the generation layer for prompt assembly.
type ContextSet []Chunk

// ChunkRecord pairs a chunk with its vectors for indexing.
type ChunkRecord struct {
	Chunk
	Dense  []float32    `json:"dense"`
	Sparse SparseVector `json:"sparse"`
}

// DenseEncoder turns text into fixed-length embeddings capturing
// semantic similarity.
type DenseEncoder interface {
	// EncodeDense generates one dense vector per input text, in order.
	EncodeDense(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEncoder turns text into weighted-term vectors capturing
// lexical overlap.
type SparseEncoder interface {
	// EncodeSparse generates one sparse vector per input text, in order.
	EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error)
}

// VectorIndex stores chunk vectors alongside chunk metadata and supports
// nearest-neighbor queries per vector space. Implementations must be safe
// for concurrent reads.
type VectorIndex interface {
	// Upsert inserts records, replacing any existing entry with the
	// same chunk identity. Idempotent.
	Upsert(ctx context.Context, records []ChunkRecord) error

	// SearchDense returns at most topK hits by descending dense
	// similarity, restricted to the allowed document IDs. Ties are
	// broken by lower sequence index.
	SearchDense(ctx context.Context, vector []float32, topK int, allowedDocumentIDs []string) ([]SearchHit, error)

	// SearchSparse returns at most topK hits by descending sparse
	// similarity (dot product over shared terms), restricted to the
	// allowed document IDs. Ties are broken by lower sequence index.
	SearchSparse(ctx context.Context, vector SparseVector, topK int, allowedDocumentIDs []string) ([]SearchHit, error)

	// Close releases resources and closes connections.
	Close() error
}

// ChunkStore resolves chunk identities to their text, supplying neighbor
// lookups for context expansion. Implementations must be safe for
// concurrent reads.
type ChunkStore interface {
	// GetChunk returns the chunk at the given identity. Returns an
	// error wrapping ErrChunkNotFound when no such chunk exists.
	GetChunk(ctx context.Context, id ChunkID) (Chunk, error)
}
