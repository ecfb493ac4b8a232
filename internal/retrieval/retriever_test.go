package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// mockDenseEncoder implements DenseEncoder for testing
type mockDenseEncoder struct {
	encodeFunc func(ctx context.Context, texts []string) ([][]float32, error)
	calls      atomic.Int32
}

func (m *mockDenseEncoder) EncodeDense(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.encodeFunc != nil {
		return m.encodeFunc(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

// mockSparseEncoder implements SparseEncoder for testing
type mockSparseEncoder struct {
	encodeFunc func(ctx context.Context, texts []string) ([]SparseVector, error)
	calls      atomic.Int32
}

func (m *mockSparseEncoder) EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	m.calls.Add(1)
	if m.encodeFunc != nil {
		return m.encodeFunc(ctx, texts)
	}
	vecs := make([]SparseVector, len(texts))
	for i := range texts {
		vecs[i] = SparseVector{Indices: []uint32{1, 7}, Values: []float32{0.5, 0.3}}
	}
	return vecs, nil
}

// mockVectorIndex implements VectorIndex for testing
type mockVectorIndex struct {
	searchDenseFunc  func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error)
	searchSparseFunc func(ctx context.Context, vector SparseVector, topK int, allowed []string) ([]SearchHit, error)
	denseCalls       atomic.Int32
	sparseCalls      atomic.Int32
}

func (m *mockVectorIndex) Upsert(ctx context.Context, records []ChunkRecord) error {
	return nil
}

func (m *mockVectorIndex) SearchDense(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
	m.denseCalls.Add(1)
	if m.searchDenseFunc != nil {
		return m.searchDenseFunc(ctx, vector, topK, allowed)
	}
	return []SearchHit{}, nil
}

func (m *mockVectorIndex) SearchSparse(ctx context.Context, vector SparseVector, topK int, allowed []string) ([]SearchHit, error) {
	m.sparseCalls.Add(1)
	if m.searchSparseFunc != nil {
		return m.searchSparseFunc(ctx, vector, topK, allowed)
	}
	return []SearchHit{}, nil
}

func (m *mockVectorIndex) Close() error {
	return nil
}

func testConfig() Config {
	config := DefaultConfig()
	config.CallTimeout = time.Second
	config.MaxRetries = 0
	return config
}

func TestNewRetriever(t *testing.T) {
	dense := &mockDenseEncoder{}
	sparse := &mockSparseEncoder{}
	index := &mockVectorIndex{}
	chunks := &mockChunkStore{}

	t.Run("Valid parameters", func(t *testing.T) {
		r, err := NewRetriever(dense, sparse, index, chunks, testConfig())
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if r == nil {
			t.Fatal("Expected retriever to be non-nil")
		}
	})

	t.Run("Nil dense encoder", func(t *testing.T) {
		_, err := NewRetriever(nil, sparse, index, chunks, testConfig())
		if err == nil {
			t.Fatal("Expected error for nil dense encoder")
		}
	})

	t.Run("Nil sparse encoder", func(t *testing.T) {
		_, err := NewRetriever(dense, nil, index, chunks, testConfig())
		if err == nil {
			t.Fatal("Expected error for nil sparse encoder")
		}
	})

	t.Run("Nil vector index", func(t *testing.T) {
		_, err := NewRetriever(dense, sparse, nil, chunks, testConfig())
		if err == nil {
			t.Fatal("Expected error for nil vector index")
		}
	})

	t.Run("Nil chunk store", func(t *testing.T) {
		_, err := NewRetriever(dense, sparse, index, nil, testConfig())
		if err == nil {
			t.Fatal("Expected error for nil chunk store")
		}
	})

	t.Run("Config defaults normalized", func(t *testing.T) {
		r, err := NewRetriever(dense, sparse, index, chunks, Config{})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if r.config.TopK != 5 {
			t.Errorf("Expected default TopK 5, got %d", r.config.TopK)
		}
		if r.config.RankConstant != DefaultRankConstant {
			t.Errorf("Expected default rank constant, got %v", r.config.RankConstant)
		}
	})
}

func TestRetrieveEmptyScope(t *testing.T) {
	ctx := context.Background()

	dense := &mockDenseEncoder{}
	sparse := &mockSparseEncoder{}
	index := &mockVectorIndex{}
	chunks := &mockChunkStore{}

	r, err := NewRetriever(dense, sparse, index, chunks, testConfig())
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	set, err := r.Retrieve(ctx, "what is entropy", nil)
	if err != nil {
		t.Fatalf("Expected success with empty scope, got: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("Expected empty context set, got %d chunks", len(set))
	}

	// Without an authorization scope nothing downstream may run.
	if index.denseCalls.Load() != 0 || index.sparseCalls.Load() != 0 {
		t.Error("Vector index was queried despite empty authorization scope")
	}
	if dense.calls.Load() != 0 || sparse.calls.Load() != 0 {
		t.Error("Encoders were invoked despite empty authorization scope")
	}
	if chunks.callCount() != 0 {
		t.Error("Chunk store was queried despite empty authorization scope")
	}
}

func TestRetrievePipeline(t *testing.T) {
	ctx := context.Background()

	store := &mockChunkStore{}
	docChunks(store, "doc", 6)

	dense := &mockDenseEncoder{}
	sparse := &mockSparseEncoder{}
	index := &mockVectorIndex{
		searchDenseFunc: func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
			return []SearchHit{hit("doc", 2, 1, 0.95)}, nil
		},
		searchSparseFunc: func(ctx context.Context, vector SparseVector, topK int, allowed []string) ([]SearchHit, error) {
			return []SearchHit{hit("doc", 3, 1, 11.0)}, nil
		},
	}

	r, err := NewRetriever(dense, sparse, index, store, testConfig())
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	set, err := r.Retrieve(ctx, "what is entropy", []string{"doc"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Both hits score 1/61; the tie resolves to the lower sequence index,
	// so chunk 2 anchors the first group and chunk 3 the second.
	want := []ChunkID{
		{DocumentID: "doc", SeqIndex: 1},
		{DocumentID: "doc", SeqIndex: 2},
		{DocumentID: "doc", SeqIndex: 3},
		{DocumentID: "doc", SeqIndex: 4},
	}
	if got := contextIDs(set); !equalIDs(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if dense.calls.Load() != 1 || sparse.calls.Load() != 1 {
		t.Errorf("Expected one call per encoder, got dense=%d sparse=%d", dense.calls.Load(), sparse.calls.Load())
	}
	if index.denseCalls.Load() != 1 || index.sparseCalls.Load() != 1 {
		t.Errorf("Expected one call per search, got dense=%d sparse=%d", index.denseCalls.Load(), index.sparseCalls.Load())
	}

	seen := make(map[ChunkID]bool)
	for _, c := range set {
		if seen[c.ID] {
			t.Fatalf("Duplicate chunk identity %v in context set", c.ID)
		}
		seen[c.ID] = true
	}
}

func TestRetrieveValidation(t *testing.T) {
	ctx := context.Background()

	r, err := NewRetriever(&mockDenseEncoder{}, &mockSparseEncoder{}, &mockVectorIndex{}, &mockChunkStore{}, testConfig())
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	t.Run("Empty query", func(t *testing.T) {
		_, err := r.Retrieve(ctx, "", []string{"doc"})
		if !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("Expected ErrEmptyQuery, got: %v", err)
		}
	})

	t.Run("Whitespace query", func(t *testing.T) {
		_, err := r.Retrieve(ctx, "   \n", []string{"doc"})
		if !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("Expected ErrEmptyQuery, got: %v", err)
		}
	})
}

func TestRetrieveEncodingFailure(t *testing.T) {
	ctx := context.Background()

	dense := &mockDenseEncoder{
		encodeFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, fmt.Errorf("embedding service unavailable")
		},
	}

	r, err := NewRetriever(dense, &mockSparseEncoder{}, &mockVectorIndex{}, &mockChunkStore{}, testConfig())
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	_, err = r.Retrieve(ctx, "query", []string{"doc"})
	if !errors.Is(err, ErrEncodingFailed) {
		t.Fatalf("Expected ErrEncodingFailed, got: %v", err)
	}

	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *PipelineError, got: %T", err)
	}
	if pe.Stage != StageEncoding {
		t.Errorf("Expected stage %s, got %s", StageEncoding, pe.Stage)
	}
}

func TestRetrieveSearchRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("Exhausted retries surface index failure", func(t *testing.T) {
		index := &mockVectorIndex{
			searchDenseFunc: func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
				return nil, fmt.Errorf("connection reset")
			},
		}

		config := testConfig()
		config.MaxRetries = 1

		r, err := NewRetriever(&mockDenseEncoder{}, &mockSparseEncoder{}, index, &mockChunkStore{}, config)
		if err != nil {
			t.Fatalf("Failed to create retriever: %v", err)
		}

		_, err = r.Retrieve(ctx, "query", []string{"doc"})
		if !errors.Is(err, ErrIndexUnavailable) {
			t.Fatalf("Expected ErrIndexUnavailable, got: %v", err)
		}

		var pe *PipelineError
		if !errors.As(err, &pe) {
			t.Fatalf("Expected *PipelineError, got: %T", err)
		}
		if pe.Stage != StageSearching {
			t.Errorf("Expected stage %s, got %s", StageSearching, pe.Stage)
		}

		if got := index.denseCalls.Load(); got != 2 {
			t.Errorf("Expected 2 dense search attempts (1 retry), got %d", got)
		}
	})

	t.Run("Transient failure recovers on retry", func(t *testing.T) {
		store := &mockChunkStore{}
		docChunks(store, "doc", 3)

		var attempts atomic.Int32
		index := &mockVectorIndex{
			searchDenseFunc: func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
				if attempts.Add(1) == 1 {
					return nil, fmt.Errorf("connection reset")
				}
				return []SearchHit{hit("doc", 1, 1, 0.9)}, nil
			},
		}

		config := testConfig()
		config.MaxRetries = 2

		r, err := NewRetriever(&mockDenseEncoder{}, &mockSparseEncoder{}, index, store, config)
		if err != nil {
			t.Fatalf("Failed to create retriever: %v", err)
		}

		set, err := r.Retrieve(ctx, "query", []string{"doc"})
		if err != nil {
			t.Fatalf("Expected recovery after retry, got: %v", err)
		}
		if len(set) == 0 {
			t.Fatal("Expected non-empty context set after recovery")
		}
	})
}

func TestRetrieveTimeout(t *testing.T) {
	ctx := context.Background()

	index := &mockVectorIndex{
		searchDenseFunc: func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	config := testConfig()
	config.CallTimeout = 20 * time.Millisecond
	config.MaxRetries = 0

	r, err := NewRetriever(&mockDenseEncoder{}, &mockSparseEncoder{}, index, &mockChunkStore{}, config)
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	_, err = r.Retrieve(ctx, "query", []string{"doc"})
	if !errors.Is(err, ErrRetrievalTimeout) {
		t.Fatalf("Expected ErrRetrievalTimeout, got: %v", err)
	}
}

func TestRetrieveCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	dense := &mockDenseEncoder{
		encodeFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	config := testConfig()
	config.MaxRetries = 3

	r, err := NewRetriever(dense, &mockSparseEncoder{}, &mockVectorIndex{}, &mockChunkStore{}, config)
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	_, err = r.Retrieve(ctx, "query", []string{"doc"})
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}

	// Cancellation must not burn the retry budget.
	if got := dense.calls.Load(); got != 1 {
		t.Errorf("Expected 1 encode attempt after cancellation, got %d", got)
	}
}

func TestRetrieveExpansionFailure(t *testing.T) {
	ctx := context.Background()

	store := &mockChunkStore{
		getFunc: func(ctx context.Context, id ChunkID) (Chunk, error) {
			return Chunk{}, fmt.Errorf("%w: connection refused", ErrChunkStoreUnavailable)
		},
	}

	index := &mockVectorIndex{
		searchDenseFunc: func(ctx context.Context, vector []float32, topK int, allowed []string) ([]SearchHit, error) {
			return []SearchHit{hit("doc", 1, 1, 0.9)}, nil
		},
	}

	r, err := NewRetriever(&mockDenseEncoder{}, &mockSparseEncoder{}, index, store, testConfig())
	if err != nil {
		t.Fatalf("Failed to create retriever: %v", err)
	}

	_, err = r.Retrieve(ctx, "query", []string{"doc"})
	if !errors.Is(err, ErrChunkStoreUnavailable) {
		t.Fatalf("Expected ErrChunkStoreUnavailable, got: %v", err)
	}

	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *PipelineError, got: %T", err)
	}
	if pe.Stage != StageExpanding {
		t.Errorf("Expected stage %s, got %s", StageExpanding, pe.Stage)
	}
}
