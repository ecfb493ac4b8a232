package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage identifies where in the pipeline a request currently is. Stages
// are per-request and never persisted.
type Stage string

const (
	StagePending   Stage = "pending"
	StageEncoding  Stage = "encoding"
	StageSearching Stage = "searching"
	StageFusing    Stage = "fusing"
	StageExpanding Stage = "expanding"
	StageComplete  Stage = "complete"
)

// Config holds pipeline parameters. It is passed explicitly at
// construction so the pipeline stays testable with varied parameters.
type Config struct {
	// TopK is the number of fused results to keep before expansion.
	TopK int

	// RankConstant is the RRF smoothing constant (default 60).
	RankConstant float64

	// ExpansionAnchors is how many top fused chunks get neighbor
	// expansion.
	ExpansionAnchors int

	// ExpansionWindow is how many neighbors to pull on each side of an
	// anchor chunk.
	ExpansionWindow int

	// CallTimeout bounds each external call (encoder, index search,
	// chunk fetch attempt).
	CallTimeout time.Duration

	// MaxRetries is how many extra attempts a failed encoder or index
	// call gets before the request fails.
	MaxRetries int

	// NeighborConcurrency bounds parallel chunk store lookups during
	// expansion.
	NeighborConcurrency int
}

// DefaultConfig returns sensible defaults for the retrieval pipeline.
func DefaultConfig() Config {
	return Config{
		TopK:                5,
		RankConstant:        DefaultRankConstant,
		ExpansionAnchors:    5,
		ExpansionWindow:     1,
		CallTimeout:         10 * time.Second,
		MaxRetries:          2,
		NeighborConcurrency: 4,
	}
}

// Retriever is the pipeline entry point: it drives encoders, index
// searches, rank fusion and context expansion for a query. Retrievers are
// stateless across calls and safe for concurrent use.
type Retriever struct {
	config   Config
	dense    DenseEncoder
	sparse   SparseEncoder
	index    VectorIndex
	expander *Expander
}

// NewRetriever creates a new Retriever instance.
func NewRetriever(dense DenseEncoder, sparse SparseEncoder, index VectorIndex, chunks ChunkStore, config Config) (*Retriever, error) {
	if dense == nil {
		return nil, fmt.Errorf("dense encoder cannot be nil")
	}
	if sparse == nil {
		return nil, fmt.Errorf("sparse encoder cannot be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index cannot be nil")
	}

	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.RankConstant <= 0 {
		config.RankConstant = DefaultRankConstant
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	expander, err := NewExpander(chunks, config.ExpansionAnchors, config.NeighborConcurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create expander: %w", err)
	}

	return &Retriever{
		config:   config,
		dense:    dense,
		sparse:   sparse,
		index:    index,
		expander: expander,
	}, nil
}

// Retrieve runs the full pipeline for a query and returns an ordered,
// deduplicated context set restricted to the allowed document IDs. An
// empty allowed set yields an empty ContextSet without touching the index.
// A failed retrieval always surfaces as a *PipelineError, never as a
// partial result.
func (r *Retriever) Retrieve(ctx context.Context, query string, allowedDocumentIDs []string) (ContextSet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	requestID := uuid.NewString()[:8]

	if len(allowedDocumentIDs) == 0 {
		// Valid zero-result case: without an authorization scope the
		// index must not be queried at all.
		log.Printf("[Retriever] %s empty authorization scope, returning empty context set", requestID)
		return ContextSet{}, nil
	}

	log.Printf("[Retriever] %s retrieving for query (%d chars) across %d documents", requestID, len(query), len(allowedDocumentIDs))

	denseVec, sparseVec, err := r.encodeQuery(ctx, query)
	if err != nil {
		return nil, r.fail(requestID, StageEncoding, ErrEncodingFailed, err)
	}

	denseHits, sparseHits, err := r.searchIndex(ctx, denseVec, sparseVec, allowedDocumentIDs)
	if err != nil {
		return nil, r.fail(requestID, StageSearching, ErrIndexUnavailable, err)
	}
	log.Printf("[Retriever] %s search returned %d dense / %d sparse hits", requestID, len(denseHits), len(sparseHits))

	fused := FuseRanks(denseHits, sparseHits, r.config.TopK, r.config.RankConstant)

	set, err := r.expander.Expand(ctx, fused, r.config.ExpansionWindow)
	if err != nil {
		return nil, r.fail(requestID, StageExpanding, ErrChunkStoreUnavailable, err)
	}

	log.Printf("[Retriever] %s complete: %d chunks (%d fused hits)", requestID, len(set), len(fused))
	return set, nil
}

// encodeQuery runs the dense and sparse encoders concurrently and joins
// both results before searching.
func (r *Retriever) encodeQuery(ctx context.Context, query string) ([]float32, SparseVector, error) {
	type denseOut struct {
		vec []float32
		err error
	}
	type sparseOut struct {
		vec SparseVector
		err error
	}

	denseCh := make(chan denseOut, 1)
	sparseCh := make(chan sparseOut, 1)

	go func() {
		var vec []float32
		err := r.withRetry(ctx, func(callCtx context.Context) error {
			vecs, err := r.dense.EncodeDense(callCtx, []string{query})
			if err != nil {
				return err
			}
			if len(vecs) == 0 {
				return fmt.Errorf("no dense vector generated")
			}
			vec = vecs[0]
			return nil
		})
		denseCh <- denseOut{vec: vec, err: err}
	}()

	go func() {
		var vec SparseVector
		err := r.withRetry(ctx, func(callCtx context.Context) error {
			vecs, err := r.sparse.EncodeSparse(callCtx, []string{query})
			if err != nil {
				return err
			}
			if len(vecs) == 0 {
				return fmt.Errorf("no sparse vector generated")
			}
			vec = vecs[0]
			return nil
		})
		sparseCh <- sparseOut{vec: vec, err: err}
	}()

	d := <-denseCh
	s := <-sparseCh

	if d.err != nil {
		return nil, SparseVector{}, fmt.Errorf("dense encoder: %w", d.err)
	}
	if s.err != nil {
		return nil, SparseVector{}, fmt.Errorf("sparse encoder: %w", s.err)
	}

	return d.vec, s.vec, nil
}

// searchIndex runs both index searches concurrently with the allowed
// document filter applied, joining before fusion.
func (r *Retriever) searchIndex(ctx context.Context, denseVec []float32, sparseVec SparseVector, allowedDocumentIDs []string) ([]SearchHit, []SearchHit, error) {
	type searchOut struct {
		hits []SearchHit
		err  error
	}

	denseCh := make(chan searchOut, 1)
	sparseCh := make(chan searchOut, 1)

	go func() {
		var hits []SearchHit
		err := r.withRetry(ctx, func(callCtx context.Context) error {
			var err error
			hits, err = r.index.SearchDense(callCtx, denseVec, r.config.TopK, allowedDocumentIDs)
			return err
		})
		denseCh <- searchOut{hits: hits, err: err}
	}()

	go func() {
		var hits []SearchHit
		err := r.withRetry(ctx, func(callCtx context.Context) error {
			var err error
			hits, err = r.index.SearchSparse(callCtx, sparseVec, r.config.TopK, allowedDocumentIDs)
			return err
		})
		sparseCh <- searchOut{hits: hits, err: err}
	}()

	d := <-denseCh
	s := <-sparseCh

	if d.err != nil {
		return nil, nil, fmt.Errorf("dense search: %w", d.err)
	}
	if s.err != nil {
		return nil, nil, fmt.Errorf("sparse search: %w", s.err)
	}

	return d.hits, s.hits, nil
}

// fail maps a stage error to the surfaced taxonomy and logs it once.
func (r *Retriever) fail(requestID string, stage Stage, sentinel error, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrRetrievalTimeout, err)
	} else if sentinel != nil && !errors.Is(err, sentinel) {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	log.Printf("[Retriever] %s stage=%s failed: %v", requestID, stage, err)
	return failStage(stage, err)
}
