package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// Common errors for Milvus operations
var (
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrEmptyRecords     = errors.New("no records provided for upsert")
	ErrConnectionFailed = errors.New("failed to connect to Milvus")
)

// MilvusConfig holds configuration for the Milvus connection and the chunk
// collection.
type MilvusConfig struct {
	Address        string // Milvus server address (e.g., "localhost:19530")
	CollectionName string // Name of the chunk collection
	DenseDim       int    // Dense vector dimension (e.g., 3072 for text-embedding-3-large)
	MetricType     string // Dense similarity metric (default: "COSINE")

	// HNSW index parameters for the dense vector field
	M              int // HNSW M parameter (default: 16)
	EfConstruction int // HNSW efConstruction (default: 256)
	EfSearch       int // HNSW ef parameter at search time (default: 64)

	// SparseDropRatio is the drop_ratio_build for the sparse inverted
	// index (default: 0, keep every term).
	SparseDropRatio float64
}

// DefaultMilvusConfig returns default configuration from environment
// variables.
func DefaultMilvusConfig() MilvusConfig {
	address := os.Getenv("MILVUS_ADDRESS")
	if address == "" {
		address = "localhost:19530"
	}

	collection := os.Getenv("MILVUS_COLLECTION")
	if collection == "" {
		collection = "sailor_chunks"
	}

	return MilvusConfig{
		Address:        address,
		CollectionName: collection,
		DenseDim:       3072, // Default for text-embedding-3-large
		MetricType:     "COSINE",
		M:              16,
		EfConstruction: 256,
		EfSearch:       64,
	}
}

// MilvusIndex implements the VectorIndex and ChunkStore interfaces using a
// single Milvus collection holding both vector spaces plus chunk text.
type MilvusIndex struct {
	client client.Client
	config MilvusConfig
}

// NewMilvusIndex connects to Milvus and ensures the chunk collection
// exists with the hybrid (dense + sparse) schema.
func NewMilvusIndex(ctx context.Context, config MilvusConfig) (*MilvusIndex, error) {
	if config.DenseDim <= 0 {
		return nil, ErrInvalidDimension
	}

	c, err := client.NewGrpcClient(ctx, config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &MilvusIndex{
		client: c,
		config: config,
	}

	if err := idx.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return idx, nil
}

// ensureCollection creates the collection with schema if it doesn't exist.
func (m *MilvusIndex) ensureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.config.CollectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.config.CollectionName,
		Fields: []*entity.Field{
			{
				// "document_id/chunk_index", makes upserts idempotent
				Name:       "chunk_key",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
			{
				Name:     "token_count",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "page_number",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "dense",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.config.DenseDim),
				},
			},
			{
				Name:     "sparse",
				DataType: entity.FieldTypeSparseVector,
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	denseIdx, err := entity.NewIndexHNSW(entity.COSINE, m.config.M, m.config.EfConstruction)
	if err != nil {
		return fmt.Errorf("failed to create dense index config: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.config.CollectionName, "dense", denseIdx, false); err != nil {
		return fmt.Errorf("failed to create dense index: %w", err)
	}

	sparseIdx, err := entity.NewIndexSparseInverted(entity.IP, m.config.SparseDropRatio)
	if err != nil {
		return fmt.Errorf("failed to create sparse index config: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.config.CollectionName, "sparse", sparseIdx, false); err != nil {
		return fmt.Errorf("failed to create sparse index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.config.CollectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	return nil
}

// Upsert writes chunk records, replacing any existing entry with the same
// chunk identity.
func (m *MilvusIndex) Upsert(ctx context.Context, records []ChunkRecord) error {
	if len(records) == 0 {
		return ErrEmptyRecords
	}

	keys := make([]string, len(records))
	docIDs := make([]string, len(records))
	chunkIndexes := make([]int64, len(records))
	texts := make([]string, len(records))
	tokenCounts := make([]int64, len(records))
	pageNumbers := make([]int64, len(records))
	denseVecs := make([][]float32, len(records))
	sparseVecs := make([]entity.SparseEmbedding, len(records))

	for i, rec := range records {
		if len(rec.Dense) != m.config.DenseDim {
			return fmt.Errorf("%w: expected %d, got %d for chunk %s", ErrInvalidDimension, m.config.DenseDim, len(rec.Dense), rec.ID.Key())
		}

		sparse, err := toSparseEmbedding(rec.Sparse)
		if err != nil {
			return fmt.Errorf("invalid sparse vector for chunk %s: %w", rec.ID.Key(), err)
		}

		keys[i] = rec.ID.Key()
		docIDs[i] = rec.ID.DocumentID
		chunkIndexes[i] = int64(rec.ID.SeqIndex)
		texts[i] = rec.Text
		tokenCounts[i] = int64(rec.TokenCount)
		pageNumbers[i] = int64(rec.PageNumber)
		denseVecs[i] = rec.Dense
		sparseVecs[i] = sparse
	}

	columns := []entity.Column{
		entity.NewColumnVarChar("chunk_key", keys),
		entity.NewColumnVarChar("document_id", docIDs),
		entity.NewColumnInt64("chunk_index", chunkIndexes),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnInt64("token_count", tokenCounts),
		entity.NewColumnInt64("page_number", pageNumbers),
		entity.NewColumnFloatVector("dense", m.config.DenseDim, denseVecs),
		entity.NewColumnSparseVectors("sparse", sparseVecs),
	}

	if _, err := m.client.Upsert(ctx, m.config.CollectionName, "", columns...); err != nil {
		return fmt.Errorf("%w: upsert failed: %v", ErrIndexUnavailable, err)
	}

	if err := m.client.Flush(ctx, m.config.CollectionName, false); err != nil {
		return fmt.Errorf("%w: flush failed: %v", ErrIndexUnavailable, err)
	}

	return nil
}

// SearchDense performs top-K similarity search over the dense vector
// space, restricted to the allowed document IDs.
func (m *MilvusIndex) SearchDense(ctx context.Context, vector []float32, topK int, allowedDocumentIDs []string) ([]SearchHit, error) {
	if len(vector) != m.config.DenseDim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, m.config.DenseDim, len(vector))
	}

	sp, err := entity.NewIndexHNSWSearchParam(m.config.EfSearch)
	if err != nil {
		return nil, fmt.Errorf("failed to create dense search params: %w", err)
	}

	return m.search(ctx, []entity.Vector{entity.FloatVector(vector)}, "dense", entity.COSINE, topK, allowedDocumentIDs, sp)
}

// SearchSparse performs top-K similarity search over the sparse vector
// space (inner product over shared terms), restricted to the allowed
// document IDs.
func (m *MilvusIndex) SearchSparse(ctx context.Context, vector SparseVector, topK int, allowedDocumentIDs []string) ([]SearchHit, error) {
	sparse, err := toSparseEmbedding(vector)
	if err != nil {
		return nil, fmt.Errorf("invalid sparse query vector: %w", err)
	}

	sp, err := entity.NewIndexSparseInvertedSearchParam(0)
	if err != nil {
		return nil, fmt.Errorf("failed to create sparse search params: %w", err)
	}

	return m.search(ctx, []entity.Vector{sparse}, "sparse", entity.IP, topK, allowedDocumentIDs, sp)
}

func (m *MilvusIndex) search(ctx context.Context, vectors []entity.Vector, field string, metric entity.MetricType, topK int, allowedDocumentIDs []string, sp entity.SearchParam) ([]SearchHit, error) {
	results, err := m.client.Search(
		ctx,
		m.config.CollectionName,
		nil, // partition names
		documentFilter(allowedDocumentIDs),
		[]string{"document_id", "chunk_index"},
		vectors,
		field,
		metric,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	if len(results) == 0 {
		return []SearchHit{}, nil
	}

	res := results[0]
	hits := make([]SearchHit, 0, res.ResultCount)

	var docCol *entity.ColumnVarChar
	var idxCol *entity.ColumnInt64
	for _, col := range res.Fields {
		switch col.Name() {
		case "document_id":
			docCol, _ = col.(*entity.ColumnVarChar)
		case "chunk_index":
			idxCol, _ = col.(*entity.ColumnInt64)
		}
	}
	if docCol == nil || idxCol == nil {
		return nil, fmt.Errorf("%w: search result missing identity fields", ErrIndexUnavailable)
	}

	for i := 0; i < res.ResultCount; i++ {
		hits = append(hits, SearchHit{
			ID: ChunkID{
				DocumentID: docCol.Data()[i],
				SeqIndex:   int(idxCol.Data()[i]),
			},
			Score: res.Scores[i],
		})
	}

	// Milvus returns hits by descending score already; the stable re-sort
	// pins score ties to the lower sequence index for reproducibility.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.Less(hits[j].ID)
	})
	for i := range hits {
		hits[i].Rank = i + 1
	}

	return hits, nil
}

// GetChunk resolves a chunk identity to its stored text and metadata,
// supplying neighbor lookups for context expansion.
func (m *MilvusIndex) GetChunk(ctx context.Context, id ChunkID) (Chunk, error) {
	expr := fmt.Sprintf(`document_id == %s and chunk_index == %d`, strconv.Quote(id.DocumentID), id.SeqIndex)

	rs, err := m.client.Query(
		ctx,
		m.config.CollectionName,
		nil, // partition names
		expr,
		[]string{"text", "token_count", "page_number"},
	)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrChunkStoreUnavailable, err)
	}

	chunk := Chunk{ID: id}
	found := false
	for _, col := range rs {
		switch col.Name() {
		case "text":
			if c, ok := col.(*entity.ColumnVarChar); ok && len(c.Data()) > 0 {
				chunk.Text = c.Data()[0]
				found = true
			}
		case "token_count":
			if c, ok := col.(*entity.ColumnInt64); ok && len(c.Data()) > 0 {
				chunk.TokenCount = int(c.Data()[0])
			}
		case "page_number":
			if c, ok := col.(*entity.ColumnInt64); ok && len(c.Data()) > 0 {
				chunk.PageNumber = int(c.Data()[0])
			}
		}
	}

	if !found {
		return Chunk{}, fmt.Errorf("%w: %s", ErrChunkNotFound, id.Key())
	}

	return chunk, nil
}

// Delete removes all chunks belonging to the given documents.
func (m *MilvusIndex) Delete(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}

	if err := m.client.Delete(ctx, m.config.CollectionName, "", documentFilter(documentIDs)); err != nil {
		return fmt.Errorf("%w: delete failed: %v", ErrIndexUnavailable, err)
	}

	return nil
}

// Stats returns collection statistics.
func (m *MilvusIndex) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := m.client.GetCollectionStatistics(ctx, m.config.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return map[string]interface{}{
		"row_count": stats["row_count"],
	}, nil
}

// Close releases resources and closes the Milvus connection.
func (m *MilvusIndex) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// documentFilter builds the boolean expression restricting a search to an
// allowed set of document IDs.
func documentFilter(allowed []string) string {
	if len(allowed) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("document_id in [")
	for i, id := range allowed {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(id))
	}
	b.WriteString("]")
	return b.String()
}

// toSparseEmbedding converts the wire-shape sparse vector into the SDK's
// sorted sparse embedding representation.
func toSparseEmbedding(v SparseVector) (entity.SparseEmbedding, error) {
	if len(v.Indices) != len(v.Values) {
		return nil, fmt.Errorf("indices/values length mismatch: %d != %d", len(v.Indices), len(v.Values))
	}

	type pair struct {
		pos uint32
		val float32
	}
	pairs := make([]pair, len(v.Indices))
	for i := range v.Indices {
		pairs[i] = pair{pos: v.Indices[i], val: v.Values[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pos < pairs[j].pos })

	positions := make([]uint32, len(pairs))
	values := make([]float32, len(pairs))
	for i, p := range pairs {
		positions[i] = p.pos
		values[i] = p.val
	}

	return entity.NewSliceSparseEmbedding(positions, values)
}
