package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// SpladeEncoder implements the SparseEncoder interface against the SPLADE
// sparse embedding service's HTTP API.
type SpladeEncoder struct {
	baseURL string
	client  *http.Client
}

type indexedText struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type sparseEmbedRequest struct {
	Texts []indexedText `json:"texts"`
}

type indexedSparseEmbedding struct {
	Index   int       `json:"index"`
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

type sparseEmbedResponse struct {
	Embeddings []indexedSparseEmbedding `json:"embeddings"`
	Model      string                   `json:"model"`
}

// NewSpladeEncoder creates a sparse encoder client. An empty baseURL falls
// back to the SPARSE_EMBEDDING_URL environment variable, then to
// localhost.
func NewSpladeEncoder(baseURL string) *SpladeEncoder {
	if baseURL == "" {
		baseURL = os.Getenv("SPARSE_EMBEDDING_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8002"
	}

	return &SpladeEncoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CheckConnection verifies the embedding service is up and its model is
// loaded.
func (e *SpladeEncoder) CheckConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach sparse embedding service at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sparse embedding service responded with status %d", resp.StatusCode)
	}

	return nil
}

// EncodeSparse generates one sparse vector per input text, in input order.
func (e *SpladeEncoder) EncodeSparse(ctx context.Context, texts []string) ([]SparseVector, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	indexed := make([]indexedText, len(texts))
	for i, text := range texts {
		indexed[i] = indexedText{Index: i, Text: text}
	}

	body, err := json.Marshal(sparseEmbedRequest{Texts: indexed})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: sparse embedding service returned status %d: %s", ErrEncodingFailed, resp.StatusCode, string(detail))
	}

	var result sparseEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode embed response: %v", ErrEncodingFailed, err)
	}

	vectors := make([]SparseVector, len(texts))
	seen := make([]bool, len(texts))
	for _, emb := range result.Embeddings {
		if emb.Index < 0 || emb.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEncodingFailed, emb.Index)
		}
		vectors[emb.Index] = SparseVector{Indices: emb.Indices, Values: emb.Values}
		seen[emb.Index] = true
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("%w: no sparse embedding returned for input %d", ErrEncodingFailed, i)
		}
	}

	return vectors, nil
}
