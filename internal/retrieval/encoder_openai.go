package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Common errors for encoder construction
var (
	ErrEmptyTexts    = errors.New("no texts provided for encoding")
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable not set")
)

// OpenAIDenseEncoder implements the DenseEncoder interface using OpenAI's
// embeddings API.
type OpenAIDenseEncoder struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIDenseEncoder creates a new OpenAI dense encoder instance.
func NewOpenAIDenseEncoder(model string, dimension int) (*OpenAIDenseEncoder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	return &OpenAIDenseEncoder{
		client:    client,
		model:     model,
		dimension: dimension,
	}, nil
}

// Model returns the embedding model identifier.
func (e *OpenAIDenseEncoder) Model() string {
	return e.model
}

// Dimension returns the embedding vector dimension.
func (e *OpenAIDenseEncoder) Dimension() int {
	return e.dimension
}

// EncodeDense generates one dense vector per input text, in input order.
func (e *OpenAIDenseEncoder) EncodeDense(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:          e.model,
		Dimensions:     openai.Int(int64(e.dimension)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		// Convert []float64 to []float32
		vec := make([]float32, len(data.Embedding))
		for j, val := range data.Embedding {
			vec[j] = float32(val)
		}
		vectors[int(data.Index)] = vec
	}

	for i, vec := range vectors {
		if vec == nil {
			return nil, fmt.Errorf("%w: no embedding returned for input %d", ErrEncodingFailed, i)
		}
	}

	return vectors, nil
}
