package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sailor-labs/sailor/internal/retrieval"
	"github.com/sailor-labs/sailor/internal/retrieval/store"
)

var (
	indexBatchSize int
	indexChunksDB  string
	indexModel     string
	indexDimension int
)

// chunkLine is one externally-produced chunk in the ingestion file. The
// chunking itself happens upstream in the document pipeline; this command
// only encodes and indexes.
type chunkLine struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
}

var indexCmd = &cobra.Command{
	Use:   "index [chunks.jsonl]",
	Short: "Encode and index pre-chunked document text",
	Long: `Index externally-chunked document text into the vector store.

Reads one JSON object per line with document_id, chunk_index and text
fields, generates dense and sparse embeddings in batches, and upserts the
records into Milvus. Re-running with the same chunks replaces the existing
entries.

Required environment variables:
  OPENAI_API_KEY        - OpenAI API key for dense embeddings
  MILVUS_ADDRESS        - Milvus server address (default: localhost:19530)
  SPARSE_EMBEDDING_URL  - SPLADE service address (default: http://localhost:8002)

Examples:
  sailor index ./chunks.jsonl
  sailor index ./chunks.jsonl --chunks-db ./chunks.db --batch 16`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().IntVar(&indexBatchSize, "batch", 10, "Number of chunks to encode per embedding API call")
	indexCmd.Flags().StringVar(&indexChunksDB, "chunks-db", "", "Also mirror chunk text into this SQLite database")
	indexCmd.Flags().StringVar(&indexModel, "model", "text-embedding-3-large", "Dense embedding model")
	indexCmd.Flags().IntVar(&indexDimension, "dimension", 3072, "Dense embedding dimension")
}

func runIndex(cmd *cobra.Command, args []string) error {
	path := args[0]
	ctx := context.Background()

	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	successStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	progressStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Italic(true)

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("%s OPENAI_API_KEY environment variable is required", errorStyle.Render("Error:"))
	}

	chunks, err := readChunkFile(path)
	if err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("%s no chunks found in %s", errorStyle.Render("Error:"), path)
	}

	fmt.Println(progressStyle.Render(fmt.Sprintf("→ Indexing %d chunks from %s", len(chunks), path)))

	dense, err := retrieval.NewOpenAIDenseEncoder(indexModel, indexDimension)
	if err != nil {
		return fmt.Errorf("%s failed to create dense encoder: %w", errorStyle.Render("Error:"), err)
	}

	sparse := retrieval.NewSpladeEncoder("")
	if err := sparse.CheckConnection(ctx); err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}

	milvusConfig := retrieval.DefaultMilvusConfig()
	milvusConfig.DenseDim = indexDimension
	index, err := retrieval.NewMilvusIndex(ctx, milvusConfig)
	if err != nil {
		return fmt.Errorf("%s failed to connect to Milvus: %w", errorStyle.Render("Error:"), err)
	}
	defer index.Close()

	var mirror *store.SQLiteStore
	if indexChunksDB != "" {
		mirror, err = store.Open(indexChunksDB)
		if err != nil {
			return fmt.Errorf("%s failed to open chunk database: %w", errorStyle.Render("Error:"), err)
		}
		defer mirror.Close()
	}

	for start := 0; start < len(chunks); start += indexBatchSize {
		end := start + indexBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		denseVecs, err := dense.EncodeDense(ctx, texts)
		if err != nil {
			return fmt.Errorf("%s dense encoding failed for batch starting at %d: %w", errorStyle.Render("Error:"), start, err)
		}

		sparseVecs, err := sparse.EncodeSparse(ctx, texts)
		if err != nil {
			return fmt.Errorf("%s sparse encoding failed for batch starting at %d: %w", errorStyle.Render("Error:"), start, err)
		}

		records := make([]retrieval.ChunkRecord, len(batch))
		for i, c := range batch {
			records[i] = retrieval.ChunkRecord{
				Chunk:  c,
				Dense:  denseVecs[i],
				Sparse: sparseVecs[i],
			}
		}

		if err := index.Upsert(ctx, records); err != nil {
			return fmt.Errorf("%s upsert failed for batch starting at %d: %w", errorStyle.Render("Error:"), start, err)
		}

		if mirror != nil {
			if err := mirror.PutChunks(ctx, batch); err != nil {
				return fmt.Errorf("%s chunk database write failed for batch starting at %d: %w", errorStyle.Render("Error:"), start, err)
			}
		}

		fmt.Println(progressStyle.Render(fmt.Sprintf("  indexed %d/%d", end, len(chunks))))
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("✓ Indexed %d chunks", len(chunks))))
	return nil
}

// readChunkFile parses a JSONL chunk file into retrieval chunks.
func readChunkFile(path string) ([]retrieval.Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer file.Close()

	var chunks []retrieval.Chunk

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cl chunkLine
		if err := json.Unmarshal(line, &cl); err != nil {
			return nil, fmt.Errorf("invalid chunk on line %d: %w", lineNo, err)
		}
		if cl.DocumentID == "" || cl.Text == "" {
			return nil, fmt.Errorf("chunk on line %d is missing document_id or text", lineNo)
		}

		chunks = append(chunks, retrieval.Chunk{
			ID: retrieval.ChunkID{
				DocumentID: cl.DocumentID,
				SeqIndex:   cl.ChunkIndex,
			},
			Text:       cl.Text,
			TokenCount: cl.TokenCount,
			PageNumber: cl.PageNumber,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk file: %w", err)
	}

	return chunks, nil
}
