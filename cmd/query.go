package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sailor-labs/sailor/internal/retrieval"
	"github.com/sailor-labs/sailor/internal/retrieval/store"
)

var (
	queryDocs         []string
	queryTopK         int
	queryWindow       int
	queryAnchors      int
	queryRankConstant float64
	queryChunksDB     string
	queryModel        string
	queryDimension    int
	queryVerbose      bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve relevant document context for a question",
	Long: `Run the hybrid retrieval pipeline for a question and print the
ranked context set.

This command:
1. Encodes the question with the dense (OpenAI) and sparse (SPLADE) encoders
2. Searches both vector spaces in Milvus, filtered to the allowed documents
3. Fuses the two rankings with reciprocal rank fusion
4. Expands the top chunks with their textual neighbors

Required environment variables:
  OPENAI_API_KEY        - OpenAI API key for dense embeddings
  MILVUS_ADDRESS        - Milvus server address (default: localhost:19530)
  SPARSE_EMBEDDING_URL  - SPLADE service address (default: http://localhost:8002)

Examples:
  sailor query "What is backpropagation?" --docs doc-123
  sailor query "Summarize chapter 3" --docs doc-123,doc-456 --topk 8 --window 2
  sailor query "Define entropy" --docs doc-123 --chunks-db ./chunks.db --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringSliceVar(&queryDocs, "docs", nil, "Document IDs the caller is allowed to search (comma-separated)")
	queryCmd.Flags().IntVar(&queryTopK, "topk", 5, "Number of fused chunks to keep before expansion")
	queryCmd.Flags().IntVar(&queryWindow, "window", 1, "Neighbor chunks to pull on each side of an anchor")
	queryCmd.Flags().IntVar(&queryAnchors, "anchors", 5, "How many top fused chunks get neighbor expansion")
	queryCmd.Flags().Float64Var(&queryRankConstant, "rank-constant", retrieval.DefaultRankConstant, "RRF smoothing constant")
	queryCmd.Flags().StringVar(&queryChunksDB, "chunks-db", "", "SQLite chunk database for neighbor lookups (default: read chunks from Milvus)")
	queryCmd.Flags().StringVar(&queryModel, "model", "text-embedding-3-large", "Dense embedding model")
	queryCmd.Flags().IntVar(&queryDimension, "dimension", 3072, "Dense embedding dimension")
	queryCmd.Flags().BoolVar(&queryVerbose, "verbose", false, "Show detailed progress")
}

func runQuery(cmd *cobra.Command, args []string) error {
	question := args[0]
	ctx := context.Background()

	// Styling
	var (
		headerColor   = lipgloss.Color("#F780FF") // Bright pink
		questionColor = lipgloss.Color("#8BE9FD") // Cyan
		chunkColor    = lipgloss.Color("#E9E9F4") // Light purple/white
		sourceColor   = lipgloss.Color("#6272A4") // Muted purple
		errorColor    = lipgloss.Color("#FF5555") // Red
		successColor  = lipgloss.Color("#50FA7B") // Green
	)

	headerStyle := lipgloss.NewStyle().Foreground(headerColor).Bold(true)
	questionStyle := lipgloss.NewStyle().Foreground(questionColor).Italic(true)
	chunkStyle := lipgloss.NewStyle().Foreground(chunkColor)
	sourceStyle := lipgloss.NewStyle().Foreground(sourceColor).Italic(true)
	errorStyle := lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	successStyle := lipgloss.NewStyle().Foreground(successColor)

	fmt.Println()
	fmt.Println(headerStyle.Render("Question:"))
	fmt.Println(questionStyle.Render(question))
	fmt.Println()

	if len(queryDocs) == 0 {
		fmt.Println(sourceStyle.Render("No documents in scope (--docs is empty); nothing to search."))
		return nil
	}

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("%s OPENAI_API_KEY environment variable is required", errorStyle.Render("Error:"))
	}

	if queryVerbose {
		fmt.Println(sourceStyle.Render("→ Initializing retrieval pipeline..."))
	}

	dense, err := retrieval.NewOpenAIDenseEncoder(queryModel, queryDimension)
	if err != nil {
		return fmt.Errorf("%s failed to create dense encoder: %w", errorStyle.Render("Error:"), err)
	}

	sparse := retrieval.NewSpladeEncoder("")

	milvusConfig := retrieval.DefaultMilvusConfig()
	milvusConfig.DenseDim = queryDimension
	index, err := retrieval.NewMilvusIndex(ctx, milvusConfig)
	if err != nil {
		return fmt.Errorf("%s failed to connect to Milvus: %w", errorStyle.Render("Error:"), err)
	}
	defer index.Close()

	// Neighbor lookups come from the local chunk database when one is
	// given, otherwise straight from the Milvus collection.
	var chunks retrieval.ChunkStore = index
	if queryChunksDB != "" {
		db, err := store.Open(queryChunksDB)
		if err != nil {
			return fmt.Errorf("%s failed to open chunk database: %w", errorStyle.Render("Error:"), err)
		}
		defer db.Close()
		chunks = db
	}

	config := retrieval.DefaultConfig()
	config.TopK = queryTopK
	config.RankConstant = queryRankConstant
	config.ExpansionAnchors = queryAnchors
	config.ExpansionWindow = queryWindow

	retriever, err := retrieval.NewRetriever(dense, sparse, index, chunks, config)
	if err != nil {
		return fmt.Errorf("%s failed to create retriever: %w", errorStyle.Render("Error:"), err)
	}

	if queryVerbose {
		fmt.Println(successStyle.Render("✓ Pipeline initialized"))
		fmt.Println(sourceStyle.Render("→ Retrieving context..."))
	}

	contextSet, err := retriever.Retrieve(ctx, question, queryDocs)
	if err != nil {
		return fmt.Errorf("%s retrieval failed: %w", errorStyle.Render("Error:"), err)
	}

	if len(contextSet) == 0 {
		fmt.Println(sourceStyle.Render("No relevant chunks found in the allowed documents."))
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("Context (%d chunks):", len(contextSet))))
	fmt.Println()

	for i, chunk := range contextSet {
		source := fmt.Sprintf("%d. %s · chunk %d", i+1, chunk.ID.DocumentID, chunk.ID.SeqIndex)
		if chunk.PageNumber > 0 {
			source += fmt.Sprintf(" · page %d", chunk.PageNumber)
		}
		fmt.Println(sourceStyle.Render(source))
		fmt.Println(chunkStyle.Render(strings.TrimSpace(chunk.Text)))
		fmt.Println()
	}

	return nil
}
