package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sailor",
	Short: "Sailor - Hybrid retrieval over course documents",
	Long: `Sailor retrieves relevant passages from uploaded course documents.

It combines dense (semantic) and sparse (lexical) vector search over a
Milvus collection via reciprocal rank fusion, then widens the winning
chunks with their textual neighbors to build a coherent context set for
answer generation.`,
}

// Execute runs the root command
func Execute() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
