// Package cmd provides the lorekeep CLI commands.
//
// Commands:
//   - ingest: run the content pipeline over the configured sources
//   - query: semantic search against the indexed content
//   - migrate: apply database migrations
//
// Signal handling and graceful shutdown are implemented for all
// commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lorekeep/lorekeep/internal/log"
)

// Execute is the main entry point for the lorekeep CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "ingest":
		return runIngest(os.Args[2:])
	case "query":
		return runQuery(os.Args[2:])
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Lorekeep - game content indexing and retrieval")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  lorekeep ingest [-mode full|incremental] [-source id]")
	fmt.Println("                     Fetch, chunk, embed and index configured sources")
	fmt.Println("  lorekeep query [-k n] [-source-type t] [-source id] <question>")
	fmt.Println("                     Search the index and print the best chunks")
	fmt.Println("  lorekeep migrate   Apply database migrations")
	fmt.Println("  lorekeep --version Show version information")
	fmt.Println("  lorekeep --help    Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY     Required: Gemini API key for embeddings")
	fmt.Println("  DEBUG              Optional: Enable debug logging")
}
