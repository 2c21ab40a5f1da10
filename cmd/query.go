package cmd

import (
	"flag"
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/internal/retrieve"
)

// runQuery searches the index and prints the best matching chunks.
func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	topK := fs.Int("k", 0, "number of results (0 = configured default)")
	sourceType := fs.String("source-type", "", "restrict to one source type")
	sourceID := fs.String("source", "", "restrict to one source id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: lorekeep query [-k n] [-source-type t] [-source id] <question>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	retriever := retrieve.New(a.batcher, a.store, retrieve.Config{
		CollectionVersion: collectionVersion(a.cfg),
		TopK:              a.cfg.TopK,
		MinSimilarity:     float64(a.cfg.MinSimilarity),
		PerDocCap:         a.cfg.PerDocCap,
		TokenBudget:       a.cfg.TokenBudget,
	}, nil)

	var opts []retrieve.SearchOption
	if *topK > 0 {
		opts = append(opts, retrieve.WithTopK(*topK))
	}
	if *sourceType != "" {
		opts = append(opts, retrieve.WithSourceType(*sourceType))
	}
	if *sourceID != "" {
		opts = append(opts, retrieve.WithSourceID(*sourceID))
	}

	results, err := retriever.Search(ctx, query, opts...)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matching content indexed yet.")
		return nil
	}

	for i, res := range results {
		header := res.Chunk.Title
		if res.Chunk.HeadingPath != "" {
			header += " > " + res.Chunk.HeadingPath
		}
		fmt.Printf("%d. [%.3f] %s\n", i+1, res.Similarity, header)
		if res.Chunk.URL != "" {
			fmt.Printf("   %s\n", res.Chunk.URL)
		}
		fmt.Printf("   %s\n\n", res.Chunk.Text)
	}
	return nil
}
