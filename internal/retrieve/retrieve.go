// Package retrieve answers natural language queries against the vector
// index: it embeds the query, fetches nearest chunks, and shapes the
// candidate list into a context block that fits a token budget.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/index"
)

// ErrUnavailable indicates the index could not be queried. Callers
// distinguish this from an empty result, which is a normal answer.
var ErrUnavailable = errors.New("retrieval unavailable")

// Result is one retrieved chunk with its similarity score.
type Result struct {
	Chunk      chunk.Chunk
	Similarity float64
}

// searchConfig holds resolved search options.
type searchConfig struct {
	topK       int
	sourceType string
	sourceID   string
	minScore   float64
	perDocCap  int
	budget     int
}

// SearchOption configures a single Search call.
type SearchOption func(*searchConfig)

// WithTopK overrides how many results are returned.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithSourceType restricts results to one source type.
func WithSourceType(t string) SearchOption {
	return func(c *searchConfig) { c.sourceType = t }
}

// WithSourceID restricts results to one source.
func WithSourceID(id string) SearchOption {
	return func(c *searchConfig) { c.sourceID = id }
}

// WithMinSimilarity overrides the similarity floor.
func WithMinSimilarity(s float64) SearchOption {
	return func(c *searchConfig) { c.minScore = s }
}

// QueryEmbedder embeds a query string. *embed.Batcher satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Searcher runs a vector search. *index.Store satisfies it.
type Searcher interface {
	Search(ctx context.Context, vector []float32, opts index.SearchOptions) ([]index.Hit, error)
}

// Retriever performs semantic search. It is safe for concurrent use.
type Retriever struct {
	embedder          QueryEmbedder
	store             Searcher
	collectionVersion string
	defaults          searchConfig
	logger            *slog.Logger
}

// Config carries the retrieval defaults, normally taken from the
// application configuration.
type Config struct {
	CollectionVersion string
	TopK              int
	MinSimilarity     float64
	PerDocCap         int
	TokenBudget       int
}

// New creates a Retriever.
func New(embedder QueryEmbedder, store Searcher, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder:          embedder,
		store:             store,
		collectionVersion: cfg.CollectionVersion,
		defaults: searchConfig{
			topK:      cfg.TopK,
			minScore:  cfg.MinSimilarity,
			perDocCap: cfg.PerDocCap,
			budget:    cfg.TokenBudget,
		},
		logger: logger,
	}
}

// Search embeds the query and returns the best matching chunks. An
// empty slice is a valid answer on a cold or filtered-out index.
func (r *Retriever) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := r.defaults
	for _, opt := range opts {
		opt(&cfg)
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Over-fetch so the similarity floor and per-document cap still
	// leave topK survivors when the head of the ranking is clustered.
	fetch := cfg.topK * 4
	if cfg.perDocCap > 0 && cfg.topK*cfg.perDocCap > fetch {
		fetch = cfg.topK * cfg.perDocCap
	}
	hits, err := r.store.Search(ctx, vector, index.SearchOptions{
		CollectionVersion: r.collectionVersion,
		SourceType:        cfg.sourceType,
		SourceID:          cfg.sourceID,
		Limit:             fetch,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	results := rank(hits, cfg)
	r.logger.Debug("search complete",
		"candidates", len(hits), "results", len(results))
	return results, nil
}

// rank applies the similarity floor, deterministic ordering, the
// per-document cap, topK, and finally the token budget.
func rank(hits []index.Hit, cfg searchConfig) []Result {
	filtered := make([]index.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Similarity >= cfg.minScore {
			filtered = append(filtered, h)
		}
	}

	// Ties on score break on recency, then chunk id, so identical
	// queries return identical orderings.
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Chunk.IndexedAt.Equal(b.Chunk.IndexedAt) {
			return a.Chunk.IndexedAt.After(b.Chunk.IndexedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})

	perDoc := make(map[string]int)
	results := make([]Result, 0, cfg.topK)
	for _, h := range filtered {
		if cfg.perDocCap > 0 && perDoc[h.Chunk.DocumentID] >= cfg.perDocCap {
			continue
		}
		perDoc[h.Chunk.DocumentID]++
		results = append(results, Result{Chunk: h.Chunk, Similarity: h.Similarity})
		if len(results) == cfg.topK {
			break
		}
	}

	if cfg.budget > 0 {
		total := 0
		for _, res := range results {
			total += res.Chunk.TokenCount
		}
		for total > cfg.budget && len(results) > 1 {
			last := results[len(results)-1]
			total -= last.Chunk.TokenCount
			results = results[:len(results)-1]
		}
	}
	return results
}
