package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/index"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeSearcher struct {
	hits []index.Hit
	err  error
	opts index.SearchOptions
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, opts index.SearchOptions) ([]index.Hit, error) {
	f.opts = opts
	return f.hits, f.err
}

func hit(id, docID string, similarity float64, tokens int, indexedAt time.Time) index.Hit {
	return index.Hit{
		Chunk: chunk.Chunk{
			ID:         id,
			DocumentID: docID,
			Text:       "text for " + id,
			TokenCount: tokens,
			IndexedAt:  indexedAt,
		},
		Similarity: similarity,
	}
}

func newTestRetriever(store Searcher) *Retriever {
	return New(&fakeEmbedder{}, store, Config{
		CollectionVersion: "v1",
		TopK:              5,
		MinSimilarity:     0.3,
		PerDocCap:         2,
		TokenBudget:       2000,
	}, nil)
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	now := time.Now()
	store := &fakeSearcher{hits: []index.Hit{
		hit("a#0000", "a", 0.60, 10, now),
		hit("b#0000", "b", 0.90, 10, now),
		hit("c#0000", "c", 0.75, 10, now),
	}}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "b#0000", results[0].Chunk.ID)
	assert.Equal(t, "c#0000", results[1].Chunk.ID)
	assert.Equal(t, "a#0000", results[2].Chunk.ID)
}

func TestSearch_TieBreakRecencyThenID(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	store := &fakeSearcher{hits: []index.Hit{
		hit("z#0000", "z", 0.80, 10, older),
		hit("a#0001", "a", 0.80, 10, newer),
		hit("a#0000", "a", 0.80, 10, newer),
	}}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a#0000", results[0].Chunk.ID)
	assert.Equal(t, "a#0001", results[1].Chunk.ID)
	assert.Equal(t, "z#0000", results[2].Chunk.ID)
}

func TestSearch_SimilarityFloor(t *testing.T) {
	now := time.Now()
	store := &fakeSearcher{hits: []index.Hit{
		hit("a#0000", "a", 0.95, 10, now),
		hit("b#0000", "b", 0.29, 10, now),
		hit("c#0000", "c", 0.10, 10, now),
	}}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a#0000", results[0].Chunk.ID)
}

func TestSearch_PerDocumentCap(t *testing.T) {
	now := time.Now()
	// Three chunks of one document outrank everything else; the cap
	// keeps two and lets the next document through.
	store := &fakeSearcher{hits: []index.Hit{
		hit("doc1#0000", "doc1", 0.95, 10, now),
		hit("doc1#0001", "doc1", 0.94, 10, now),
		hit("doc1#0002", "doc1", 0.93, 10, now),
		hit("doc2#0000", "doc2", 0.80, 10, now),
	}}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "doc1#0000", results[0].Chunk.ID)
	assert.Equal(t, "doc1#0001", results[1].Chunk.ID)
	assert.Equal(t, "doc2#0000", results[2].Chunk.ID)
}

func TestSearch_TopK(t *testing.T) {
	now := time.Now()
	var hits []index.Hit
	for i := range 20 {
		hits = append(hits, hit(
			string(rune('a'+i))+"#0000", string(rune('a'+i)), 0.9-float64(i)/100, 10, now))
	}
	store := &fakeSearcher{hits: hits}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query", WithTopK(3))
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearch_TokenBudgetTrimsLowestRanked(t *testing.T) {
	now := time.Now()
	store := &fakeSearcher{hits: []index.Hit{
		hit("a#0000", "a", 0.90, 900, now),
		hit("b#0000", "b", 0.80, 900, now),
		hit("c#0000", "c", 0.70, 900, now),
	}}
	r := newTestRetriever(store)

	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	// 2700 tokens exceed the 2000 budget; the lowest ranked chunk goes.
	require.Len(t, results, 2)
	assert.Equal(t, "a#0000", results[0].Chunk.ID)
	assert.Equal(t, "b#0000", results[1].Chunk.ID)
}

func TestSearch_EmptyIndexIsNotAnError(t *testing.T) {
	r := newTestRetriever(&fakeSearcher{})
	results, err := r.Search(context.Background(), "query")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_StoreFailure(t *testing.T) {
	r := newTestRetriever(&fakeSearcher{err: errors.New("connection refused")})
	_, err := r.Search(context.Background(), "query")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSearch_EmbedFailure(t *testing.T) {
	wantErr := errors.New("model down")
	r := New(&fakeEmbedder{err: wantErr}, &fakeSearcher{}, Config{TopK: 5}, nil)
	_, err := r.Search(context.Background(), "query")
	assert.ErrorIs(t, err, wantErr)
}

func TestSearch_FiltersReachStore(t *testing.T) {
	store := &fakeSearcher{}
	r := newTestRetriever(store)

	_, err := r.Search(context.Background(), "query",
		WithSourceType("wiki"), WithSourceID("aoc-wiki"))
	require.NoError(t, err)
	assert.Equal(t, "v1", store.opts.CollectionVersion)
	assert.Equal(t, "wiki", store.opts.SourceType)
	assert.Equal(t, "aoc-wiki", store.opts.SourceID)
	assert.GreaterOrEqual(t, store.opts.Limit, 5)
}
