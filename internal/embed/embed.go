// Package embed turns chunk text into fixed-dimension vectors through a
// Genkit embedder, with batching, rate limiting and bounded concurrency
// around the model calls.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/retry"
)

// ErrEmbedding indicates the embedding model call failed after retries.
var ErrEmbedding = errors.New("embedding failed")

// BatchFailure records one batch the model refused after all retries.
// The chunks in a failed batch stay unembedded rather than sinking the
// whole run.
type BatchFailure struct {
	Start int // index of the first chunk in the failed batch
	Count int
	Err   error
}

// Result holds vectors aligned with the input chunk slice. Vectors[i]
// is nil exactly when chunk i belonged to a failed batch.
type Result struct {
	Vectors  [][]float32
	Failures []BatchFailure
}

// Failed reports the number of chunks without a vector.
func (r *Result) Failed() int {
	n := 0
	for _, f := range r.Failures {
		n += f.Count
	}
	return n
}

// Batcher slices chunk lists into model-sized batches and embeds them
// concurrently. A shared rate limiter keeps the request rate under the
// provider quota regardless of concurrency.
type Batcher struct {
	embedder    ai.Embedder
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
	retries     int
	retryDelay  time.Duration
	dimension   int32
	logger      *slog.Logger
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithRetryDelay overrides the base backoff delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Batcher) { b.retryDelay = d }
}

// NewBatcher creates a Batcher. ratePerSec bounds model requests per
// second across all workers; dimension is requested from the model so
// stored vectors match the index column.
func NewBatcher(embedder ai.Embedder, batchSize, concurrency int, ratePerSec float64, retries int, dimension int32, logger *slog.Logger, opts ...Option) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batcher{
		embedder:    embedder,
		batchSize:   batchSize,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), 1),
		retries:     retries,
		retryDelay:  time.Second,
		dimension:   dimension,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EmbedChunks embeds every chunk and returns vectors aligned with the
// input. Batches fail independently; only a context error aborts the
// whole call.
func (b *Batcher) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*Result, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return b.embedTexts(ctx, texts)
}

// EmbedQuery embeds a single query string.
func (b *Batcher) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	res, err := b.embedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(res.Failures) > 0 {
		return nil, res.Failures[0].Err
	}
	return res.Vectors[0], nil
}

func (b *Batcher) embedTexts(ctx context.Context, texts []string) (*Result, error) {
	result := &Result{Vectors: make([][]float32, len(texts))}
	if len(texts) == 0 {
		return result, nil
	}

	type batch struct {
		start int
		texts []string
	}
	var batches []batch
	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, b.concurrency)
	)
	for _, bt := range batches {
		if err := ctx.Err(); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			vectors, err := b.embedBatch(ctx, bt.texts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Warn("embedding batch failed",
					"start", bt.start, "count", len(bt.texts), "error", err)
				result.Failures = append(result.Failures, BatchFailure{
					Start: bt.start,
					Count: len(bt.texts),
					Err:   err,
				})
				return
			}
			copy(result.Vectors[bt.start:], vectors)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// embedBatch performs one model call with rate limiting and retries.
func (b *Batcher) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}
	req := &ai.EmbedRequest{
		Input: docs,
		Options: &genai.EmbedContentConfig{
			OutputDimensionality: genai.Ptr(b.dimension),
		},
	}

	var vectors [][]float32
	err := retry.Do(ctx, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := b.embedder.Embed(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEmbedding, err)
		}
		if len(resp.Embeddings) != len(texts) {
			return fmt.Errorf("%w: got %d embeddings for %d inputs",
				ErrEmbedding, len(resp.Embeddings), len(texts))
		}
		vectors = make([][]float32, len(resp.Embeddings))
		for i, emb := range resp.Embeddings {
			if len(emb.Embedding) != int(b.dimension) {
				return fmt.Errorf("%w: dimension %d, want %d",
					ErrEmbedding, len(emb.Embedding), b.dimension)
			}
			vectors[i] = emb.Embedding
		}
		return nil
	}, b.retries, b.retryDelay)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
