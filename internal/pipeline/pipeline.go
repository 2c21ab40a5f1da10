// Package pipeline orchestrates ingestion runs: it fans out over the
// configured sources, turns fetched content into validated documents,
// chunks and embeds them, and commits the result to the vector index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/source"
)

var (
	// ErrRunInProgress indicates another ingestion run holds the lock.
	ErrRunInProgress = errors.New("ingestion run already in progress")

	// ErrUnknownSource indicates a requested source id is not configured.
	ErrUnknownSource = errors.New("unknown source")
)

// Mode selects how much work a run does.
type Mode string

const (
	// ModeFull refetches everything and retires documents that
	// disappeared from their source.
	ModeFull Mode = "full"

	// ModeIncremental skips sources whose change token is unchanged
	// and documents whose content hash is unchanged.
	ModeIncremental Mode = "incremental"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
)

// SourceReport records what happened to one source during a run.
type SourceReport struct {
	SourceID           string        `json:"source_id"`
	SourceType         string        `json:"source_type"`
	Skipped            bool          `json:"skipped"`
	DocsIndexed        int           `json:"docs_indexed"`
	DocsUnchanged      int           `json:"docs_unchanged"`
	DocsRetired        int           `json:"docs_retired"`
	ChunksEmbedded     int           `json:"chunks_embedded"`
	ChunksSkipped      int           `json:"chunks_skipped"`
	ChunksUnembedded   int           `json:"chunks_unembedded"`
	EmbedFailures      []string      `json:"embed_failures,omitempty"`
	ValidationFailures int           `json:"validation_failures"`
	FetchFailures      int           `json:"fetch_failures"`
	Duration           time.Duration `json:"duration"`
	Err                string        `json:"error,omitempty"`
}

// Manifest summarizes a completed run.
type Manifest struct {
	RunID      string         `json:"run_id"`
	Mode       Mode           `json:"mode"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceReport `json:"sources"`
}

// Config carries the runner's tunables.
type Config struct {
	Workers    int
	RunTimeout time.Duration
	LockPath   string
	FetchDelay time.Duration
	// Strategies maps source id to chunking strategy; sources without
	// an entry chunk flat.
	Strategies        map[string]string
	CollectionVersion string
}

// Indexer is the slice of the index store the runner needs.
// *index.Store satisfies it.
type Indexer interface {
	SourceState(ctx context.Context, sourceID string) (source.State, error)
	SaveSourceState(ctx context.Context, sourceID string, st source.State) error
	DocumentHash(ctx context.Context, docID string) (string, error)
	DocumentIDs(ctx context.Context, sourceID string) ([]string, error)
	Retire(ctx context.Context, docID string) error
	UpsertDocument(ctx context.Context, doc *document.Document) error
	UpsertChunks(ctx context.Context, collectionVersion string, chunks []chunk.Chunk, vectors [][]float32) error
	TrimChunks(ctx context.Context, docID string, keep int) error
	ChunkHashes(ctx context.Context, collectionVersion, docID string) (map[string]string, error)
}

// Embedder turns chunks into vectors. *embed.Batcher satisfies it.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*embed.Result, error)
}

// Runner executes ingestion runs. A Runner is safe for concurrent use,
// but only one run proceeds at a time; concurrent Run calls and other
// processes holding the file lock get ErrRunInProgress.
type Runner struct {
	sources    []source.Connector
	normalizer *document.Normalizer
	splitter   *chunk.Splitter
	batcher    Embedder
	store      Indexer
	cfg        Config
	tracer     trace.Tracer
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRunner creates a Runner over the given components.
func NewRunner(sources []source.Connector, normalizer *document.Normalizer, splitter *chunk.Splitter, batcher Embedder, store Indexer, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sources:    sources,
		normalizer: normalizer,
		splitter:   splitter,
		batcher:    batcher,
		store:      store,
		cfg:        cfg,
		tracer:     otel.Tracer("lorekeep/pipeline"),
		logger:     logger,
	}
}

// Run executes one ingestion run. sourceID narrows the run to a single
// source when non-empty. The returned manifest is non-nil whenever the
// run started, including partially failed runs.
func (r *Runner) Run(ctx context.Context, mode Mode, sourceID string) (*Manifest, error) {
	targets, err := r.selectSources(sourceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	lock := flock.New(r.cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return nil, ErrRunInProgress
	}
	defer lock.Unlock()

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	manifest := &Manifest{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Sources:   make([]SourceReport, len(targets)),
	}

	ctx, span := r.tracer.Start(ctx, "ingest.run",
		trace.WithAttributes(
			attribute.String("run.id", manifest.RunID),
			attribute.String("run.mode", string(mode)),
			attribute.Int("run.sources", len(targets)),
		))
	defer span.End()

	r.logger.Info("ingestion run started",
		"run_id", manifest.RunID, "mode", mode, "sources", len(targets))

	// The pool lives for a single run; without a purger, Release
	// leaves no background goroutines behind.
	pool, err := ants.NewPool(r.cfg.Workers, ants.WithDisablePurge(true))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, conn := range targets {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			manifest.Sources[i] = r.runSource(ctx, mode, conn)
		})
		if submitErr != nil {
			manifest.Sources[i] = SourceReport{
				SourceID:   conn.ID(),
				SourceType: conn.Type(),
				Err:        submitErr.Error(),
			}
			wg.Done()
		}
	}
	wg.Wait()

	manifest.FinishedAt = time.Now().UTC()
	manifest.Status = StatusCompleted
	for _, report := range manifest.Sources {
		if report.Err != "" || report.ChunksUnembedded > 0 || report.FetchFailures > 0 {
			manifest.Status = StatusPartiallyFailed
			break
		}
	}

	r.logger.Info("ingestion run finished",
		"run_id", manifest.RunID, "status", manifest.Status,
		"duration", manifest.FinishedAt.Sub(manifest.StartedAt))
	return manifest, nil
}

func (r *Runner) selectSources(sourceID string) ([]source.Connector, error) {
	if sourceID == "" {
		return r.sources, nil
	}
	for _, conn := range r.sources {
		if conn.ID() == sourceID {
			return []source.Connector{conn}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
}

// runSource ingests one source end to end. Per-document problems are
// counted and skipped; fetch or index failures mark the whole source
// failed without touching its saved state.
func (r *Runner) runSource(ctx context.Context, mode Mode, conn source.Connector) SourceReport {
	start := time.Now()
	report := SourceReport{SourceID: conn.ID(), SourceType: conn.Type()}
	logger := r.logger.With("source", conn.ID(), "type", conn.Type())

	ctx, span := r.tracer.Start(ctx, "ingest.source",
		trace.WithAttributes(attribute.String("source.id", conn.ID())))
	defer span.End()

	state, err := r.store.SourceState(ctx, conn.ID())
	if err != nil {
		report.Err = err.Error()
		report.Duration = time.Since(start)
		return report
	}

	var newToken string
	if detector, ok := conn.(source.ChangeDetector); ok {
		token, tokenErr := detector.ChangeToken(ctx)
		if tokenErr != nil {
			// A token probe failure degrades to hash-based change
			// detection rather than failing the source.
			logger.Warn("change token unavailable", "error", tokenErr)
		} else {
			newToken = token
			if mode == ModeIncremental && token != "" && token == state.ChangeToken {
				logger.Info("source unchanged, skipping")
				report.Skipped = true
				report.Duration = time.Since(start)
				return report
			}
		}
	}

	raws, fetchFailures, err := r.fetch(ctx, conn)
	if err != nil {
		report.Err = err.Error()
		report.Duration = time.Since(start)
		return report
	}
	report.FetchFailures = fetchFailures

	strategy := r.cfg.Strategies[conn.ID()]
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			report.Err = err.Error()
			report.Duration = time.Since(start)
			return report
		}

		doc, normErr := r.normalizer.Normalize(raw, conn.Type())
		if normErr != nil {
			if errors.Is(normErr, document.ErrValidation) {
				logger.Warn("document rejected", "doc", raw.ID, "error", normErr)
				report.ValidationFailures++
				continue
			}
			report.Err = normErr.Error()
			report.Duration = time.Since(start)
			return report
		}
		seen[doc.ID] = true

		storedHash, hashErr := r.store.DocumentHash(ctx, doc.ID)
		if hashErr != nil {
			report.Err = hashErr.Error()
			report.Duration = time.Since(start)
			return report
		}

		chunks := r.splitter.Split(doc, strategy)

		// Chunk hashes are the dedup identity: a chunk whose hash is
		// already embedded in this collection needs no embedding call
		// and no write. NULL-embedding rows from a failed batch are
		// absent from the map, so they come back as pending even when
		// the document hash is unchanged.
		existing, hashesErr := r.store.ChunkHashes(ctx, r.cfg.CollectionVersion, doc.ID)
		if hashesErr != nil {
			report.Err = hashesErr.Error()
			report.Duration = time.Since(start)
			return report
		}
		var pending []chunk.Chunk
		for _, c := range chunks {
			if existing[c.ID] == c.ContentHash {
				report.ChunksSkipped++
				continue
			}
			pending = append(pending, c)
		}
		if storedHash == doc.ContentHash && len(pending) == 0 {
			report.DocsUnchanged++
			continue
		}
		if storedHash == doc.ContentHash {
			logger.Info("re-embedding document with missing vectors",
				"doc", doc.ID, "pending", len(pending))
		}

		now := time.Now().UTC()
		for i := range pending {
			pending[i].IndexedAt = now
		}

		if len(pending) > 0 {
			result, embedErr := r.batcher.EmbedChunks(ctx, pending)
			if embedErr != nil {
				report.Err = embedErr.Error()
				report.Duration = time.Since(start)
				return report
			}
			report.ChunksEmbedded += len(pending) - result.Failed()
			report.ChunksUnembedded += result.Failed()
			for _, failure := range result.Failures {
				report.EmbedFailures = append(report.EmbedFailures,
					fmt.Sprintf("%s chunks %d-%d: %v",
						doc.ID, failure.Start, failure.Start+failure.Count-1, failure.Err))
			}
			if err := r.store.UpsertDocument(ctx, doc); err != nil {
				report.Err = err.Error()
				report.Duration = time.Since(start)
				return report
			}
			if err := r.store.UpsertChunks(ctx, r.cfg.CollectionVersion, pending, result.Vectors); err != nil {
				report.Err = err.Error()
				report.Duration = time.Since(start)
				return report
			}
		} else if err := r.store.UpsertDocument(ctx, doc); err != nil {
			report.Err = err.Error()
			report.Duration = time.Since(start)
			return report
		}
		if err := r.store.TrimChunks(ctx, doc.ID, len(chunks)); err != nil {
			report.Err = err.Error()
			report.Duration = time.Since(start)
			return report
		}
		report.DocsIndexed++
	}

	// A page that failed to fetch is absent from seen without being
	// gone from the source, so retirement is only safe on a clean
	// fetch. The old change token is kept for the same reason: the
	// next incremental run must come back for the missed pages.
	if mode == ModeFull && report.FetchFailures == 0 {
		retired, retireErr := r.retireMissing(ctx, conn.ID(), seen)
		if retireErr != nil {
			report.Err = retireErr.Error()
			report.Duration = time.Since(start)
			return report
		}
		report.DocsRetired = retired
	}

	token := newToken
	if report.FetchFailures > 0 {
		token = state.ChangeToken
	}
	if err := r.store.SaveSourceState(ctx, conn.ID(), source.State{
		ChangeToken:   token,
		LastCrawledAt: time.Now().UTC(),
	}); err != nil {
		report.Err = err.Error()
		report.Duration = time.Since(start)
		return report
	}

	report.Duration = time.Since(start)
	logger.Info("source ingested",
		"docs", report.DocsIndexed, "unchanged", report.DocsUnchanged,
		"retired", report.DocsRetired, "unembedded", report.ChunksUnembedded,
		"validation_failures", report.ValidationFailures)
	return report
}

// fetch pulls raw documents using whichever capability set the
// connector implements. Listing connectors tolerate individual page
// failures; whole-feed connectors fail as a unit.
func (r *Runner) fetch(ctx context.Context, conn source.Connector) ([]document.Raw, int, error) {
	if lister, ok := conn.(source.Lister); ok {
		fetcher, ok := conn.(source.DetailFetcher)
		if !ok {
			return nil, 0, fmt.Errorf("source %q lists candidates but cannot fetch them", conn.ID())
		}
		candidates, err := lister.List(ctx)
		if err != nil {
			return nil, 0, err
		}
		var (
			raws     []document.Raw
			failures int
		)
		for i, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, failures, err
			}
			if i > 0 && r.cfg.FetchDelay > 0 {
				timer := time.NewTimer(r.cfg.FetchDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, failures, ctx.Err()
				case <-timer.C:
				}
			}
			raw, err := fetcher.FetchDetail(ctx, cand)
			if err != nil {
				r.logger.Warn("fetch failed",
					"source", conn.ID(), "candidate", cand.ID, "error", err)
				failures++
				continue
			}
			raws = append(raws, raw)
		}
		return raws, failures, nil
	}
	if fetcher, ok := conn.(source.Fetcher); ok {
		raws, err := fetcher.Fetch(ctx)
		return raws, 0, err
	}
	return nil, 0, fmt.Errorf("source %q implements no fetch capability", conn.ID())
}

// retireMissing deletes indexed documents the source no longer serves.
func (r *Runner) retireMissing(ctx context.Context, sourceID string, seen map[string]bool) (int, error) {
	ids, err := r.store.DocumentIDs(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if err := r.store.Retire(ctx, id); err != nil {
			return retired, err
		}
		retired++
	}
	return retired, nil
}
