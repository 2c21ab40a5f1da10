package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/embed"
	"github.com/lorekeep/lorekeep/internal/index"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/pipeline"
	"github.com/lorekeep/lorekeep/internal/source"
)

// app bundles the wired components shared by commands.
type app struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	store    *index.Store
	batcher  *embed.Batcher
	shutdown []func(context.Context) error
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newApp loads configuration and wires the database pool and embedder.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	a := &app{cfg: cfg}

	if cfg.TracingEnabled {
		stop, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: "lorekeep",
		}, nil)
		if err != nil {
			return nil, err
		}
		a.shutdown = append(a.shutdown, stop)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)

	a.store = index.New(pool, nil)
	a.batcher = newBatcher(cfg, embedder)
	return a, nil
}

func newBatcher(cfg *config.Config, embedder ai.Embedder) *embed.Batcher {
	return embed.NewBatcher(embedder,
		cfg.EmbedBatchSize,
		cfg.EmbedConcurrency,
		float64(cfg.EmbedRatePerSec),
		cfg.EmbedMaxRetries,
		config.VectorDimension,
		nil,
	)
}

// collectionVersion renders the configured version as the label stored
// with every chunk and matched on every search.
func collectionVersion(cfg *config.Config) string {
	return "v" + strconv.Itoa(cfg.CollectionVersion)
}

// close releases the pool and flushes tracing.
func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	for _, stop := range a.shutdown {
		_ = stop(ctx)
	}
}

// buildSources constructs one connector per configured source.
func (a *app) buildSources() ([]source.Connector, error) {
	cfg := a.cfg
	sources := make([]source.Connector, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		switch sc.Type {
		case config.SourceTypeWiki:
			sources = append(sources,
				source.NewWiki(sc.ID, sc.Endpoint, sc.Pages, cfg.UserAgent, cfg.FetchRetries, nil))
		case config.SourceTypeCodex:
			sources = append(sources,
				source.NewCodex(sc.ID, sc.Endpoint, cfg.UserAgent, cfg.FetchRetries, nil))
		case config.SourceTypeSite:
			sources = append(sources,
				source.NewSite(sc.ID, sc.Pages, cfg.UserAgent, cfg.FetchRetries, nil))
		case config.SourceTypeGameFiles:
			dir := sc.Endpoint
			if dir == "" {
				dir = cfg.GameFilesPath
			}
			sources = append(sources, source.NewGameFiles(sc.ID, dir, nil))
		default:
			return nil, fmt.Errorf("%w: %q has type %q", config.ErrInvalidSource, sc.ID, sc.Type)
		}
	}
	return sources, nil
}

// buildRunner wires the full ingestion pipeline.
func (a *app) buildRunner() (*pipeline.Runner, error) {
	if len(a.cfg.Sources) == 0 {
		return nil, config.ErrNoSources
	}
	sources, err := a.buildSources()
	if err != nil {
		return nil, err
	}
	normalizer, err := document.NewNormalizer(nil)
	if err != nil {
		return nil, fmt.Errorf("building normalizer: %w", err)
	}
	splitter := chunk.NewSplitter(a.cfg.ChunkMaxTokens, a.cfg.ChunkMinTokens, a.cfg.ChunkOverlapTokens)

	strategies := make(map[string]string, len(a.cfg.Sources))
	for _, sc := range a.cfg.Sources {
		strategies[sc.ID] = sc.Strategy
	}

	return pipeline.NewRunner(sources, normalizer, splitter, a.batcher, a.store, pipeline.Config{
		Workers:           a.cfg.Workers,
		RunTimeout:        a.cfg.RunTimeout,
		LockPath:          a.cfg.LockPath,
		FetchDelay:        a.cfg.FetchDelay,
		Strategies:        strategies,
		CollectionVersion: collectionVersion(a.cfg),
	}, nil), nil
}
