package config

import (
	"fmt"
	"slices"
)

// Validate checks configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Storage
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDB)
	}

	// Embedder
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 250 {
		return fmt.Errorf("%w: embed_batch_size must be between 1 and 250, got %d",
			ErrInvalidBatchSize, c.EmbedBatchSize)
	}
	if c.CollectionVersion < 1 {
		return fmt.Errorf("%w: collection_version must be >= 1, got %d",
			ErrInvalidVersion, c.CollectionVersion)
	}

	// Chunker: windows must nest (min <= max) and the overlap must leave
	// forward progress on every window.
	if c.ChunkMaxTokens < 1 || c.ChunkMinTokens < 1 || c.ChunkMinTokens > c.ChunkMaxTokens {
		return fmt.Errorf("%w: min %d, max %d", ErrInvalidChunkBounds, c.ChunkMinTokens, c.ChunkMaxTokens)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		return fmt.Errorf("%w: overlap %d must be below max %d",
			ErrInvalidChunkBounds, c.ChunkOverlapTokens, c.ChunkMaxTokens)
	}

	// Pipeline
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("%w: must be between 1 and 64, got %d", ErrInvalidWorkerCount, c.Workers)
	}

	// Retrieval
	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidTopK, c.TopK)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be in [0,1], got %.2f", ErrInvalidSimilarity, c.MinSimilarity)
	}
	if c.PerDocCap < 1 {
		return fmt.Errorf("%w: per_doc_cap must be >= 1, got %d", ErrInvalidPerDocCap, c.PerDocCap)
	}

	// Sources
	for i := range c.Sources {
		if err := c.Sources[i].validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate source id %q", ErrInvalidSource, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	return nil
}

var validSourceTypes = []string{SourceTypeWiki, SourceTypeCodex, SourceTypeSite, SourceTypeGameFiles}

func (s *SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidSource)
	}
	if !slices.Contains(validSourceTypes, s.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSource, s.Type)
	}
	if s.Strategy != StrategyFlat && s.Strategy != StrategyHierarchy {
		return fmt.Errorf("%w: unknown strategy %q (want %q or %q)",
			ErrInvalidSource, s.Strategy, StrategyFlat, StrategyHierarchy)
	}
	if s.Type != SourceTypeGameFiles && s.Endpoint == "" {
		return fmt.Errorf("%w: endpoint required for type %q", ErrInvalidSource, s.Type)
	}
	return nil
}
