// Package index persists documents and embedded chunks in PostgreSQL
// and serves vector similarity search over them through pgvector.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/lorekeep/lorekeep/internal/chunk"
	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/retry"
	"github.com/lorekeep/lorekeep/internal/source"
)

// Write retry policy. A write that still fails after these attempts
// escalates to the run, since a partially written index must not be
// left silently stale.
const (
	writeAttempts   = 3
	writeRetryDelay = 500 * time.Millisecond
)

// ErrWrite indicates an index write failed. Write failures abort the
// run; a partially written index must not be mistaken for a complete one.
var ErrWrite = errors.New("index write failed")

// Querier is the subset of pgx operations the store needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	upsertDocumentSQL = `
		INSERT INTO documents (id, source_id, source_type, url, title, content_hash, fetched_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			content_hash = EXCLUDED.content_hash,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()`

	upsertChunkSQL = `
		INSERT INTO chunks (id, document_id, source_id, source_type, seq, body, token_count,
			heading_path, content_hash, title, url, collection_version, embedding, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			body = EXCLUDED.body,
			token_count = EXCLUDED.token_count,
			heading_path = EXCLUDED.heading_path,
			content_hash = EXCLUDED.content_hash,
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			collection_version = EXCLUDED.collection_version,
			embedding = EXCLUDED.embedding,
			indexed_at = EXCLUDED.indexed_at`

	deleteStaleChunksSQL = `DELETE FROM chunks WHERE document_id = $1 AND seq >= $2`

	chunkHashesSQL = `
		SELECT id, content_hash FROM chunks
		WHERE document_id = $1 AND collection_version = $2 AND embedding IS NOT NULL`

	documentHashSQL = `SELECT content_hash FROM documents WHERE id = $1`

	documentIDsSQL = `SELECT id FROM documents WHERE source_id = $1 ORDER BY id`

	retireDocumentSQL = `DELETE FROM documents WHERE id = $1`

	searchSQL = `
		SELECT id, document_id, source_id, source_type, seq, body, token_count,
			heading_path, title, url, indexed_at,
			1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE embedding IS NOT NULL
			AND collection_version = $2
			AND ($3 = '' OR source_type = $3)
			AND ($4 = '' OR source_id = $4)
		ORDER BY embedding <=> $1, indexed_at DESC, id
		LIMIT $5`

	sourceStateSQL = `SELECT change_token, last_crawled_at FROM source_state WHERE source_id = $1`

	saveSourceStateSQL = `
		INSERT INTO source_state (source_id, change_token, last_crawled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id) DO UPDATE SET
			change_token = EXCLUDED.change_token,
			last_crawled_at = EXCLUDED.last_crawled_at`
)

// Hit is one search result row.
type Hit struct {
	Chunk      chunk.Chunk
	Similarity float64
}

// Store reads and writes the vector index. It is safe for concurrent
// use by multiple goroutines.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// New creates a Store over a pgx pool or transaction.
func New(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// exec runs a write statement, retrying transient failures. Safe for
// every store write because they are all idempotent upserts or deletes.
func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	return retry.Do(ctx, func() error {
		_, err := s.db.Exec(ctx, sql, args...)
		return err
	}, writeAttempts, writeRetryDelay)
}

// UpsertDocument writes the document row. Chunk rows reference it.
func (s *Store) UpsertDocument(ctx context.Context, doc *document.Document) error {
	err := s.exec(ctx, upsertDocumentSQL,
		doc.ID, doc.SourceID, doc.SourceType, doc.URL, doc.Title,
		doc.ContentHash, doc.FetchedAt)
	if err != nil {
		return fmt.Errorf("%w: document %q: %v", ErrWrite, doc.ID, err)
	}
	return nil
}

// UpsertChunks writes chunks with their vectors. vectors is aligned
// with chunks; a nil vector stores the chunk with a NULL embedding so
// search skips it until a later run embeds it.
func (s *Store) UpsertChunks(ctx context.Context, collectionVersion string, chunks []chunk.Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: %d vectors for %d chunks", ErrWrite, len(vectors), len(chunks))
	}
	for i, c := range chunks {
		var embedding any
		if vectors[i] != nil {
			v := pgvector.NewVector(vectors[i])
			embedding = &v
		}
		err := s.exec(ctx, upsertChunkSQL,
			c.ID, c.DocumentID, c.SourceID, c.SourceType, c.Seq, c.Text,
			c.TokenCount, c.HeadingPath, c.ContentHash, c.Title, c.URL,
			collectionVersion, embedding, c.IndexedAt)
		if err != nil {
			return fmt.Errorf("%w: chunk %q: %v", ErrWrite, c.ID, err)
		}
	}
	return nil
}

// TrimChunks removes a document's rows at or beyond keep, so shrinking
// documents leave no stale tail.
func (s *Store) TrimChunks(ctx context.Context, docID string, keep int) error {
	if err := s.exec(ctx, deleteStaleChunksSQL, docID, keep); err != nil {
		return fmt.Errorf("%w: trimming %q: %v", ErrWrite, docID, err)
	}
	return nil
}

// ChunkHashes returns the content hash of every embedded chunk of a
// document in the given collection. Chunks whose hash already matches
// a returned entry are skipped by the next ingest, with no embedding
// call and no write. NULL-embedding rows are left out so they get
// re-embedded.
func (s *Store) ChunkHashes(ctx context.Context, collectionVersion, docID string) (map[string]string, error) {
	rows, err := s.db.Query(ctx, chunkHashesSQL, docID, collectionVersion)
	if err != nil {
		return nil, fmt.Errorf("reading chunk hashes for %q: %w", docID, err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning chunk hash: %w", err)
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// DocumentHash returns the stored content hash for a document, or ""
// when the document is not indexed yet.
func (s *Store) DocumentHash(ctx context.Context, docID string) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, documentHashSQL, docID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading hash for %q: %w", docID, err)
	}
	return hash, nil
}

// DocumentIDs lists every indexed document id for a source. Full runs
// diff this against the fetched set to find retired documents.
func (s *Store) DocumentIDs(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.Query(ctx, documentIDsSQL, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing documents for %q: %w", sourceID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Retire removes a document and, through the cascade, its chunks.
func (s *Store) Retire(ctx context.Context, docID string) error {
	if err := s.exec(ctx, retireDocumentSQL, docID); err != nil {
		return fmt.Errorf("%w: retiring %q: %v", ErrWrite, docID, err)
	}
	s.logger.Debug("retired document", "id", docID)
	return nil
}

// SearchOptions filter and bound a vector search.
type SearchOptions struct {
	CollectionVersion string
	SourceType        string
	SourceID          string
	Limit             int
}

// Search returns the chunks nearest to the query vector under cosine
// distance, most similar first. Chunks without an embedding never match.
func (s *Store) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	qv := pgvector.NewVector(vector)
	rows, err := s.db.Query(ctx, searchSQL,
		&qv, opts.CollectionVersion, opts.SourceType, opts.SourceID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h         Hit
			indexedAt time.Time
		)
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.SourceID,
			&h.Chunk.SourceType, &h.Chunk.Seq, &h.Chunk.Text, &h.Chunk.TokenCount,
			&h.Chunk.HeadingPath, &h.Chunk.Title, &h.Chunk.URL, &indexedAt,
			&h.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		h.Chunk.IndexedAt = indexedAt
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SourceState loads the crawl state for a source. A source never
// crawled before returns a zero State.
func (s *Store) SourceState(ctx context.Context, sourceID string) (source.State, error) {
	var st source.State
	err := s.db.QueryRow(ctx, sourceStateSQL, sourceID).Scan(&st.ChangeToken, &st.LastCrawledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return source.State{}, nil
	}
	if err != nil {
		return source.State{}, fmt.Errorf("reading state for %q: %w", sourceID, err)
	}
	return st, nil
}

// SaveSourceState persists crawl state. Called only after every
// document of the source has been committed, so a crashed run repeats
// work instead of skipping it.
func (s *Store) SaveSourceState(ctx context.Context, sourceID string, st source.State) error {
	if err := s.exec(ctx, saveSourceStateSQL, sourceID, st.ChangeToken, st.LastCrawledAt); err != nil {
		return fmt.Errorf("%w: state for %q: %v", ErrWrite, sourceID, err)
	}
	return nil
}
