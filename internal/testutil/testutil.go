// Package testutil provides shared test doubles and integration
// helpers: a deterministic embedder and a disposable pgvector database.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lorekeep/lorekeep/db"
	"github.com/lorekeep/lorekeep/internal/log"
)

// Embedder is a deterministic in-memory ai.Embedder. The same text
// always embeds to the same vector, and different texts almost always
// differ, so similarity assertions are stable without a model.
type Embedder struct {
	Dimension int

	// Fail makes Embed return an error when it returns true for a
	// call's input texts. Nil never fails.
	Fail func(texts []string) bool

	mu    sync.Mutex
	calls int
}

var _ ai.Embedder = (*Embedder)(nil)

// NewEmbedder returns an Embedder producing vectors of the given size.
func NewEmbedder(dimension int) *Embedder {
	return &Embedder{Dimension: dimension}
}

// Embed implements ai.Embedder.
func (e *Embedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	texts := make([]string, len(req.Input))
	for i, doc := range req.Input {
		for _, part := range doc.Content {
			texts[i] += part.Text
		}
	}
	if e.Fail != nil && e.Fail(texts) {
		return nil, fmt.Errorf("embedder unavailable")
	}

	resp := &ai.EmbedResponse{Embeddings: make([]*ai.Embedding, len(texts))}
	for i, text := range texts {
		resp.Embeddings[i] = &ai.Embedding{Embedding: e.vector(text)}
	}
	return resp, nil
}

// Name implements ai.Embedder.
func (e *Embedder) Name() string { return "testutil/embedder" }

// Register implements ai.Embedder.
func (e *Embedder) Register(_ api.Registry) {}

// Calls reports how many Embed calls were made.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// vector derives a unit-length vector from the text's hash.
func (e *Embedder) vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, e.Dimension)
	var norm float64
	for i := range v {
		bits := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		v[i] = float32(bits%1000)/1000 + float32(i%7)/7
		norm += float64(v[i]) * float64(v[i])
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

// QuietLogger returns a logger that discards everything.
func QuietLogger() *slog.Logger {
	return log.NewNop()
}

// StartPostgres launches a disposable pgvector-enabled PostgreSQL
// container, applies migrations and returns its connection URL. Tests
// calling it must be guarded with testing.Short or a docker check.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	// testcontainers panics rather than returning an error when no
	// Docker host can be found; fold that into the same skip path.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("skipping: cannot start postgres container: %v", r)
		}
	}()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("lorekeep_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: cannot start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	connURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	if err := db.Migrate(connURL); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return connURL
}
