package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/retry"
)

// Codex pulls structured game records (items, classes, abilities,
// locations) from a paginated JSON API. Each record keeps its structured
// form for schema validation and is also rendered into a readable text
// block for chunking and embedding.
//
// Capabilities: Fetcher, ChangeDetector.
type Codex struct {
	id       string
	endpoint string
	opts     httpOptions
	client   *http.Client
	logger   *slog.Logger
}

var (
	_ Connector      = (*Codex)(nil)
	_ Fetcher        = (*Codex)(nil)
	_ ChangeDetector = (*Codex)(nil)
)

// codexPage is one page of the codex API response.
type codexPage struct {
	Entries []codexEntry `json:"entries"`
	Next    string       `json:"next"`
}

type codexEntry struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
	Record map[string]any `json:"record"`
}

// NewCodex creates a codex API connector.
func NewCodex(id, endpoint, userAgent string, retries int, logger *slog.Logger) *Codex {
	if logger == nil {
		logger = slog.Default()
	}
	opts := defaultHTTPOptions(userAgent, retries)
	return &Codex{
		id:       id,
		endpoint: endpoint,
		opts:     opts,
		client:   &http.Client{Timeout: opts.httpTimeout},
		logger:   logger,
	}
}

func (c *Codex) ID() string   { return c.id }
func (c *Codex) Type() string { return "codex" }

// Fetch walks the API page by page until the next cursor is empty.
func (c *Codex) Fetch(ctx context.Context) ([]document.Raw, error) {
	var raws []document.Raw
	url := c.endpoint
	for url != "" {
		var body []byte
		err := retry.Do(ctx, func() error {
			var err error
			body, _, err = c.opts.get(ctx, c.client, url)
			return err
		}, c.opts.retries, c.opts.retryDelay)
		if err != nil {
			return nil, err
		}

		var page codexPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrFetch, url, err)
		}

		now := time.Now().UTC()
		for _, entry := range page.Entries {
			record := entry.Record
			if record == nil {
				record = map[string]any{}
			}
			if _, ok := record["id"]; !ok && entry.ID != "" {
				record["id"] = entry.ID
			}
			if _, ok := record["name"]; !ok && entry.Name != "" {
				record["name"] = entry.Name
			}
			raws = append(raws, document.Raw{
				SourceID:   c.id,
				ID:         entry.ID,
				URL:        url,
				Title:      entry.Name,
				Body:       RenderRecord(entry.Name, record),
				Meta:       map[string]string{"kind": entry.Kind},
				Structured: record,
				FetchedAt:  now,
			})
		}

		next := page.Next
		if next == url {
			return nil, fmt.Errorf("%w: pagination loop at %s", ErrFetch, url)
		}
		url = next
	}
	c.logger.Debug("fetched codex entries", "source", c.id, "count", len(raws))
	return raws, nil
}

// ChangeToken probes the first page for an ETag or Last-Modified header.
func (c *Codex) ChangeToken(ctx context.Context) (string, error) {
	var token string
	err := retry.Do(ctx, func() error {
		var err error
		token, err = c.opts.probeToken(ctx, c.client, c.endpoint)
		return err
	}, c.opts.retries, c.opts.retryDelay)
	return token, err
}

// recordFieldOrder lists the structured fields worth a line of their own,
// in presentation order. Anything else lands under a generic key: value
// line at the end.
var recordFieldOrder = []string{
	"type", "rarity", "level", "archetype", "role", "description",
	"stats", "effects", "requirements", "region", "biome", "coordinates",
}

// RenderRecord turns a structured record into the "Name: value" text
// block that gets chunked and embedded. Rendering is deterministic so
// unchanged records hash identically between runs.
func RenderRecord(name string, record map[string]any) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	covered := map[string]bool{"id": true, "name": true}
	for _, key := range recordFieldOrder {
		if value, ok := record[key]; ok {
			writeRecordField(&b, key, value)
			covered[key] = true
		}
	}
	var rest []string
	for key := range record {
		if !covered[key] {
			rest = append(rest, key)
		}
	}
	slices.Sort(rest)
	for _, key := range rest {
		writeRecordField(&b, key, record[key])
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeRecordField(b *strings.Builder, key string, value any) {
	label := strings.ToUpper(key[:1]) + key[1:]
	switch v := value.(type) {
	case map[string]any:
		fmt.Fprintf(b, "%s:\n", label)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "  %s: %v\n", k, v[k])
		}
	case []any:
		fmt.Fprintf(b, "%s:\n", label)
		for _, item := range v {
			fmt.Fprintf(b, "  - %v\n", item)
		}
	case float64:
		if v == float64(int64(v)) {
			fmt.Fprintf(b, "%s: %d\n", label, int64(v))
		} else {
			fmt.Fprintf(b, "%s: %v\n", label, v)
		}
	default:
		fmt.Fprintf(b, "%s: %v\n", label, v)
	}
}
