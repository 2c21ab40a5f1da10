// Package document defines the normalized Document representation and the
// Validator/Normalizer that produces it from raw connector records.
//
// A Document is immutable once created: when a source page changes, the
// next run produces a new Document value with a new content hash. The
// hash, not a timestamp, is what the rest of the pipeline trusts for
// change detection.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks a malformed raw record. Validation failures are
// logged and skipped by callers; they are never retried and never halt a
// batch.
var ErrValidation = errors.New("validation failed")

// Raw is an unvalidated record emitted by a source connector.
type Raw struct {
	SourceID string
	ID       string // source-local identifier (page slug, entry id, file key)
	URL      string
	Title    string
	Body     string // text with optional #-prefixed heading lines; may carry residual markup
	Meta     map[string]string
	// Structured carries the decoded JSON payload for codex/gamefiles
	// records, validated against a schema before normalization.
	Structured map[string]any
	FetchedAt  time.Time
}

// Document is the normalized unit of content.
type Document struct {
	ID          string // "<source>:<slug>"
	SourceID    string
	SourceType  string
	URL         string
	Title       string
	Body        string // UTF-8, whitespace-collapsed, markup-free
	Meta        map[string]string
	FetchedAt   time.Time
	ContentHash string // SHA-256 hex of Body
}

// Hash returns the SHA-256 hex digest of text. It is the single hashing
// primitive for both document bodies and chunk text, so identity checks
// compare like with like.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DocID derives a stable document id from a source id and a source-local
// identifier. Slashes and spaces collapse to underscores so the id stays
// usable as a metadata value.
func DocID(sourceID, localID string) string {
	slug := strings.TrimSpace(localID)
	slug = strings.Trim(slug, "/")
	slug = strings.NewReplacer("/", "_", " ", "_").Replace(slug)
	if slug == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", sourceID, slug)
}
