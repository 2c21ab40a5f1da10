// Package source implements the content connectors.
//
// Connector variability is modeled as a capability set rather than a
// hierarchy: every connector satisfies Connector, and additionally
// implements whichever of Lister, DetailFetcher, Fetcher and
// ChangeDetector its source supports. The orchestrator type-asserts and
// only calls what a source declares.
//
// All network access retries transient failures with exponential backoff
// up to a fixed ceiling, then reports the source as failed for the run.
// One failing source never aborts the others.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lorekeep/lorekeep/internal/document"
)

// ErrFetch marks transient source unavailability. The pipeline isolates
// it to the failing source.
var ErrFetch = errors.New("fetch failed")

// State is the persisted crawl state for one source, owned by the
// orchestrator and passed in explicitly on each invocation.
type State struct {
	ChangeToken   string
	LastCrawledAt time.Time
}

// Candidate is a listable unit of content prior to detail fetch.
type Candidate struct {
	ID  string // source-local identifier
	URL string
}

// Connector is the capability every source implements.
type Connector interface {
	ID() string
	Type() string
}

// Lister enumerates candidates without fetching their content.
type Lister interface {
	List(ctx context.Context) ([]Candidate, error)
}

// DetailFetcher fetches one candidate's full record.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, c Candidate) (document.Raw, error)
}

// Fetcher fetches all records in one pass, for sources without a cheap
// listing step.
type Fetcher interface {
	Fetch(ctx context.Context) ([]document.Raw, error)
}

// ChangeDetector probes the source's change signal. The returned token is
// opaque; the orchestrator only compares it to the last recorded one.
// Sources without a usable signal simply don't implement this.
type ChangeDetector interface {
	ChangeToken(ctx context.Context) (string, error)
}

// httpOptions is the shared knob set for HTTP-backed connectors.
type httpOptions struct {
	userAgent   string
	retries     int
	retryDelay  time.Duration
	httpTimeout time.Duration
}

func defaultHTTPOptions(userAgent string, retries int) httpOptions {
	if retries < 1 {
		retries = 1
	}
	return httpOptions{
		userAgent:   userAgent,
		retries:     retries,
		retryDelay:  time.Second,
		httpTimeout: 30 * time.Second,
	}
}

// get performs one GET and returns the body. Non-2xx responses map to
// ErrFetch so callers can treat them as transient and retry.
func (o httpOptions) get(ctx context.Context, client *http.Client, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: GET %s: %v", ErrFetch, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: GET %s: status %d", ErrFetch, url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, url, err)
	}
	return body, resp.Header, nil
}

// probeToken issues a HEAD request and derives a change token from the
// ETag or Last-Modified header. An empty token means the source exposes
// no signal and incremental runs must fetch it.
func (o httpOptions) probeToken(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: HEAD %s: %v", ErrFetch, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: HEAD %s: status %d", ErrFetch, url, resp.StatusCode)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return resp.Header.Get("Last-Modified"), nil
}
