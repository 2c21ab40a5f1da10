package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/retry"
)

// Site fetches a fixed list of article pages (developer blogs, patch
// notes, news posts) and extracts the readable article body from each.
//
// Capabilities: Lister, DetailFetcher.
type Site struct {
	id     string
	urls   []string
	opts   httpOptions
	client *http.Client
	logger *slog.Logger
}

var (
	_ Connector     = (*Site)(nil)
	_ Lister        = (*Site)(nil)
	_ DetailFetcher = (*Site)(nil)
)

// NewSite creates a connector over an explicit URL list.
func NewSite(id string, urls []string, userAgent string, retries int, logger *slog.Logger) *Site {
	if logger == nil {
		logger = slog.Default()
	}
	opts := defaultHTTPOptions(userAgent, retries)
	return &Site{
		id:     id,
		urls:   urls,
		opts:   opts,
		client: &http.Client{Timeout: opts.httpTimeout},
		logger: logger,
	}
}

func (s *Site) ID() string   { return s.id }
func (s *Site) Type() string { return "site" }

// List returns the configured URLs as candidates. The candidate id is
// the URL path so document ids stay stable if the host moves.
func (s *Site) List(_ context.Context) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(s.urls))
	for _, raw := range s.urls {
		id := raw
		if u, err := url.Parse(raw); err == nil && u.Path != "" {
			id = strings.Trim(u.Path, "/")
		}
		candidates = append(candidates, Candidate{ID: id, URL: raw})
	}
	return candidates, nil
}

// FetchDetail downloads one page and runs readability extraction on it.
func (s *Site) FetchDetail(ctx context.Context, cand Candidate) (document.Raw, error) {
	var body []byte
	err := retry.Do(ctx, func() error {
		var err error
		body, _, err = s.opts.get(ctx, s.client, cand.URL)
		return err
	}, s.opts.retries, s.opts.retryDelay)
	if err != nil {
		return document.Raw{}, err
	}

	pageURL, err := url.Parse(cand.URL)
	if err != nil {
		return document.Raw{}, fmt.Errorf("%w: bad url %s: %v", ErrFetch, cand.URL, err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return document.Raw{}, fmt.Errorf("%w: extracting %s: %v", ErrFetch, cand.URL, err)
	}

	meta := map[string]string{}
	if article.Byline != "" {
		meta["byline"] = article.Byline
	}
	if article.SiteName != "" {
		meta["site"] = article.SiteName
	}

	return document.Raw{
		SourceID:  s.id,
		ID:        cand.ID,
		URL:       cand.URL,
		Title:     article.Title,
		Body:      article.TextContent,
		Meta:      meta,
		FetchedAt: time.Now().UTC(),
	}, nil
}
