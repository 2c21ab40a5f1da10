package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/lorekeep/lorekeep/internal/document"
	"github.com/lorekeep/lorekeep/internal/retry"
)

// Wiki crawls a MediaWiki-backed community wiki. It lists category
// members, fetches each page, and extracts the article body into the
// heading-annotated text dialect the rest of the pipeline expects.
//
// Capabilities: Lister, DetailFetcher, ChangeDetector.
type Wiki struct {
	id      string
	baseURL string   // e.g. https://wiki.example.com
	pages   []string // category paths and/or explicit page paths
	opts    httpOptions
	client  *http.Client
	logger  *slog.Logger
}

var (
	_ Connector      = (*Wiki)(nil)
	_ Lister         = (*Wiki)(nil)
	_ DetailFetcher  = (*Wiki)(nil)
	_ ChangeDetector = (*Wiki)(nil)
)

// NewWiki creates a wiki connector.
func NewWiki(id, baseURL string, pages []string, userAgent string, retries int, logger *slog.Logger) *Wiki {
	if logger == nil {
		logger = slog.Default()
	}
	opts := defaultHTTPOptions(userAgent, retries)
	return &Wiki{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		pages:   pages,
		opts:    opts,
		client:  &http.Client{Timeout: opts.httpTimeout},
		logger:  logger,
	}
}

func (w *Wiki) ID() string   { return w.id }
func (w *Wiki) Type() string { return "wiki" }

// List visits every configured category page and collects member links.
// Paths configured directly (not starting with /Category:) are included
// as-is. The result is deduplicated and sorted so candidate order is
// stable across runs.
func (w *Wiki) List(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]struct{})

	// Revisits stay allowed so a retried listing issues a real request
	// instead of failing on colly's visited-URL cache.
	c := colly.NewCollector(
		colly.UserAgent(w.opts.userAgent),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(w.opts.httpTimeout)

	var visitErr error
	c.OnHTML("#mw-pages .mw-category a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if strings.HasPrefix(href, "/") {
			seen[href] = struct{}{}
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	for _, page := range w.pages {
		if !strings.HasPrefix(page, "/Category:") {
			seen[page] = struct{}{}
			continue
		}
		err := retry.Do(ctx, func() error {
			visitErr = nil
			if err := c.Visit(w.baseURL + page); err != nil {
				return fmt.Errorf("%w: listing %s: %v", ErrFetch, page, err)
			}
			if visitErr != nil {
				return fmt.Errorf("%w: listing %s: %v", ErrFetch, page, visitErr)
			}
			return nil
		}, w.opts.retries, w.opts.retryDelay)
		if err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	candidates := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		candidates = append(candidates, Candidate{
			ID:  strings.TrimPrefix(p, "/"),
			URL: w.baseURL + p,
		})
	}
	w.logger.Debug("listed wiki candidates", "source", w.id, "count", len(candidates))
	return candidates, nil
}

// FetchDetail downloads one wiki page and extracts its article content.
func (w *Wiki) FetchDetail(ctx context.Context, cand Candidate) (document.Raw, error) {
	var body []byte
	err := retry.Do(ctx, func() error {
		var err error
		body, _, err = w.opts.get(ctx, w.client, cand.URL)
		return err
	}, w.opts.retries, w.opts.retryDelay)
	if err != nil {
		return document.Raw{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return document.Raw{}, fmt.Errorf("parsing %s: %w", cand.URL, err)
	}

	title := strings.TrimSpace(doc.Find("#firstHeading").Text())
	if title == "" {
		title = strings.ReplaceAll(cand.ID, "_", " ")
	}

	content := doc.Find("#mw-content-text")
	// Navigation boxes, tables of contents, edit links and citation
	// markers carry no answerable content.
	content.Find(".navbox, #toc, .mw-editsection, .reference").Remove()

	text := renderWikiContent(content)

	meta := map[string]string{"page": cand.ID}
	// Infobox rows become metadata the assistant can filter on.
	doc.Find(".infobox tr").Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSpace(row.Find("th").First().Text())
		value := strings.TrimSpace(row.Find("td").First().Text())
		if key != "" && value != "" {
			meta["infobox:"+key] = value
		}
	})
	var categories []string
	doc.Find("#mw-normal-catlinks ul li a").Each(func(_ int, link *goquery.Selection) {
		if name := strings.TrimSpace(link.Text()); name != "" {
			categories = append(categories, name)
		}
	})
	if len(categories) > 0 {
		meta["categories"] = strings.Join(categories, ", ")
	}

	return document.Raw{
		SourceID:  w.id,
		ID:        cand.ID,
		URL:       cand.URL,
		Title:     title,
		Body:      text,
		Meta:      meta,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// ChangeToken probes the first configured page. MediaWiki serves an ETag
// that moves when any rendered content changes; absence of a token makes
// incremental runs fall through to the content-hash check.
func (w *Wiki) ChangeToken(ctx context.Context) (string, error) {
	if len(w.pages) == 0 {
		return "", nil
	}
	var token string
	err := retry.Do(ctx, func() error {
		var err error
		token, err = w.opts.probeToken(ctx, w.client, w.baseURL+w.pages[0])
		return err
	}, w.opts.retries, w.opts.retryDelay)
	return token, err
}

// renderWikiContent walks the article's paragraphs, headings and lists in
// document order, emitting headings as "#" lines and list items as "-"
// lines so section structure survives into chunking.
func renderWikiContent(content *goquery.Selection) string {
	var parts []string
	content.Find("p, h2, h3, h4, h5, h6, ul, ol").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		tag := goquery.NodeName(sel)
		switch {
		case strings.HasPrefix(tag, "h") && len(tag) == 2:
			level := int(tag[1] - '0')
			parts = append(parts, strings.Repeat("#", level)+" "+text)
		case tag == "ul" || tag == "ol":
			var items []string
			sel.Find("li").Each(func(_ int, li *goquery.Selection) {
				if item := strings.TrimSpace(li.Text()); item != "" {
					items = append(items, "- "+item)
				}
			})
			if len(items) > 0 {
				parts = append(parts, strings.Join(items, "\n"))
			}
		default:
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}
