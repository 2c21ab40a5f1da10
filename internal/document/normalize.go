package document

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/html"
)

// Normalizer converts raw connector records into Documents.
//
// Guarantees on the produced body text: valid UTF-8, whitespace collapsed
// (one paragraph per line block, single blank line between paragraphs),
// and free of markup. Heading lines produced by connectors ("# Title")
// survive normalization so the hierarchy-aware chunker can use them.
type Normalizer struct {
	schemas *SchemaSet
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer. Resolving the record schemas happens
// once here, not per record.
func NewNormalizer(logger *slog.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := NewSchemaSet()
	if err != nil {
		return nil, fmt.Errorf("resolving record schemas: %w", err)
	}
	return &Normalizer{schemas: schemas, logger: logger}, nil
}

// Normalize validates and normalizes one raw record.
// Returns an error wrapping ErrValidation for malformed input.
func (n *Normalizer) Normalize(raw Raw, sourceType string) (*Document, error) {
	if raw.SourceID == "" {
		return nil, fmt.Errorf("%w: record has no source id", ErrValidation)
	}
	id := DocID(raw.SourceID, raw.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: record has no identifier", ErrValidation)
	}

	// Structured payloads carry their own shape contract on top of the
	// generic id/body requirement.
	if raw.Structured != nil {
		if kind := raw.Meta["kind"]; kind != "" {
			if err := n.schemas.Validate(kind, raw.Structured); err != nil {
				return nil, fmt.Errorf("%w: %s record %q: %v", ErrValidation, kind, raw.ID, err)
			}
		}
	}

	body := raw.Body
	if looksLikeMarkup(body) {
		body = stripMarkup(body)
	}
	body = strings.ToValidUTF8(body, "")
	body = strings.ReplaceAll(body, "\x00", "")
	body = collapseWhitespace(body)

	if body == "" {
		return nil, fmt.Errorf("%w: record %q has no body text", ErrValidation, raw.ID)
	}

	meta := make(map[string]string, len(raw.Meta))
	for k, v := range raw.Meta {
		meta[k] = v
	}

	doc := &Document{
		ID:          id,
		SourceID:    raw.SourceID,
		SourceType:  sourceType,
		URL:         raw.URL,
		Title:       strings.TrimSpace(raw.Title),
		Body:        body,
		Meta:        meta,
		FetchedAt:   raw.FetchedAt,
		ContentHash: Hash(body),
	}

	n.logger.Debug("normalized record",
		"doc_id", doc.ID, "bytes", len(doc.Body), "hash", doc.ContentHash[:12])
	return doc, nil
}

// looksLikeMarkup reports whether body still carries HTML. Connectors
// usually hand over extracted text already, so the parse below is the
// exception path.
func looksLikeMarkup(body string) bool {
	open := strings.IndexByte(body, '<')
	return open >= 0 && strings.IndexByte(body[open:], '>') > 0
}

// stripMarkup drops tags and renders headings and list items the same way
// the wiki connector does, so downstream chunking sees one dialect.
func stripMarkup(body string) string {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		// html.Parse almost never fails on real input; fall back to the
		// raw text rather than dropping the record.
		return body
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			return
		case html.ElementNode:
			switch node.Data {
			case "script", "style", "noscript":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6":
				level := int(node.Data[1] - '0')
				sb.WriteString("\n" + strings.Repeat("#", level) + " ")
				for c := node.FirstChild; c != nil; c = c.NextSibling {
					walk(c)
				}
				sb.WriteString("\n")
				return
			case "li":
				sb.WriteString("\n- ")
			case "p", "div", "br", "tr", "section", "article", "ul", "ol", "table":
				sb.WriteString("\n")
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String()
}

// collapseWhitespace normalizes line endings, collapses runs of spaces
// inside lines and runs of blank lines between them. Headings and list
// items keep their own line.
func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var out []string
	pendingBreak := false
	for line := range strings.SplitSeq(s, "\n") {
		flat := strings.Join(strings.Fields(line), " ")
		if flat == "" {
			pendingBreak = true
			continue
		}
		if pendingBreak && len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, flat)
		pendingBreak = false
	}
	return strings.Join(out, "\n")
}
