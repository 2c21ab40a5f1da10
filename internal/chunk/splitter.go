package chunk

import (
	"strings"

	"github.com/lorekeep/lorekeep/internal/document"
)

// Strategy names. Which strategy a source uses is per-source
// configuration; see config.SourceConfig.
const (
	StrategyFlat      = "flat"
	StrategyHierarchy = "hierarchy"
)

// Splitter produces Chunks from Documents. The zero value is unusable;
// construct with NewSplitter.
//
// Both strategies obey the same bounds: windows never exceed MaxTokens,
// consecutive flat windows share Overlap tokens, and a document shorter
// than MinTokens yields exactly one chunk.
type Splitter struct {
	maxTokens int
	minTokens int
	overlap   int
}

// NewSplitter creates a Splitter. Bounds are assumed validated by config.
func NewSplitter(maxTokens, minTokens, overlap int) *Splitter {
	return &Splitter{maxTokens: maxTokens, minTokens: minTokens, overlap: overlap}
}

// Split chunks doc using the named strategy. Output order follows source
// order and is stable across runs; chunk ids derive from the document id
// and the position in this order.
func (s *Splitter) Split(doc *document.Document, strategy string) []Chunk {
	var texts []piece
	switch strategy {
	case StrategyHierarchy:
		texts = s.splitHierarchy(doc.Body)
	default:
		texts = s.splitFlat(doc.Body, "")
	}

	chunks := make([]Chunk, 0, len(texts))
	for i, p := range texts {
		chunks = append(chunks, Chunk{
			ID:          chunkID(doc.ID, i),
			DocumentID:  doc.ID,
			SourceID:    doc.SourceID,
			SourceType:  doc.SourceType,
			Seq:         i,
			Text:        p.text,
			TokenCount:  CountTokens(p.text),
			HeadingPath: p.headingPath,
			ContentHash: document.Hash(p.text),
			Title:       doc.Title,
			URL:         doc.URL,
		})
	}
	return chunks
}

type piece struct {
	text        string
	headingPath string
}

// splitFlat slides fixed maximum-token windows over the text with a fixed
// overlap so context survives a window boundary. Text shorter than the
// minimum produces a single piece.
func (s *Splitter) splitFlat(text, headingPath string) []piece {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= s.minTokens || len(tokens) <= s.maxTokens {
		return []piece{{text: strings.Join(tokens, " "), headingPath: headingPath}}
	}

	step := s.maxTokens - s.overlap
	var out []piece
	for start := 0; start < len(tokens); start += step {
		end := min(start+s.maxTokens, len(tokens))
		out = append(out, piece{
			text:        strings.Join(tokens[start:end], " "),
			headingPath: headingPath,
		})
		if end == len(tokens) {
			break
		}
	}
	return out
}

// splitHierarchy splits at heading boundaries first, then flat-windows any
// section that still exceeds the token budget. Every piece carries the
// full heading trail from the document root down to its section.
func (s *Splitter) splitHierarchy(body string) []piece {
	// A document too short to be worth sectioning stays whole even if it
	// contains headings.
	if CountTokens(body) <= s.minTokens {
		if strings.TrimSpace(body) == "" {
			return nil
		}
		return s.splitFlat(body, "")
	}

	type section struct {
		path  string
		lines []string
	}

	var sections []section
	var trail []string  // heading text per level, 1-indexed by level-1
	current := section{} // preamble before the first heading
	flush := func() {
		if len(current.lines) > 0 {
			sections = append(sections, current)
		}
	}

	for line := range strings.SplitSeq(body, "\n") {
		level, heading := parseHeading(line)
		if level == 0 {
			current.lines = append(current.lines, line)
			continue
		}
		flush()
		if level <= len(trail) {
			trail = trail[:level-1]
		}
		trail = append(trail, heading)
		current = section{path: strings.Join(trail, " > ")}
		// The heading text itself stays in the chunk so retrieval sees it.
		current.lines = []string{heading}
	}
	flush()

	var out []piece
	for _, sec := range sections {
		text := strings.TrimSpace(strings.Join(sec.lines, "\n"))
		if text == "" {
			continue
		}
		if CountTokens(text) <= s.maxTokens {
			out = append(out, piece{text: strings.Join(strings.Fields(text), " "), headingPath: sec.path})
			continue
		}
		out = append(out, s.splitFlat(text, sec.path)...)
	}
	return out
}

// parseHeading returns the heading level and text for "#"-prefixed lines,
// or (0, "") for ordinary lines.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level:])
}
