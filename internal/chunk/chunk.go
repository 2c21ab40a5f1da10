// Package chunk splits normalized Documents into bounded, retrievable
// fragments.
//
// Chunk identity is deliberately layered: the chunk id is derived from the
// owning document id plus the zero-based sequence index, so re-running the
// splitter on an unchanged document reproduces byte-identical ids and
// text regardless of run timing. The content hash of the chunk text is
// the authoritative dedup identity: two chunks with the same hash are
// the same logical unit no matter which run produced them.
package chunk

import (
	"fmt"
	"strings"
	"time"
)

// Chunk is one retrievable fragment of a Document.
type Chunk struct {
	ID          string // "<docID>#<seq>", deterministic
	DocumentID  string
	SourceID    string
	SourceType  string
	Seq         int
	Text        string
	TokenCount  int
	HeadingPath string // " > "-joined heading trail, empty for flat splits
	ContentHash string // SHA-256 hex of Text
	Title       string
	URL         string

	// Set by the indexer once the chunk is embedded and written.
	IndexedAt time.Time
}

// ID derivation is shared by the splitter and by tests that predict ids.
func chunkID(docID string, seq int) string {
	return fmt.Sprintf("%s#%04d", docID, seq)
}

// CountTokens counts whitespace-delimited tokens. The pipeline needs a
// counter that is deterministic across runs and platforms, shared by the
// chunker and the retrieval token budget; it does not need to match any
// provider's tokenizer exactly, only to be a stable, conservative proxy.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
