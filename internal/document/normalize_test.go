package document

import (
	"errors"
	"strings"
	"testing"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(nil)
	if err != nil {
		t.Fatalf("NewNormalizer() error = %v", err)
	}
	return n
}

func TestNormalize_Basic(t *testing.T) {
	n := newTestNormalizer(t)

	doc, err := n.Normalize(Raw{
		SourceID: "wiki",
		ID:       "Iron_Sword",
		URL:      "https://example.com/Iron_Sword",
		Title:    "  Iron Sword  ",
		Body:     "A basic weapon.\n\n\n\nForged   from    iron.",
	}, "wiki")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if doc.ID != "wiki:Iron_Sword" {
		t.Errorf("doc id = %q", doc.ID)
	}
	if doc.Title != "Iron Sword" {
		t.Errorf("title not trimmed: %q", doc.Title)
	}
	if doc.Body != "A basic weapon.\n\nForged from iron." {
		t.Errorf("body not collapsed: %q", doc.Body)
	}
	if doc.ContentHash != Hash(doc.Body) {
		t.Error("content hash does not match body")
	}
}

func TestNormalize_RejectsMissingFields(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name string
		raw  Raw
	}{
		{"no source id", Raw{ID: "x", Body: "text"}},
		{"no identifier", Raw{SourceID: "wiki", Body: "text"}},
		{"no body", Raw{SourceID: "wiki", ID: "x"}},
		{"whitespace body", Raw{SourceID: "wiki", ID: "x", Body: " \n\t "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw, "wiki")
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Normalize() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestNormalize_StripsMarkup(t *testing.T) {
	n := newTestNormalizer(t)

	doc, err := n.Normalize(Raw{
		SourceID: "site",
		ID:       "patch-1",
		Body:     "<h2>Combat Changes</h2><p>Damage <b>increased</b>.</p><script>alert(1)</script><ul><li>First</li><li>Second</li></ul>",
	}, "site")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if !strings.Contains(doc.Body, "## Combat Changes") {
		t.Errorf("heading not rendered: %q", doc.Body)
	}
	if !strings.Contains(doc.Body, "Damage increased.") {
		t.Errorf("paragraph text lost: %q", doc.Body)
	}
	if strings.Contains(doc.Body, "alert") {
		t.Errorf("script content leaked: %q", doc.Body)
	}
	if !strings.Contains(doc.Body, "- First") || !strings.Contains(doc.Body, "- Second") {
		t.Errorf("list items not rendered: %q", doc.Body)
	}
}

func TestNormalize_SanitizesInvalidUTF8(t *testing.T) {
	n := newTestNormalizer(t)

	doc, err := n.Normalize(Raw{
		SourceID: "wiki",
		ID:       "x",
		Body:     "valid \xff\xfe text \x00 here",
	}, "wiki")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if doc.Body != "valid text here" {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestNormalize_ValidatesStructuredRecords(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(Raw{
		SourceID:   "codex",
		ID:         "item-1",
		Body:       "Name: Broken Thing",
		Meta:       map[string]string{"kind": "item"},
		Structured: map[string]any{"id": "item-1", "name": "Broken Thing", "rarity": "ultra-shiny"},
	}, "codex")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Normalize() error = %v, want ErrValidation for bad rarity", err)
	}

	doc, err := n.Normalize(Raw{
		SourceID:   "codex",
		ID:         "item-2",
		Body:       "Name: Fine Sword",
		Meta:       map[string]string{"kind": "item"},
		Structured: map[string]any{"id": "item-2", "name": "Fine Sword", "rarity": "rare"},
	}, "codex")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if doc.ID != "codex:item-2" {
		t.Errorf("doc id = %q", doc.ID)
	}
}

func TestNormalize_HashStableAcrossRuns(t *testing.T) {
	n := newTestNormalizer(t)
	raw := Raw{SourceID: "wiki", ID: "Page", Body: "Same   content\n\n\nevery run."}

	a, err := n.Normalize(raw, "wiki")
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(raw, "wiki")
	if err != nil {
		t.Fatal(err)
	}
	if a.ContentHash != b.ContentHash {
		t.Errorf("hashes differ: %q vs %q", a.ContentHash, b.ContentHash)
	}
}

func TestDocID(t *testing.T) {
	tests := []struct {
		sourceID, localID, want string
	}{
		{"wiki", "Iron_Sword", "wiki:Iron_Sword"},
		{"wiki", "/Category/Iron Sword/", "wiki:Category_Iron_Sword"},
		{"codex", "item/42", "codex:item_42"},
		{"wiki", "   ", ""},
	}
	for _, tt := range tests {
		if got := DocID(tt.sourceID, tt.localID); got != tt.want {
			t.Errorf("DocID(%q, %q) = %q, want %q", tt.sourceID, tt.localID, got, tt.want)
		}
	}
}
