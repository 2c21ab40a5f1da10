package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wikiCategoryHTML = `<!DOCTYPE html><html><body>
<div id="mw-pages"><div class="mw-category">
  <a href="/Iron_Sword">Iron Sword</a>
  <a href="/Oak_Staff">Oak Staff</a>
  <a href="https://elsewhere.example.com/External">External</a>
</div></div>
</body></html>`

const wikiArticleHTML = `<!DOCTYPE html><html><body>
<h1 id="firstHeading">Iron Sword</h1>
<div id="mw-content-text">
  <div class="navbox">navigation junk</div>
  <div id="toc">table of contents</div>
  <p>A dependable blade<span class="reference">[1]</span>.</p>
  <h2>Stats<span class="mw-editsection">edit</span></h2>
  <p>Damage scales with strength.</p>
  <ul><li>One handed</li><li>Common drop</li></ul>
  <table class="infobox">
    <tr><th>Rarity</th><td>Common</td></tr>
    <tr><th>Type</th><td>Weapon</td></tr>
  </table>
</div>
<div id="mw-normal-catlinks"><ul><li><a>Items</a></li><li><a>Weapons</a></li></ul></div>
</body></html>`

func newWikiServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Category:Items", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"cat-v1"`)
		fmt.Fprint(w, wikiCategoryHTML)
	})
	mux.HandleFunc("/Iron_Sword", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, wikiArticleHTML)
	})
	mux.HandleFunc("/Oak_Staff", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><h1 id="firstHeading">Oak Staff</h1>
			<div id="mw-content-text"><p>A staff of oak.</p></div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWiki_List(t *testing.T) {
	srv := newWikiServer(t)
	w := NewWiki("aoc-wiki", srv.URL, []string{"/Category:Items"}, "test-agent", 1, nil)

	candidates, err := w.List(context.Background())
	require.NoError(t, err)

	require.Len(t, candidates, 2, "external links must be excluded")
	assert.Equal(t, "Iron_Sword", candidates[0].ID)
	assert.Equal(t, "Oak_Staff", candidates[1].ID)
	assert.Equal(t, srv.URL+"/Iron_Sword", candidates[0].URL)
}

func TestWiki_ListRetriesTransientError(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/Category:Items", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, wikiCategoryHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	w := NewWiki("aoc-wiki", srv.URL, []string{"/Category:Items"}, "test-agent", 3, nil)

	candidates, err := w.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "second attempt must issue a real request")
	require.Len(t, candidates, 2)
}

func TestWiki_ListIncludesExplicitPages(t *testing.T) {
	srv := newWikiServer(t)
	w := NewWiki("aoc-wiki", srv.URL, []string{"/Oak_Staff"}, "test-agent", 1, nil)

	candidates, err := w.List(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Oak_Staff", candidates[0].ID)
}

func TestWiki_FetchDetail(t *testing.T) {
	srv := newWikiServer(t)
	w := NewWiki("aoc-wiki", srv.URL, nil, "test-agent", 1, nil)

	rawDoc, err := w.FetchDetail(context.Background(), Candidate{
		ID: "Iron_Sword", URL: srv.URL + "/Iron_Sword",
	})
	require.NoError(t, err)

	assert.Equal(t, "aoc-wiki", rawDoc.SourceID)
	assert.Equal(t, "Iron Sword", rawDoc.Title)
	assert.Contains(t, rawDoc.Body, "A dependable blade")
	assert.Contains(t, rawDoc.Body, "## Stats")
	assert.Contains(t, rawDoc.Body, "- One handed")
	assert.NotContains(t, rawDoc.Body, "navigation junk")
	assert.NotContains(t, rawDoc.Body, "table of contents")
	assert.NotContains(t, rawDoc.Body, "[1]")
	assert.NotContains(t, rawDoc.Body, "edit")

	assert.Equal(t, "Common", rawDoc.Meta["infobox:Rarity"])
	assert.Equal(t, "Weapon", rawDoc.Meta["infobox:Type"])
	assert.Equal(t, "Items, Weapons", rawDoc.Meta["categories"])
}

func TestWiki_FetchDetailServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	w := NewWiki("aoc-wiki", srv.URL, nil, "test-agent", 2, nil)
	_, err := w.FetchDetail(context.Background(), Candidate{ID: "x", URL: srv.URL + "/x"})
	assert.ErrorIs(t, err, ErrFetch)
}

func TestWiki_ChangeToken(t *testing.T) {
	srv := newWikiServer(t)
	w := NewWiki("aoc-wiki", srv.URL, []string{"/Category:Items"}, "test-agent", 1, nil)

	token, err := w.ChangeToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"cat-v1"`, token)
}

func TestCodex_FetchPaginates(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/entries", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			json.NewEncoder(w).Encode(map[string]any{
				"entries": []map[string]any{
					{"id": "item-1", "kind": "item", "name": "Iron Sword",
						"record": map[string]any{"rarity": "common", "level": 3}},
				},
				"next": srv.URL + "/entries?page=2",
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]any{
				"entries": []map[string]any{
					{"id": "class-1", "kind": "class", "name": "Spellsword",
						"record": map[string]any{"archetype": "mage"}},
				},
				"next": "",
			})
		}
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewCodex("codex", srv.URL+"/entries", "test-agent", 1, nil)
	raws, err := c.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, raws, 2)
	assert.Equal(t, "item-1", raws[0].ID)
	assert.Equal(t, "item", raws[0].Meta["kind"])
	assert.Contains(t, raws[0].Body, "Name: Iron Sword")
	assert.Contains(t, raws[0].Body, "Rarity: common")
	assert.Contains(t, raws[0].Body, "Level: 3")
	assert.Equal(t, "item-1", raws[0].Structured["id"], "entry id backfilled into record")
	assert.Equal(t, "class-1", raws[1].ID)
}

func TestCodex_FetchPaginationLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{},
			"next":    srv.URL + "/",
		})
	}))
	t.Cleanup(srv.Close)

	c := NewCodex("codex", srv.URL+"/", "test-agent", 1, nil)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
}

func TestCodex_FetchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	t.Cleanup(srv.Close)

	c := NewCodex("codex", srv.URL, "test-agent", 1, nil)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
}

func TestSite_ListAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Patch Notes 1.2</title></head><body>
			<article><h1>Patch Notes 1.2</h1>
			<p>`+strings.Repeat("The combat update rebalances every archetype and weapon type. ", 10)+`</p>
			<p>`+strings.Repeat("Node sieges now scale with citizen count across the region. ", 10)+`</p>
			</article></body></html>`)
	}))
	t.Cleanup(srv.Close)

	s := NewSite("news", []string{srv.URL + "/news/patch-1-2"}, "test-agent", 1, nil)

	candidates, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "news/patch-1-2", candidates[0].ID)

	rawDoc, err := s.FetchDetail(context.Background(), candidates[0])
	require.NoError(t, err)
	assert.Contains(t, rawDoc.Title, "Patch Notes")
	assert.Contains(t, rawDoc.Body, "combat update")
}

func TestGameFiles_Fetch(t *testing.T) {
	dir := t.TempDir()
	items := []map[string]any{
		{"id": "sword-1", "name": "Iron Sword", "rarity": "common"},
		{"name": "Nameless Blade"},
	}
	itemsJSON, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.json"), itemsJSON, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.json"), []byte(`[]`), 0o600))

	g := NewGameFiles("dumps", dir, nil)
	raws, err := g.Fetch(context.Background())
	require.NoError(t, err)

	require.Len(t, raws, 2, "unrecognized files are skipped")
	assert.Equal(t, "item/sword-1", raws[0].ID)
	assert.Equal(t, "item", raws[0].Meta["kind"])
	assert.Contains(t, raws[0].Body, "Name: Iron Sword")
	assert.Equal(t, "item/items-1", raws[1].ID, "records without ids get positional ones")
}

func TestGameFiles_ChangeTokenTracksEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","name":"A"}]`), 0o600))

	g := NewGameFiles("dumps", dir, nil)
	before, err := g.ChangeToken(context.Background())
	require.NoError(t, err)

	same, err := g.ChangeToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, same)

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","name":"B"}]`), 0o600))
	after, err := g.ChangeToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestGameFiles_FetchMissingDir(t *testing.T) {
	g := NewGameFiles("dumps", "/nonexistent/path", nil)
	_, err := g.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
}

func TestRenderRecord_DeterministicOrder(t *testing.T) {
	record := map[string]any{
		"zeta": "last", "alpha": "also late", "rarity": "rare",
		"level": float64(12), "stats": map[string]any{"b": 2, "a": 1},
	}
	a := RenderRecord("Crown", record)
	b := RenderRecord("Crown", record)
	assert.Equal(t, a, b)

	lines := strings.Split(a, "\n")
	assert.Equal(t, "Name: Crown", lines[0])
	assert.Contains(t, a, "Rarity: rare")
	assert.Contains(t, a, "Level: 12")
	// Fields outside the known order sort alphabetically at the end.
	assert.Less(t, strings.Index(a, "Alpha:"), strings.Index(a, "Zeta:"))
	assert.Less(t, strings.Index(a, "Rarity:"), strings.Index(a, "Alpha:"))
}

func TestGet_MapsTransportErrors(t *testing.T) {
	opts := defaultHTTPOptions("test-agent", 1)
	client := &http.Client{}
	_, _, err := opts.get(context.Background(), client, "http://127.0.0.1:1/unreachable")
	if !errors.Is(err, ErrFetch) {
		t.Errorf("get() error = %v, want ErrFetch", err)
	}
}
