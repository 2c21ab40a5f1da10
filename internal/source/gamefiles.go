package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/document"
)

// GameFiles reads structured record dumps from a local directory. Each
// *.json file holds an array of records whose kind is taken from the
// file name (items.json, classes.json, abilities.json, locations.json).
//
// Capabilities: Fetcher, ChangeDetector.
type GameFiles struct {
	id     string
	dir    string
	logger *slog.Logger
}

var (
	_ Connector      = (*GameFiles)(nil)
	_ Fetcher        = (*GameFiles)(nil)
	_ ChangeDetector = (*GameFiles)(nil)
)

// kindByFile maps dump file stems to record kinds.
var kindByFile = map[string]string{
	"items":     "item",
	"classes":   "class",
	"abilities": "ability",
	"locations": "location",
}

// NewGameFiles creates a connector over a local dump directory.
func NewGameFiles(id, dir string, logger *slog.Logger) *GameFiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &GameFiles{id: id, dir: dir, logger: logger}
}

func (g *GameFiles) ID() string   { return g.id }
func (g *GameFiles) Type() string { return "gamefiles" }

// Fetch loads every recognized dump file and flattens its records.
// Unrecognized files are skipped with a log line rather than failing
// the run; a dump directory often carries sidecar files.
func (g *GameFiles) Fetch(ctx context.Context) ([]document.Raw, error) {
	paths, err := g.dumpFiles()
	if err != nil {
		return nil, err
	}

	var raws []document.Raw
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(filepath.Base(path), ".json")
		kind, ok := kindByFile[stem]
		if !ok {
			g.logger.Debug("skipping unrecognized dump file", "source", g.id, "file", path)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrFetch, path, err)
		}
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("%w: decoding %s: %v", ErrFetch, path, err)
		}

		now := time.Now().UTC()
		for i, record := range records {
			id, _ := record["id"].(string)
			if id == "" {
				id = fmt.Sprintf("%s-%d", stem, i)
			}
			name, _ := record["name"].(string)
			raws = append(raws, document.Raw{
				SourceID:   g.id,
				ID:         kind + "/" + id,
				Title:      name,
				Body:       RenderRecord(name, record),
				Meta:       map[string]string{"kind": kind, "file": filepath.Base(path)},
				Structured: record,
				FetchedAt:  now,
			})
		}
	}
	g.logger.Debug("loaded game file records", "source", g.id, "count", len(raws))
	return raws, nil
}

// ChangeToken hashes the content of every dump file in path order. Any
// edit, addition or removal moves the token.
func (g *GameFiles) ChangeToken(_ context.Context) (string, error) {
	paths, err := g.dumpFiles()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("%w: opening %s: %v", ErrFetch, path, err)
		}
		io.WriteString(h, filepath.Base(path))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("%w: hashing %s: %v", ErrFetch, path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (g *GameFiles) dumpFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(g.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking %s: %v", ErrFetch, g.dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}
