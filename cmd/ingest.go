package cmd

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/internal/pipeline"
)

// ErrPartialRun marks an ingest run that finished with failures. main
// exits non-zero on it like any other error, after deferred cleanup
// has run.
var ErrPartialRun = errors.New("ingestion run partially failed")

// runIngest executes one ingestion run and prints its manifest.
func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	mode := fs.String("mode", "incremental", "run mode: full or incremental")
	sourceID := fs.String("source", "", "restrict the run to one source id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var runMode pipeline.Mode
	switch *mode {
	case "full":
		runMode = pipeline.ModeFull
	case "incremental":
		runMode = pipeline.ModeIncremental
	default:
		return fmt.Errorf("invalid mode %q (expected full or incremental)", *mode)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	runner, err := a.buildRunner()
	if err != nil {
		return err
	}

	manifest, err := runner.Run(ctx, runMode, *sourceID)
	if err != nil {
		return err
	}

	printManifest(manifest)
	return manifestErr(manifest)
}

func manifestErr(m *pipeline.Manifest) error {
	if m.Status == pipeline.StatusPartiallyFailed {
		return ErrPartialRun
	}
	return nil
}

func printManifest(m *pipeline.Manifest) {
	fmt.Printf("Run %s (%s) %s in %s\n",
		m.RunID, m.Mode, m.Status, m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
	for _, s := range m.Sources {
		switch {
		case s.Err != "":
			fmt.Printf("  %-20s FAILED: %s\n", s.SourceID, s.Err)
		case s.Skipped:
			fmt.Printf("  %-20s unchanged, skipped\n", s.SourceID)
		default:
			fmt.Printf("  %-20s docs=%d unchanged=%d retired=%d embedded=%d skipped=%d unembedded=%d rejected=%d\n",
				s.SourceID, s.DocsIndexed, s.DocsUnchanged, s.DocsRetired,
				s.ChunksEmbedded, s.ChunksSkipped, s.ChunksUnembedded, s.ValidationFailures)
			for _, f := range s.EmbedFailures {
				fmt.Printf("    unembedded batch: %s\n", f)
			}
		}
	}
}
