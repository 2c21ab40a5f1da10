package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriter_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Info("indexed document", "doc_id", "wiki:Iron_Sword")

	out := buf.String()
	if !strings.Contains(out, "indexed document") || !strings.Contains(out, "wiki:Iron_Sword") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestNewWithWriter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("run finished", "status", "completed")

	out := buf.String()
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"status":"completed"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelWarn})

	logger.Debug("noisy detail")
	logger.Info("routine progress")
	logger.Warn("actual problem")

	out := buf.String()
	if strings.Contains(out, "noisy detail") || strings.Contains(out, "routine progress") {
		t.Errorf("low level entries leaked: %q", out)
	}
	if !strings.Contains(out, "actual problem") {
		t.Errorf("warn entry missing: %q", out)
	}
}

func TestNewNop_Discards(t *testing.T) {
	logger := NewNop()
	// Must not panic and must accept any level.
	logger.Debug("dropped")
	logger.Error("also dropped")
}
