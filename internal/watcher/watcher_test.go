package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/db"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupWatcher(t *testing.T) (*Watcher, *highlighter.Ledger, string) {
	t.Helper()
	tmpDir := t.TempDir()

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := highlighter.NewRepository(database.Conn())
	ledger := highlighter.NewLedger(repo, events.NewBus(0), analytics.Nop{}, testLogger())

	recordings := filepath.Join(tmpDir, "recordings")
	if err := os.MkdirAll(recordings, 0755); err != nil {
		t.Fatalf("failed to create recordings dir: %v", err)
	}

	return New(recordings, ledger, testLogger()), ledger, recordings
}

func writeRecording(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		t.Fatalf("failed to write recording: %v", err)
	}
	return path
}

func TestWatcher_PrimeIgnoresExistingFiles(t *testing.T) {
	w, ledger, dir := setupWatcher(t)
	ctx := context.Background()

	writeRecording(t, dir, "old.mp4")
	w.prime()
	w.scan(ctx)

	clips, _ := ledger.Query(ctx, "")
	if len(clips) != 0 {
		t.Errorf("clip count = %d, want 0 (pre-existing recordings skipped)", len(clips))
	}
}

func TestWatcher_NewFileRegisteredAfterSettle(t *testing.T) {
	w, ledger, dir := setupWatcher(t)
	ctx := context.Background()

	w.prime()
	path := writeRecording(t, dir, "replay.mp4")

	// First sighting marks the file pending, not registered.
	w.scan(ctx)
	clips, _ := ledger.Query(ctx, "")
	if len(clips) != 0 {
		t.Fatalf("clip count = %d, want 0 before settle", len(clips))
	}

	// Backdate the sighting past the settle window.
	w.pending[path] = time.Now().Add(-settleDelay - time.Second)
	w.scan(ctx)

	clips, _ = ledger.Query(ctx, "")
	if len(clips) != 1 {
		t.Fatalf("clip count = %d, want 1", len(clips))
	}
	if clips[0].Source != highlighter.SourceReplayBuffer {
		t.Errorf("clip source = %s, want %s", clips[0].Source, highlighter.SourceReplayBuffer)
	}
	if clips[0].Path != path {
		t.Errorf("clip path = %s, want %s", clips[0].Path, path)
	}
}

func TestWatcher_IgnoresUnsupportedFiles(t *testing.T) {
	w, ledger, dir := setupWatcher(t)
	ctx := context.Background()

	w.prime()
	path := writeRecording(t, dir, "notes.txt")

	w.scan(ctx)
	w.pending[path] = time.Now().Add(-settleDelay - time.Second)
	w.scan(ctx)

	clips, _ := ledger.Query(ctx, "")
	if len(clips) != 0 {
		t.Errorf("clip count = %d, want 0", len(clips))
	}
}

func TestWatcher_RegistersFileOnlyOnce(t *testing.T) {
	w, ledger, dir := setupWatcher(t)
	ctx := context.Background()

	w.prime()
	path := writeRecording(t, dir, "replay.mp4")

	w.scan(ctx)
	w.pending[path] = time.Now().Add(-settleDelay - time.Second)
	w.scan(ctx)
	w.scan(ctx)
	w.scan(ctx)

	clips, _ := ledger.Query(ctx, "")
	if len(clips) != 1 {
		t.Errorf("clip count = %d, want 1", len(clips))
	}
}
