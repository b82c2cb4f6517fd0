package detect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
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

// fakeEngine scripts one detection run.
type fakeEngine struct {
	segments   []Segment
	milestones []Milestone
	detectErr  error
	blockOnCtx bool

	updateAvailable bool
	updateVersion   string
	updates         atomic.Int32
	detects         atomic.Int32
}

func (f *fakeEngine) IsUpdateAvailable(ctx context.Context) (bool, string, error) {
	return f.updateAvailable, f.updateVersion, nil
}

func (f *fakeEngine) Update(ctx context.Context, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.updates.Add(1)
	if progress != nil {
		progress(1)
	}
	return nil
}

func (f *fakeEngine) Detect(ctx context.Context, req DetectRequest) error {
	f.detects.Add(1)
	if f.blockOnCtx {
		<-ctx.Done()
		return ErrCanceled
	}
	if req.OnProgress != nil {
		req.OnProgress(0.5)
	}
	for _, m := range f.milestones {
		if req.OnMilestone != nil {
			req.OnMilestone(m)
		}
	}
	if len(f.segments) > 0 {
		if err := req.OnSegments(f.segments); err != nil {
			return err
		}
	}
	return f.detectErr
}

// fakeCutter materializes destination files without ffmpeg.
type fakeCutter struct {
	cutErr error
	cuts   atomic.Int32
}

func (f *fakeCutter) Cut(ctx context.Context, src, dst string, start, end float64) error {
	if f.cutErr != nil {
		return f.cutErr
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f.cuts.Add(1)
	return os.WriteFile(dst, []byte("clip"), 0644)
}

func setupOrchestrator(t *testing.T, engine *fakeEngine) (*Orchestrator, *highlighter.Ledger, highlighter.Repository, *events.Bus) {
	t.Helper()
	tmpDir := t.TempDir()

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := highlighter.NewRepository(database.Conn())
	bus := events.NewBus(0)
	ledger := highlighter.NewLedger(repo, bus, analytics.Nop{}, testLogger())
	updater := NewUpdater(engine, repo, testLogger())

	orch := NewOrchestrator(
		ledger, repo, engine, updater, &fakeCutter{}, bus, analytics.Nop{},
		filepath.Join(tmpDir, "clips"), filepath.Join(tmpDir, "milestones"), "user-1", testLogger(),
	)
	if err := os.MkdirAll(filepath.Join(tmpDir, "milestones"), 0755); err != nil {
		t.Fatalf("failed to create milestones dir: %v", err)
	}
	return orch, ledger, repo, bus
}

func TestOrchestrator_Detect_Success(t *testing.T) {
	engine := &fakeEngine{
		segments: []Segment{
			{Start: 30, End: 40, Score: 0.9},
			{Start: 5, End: 12, Score: 0.7},
		},
		milestones: []Milestone{{Name: "round_won", Timestamp: 33}},
	}
	orch, ledger, repo, bus := setupOrchestrator(t, engine)
	ctx := context.Background()

	id, err := orch.Detect(ctx, "/tmp/recording.mp4", StreamMeta{Title: "Ranked", Game: "fortnite"})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	stream, err := repo.GetStream(ctx, id)
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	if stream.State != highlighter.StreamDetected {
		t.Errorf("stream state = %s, want detected", stream.State)
	}
	if stream.Progress != 100 {
		t.Errorf("stream progress = %v, want 100", stream.Progress)
	}

	clips, err := ledger.Query(ctx, id)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(clips) != 2 {
		t.Fatalf("clip count = %d, want 2", len(clips))
	}
	// Engine order was 30 then 5; stream order is by start time.
	first := clips[0].Streams[id]
	if first.StartTime == nil || *first.StartTime != 5 {
		t.Errorf("first clip start = %v, want 5", first.StartTime)
	}

	data, err := os.ReadFile(orch.MilestonesPath(id))
	if err != nil {
		t.Fatalf("milestones file missing: %v", err)
	}
	var milestones []Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		t.Fatalf("milestones file invalid: %v", err)
	}
	if len(milestones) != 1 || milestones[0].Name != "round_won" {
		t.Errorf("milestones = %+v", milestones)
	}

	var sawDetected bool
	for _, e := range bus.Since(0) {
		if e.Type == events.TypeStreamDetected && e.StreamID == id {
			sawDetected = true
		}
	}
	if !sawDetected {
		t.Error("expected stream_detected event")
	}
}

func TestOrchestrator_Detect_ErrorRecordsCode(t *testing.T) {
	engine := &fakeEngine{detectErr: &EngineError{Code: "OUT_OF_MEMORY", Message: "boom"}}
	orch, _, repo, _ := setupOrchestrator(t, engine)
	ctx := context.Background()

	id, err := orch.Detect(ctx, "/tmp/recording.mp4", StreamMeta{})
	if err == nil {
		t.Fatal("Detect() should return the engine error")
	}

	stream, _ := repo.GetStream(ctx, id)
	if stream.State != highlighter.StreamError {
		t.Errorf("stream state = %s, want error", stream.State)
	}
	if stream.Error != "OUT_OF_MEMORY" {
		t.Errorf("stream error = %s, want OUT_OF_MEMORY", stream.Error)
	}
}

func TestOrchestrator_Detect_UncodedErrorGetsDefaultCode(t *testing.T) {
	engine := &fakeEngine{detectErr: errors.New("exit status 1")}
	orch, _, repo, _ := setupOrchestrator(t, engine)
	ctx := context.Background()

	id, _ := orch.Detect(ctx, "/tmp/recording.mp4", StreamMeta{})

	stream, _ := repo.GetStream(ctx, id)
	if stream.Error != DefaultErrorCode {
		t.Errorf("stream error = %s, want %s", stream.Error, DefaultErrorCode)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	engine := &fakeEngine{blockOnCtx: true}
	orch, _, repo, _ := setupOrchestrator(t, engine)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := orch.Detect(context.Background(), "/tmp/recording.mp4", StreamMeta{})
		done <- result{id, err}
	}()

	// Wait for the run to register its cancel handle.
	var streamID string
	deadline := time.After(5 * time.Second)
	for streamID == "" {
		select {
		case <-deadline:
			t.Fatal("detection never started")
		default:
		}
		streams, _ := repo.ListStreams(context.Background())
		for _, s := range streams {
			if s.State == highlighter.StreamDetecting && orch.Cancel(s.ID) {
				streamID = s.ID
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	res := <-done
	if !errors.Is(res.err, ErrCanceled) {
		t.Fatalf("Detect() error = %v, want ErrCanceled", res.err)
	}

	stream, _ := repo.GetStream(context.Background(), res.id)
	if stream.State != highlighter.StreamCanceled {
		t.Errorf("stream state = %s, want canceled", stream.State)
	}
}

func TestOrchestrator_Cancel_UnknownStreamIsNoop(t *testing.T) {
	orch, _, _, _ := setupOrchestrator(t, &fakeEngine{})
	if orch.Cancel("missing") {
		t.Error("Cancel() = true for unknown stream")
	}
}

func TestOrchestrator_Restart_ReplacesStreamAndClips(t *testing.T) {
	engine := &fakeEngine{
		segments:   []Segment{{Start: 10, End: 20, Score: 0.8}},
		milestones: []Milestone{{Name: "round_won", Timestamp: 12}},
	}
	orch, ledger, repo, _ := setupOrchestrator(t, engine)
	ctx := context.Background()

	oldID, err := orch.Detect(ctx, "/tmp/recording.mp4", StreamMeta{Title: "First run"})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if _, err := os.Stat(orch.MilestonesPath(oldID)); err != nil {
		t.Fatalf("milestones file missing after first run: %v", err)
	}

	oldClips, _ := ledger.Query(ctx, oldID)
	if len(oldClips) != 1 {
		t.Fatalf("old clip count = %d, want 1", len(oldClips))
	}
	oldClipPath := oldClips[0].Path

	newID, err := orch.Restart(ctx, oldID)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if newID == oldID {
		t.Error("Restart() should mint a new stream id")
	}

	if old, _ := repo.GetStream(ctx, oldID); old != nil {
		t.Error("old stream should be deleted")
	}
	if _, err := os.Stat(oldClipPath); !os.IsNotExist(err) {
		t.Error("old engine-cut clip file should be deleted")
	}
	if _, err := os.Stat(orch.MilestonesPath(oldID)); !os.IsNotExist(err) {
		t.Error("old milestones file should be removed after restart")
	}
	if _, err := os.Stat(orch.MilestonesPath(newID)); err != nil {
		t.Errorf("new run should write its own milestones file: %v", err)
	}

	newClips, _ := ledger.Query(ctx, newID)
	if len(newClips) != 1 {
		t.Errorf("new clip count = %d, want 1", len(newClips))
	}
}

func TestOrchestrator_RemoveStream(t *testing.T) {
	engine := &fakeEngine{segments: []Segment{{Start: 1, End: 4, Score: 0.6}}}
	orch, ledger, repo, bus := setupOrchestrator(t, engine)
	ctx := context.Background()

	id, err := orch.Detect(ctx, "/tmp/recording.mp4", StreamMeta{})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if err := orch.RemoveStream(ctx, id); err != nil {
		t.Fatalf("RemoveStream() error = %v", err)
	}

	if s, _ := repo.GetStream(ctx, id); s != nil {
		t.Error("stream should be gone")
	}
	clips, _ := ledger.Query(ctx, "")
	if len(clips) != 0 {
		t.Errorf("clip count = %d, want 0", len(clips))
	}
	if _, err := os.Stat(orch.MilestonesPath(id)); !os.IsNotExist(err) {
		t.Error("milestones file should be removed")
	}

	var sawRemoved bool
	for _, e := range bus.Since(0) {
		if e.Type == events.TypeStreamRemoved && e.StreamID == id {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Error("expected stream_removed event")
	}
}

func TestUpdater_InstallsAndRecordsVersion(t *testing.T) {
	engine := &fakeEngine{updateAvailable: true, updateVersion: "2.4.0"}
	orch, _, repo, _ := setupOrchestrator(t, engine)
	_ = orch

	updater := NewUpdater(engine, repo, testLogger())
	if err := updater.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if engine.updates.Load() != 1 {
		t.Errorf("update count = %d, want 1", engine.updates.Load())
	}
	version, err := repo.GetConfig(context.Background(), "highlighter_version")
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if version != "2.4.0" {
		t.Errorf("recorded version = %s, want 2.4.0", version)
	}
}

func TestUpdater_CanceledRequesterDoesNotAbortUpdate(t *testing.T) {
	engine := &fakeEngine{updateAvailable: true, updateVersion: "2.5.0"}
	_, _, repo, _ := setupOrchestrator(t, engine)

	updater := NewUpdater(engine, repo, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The flight outlives any one requester; a dead caller context must
	// not fail the download for everyone sharing it.
	if err := updater.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if engine.updates.Load() != 1 {
		t.Errorf("update count = %d, want 1", engine.updates.Load())
	}
}

func TestUpdater_NoUpdateAvailable(t *testing.T) {
	engine := &fakeEngine{updateAvailable: false}
	_, _, repo, _ := setupOrchestrator(t, engine)

	updater := NewUpdater(engine, repo, testLogger())
	if err := updater.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if engine.updates.Load() != 0 {
		t.Errorf("update count = %d, want 0", engine.updates.Load())
	}
}
