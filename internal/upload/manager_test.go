package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
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

// fakeSession resolves when its result is supplied or Cancel is called.
type fakeSession struct {
	once sync.Once
	done chan SessionResult
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan SessionResult, 1)}
}

func (s *fakeSession) finish(res SessionResult) {
	s.once.Do(func() { s.done <- res })
}

func (s *fakeSession) Cancel()                    { s.finish(SessionResult{Canceled: true}) }
func (s *fakeSession) Done() <-chan SessionResult { return s.done }

type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeSession
	result   *SessionResult // immediate result when set
	startErr error
	progress ProgressFunc
}

func (f *fakeProvider) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeProvider) Start(ctx context.Context, file, title string, progress ProgressFunc) (Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	sess := newFakeSession()
	f.mu.Lock()
	f.sessions = append(f.sessions, sess)
	f.progress = progress
	f.mu.Unlock()
	if f.result != nil {
		sess.finish(*f.result)
	}
	return sess, nil
}

func setupManager(t *testing.T, provider Provider) (*Manager, highlighter.Repository, *events.Bus, string) {
	t.Helper()
	tmpDir := t.TempDir()

	database, err := db.New(filepath.Join(tmpDir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := highlighter.NewRepository(database.Conn())
	bus := events.NewBus(0)

	file := filepath.Join(tmpDir, "export.mp4")
	if err := os.WriteFile(file, []byte("mp4"), 0644); err != nil {
		t.Fatalf("failed to write export file: %v", err)
	}

	mgr := NewManager(repo, map[string]Provider{"crossclip": provider}, bus, analytics.Nop{}, testLogger())
	return mgr, repo, bus, file
}

func TestManager_Upload_Success(t *testing.T) {
	provider := &fakeProvider{result: &SessionResult{VideoID: "vid-123"}}
	mgr, repo, bus, file := setupManager(t, provider)
	ctx := context.Background()

	if err := mgr.Upload(ctx, "crossclip", file, "My highlights"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	info, err := repo.GetUploadInfo(ctx, "crossclip")
	if err != nil {
		t.Fatalf("GetUploadInfo() error = %v", err)
	}
	if info == nil {
		t.Fatal("upload info not persisted")
	}
	if info.Uploading {
		t.Error("uploading flag should be cleared")
	}
	if info.VideoID != "vid-123" {
		t.Errorf("video id = %s, want vid-123", info.VideoID)
	}
	if info.Error {
		t.Error("error flag should be false")
	}

	var sawDone bool
	for _, e := range bus.Since(0) {
		if e.Type == events.TypeUploadDone && e.Platform == "crossclip" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("expected upload_done event")
	}
}

func TestManager_Upload_FailureSetsErrorFlag(t *testing.T) {
	provider := &fakeProvider{result: &SessionResult{Err: errors.New("network down")}}
	mgr, repo, _, file := setupManager(t, provider)
	ctx := context.Background()

	if err := mgr.Upload(ctx, "crossclip", file, ""); err == nil {
		t.Fatal("Upload() should return the session error")
	}

	info, _ := repo.GetUploadInfo(ctx, "crossclip")
	if !info.Error {
		t.Error("error flag should be set")
	}
	if info.Uploading {
		t.Error("uploading flag should be cleared")
	}
}

func TestManager_Upload_CanceledIsNotAnError(t *testing.T) {
	provider := &fakeProvider{}
	mgr, repo, _, file := setupManager(t, provider)

	done := make(chan error, 1)
	go func() {
		done <- mgr.Upload(context.Background(), "crossclip", file, "")
	}()

	waitFor(t, func() bool { return provider.sessionCount() > 0 })
	mgr.Cancel(context.Background(), "crossclip")

	if err := <-done; err != nil {
		t.Fatalf("Upload() error = %v, canceled upload is not a failure", err)
	}

	info, _ := repo.GetUploadInfo(context.Background(), "crossclip")
	if info.Error {
		t.Error("canceled upload must not set the error flag")
	}
	if !info.CancelRequested {
		t.Error("cancel_requested should be recorded")
	}
	if info.Uploading {
		t.Error("uploading flag should be cleared")
	}
}

func TestManager_Upload_SecondCallRejected(t *testing.T) {
	provider := &fakeProvider{}
	mgr, _, _, file := setupManager(t, provider)

	go mgr.Upload(context.Background(), "crossclip", file, "")
	waitFor(t, func() bool { return provider.sessionCount() > 0 })

	err := mgr.Upload(context.Background(), "crossclip", file, "")
	if !errors.Is(err, ErrUploadInProgress) {
		t.Errorf("Upload() error = %v, want ErrUploadInProgress", err)
	}

	mgr.Cancel(context.Background(), "crossclip")
	waitFor(t, func() bool { return !mgr.Uploading("crossclip") })
}

// blockingProvider holds the winning call inside Start until released, so
// the platform slot stays claimed while the second call arrives.
type blockingProvider struct {
	mu      sync.Mutex
	starts  int
	entered chan struct{}
	release chan struct{}
}

func (b *blockingProvider) Start(ctx context.Context, file, title string, progress ProgressFunc) (Session, error) {
	b.mu.Lock()
	b.starts++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	sess := newFakeSession()
	sess.finish(SessionResult{VideoID: "vid-1"})
	return sess, nil
}

func TestManager_Upload_ConcurrentCallsOneWinsOneRejected(t *testing.T) {
	provider := &blockingProvider{entered: make(chan struct{}, 2), release: make(chan struct{})}
	mgr, _, _, file := setupManager(t, provider)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- mgr.Upload(context.Background(), "crossclip", file, "")
		}()
	}

	// The winner is parked inside Start, so the first error to come back
	// is the loser's rejection at the call boundary.
	if err := <-errs; !errors.Is(err, ErrUploadInProgress) {
		t.Fatalf("concurrent Upload() error = %v, want ErrUploadInProgress", err)
	}

	<-provider.entered
	provider.mu.Lock()
	starts := provider.starts
	provider.mu.Unlock()
	if starts != 1 {
		t.Fatalf("provider.Start invoked %d times, want 1", starts)
	}

	close(provider.release)
	if err := <-errs; err != nil {
		t.Fatalf("winning Upload() error = %v", err)
	}
}

func TestManager_Cancel_NoActiveUploadIsNoop(t *testing.T) {
	mgr, repo, _, _ := setupManager(t, &fakeProvider{})
	ctx := context.Background()

	mgr.Cancel(ctx, "crossclip")

	info, err := repo.GetUploadInfo(ctx, "crossclip")
	if err != nil {
		t.Fatalf("GetUploadInfo() error = %v", err)
	}
	if info != nil {
		t.Error("cancel without an active upload must not create upload info")
	}
}

func TestManager_Upload_UnknownPlatform(t *testing.T) {
	mgr, _, _, file := setupManager(t, &fakeProvider{})
	if err := mgr.Upload(context.Background(), "nosuch", file, ""); err == nil {
		t.Error("Upload() should fail for an unknown platform")
	}
}

func TestManager_Upload_MissingFile(t *testing.T) {
	mgr, _, _, _ := setupManager(t, &fakeProvider{})
	err := mgr.Upload(context.Background(), "crossclip", "/nonexistent/export.mp4", "")
	if err == nil {
		t.Error("Upload() should fail when the export file is gone")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
