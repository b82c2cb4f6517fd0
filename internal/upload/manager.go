package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
)

// ErrUploadInProgress is returned when an upload for the same platform is
// already running.
var ErrUploadInProgress = errors.New("upload already in progress for platform")

// byteProgressInterval rate-limits persisted byte-progress updates.
const byteProgressInterval = 500 * time.Millisecond

// Manager runs at most one upload per platform and keeps a cancel handle
// for the most recently started upload.
type Manager struct {
	repo      highlighter.Repository
	providers map[string]Provider
	bus       *events.Bus
	analytics analytics.Sink
	logger    *slog.Logger

	mu            sync.Mutex
	inFlight      map[string]bool
	active        map[string]Session
	currentTarget string
}

func NewManager(repo highlighter.Repository, providers map[string]Provider, bus *events.Bus, sink analytics.Sink, logger *slog.Logger) *Manager {
	return &Manager{
		repo:      repo,
		providers: providers,
		bus:       bus,
		analytics: sink,
		logger:    logger,
		inFlight:  make(map[string]bool),
		active:    make(map[string]Session),
	}
}

// Upload starts an upload of the given file on the given platform. It blocks
// until the upload reaches a terminal state. A second call for a platform
// that is already uploading fails with ErrUploadInProgress.
func (m *Manager) Upload(ctx context.Context, platform, file, title string) error {
	provider, ok := m.providers[platform]
	if !ok {
		return fmt.Errorf("unknown upload platform %q", platform)
	}

	// The slot must be claimed before any I/O; a check-then-claim with the
	// lock dropped in between would let two concurrent calls both pass.
	m.mu.Lock()
	if m.inFlight[platform] {
		m.mu.Unlock()
		return ErrUploadInProgress
	}
	m.inFlight[platform] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, platform)
		m.mu.Unlock()
	}()

	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("export file not available: %w", err)
	}

	info, err := m.repo.GetUploadInfo(ctx, platform)
	if err != nil {
		return err
	}
	if info == nil {
		info = &highlighter.UploadInfo{Platform: platform}
	}
	info.Uploading = true
	info.CancelRequested = false
	info.Error = false
	info.UploadedBytes = 0
	info.TotalBytes = 0
	if err := m.repo.SaveUploadInfo(ctx, info); err != nil {
		return err
	}

	lastUpdate := time.Time{}
	progress := func(uploaded, total int64) {
		if time.Since(lastUpdate) < byteProgressInterval && uploaded < total {
			return
		}
		lastUpdate = time.Now()
		info.UploadedBytes = uploaded
		info.TotalBytes = total
		m.saveInfo(ctx, info)
	}

	sess, err := provider.Start(ctx, file, title, progress)
	if err != nil {
		info.Uploading = false
		info.Error = true
		m.saveInfo(ctx, info)
		m.analytics.Record("upload_failed", map[string]string{"platform": platform})
		return err
	}

	m.mu.Lock()
	m.active[platform] = sess
	m.currentTarget = platform
	m.mu.Unlock()

	m.analytics.Record("upload_started", map[string]string{"platform": platform})
	m.logger.Info("upload started", "platform", platform, "file", file)

	res := <-sess.Done()

	m.mu.Lock()
	delete(m.active, platform)
	if m.currentTarget == platform {
		m.currentTarget = ""
	}
	m.mu.Unlock()

	switch {
	case res.Canceled:
		info.Uploading = false
		info.CancelRequested = true
		m.saveInfo(ctx, info)
		m.logger.Info("upload canceled", "platform", platform)
		return nil

	case res.Err != nil:
		info.Uploading = false
		info.Error = true
		m.saveInfo(ctx, info)
		m.analytics.Record("upload_failed", map[string]string{"platform": platform})
		m.logger.Error("upload failed", "platform", platform, "error", res.Err)
		return res.Err
	}

	info.Uploading = false
	info.VideoID = res.VideoID
	info.UploadedBytes = info.TotalBytes
	m.saveInfo(ctx, info)

	m.analytics.Record("upload_finished", map[string]string{"platform": platform})
	m.bus.Publish(events.Event{Type: events.TypeUploadDone, Platform: platform, Message: res.VideoID})
	m.logger.Info("upload finished", "platform", platform, "video_id", res.VideoID)
	return nil
}

// Uploading reports whether an upload is currently running for the platform.
func (m *Manager) Uploading(platform string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[platform]
}

// Cancel requests cancellation of the running upload on the given platform.
// It is a no-op when that platform is not uploading.
func (m *Manager) Cancel(ctx context.Context, platform string) {
	m.mu.Lock()
	sess, running := m.active[platform]
	m.mu.Unlock()
	if !running {
		return
	}

	info, err := m.repo.GetUploadInfo(ctx, platform)
	if err == nil && info != nil {
		info.CancelRequested = true
		m.saveInfo(ctx, info)
	}
	sess.Cancel()
	m.logger.Info("upload cancel requested", "platform", platform)
}

func (m *Manager) saveInfo(ctx context.Context, info *highlighter.UploadInfo) {
	if err := m.repo.SaveUploadInfo(ctx, info); err != nil {
		m.logger.Warn("failed to persist upload info", "error", err)
	}
}
