package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
)

// StreamMeta is caller-supplied metadata for a detection run.
type StreamMeta struct {
	Title string `json:"title"`
	Game  string `json:"game,omitempty"`
	Date  string `json:"date,omitempty"`
}

// Orchestrator runs the detection protocol per stream: engine readiness,
// stream lifecycle, incremental clip ingestion, milestones, cancellation.
// Each stream's cancel handle exists only while that stream is detecting.
type Orchestrator struct {
	ledger    *highlighter.Ledger
	repo      highlighter.Repository
	engine    Engine
	updater   *Updater
	cutter    media.Cutter
	bus       *events.Bus
	analytics analytics.Sink
	logger    *slog.Logger

	clipsDir      string
	milestonesDir string
	userID        string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(
	ledger *highlighter.Ledger,
	repo highlighter.Repository,
	engine Engine,
	updater *Updater,
	cutter media.Cutter,
	bus *events.Bus,
	sink analytics.Sink,
	clipsDir, milestonesDir, userID string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		ledger:        ledger,
		repo:          repo,
		engine:        engine,
		updater:       updater,
		cutter:        cutter,
		bus:           bus,
		analytics:     sink,
		logger:        logger,
		clipsDir:      clipsDir,
		milestonesDir: milestonesDir,
		userID:        userID,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Detect runs a full detection over one recording and blocks until the
// stream reaches a terminal state. The returned stream id is valid even
// when the run ends canceled or in error.
func (o *Orchestrator) Detect(ctx context.Context, filePath string, meta StreamMeta) (string, error) {
	if err := o.updater.Ensure(ctx); err != nil {
		return "", fmt.Errorf("engine not ready: %w", err)
	}
	return o.run(ctx, highlighter.NewStreamID(), filePath, meta, "")
}

// Restart removes a detected stream together with its engine-cut clips and
// re-runs detection over the same recording, supplying the milestones file
// of the previous run so the engine can skip or reweight known segments.
func (o *Orchestrator) Restart(ctx context.Context, streamID string) (string, error) {
	stream, err := o.repo.GetStream(ctx, streamID)
	if err != nil {
		return "", err
	}
	if stream == nil {
		return "", fmt.Errorf("stream %s not found", streamID)
	}

	milestonesPath := o.MilestonesPath(streamID)
	if _, err := os.Stat(milestonesPath); err != nil {
		milestonesPath = ""
	}

	clips, err := o.repo.ListStreamClips(ctx, streamID)
	if err != nil {
		return "", err
	}
	for _, c := range clips {
		// Engine-cut clips are artifacts of the old run; shared recordings
		// only lose their association.
		deleteFromDisk := c.Source == highlighter.SourceAiClip
		if err := o.ledger.Remove(ctx, c.Path, streamID, deleteFromDisk); err != nil {
			return "", err
		}
	}
	if err := o.repo.DeleteStream(ctx, streamID); err != nil {
		return "", err
	}

	if err := o.updater.Ensure(ctx); err != nil {
		return "", fmt.Errorf("engine not ready: %w", err)
	}

	meta := StreamMeta{Title: stream.Title, Game: stream.Game, Date: stream.Date}
	newID, err := o.run(ctx, highlighter.NewStreamID(), stream.SourcePath, meta, milestonesPath)

	// The old run's milestones file has been consumed; the new run writes
	// its own under the new stream id, so the old one would leak forever.
	if milestonesPath != "" {
		if rmErr := os.Remove(milestonesPath); rmErr != nil && !os.IsNotExist(rmErr) {
			o.logger.Warn("failed to remove milestones file", "stream_id", streamID, "error", rmErr)
		}
	}
	return newID, err
}

// RemoveStream cancels any in-flight detection for the stream, drops its
// clip associations and deletes the registry entry. Engine-cut clips lose
// their backing files too; shared recordings survive under other streams.
func (o *Orchestrator) RemoveStream(ctx context.Context, streamID string) error {
	stream, err := o.repo.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if stream == nil {
		return fmt.Errorf("stream %s not found", streamID)
	}

	o.Cancel(streamID)

	clips, err := o.repo.ListStreamClips(ctx, streamID)
	if err != nil {
		return err
	}
	for _, c := range clips {
		deleteFromDisk := c.Source == highlighter.SourceAiClip
		if err := o.ledger.Remove(ctx, c.Path, streamID, deleteFromDisk); err != nil {
			return err
		}
	}
	if err := o.repo.DeleteStream(ctx, streamID); err != nil {
		return err
	}

	if err := os.Remove(o.MilestonesPath(streamID)); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove milestones file", "stream_id", streamID, "error", err)
	}

	o.bus.Publish(events.Event{Type: events.TypeStreamRemoved, StreamID: streamID})
	return nil
}

// Cancel aborts a detecting stream's run. It reports whether a cancel
// handle existed; canceling a stream that is not detecting is a no-op.
func (o *Orchestrator) Cancel(streamID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[streamID]
	if ok {
		cancel()
	}
	return ok
}

// MilestonesPath derives the milestone side-file path for a stream id.
func (o *Orchestrator) MilestonesPath(streamID string) string {
	return filepath.Join(o.milestonesDir, streamID+".json")
}

func (o *Orchestrator) run(ctx context.Context, id, filePath string, meta StreamMeta, milestonesPath string) (string, error) {
	title := meta.Title
	if title == "" {
		title = filepath.Base(filePath)
	}

	stream := &highlighter.Stream{
		ID:         id,
		Title:      title,
		Game:       meta.Game,
		Date:       meta.Date,
		SourcePath: filePath,
		State:      highlighter.StreamDetecting,
		CreatedAt:  time.Now(),
	}
	if err := o.repo.CreateStream(ctx, stream); err != nil {
		return "", err
	}

	// The run outlives the caller's request; cancellation goes through the
	// stream's own handle, which exists only while detecting.
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
		cancel()
	}()

	tracker := NewProgressTracker(0, func(pct float64) {
		if err := o.repo.UpdateStreamProgress(context.Background(), id, pct); err != nil {
			o.logger.Warn("failed to persist detection progress", "stream_id", id, "error", err)
		}
	})

	var milestones []Milestone
	clipIndex := 0

	req := DetectRequest{
		FilePath:       filePath,
		UserID:         o.userID,
		GameHint:       meta.Game,
		MilestonesPath: milestonesPath,
		OnProgress:     tracker.Update,
		OnMilestone: func(m Milestone) {
			milestones = append(milestones, m)
		},
		OnSegments: func(segments []Segment) error {
			return o.ingestSegments(runCtx, id, filePath, segments, &clipIndex)
		},
	}

	o.analytics.Record("detection_started", map[string]string{"game": meta.Game})
	o.logger.Info("detection started", "stream_id", id, "file", filepath.Base(filePath))

	err := o.engine.Detect(runCtx, req)
	tracker.Flush()

	bg := context.Background()
	switch {
	case errors.Is(err, ErrCanceled):
		if uerr := o.repo.UpdateStreamState(bg, id, highlighter.StreamCanceled, ""); uerr != nil {
			o.logger.Error("failed to persist canceled state", "stream_id", id, "error", uerr)
		}
		o.analytics.Record("detection_canceled", nil)
		o.logger.Info("detection canceled", "stream_id", id)

	case err != nil:
		code := DefaultErrorCode
		var engineErr *EngineError
		if errors.As(err, &engineErr) && engineErr.Code != "" {
			code = engineErr.Code
		}
		if uerr := o.repo.UpdateStreamState(bg, id, highlighter.StreamError, code); uerr != nil {
			o.logger.Error("failed to persist error state", "stream_id", id, "error", uerr)
		}
		o.analytics.Record("detection_failed", map[string]string{"code": code})
		o.logger.Error("detection failed", "stream_id", id, "code", code, "error", err)

	default:
		// Segment ingestion already completed inside Detect, so readers
		// never observe the terminal state before the clips exist.
		o.writeMilestones(id, milestones)
		if uerr := o.repo.UpdateStreamProgress(bg, id, 100); uerr != nil {
			o.logger.Warn("failed to persist final progress", "stream_id", id, "error", uerr)
		}
		if uerr := o.repo.UpdateStreamState(bg, id, highlighter.StreamDetected, ""); uerr != nil {
			o.logger.Error("failed to persist detected state", "stream_id", id, "error", uerr)
		}
		o.analytics.Record("detection_finished", map[string]string{"clips": fmt.Sprintf("%d", clipIndex)})
		o.bus.Publish(events.Event{Type: events.TypeStreamDetected, StreamID: id})
		o.logger.Info("detection finished", "stream_id", id, "clips", clipIndex)
	}

	return id, err
}

// ingestSegments cuts the indicated segments into standalone clip files and
// feeds them to the ledger. A failed cut skips that segment; the rest of
// the batch still lands.
func (o *Orchestrator) ingestSegments(ctx context.Context, streamID, sourcePath string, segments []Segment, clipIndex *int) error {
	newClips := make([]highlighter.NewClip, 0, len(segments))
	for _, seg := range segments {
		dst := filepath.Join(o.clipsDir, streamID, fmt.Sprintf("clip_%03d.mp4", *clipIndex))
		if err := o.cutter.Cut(ctx, sourcePath, dst, seg.Start, seg.End); err != nil {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			o.logger.Warn("failed to cut segment", "stream_id", streamID, "start", seg.Start, "error", err)
			continue
		}
		*clipIndex++

		start := seg.Start
		end := seg.End
		newClips = append(newClips, highlighter.NewClip{
			Path:      dst,
			StartTime: &start,
			EndTime:   &end,
			AiInfo: &highlighter.AiInfo{
				Inputs: seg.Inputs,
				Score:  seg.Score,
				Round:  seg.Round,
			},
		})
	}

	if len(newClips) == 0 {
		return nil
	}
	return o.ledger.InsertAiClips(ctx, newClips, streamID)
}

// writeMilestones persists the run's milestones to the stream's side file.
// Best effort: a write failure costs the next restart its bias, nothing else.
func (o *Orchestrator) writeMilestones(streamID string, milestones []Milestone) {
	if len(milestones) == 0 {
		return
	}

	path := o.MilestonesPath(streamID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		o.logger.Warn("cannot create milestones dir", "error", err)
		return
	}

	data, err := json.Marshal(milestones)
	if err != nil {
		o.logger.Warn("cannot marshal milestones", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		o.logger.Warn("cannot write milestones file", "path", path, "error", err)
	}
}
