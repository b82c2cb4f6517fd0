package highlighter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
)

// Ledger owns the clip set and its two ordering schemes: the global order
// over all clips and one per-stream order per highlighted stream. Both are
// dense 0..N-1 permutations at all times. All mutations run under one
// mutex, so long-running operations interleave only between ledger calls,
// never inside one.
type Ledger struct {
	repo      Repository
	bus       *events.Bus
	analytics analytics.Sink
	logger    *slog.Logger

	mu sync.Mutex
}

func NewLedger(repo Repository, bus *events.Bus, sink analytics.Sink, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, bus: bus, analytics: sink, logger: logger}
}

// Insert adds new clips to the ledger. Manual clips are prepended: every
// existing position is shifted up and the new entries take 0..k-1, so a
// user-initiated add surfaces immediately. Replay-buffer clips are appended
// because their arrival order is already chronological. A path that already
// exists is never duplicated; at most its stream association is added.
func (l *Ledger) Insert(ctx context.Context, newClips []NewClip, streamID string, source ClipSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Dedupe the payload by path; a repeated path would otherwise be
	// counted twice in the position shift and then fail the primary key,
	// leaving a gap in the global order.
	var fresh []NewClip
	seen := make(map[string]bool, len(newClips))
	for _, nc := range newClips {
		if seen[nc.Path] {
			continue
		}
		seen[nc.Path] = true
		existing, err := l.repo.GetClip(ctx, nc.Path)
		if err != nil {
			return err
		}
		if existing == nil {
			fresh = append(fresh, nc)
			continue
		}
		// Overlapping recordings legitimately share a clip; merge the
		// association instead of duplicating the record.
		if streamID != "" && existing.Streams[streamID] == nil {
			pos, err := l.repo.MaxStreamPosition(ctx, streamID)
			if err != nil {
				return err
			}
			assoc := &StreamAssociation{StreamID: streamID, Position: pos + 1, StartTime: nc.StartTime, EndTime: nc.EndTime}
			if err := l.repo.UpsertAssociation(ctx, assoc, nc.Path); err != nil {
				return err
			}
		}
	}

	k := len(fresh)
	if k == 0 {
		return nil
	}

	globalBase := 0
	streamBase := 0
	switch source {
	case SourceManual:
		if err := l.repo.ShiftGlobalPositions(ctx, k); err != nil {
			return err
		}
		if streamID != "" {
			if err := l.repo.ShiftStreamPositions(ctx, streamID, k); err != nil {
				return err
			}
		}
	default:
		max, err := l.repo.MaxGlobalPosition(ctx)
		if err != nil {
			return err
		}
		globalBase = max + 1
		if streamID != "" {
			smax, err := l.repo.MaxStreamPosition(ctx, streamID)
			if err != nil {
				return err
			}
			streamBase = smax + 1
		}
	}

	for i, nc := range fresh {
		clip := &Clip{
			Path:           nc.Path,
			Enabled:        true,
			Source:         source,
			GlobalPosition: globalBase + i,
			CreatedAt:      time.Now(),
		}
		if err := l.repo.CreateClip(ctx, clip); err != nil {
			return err
		}
		if streamID != "" {
			assoc := &StreamAssociation{StreamID: streamID, Position: streamBase + i, StartTime: nc.StartTime, EndTime: nc.EndTime}
			if err := l.repo.UpsertAssociation(ctx, assoc, nc.Path); err != nil {
				return err
			}
		}
	}

	l.logger.Info("clips inserted", "count", k, "source", source, "stream_id", streamID)
	return nil
}

// InsertAiClips appends detector-cut clips at the tail of both orderings,
// skipping any path already present, then recomputes the stream order by
// start time so detected segments interleave with passively captured ones.
func (l *Ledger) InsertAiClips(ctx context.Context, newClips []NewClip, streamID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	globalMax, err := l.repo.MaxGlobalPosition(ctx)
	if err != nil {
		return err
	}
	streamMax, err := l.repo.MaxStreamPosition(ctx, streamID)
	if err != nil {
		return err
	}

	added := 0
	for _, nc := range newClips {
		existing, err := l.repo.GetClip(ctx, nc.Path)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		clip := &Clip{
			Path:           nc.Path,
			Enabled:        true,
			Source:         SourceAiClip,
			GlobalPosition: globalMax + 1 + added,
			AiInfo:         nc.AiInfo,
			CreatedAt:      time.Now(),
		}
		if err := l.repo.CreateClip(ctx, clip); err != nil {
			return err
		}
		assoc := &StreamAssociation{StreamID: streamID, Position: streamMax + 1 + added, StartTime: nc.StartTime, EndTime: nc.EndTime}
		if err := l.repo.UpsertAssociation(ctx, assoc, nc.Path); err != nil {
			return err
		}
		added++
	}

	if added > 0 {
		l.logger.Info("ai clips inserted", "count", added, "stream_id", streamID)
	}
	return l.reorderByStartTimeLocked(ctx, streamID)
}

// ReorderByStartTime recomputes the per-stream order as the rank of each
// clip's initial start time, ascending, ties broken by insertion order.
func (l *Ledger) ReorderByStartTime(ctx context.Context, streamID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reorderByStartTimeLocked(ctx, streamID)
}

func (l *Ledger) reorderByStartTimeLocked(ctx context.Context, streamID string) error {
	rows, err := l.repo.ListAssociations(ctx, streamID)
	if err != nil {
		return err
	}

	// ListAssociations returns insertion order; the stable sort keeps it
	// for equal and absent start times.
	sort.SliceStable(rows, func(i, j int) bool {
		return startTimeOf(rows[i]) < startTimeOf(rows[j])
	})

	for rank, row := range rows {
		if row.Position == rank {
			continue
		}
		if err := l.repo.SetAssociationPosition(ctx, row.Path, streamID, rank); err != nil {
			return err
		}
	}
	return nil
}

func startTimeOf(row *AssociationRow) float64 {
	if row.StartTime == nil {
		// Clips without a start time sort after timed ones.
		return float64(1 << 62)
	}
	return *row.StartTime
}

// Remove drops a clip, or just one of its stream associations when the clip
// belongs to several streams and a stream is specified. Full removal deletes
// the thumbnail artifact and, when deleteFromDisk is set, the backing file;
// a locked file yields a user-facing warning, the record is dropped anyway.
func (l *Ledger) Remove(ctx context.Context, path, streamID string, deleteFromDisk bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(ctx, path, streamID, deleteFromDisk)
}

func (l *Ledger) removeLocked(ctx context.Context, path, streamID string, deleteFromDisk bool) error {
	clip, err := l.repo.GetClip(ctx, path)
	if err != nil {
		return err
	}
	if clip == nil {
		return nil
	}

	if streamID != "" && len(clip.Streams) > 1 {
		if clip.Streams[streamID] == nil {
			return nil
		}
		if err := l.repo.DeleteAssociation(ctx, path, streamID); err != nil {
			return err
		}
		if err := l.compactStreamPositions(ctx, streamID); err != nil {
			return err
		}
		return l.pruneStreamIfEmpty(ctx, streamID)
	}

	affected := make([]string, 0, len(clip.Streams))
	for id := range clip.Streams {
		affected = append(affected, id)
	}

	if err := l.repo.DeleteClip(ctx, path); err != nil {
		return err
	}
	if err := l.compactGlobalPositions(ctx); err != nil {
		return err
	}

	if clip.Thumbnail != "" {
		if err := os.Remove(clip.Thumbnail); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("failed to delete thumbnail", "path", clip.Thumbnail, "error", err)
		}
	}

	if deleteFromDisk {
		l.deleteBackingFile(path)
	}

	for _, id := range affected {
		if err := l.compactStreamPositions(ctx, id); err != nil {
			return err
		}
		if err := l.pruneStreamIfEmpty(ctx, id); err != nil {
			return err
		}
	}

	count, err := l.repo.CountClips(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		l.bus.Publish(events.Event{Type: events.TypeClipsEmpty})
	}
	return nil
}

// deleteBackingFile unlinks the clip file and removes its parent directory
// when that leaves it empty. Failures are surfaced to the user but never
// block the in-memory removal.
func (l *Ledger) deleteBackingFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to delete clip file", "path", path, "error", err)
		l.bus.Publish(events.Event{
			Type:    events.TypeFileDeleteFailed,
			Path:    path,
			Message: fmt.Sprintf("Could not delete %s. The file may be in use.", filepath.Base(path)),
		})
		return
	}

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		if err := os.Remove(dir); err != nil {
			l.logger.Warn("failed to remove empty clip directory", "dir", dir, "error", err)
		}
	}
}

// pruneStreamIfEmpty removes a stream record once its last clip is gone.
func (l *Ledger) pruneStreamIfEmpty(ctx context.Context, streamID string) error {
	count, err := l.repo.CountStreamClips(ctx, streamID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if err := l.repo.DeleteStream(ctx, streamID); err != nil {
		return err
	}
	l.logger.Info("pruned empty stream", "stream_id", streamID)
	l.bus.Publish(events.Event{Type: events.TypeStreamRemoved, StreamID: streamID})
	return nil
}

func (l *Ledger) compactGlobalPositions(ctx context.Context) error {
	clips, err := l.repo.ListClips(ctx)
	if err != nil {
		return err
	}
	for i, c := range clips {
		if c.GlobalPosition == i {
			continue
		}
		if err := l.repo.SetGlobalPosition(ctx, c.Path, i); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) compactStreamPositions(ctx context.Context, streamID string) error {
	rows, err := l.repo.ListAssociations(ctx, streamID)
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	for i, row := range rows {
		if row.Position == i {
			continue
		}
		if err := l.repo.SetAssociationPosition(ctx, row.Path, streamID, i); err != nil {
			return err
		}
	}
	return nil
}

// Query returns the ordered clips, globally or for one stream. Any clip
// whose backing file no longer exists is removed as a side effect and never
// returned; repeated calls converge to the same result.
func (l *Ledger) Query(ctx context.Context, streamID string) ([]*Clip, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryLocked(ctx, streamID)
}

func (l *Ledger) queryLocked(ctx context.Context, streamID string) ([]*Clip, error) {
	var clips []*Clip
	var err error
	if streamID == "" {
		clips, err = l.repo.ListClips(ctx)
	} else {
		clips, err = l.repo.ListStreamClips(ctx, streamID)
	}
	if err != nil {
		return nil, err
	}

	alive := clips[:0]
	healed := false
	for _, c := range clips {
		if _, statErr := os.Stat(c.Path); os.IsNotExist(statErr) {
			if err := l.removeLocked(ctx, c.Path, "", false); err != nil {
				return nil, err
			}
			l.bus.Publish(events.Event{Type: events.TypeClipRemoved, Path: c.Path})
			healed = true
			continue
		}
		alive = append(alive, c)
	}

	if healed {
		// Removal compacted positions; reload so callers see the final ones.
		if streamID == "" {
			return l.repo.ListClips(ctx)
		}
		return l.repo.ListStreamClips(ctx, streamID)
	}
	return alive, nil
}

// SetEnabled toggles a clip in or out of the render set.
func (l *Ledger) SetEnabled(ctx context.Context, path string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.SetClipEnabled(ctx, path, enabled)
}

// SetTrim updates a clip's trim points. Ordering is unaffected.
func (l *Ledger) SetTrim(ctx context.Context, path string, startTrim, endTrim float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if startTrim < 0 || endTrim < 0 {
		return fmt.Errorf("trim values must be non-negative")
	}
	return l.repo.SetClipTrim(ctx, path, startTrim, endTrim)
}

// MarkLoaded commits one hydration unit's result. Called from loader
// workers; the ledger mutex makes each update atomic against the shared set.
func (l *Ledger) MarkLoaded(ctx context.Context, path string, duration float64, thumbnail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.repo.MarkClipLoaded(ctx, path, duration, thumbnail); err != nil {
		return err
	}
	l.analytics.Record("clip_loaded", map[string]string{"path": filepath.Base(path)})
	return nil
}
