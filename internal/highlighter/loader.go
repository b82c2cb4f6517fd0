package highlighter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
)

// Loader hydrates clip metadata (duration, scrub thumbnail) from disk.
// Probing is I/O bound, so units run on a worker pool sized to the host's
// available parallelism; each unit commits its result through the ledger.
type Loader struct {
	ledger  *Ledger
	prober  media.Prober
	bus     *events.Bus
	logger  *slog.Logger
	thumbs  string
	workers int
}

func NewLoader(ledger *Ledger, prober media.Prober, bus *events.Bus, thumbsDir string, logger *slog.Logger) *Loader {
	return &Loader{
		ledger:  ledger,
		prober:  prober,
		bus:     bus,
		logger:  logger,
		thumbs:  thumbsDir,
		workers: runtime.NumCPU(),
	}
}

// Load hydrates every unloaded clip visible through Query. A clip with an
// unsupported extension is removed and reported; a clip whose file vanishes
// mid-batch is removed without failing the rest of the batch.
func (ld *Loader) Load(ctx context.Context, streamID string) error {
	clips, err := ld.ledger.Query(ctx, streamID)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(ld.workers)

	queued := 0
	for _, c := range clips {
		if c.Loaded {
			continue
		}

		if !media.IsSupported(c.Path) {
			if err := ld.ledger.Remove(ctx, c.Path, "", false); err != nil {
				return err
			}
			ld.bus.Publish(events.Event{
				Type:    events.TypeUnsupportedFile,
				Path:    c.Path,
				Message: fmt.Sprintf("The file type %s is not supported.", filepath.Ext(c.Path)),
			})
			continue
		}

		clip := c
		queued++
		g.Go(func() error {
			ld.hydrate(ctx, clip)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if queued > 0 {
		ld.logger.Info("clip hydration finished", "count", queued, "stream_id", streamID)
	}
	return nil
}

// hydrate probes one clip and commits the result. Errors are fail-soft: the
// unit logs (or self-heals a vanished file) and the batch continues.
func (ld *Loader) hydrate(ctx context.Context, clip *Clip) {
	res, err := ld.prober.Probe(ctx, clip.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if rmErr := ld.ledger.Remove(ctx, clip.Path, "", false); rmErr != nil {
				ld.logger.Error("failed to remove vanished clip", "path", clip.Path, "error", rmErr)
			}
			ld.bus.Publish(events.Event{Type: events.TypeClipRemoved, Path: clip.Path})
			return
		}
		ld.logger.Warn("failed to probe clip", "path", clip.Path, "error", err)
		return
	}

	thumb := filepath.Join(ld.thumbs, thumbnailName(clip.Path))
	if err := ld.prober.Thumbnail(ctx, clip.Path, thumb); err != nil {
		ld.logger.Warn("failed to render thumbnail", "path", clip.Path, "error", err)
		thumb = ""
	}

	if err := ld.ledger.MarkLoaded(ctx, clip.Path, res.Duration, thumb); err != nil {
		ld.logger.Error("failed to mark clip loaded", "path", clip.Path, "error", err)
	}
}

func thumbnailName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8]) + ".png"
}
