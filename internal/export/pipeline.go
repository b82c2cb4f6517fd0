package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
)

// Preview export geometry: fixed low resolution with the fastest preset.
const (
	previewWidth  = 640
	previewHeight = 360
	previewFPS    = 30
	previewPreset = "ultrafast"
)

// frameProgressInterval rate-limits persisted frame-progress updates.
const frameProgressInterval = 500 * time.Millisecond

// Config keys for the optional intro/outro clips.
const (
	configIntroPath = "intro_path"
	configOutroPath = "outro_path"
)

// Pipeline owns the process-wide export record. Export is single-flight:
// a second invocation while one runs is rejected as a logged no-op.
type Pipeline struct {
	ledger    *highlighter.Ledger
	loader    *highlighter.Loader
	repo      highlighter.Repository
	prober    media.Prober
	renderer  Renderer
	bus       *events.Bus
	analytics analytics.Sink
	logger    *slog.Logger

	exportsDir string

	exporting       atomic.Bool
	cancelRequested atomic.Bool
	exported        atomic.Bool
}

func NewPipeline(
	ledger *highlighter.Ledger,
	loader *highlighter.Loader,
	repo highlighter.Repository,
	prober media.Prober,
	renderer Renderer,
	bus *events.Bus,
	sink analytics.Sink,
	exportsDir string,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		ledger:     ledger,
		loader:     loader,
		repo:       repo,
		prober:     prober,
		renderer:   renderer,
		bus:        bus,
		analytics:  sink,
		exportsDir: exportsDir,
		logger:     logger,
	}
}

// Export renders the ordered clip set to a file. It is a no-op when an
// export is already running or when target clips cannot all be loaded.
func (p *Pipeline) Export(ctx context.Context, preview bool, streamID string, orientation Orientation) error {
	if !p.exporting.CompareAndSwap(false, true) {
		p.logger.Warn("export already in progress, ignoring")
		return nil
	}
	defer p.exporting.Store(false)

	// Hydrate first; the guard on the persisted record only goes up once
	// the render set is known to be loadable, so an aborted call leaves
	// exporting=false behind.
	if err := p.loader.Load(ctx, streamID); err != nil {
		return err
	}

	clips, err := p.ledger.Query(ctx, streamID)
	if err != nil {
		return err
	}
	for _, c := range clips {
		if c.Enabled && !c.Loaded {
			p.logger.Warn("export aborted: clips not loaded", "path", c.Path)
			return nil
		}
	}

	info, err := p.repo.GetExportInfo(ctx)
	if err != nil {
		return err
	}

	opts := p.resolveOptions(info, preview, orientation)

	if v, err := p.repo.GetConfig(ctx, "music_path"); err == nil && v != "" {
		if _, statErr := os.Stat(v); statErr == nil {
			opts.MusicPath = v
			opts.MusicVolume = 0.25
		}
	}

	p.cancelRequested.Store(false)
	p.exported.Store(false)

	info.Exporting = true
	info.Exported = false
	info.CancelRequested = false
	info.Error = ""
	info.CurrentFrame = 0
	info.Step = highlighter.StepLoading
	if err := p.repo.SaveExportInfo(ctx, info); err != nil {
		return err
	}

	err = p.render(ctx, clips, streamID, opts, info)
	if err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) render(ctx context.Context, clips []*highlighter.Clip, streamID string, opts Options, info *highlighter.ExportInfo) error {
	renderSet := p.buildRenderList(ctx, clips, opts)

	if len(renderSet) == 0 {
		info.Exporting = false
		info.Step = highlighter.StepIdle
		info.Error = "No clips are available for export."
		p.saveInfo(ctx, info)
		p.bus.Publish(events.Event{Type: events.TypeExportFailed, Message: info.Error})
		return errors.New(info.Error)
	}

	totalFrames := 0
	for _, c := range renderSet {
		totalFrames += int(c.TrimmedDuration() * float64(opts.FPS))
	}

	info.TotalFrames = totalFrames
	info.Step = highlighter.StepRendering
	p.saveInfo(ctx, info)

	p.analytics.Record("export_started", map[string]string{"preview": fmt.Sprintf("%t", opts.Preview)})
	p.logger.Info("export started",
		"clips", len(renderSet),
		"frames", totalFrames,
		"resolution", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"preview", opts.Preview,
	)

	opts.CancelRequested = func() bool { return p.cancelRequested.Load() }

	lastUpdate := time.Time{}
	onFrame := func(frame int) {
		// A late in-flight callback must never revive the progress bar
		// after completion.
		if p.exported.Load() {
			return
		}
		if time.Since(lastUpdate) < frameProgressInterval && frame < totalFrames {
			return
		}
		lastUpdate = time.Now()
		info.CurrentFrame = frame
		p.saveInfo(ctx, info)
	}

	err := p.renderer.Render(ctx, renderSet, opts, onFrame)

	switch {
	case errors.Is(err, ErrRenderCanceled):
		info.Exporting = false
		info.CancelRequested = true
		info.Step = highlighter.StepIdle
		p.saveInfo(ctx, info)
		p.analytics.Record("export_canceled", nil)
		p.logger.Info("export canceled")
		return nil

	case err != nil:
		info.Exporting = false
		info.Error = err.Error()
		info.Step = highlighter.StepIdle
		p.saveInfo(ctx, info)
		p.analytics.Record("export_failed", nil)
		p.bus.Publish(events.Event{Type: events.TypeExportFailed, Message: "Export failed."})
		p.logger.Error("export failed", "error", err)
		return err
	}

	p.exported.Store(true)
	info.Exporting = false
	info.Exported = true
	info.CurrentFrame = totalFrames
	info.Step = highlighter.StepIdle
	if opts.Preview {
		info.PreviewFile = opts.OutputFile
	} else {
		info.File = opts.OutputFile
	}
	p.saveInfo(ctx, info)

	p.analytics.Record("export_finished", map[string]string{"frames": fmt.Sprintf("%d", totalFrames)})
	p.bus.Publish(events.Event{Type: events.TypeExportDone, Path: opts.OutputFile, StreamID: streamID})
	p.logger.Info("export finished", "file", opts.OutputFile)
	return nil
}

// Cancel sets the cooperative cancel flag. The renderer observes it at its
// next safe checkpoint; nothing is forcibly terminated.
func (p *Pipeline) Cancel(ctx context.Context) {
	if !p.exporting.Load() {
		return
	}
	p.cancelRequested.Store(true)

	info, err := p.repo.GetExportInfo(ctx)
	if err != nil {
		p.logger.Warn("failed to load export info for cancel", "error", err)
		return
	}
	info.CancelRequested = true
	p.saveInfo(ctx, info)
	p.logger.Info("export cancel requested")
}

// resolveOptions resolves the export geometry: preview uses the fixed fast
// preset, a full export follows persisted settings (720 maps to 1280x720,
// anything else to 1920x1080). Vertical orientation swaps the frame and
// triggers the per-clip crop transform.
func (p *Pipeline) resolveOptions(info *highlighter.ExportInfo, preview bool, orientation Orientation) Options {
	opts := Options{
		Preview:     preview,
		Orientation: orientation,
	}

	if preview {
		opts.Width = previewWidth
		opts.Height = previewHeight
		opts.FPS = previewFPS
		opts.Preset = previewPreset
		opts.OutputFile = filepath.Join(p.exportsDir, "preview.mp4")
	} else {
		if info.Resolution == 720 {
			opts.Width, opts.Height = 1280, 720
		} else {
			opts.Width, opts.Height = 1920, 1080
		}
		opts.FPS = info.FPS
		opts.Preset = info.Preset
		name := SanitizeName(fmt.Sprintf("highlights_%s.mp4", time.Now().Format("2006-01-02_15-04-05")), 120)
		opts.OutputFile = filepath.Join(p.exportsDir, name)
	}

	if orientation == OrientationVertical {
		opts.Width = opts.Height * 9 / 16
		if !preview {
			// Full vertical exports target the portrait frame at full height.
			if info.Resolution == 720 {
				opts.Width, opts.Height = 720, 1280
			} else {
				opts.Width, opts.Height = 1080, 1920
			}
		}
	}
	return opts
}

// buildRenderList derives the ordered RenderingClip set: ledger order with
// trims, intro/outro around it unless vertical, vanished files filtered and
// reflected back into the ledger.
func (p *Pipeline) buildRenderList(ctx context.Context, clips []*highlighter.Clip, opts Options) []*RenderingClip {
	set := make([]*RenderingClip, 0, len(clips)+2)

	if opts.Orientation != OrientationVertical {
		if intro := p.boundaryClip(ctx, configIntroPath); intro != nil {
			set = append(set, intro)
		}
	}

	for _, c := range clips {
		if !c.Enabled {
			continue
		}
		rc := &RenderingClip{
			Path:      c.Path,
			StartTrim: c.StartTrim,
			EndTrim:   c.EndTrim,
		}
		if c.Duration != nil {
			rc.Duration = *c.Duration
		}

		// Reset against the resolved options; a file that disappeared since
		// Query is flagged, dropped from the set and healed in the ledger.
		if _, err := os.Stat(rc.Path); os.IsNotExist(err) {
			rc.Deleted = true
			if rmErr := p.ledger.Remove(ctx, rc.Path, "", false); rmErr != nil {
				p.logger.Error("failed to heal vanished clip", "path", rc.Path, "error", rmErr)
			}
			p.bus.Publish(events.Event{Type: events.TypeClipRemoved, Path: rc.Path})
			continue
		}

		if opts.Orientation == OrientationVertical {
			applyVerticalCrop(rc, opts)
		}
		set = append(set, rc)
	}

	if opts.Orientation != OrientationVertical {
		if outro := p.boundaryClip(ctx, configOutroPath); outro != nil {
			set = append(set, outro)
		}
	}
	return set
}

// boundaryClip loads the configured intro or outro clip, probing its
// duration on the fly. Missing or unreadable boundary clips are skipped.
func (p *Pipeline) boundaryClip(ctx context.Context, key string) *RenderingClip {
	path, err := p.repo.GetConfig(ctx, key)
	if err != nil || path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		p.logger.Warn("configured boundary clip missing", "key", key, "path", path)
		return nil
	}

	res, err := p.prober.Probe(ctx, path)
	if err != nil {
		p.logger.Warn("cannot probe boundary clip", "key", key, "error", err)
		return nil
	}
	return &RenderingClip{Path: path, Duration: res.Duration}
}

// applyVerticalCrop recomputes the clip's crop box as a centered portrait
// window over the source frame.
func applyVerticalCrop(rc *RenderingClip, opts Options) {
	srcW, srcH := 1920, 1080
	cropH := srcH
	cropW := cropH * opts.Width / opts.Height
	if cropW > srcW {
		cropW = srcW
	}
	rc.CropWidth = cropW
	rc.CropHeight = cropH
	rc.CropX = (srcW - cropW) / 2
	rc.CropY = 0
}

func (p *Pipeline) saveInfo(ctx context.Context, info *highlighter.ExportInfo) {
	if err := p.repo.SaveExportInfo(ctx, info); err != nil {
		p.logger.Warn("failed to persist export info", "error", err)
	}
}
