// Package export assembles the ordered render list and drives the external
// renderer, tracking the process-wide export record.
package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Orientation selects the export geometry family.
type Orientation string

const (
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
)

// RenderingClip is the ephemeral per-export handle derived from a loaded
// ledger clip. It is never persisted and is rebuilt for every export run.
type RenderingClip struct {
	Path      string
	StartTrim float64
	EndTrim   float64
	Duration  float64
	Deleted   bool

	// Crop geometry, populated by the vertical transform.
	CropX      int
	CropY      int
	CropWidth  int
	CropHeight int
}

// TrimmedDuration is the clip's playable length after trims.
func (c *RenderingClip) TrimmedDuration() float64 {
	d := c.Duration - c.StartTrim - c.EndTrim
	if d < 0 {
		return 0
	}
	return d
}

// Options is the resolved export geometry and encoder configuration.
type Options struct {
	Width       int
	Height      int
	FPS         int
	Preset      string
	Preview     bool
	Orientation Orientation
	OutputFile  string

	// Background music mixed under the concatenated audio.
	MusicPath   string
	MusicVolume float64

	// CancelRequested is polled by the renderer at its safe checkpoints.
	// Cancellation is cooperative, never preemptive.
	CancelRequested func() bool
}

// FrameFunc receives encoded frame counts as the render progresses.
type FrameFunc func(currentFrame int)

// ErrRenderCanceled is returned by a renderer that stopped at a checkpoint
// after observing the cancel flag.
var ErrRenderCanceled = fmt.Errorf("render canceled")

// Renderer encodes an ordered clip list into one output file.
type Renderer interface {
	Render(ctx context.Context, clips []*RenderingClip, opts Options, onFrame FrameFunc) error
}

// FFmpegRenderer concatenates the clips with the concat demuxer and encodes
// through a single ffmpeg invocation, reading frame progress from
// `-progress` output.
type FFmpegRenderer struct {
	ffmpegPath string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewFFmpegRenderer(ffmpegPath string, timeout time.Duration, logger *slog.Logger) *FFmpegRenderer {
	return &FFmpegRenderer{ffmpegPath: ffmpegPath, timeout: timeout, logger: logger}
}

func (r *FFmpegRenderer) Render(ctx context.Context, clips []*RenderingClip, opts Options, onFrame FrameFunc) error {
	if len(clips) == 0 {
		return fmt.Errorf("nothing to render")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	listPath, err := writeConcatList(clips)
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	if err := os.MkdirAll(filepath.Dir(opts.OutputFile), 0755); err != nil {
		return fmt.Errorf("cannot create output dir: %w", err)
	}

	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d",
		opts.Width, opts.Height, opts.Width, opts.Height, opts.FPS)
	if opts.Orientation == OrientationVertical {
		// The per-clip crop was already resolved against the source frame;
		// a uniform center crop keeps the concat filter chain simple.
		filter = fmt.Sprintf("crop=ih*%d/%d:ih,scale=%d:%d,fps=%d",
			opts.Width, opts.Height, opts.Width, opts.Height, opts.FPS)
	}

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
	}
	if opts.MusicPath != "" {
		volume := opts.MusicVolume
		if volume <= 0 {
			volume = 0.25
		}
		args = append(args,
			"-stream_loop", "-1",
			"-i", opts.MusicPath,
			"-filter_complex",
			fmt.Sprintf("[1:a]volume=%.2f[bg];[0:a][bg]amix=inputs=2:duration=first[aout]", volume),
			"-map", "0:v",
			"-map", "[aout]",
			"-shortest",
		)
	}
	args = append(args,
		"-vf", filter,
		"-preset", opts.Preset,
		"-progress", "pipe:1",
		"-nostats",
		opts.OutputFile,
	)

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot open renderer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start renderer: %w", err)
	}

	canceled := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		// Progress keys arrive one per line; frame=N is a checkpoint.
		if frame, ok := strings.CutPrefix(line, "frame="); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(frame)); err == nil && onFrame != nil {
				onFrame(n)
			}
			if opts.CancelRequested != nil && opts.CancelRequested() {
				canceled = true
				cancel()
			}
		}
	}

	waitErr := cmd.Wait()
	if canceled {
		os.Remove(opts.OutputFile)
		return ErrRenderCanceled
	}
	if waitErr != nil {
		tail := stderr.String()
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return fmt.Errorf("render failed: %s: %w", strings.TrimSpace(tail), waitErr)
	}
	return nil
}

// writeConcatList emits an ffmpeg concat demuxer list honouring each clip's
// trim points via inpoint/outpoint.
func writeConcatList(clips []*RenderingClip) (string, error) {
	f, err := os.CreateTemp("", "render_list_*.txt")
	if err != nil {
		return "", fmt.Errorf("cannot create concat list: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, c := range clips {
		b.WriteString("file '" + escapeConcatPath(c.Path) + "'\n")
		if c.StartTrim > 0 {
			fmt.Fprintf(&b, "inpoint %.3f\n", c.StartTrim)
		}
		if c.EndTrim > 0 && c.Duration > 0 {
			fmt.Fprintf(&b, "outpoint %.3f\n", c.Duration-c.EndTrim)
		}
	}

	if _, err := f.WriteString(b.String()); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("cannot write concat list: %w", err)
	}
	return f.Name(), nil
}

func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}
