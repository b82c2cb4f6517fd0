// Package media shells out to ffprobe/ffmpeg for duration probing, scrub
// thumbnail generation and segment cutting.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

// SupportedExtensions lists the container formats the renderer accepts.
var SupportedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".flv":  true,
	".webm": true,
	".avi":  true,
	".m4v":  true,
	".ts":   true,
}

// IsSupported reports whether path has a supported video extension.
func IsSupported(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ProbeResult holds the metadata extracted from a media file.
type ProbeResult struct {
	Duration  float64
	Width     int
	Height    int
	Codec     string
	FrameRate float64
}

// Prober extracts duration and produces a scrub-thumbnail artifact.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	Thumbnail(ctx context.Context, src, dst string) error
}

// Cutter cuts a time segment of a source file into a standalone clip file.
type Cutter interface {
	Cut(ctx context.Context, src, dst string, start, end float64) error
}

// FFmpeg implements Prober and Cutter over the ffmpeg/ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// ffprobe JSON output shape (the fields we read).
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newTailWriter(maxStderrBytes)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, statErr
		}
		return nil, fmt.Errorf("ffprobe failed for %s: %w", filepath.Base(path), err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe output: %w", err)
	}

	res := &ProbeResult{}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		res.Width = s.Width
		res.Height = s.Height
		res.Codec = s.CodecName
		res.FrameRate = parseFrameRate(s.RFrameRate)
		break
	}

	if f.logger != nil {
		f.logger.Debug("probed media file",
			"file", filepath.Base(path),
			"duration", res.Duration,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}

// Thumbnail renders a 10x10 sprite sheet of scaled-down frames used for
// scrubbing in the clip list.
func (f *FFmpeg) Thumbnail(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("cannot create thumbnail dir: %w", err)
	}

	stderr := newTailWriter(maxStderrBytes)
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-i", src,
		"-vf", "fps=1,scale=160:-2,tile=10x10",
		"-frames:v", "1",
		dst,
	)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("thumbnail generation failed: %s: %w", stderr.Tail(), err)
	}
	return nil
}

// Cut copies the [start, end) segment of src into dst without re-encoding.
func (f *FFmpeg) Cut(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("invalid segment %f..%f", start, end)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("cannot create clip dir: %w", err)
	}

	stderr := newTailWriter(maxStderrBytes)
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(end-start),
		"-c", "copy",
		dst,
	)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("segment cut failed: %s: %w", stderr.Tail(), err)
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// tailWriter is an io.Writer that keeps only the last limit bytes.
type tailWriter struct {
	buf   bytes.Buffer
	limit int
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.buf.Write(p)
	if w.buf.Len() > w.limit {
		b := w.buf.Bytes()
		tail := make([]byte, w.limit)
		copy(tail, b[len(b)-w.limit:])
		w.buf.Reset()
		w.buf.Write(tail)
	}
	return n, nil
}

func (w *tailWriter) Tail() string {
	return strings.TrimSpace(w.buf.String())
}
