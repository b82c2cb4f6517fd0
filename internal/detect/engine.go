// Package detect drives the external AI highlight-detection engine and owns
// the per-stream detection state machine.
package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics

// ErrCanceled is the distinguished condition the engine reports when a run
// was aborted through its cancellation signal. It maps to the canceled
// stream state and is excluded from failure analytics.
var ErrCanceled = errors.New("detection canceled")

// EngineError is a detection failure that carries an engine error code.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("detection engine error %s: %s", e.Code, e.Message)
}

// DefaultErrorCode tags failures that carry no engine code of their own.
const DefaultErrorCode = "HIGHLIGHT_DETECTION_ERROR"

// Segment is one highlight the engine found.
type Segment struct {
	Start  float64                  `json:"start"`
	End    float64                  `json:"end"`
	Score  float64                  `json:"score"`
	Round  int                      `json:"round,omitempty"`
	Inputs []highlighter.InputEvent `json:"inputs,omitempty"`
}

// Milestone is a detector-emitted marker used to bias future runs over the
// same recording.
type Milestone struct {
	Name      string  `json:"name"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ProgressFunc receives the raw detection fraction in 0..1.
type ProgressFunc func(fraction float64)

// DetectRequest carries one detection run's inputs and callbacks. OnSegments
// is invoked incrementally and must complete before Detect returns.
type DetectRequest struct {
	FilePath       string
	UserID         string
	GameHint       string
	MilestonesPath string
	OnSegments     func(segments []Segment) error
	OnProgress     ProgressFunc
	OnMilestone    func(m Milestone)
}

// Engine is the contract the external detection binary must satisfy.
type Engine interface {
	// IsUpdateAvailable checks whether a newer engine version exists.
	IsUpdateAvailable(ctx context.Context) (bool, string, error)
	// Update downloads and installs the newer version.
	Update(ctx context.Context, progress ProgressFunc) error
	// Detect runs detection over one recording. It returns ErrCanceled when
	// the run was aborted via ctx, an *EngineError for engine-reported
	// failures, and nil on success.
	Detect(ctx context.Context, req DetectRequest) error
}

// SubprocessEngine runs the detection binary as a subprocess and speaks its
// newline-delimited JSON event protocol on stdout.
type SubprocessEngine struct {
	binary        string
	detectTimeout time.Duration
	updateTimeout time.Duration
	logger        *slog.Logger
}

func NewSubprocessEngine(binary string, detectTimeout, updateTimeout time.Duration, logger *slog.Logger) *SubprocessEngine {
	return &SubprocessEngine{
		binary:        binary,
		detectTimeout: detectTimeout,
		updateTimeout: updateTimeout,
		logger:        logger,
	}
}

// engineEvent is one line of the engine's stdout protocol.
type engineEvent struct {
	Type      string    `json:"type"`
	Fraction  float64   `json:"fraction,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Version   string    `json:"version,omitempty"`
	Available bool      `json:"available,omitempty"`
}

func (e *SubprocessEngine) IsUpdateAvailable(ctx context.Context) (bool, string, error) {
	var stdout bytes.Buffer
	stderr := newTailWriter(maxStderrBytes)

	cmd := exec.CommandContext(ctx, e.binary, "check-update", "--json")
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return false, "", fmt.Errorf("engine update check failed: %s: %w", stderr.Tail(), err)
	}

	var ev engineEvent
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &ev); err != nil {
		return false, "", fmt.Errorf("cannot parse update check output: %w", err)
	}
	return ev.Available, ev.Version, nil
}

func (e *SubprocessEngine) Update(ctx context.Context, progress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, e.updateTimeout)
	defer cancel()

	e.logger.Info("updating detection engine")
	return e.stream(ctx, func(ev engineEvent) error {
		if ev.Type == "progress" && progress != nil {
			progress(ev.Fraction)
		}
		return nil
	}, "update", "--json")
}

func (e *SubprocessEngine) Detect(ctx context.Context, req DetectRequest) error {
	ctx, cancel := context.WithTimeout(ctx, e.detectTimeout)
	defer cancel()

	args := []string{
		"detect", "--json",
		"--input", req.FilePath,
		"--user", req.UserID,
	}
	if req.MilestonesPath != "" {
		args = append(args, "--milestones", req.MilestonesPath)
	}
	if req.GameHint != "" {
		args = append(args, "--game", req.GameHint)
	}

	return e.stream(ctx, func(ev engineEvent) error {
		switch ev.Type {
		case "progress":
			if req.OnProgress != nil {
				req.OnProgress(ev.Fraction)
			}
		case "segments":
			if req.OnSegments != nil {
				return req.OnSegments(ev.Segments)
			}
		case "milestone":
			if req.OnMilestone != nil {
				req.OnMilestone(Milestone{Name: ev.Name, Timestamp: ev.Timestamp})
			}
		case "error":
			code := ev.Code
			if code == "" {
				code = DefaultErrorCode
			}
			return &EngineError{Code: code, Message: ev.Message}
		}
		return nil
	}, args...)
}

// stream runs one engine command and dispatches its stdout events to handle.
// A context cancellation surfaces as ErrCanceled.
func (e *SubprocessEngine) stream(ctx context.Context, handle func(engineEvent) error, args ...string) error {
	start := time.Now()
	stderr := newTailWriter(maxStderrBytes)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("cannot open engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start engine: %w", err)
	}

	var handleErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev engineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			e.logger.Warn("unparseable engine event", "line", truncate(string(line), 256))
			continue
		}
		if err := handle(ev); err != nil {
			handleErr = err
			break
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if ctx.Err() == context.Canceled {
		e.logger.Info("engine run canceled", "duration_ms", elapsed.Milliseconds())
		return ErrCanceled
	}
	if handleErr != nil {
		return handleErr
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("engine output read failed: %w", err)
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		e.logger.Warn("engine run failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderr.Tail(), 512),
		)
		return &EngineError{Code: DefaultErrorCode, Message: stderr.Tail()}
	}

	e.logger.Info("engine run succeeded", "duration_ms", elapsed.Milliseconds())
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
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
