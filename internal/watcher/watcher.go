// Package watcher polls the recordings directory for replay-buffer saves
// and registers them as clips.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
)

const defaultInterval = 5 * time.Second

// settleDelay keeps a freshly appeared file out of the ledger until the
// recorder has finished writing it.
const settleDelay = 2 * time.Second

type Watcher struct {
	dir      string
	ledger   *highlighter.Ledger
	logger   *slog.Logger
	interval time.Duration

	seen    map[string]time.Time
	pending map[string]time.Time
}

func New(dir string, ledger *highlighter.Ledger, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		ledger:   ledger,
		logger:   logger,
		interval: defaultInterval,
		seen:     make(map[string]time.Time),
		pending:  make(map[string]time.Time),
	}
}

// Run polls until ctx is done. The first scan primes the seen set so that
// pre-existing recordings are not imported on startup.
func (w *Watcher) Run(ctx context.Context) {
	if w.dir == "" {
		w.logger.Info("recordings directory not configured, watcher disabled")
		return
	}

	w.prime()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) prime() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("cannot read recordings directory", "dir", w.dir, "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() && media.IsSupported(e.Name()) {
			w.seen[filepath.Join(w.dir, e.Name())] = now
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("cannot read recordings directory", "dir", w.dir, "error", err)
		return
	}

	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !media.IsSupported(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if _, ok := w.seen[path]; ok {
			continue
		}
		if _, ok := w.pending[path]; !ok {
			w.pending[path] = now
			continue
		}
		if now.Sub(w.pending[path]) < settleDelay {
			continue
		}
		delete(w.pending, path)
		w.seen[path] = now

		w.logger.Info("replay buffer recording detected", "path", path)
		err := w.ledger.Insert(ctx, []highlighter.NewClip{{Path: path}}, "", highlighter.SourceReplayBuffer)
		if err != nil {
			w.logger.Error("failed to register replay clip", "path", path, "error", err)
		}
	}
}
