package detect

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// ProgressTracker rescales the engine's raw 0..1 fraction to 0..100 and
// decouples the engine's callback cadence from the rate at which the value
// is persisted: flushes are debounced, with the latest value winning.
type ProgressTracker struct {
	mu        sync.Mutex
	latest    float64
	debounced func(func())
	flush     func(pct float64)
}

func NewProgressTracker(interval time.Duration, flush func(pct float64)) *ProgressTracker {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &ProgressTracker{
		debounced: debounce.New(interval),
		flush:     flush,
	}
}

// Update records a raw fraction and schedules a debounced flush.
func (t *ProgressTracker) Update(fraction float64) {
	pct := fraction * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	t.mu.Lock()
	t.latest = pct
	t.mu.Unlock()

	t.debounced(func() {
		t.mu.Lock()
		pct := t.latest
		t.mu.Unlock()
		t.flush(pct)
	})
}

// Flush persists the latest value immediately, bypassing the debounce.
// Called once at the end of a run so the terminal progress is never lost.
func (t *ProgressTracker) Flush() {
	t.mu.Lock()
	pct := t.latest
	t.mu.Unlock()
	t.flush(pct)
}
