// Package events is the bounded in-memory event feed consumed by UI
// subscribers. The core publishes state-transition hooks here instead of
// owning any presentation.
package events

import (
	"sync"
	"time"
)

// Type classifies messages emitted by the core.
type Type string

const (
	TypeStreamDetected   Type = "stream_detected"
	TypeStreamRemoved    Type = "stream_removed"
	TypeClipsEmpty       Type = "clips_empty"
	TypeClipRemoved      Type = "clip_removed"
	TypeUnsupportedFile  Type = "unsupported_file"
	TypeFileDeleteFailed Type = "file_delete_failed"
	TypeExportDone       Type = "export_done"
	TypeExportFailed     Type = "export_failed"
	TypeUploadDone       Type = "upload_done"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	StreamID  string    `json:"streamId,omitempty"`
	Path      string    `json:"path,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Bus stores recent events and provides incremental reads.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewBus creates a bounded in-memory event buffer.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	event.Timestamp = time.Now()

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
	return event
}

// Since returns all buffered events with a sequence greater than after.
func (b *Bus) Since(after int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range b.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq returns the sequence of the most recently published event.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
