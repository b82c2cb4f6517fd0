// Package analytics is the fire-and-forget event sink. Recording an event
// never blocks and never fails the caller; events surface as Prometheus
// counters scraped from /metrics.
package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink records usage events.
type Sink interface {
	Record(event string, props map[string]string)
}

// PrometheusSink counts events in a Prometheus counter vector.
type PrometheusSink struct {
	events *prometheus.CounterVec
}

// NewPrometheusSink registers the analytics counters on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "highlighter",
			Name:      "events_total",
			Help:      "Count of analytics events by name.",
		}, []string{"event"}),
	}
	reg.MustRegister(s.events)
	return s
}

// Record increments the counter for event. Props are accepted for interface
// compatibility; counters only carry the event name to keep cardinality flat.
func (s *PrometheusSink) Record(event string, props map[string]string) {
	s.events.WithLabelValues(event).Inc()
}

// Nop discards all events. Used in tests.
type Nop struct{}

func (Nop) Record(event string, props map[string]string) {}
