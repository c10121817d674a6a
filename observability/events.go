package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendingcore/core/events"
)

// EventMetrics counts engine events by type. It satisfies events.Emitter.
type EventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking emitted lending events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = NewEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

// NewEventMetrics builds the event counter and registers it with reg when
// non-nil.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Count of lending events segmented by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.emitted)
	}
	return m
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(evt.EventType()))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}
