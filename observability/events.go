package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted events segmented by type and asset.",
			}, []string{"type", "asset"}),
		}
		prometheus.MustRegister(eventRegistry.events)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type and asset.
func (m *eventMetrics) RecordEvent(eventType, asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(asset)
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.events.WithLabelValues(labelOrUnknown(eventType), normalized).Inc()
}
