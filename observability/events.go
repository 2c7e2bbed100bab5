package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted    *prometheus.CounterVec
	queueDepth prometheus.Gauge
	facts      *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking engine events and the lifecycle
// ingest queue.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewardd",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by type.",
			}, []string{"type"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rewardd",
				Subsystem: "ingest",
				Name:      "queue_depth",
				Help:      "Lifecycle facts waiting to be applied.",
			}),
			facts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewardd",
				Subsystem: "ingest",
				Name:      "facts_total",
				Help:      "Lifecycle facts processed segmented by kind and result.",
			}, []string{"kind", "result"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.queueDepth, eventRegistry.facts)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

func (m *eventMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *eventMetrics) RecordFact(kind, result string) {
	if m == nil {
		return
	}
	m.facts.WithLabelValues(kind, result).Inc()
}
