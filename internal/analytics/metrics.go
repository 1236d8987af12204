package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_events_ingested_total",
		Help: "Events accepted into the window",
	})

	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_events_rejected_total",
		Help: "Events rejected by validation, by offending field",
	}, []string{"field"})

	eventsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_events_stale_total",
		Help: "Events dropped for arriving later than the late tolerance",
	})

	eventsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_events_evicted_total",
		Help: "Events evicted from the window",
	})

	windowEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_window_events",
		Help: "Events inside the window at the last snapshot",
	})

	anomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_anomalies_detected_total",
		Help: "Anomalies reported by snapshots",
	}, []string{"type", "severity"})
)
