package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	currentRPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "current_requests_per_minute",
		Help: "Requests per minute in the window at the last snapshot",
	})

	currentErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "current_error_rate",
		Help: "Error rate in the window at the last snapshot",
	})

	currentAvgLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "current_avg_latency_ms",
		Help: "Average latency in the window at the last snapshot",
	})

	anomaliesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anomalies_dropped_total",
		Help: "Anomalies not stored because the history queue was full",
	})

	historyWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_writes_total",
		Help: "Anomaly history writes by result",
	}, []string{"result"})
)
