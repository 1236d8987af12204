package models

import "time"

// RawEvent is an API call event as received from the ingestion boundary,
// before validation. Timestamp may be a time.Time, an RFC3339 string, a
// numeric string or a JSON number of Unix seconds.
type RawEvent struct {
	Timestamp  interface{} `json:"timestamp"`
	UserID     string      `json:"user_id"`
	Endpoint   string      `json:"endpoint,omitempty"`
	LatencyMS  *float64    `json:"latency_ms"`
	TokensUsed *int64      `json:"tokens_used"`
	IsError    bool        `json:"is_error"`
}

// LogEvent is a validated API call event. It is never mutated after
// validation.
type LogEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	TokensUsed int64     `json:"tokens_used"`
	IsError    bool      `json:"is_error"`
}

type UserUsage struct {
	Count      int64 `json:"count"`
	ErrorCount int64 `json:"error_count"`
	TokenSum   int64 `json:"token_sum"`
}

type MetricSnapshot struct {
	At                time.Time            `json:"at"`
	WindowStart       time.Time            `json:"window_start"`
	EventCount        int                  `json:"event_count"`
	ErrorCount        int                  `json:"error_count"`
	RequestsPerMinute float64              `json:"requests_per_minute"`
	ErrorRate         float64              `json:"error_rate"`
	AvgLatencyMS      float64              `json:"avg_latency_ms"`
	LatencyStdMS      float64              `json:"latency_std_ms"`
	LatencyP50MS      float64              `json:"latency_p50_ms"`
	LatencyP95MS      float64              `json:"latency_p95_ms"`
	LatencyP99MS      float64              `json:"latency_p99_ms"`
	MaxLatencyMS      float64              `json:"max_latency_ms"`
	TokenSum          int64                `json:"token_sum"`
	Users             map[string]UserUsage `json:"users"`
}

// BaselineStats is the rolling mean and standard deviation of one metric.
type BaselineStats struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Samples int64   `json:"samples"`
}

type AnomalyType string

// Declaration order is the tie-break order when sorting anomalies.
const (
	AnomalyHighErrorRate    AnomalyType = "high_error_rate"
	AnomalyHighLatency      AnomalyType = "high_latency"
	AnomalyUnusualUserUsage AnomalyType = "unusual_user_usage"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type Anomaly struct {
	Type           AnomalyType `json:"type"`
	Severity       Severity    `json:"severity"`
	MetricName     string      `json:"metric_name"`
	ObservedValue  float64     `json:"observed_value"`
	ThresholdValue float64     `json:"threshold_value"`
	Deviation      float64     `json:"deviation"`
	UserID         string      `json:"user_id,omitempty"`
	Message        string      `json:"message"`
	DetectedAt     time.Time   `json:"detected_at"`
}

// Result is returned by a snapshot: the metrics, the anomalies found in them
// and the baseline they were compared against.
type Result struct {
	Metrics   MetricSnapshot           `json:"metrics"`
	Anomalies []Anomaly                `json:"anomalies"`
	Baseline  map[string]BaselineStats `json:"baseline"`
}

// StoredAnomaly is an anomaly as kept by the history store.
type StoredAnomaly struct {
	ID string `json:"id"`
	Anomaly
}
