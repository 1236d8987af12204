package analytics

import (
	"fmt"
	"sort"

	"usage-monitor/internal/models"
)

// DetectorConfig holds the thresholds used by Detect.
type DetectorConfig struct {
	// K is the multiplier of the baseline standard deviation above which a
	// global metric is anomalous.
	K float64
	// KCritical is the deviation at or above which an anomaly is CRITICAL.
	KCritical float64
	// KUser is the multiplier for per-user token usage.
	KUser float64
	// EarlyWarning enables INFO anomalies for deviations in [K-1, K].
	EarlyWarning bool
	// MinBaselineSamples is the number of snapshots a global baseline needs
	// before it is used.
	MinBaselineSamples int64
	// MinEvents is the smallest window worth analysing.
	MinEvents int
	// MinUsers is the smallest population, the judged user included, for
	// the per-user check.
	MinUsers int
	// MaxErrorRate is a fixed ceiling on the error rate, applied whether or
	// not the baseline is established. Zero disables it.
	MaxErrorRate float64
}

var (
	severityRank = map[models.Severity]int{
		models.SeverityCritical: 0,
		models.SeverityWarning:  1,
		models.SeverityInfo:     2,
	}
	typeRank = map[models.AnomalyType]int{
		models.AnomalyHighErrorRate:    0,
		models.AnomalyHighLatency:      1,
		models.AnomalyUnusualUserUsage: 2,
	}
)

// Detect compares a snapshot against the baseline and returns the anomalies
// ordered by severity, then type, then user. It does not modify baseline.
func Detect(snap models.MetricSnapshot, baseline map[string]models.BaselineStats, cfg DetectorConfig) []models.Anomaly {
	anomalies := []models.Anomaly{}
	if snap.EventCount == 0 || snap.EventCount < cfg.MinEvents {
		return anomalies
	}

	global := []struct {
		typ      models.AnomalyType
		metric   string
		observed float64
		ceiling  float64
		title    string
	}{
		{models.AnomalyHighErrorRate, MetricErrorRate, snap.ErrorRate, cfg.MaxErrorRate, "High error rate detected"},
		{models.AnomalyHighLatency, MetricAvgLatency, snap.AvgLatencyMS, 0, "Latency spike detected"},
	}
	for _, g := range global {
		var (
			sev                  models.Severity
			threshold, deviation float64
			ok                   bool
		)
		if b, have := baseline[g.metric]; have && b.Samples >= cfg.MinBaselineSamples {
			sev, threshold, deviation, ok = classify(g.observed, b.Mean, b.Std, cfg.K, cfg.KCritical, cfg.EarlyWarning)
		}
		// The ceiling only raises: it never downgrades a baseline CRITICAL.
		if g.ceiling > 0 && g.observed > g.ceiling && (!ok || sev == models.SeverityInfo) {
			sev, threshold, ok = models.SeverityWarning, g.ceiling, true
		}
		if !ok {
			continue
		}
		anomalies = append(anomalies, models.Anomaly{
			Type:           g.typ,
			Severity:       sev,
			MetricName:     g.metric,
			ObservedValue:  g.observed,
			ThresholdValue: threshold,
			Deviation:      deviation,
			Message:        fmt.Sprintf("%s: %s", sev, g.title),
			DetectedAt:     snap.At,
		})
	}

	// Each user is compared with the mean and std of the other users.
	if len(snap.Users) >= 2 && len(snap.Users) >= cfg.MinUsers {
		section := newCrossSection(snap.Users)
		for id, u := range snap.Users {
			observed := float64(u.TokenSum)
			mean, std := section.without(id)
			sev, threshold, deviation, ok := classify(observed, mean, std, cfg.KUser, cfg.KCritical, cfg.EarlyWarning)
			if !ok {
				continue
			}
			anomalies = append(anomalies, models.Anomaly{
				Type:           models.AnomalyUnusualUserUsage,
				Severity:       sev,
				MetricName:     MetricUserTokenSum,
				ObservedValue:  observed,
				ThresholdValue: threshold,
				Deviation:      deviation,
				UserID:         id,
				Message:        fmt.Sprintf("%s: Unusual token usage for user %s", sev, id),
				DetectedAt:     snap.At,
			})
		}
	}

	sortAnomalies(anomalies)
	return anomalies
}

// classify is the severity function. ok is false when nothing should be
// reported, including the insufficient baseline case mean == std == 0.
// With std == 0 any excess over the mean is CRITICAL and deviation is
// reported as 0 because it is unbounded.
func classify(observed, mean, std, k, kCritical float64, early bool) (sev models.Severity, threshold, deviation float64, ok bool) {
	if mean == 0 && std == 0 {
		return "", 0, 0, false
	}
	if std == 0 {
		if observed > mean {
			return models.SeverityCritical, mean, 0, true
		}
		return "", 0, 0, false
	}

	threshold = mean + k*std
	deviation = (observed - mean) / std
	switch {
	case observed > threshold && deviation >= kCritical:
		return models.SeverityCritical, threshold, deviation, true
	case observed > threshold:
		return models.SeverityWarning, threshold, deviation, true
	case early && deviation > 0 && deviation >= k-1:
		return models.SeverityInfo, threshold, deviation, true
	}
	return "", 0, 0, false
}

func sortAnomalies(anomalies []models.Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		if typeRank[a.Type] != typeRank[b.Type] {
			return typeRank[a.Type] < typeRank[b.Type]
		}
		return a.UserID < b.UserID
	})
}
