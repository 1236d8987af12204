package analytics

import (
	"math"
	"sort"
	"time"

	"usage-monitor/internal/models"
)

// Compute derives the point-in-time metrics of a window. events must be the
// ascending window contents at now and users their per-user usage. Compute
// copies what it keeps and never modifies its arguments.
func Compute(events []models.LogEvent, users map[string]models.UserUsage, window time.Duration, now time.Time) models.MetricSnapshot {
	snap := models.MetricSnapshot{
		At:          now,
		WindowStart: now.Add(-window),
		EventCount:  len(events),
		Users:       make(map[string]models.UserUsage, len(users)),
	}

	for id, u := range users {
		if u.Count > 0 {
			snap.Users[id] = u
		}
	}

	if minutes := window.Minutes(); minutes > 0 {
		snap.RequestsPerMinute = float64(len(events)) / minutes
	}

	if len(events) == 0 {
		return snap
	}

	latencies := make([]float64, len(events))
	var sum float64
	for i, ev := range events {
		latencies[i] = ev.LatencyMS
		sum += ev.LatencyMS
		snap.TokenSum += ev.TokensUsed
		if ev.IsError {
			snap.ErrorCount++
		}
	}

	n := float64(len(events))
	snap.ErrorRate = float64(snap.ErrorCount) / n
	snap.AvgLatencyMS = sum / n

	// Population variance, second pass over the deviations.
	var variance float64
	for _, l := range latencies {
		diff := l - snap.AvgLatencyMS
		variance += diff * diff
	}
	snap.LatencyStdMS = math.Sqrt(variance / n)

	sort.Float64s(latencies)
	snap.LatencyP50MS = percentile(latencies, 50)
	snap.LatencyP95MS = percentile(latencies, 95)
	snap.LatencyP99MS = percentile(latencies, 99)
	snap.MaxLatencyMS = latencies[len(latencies)-1]

	return snap
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// crossSection holds the per-user token sums of one snapshot so that each
// user can be compared with everyone else.
type crossSection struct {
	tokens map[string]float64
	mean   float64
	ss     float64 // sum of squared deviations from mean
}

func newCrossSection(users map[string]models.UserUsage) *crossSection {
	c := &crossSection{tokens: make(map[string]float64, len(users))}
	if len(users) == 0 {
		return c
	}
	var sum float64
	for id, u := range users {
		x := float64(u.TokenSum)
		c.tokens[id] = x
		sum += x
	}
	c.mean = sum / float64(len(users))
	for _, x := range c.tokens {
		d := x - c.mean
		c.ss += d * d
	}
	return c
}

// without returns the population mean and standard deviation of the token
// sums of every user except id.
func (c *crossSection) without(id string) (mean, std float64) {
	n := float64(len(c.tokens))
	if n < 2 {
		return 0, 0
	}
	d := c.tokens[id] - c.mean
	removed := d * d * n / (n - 1)
	if removed <= c.ss/2 {
		return c.mean - d/(n-1), math.Sqrt(math.Max(c.ss-removed, 0) / (n - 1))
	}

	// id carries most of the spread and subtracting it would cancel, so the
	// others are summed directly. At most two users can take this path.
	var sum float64
	for other, x := range c.tokens {
		if other != id {
			sum += x
		}
	}
	mean = sum / (n - 1)
	var ss float64
	for other, x := range c.tokens {
		if other != id {
			e := x - mean
			ss += e * e
		}
	}
	return mean, math.Sqrt(ss / (n - 1))
}
