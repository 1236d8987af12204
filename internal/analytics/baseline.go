package analytics

import (
	"math"

	"usage-monitor/internal/models"
)

// Tracked metric names, shared by the baseline and the anomalies.
const (
	MetricErrorRate    = "error_rate"
	MetricAvgLatency   = "avg_latency_ms"
	MetricUserTokenSum = "token_sum"
)

// ewma is an exponentially weighted mean and variance. Memory is constant
// and old regimes are forgotten at rate alpha.
type ewma struct {
	mean     float64
	variance float64
	samples  int64
}

func (e *ewma) observe(x, alpha float64) {
	if e.samples == 0 {
		e.mean = x
		e.variance = 0
		e.samples = 1
		return
	}
	diff := x - e.mean
	incr := alpha * diff
	e.mean += incr
	e.variance = (1 - alpha) * (e.variance + diff*incr)
	e.samples++
}

func (e ewma) stats() models.BaselineStats {
	return models.BaselineStats{
		Mean:    e.mean,
		Std:     math.Sqrt(math.Max(e.variance, 0)),
		Samples: e.samples,
	}
}

// baseline holds one ewma per global metric. It is not safe for concurrent
// use; the engine serializes access.
type baseline struct {
	alpha   float64
	metrics map[string]*ewma
}

func newBaseline(alpha float64) *baseline {
	return &baseline{
		alpha: alpha,
		metrics: map[string]*ewma{
			MetricErrorRate:  {},
			MetricAvgLatency: {},
		},
	}
}

func (b *baseline) update(snap models.MetricSnapshot) {
	b.metrics[MetricErrorRate].observe(snap.ErrorRate, b.alpha)
	b.metrics[MetricAvgLatency].observe(snap.AvgLatencyMS, b.alpha)
}

func (b *baseline) view() map[string]models.BaselineStats {
	out := make(map[string]models.BaselineStats, len(b.metrics))
	for name, e := range b.metrics {
		out[name] = e.stats()
	}
	return out
}
