package analytics

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"usage-monitor/internal/models"
)

// Config holds the engine tunables. All of them are checked by New.
type Config struct {
	WindowDuration     time.Duration `yaml:"window_duration"`
	LateTolerance      time.Duration `yaml:"late_tolerance"`
	FutureTolerance    time.Duration `yaml:"future_tolerance"`
	K                  float64       `yaml:"k"`
	KCritical          float64       `yaml:"k_critical"`
	KUser              float64       `yaml:"k_user"`
	Alpha              float64       `yaml:"alpha"`
	EarlyWarning       bool          `yaml:"early_warning"`
	MinBaselineSamples int64         `yaml:"min_baseline_samples"`
	MinEvents          int           `yaml:"min_events"`
	MinUsers           int           `yaml:"min_users"`
	MaxErrorRate       float64       `yaml:"max_error_rate"`
}

func DefaultConfig() Config {
	return Config{
		WindowDuration:     5 * time.Minute,
		LateTolerance:      30 * time.Second,
		FutureTolerance:    30 * time.Second,
		K:                  2.5,
		KCritical:          4,
		KUser:              3,
		Alpha:              0.2,
		MinBaselineSamples: 5,
		MinEvents:          1,
		MinUsers:           3,
		MaxErrorRate:       0.20,
	}
}

// Validate returns a *ConfigError for the first invalid tunable.
func (c Config) Validate() error {
	switch {
	case c.WindowDuration <= 0:
		return &ConfigError{Field: "window_duration", Reason: "must be positive"}
	case c.LateTolerance < 0:
		return &ConfigError{Field: "late_tolerance", Reason: "must not be negative"}
	case c.FutureTolerance < 0:
		return &ConfigError{Field: "future_tolerance", Reason: "must not be negative"}
	case c.K < 0 || math.IsNaN(c.K):
		return &ConfigError{Field: "k", Reason: "must not be negative"}
	case c.KCritical < 0 || math.IsNaN(c.KCritical):
		return &ConfigError{Field: "k_critical", Reason: "must not be negative"}
	case c.KUser < 0 || math.IsNaN(c.KUser):
		return &ConfigError{Field: "k_user", Reason: "must not be negative"}
	case !(c.Alpha > 0 && c.Alpha <= 1):
		return &ConfigError{Field: "alpha", Reason: "must be in (0, 1]"}
	case c.MinBaselineSamples < 0:
		return &ConfigError{Field: "min_baseline_samples", Reason: "must not be negative"}
	case c.MinEvents < 0:
		return &ConfigError{Field: "min_events", Reason: "must not be negative"}
	case c.MinUsers < 0:
		return &ConfigError{Field: "min_users", Reason: "must not be negative"}
	case !(c.MaxErrorRate >= 0 && c.MaxErrorRate <= 1):
		return &ConfigError{Field: "max_error_rate", Reason: "must be in [0, 1]"}
	}
	return nil
}

func (c Config) detector() DetectorConfig {
	return DetectorConfig{
		K:                  c.K,
		KCritical:          c.KCritical,
		KUser:              c.KUser,
		EarlyWarning:       c.EarlyWarning,
		MinBaselineSamples: c.MinBaselineSamples,
		MinEvents:          c.MinEvents,
		MinUsers:           c.MinUsers,
		MaxErrorRate:       c.MaxErrorRate,
	}
}

type Option func(*Engine)

// WithClock replaces the wall clock used by Ingest and by Snapshot when no
// instant is given.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine is the monitor: it owns the window and the baseline and exposes
// Ingest and Snapshot. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	window *WindowStore
	now    func() time.Time
	logger *slog.Logger

	// baseMu makes detect-then-update atomic across snapshots.
	baseMu   sync.Mutex
	baseline *baseline
}

// New validates cfg and returns a ready engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		window:   NewWindowStore(cfg.WindowDuration, cfg.LateTolerance, cfg.FutureTolerance),
		now:      time.Now,
		logger:   slog.Default(),
		baseline: newBaseline(cfg.Alpha),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Ingest validates raw and inserts it into the window. It returns a
// *ValidationError for malformed events or timestamps beyond the future
// tolerance, and ErrStaleEvent for events that arrived too late; all of
// them leave the engine unchanged.
func (e *Engine) Ingest(raw models.RawEvent) error {
	ev, err := Validate(raw)
	if err == nil {
		err = e.window.Insert(ev, e.now())
	}

	var verr *ValidationError
	switch {
	case err == nil:
		eventsIngested.Inc()
	case errors.Is(err, ErrStaleEvent):
		eventsStale.Inc()
		e.logger.Debug("stale event dropped",
			slog.String("user_id", ev.UserID),
			slog.Time("timestamp", ev.Timestamp))
	case errors.As(err, &verr):
		eventsRejected.WithLabelValues(verr.Field).Inc()
	}
	return err
}

// IngestBatch ingests each event in turn. There is no atomicity: the result
// has one entry per event, nil on success.
func (e *Engine) IngestBatch(raws []models.RawEvent) []error {
	errs := make([]error, len(raws))
	for i, raw := range raws {
		errs[i] = e.Ingest(raw)
	}
	return errs
}

// Snapshot evicts, computes the window metrics at now, detects anomalies
// against the current baseline and then folds the metrics into the
// baseline. A zero now means the engine clock. Empty windows are not
// folded into the baseline.
func (e *Engine) Snapshot(now time.Time) models.Result {
	if now.IsZero() {
		now = e.now()
	}

	var snap models.MetricSnapshot
	e.window.Read(now, func(events []models.LogEvent, users map[string]models.UserUsage) {
		snap = Compute(events, users, e.cfg.WindowDuration, now)
	})
	windowEvents.Set(float64(snap.EventCount))

	e.baseMu.Lock()
	view := e.baseline.view()
	anomalies := Detect(snap, view, e.cfg.detector())
	if snap.EventCount > 0 {
		e.baseline.update(snap)
	}
	e.baseMu.Unlock()

	for _, a := range anomalies {
		anomaliesDetected.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		e.logger.Warn(a.Message,
			slog.String("type", string(a.Type)),
			slog.String("severity", string(a.Severity)),
			slog.String("metric", a.MetricName),
			slog.Float64("observed", a.ObservedValue),
			slog.Float64("threshold", a.ThresholdValue),
			slog.String("user_id", a.UserID))
	}

	return models.Result{
		Metrics:   snap,
		Anomalies: anomalies,
		Baseline:  view,
	}
}

// Evaluate computes the metrics and anomalies at now like Snapshot, but
// leaves the engine untouched: nothing is evicted and the baseline is not
// updated. A zero now means the engine clock.
func (e *Engine) Evaluate(now time.Time) models.Result {
	if now.IsZero() {
		now = e.now()
	}

	var snap models.MetricSnapshot
	e.window.Peek(now, func(events []models.LogEvent, users map[string]models.UserUsage) {
		snap = Compute(events, users, e.cfg.WindowDuration, now)
	})

	e.baseMu.Lock()
	view := e.baseline.view()
	e.baseMu.Unlock()

	return models.Result{
		Metrics:   snap,
		Anomalies: Detect(snap, view, e.cfg.detector()),
		Baseline:  view,
	}
}

// Len is the number of events held, including those not yet due.
func (e *Engine) Len() int { return e.window.Len() }

// Events returns a copy of the window contents at now.
func (e *Engine) Events(now time.Time) []models.LogEvent {
	if now.IsZero() {
		now = e.now()
	}
	return e.window.Events(now)
}

// Baseline returns a copy of the current global baseline.
func (e *Engine) Baseline() map[string]models.BaselineStats {
	e.baseMu.Lock()
	defer e.baseMu.Unlock()
	return e.baseline.view()
}
