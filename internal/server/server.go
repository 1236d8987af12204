package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"usage-monitor/internal/analytics"
	"usage-monitor/internal/config"
	"usage-monitor/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxIngestBody = 1 << 20

// History persists anomalies outside the engine. cache.RedisClient
// implements it.
type History interface {
	StoreAnomaly(ctx context.Context, anomaly models.Anomaly) (string, error)
	GetRecentAnomalies(ctx context.Context, count int64) ([]models.StoredAnomaly, error)
	StoreSnapshot(ctx context.Context, snap models.MetricSnapshot) error
	Ping(ctx context.Context) error
}

type Server struct {
	router      *mux.Router
	engine      *analytics.Engine
	history     History
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	logger      *slog.Logger
	interval    time.Duration
	anomalyChan chan models.Anomaly
}

// New builds the HTTP surface around engine. history may be nil, in which
// case anomalies are only logged and the history endpoint is unavailable.
func New(engine *analytics.Engine, history History, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Server.AnomalyBuffer
	if buffer < 1 {
		buffer = 1000
	}

	s := &Server{
		router:      mux.NewRouter(),
		engine:      engine,
		history:     history,
		logger:      logger,
		interval:    cfg.Server.SnapshotInterval,
		anomalyChan: make(chan models.Anomaly, buffer),
	}

	if cfg.RateLimit.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "anomaly-history",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(instrument)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/events/ingest", s.rateLimited(http.HandlerFunc(s.ingestHandler))).Methods(http.MethodPost)
	s.router.HandleFunc("/analytics/snapshot", s.snapshotHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/analytics/anomalies", s.anomaliesHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics/prometheus", promhttp.Handler())
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":        "healthy",
		"timestamp":     time.Now().UTC(),
		"version":       "1.0.0",
		"window_events": s.engine.Len(),
	}

	if s.history != nil {
		if err := s.history.Ping(r.Context()); err != nil {
			health["history"] = "unavailable"
		} else {
			health["history"] = "connected"
		}
	}

	writeJSON(w, http.StatusOK, health)
}

type ingestResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Field  string `json:"field,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ingestResponse struct {
	Accepted int            `json:"accepted"`
	Stale    int            `json:"stale"`
	Rejected int            `json:"rejected"`
	Results  []ingestResult `json:"results"`
}

// ingestHandler accepts one event object or an array of events. Each event
// is ingested on its own and reported on its own.
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	raws, batch, err := decodeEvents(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp := ingestResponse{Results: make([]ingestResult, len(raws))}
	for i, err := range s.engine.IngestBatch(raws) {
		res := ingestResult{Index: i, Status: "accepted"}
		var verr *analytics.ValidationError
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, analytics.ErrStaleEvent):
			res.Status = "stale"
			res.Error = err.Error()
			resp.Stale++
		case errors.As(err, &verr):
			res.Status = "rejected"
			res.Field = verr.Field
			res.Error = verr.Error()
			resp.Rejected++
		default:
			res.Status = "rejected"
			res.Error = err.Error()
			resp.Rejected++
		}
		resp.Results[i] = res
	}

	status := http.StatusAccepted
	if !batch && resp.Rejected > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func decodeEvents(body []byte) ([]models.RawEvent, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		var raws []models.RawEvent
		if err := dec.Decode(&raws); err != nil {
			return nil, true, fmt.Errorf("decoding events: %w", err)
		}
		return raws, true, nil
	}

	var raw models.RawEvent
	if err := dec.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("decoding event: %w", err)
	}
	return []models.RawEvent{raw}, false, nil
}

// snapshotHandler evaluates the window at now, or at the engine clock when
// now is absent. It is read-only: the baseline advances only from the
// snapshot loop.
func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	var now time.Time
	if v := r.URL.Query().Get("now"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "now must be RFC3339"})
			return
		}
		now = t
	}

	writeJSON(w, http.StatusOK, s.engine.Evaluate(now))
}

func (s *Server) anomaliesHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "anomaly history disabled"})
		return
	}

	limit := int64(10)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	anomalies, err := s.history.GetRecentAnomalies(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read anomaly history", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "anomaly history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// snapshot runs an engine snapshot, exports it to the gauges and queues its
// anomalies for the history worker.
func (s *Server) snapshot(ctx context.Context, now time.Time) models.Result {
	res := s.engine.Snapshot(now)

	currentRPM.Set(res.Metrics.RequestsPerMinute)
	currentErrorRate.Set(res.Metrics.ErrorRate)
	currentAvgLatency.Set(res.Metrics.AvgLatencyMS)

	if s.history == nil {
		return res
	}

	for _, a := range res.Anomalies {
		select {
		case s.anomalyChan <- a:
		default:
			anomaliesDropped.Inc()
			s.logger.Warn("anomaly history queue full", slog.String("type", string(a.Type)))
		}
	}

	if _, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.history.StoreSnapshot(ctx, res.Metrics)
	}); err != nil {
		s.logger.Debug("failed to store snapshot", slog.Any("error", err))
	}
	return res
}

func (s *Server) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshot(ctx, time.Time{})
		}
	}
}

func (s *Server) processAnomalies(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.anomalyChan:
			s.storeAnomaly(ctx, a)
		}
	}
}

func (s *Server) storeAnomaly(ctx context.Context, a models.Anomaly) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.history.StoreAnomaly(ctx, a)
	})
	if err != nil {
		historyWrites.WithLabelValues("error").Inc()
		s.logger.Error("failed to store anomaly", slog.String("type", string(a.Type)), slog.Any("error", err))
		return
	}
	historyWrites.WithLabelValues("ok").Inc()
}

// Run serves HTTP on addr and runs the snapshot loop until ctx is canceled,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	if s.history != nil {
		go s.processAnomalies(ctx)
	}
	if s.interval > 0 {
		go s.snapshotLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("server is ready to handle requests", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		s.logger.Info("server is shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not gracefully shutdown the server: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("could not listen on %s: %w", addr, err)
	}
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counters and durations, labelled by route
// template so that paths do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
