package analytics

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"usage-monitor/internal/models"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestValidate_Accepts(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		timestamp interface{}
		want      time.Time
	}{
		{"time value", ts, ts},
		{"rfc3339 string", "2026-03-01T12:00:00Z", ts},
		{"rfc3339 nano string", "2026-03-01T12:00:00.5Z", ts.Add(500 * time.Millisecond)},
		{"unix seconds number", float64(ts.Unix()), ts},
		{"unix seconds string", "1772366400", ts},
		{"json number", json.Number("1772366400.25"), ts.Add(250 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Validate(models.RawEvent{
				Timestamp:  tt.timestamp,
				UserID:     "  user-1 ",
				Endpoint:   "/chat",
				LatencyMS:  f64(12.5),
				TokensUsed: i64(40),
				IsError:    true,
			})
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !ev.Timestamp.Equal(tt.want) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, tt.want)
			}
			if ev.UserID != "user-1" {
				t.Errorf("user_id = %q, want trimmed user-1", ev.UserID)
			}
			if ev.LatencyMS != 12.5 || ev.TokensUsed != 40 || !ev.IsError {
				t.Errorf("payload not carried over: %+v", ev)
			}
		})
	}
}

func TestValidate_OldEventsAreNotRejected(t *testing.T) {
	_, err := Validate(models.RawEvent{
		Timestamp:  time.Now().Add(-365 * 24 * time.Hour),
		UserID:     "u",
		LatencyMS:  f64(1),
		TokensUsed: i64(1),
	})
	if err != nil {
		t.Fatalf("old event rejected by validation: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	good := func() models.RawEvent {
		return models.RawEvent{
			Timestamp:  time.Now(),
			UserID:     "user-1",
			LatencyMS:  f64(10),
			TokensUsed: i64(5),
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.RawEvent)
		field  string
	}{
		{"missing user", func(r *models.RawEvent) { r.UserID = "" }, "user_id"},
		{"blank user", func(r *models.RawEvent) { r.UserID = "   " }, "user_id"},
		{"missing timestamp", func(r *models.RawEvent) { r.Timestamp = nil }, "timestamp"},
		{"zero timestamp", func(r *models.RawEvent) { r.Timestamp = time.Time{} }, "timestamp"},
		{"garbage timestamp", func(r *models.RawEvent) { r.Timestamp = "yesterday-ish" }, "timestamp"},
		{"negative unix timestamp", func(r *models.RawEvent) { r.Timestamp = float64(-5) }, "timestamp"},
		{"bool timestamp", func(r *models.RawEvent) { r.Timestamp = true }, "timestamp"},
		{"missing latency", func(r *models.RawEvent) { r.LatencyMS = nil }, "latency_ms"},
		{"negative latency", func(r *models.RawEvent) { r.LatencyMS = f64(-1) }, "latency_ms"},
		{"nan latency", func(r *models.RawEvent) { r.LatencyMS = f64(math.NaN()) }, "latency_ms"},
		{"missing tokens", func(r *models.RawEvent) { r.TokensUsed = nil }, "tokens_used"},
		{"negative tokens", func(r *models.RawEvent) { r.TokensUsed = i64(-3) }, "tokens_used"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := good()
			tt.mutate(&raw)

			_, err := Validate(raw)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("error %v does not match ErrInvalidEvent", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not a *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}
