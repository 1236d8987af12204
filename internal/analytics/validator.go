package analytics

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"usage-monitor/internal/models"
)

// Validate normalizes a raw event into a LogEvent. It does not look at the
// event's age; stale handling belongs to the window.
func Validate(raw models.RawEvent) (models.LogEvent, error) {
	userID := strings.TrimSpace(raw.UserID)
	if userID == "" {
		return models.LogEvent{}, &ValidationError{Field: "user_id", Reason: "missing"}
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return models.LogEvent{}, err
	}

	if raw.LatencyMS == nil {
		return models.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "missing"}
	}
	latency := *raw.LatencyMS
	if math.IsNaN(latency) || math.IsInf(latency, 0) {
		return models.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "not a finite number"}
	}
	if latency < 0 {
		return models.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "negative"}
	}

	if raw.TokensUsed == nil {
		return models.LogEvent{}, &ValidationError{Field: "tokens_used", Reason: "missing"}
	}
	if *raw.TokensUsed < 0 {
		return models.LogEvent{}, &ValidationError{Field: "tokens_used", Reason: "negative"}
	}

	return models.LogEvent{
		Timestamp:  ts,
		UserID:     userID,
		Endpoint:   strings.TrimSpace(raw.Endpoint),
		LatencyMS:  latency,
		TokensUsed: *raw.TokensUsed,
		IsError:    raw.IsError,
	}, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	var ts time.Time
	switch t := v.(type) {
	case nil:
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
	case time.Time:
		ts = t
	case *time.Time:
		if t == nil {
			return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
		}
		ts = *t
	case float64:
		return fromUnixSeconds(t)
	case int64:
		return fromUnixSeconds(float64(t))
	case int:
		return fromUnixSeconds(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, &ValidationError{Field: "timestamp", Reason: "not a number"}
		}
		return fromUnixSeconds(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, &ValidationError{Field: "timestamp", Reason: "missing"}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnixSeconds(f)
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, &ValidationError{Field: "timestamp", Reason: "unparseable"}
		}
		ts = parsed
	default:
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "unsupported type"}
	}

	if ts.IsZero() {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "zero"}
	}
	return ts, nil
}

// maxUnixSeconds is 9999-12-31T23:59:59Z.
const maxUnixSeconds = 253402300799

func fromUnixSeconds(f float64) (time.Time, error) {
	if math.IsNaN(f) || f <= 0 || f > maxUnixSeconds {
		return time.Time{}, &ValidationError{Field: "timestamp", Reason: "out of range"}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
