package analytics

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"usage-monitor/internal/models"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func event(user string, at time.Time, latency float64, tokens int64, isErr bool) models.LogEvent {
	return models.LogEvent{Timestamp: at, UserID: user, LatencyMS: latency, TokensUsed: tokens, IsError: isErr}
}

func TestWindowStore_OutOfOrderInsertKeepsOrder(t *testing.T) {
	w := NewWindowStore(5*time.Minute, 30*time.Second, 30*time.Second)
	now := t0.Add(10 * time.Minute)

	offsets := []time.Duration{-10, -40, -5, -90, -20, -1}
	for _, off := range offsets {
		if err := w.Insert(event("u", now.Add(off*time.Second), 1, 1, false), now); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	events := w.Events(now)
	if len(events) != len(offsets) {
		t.Fatalf("events len = %d, want %d", len(events), len(offsets))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("events not ascending at %d: %v before %v", i, events[i].Timestamp, events[i-1].Timestamp)
		}
	}
}

func TestWindowStore_StaleEventDropped(t *testing.T) {
	w := NewWindowStore(5*time.Minute, 30*time.Second, 30*time.Second)
	now := t0

	err := w.Insert(event("late", now.Add(-6*time.Minute), 1, 1, false), now)
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("Insert() error = %v, want ErrStaleEvent", err)
	}

	for _, at := range []time.Time{now, now.Add(-5 * time.Minute), now.Add(-6 * time.Minute)} {
		for _, ev := range w.Events(at) {
			if ev.UserID == "late" {
				t.Fatalf("stale event visible at %v", at)
			}
		}
	}
	if _, ok := w.Users()["late"]; ok {
		t.Error("stale event counted in user aggregates")
	}
}

func TestWindowStore_LateButTolerated(t *testing.T) {
	w := NewWindowStore(5*time.Minute, 30*time.Second, 30*time.Second)
	now := t0

	// Inside the tolerance but already outside the window: accepted, then
	// evicted by the next read.
	ts := now.Add(-5*time.Minute - 10*time.Second)
	if err := w.Insert(event("u", ts, 1, 1, false), now); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got := len(w.Events(now)); got != 0 {
		t.Errorf("events at now = %d, want 0", got)
	}
	if got := len(w.Users()); got != 0 {
		t.Errorf("users after eviction = %d, want 0", got)
	}
}

func TestWindowStore_EvictionUpdatesAggregates(t *testing.T) {
	w := NewWindowStore(time.Minute, 0, 0)

	_ = w.Insert(event("a", t0, 10, 100, true), t0)
	_ = w.Insert(event("a", t0.Add(30*time.Second), 10, 50, false), t0.Add(30*time.Second))
	_ = w.Insert(event("b", t0.Add(40*time.Second), 10, 7, false), t0.Add(40*time.Second))

	users := w.Users()
	if users["a"] != (models.UserUsage{Count: 2, ErrorCount: 1, TokenSum: 150}) {
		t.Errorf("user a = %+v", users["a"])
	}

	removed := w.Evict(t0.Add(61 * time.Second))
	if removed != 1 {
		t.Errorf("Evict() removed %d, want 1", removed)
	}
	users = w.Users()
	if users["a"] != (models.UserUsage{Count: 1, ErrorCount: 0, TokenSum: 50}) {
		t.Errorf("user a after eviction = %+v", users["a"])
	}

	w.Evict(t0.Add(2 * time.Minute))
	if len(w.Users()) != 0 || w.Len() != 0 {
		t.Errorf("window not empty: users=%v len=%d", w.Users(), w.Len())
	}
}

func TestWindowStore_DuplicatesCountedIndependently(t *testing.T) {
	w := NewWindowStore(time.Minute, 0, 0)
	ev := event("dup", t0, 5, 10, false)

	for i := 0; i < 3; i++ {
		if err := w.Insert(ev, t0); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if got := w.Users()["dup"]; got.Count != 3 || got.TokenSum != 30 {
		t.Errorf("dup usage = %+v, want count 3 token_sum 30", got)
	}
}

func TestWindowStore_FutureEventsHiddenUntilDue(t *testing.T) {
	w := NewWindowStore(time.Minute, 0, 30*time.Second)
	_ = w.Insert(event("now", t0, 1, 1, false), t0)
	_ = w.Insert(event("soon", t0.Add(10*time.Second), 1, 4, false), t0)

	w.Read(t0, func(events []models.LogEvent, users map[string]models.UserUsage) {
		if len(events) != 1 || events[0].UserID != "now" {
			t.Errorf("visible events = %+v", events)
		}
		if _, ok := users["soon"]; ok {
			t.Error("future event counted in visible usage")
		}
	})

	if got := len(w.Events(t0.Add(10 * time.Second))); got != 2 {
		t.Errorf("events once due = %d, want 2", got)
	}
}

func TestWindowStore_FarFutureEventRejected(t *testing.T) {
	w := NewWindowStore(5*time.Minute, 30*time.Second, 30*time.Second)
	farFuture := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		err := w.Insert(event("x", farFuture, 1, 1, false), t0)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "timestamp" {
			t.Fatalf("Insert() error = %v, want timestamp ValidationError", err)
		}
	}
	if err := w.Insert(event("edge", t0.Add(30*time.Second), 1, 1, false), t0); err != nil {
		t.Errorf("Insert() at the future tolerance error = %v", err)
	}

	for h := 1; h <= 24; h++ {
		w.Evict(t0.Add(time.Duration(h) * time.Hour))
	}
	if w.Len() != 0 || len(w.Users()) != 0 {
		t.Errorf("retained after a day of evictions: len=%d users=%v", w.Len(), w.Users())
	}
}

func TestWindowStore_PeekLeavesStoreUntouched(t *testing.T) {
	w := NewWindowStore(time.Minute, 0, 0)
	_ = w.Insert(event("a", t0, 1, 3, false), t0)
	_ = w.Insert(event("b", t0.Add(30*time.Second), 1, 4, false), t0.Add(30*time.Second))

	w.Peek(t0.Add(75*time.Second), func(events []models.LogEvent, users map[string]models.UserUsage) {
		if len(events) != 1 || events[0].UserID != "b" {
			t.Errorf("visible events = %+v, want only b", events)
		}
		if _, ok := users["a"]; ok {
			t.Error("expired event counted in visible usage")
		}
	})
	w.Peek(t0.Add(time.Hour), func(events []models.LogEvent, _ map[string]models.UserUsage) {
		if len(events) != 0 {
			t.Errorf("visible events an hour later = %+v", events)
		}
	})

	if w.Len() != 2 {
		t.Errorf("Len() after Peek = %d, want 2", w.Len())
	}
	if got := len(w.Events(t0.Add(30 * time.Second))); got != 2 {
		t.Errorf("events after Peek = %d, want 2", got)
	}
}

// Random insert/evict sequences: every read is contained in the window and
// the incremental aggregates match a full recomputation.
func TestWindowStore_Properties(t *testing.T) {
	const (
		window    = 2 * time.Minute
		tolerance = 20 * time.Second
	)
	rng := rand.New(rand.NewSource(7))
	w := NewWindowStore(window, tolerance, tolerance)
	users := []string{"a", "b", "c", "d"}

	now := t0
	for step := 0; step < 5000; step++ {
		now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)

		lag := time.Duration(rng.Intn(int(window+2*tolerance))) - time.Second
		ev := event(users[rng.Intn(len(users))], now.Add(-lag), rng.Float64()*100, int64(rng.Intn(500)), rng.Intn(5) == 0)
		err := w.Insert(ev, now)
		if err != nil && !errors.Is(err, ErrStaleEvent) {
			t.Fatalf("Insert() error = %v", err)
		}

		if step%50 != 0 {
			continue
		}

		w.Read(now, func(events []models.LogEvent, got map[string]models.UserUsage) {
			for i, e := range events {
				if e.Timestamp.Before(now.Add(-window)) || e.Timestamp.After(now) {
					t.Fatalf("step %d: event %v outside [%v, %v]", step, e.Timestamp, now.Add(-window), now)
				}
				if i > 0 && e.Timestamp.Before(events[i-1].Timestamp) {
					t.Fatalf("step %d: events out of order", step)
				}
			}

			want := usageOf(events)
			if len(got) != len(want) {
				t.Fatalf("step %d: users = %v, want %v", step, got, want)
			}
			for id, u := range want {
				if got[id] != u {
					t.Fatalf("step %d: user %s = %+v, want %+v", step, id, got[id], u)
				}
			}
		})
	}
}
