package analytics

import (
	"sort"
	"sync"
	"time"

	"usage-monitor/internal/models"
)

// WindowStore keeps the events of the trailing window ordered by timestamp,
// together with per-user aggregates that always equal a recomputation over
// the retained events.
//
// Events live in a slice used as a deque: head is the index of the oldest
// retained event. Eviction advances head and the dead prefix is reclaimed
// once it outgrows the live part.
type WindowStore struct {
	window          time.Duration
	lateTolerance   time.Duration
	futureTolerance time.Duration

	mu     sync.Mutex
	events []models.LogEvent
	head   int
	users  map[string]*models.UserUsage
}

func NewWindowStore(window, lateTolerance, futureTolerance time.Duration) *WindowStore {
	return &WindowStore{
		window:          window,
		lateTolerance:   lateTolerance,
		futureTolerance: futureTolerance,
		events:          make([]models.LogEvent, 0, 256),
		users:           make(map[string]*models.UserUsage),
	}
}

// Insert evicts expired events and places ev at its time position.
// ErrStaleEvent is returned, and nothing is stored, when ev is older than
// the window start minus the late tolerance. Events stamped more than the
// future tolerance after now are rejected with a timestamp ValidationError.
func (w *WindowStore) Insert(ev models.LogEvent, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)

	if ev.Timestamp.Before(now.Add(-w.window - w.lateTolerance)) {
		return ErrStaleEvent
	}
	if ev.Timestamp.After(now.Add(w.futureTolerance)) {
		return &ValidationError{Field: "timestamp", Reason: "too far in the future"}
	}

	w.events = append(w.events, ev)
	// Walk back from the tail. Arrivals are bounded by the late and future
	// tolerances so this only moves the few events newer than ev.
	i := len(w.events) - 1
	for i > w.head && w.events[i-1].Timestamp.After(ev.Timestamp) {
		w.events[i] = w.events[i-1]
		i--
	}
	w.events[i] = ev

	u, ok := w.users[ev.UserID]
	if !ok {
		u = &models.UserUsage{}
		w.users[ev.UserID] = u
	}
	addUsage(u, ev)
	return nil
}

// Evict removes every event older than now minus the window and returns
// how many were removed.
func (w *WindowStore) Evict(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evictLocked(now)
}

func (w *WindowStore) evictLocked(now time.Time) int {
	cutoff := now.Add(-w.window)
	removed := 0
	for w.head < len(w.events) && w.events[w.head].Timestamp.Before(cutoff) {
		ev := w.events[w.head]
		w.events[w.head] = models.LogEvent{}
		w.head++
		removed++

		u := w.users[ev.UserID]
		subUsage(u, ev)
		if u.Count == 0 {
			delete(w.users, ev.UserID)
		}
	}

	if removed > 0 {
		eventsEvicted.Add(float64(removed))
	}

	if w.head == len(w.events) {
		w.events = w.events[:0]
		w.head = 0
	} else if w.head > 64 && w.head > len(w.events)/2 {
		n := copy(w.events, w.events[w.head:])
		clear(w.events[n:])
		w.events = w.events[:n]
		w.head = 0
	}
	return removed
}

// Read evicts expired events and calls fn with the events visible at now,
// ascending, and the per-user usage of exactly those events. Both arguments
// are only valid during fn and must not be modified.
func (w *WindowStore) Read(now time.Time, fn func(events []models.LogEvent, users map[string]models.UserUsage)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)
	w.viewLocked(now, fn)
}

// Peek is Read without eviction: the store is left untouched, so now may be
// any instant, including one ahead of the clock.
func (w *WindowStore) Peek(now time.Time, fn func(events []models.LogEvent, users map[string]models.UserUsage)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.viewLocked(now, fn)
}

func (w *WindowStore) viewLocked(now time.Time, fn func(events []models.LogEvent, users map[string]models.UserUsage)) {
	live := w.events[w.head:]
	cutoff := now.Add(-w.window)
	start := sort.Search(len(live), func(i int) bool { return !live[i].Timestamp.Before(cutoff) })
	end := sort.Search(len(live), func(i int) bool { return live[i].Timestamp.After(now) })
	if end < start {
		end = start
	}
	visible := live[start:end]

	var users map[string]models.UserUsage
	if start == 0 && end == len(live) {
		users = w.usersLocked()
	} else {
		users = usageOf(visible)
	}
	fn(visible, users)
}

// Events returns a copy of the events inside [now-window, now].
func (w *WindowStore) Events(now time.Time) []models.LogEvent {
	var out []models.LogEvent
	w.Read(now, func(events []models.LogEvent, _ map[string]models.UserUsage) {
		out = make([]models.LogEvent, len(events))
		copy(out, events)
	})
	return out
}

// Users returns a copy of the per-user aggregates over all retained events.
func (w *WindowStore) Users() map[string]models.UserUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usersLocked()
}

// Len is the number of retained events, including any not yet evicted.
func (w *WindowStore) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events) - w.head
}

func (w *WindowStore) usersLocked() map[string]models.UserUsage {
	out := make(map[string]models.UserUsage, len(w.users))
	for id, u := range w.users {
		out[id] = *u
	}
	return out
}

func usageOf(events []models.LogEvent) map[string]models.UserUsage {
	out := make(map[string]models.UserUsage)
	for _, ev := range events {
		u := out[ev.UserID]
		addUsage(&u, ev)
		out[ev.UserID] = u
	}
	return out
}

func addUsage(u *models.UserUsage, ev models.LogEvent) {
	u.Count++
	u.TokenSum += ev.TokensUsed
	if ev.IsError {
		u.ErrorCount++
	}
}

func subUsage(u *models.UserUsage, ev models.LogEvent) {
	u.Count--
	u.TokenSum -= ev.TokensUsed
	if ev.IsError {
		u.ErrorCount--
	}
}
