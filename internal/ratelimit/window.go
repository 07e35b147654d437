// Package ratelimit provides in-memory sliding windows and cooldowns keyed by
// actor id.
package ratelimit

import (
	"sync"
	"time"
)

const windowSpan = time.Hour

// Counts is the number of recorded events in the trailing minute and hour,
// with the time until the oldest event of each window ages out.
type Counts struct {
	Minute int
	Hour   int

	MinuteResetIn time.Duration
	HourResetIn   time.Duration
}

// Windows tracks per-key event timestamps over a one hour sliding window.
// Entries are pruned lazily on each access.
type Windows struct {
	mu   sync.Mutex
	keys map[string][]time.Time
	now  func() time.Time
}

func NewWindows(now func() time.Time) *Windows {
	if now == nil {
		now = time.Now
	}
	return &Windows{keys: make(map[string][]time.Time), now: now}
}

// Count prunes key to the last hour and returns its counts.
func (w *Windows) Count(key string) Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(key, w.now())
}

func (w *Windows) countLocked(key string, now time.Time) Counts {
	ts := prune(w.keys[key], now.Add(-windowSpan))
	if len(ts) == 0 {
		delete(w.keys, key)
	} else {
		w.keys[key] = ts
	}
	c := Counts{Hour: len(ts)}
	minuteAgo := now.Add(-time.Minute)
	for i := len(ts) - 1; i >= 0 && ts[i].After(minuteAgo); i-- {
		c.Minute++
	}
	if c.Minute > 0 {
		c.MinuteResetIn = ts[len(ts)-c.Minute].Add(time.Minute).Sub(now)
	}
	if c.Hour > 0 {
		c.HourResetIn = ts[0].Add(windowSpan).Sub(now)
	}
	return c
}

// Record appends the current time to key.
func (w *Windows) Record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[key] = append(w.keys[key], w.now())
}

// Allow records an event for key when both counts are under their ceilings.
// A ceiling of zero or less disables that check.
func (w *Windows) Allow(key string, perMinute, perHour int) (Counts, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	c := w.countLocked(key, now)
	if Exceeds(c, perMinute, perHour) {
		return c, false
	}
	w.keys[key] = append(w.keys[key], now)
	return c, true
}

// Sweep drops keys with no events in the last hour.
func (w *Windows) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	removed := 0
	for key := range w.keys {
		if w.countLocked(key, now).Hour == 0 {
			removed++
		}
	}
	return removed
}

// Exceeds reports whether c meets either ceiling.
func Exceeds(c Counts, perMinute, perHour int) bool {
	return (perMinute > 0 && c.Minute >= perMinute) || (perHour > 0 && c.Hour >= perHour)
}

// prune drops timestamps at or before cutoff. ts is ordered oldest first.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
