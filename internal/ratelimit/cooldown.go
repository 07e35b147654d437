package ratelimit

import (
	"sync"
	"time"
)

// Cooldown keeps one last-use timestamp per key.
type Cooldown struct {
	mu     sync.Mutex
	period time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func NewCooldown(period time.Duration, now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{period: period, last: make(map[string]time.Time), now: now}
}

// Remaining returns how long key must still wait. An empty key never waits.
func (c *Cooldown) Remaining(key string) time.Duration {
	if key == "" || c.period <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[key]
	if !ok {
		return 0
	}
	if left := c.period - c.now().Sub(last); left > 0 {
		return left
	}
	return 0
}

// Touch starts a new cooldown period for key.
func (c *Cooldown) Touch(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = c.now()
}

// Sweep forgets keys last touched more than maxAge ago.
func (c *Cooldown) Sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for key, t := range c.last {
		if t.Before(cutoff) {
			delete(c.last, key)
			removed++
		}
	}
	return removed
}
