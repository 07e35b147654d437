package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func TestWindows_MinuteCeilingAgesOut(t *testing.T) {
	c := newClock()
	w := NewWindows(c.Now)

	for i := 0; i < 5; i++ {
		_, ok := w.Allow("u1", 5, 30)
		require.True(t, ok, "attempt %d", i+1)
		c.Advance(5 * time.Second)
	}
	counts, ok := w.Allow("u1", 5, 30)
	require.False(t, ok)
	require.Equal(t, 5, counts.Minute)
	require.Equal(t, 5, counts.Hour)
	require.Equal(t, 35*time.Second, counts.MinuteResetIn)
	require.Equal(t, 59*time.Minute+35*time.Second, counts.HourResetIn)

	// The first attempt was 25s ago; move it past the one minute mark.
	c.Advance(36 * time.Second)
	_, ok = w.Allow("u1", 5, 30)
	require.True(t, ok)
}

func TestWindows_HourCeiling(t *testing.T) {
	c := newClock()
	w := NewWindows(c.Now)
	for i := 0; i < 3; i++ {
		w.Record("g1")
		c.Advance(2 * time.Minute)
	}
	_, ok := w.Allow("g1", 10, 3)
	require.False(t, ok)

	c.Advance(time.Hour)
	require.Equal(t, Counts{}, w.Count("g1"))
}

func TestWindows_ZeroCeilingDisabled(t *testing.T) {
	w := NewWindows(newClock().Now)
	for i := 0; i < 50; i++ {
		_, ok := w.Allow("k", 0, 0)
		require.True(t, ok)
	}
}

func TestWindows_Sweep(t *testing.T) {
	c := newClock()
	w := NewWindows(c.Now)
	w.Record("a")
	c.Advance(30 * time.Minute)
	w.Record("b")
	c.Advance(31 * time.Minute)

	require.Equal(t, 1, w.Sweep())
	require.Equal(t, 1, w.Count("b").Hour)
}

func TestCooldown(t *testing.T) {
	c := newClock()
	cd := NewCooldown(30*time.Second, c.Now)

	require.Zero(t, cd.Remaining("g1"))
	cd.Touch("g1")
	c.Advance(10 * time.Second)
	require.Equal(t, 20*time.Second, cd.Remaining("g1"))

	c.Advance(20 * time.Second)
	require.Zero(t, cd.Remaining("g1"))

	cd.Touch("")
	require.Zero(t, cd.Remaining(""))
}

func TestCooldown_Sweep(t *testing.T) {
	c := newClock()
	cd := NewCooldown(30*time.Second, c.Now)
	cd.Touch("old")
	c.Advance(2 * time.Hour)
	cd.Touch("new")
	require.Equal(t, 1, cd.Sweep(time.Hour))
	require.NotZero(t, cd.Remaining("new"))
}
