package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleIsDue(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := New(time.Minute, nil)

	due, wait := s.IsDue(t0, t0.Add(30*time.Second))
	assert.False(t, due)
	assert.Equal(t, 30*time.Second, wait)

	due, wait = s.IsDue(t0, t0.Add(time.Minute))
	assert.True(t, due)
	assert.Equal(t, time.Minute, wait)

	// Overdue schedules are due now and wait one full cadence.
	due, wait = s.IsDue(t0, t0.Add(90*time.Second))
	assert.True(t, due)
	assert.Equal(t, time.Minute, wait)
}

func TestEntryNext(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entry := NewEntry("cleanup", New(time.Minute, nil), t0)

	fireAt := t0.Add(time.Minute)
	entry.Next(fireAt)

	assert.Equal(t, fireAt, entry.LastRunAt)
	assert.Equal(t, 1, entry.TotalRunCount)
}

// Entry with cadence 60s and anchor t0, last run at t0+55s, observed at
// t0+60s: due, and a second observation at the same instant is not due
// again once the entry advanced.
func TestEntryAnchorDueAndAdvance(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	entry := NewEntry("report", New(time.Minute, &t0), t0)
	entry.LastRunAt = t0.Add(55 * time.Second)

	now := t0.Add(time.Minute)
	due, _ := entry.IsDue(now)
	require.True(t, due)

	entry.Next(now)
	assert.Equal(t, 1, entry.TotalRunCount)
	assert.Equal(t, now, entry.LastRunAt)

	due, wait := entry.IsDue(now)
	assert.False(t, due)
	assert.Equal(t, time.Minute, wait)
}

func TestScheduledLastRunAtAligns(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	cadence := time.Hour
	entry := NewEntry("nightly", New(cadence, &anchor), anchor)

	// Actual runs drift a little; the effective last run snaps back to the
	// anchor grid, in (last_run - cadence, last_run].
	entry.LastRunAt = anchor.Add(3*time.Hour + 7*time.Minute)
	aligned := entry.ScheduledLastRunAt()
	assert.Equal(t, anchor.Add(3*time.Hour), aligned)
	assert.Zero(t, aligned.Sub(anchor)%cadence)

	// Fires stay congruent to the anchor over many drifting runs.
	for i := range 10 {
		entry.LastRunAt = anchor.Add(time.Duration(i)*cadence + 13*time.Second)
		aligned := entry.ScheduledLastRunAt()
		assert.Zero(t, aligned.Sub(anchor)%cadence, "run %d", i)
		assert.False(t, aligned.After(entry.LastRunAt))
		assert.True(t, aligned.Add(cadence).After(entry.LastRunAt))
	}
}

func TestScheduledLastRunAtWithoutAnchor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entry := NewEntry("plain", New(time.Minute, nil), t0)
	assert.Equal(t, t0, entry.ScheduledLastRunAt())
}
