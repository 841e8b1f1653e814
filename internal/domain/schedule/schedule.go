// Package schedule implements the pure timing math behind periodic jobs:
// when a cadence is due relative to a last run, and how fire times stay
// aligned to an optional wall-clock anchor.
package schedule

import (
	"time"
)

// Schedule is a value describing a periodic cadence with an optional anchor
// timestamp. The anchor pins fire times to a wall-clock grid (e.g. every day
// at 02:00) instead of floating from the first execution.
type Schedule struct {
	RunEvery time.Duration
	Anchor   *time.Time
}

// New creates a Schedule with the given cadence and optional anchor.
func New(runEvery time.Duration, anchor *time.Time) Schedule {
	return Schedule{RunEvery: runEvery, Anchor: anchor}
}

// Remaining returns the time until the next scheduled fire given the last
// run time. A non-positive value means the schedule is due.
func (s Schedule) Remaining(lastRunAt, now time.Time) time.Duration {
	return lastRunAt.Add(s.RunEvery).Sub(now)
}

// IsDue returns whether the schedule is due at now given the last run time,
// and the time to wait before the next check. When due, the wait is one full
// cadence; otherwise it is the remaining time.
func (s Schedule) IsDue(lastRunAt, now time.Time) (bool, time.Duration) {
	rem := s.Remaining(lastRunAt, now)
	if rem <= 0 {
		return true, s.RunEvery
	}
	return false, rem
}

// Entry is one scheduler record per periodic job. It tracks when the job
// last ran and how many times it has fired, and advances itself when fired.
type Entry struct {
	Name          string
	Schedule      Schedule
	LastRunAt     time.Time
	TotalRunCount int
}

// NewEntry creates a scheduler entry for a job with its last run set to now.
func NewEntry(name string, sched Schedule, now time.Time) *Entry {
	return &Entry{
		Name:      name,
		Schedule:  sched,
		LastRunAt: now,
	}
}

// RunEvery returns the entry's cadence.
func (e *Entry) RunEvery() time.Duration {
	return e.Schedule.RunEvery
}

// Anchor returns the entry's anchor, if any.
func (e *Entry) Anchor() *time.Time {
	return e.Schedule.Anchor
}

// ScheduledLastRunAt returns the effective last run for due-ness checks.
// Without an anchor it is the actual last run. With an anchor, it is the
// anchor advanced by whole cadences so it lies in (last_run - cadence,
// last_run]; this keeps fire times congruent to the anchor modulo the
// cadence regardless of small drifts in actual run times.
func (e *Entry) ScheduledLastRunAt() time.Time {
	if e.Schedule.Anchor == nil {
		return e.LastRunAt
	}

	anchor := *e.Schedule.Anchor
	runEvery := e.Schedule.RunEvery
	times := int64(e.LastRunAt.Sub(anchor) / runEvery)
	if times != 0 || anchor.After(e.LastRunAt) {
		anchor = anchor.Add(time.Duration(times) * runEvery)
		for !anchor.After(e.LastRunAt) {
			anchor = anchor.Add(runEvery)
		}
		for anchor.After(e.LastRunAt) {
			anchor = anchor.Add(-runEvery)
		}
		e.Schedule.Anchor = &anchor
	}
	return anchor
}

// IsDue reports whether the entry is due at now and how long to wait before
// the next check.
func (e *Entry) IsDue(now time.Time) (bool, time.Duration) {
	return e.Schedule.IsDue(e.ScheduledLastRunAt(), now)
}

// Next advances the entry after a fire: last run moves to now and the run
// count increments. Returns the entry for chaining.
func (e *Entry) Next(now time.Time) *Entry {
	e.LastRunAt = now
	e.TotalRunCount++
	return e
}
