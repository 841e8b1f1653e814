package backend

import (
	"math"
	"time"
)

// Expiry is a task deadline specification. It accepts an absolute
// timestamp, a duration relative to task creation, or POSIX epoch seconds.
type Expiry struct {
	at    *time.Time
	in    *time.Duration
	epoch *float64
}

// ExpireAt sets an absolute deadline.
func ExpireAt(t time.Time) *Expiry {
	return &Expiry{at: &t}
}

// ExpireIn sets a deadline relative to task creation.
func ExpireIn(d time.Duration) *Expiry {
	return &Expiry{in: &d}
}

// ExpireAtUnix sets a deadline as POSIX epoch seconds.
func ExpireAtUnix(sec float64) *Expiry {
	return &Expiry{epoch: &sec}
}

// Resolve turns the specification into an absolute deadline given the task
// creation time.
func (e *Expiry) Resolve(start time.Time) time.Time {
	switch {
	case e.at != nil:
		return *e.at
	case e.in != nil:
		return start.Add(*e.in)
	case e.epoch != nil:
		sec, frac := math.Modf(*e.epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	default:
		return start
	}
}
