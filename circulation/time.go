package circulation

import (
	"time"
)

// Day is the unit every day-count rule is measured in.
const Day = 24 * time.Hour

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock supplies the current time. Rules never read time.Now directly so that
// every decision is reproducible in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Set moves it.
type FixedClock struct {
	At time.Time
}

func (c *FixedClock) Now() time.Time         { return c.At }
func (c *FixedClock) Set(t time.Time)        { c.At = t }
func (c *FixedClock) Advance(d time.Duration) { c.At = c.At.Add(d) }

// =============================================================================
// DATE MATH
// =============================================================================

// DaysBetween returns the absolute difference between a and b in whole days,
// rounding any partial day up.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return ceilDays(d)
}

// DaysRemaining returns ceil((due - now) / 1 day). A negative result means
// the due date passed that many whole days ago.
func DaysRemaining(due, now time.Time) int {
	return ceilDays(due.Sub(now))
}

// DaysOverdue returns how many whole days `at` is past `due`, never negative.
func DaysOverdue(due, at time.Time) int {
	n := -DaysRemaining(due, at)
	if n < 0 {
		return 0
	}
	return n
}

// IsOverdue reports whether now is strictly past due.
func IsOverdue(due, now time.Time) bool {
	return now.After(due)
}

// ceilDays rounds d/Day towards positive infinity.
func ceilDays(d time.Duration) int {
	n := d / Day
	if d%Day > 0 {
		n++
	}
	return int(n)
}

// earliest returns the earlier of a and b.
func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
