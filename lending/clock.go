package lending

import "time"

// =============================================================================
// CLOCK - Injected "today" for deterministic accrual
// =============================================================================

// Clock abstracts wall-clock time so day-based accrual can be pinned in
// tests. All calculators take today as an explicit parameter derived
// from a Clock; nothing in this package reads time.Now directly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. For tests.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }

// =============================================================================
// DATE ARITHMETIC
// =============================================================================

// DateOnly truncates t to UTC midnight. All due-date comparisons are
// date-only in UTC.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsWeekend reports whether t falls on a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// AddBusinessDays advances date by n days. When skipWeekends is false
// this is plain calendar addition; when true it advances day by day,
// counting only weekdays toward n.
func AddBusinessDays(date time.Time, n int, skipWeekends bool) time.Time {
	if !skipWeekends {
		return date.AddDate(0, 0, n)
	}
	d := date
	for counted := 0; counted < n; {
		d = d.AddDate(0, 0, 1)
		if !IsWeekend(d) {
			counted++
		}
	}
	return d
}

// NextWeekday rolls date forward to the next weekday if it falls on a
// weekend, otherwise returns it unchanged.
func NextWeekday(date time.Time) time.Time {
	for IsWeekend(date) {
		date = date.AddDate(0, 0, 1)
	}
	return date
}

// DaysBetween returns the whole-day distance from 'from' to 'to' in UTC
// date-only terms. Negative when 'to' precedes 'from'.
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}

// DaysLate returns how many days past dueDate today is. Zero or
// negative means not yet due; callers clamp to zero before accrual.
func DaysLate(dueDate, today time.Time) int {
	return DaysBetween(dueDate, today)
}

// ClampDays returns n, floored at zero.
func ClampDays(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
