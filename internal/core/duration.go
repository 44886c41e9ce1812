package core

import "time"

// Duration is a horizon expressed either as an explicit day-count or as a
// date range. Both input modes normalize to whole days at construction, so
// downstream computation never branches on which mode was used.
type Duration struct {
	days int
}

// NoDuration is the unknown horizon. IsKnown reports false for it.
var NoDuration = Duration{}

func DaysDuration(n int) Duration {
	if n < 0 {
		n = 0
	}
	return Duration{days: n}
}

// RangeDuration normalizes a (start, end) pair to the day-count remaining
// from start to end. A range ending on or before its start yields an unknown
// duration.
func RangeDuration(start, end time.Time) Duration {
	n := DaysBetween(start, end)
	if n <= 0 {
		return NoDuration
	}
	return Duration{days: n}
}

func (d Duration) Days() int     { return d.days }
func (d Duration) IsKnown() bool { return d.days > 0 }

// DateOnly truncates a timestamp to midnight UTC. All day arithmetic in the
// ledger happens on date-only values.
func DateOnly(t time.Time) time.Time {
	y, m, day := t.UTC().Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from a to b (negative when b
// precedes a), on date-only values.
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
