package session

import "time"

// UTCMidnightMillis returns the Unix-epoch millisecond timestamp of the
// start of t's UTC day. Both peers compute this independently from their
// own clocks; see the clock-skew caveat in internal/clock and DESIGN.md.
func UTCMidnightMillis(t time.Time) int64 {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.UnixMilli()
}
