package store

import "time"

// TimeLayout is the UTC timestamp format used in every table. The fraction
// width is fixed so lexicographic comparison in SQL equals chronological
// order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// NowISO returns the current UTC time in TimeLayout.
func NowISO() string {
	return time.Now().UTC().Format(TimeLayout)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
