package db

import "time"

// TimestampLayout is a fixed-width UTC layout. Values in this layout sort
// lexically in time order, so they can be compared in SQL.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp formats t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value written by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}
