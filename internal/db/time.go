package db

import (
	"fmt"
	"time"
)

// sqlTimeFormat is how timestamps are written; it matches SQLite's
// CURRENT_TIMESTAMP so lexical comparison in queries stays correct.
const sqlTimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

// ParseTime tries the timestamp formats SQLite and Go produce.
func ParseTime(s string) (time.Time, error) {
	formats := []string{
		sqlTimeFormat,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// parseNullableTime parses a possibly empty timestamp into *time.Time.
func parseNullableTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
