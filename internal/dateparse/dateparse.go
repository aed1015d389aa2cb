// Package dateparse parses human look-back expressions ("yesterday", "7d",
// "2026-08-01") into cutoff times for filtering ledger history.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSince parses a look-back expression and returns the cutoff time.
// Uses the current time as the reference point.
//
// Supported formats:
//   - Exact dates: "2026-08-01" (midnight, local time)
//   - Look-back offsets: "7d", "2w", "1m" (days, weeks, months ago)
//   - Keywords: "today", "yesterday"
//   - Day names: "monday", "friday", ... (most recent occurrence)
func ParseSince(input string) (time.Time, error) {
	return ParseSinceFrom(input, time.Now())
}

// ParseSinceFrom parses a look-back expression relative to the given reference
// time, so tests can pin "now".
func ParseSinceFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return time.Time{}, fmt.Errorf("empty date input")
	}

	if t, err := time.ParseInLocation("2006-01-02", input, now.Location()); err == nil {
		return t, nil
	}

	switch input {
	case "today":
		return midnight(now), nil
	case "yesterday":
		return midnight(now.AddDate(0, 0, -1)), nil
	}

	// Look-back offsets: Nd, Nw, Nm (a leading "-" is tolerated).
	offset := strings.TrimPrefix(input, "-")
	if len(offset) >= 2 {
		suffix := offset[len(offset)-1]
		if n, err := strconv.Atoi(offset[:len(offset)-1]); err == nil && n >= 0 {
			switch suffix {
			case 'd':
				return now.AddDate(0, 0, -n), nil
			case 'w':
				return now.AddDate(0, 0, -n*7), nil
			case 'm':
				return now.AddDate(0, -n, 0), nil
			default:
				return time.Time{}, fmt.Errorf("unknown look-back unit %q in %q (use d, w, or m)", string(suffix), input)
			}
		}
	}

	// Day names: most recent occurrence, always in the past.
	dayMap := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := dayMap[input]; ok {
		daysBack := (int(now.Weekday()) - int(target) + 7) % 7
		if daysBack == 0 {
			daysBack = 7
		}
		return midnight(now.AddDate(0, 0, -daysBack)), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date format: %q", input)
}

func midnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
