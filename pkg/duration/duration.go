// Package duration parses the duration notations found in configuration
// files and streaming manifests.
//
// Parse accepts Go durations extended with day and week units and the
// ISO 8601 form used by MPEG-DASH:
//   - "1h30m", "250ms"  (time.ParseDuration)
//   - "2d", "1w2d12h", "3 days"
//   - "PT30S", "P1DT2H" (ISO 8601)
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
	// Month represents 30 days (approximate).
	Month = 30 * Day
	// Year represents 365 days (approximate).
	Year = 365 * Day
)

// longUnit matches the units time.ParseDuration does not know, and the
// spelled out forms of the ones it does.
var longUnit = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d|hours?|hrs?|minutes?|mins?|seconds?|secs?)`)

var unitSuffix = map[string]string{
	"w": "w", "wk": "w", "wks": "w", "week": "w", "weeks": "w",
	"d": "d", "day": "d", "days": "d",
	"h": "h", "hr": "h", "hrs": "h", "hour": "h", "hours": "h",
	"min": "m", "mins": "m", "minute": "m", "minutes": "m",
	"sec": "s", "secs": "s", "second": "s", "seconds": "s",
}

// Parse parses a human-readable or ISO 8601 duration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}
	body := strings.TrimPrefix(s, "-")
	if body != "" && (body[0] == 'P' || body[0] == 'p') {
		return ParseISO8601(s)
	}

	neg := body != s
	var hours int64
	rest := longUnit.ReplaceAllStringFunc(body, func(m string) string {
		sub := longUnit.FindStringSubmatch(m)
		n, _ := strconv.ParseInt(sub[1], 10, 64)
		switch unitSuffix[strings.ToLower(sub[2])] {
		case "w":
			hours += n * int64(Week/time.Hour)
		case "d":
			hours += n * int64(Day/time.Hour)
		case "h":
			hours += n
		case "m":
			return sub[1] + "m"
		case "s":
			return sub[1] + "s"
		}
		return ""
	})
	rest = strings.Join(strings.Fields(rest), "")

	var d time.Duration
	if rest != "" {
		var err error
		if d, err = time.ParseDuration(rest); err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
	}
	d += time.Duration(hours) * time.Hour
	if neg {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
