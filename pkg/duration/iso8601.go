package duration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// iso8601Units maps ISO 8601 designators to their length. The date part
// uses Y, M (month), W and D; the time part after T uses H, M (minute) and S.
var (
	iso8601DateUnits = map[byte]time.Duration{
		'Y': Year,
		'M': Month,
		'W': Week,
		'D': Day,
	}
	iso8601TimeUnits = map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}
)

// ParseISO8601 parses an ISO 8601 duration such as those found in MPEG-DASH
// manifests.
//
// Examples:
//   - "PT1H2M3.5S" = 1 hour, 2 minutes, 3.5 seconds
//   - "P1DT12H" = 1 day, 12 hours
//   - "PT0S" = 0
//
// Fractions are accepted on any component. Years and months use the same
// approximate lengths as Parse. A leading minus sign negates the result.
func ParseISO8601(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ISO 8601 duration")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q: missing P designator", orig)
	}
	s = strings.ToUpper(s[1:])

	var total float64
	units := iso8601DateUnits
	seenTime := false
	for len(s) > 0 {
		if s[0] == 'T' {
			if seenTime {
				return 0, fmt.Errorf("invalid ISO 8601 duration %q: repeated T designator", orig)
			}
			seenTime = true
			units = iso8601TimeUnits
			s = s[1:]
			if s == "" {
				return 0, fmt.Errorf("invalid ISO 8601 duration %q: empty time part", orig)
			}
			continue
		}

		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == ',') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q", orig)
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(s[:i], ",", "."), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", orig, err)
		}
		unit, ok := units[s[i]]
		if !ok {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: unknown designator %q", orig, s[i])
		}
		total += value * float64(unit)
		s = s[i+1:]
	}

	if total > math.MaxInt64 {
		return 0, fmt.Errorf("ISO 8601 duration %q overflows", orig)
	}
	d := time.Duration(math.Round(total))
	if neg {
		d = -d
	}
	return d, nil
}

// FormatISO8601 formats d as an ISO 8601 time duration, e.g. "PT1H2M3.5S".
func FormatISO8601(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 {
		b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
		b.WriteByte('S')
	}
	return b.String()
}
