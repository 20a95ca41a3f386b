package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/abrcore/pkg/duration"
)

// Duration is a time.Duration read from human-readable text: Go
// durations, day and week units ("2d", "1w") and ISO 8601 ("PT30S").
type Duration time.Duration

// ParseDuration parses a human-readable duration string.
func ParseDuration(s string) (Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Viper and YAML.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String formats whole days as "d" and the rest in Go notation.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur == 0 {
		return "0s"
	}
	var b strings.Builder
	if dur < 0 {
		b.WriteByte('-')
		dur = -dur
	}
	if days := dur / duration.Day; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		dur -= days * duration.Day
	}
	if dur > 0 {
		b.WriteString(dur.String())
	}
	return b.String()
}
