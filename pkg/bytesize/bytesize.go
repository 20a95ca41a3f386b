// Package bytesize parses and formats byte sizes such as "64MB" or
// "1.5 GiB". Units are binary: KB and KiB both mean 1024 bytes.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a number of bytes.
type Size int64

const (
	B  Size = 1
	KB      = 1024 * B
	MB      = 1024 * KB
	GB      = 1024 * MB
	TB      = 1024 * GB
)

var units = map[string]Size{
	"": B, "b": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

var sizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-zA-Z]*)$`)

// Parse parses a size with an optional unit. A bare number is bytes.
func Parse(s string) (Size, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}
	unit, ok := units[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: %w", err)
	}
	return Size(v * float64(unit)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Size {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the size with the largest unit that keeps it at or
// above one, e.g. "64MB" or "1.5GB".
func (s Size) String() string {
	neg := s < 0
	if neg {
		s = -s
	}
	out := strconv.FormatInt(int64(s), 10) + "B"
	for _, u := range []struct {
		size Size
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if s >= u.size {
			out = strconv.FormatFloat(float64(s)/float64(u.size), 'f', -1, 64)
			if i := strings.IndexByte(out, '.'); i >= 0 && len(out) > i+3 {
				out = out[:i+3]
			}
			out += u.name
			break
		}
	}
	if neg {
		return "-" + out
	}
	return out
}
