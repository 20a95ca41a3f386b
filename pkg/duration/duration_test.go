package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"1h30m", 90 * time.Minute},
		{"250ms", 250 * time.Millisecond},
		{"2d", 2 * Day},
		{"1w2d12h", Week + 2*Day + 12*time.Hour},
		{"3 days", 3 * Day},
		{"2 weeks", 2 * Week},
		{"5 minutes 10 seconds", 5*time.Minute + 10*time.Second},
		{"1 hour", time.Hour},
		{"-2d", -2 * Day},
		{"PT30S", 30 * time.Second},
		{"P1DT2H", Day + 2*time.Hour},
		{"  45s ", 45 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "   ", "abc", "5 parsecs", "P"} {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestMustParse(t *testing.T) {
	assert.Equal(t, Week, MustParse("1w"))
	assert.Panics(t, func() { MustParse("nope") })
}
