package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISO8601(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"PT0S", 0},
		{"PT8S", 8 * time.Second},
		{"PT1H2M3.5S", time.Hour + 2*time.Minute + 3500*time.Millisecond},
		{"P1DT12H", Day + 12*time.Hour},
		{"P2W", 2 * Week},
		{"P1Y", Year},
		{"P1M", Month},
		{"PT1M", time.Minute},
		{"PT0.04S", 40 * time.Millisecond},
		{"PT1,5S", 1500 * time.Millisecond},
		{"pt30s", 30 * time.Second},
		{"-PT5S", -5 * time.Second},
		{"P0DT1H", time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseISO8601(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseISO8601_Errors(t *testing.T) {
	for _, input := range []string{"", "5s", "P", "PT", "P1X", "PT1D", "P1DTT1H", "PTS", "PT1H2"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseISO8601(input)
			assert.Error(t, err)
		})
	}
}

func TestFormatISO8601(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "PT0S"},
		{8 * time.Second, "PT8S"},
		{time.Hour + 2*time.Minute + 3500*time.Millisecond, "PT1H2M3.5S"},
		{26 * time.Hour, "PT26H"},
		{-90 * time.Second, "-PT1M30S"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := FormatISO8601(tt.input)
			assert.Equal(t, tt.expected, got)

			back, err := ParseISO8601(got)
			require.NoError(t, err)
			assert.Equal(t, tt.input, back)
		})
	}
}
