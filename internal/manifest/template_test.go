package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatURL(t *testing.T) {
	vars := TemplateVars{RepresentationID: "v1", Number: 7, Time: 90000, Bandwidth: 2500000}

	tests := []struct {
		tpl      string
		expected string
	}{
		{"seg-$Number%05d$.m4s", "seg-00007.m4s"},
		{"seg-$Number$.m4s", "seg-7.m4s"},
		{"$RepresentationID$/$Time$.m4s", "v1/90000.m4s"},
		{"$Bandwidth$/init.mp4", "2500000/init.mp4"},
		{"t-$Time%08x$", "t-00015f90"},
		{"t-$Time%08X$", "t-00015F90"},
		{"n-$Number%03o$", "n-007"},
		{"n-$Number%02i$-$Number%02u$", "n-07-07"},
		{"price$$", "price$"},
		{"a$$b", "a$b"},
		{"$Unknown$-$Number$", "$Unknown$-7"},
		{"x$Unknown$Number$", "x$Unknown7"},
		{"$Number%5d$", "$Number%5d$"},
		{"$Number%05s$", "$Number%05s$"},
		{"trailing$", "trailing$"},
		{"no-vars.mp4", "no-vars.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.tpl, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatURL(tt.tpl, vars))
		})
	}
}

func TestFormatURL_Idempotent(t *testing.T) {
	vars := TemplateVars{RepresentationID: "audio", Number: 42, Time: 1}
	for _, tpl := range []string{"seg-$Number%05d$.m4s", "$RepresentationID$/$Time$", "a$Other$b"} {
		once := FormatURL(tpl, vars)
		assert.Equal(t, once, FormatURL(once, vars), tpl)
	}
}
