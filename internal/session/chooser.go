package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/abrcore/internal/manifest"
)

// SelectionMode decides which streams expose every representation.
type SelectionMode string

const (
	// SelectionAuto exposes only the chosen representation of every set.
	SelectionAuto SelectionMode = "auto"
	// SelectionManualVideo exposes every video representation.
	SelectionManualVideo SelectionMode = "manual-video"
	// SelectionManual exposes every representation of every set.
	SelectionManual SelectionMode = "manual"
)

// ParseSelectionMode maps a configuration value to a SelectionMode.
// Unknown values select SelectionAuto.
func ParseSelectionMode(s string) SelectionMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return SelectionManual
	case "manual-video", "manual-v", "manual_video":
		return SelectionManualVideo
	default:
		return SelectionAuto
	}
}

// manual reports whether streams of type t list every representation.
func (m SelectionMode) manual(t manifest.StreamType) bool {
	if t == manifest.StreamVideo {
		return m != SelectionAuto && m != ""
	}
	return m == SelectionManual
}

// Resolution is a frame size limit. The zero value is unlimited.
type Resolution struct {
	Width  int
	Height int
}

// IsZero reports whether no limit is set.
func (r Resolution) IsZero() bool { return r.Width <= 0 || r.Height <= 0 }

// Fits reports whether a w x h frame is within the limit.
func (r Resolution) Fits(w, h int) bool {
	return r.IsZero() || (w <= r.Width && h <= r.Height)
}

func (r Resolution) String() string {
	if r.IsZero() {
		return "unlimited"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// min returns the tighter of two limits.
func (r Resolution) min(o Resolution) Resolution {
	switch {
	case r.IsZero():
		return o
	case o.IsZero():
		return r
	}
	return Resolution{Width: min(r.Width, o.Width), Height: min(r.Height, o.Height)}
}

var namedResolutions = map[string]Resolution{
	"480p":  {Width: 640, Height: 480},
	"640p":  {Width: 960, Height: 640},
	"720p":  {Width: 1280, Height: 720},
	"1080p": {Width: 1920, Height: 1080},
	"2k":    {Width: 2560, Height: 1440},
	"1440p": {Width: 2560, Height: 1440},
	"4k":    {Width: 3840, Height: 2160},
	"2160p": {Width: 3840, Height: 2160},
}

// ParseResolution parses "1280x720", a name such as "1080p" or "4k", or
// an empty/"auto" value for no limit.
func ParseResolution(s string) (Resolution, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" || s == "0" {
		return Resolution{}, nil
	}
	if r, ok := namedResolutions[s]; ok {
		return r, nil
	}
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", ws, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", hs, err)
	}
	return Resolution{Width: w, Height: h}, nil
}

// Chooser picks the initial representation of an adaptation set.
type Chooser interface {
	// Representation returns the representation to start a set with.
	Representation(a *manifest.AdaptationSet) *manifest.Representation
	// SetSecureSession reports whether the current period plays through a
	// secure decoder.
	SetSecureSession(secure bool)
	// SetScreenResolution reports the current and maximum display size.
	SetScreenResolution(width, height, maxWidth, maxHeight int)
}

// ChooserConfig configures the default chooser.
type ChooserConfig struct {
	// MaxBandwidth in bits per second; 0 is unlimited.
	MaxBandwidth uint32
	MaxResolution Resolution
	// MaxSecureResolution replaces MaxResolution while a secure decoder is in use.
	MaxSecureResolution    Resolution
	IgnoreScreenResolution bool
}

// DefaultChooser picks the highest bandwidth representation that fits the
// configured bandwidth and resolution limits.
type DefaultChooser struct {
	cfg    ChooserConfig
	logger *slog.Logger

	mu     sync.Mutex
	secure bool
	screen Resolution
}

// NewDefaultChooser creates a chooser.
func NewDefaultChooser(cfg ChooserConfig, logger *slog.Logger) *DefaultChooser {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultChooser{cfg: cfg, logger: logger}
}

// SetSecureSession implements Chooser.
func (c *DefaultChooser) SetSecureSession(secure bool) {
	c.mu.Lock()
	c.secure = secure
	c.mu.Unlock()
}

// SetScreenResolution implements Chooser. The larger of the current and
// maximum size is used as the limit.
func (c *DefaultChooser) SetScreenResolution(width, height, maxWidth, maxHeight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = Resolution{Width: max(width, maxWidth), Height: max(height, maxHeight)}
}

// Limit returns the resolution limit currently applied to video.
func (c *DefaultChooser) Limit() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.cfg.MaxResolution
	if c.secure && !c.cfg.MaxSecureResolution.IsZero() {
		limit = c.cfg.MaxSecureResolution
	}
	if !c.cfg.IgnoreScreenResolution {
		limit = limit.min(c.screen)
	}
	return limit
}

// Representation implements Chooser. When nothing fits, the lowest
// bandwidth representation is used.
func (c *DefaultChooser) Representation(a *manifest.AdaptationSet) *manifest.Representation {
	if a == nil || len(a.Representations) == 0 {
		return nil
	}
	if a.Type == manifest.StreamSubtitle {
		return a.Representations[0]
	}

	limit := Resolution{}
	if a.Type == manifest.StreamVideo || a.Type == manifest.StreamVideoAudio {
		limit = c.Limit()
	}

	var best, lowest *manifest.Representation
	for _, r := range a.Representations {
		if lowest == nil || r.Bandwidth < lowest.Bandwidth {
			lowest = r
		}
		if c.cfg.MaxBandwidth > 0 && r.Bandwidth > c.cfg.MaxBandwidth {
			continue
		}
		if !limit.Fits(r.Width, r.Height) {
			continue
		}
		if best == nil || r.Bandwidth > best.Bandwidth {
			best = r
		}
	}
	if best == nil {
		best = lowest
	}

	c.logger.Debug("representation chosen",
		slog.String("adaptation_set", a.ID),
		slog.String("type", a.Type.String()),
		slog.String("representation", best.ID),
		slog.Any("bandwidth", best.Bandwidth),
		slog.String("limit", limit.String()),
	)
	return best
}
