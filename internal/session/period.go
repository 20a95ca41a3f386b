package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/manifest"
)

// InitializePeriod switches to a pending period, if any, negotiates DRM
// when its protection differs from the previous period and rebuilds the
// stream list. reuse keeps DRM sessions opened before the call.
func (c *Coordinator) InitializePeriod(ctx context.Context, reuse bool) error {
	if c.tree == nil {
		return ErrNotInitialized
	}

	psshChanged := true
	if c.pendingPeriod >= 0 {
		next := c.pendingPeriod
		c.pendingPeriod = -1
		periods := c.tree.Periods()
		cur := c.tree.CurrentPeriod()
		if next < len(periods) && cur != nil {
			c.tree.RLock()
			psshChanged = !cur.SamePSSHSets(periods[next])
			c.tree.RUnlock()
		}
		if err := c.tree.SetCurrentPeriod(next); err != nil {
			return err
		}
	}
	p := c.tree.CurrentPeriod()
	if p == nil {
		return fmt.Errorf("%w: manifest has no periods", ErrNotInitialized)
	}
	c.chapterStart = c.chapterStartTime()

	c.tree.RLock()
	enc := p.Encryption
	c.tree.RUnlock()
	if enc == manifest.EncryptionNotSupported {
		return ErrUnsupportedEncryption
	}

	for _, s := range c.streams {
		if err := c.disableStream(s); err != nil {
			c.logger.WarnContext(ctx, "disabling stream failed", slog.Uint64("stream", uint64(s.ID)), slog.Any("error", err))
		}
	}
	c.streams = nil
	c.timing = nil

	if psshChanged {
		if !reuse {
			if err := c.disposeSessions(); err != nil {
				c.logger.WarnContext(ctx, "closing drm sessions failed", slog.Any("error", err))
			}
		}
		if err := c.InitializeDRM(ctx, reuse); err != nil {
			return err
		}
	} else if !c.opts.HDCPOverride {
		c.checkHDCP(ctx, p)
	}

	c.buildStreams(p)
	c.changed = true
	c.logger.InfoContext(ctx, "period initialized",
		slog.String("period", p.ID),
		slog.Int("index", c.tree.CurrentPeriodIndex()),
		slog.String("encryption", enc.String()),
		slog.Bool("secure", c.secure),
		slog.Int("streams", len(c.streams)))
	return nil
}

// buildStreams creates the streams of p. In manual selection a stream is
// created per representation, otherwise per adaptation set.
func (c *Coordinator) buildStreams(p *manifest.Period) {
	c.tree.RLock()
	defer c.tree.RUnlock()

	periodID := c.periodIDLocked(p)
	for ai, a := range p.AdaptationSets {
		if len(a.Representations) == 0 || a.Type == manifest.StreamNoType {
			continue
		}
		if c.opts.IncludedTypes != 0 && !c.opts.IncludedTypes.Has(a.Type) {
			continue
		}

		def := c.chooser.Representation(a)
		if c.opts.Selection.manual(a.Type) {
			n := len(a.Representations)
			for ri, r := range a.Representations {
				c.addStream(p, a, r, periodID, uint32(ai+1)|uint32(n-ri)<<16, r == def)
			}
			continue
		}
		c.addStream(p, a, def, periodID, uint32(ai+1)|uint32(len(a.Representations))<<16, true)
	}
}

func (c *Coordinator) addStream(p *manifest.Period, a *manifest.AdaptationSet, r *manifest.Representation, periodID, uniqueID uint32, isDefault bool) {
	s := &Stream{
		ID:       periodID*1000 + uint32(len(c.streams)) + 1,
		UniqueID: uniqueID,
		c:        c,
		period:   p,
		adp:      a,
		rep:      r,
	}
	s.updateInfo(isDefault)
	c.streams = append(c.streams, s)
}

// Streams returns the streams of the current period.
func (c *Coordinator) Streams() []*Stream { return c.streams }

// Stream returns the stream with id.
func (c *Coordinator) Stream(id uint32) (*Stream, error) {
	for _, s := range c.streams {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
}

// PeriodID numbers the current period for stream ids: 1 for the period
// playback started in, otherwise its sequence plus one.
func (c *Coordinator) PeriodID() uint32 {
	p := c.tree.CurrentPeriod()
	if p == nil {
		return 0
	}
	c.tree.RLock()
	defer c.tree.RUnlock()
	return c.periodIDLocked(p)
}

func (c *Coordinator) periodIDLocked(p *manifest.Period) uint32 {
	if p.Sequence == c.initialSequence {
		return 1
	}
	return p.Sequence + 1
}

// chapterStartTime is the summed duration of the periods before the
// current one.
func (c *Coordinator) chapterStartTime() time.Duration {
	cur := c.tree.CurrentPeriodIndex()
	periods := c.tree.Periods()
	c.tree.RLock()
	defer c.tree.RUnlock()
	var start time.Duration
	for i := 0; i < cur && i < len(periods); i++ {
		start += periods[i].DurationTime()
	}
	return start
}

// Chapter returns the 1-based number of the current period.
func (c *Coordinator) Chapter() int {
	if c.tree == nil {
		return -1
	}
	return c.tree.CurrentPeriodIndex() + 1
}

// ChapterCount returns the number of periods, or 0 for a single period
// presentation.
func (c *Coordinator) ChapterCount() int {
	if c.tree == nil {
		return 0
	}
	if n := len(c.tree.Periods()); n > 1 {
		return n
	}
	return 0
}

// ChapterName returns the id of period ch (1-based).
func (c *Coordinator) ChapterName(ch int) string {
	if c.tree != nil {
		periods := c.tree.Periods()
		if ch > 0 && ch <= len(periods) {
			c.tree.RLock()
			defer c.tree.RUnlock()
			return periods[ch-1].ID
		}
	}
	return "[Unknown]"
}

// ChapterPos returns the start of period ch (1-based) in seconds.
func (c *Coordinator) ChapterPos(ch int) int64 {
	if c.tree == nil {
		return 0
	}
	periods := c.tree.Periods()
	c.tree.RLock()
	defer c.tree.RUnlock()
	var pos time.Duration
	for i := 0; i < ch-1 && i < len(periods); i++ {
		pos += periods[i].DurationTime()
	}
	return int64(pos / time.Second)
}

// SeekChapter schedules a switch to period ch (1-based). The switch takes
// effect once every reader drained, when GetNextSample reports
// ErrPeriodChanged.
func (c *Coordinator) SeekChapter(ch int) bool {
	if c.pendingPeriod >= 0 {
		return true
	}
	if c.tree == nil {
		return false
	}
	ch--
	if ch < 0 || ch >= len(c.tree.Periods()) || ch == c.tree.CurrentPeriodIndex() {
		return false
	}
	c.pendingPeriod = ch
	for _, s := range c.streams {
		if s.reader == nil {
			continue
		}
		s.reader.Wait()
		s.reader.Reset(true)
	}
	c.logger.Debug("chapter switch scheduled", slog.Int("chapter", ch+1))
	return true
}

// IncludedStreamMask returns the stream types muxed into the stream of
// the given type, for renditions that carry no media of their own.
func (c *Coordinator) IncludedStreamMask(t manifest.StreamType) TypeMask {
	var mask TypeMask
	for _, s := range c.streams {
		if s.Included && s.Type != t {
			mask |= MaskOf(s.Type)
		}
	}
	return mask
}
