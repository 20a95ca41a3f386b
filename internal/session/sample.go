package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/manifest"
)

// GetNextSample returns the pending sample with the lowest timestamp
// across the enabled streams. A nil sample with a nil error means a reader
// is busy or a live stream waits for its next segment; poll again later.
// At the end of a period the next one is initialized and ErrPeriodChanged
// is returned; after the last period io.EOF.
func (c *Coordinator) GetNextSample(ctx context.Context) (*Sample, error) {
	if c.tree == nil {
		return nil, ErrNotInitialized
	}
	if c.chapterSeekTime > 0 && c.pendingPeriod < 0 {
		t := c.chapterSeekTime
		c.chapterSeekTime = 0
		c.SeekTime(ctx, t, 0, true)
	}

	var next *Stream
	for _, s := range c.streams {
		if !s.enabled || s.reader == nil {
			continue
		}
		r := s.reader
		if r.Busy() {
			return nil, nil
		}
		if !r.IsStarted() {
			if err := c.startReader(ctx, s); err != nil {
				return nil, err
			}
		}
		if !r.IsStarted() || !r.IsReady() || r.EOS() {
			continue
		}
		if next == nil || r.DTSOrPTS() < next.reader.DTSOrPTS() {
			next = s
		}
	}

	if next == nil {
		return nil, c.endOfPeriod(ctx)
	}
	if c.tree.WaitingForSegment(next.rep) {
		return nil, nil
	}

	sample, err := next.reader.ReadSample(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stream %d: %w", next.ID, err)
	}
	if sample == nil {
		return nil, nil
	}
	sample.StreamID = next.ID
	if sample.PTS != NoPTS {
		c.elapsed = c.chapterStart + sample.PTS - next.reader.PTSDiff()
	}

	if sample.Encrypted() && next.hasPool {
		data, err := next.cdm.DecryptSampleData(next.pool, sample.Data, sample.IV, sample.Subsamples)
		if err != nil {
			if drm.IsNoKey(err) {
				c.opts.Metrics.IncDecryptError("no_key")
				c.logger.WarnContext(ctx, "no usable key, ending stream",
					slog.Uint64("stream", uint64(next.ID)),
					slog.Any("error", err))
				next.reader.Reset(true)
				return nil, nil
			}
			c.opts.Metrics.IncDecryptError("decrypt")
			c.logger.WarnContext(ctx, "sample decryption failed",
				slog.Uint64("stream", uint64(next.ID)),
				slog.Any("error", err))
			return nil, fmt.Errorf("decrypting stream %d: %w", next.ID, err)
		}
		sample.Data = data
		sample.IV = nil
	}
	return sample, nil
}

// endOfPeriod moves to the next period once every reader finished.
func (c *Coordinator) endOfPeriod(ctx context.Context) error {
	if c.pendingPeriod < 0 {
		next := c.tree.CurrentPeriodIndex() + 1
		if next >= len(c.tree.Periods()) {
			return io.EOF
		}
		c.pendingPeriod = next
	}
	if err := c.InitializePeriod(ctx, false); err != nil {
		return err
	}
	return ErrPeriodChanged
}

func (c *Coordinator) startReader(ctx context.Context, s *Stream) error {
	started, err := s.reader.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting stream %d: %w", s.ID, err)
	}
	if started {
		c.logger.DebugContext(ctx, "reader started", slog.Uint64("stream", uint64(s.ID)))
	}
	return nil
}

// SeekTime moves playback to t, measured from the start of the
// presentation. streamID 0 seeks every enabled stream. A target in another
// period schedules a chapter switch and is applied once the new period is
// initialized. Live targets are kept behind the live edge by the live
// delay.
func (c *Coordinator) SeekTime(ctx context.Context, t time.Duration, streamID uint32, preceding bool) bool {
	if c.tree == nil {
		return false
	}
	t = max(t, 0)

	periods := c.tree.Periods()
	c.tree.RLock()
	target, start := -1, time.Duration(0)
	for i, p := range periods {
		d := p.DurationTime()
		if t < start+d || i == len(periods)-1 {
			target = i
			break
		}
		start += d
	}
	c.tree.RUnlock()
	if target >= 0 && target != c.tree.CurrentPeriodIndex() {
		if !c.SeekChapter(target + 1) {
			return false
		}
		c.chapterSeekTime = t
		return true
	}

	t -= c.chapterStart
	if c.tree.IsLive() {
		var maxTime time.Duration
		for _, s := range c.streams {
			if s.enabled && s.reader != nil {
				maxTime = max(maxTime, c.tree.MaxTime(s.rep))
			}
		}
		if limit := maxTime - c.tree.LiveDelay(); t > limit {
			t = max(limit, 0)
		}
	}

	corrected := t
	var ptsDiff time.Duration
	if ts := c.timing; ts != nil && ts.reader != nil {
		ts.reader.Wait()
		if !ts.reader.IsStarted() {
			if err := c.startReader(ctx, ts); err != nil {
				c.logger.WarnContext(ctx, "starting timing stream failed", slog.Any("error", err))
			}
		}
		corrected += ts.absoluteOffset
		ptsDiff = ts.reader.PTSDiff()
		if ptsDiff < 0 && corrected+ptsDiff < 0 {
			corrected = 0
		} else {
			corrected += ptsDiff
		}
	}

	ok := false
	for _, s := range c.streams {
		r := s.reader
		if !s.enabled || r == nil || (streamID != 0 && s.ID != streamID) {
			continue
		}
		r.Wait()
		if !r.IsStarted() {
			if err := c.startReader(ctx, s); err != nil {
				c.logger.WarnContext(ctx, "starting stream failed", slog.Any("error", err))
				continue
			}
		}
		r.SetPTSDiff(ptsDiff)

		if !c.tree.SeekSegment(s.rep, s.durationToTicks(t), preceding) {
			r.Reset(true)
			continue
		}
		r.Reset(false)
		if !r.TimeSeek(corrected, preceding) {
			r.Reset(true)
			continue
		}
		ok = true
		if s.Type == manifest.StreamVideo {
			// Align the remaining streams to the keyframe the video landed on.
			if pts := r.PTS(); pts != NoPTS {
				corrected = pts
				t = max(pts-ptsDiff-s.absoluteOffset, 0)
			}
			preceding = false
		}
		c.logger.DebugContext(ctx, "stream seeked",
			slog.Uint64("stream", uint64(s.ID)),
			slog.Duration("target", corrected))
	}
	if ok {
		c.elapsed = c.chapterStart + t
	}
	return ok
}
