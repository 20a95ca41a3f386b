package manifest

import "log/slog"

// misalignmentTolerance is the fraction of a segment duration under which
// two timeline start times count as the same segment.
const misalignmentTolerance = 50

// merge folds a re-fetched document into the tree. numbered is set when
// the update was requested from the next expected segment number, so its
// segments only extend the existing ones. Caller holds the write lock.
func (t *Tree) merge(upd *document, numbered bool) {
	for i, up := range upd.periods {
		cur := t.matchPeriod(up, i)
		if cur == nil {
			up.Sequence = t.nextSequence
			t.nextSequence++
			sortPeriod(up)
			t.periods = append(t.periods, up)
			t.logger.Debug("live period added", slog.String("period", up.ID), slog.Uint64("sequence", uint64(up.Sequence)))
			continue
		}

		if numbered {
			next := nextStartNumber(cur)
			if first := firstStartNumber(up); first < next {
				t.logger.Debug("update starts before the expected segment number",
					slog.Uint64("expected", next),
					slog.Uint64("received", first))
			}
		}
		mergePeriod(cur, up, numbered)
	}
	t.applyDocument(upd)
}

// matchPeriod finds the period an update period refers to: by id, by a
// nonzero start, or by position when neither is set.
func (t *Tree) matchPeriod(up *Period, pos int) *Period {
	for _, p := range t.periods {
		if up.ID != "" && p.ID == up.ID {
			return p
		}
		if up.ID == "" && up.Start != 0 && p.Start == up.Start {
			return p
		}
	}
	if up.ID == "" && up.Start == 0 && pos < len(t.periods) {
		return t.periods[pos]
	}
	return nil
}

// mergePeriod updates the segments of every representation cur shares with
// upd. Sets or representations only present in upd are ignored: a period
// that was already seen only ever grows segments.
func mergePeriod(cur, upd *Period, numbered bool) {
	if upd.Duration > cur.Duration {
		cur.Duration = upd.Duration
	}
	for _, ua := range upd.AdaptationSets {
		var ca *AdaptationSet
		for _, a := range cur.AdaptationSets {
			if a.Matches(ua) {
				ca = a
				break
			}
		}
		if ca == nil {
			continue
		}
		for _, ur := range ua.Representations {
			if cr := ca.Representation(ur.ID); cr != nil {
				mergeRepresentation(cr, ur, numbered)
			}
		}
	}
}

// mergeRepresentation applies the segments of upd to cur.
func mergeRepresentation(cur, upd *Representation, numbered bool) {
	segs := dropDegenerate(upd.Segments)
	if len(segs) == 0 {
		return
	}
	if numbered {
		appendNumbered(cur, segs)
		trimFront(cur, len(cur.Segments)-maxTimelineSegments)
	} else {
		replaceSegments(cur, upd.StartNumber, segs)
	}
	if cur.Flags.Has(FlagWaitForSegment) {
		if _, ok := cur.NextSegment(); ok {
			cur.Flags &^= FlagWaitForSegment
		}
	}
}

// dropDegenerate removes segments whose start equals their end.
func dropDegenerate(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if s.Duration > 0 {
			out = append(out, s)
		}
	}
	return out
}

// appendNumbered appends the segments of segs numbered at or after the
// next expected number, shifting their times to continue the existing
// timeline. It returns how many were appended.
func appendNumbered(cur *Representation, segs []Segment) int {
	next := cur.StartNumber + uint64(len(cur.Segments))
	start := -1
	for i, s := range segs {
		if s.Number >= next {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}

	fresh := segs[start:]
	if len(cur.Segments) == 0 {
		cur.Segments = append(cur.Segments, fresh...)
		cur.StartNumber = fresh[0].Number
		return len(fresh)
	}

	base, end := fresh[0].StartPTS, cur.NextPTS()
	number := next
	for _, s := range fresh {
		s.StartPTS = end + (s.StartPTS - base)
		s.Number = number
		number++
		cur.Segments = append(cur.Segments, s)
	}
	return len(fresh)
}

// trimFront drops up to n leading segments that lie strictly before the
// cursor and returns them. The cursor segment and everything after it are
// kept, so the cursor keeps pointing at the same segment.
func trimFront(cur *Representation, n int) []Segment {
	n = min(n, cur.Current)
	if n <= 0 {
		return nil
	}
	dropped := append([]Segment(nil), cur.Segments[:n]...)
	cur.Segments = append(cur.Segments[:0:0], cur.Segments[n:]...)
	cur.Current -= n
	cur.StartNumber += uint64(n)
	return dropped
}

// replaceSegments swaps in a full republished segment list. The cursor
// moves to the segment with the same start time or the nearest preceding
// one.
func replaceSegments(cur *Representation, updStart uint64, segs []Segment) {
	start := updStart
	switch {
	case updStart <= 1 && cur.Flags.Has(FlagSegmentTimeline) && len(cur.Segments) > 0:
		start = alignStartNumber(cur, segs[0])
	case updStart < cur.StartNumber:
		return
	case updStart == cur.StartNumber && len(segs) < len(cur.Segments):
		return
	}

	for i := range segs {
		segs[i].Number = start + uint64(i)
	}

	if seg, ok := cur.CurrentSegment(); ok {
		idx := -1
		for i, s := range segs {
			if s.StartPTS > seg.StartPTS {
				break
			}
			idx = i
		}
		cur.Current = idx
	}
	cur.Segments = segs
	cur.StartNumber = start
}

// alignStartNumber derives the number of first from the existing timeline
// of a manifest that restarts numbering at 1. Start times within 2% of a
// segment duration are treated as the same segment.
func alignStartNumber(cur *Representation, first Segment) uint64 {
	n := cur.StartNumber
	for _, s := range cur.Segments {
		tol := s.Duration / misalignmentTolerance
		switch {
		case absDiff(s.Time, first.Time) <= tol:
			return n
		case s.Time > first.Time:
			if n > 1 {
				return n - 1
			}
			return n
		}
		n++
	}
	return n
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// nextStartNumber is the lowest next expected segment number of the
// representations in p.
func nextStartNumber(p *Period) uint64 {
	var next uint64
	found := false
	for _, a := range p.AdaptationSets {
		for _, r := range a.Representations {
			if r.Flags.Has(FlagIncludedStream) {
				continue
			}
			n := r.StartNumber + uint64(len(r.Segments))
			if !found || n < next {
				next, found = n, true
			}
		}
	}
	if !found {
		return 1
	}
	return next
}

// firstStartNumber is the lowest start number in p.
func firstStartNumber(p *Period) uint64 {
	var first uint64
	found := false
	for _, a := range p.AdaptationSets {
		for _, r := range a.Representations {
			if len(r.Segments) == 0 {
				continue
			}
			if n := r.Segments[0].Number; !found || n < first {
				first, found = n, true
			}
		}
	}
	return first
}
