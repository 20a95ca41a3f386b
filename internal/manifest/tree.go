package manifest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/codec"
	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/scheduler"
	"github.com/jmylchreest/abrcore/internal/urlutil"
)

// Format is the manifest dialect of a tree.
type Format int

const (
	FormatUnknown Format = iota
	FormatDASH
	FormatHLS
	FormatSmooth
)

func (f Format) String() string {
	switch f {
	case FormatDASH:
		return "dash"
	case FormatHLS:
		return "hls"
	case FormatSmooth:
		return "smooth"
	default:
		return "unknown"
	}
}

// PrepareResult is the outcome of PrepareRepresentation.
type PrepareResult int

const (
	PrepareFailure PrepareResult = iota
	// PrepareDrmChanged means the representation now uses a protection set
	// that has no session yet.
	PrepareDrmChanged
	PrepareDrmUnchanged
)

func (r PrepareResult) String() string {
	switch r {
	case PrepareDrmChanged:
		return "drm-changed"
	case PrepareDrmUnchanged:
		return "drm-unchanged"
	default:
		return "failure"
	}
}

// UpdateParamFull requests full manifest refreshes without start number
// substitution.
const UpdateParamFull = "full"

// DefaultLiveDelay is used when neither the manifest nor the options set one.
const DefaultLiveDelay = 16 * time.Second

// Options configure a Tree.
type Options struct {
	// Fetcher downloads manifests, playlists and init segments.
	Fetcher Fetcher
	// Headers are sent with every manifest and playlist request.
	Headers map[string]string
	// StreamParams is a raw query string appended to segment URLs.
	StreamParams string
	// UpdateParam is the manifest update query, e.g. "start=$START_NUMBER$",
	// or UpdateParamFull.
	UpdateParam string
	// UpdateInterval overrides the refresh interval announced by the manifest.
	UpdateInterval time.Duration
	// LiveDelay is the minimum distance kept from the live edge.
	LiveDelay time.Duration
	// KeySystem is the URN of the key system protection is resolved for.
	KeySystem string
	// Scheduler runs the live refresh job. A private one is started when nil.
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now is the wall clock used for live template segments.
	Now func() time.Time
}

// document is the result of parsing one manifest body.
type document struct {
	periods           []*Period
	live              bool
	updateInterval    time.Duration
	totalTime         time.Duration
	availabilityStart time.Time
	timeShiftBuffer   time.Duration
	liveDelay         time.Duration
	location          string
}

// format implements one manifest dialect.
type format interface {
	kind() Format
	parse(t *Tree, body []byte, manifestURL string) (*document, error)
	prepare(ctx context.Context, t *Tree, p *Period, a *AdaptationSet, r *Representation) (PrepareResult, error)
	// refresh re-fetches live state for the current period.
	refresh(ctx context.Context, t *Tree) error
	// refreshRepresentation re-fetches live state for one representation.
	refreshRepresentation(ctx context.Context, t *Tree, p *Period, a *AdaptationSet, r *Representation) error
}

// Tree is a parsed presentation. Live trees are updated in the background;
// readers traversing periods, sets or segments hold RLock.
type Tree struct {
	mu     sync.RWMutex
	opts   Options
	logger *slog.Logger
	format format

	sched    *scheduler.Scheduler
	ownSched bool
	jobName  string

	manifestURL  string
	updateURL    string
	updateParam  string
	headers      map[string]string
	etag         string
	lastModified string

	periods           []*Period
	current           int
	nextSequence      uint32
	live              bool
	updateInterval    time.Duration
	totalTime         time.Duration
	availabilityStart time.Time
	timeShiftBuffer   time.Duration
	liveDelay         time.Duration
	open              bool
}

// New returns an unopened tree.
func New(opts Options) *Tree {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tree{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "manifest")),
	}
}

// Open downloads and parses the manifest at url. Network and parse errors
// are fatal; there is no retry beyond the fetcher's own.
func (t *Tree) Open(ctx context.Context, url string, headers map[string]string) error {
	if t.opts.Fetcher == nil {
		return manifestErrorf("no fetcher configured")
	}

	manifestURL, param := urlutil.SplitUpdateParam(url)
	if param == "" {
		param = t.opts.UpdateParam
	}

	resp, err := t.download(ctx, manifestURL, headers)
	if err != nil {
		return err
	}
	effective := resp.EffectiveURL
	if effective == "" {
		effective = manifestURL
	}

	f, err := detectFormat(resp.Body)
	if err != nil {
		return err
	}
	doc, err := f.parse(t, resp.Body, effective)
	if err != nil {
		return err
	}
	if len(doc.periods) == 0 {
		return manifestErrorf("no playable periods in %s", urlutil.Origin(effective))
	}

	t.mu.Lock()
	t.format = f
	t.manifestURL = effective
	t.updateURL = effective
	if doc.location != "" {
		t.updateURL = urlutil.Resolve(effective, doc.location)
	}
	t.updateParam = param
	t.headers = headers
	t.etag = resp.Header.Get("ETag")
	t.lastModified = resp.Header.Get("Last-Modified")
	t.periods = doc.periods
	for _, p := range t.periods {
		p.Sequence = t.nextSequence
		t.nextSequence++
		sortPeriod(p)
	}
	t.current = 0
	t.applyDocument(doc)
	t.jobName = "manifest:" + effective
	t.open = true
	live := t.live
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "manifest opened",
		slog.String("format", f.kind().String()),
		slog.Int("periods", len(doc.periods)),
		slog.Bool("live", live),
	)
	if live {
		t.startRefresh()
	}
	return nil
}

// applyDocument copies presentation level values. Caller holds the write lock.
func (t *Tree) applyDocument(doc *document) {
	t.live = doc.live
	t.updateInterval = doc.updateInterval
	if t.opts.UpdateInterval > 0 {
		t.updateInterval = t.opts.UpdateInterval
	}
	if doc.totalTime > t.totalTime || !doc.live {
		t.totalTime = doc.totalTime
	}
	t.availabilityStart = doc.availabilityStart
	t.timeShiftBuffer = doc.timeShiftBuffer
	t.liveDelay = doc.liveDelay
	if doc.location != "" {
		t.updateURL = urlutil.Resolve(t.manifestURL, doc.location)
	}
}

// detectFormat sniffs the manifest dialect from the body.
func detectFormat(body []byte) (format, error) {
	head := bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	head = bytes.TrimSpace(head)
	if len(head) > 4096 {
		head = head[:4096]
	}
	switch {
	case bytes.HasPrefix(head, []byte("#EXTM3U")):
		return &hlsFormat{}, nil
	case bytes.Contains(head, []byte("<MPD")):
		return &dashFormat{}, nil
	case bytes.Contains(head, []byte("<SmoothStreamingMedia")):
		return &smoothFormat{}, nil
	}
	return nil, ErrUnsupportedFormat
}

// sortPeriod orders sets by media type and representations by bandwidth.
func sortPeriod(p *Period) {
	rank := func(a *AdaptationSet) int {
		switch a.Type {
		case StreamVideo, StreamVideoAudio:
			return 0
		case StreamAudio:
			return 1
		case StreamSubtitle:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(p.AdaptationSets, func(i, j int) bool {
		return rank(p.AdaptationSets[i]) < rank(p.AdaptationSets[j])
	})
	for _, a := range p.AdaptationSets {
		sort.SliceStable(a.Representations, func(i, j int) bool {
			return a.Representations[i].Bandwidth < a.Representations[j].Bandwidth
		})
	}
	p.reindex()
}

// RLock locks the tree for reading.
func (t *Tree) RLock() { t.mu.RLock() }

// RUnlock undoes one RLock.
func (t *Tree) RUnlock() { t.mu.RUnlock() }

// Lock locks the tree for writing, e.g. while representations are filtered
// out of a period. Tree methods must not be called while it is held.
func (t *Tree) Lock() { t.mu.Lock() }

// Unlock undoes Lock.
func (t *Tree) Unlock() { t.mu.Unlock() }

// Format returns the manifest dialect.
func (t *Tree) Format() Format {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.format == nil {
		return FormatUnknown
	}
	return t.format.kind()
}

// Periods returns the periods. The slice may grow during live refreshes;
// hold RLock while traversing it.
func (t *Tree) Periods() []*Period {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.periods
}

// CurrentPeriodIndex returns the index of the period being played.
func (t *Tree) CurrentPeriodIndex() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// CurrentPeriod returns the period being played.
func (t *Tree) CurrentPeriod() *Period {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current < 0 || t.current >= len(t.periods) {
		return nil
	}
	return t.periods[t.current]
}

// SetCurrentPeriod switches the period being played.
func (t *Tree) SetCurrentPeriod(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.periods) {
		return fmt.Errorf("%w: period %d out of range", ErrManifest, i)
	}
	t.current = i
	return nil
}

// IsLive reports whether the presentation is still being extended.
func (t *Tree) IsLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// TotalTime returns the presentation duration.
func (t *Tree) TotalTime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalTime
}

// LiveDelay returns the distance playback keeps from the live edge.
func (t *Tree) LiveDelay() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := max(t.liveDelay, t.opts.LiveDelay)
	if d == 0 {
		d = DefaultLiveDelay
	}
	return d
}

// UpdateInterval returns the live refresh interval.
func (t *Tree) UpdateInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updateInterval
}

// ManifestURL returns the effective manifest URL after redirects.
func (t *Tree) ManifestURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.manifestURL
}

// AvailabilityStart returns the DASH availability start time of a live tree.
func (t *Tree) AvailabilityStart() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availabilityStart
}

// PrepareRepresentation resolves the segments and initialization data of
// r, downloading a media playlist or synthesizing an init segment where
// the dialect needs it.
func (t *Tree) PrepareRepresentation(ctx context.Context, p *Period, a *AdaptationSet, r *Representation) (PrepareResult, error) {
	t.mu.RLock()
	f, open := t.format, t.open
	t.mu.RUnlock()
	if !open {
		return PrepareFailure, ErrNotOpen
	}
	res, err := f.prepare(ctx, t, p, a, r)
	if err != nil {
		t.logger.WarnContext(ctx, "preparing representation failed",
			slog.String("representation", r.ID),
			slog.Any("error", err))
		return PrepareFailure, err
	}
	return res, nil
}

// RefreshSegments brings the segments of r up to date for live content.
// Failures leave the tree untouched and are only logged.
func (t *Tree) RefreshSegments(ctx context.Context, p *Period, a *AdaptationSet, r *Representation) {
	t.mu.RLock()
	f, open, live, name := t.format, t.open, t.live, t.jobName
	t.mu.RUnlock()
	if !open || !live {
		return
	}

	key := name
	if f.kind() == FormatHLS {
		key = "playlist:" + r.SourceURL
	}
	err := t.scheduler().RunNow(ctx, key, func(ctx context.Context) error {
		return f.refreshRepresentation(ctx, t, p, a, r)
	})
	t.opts.Metrics.IncManifestRefresh()
	if err != nil {
		t.opts.Metrics.IncManifestRefreshError()
		t.logger.WarnContext(ctx, "segment refresh failed",
			slog.String("representation", r.ID),
			slog.Any("error", err))
	}
}

// SetFragmentDuration records the timing of a fragment seen by a reader.
// For a live representation whose cursor is on the last segment, the next
// segment is appended from the fragment's end time. fragmentTime and
// fragmentDuration are in movieTimescale units.
func (t *Tree) SetFragmentDuration(r *Representation, fragmentTime, fragmentDuration uint64, movieTimescale uint32) {
	if movieTimescale == 0 || fragmentDuration == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live || r.Current < 0 || r.Current != len(r.Segments)-1 {
		return
	}

	scale := func(v uint64) uint64 {
		if movieTimescale == r.Timescale {
			return v
		}
		return uint64(float64(v) * float64(r.Timescale) / float64(movieTimescale))
	}
	last := r.Segments[len(r.Segments)-1]
	if last.Duration == 0 {
		last.Duration = scale(fragmentDuration)
		r.Segments[len(r.Segments)-1] = last
	}
	next := Segment{
		RangeBegin: NoRange,
		RangeEnd:   NoRange,
		Time:       scale(fragmentTime) + scale(fragmentDuration),
		Duration:   scale(fragmentDuration),
		Number:     last.Number + 1,
		PSSHSet:    last.PSSHSet,
	}
	if next.Time <= last.Time {
		return
	}
	next.StartPTS = last.StartPTS + (next.Time - last.Time)

	// Smooth quality levels of a stream share one timeline.
	reps := []*Representation{r}
	if t.format != nil && t.format.kind() == FormatSmooth {
		if a := t.adaptationSetOf(r); a != nil {
			reps = a.Representations
		}
	}
	for _, rep := range reps {
		if rep != r && (len(rep.Segments) == 0 || rep.Segments[len(rep.Segments)-1].Number != last.Number) {
			continue
		}
		rep.Segments = append(rep.Segments, next)
		rep.Flags &^= FlagWaitForSegment
		if rep.Current > 0 {
			rep.Segments = append(rep.Segments[:0:0], rep.Segments[1:]...)
			rep.Current--
			rep.StartNumber++
		}
	}
}

// AdvanceSegment moves the cursor of r to the next segment and returns it.
// At the end of a live representation the representation is flagged as
// waiting for a segment and ok is false.
func (t *Tree) AdvanceSegment(r *Representation) (seg Segment, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := r.Current + 1
	if i < 0 || i >= len(r.Segments) {
		if t.live {
			r.Flags |= FlagWaitForSegment
		}
		return Segment{}, false
	}
	r.Current = i
	r.Flags &^= FlagWaitForSegment
	return r.Segments[i], true
}

// SeekSegment positions the cursor of r so that the next AdvanceSegment
// returns the segment containing pts, in r's timescale. When preceding is
// false and pts falls in the second half of a segment, the following
// segment is used. It returns false when r has no segments.
func (t *Tree) SeekSegment(r *Representation, pts uint64, preceding bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(r.Segments) == 0 {
		return false
	}
	idx := max(r.SegmentIndexForPTS(pts), 0)
	if !preceding && idx+1 < len(r.Segments) {
		s := r.Segments[idx]
		if pts > s.StartPTS && pts-s.StartPTS > s.Duration/2 {
			idx++
		}
	}
	r.Current = idx - 1
	r.Flags &^= FlagWaitForSegment
	return true
}

// WaitingForSegment reports whether a live representation played all of
// its segments and waits for the next refresh.
func (t *Tree) WaitingForSegment(r *Representation) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return r.Flags.Has(FlagWaitForSegment)
}

// MaxTime returns the end of the last segment of r relative to its period.
func (t *Tree) MaxTime(r *Representation) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r.Timescale == 0 {
		return 0
	}
	return time.Duration(float64(r.NextPTS()) / float64(r.Timescale) * float64(time.Second))
}

// adaptationSetOf finds the set owning r in the current period. Caller
// holds the lock.
func (t *Tree) adaptationSetOf(r *Representation) *AdaptationSet {
	if t.current >= len(t.periods) {
		return nil
	}
	p := t.periods[t.current]
	if r.AdaptationSetIndex < len(p.AdaptationSets) {
		a := p.AdaptationSets[r.AdaptationSetIndex]
		for _, rep := range a.Representations {
			if rep == r {
				return a
			}
		}
	}
	return nil
}

// SegmentURL returns the download URL of seg.
func (t *Tree) SegmentURL(r *Representation, seg Segment) string {
	var u string
	switch {
	case seg.URL != "":
		u = urlutil.Resolve(r.BaseURL, seg.URL)
	case r.Template.Media != "":
		u = urlutil.Resolve(r.BaseURL, FormatURL(r.Template.Media, TemplateVars{
			RepresentationID: r.ID,
			Number:           seg.Number,
			Time:             seg.Time,
			Bandwidth:        r.Bandwidth,
		}))
	default:
		u = r.BaseURL
	}
	return urlutil.AppendParams(u, t.opts.StreamParams)
}

// InitURL returns the URL of the initialization segment of r, if it has one.
func (t *Tree) InitURL(r *Representation) (string, bool) {
	var u string
	switch {
	case r.Initialization.URL != "":
		u = urlutil.Resolve(r.BaseURL, r.Initialization.URL)
	case r.Template.Initialization != "":
		u = urlutil.Resolve(r.BaseURL, FormatURL(r.Template.Initialization, TemplateVars{
			RepresentationID: r.ID,
			Number:           r.StartNumber,
			Bandwidth:        r.Bandwidth,
		}))
	case r.Flags.Has(FlagInitialization) && r.Initialization.HasRange():
		u = r.BaseURL
	default:
		return "", false
	}
	return urlutil.AppendParams(u, t.opts.StreamParams), true
}

// Close stops live refreshes.
func (t *Tree) Close() {
	t.mu.Lock()
	name, open := t.jobName, t.open
	t.open = false
	t.mu.Unlock()
	if !open || t.sched == nil {
		return
	}
	t.sched.Remove(name)
	if t.ownSched {
		t.sched.Stop()
	}
}

func (t *Tree) scheduler() *scheduler.Scheduler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sched == nil {
		if t.opts.Scheduler != nil {
			t.sched = t.opts.Scheduler
		} else {
			t.sched = scheduler.New().WithLogger(t.opts.Logger)
			t.ownSched = true
		}
	}
	return t.sched
}

// startRefresh schedules the live refresh job.
func (t *Tree) startRefresh() {
	t.mu.RLock()
	interval, name := t.updateInterval, t.jobName
	t.mu.RUnlock()
	if interval <= 0 {
		return
	}

	s := t.scheduler()
	if s.Scheduled(name) {
		return
	}
	if !s.Running() {
		if err := s.Start(context.Background()); err != nil {
			t.logger.Warn("starting refresh scheduler failed", slog.Any("error", err))
			return
		}
	}
	if err := s.Every(name, interval, t.refreshJob); err != nil {
		t.logger.Warn("scheduling manifest refresh failed", slog.Any("error", err))
	}
}

// stopRefresh removes the refresh job once a presentation ended.
func (t *Tree) stopRefresh() {
	t.mu.RLock()
	name := t.jobName
	t.mu.RUnlock()
	if t.sched != nil {
		t.sched.Remove(name)
	}
}

func (t *Tree) refreshJob(ctx context.Context) error {
	t.mu.RLock()
	f, open := t.format, t.open
	t.mu.RUnlock()
	if !open {
		return nil
	}
	t.opts.Metrics.IncManifestRefresh()
	if err := f.refresh(ctx, t); err != nil {
		t.opts.Metrics.IncManifestRefreshError()
		return err
	}
	if !t.IsLive() {
		t.logger.Info("live presentation ended")
		t.stopRefresh()
	}
	return nil
}

// codecFamily returns the canonical codec name for the first codec
// string, e.g. "avc" for "avc1.64001f".
func codecFamily(codecs []string) string {
	return string(codec.FamilyOf(codecs))
}
