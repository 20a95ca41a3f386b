package manifest

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"log/slog"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/abrcore/internal/codec"
	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/urlutil"
	"github.com/jmylchreest/abrcore/pkg/duration"
)

// maxTimelineSegments bounds the expansion of open ended timelines.
const maxTimelineSegments = 1 << 18

const (
	schemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"
	schemeRole          = "urn:mpeg:dash:role:2011"
	schemeAudioPurpose  = "urn:tva:metadata:cs:audiopurposecs:2007"
	schemeSwitching     = "urn:mpeg:dash:adaptation-set-switching:2016"
)

// mpdXML is the root element of a Media Presentation Description.
type mpdXML struct {
	XMLName                    xml.Name    `xml:"MPD"`
	Type                       string      `xml:"type,attr"`
	MediaPresentationDuration  string      `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod        string      `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth       string      `xml:"timeShiftBufferDepth,attr"`
	SuggestedPresentationDelay string      `xml:"suggestedPresentationDelay,attr"`
	AvailabilityStartTime      string      `xml:"availabilityStartTime,attr"`
	PublishTime                string      `xml:"publishTime,attr"`
	BaseURLs                   []string    `xml:"BaseURL"`
	Location                   string      `xml:"Location"`
	Periods                    []periodXML `xml:"Period"`
}

type periodXML struct {
	ID              string              `xml:"id,attr"`
	Start           string              `xml:"start,attr"`
	Duration        string              `xml:"duration,attr"`
	BaseURLs        []string            `xml:"BaseURL"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
	SegmentList     *segmentListXML     `xml:"SegmentList"`
	SegmentBase     *segmentBaseXML     `xml:"SegmentBase"`
	AdaptationSets  []adaptationSetXML  `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	ID                        string                  `xml:"id,attr"`
	Group                     string                  `xml:"group,attr"`
	ContentType               string                  `xml:"contentType,attr"`
	MimeType                  string                  `xml:"mimeType,attr"`
	Lang                      string                  `xml:"lang,attr"`
	Codecs                    string                  `xml:"codecs,attr"`
	Label                     string                  `xml:"label,attr"`
	Width                     int                     `xml:"width,attr"`
	Height                    int                     `xml:"height,attr"`
	FrameRate                 string                  `xml:"frameRate,attr"`
	AudioSamplingRate         string                  `xml:"audioSamplingRate,attr"`
	Labels                    []string                `xml:"Label"`
	BaseURLs                  []string                `xml:"BaseURL"`
	Roles                     []descriptorXML         `xml:"Role"`
	Accessibility             []descriptorXML         `xml:"Accessibility"`
	SupplementalProperties    []descriptorXML         `xml:"SupplementalProperty"`
	EssentialProperties       []descriptorXML         `xml:"EssentialProperty"`
	AudioChannelConfiguration []descriptorXML         `xml:"AudioChannelConfiguration"`
	ContentProtection         []contentProtectionXML  `xml:"ContentProtection"`
	SegmentTemplate           *segmentTemplateXML     `xml:"SegmentTemplate"`
	SegmentList               *segmentListXML         `xml:"SegmentList"`
	SegmentBase               *segmentBaseXML         `xml:"SegmentBase"`
	Representations           []representationXML     `xml:"Representation"`
}

type representationXML struct {
	ID                        string                 `xml:"id,attr"`
	Bandwidth                 uint32                 `xml:"bandwidth,attr"`
	Codecs                    string                 `xml:"codecs,attr"`
	MimeType                  string                 `xml:"mimeType,attr"`
	Width                     int                    `xml:"width,attr"`
	Height                    int                    `xml:"height,attr"`
	FrameRate                 string                 `xml:"frameRate,attr"`
	AudioSamplingRate         string                 `xml:"audioSamplingRate,attr"`
	HDCP                      string                 `xml:"hdcp,attr"`
	BaseURLs                  []string               `xml:"BaseURL"`
	AudioChannelConfiguration []descriptorXML        `xml:"AudioChannelConfiguration"`
	ContentProtection         []contentProtectionXML `xml:"ContentProtection"`
	SegmentTemplate           *segmentTemplateXML    `xml:"SegmentTemplate"`
	SegmentList               *segmentListXML        `xml:"SegmentList"`
	SegmentBase               *segmentBaseXML        `xml:"SegmentBase"`
}

type descriptorXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// contentProtectionXML matches namespaced children by local name:
// cenc:pssh, mspr:pro and the dashif/clearkey Laurl.
type contentProtectionXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	PSSH        string `xml:"pssh"`
	Pro         string `xml:"pro"`
	Laurl       string `xml:"Laurl"`
	LaurlLower  string `xml:"laurl"`
}

type segmentTemplateXML struct {
	Media                  string              `xml:"media,attr"`
	Initialization         string              `xml:"initialization,attr"`
	Timescale              *uint64             `xml:"timescale,attr"`
	Duration               *uint64             `xml:"duration,attr"`
	StartNumber            *uint64             `xml:"startNumber,attr"`
	PresentationTimeOffset *uint64             `xml:"presentationTimeOffset,attr"`
	Timeline               *segmentTimelineXML `xml:"SegmentTimeline"`
}

type segmentTimelineXML struct {
	S []timelineEntryXML `xml:"S"`
}

type timelineEntryXML struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int64   `xml:"r,attr"`
}

type segmentListXML struct {
	Timescale      *uint64         `xml:"timescale,attr"`
	Duration       *uint64         `xml:"duration,attr"`
	StartNumber    *uint64         `xml:"startNumber,attr"`
	Initialization *urlXML         `xml:"Initialization"`
	SegmentURLs    []segmentURLXML `xml:"SegmentURL"`
}

type segmentBaseXML struct {
	Timescale      *uint64 `xml:"timescale,attr"`
	IndexRange     string  `xml:"indexRange,attr"`
	Initialization *urlXML `xml:"Initialization"`
}

type urlXML struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

type segmentURLXML struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}

// inherit fills unset fields of t from parent.
func (t *segmentTemplateXML) inherit(parent *segmentTemplateXML) *segmentTemplateXML {
	if t == nil {
		return parent
	}
	if parent == nil {
		return t
	}
	c := *t
	if c.Media == "" {
		c.Media = parent.Media
	}
	if c.Initialization == "" {
		c.Initialization = parent.Initialization
	}
	if c.Timescale == nil {
		c.Timescale = parent.Timescale
	}
	if c.Duration == nil {
		c.Duration = parent.Duration
	}
	if c.StartNumber == nil {
		c.StartNumber = parent.StartNumber
	}
	if c.PresentationTimeOffset == nil {
		c.PresentationTimeOffset = parent.PresentationTimeOffset
	}
	if c.Timeline == nil {
		c.Timeline = parent.Timeline
	}
	return &c
}

func (l *segmentListXML) inherit(parent *segmentListXML) *segmentListXML {
	if l == nil {
		return parent
	}
	if parent == nil {
		return l
	}
	c := *l
	if c.Timescale == nil {
		c.Timescale = parent.Timescale
	}
	if c.Duration == nil {
		c.Duration = parent.Duration
	}
	if c.StartNumber == nil {
		c.StartNumber = parent.StartNumber
	}
	if c.Initialization == nil {
		c.Initialization = parent.Initialization
	}
	return &c
}

func firstOf(ptrs ...*segmentBaseXML) *segmentBaseXML {
	for _, p := range ptrs {
		if p != nil {
			return p
		}
	}
	return nil
}

func valueOr(p *uint64, def uint64) uint64 {
	if p == nil {
		return def
	}
	return *p
}

// dashFormat parses MPEG-DASH MPDs.
type dashFormat struct{}

func (dashFormat) kind() Format { return FormatDASH }

// dashContext carries presentation wide values while a period is parsed.
type dashContext struct {
	t                 *Tree
	doc               *document
	now               time.Time
	periodStart       time.Duration
	periodDuration    time.Duration
	availabilityStart time.Time
}

func (f *dashFormat) parse(t *Tree, body []byte, manifestURL string) (*document, error) {
	var mpd mpdXML
	if err := xml.Unmarshal(body, &mpd); err != nil {
		return nil, manifestErrorf("decoding MPD: %v", err)
	}

	dur := func(name, s string) time.Duration {
		if s == "" {
			return 0
		}
		d, err := duration.ParseISO8601(s)
		if err != nil {
			t.logger.Warn("ignoring invalid MPD duration", slog.String("attribute", name), slog.String("value", s))
			return 0
		}
		return d
	}

	doc := &document{
		live:      strings.EqualFold(mpd.Type, "dynamic"),
		totalTime: dur("mediaPresentationDuration", mpd.MediaPresentationDuration),
		location:  strings.TrimSpace(mpd.Location),
	}
	ctx := &dashContext{t: t, doc: doc, now: t.opts.Now()}
	if doc.live {
		doc.updateInterval = dur("minimumUpdatePeriod", mpd.MinimumUpdatePeriod)
		doc.timeShiftBuffer = dur("timeShiftBufferDepth", mpd.TimeShiftBufferDepth)
		doc.liveDelay = dur("suggestedPresentationDelay", mpd.SuggestedPresentationDelay)
		if mpd.AvailabilityStartTime != "" {
			ast, err := parseDateTime(mpd.AvailabilityStartTime)
			if err != nil {
				return nil, manifestErrorf("availabilityStartTime %q: %v", mpd.AvailabilityStartTime, err)
			}
			doc.availabilityStart = ast
			ctx.availabilityStart = ast
		}
	}

	base := manifestURL
	if len(mpd.BaseURLs) > 0 {
		base = urlutil.Resolve(manifestURL, strings.TrimSpace(mpd.BaseURLs[0]))
	}

	var next time.Duration
	for i := range mpd.Periods {
		px := &mpd.Periods[i]
		start := next
		if px.Start != "" {
			start = dur("start", px.Start)
		}
		pdur := dur("duration", px.Duration)
		if pdur == 0 {
			switch {
			case i+1 < len(mpd.Periods) && mpd.Periods[i+1].Start != "":
				pdur = dur("start", mpd.Periods[i+1].Start) - start
			case doc.totalTime > start:
				pdur = doc.totalTime - start
			}
		}
		ctx.periodStart, ctx.periodDuration = start, pdur

		p := NewPeriod()
		p.ID = px.ID
		p.Start = uint64(start.Milliseconds())
		p.Duration = uint64(pdur.Milliseconds())
		p.BaseURL = resolveBaseURL(base, px.BaseURLs)
		for j := range px.AdaptationSets {
			if a := f.parseAdaptationSet(ctx, p, px, &px.AdaptationSets[j]); a != nil {
				p.AdaptationSets = append(p.AdaptationSets, a)
			}
		}
		if len(p.AdaptationSets) == 0 {
			t.logger.Debug("dropping period without adaptation sets", slog.String("period", px.ID))
			next = start + pdur
			continue
		}
		p.reindex()
		doc.periods = append(doc.periods, p)
		next = start + pdur
	}

	if doc.totalTime == 0 {
		doc.totalTime = presentationEnd(doc.periods)
	}
	return doc, nil
}

func resolveBaseURL(parent string, urls []string) string {
	if len(urls) == 0 {
		return parent
	}
	return urlutil.Resolve(parent, strings.TrimSpace(urls[0]))
}

// parseDateTime parses an xs:dateTime, with or without a zone.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", s)
}

// presentationEnd is the end of the last segment of the last period.
func presentationEnd(periods []*Period) time.Duration {
	if len(periods) == 0 {
		return 0
	}
	p := periods[len(periods)-1]
	var end time.Duration
	for _, a := range p.AdaptationSets {
		for _, r := range a.Representations {
			if r.Timescale == 0 || len(r.Segments) == 0 {
				continue
			}
			d := time.Duration(float64(r.NextPTS()) / float64(r.Timescale) * float64(time.Second))
			end = max(end, d)
		}
	}
	return time.Duration(p.Start)*time.Millisecond + end
}

func (f *dashFormat) parseAdaptationSet(ctx *dashContext, p *Period, px *periodXML, ax *adaptationSetXML) *AdaptationSet {
	a := &AdaptationSet{
		ID:       ax.ID,
		Group:    ax.Group,
		MimeType: ax.MimeType,
		Language: ax.Lang,
		Name:     ax.Label,
		Codecs:   splitCodecs(ax.Codecs),
		BaseURL:  resolveBaseURL(p.BaseURL, ax.BaseURLs),
	}
	if a.Name == "" && len(ax.Labels) > 0 {
		a.Name = strings.TrimSpace(ax.Labels[0])
	}
	a.Type = ParseStreamType(ax.ContentType)
	if a.Type == StreamNoType {
		a.Type = ParseStreamType(ax.MimeType)
	}
	if a.Type == StreamNoType && len(ax.Representations) > 0 {
		rx := ax.Representations[0]
		a.Type = ParseStreamType(rx.MimeType)
		if a.Type == StreamNoType {
			a.Type = typeFromCodecs(splitCodecs(rx.Codecs))
		}
	}
	if a.Type == StreamNoType {
		a.Type = typeFromCodecs(a.Codecs)
	}
	applyRoles(a, ax)

	tpl := ax.SegmentTemplate.inherit(px.SegmentTemplate)
	list := ax.SegmentList.inherit(px.SegmentList)
	setProt := f.protection(ctx.t, ax.ContentProtection, a.Type)

	for i := range ax.Representations {
		rx := &ax.Representations[i]
		r := f.parseRepresentation(ctx, p, a, ax, rx, tpl, list, firstOf(rx.SegmentBase, ax.SegmentBase, px.SegmentBase))
		if r == nil {
			continue
		}

		prot := setProt
		if len(rx.ContentProtection) > 0 {
			prot = f.protection(ctx.t, rx.ContentProtection, a.Type)
		}
		switch {
		case !prot.encrypted:
			r.PSSHSet = p.InsertPSSHSet(nil)
		case !prot.supported:
			p.Encryption = EncryptionNotSupported
			r.PSSHSet = p.InsertPSSHSet(nil)
		default:
			if p.Encryption == Unencrypted {
				p.Encryption = EncryptedDRM
			}
			r.PSSHSet = p.InsertPSSHSet(prot.set)
		}
		r.AdaptationSetIndex = len(p.AdaptationSets)
		a.Representations = append(a.Representations, r)
	}
	if len(a.Representations) == 0 {
		return nil
	}
	if len(a.Codecs) == 0 {
		a.Codecs = a.Representations[0].Codecs
	}
	return a
}

func applyRoles(a *AdaptationSet, ax *adaptationSetXML) {
	for _, d := range ax.Roles {
		if !strings.EqualFold(d.SchemeIDURI, schemeRole) {
			continue
		}
		switch strings.ToLower(d.Value) {
		case "main":
			a.Default = true
		case "forced-subtitle", "forced_subtitle", "forced":
			a.Forced = true
		case "caption", "description":
			a.Impaired = true
		}
	}
	for _, d := range ax.Accessibility {
		scheme := strings.ToLower(d.SchemeIDURI)
		switch {
		case scheme == schemeAudioPurpose && (d.Value == "1" || d.Value == "2"):
			a.Impaired = true
		case scheme == schemeRole && (d.Value == "caption" || d.Value == "description"):
			a.Impaired = true
		}
	}
	for _, d := range ax.SupplementalProperties {
		if strings.EqualFold(d.SchemeIDURI, schemeSwitching) {
			for _, id := range strings.Split(d.Value, ",") {
				if id = strings.TrimSpace(id); id != "" {
					a.SwitchingIDs = append(a.SwitchingIDs, id)
				}
			}
		}
	}
}

func (f *dashFormat) parseRepresentation(ctx *dashContext, p *Period, a *AdaptationSet, ax *adaptationSetXML, rx *representationXML,
	setTpl *segmentTemplateXML, setList *segmentListXML, base *segmentBaseXML) *Representation {
	r := NewRepresentation()
	r.ID = rx.ID
	r.Bandwidth = rx.Bandwidth
	r.Codecs = splitCodecs(rx.Codecs)
	if len(r.Codecs) == 0 {
		r.Codecs = splitCodecs(ax.Codecs)
	}
	r.Width, r.Height = rx.Width, rx.Height
	if r.Width == 0 && r.Height == 0 {
		r.Width, r.Height = ax.Width, ax.Height
	}
	r.FrameRate = parseFrameRate(rx.FrameRate)
	if r.FrameRate == 0 {
		r.FrameRate = parseFrameRate(ax.FrameRate)
	}
	r.SampleRate = atoi(rx.AudioSamplingRate)
	if r.SampleRate == 0 {
		r.SampleRate = atoi(ax.AudioSamplingRate)
	}
	r.HDCPVersion = parseHDCPVersion(rx.HDCP)
	r.Channels = parseChannels(rx.AudioChannelConfiguration)
	if r.Channels == 0 {
		r.Channels = parseChannels(ax.AudioChannelConfiguration)
	}
	mime := rx.MimeType
	if mime == "" {
		mime = ax.MimeType
	}
	r.Container = containerFromMime(mime)
	r.BaseURL = resolveBaseURL(a.BaseURL, rx.BaseURLs)

	tpl := rx.SegmentTemplate.inherit(setTpl)
	list := rx.SegmentList.inherit(setList)
	switch {
	case tpl != nil && (tpl.Media != "" || tpl.Timeline != nil):
		f.templateSegments(ctx, p, r, tpl)
	case list != nil && len(list.SegmentURLs) > 0:
		f.listSegments(p, r, list)
	default:
		f.baseSegments(p, r, base)
	}
	if len(r.Segments) == 0 && !ctx.doc.live {
		ctx.t.logger.Debug("dropping representation without segments", slog.String("representation", r.ID))
		return nil
	}
	return r
}

// templateSegments expands a SegmentTemplate into segments, either from its
// timeline or, without one, from the period duration or the wall clock.
func (f *dashFormat) templateSegments(ctx *dashContext, p *Period, r *Representation, tpl *segmentTemplateXML) {
	ts := valueOr(tpl.Timescale, 1)
	if ts == 0 {
		ts = 1
	}
	r.Timescale = uint32(ts)
	r.StartNumber = valueOr(tpl.StartNumber, 1)
	r.Template = SegmentTemplate{
		Initialization:         tpl.Initialization,
		Media:                  tpl.Media,
		Timescale:              uint32(ts),
		Duration:               valueOr(tpl.Duration, 0),
		StartNumber:            r.StartNumber,
		PresentationTimeOffset: valueOr(tpl.PresentationTimeOffset, 0),
	}
	r.Flags |= FlagTemplate
	if tpl.Initialization != "" {
		r.Flags |= FlagInitialization
	}
	pto := r.Template.PresentationTimeOffset

	if tpl.Timeline != nil && len(tpl.Timeline.S) > 0 {
		r.Flags |= FlagSegmentTimeline
		var end uint64
		switch {
		case ctx.periodDuration > 0:
			end = pto + uint64(ctx.periodDuration.Seconds()*float64(ts))
		case ctx.doc.live && !ctx.availabilityStart.IsZero():
			end = pto + uint64(ctx.elapsed().Seconds()*float64(ts))
		}
		r.Segments = timelineSegments(tpl.Timeline.S, pto, r.StartNumber, end)
		return
	}

	dur := r.Template.Duration
	if dur == 0 {
		return
	}
	first, last := r.StartNumber, r.StartNumber
	if ctx.doc.live && !ctx.availabilityStart.IsZero() {
		elapsed := ctx.elapsed()
		if elapsed < 0 {
			return
		}
		last = r.StartNumber + uint64(elapsed.Seconds()*float64(ts))/dur
		window := uint64(1)
		if ctx.doc.timeShiftBuffer > 0 {
			window = max(1, uint64(math.Ceil(ctx.doc.timeShiftBuffer.Seconds()*float64(ts)/float64(dur))))
		}
		if last+1 > first+window {
			first = last + 1 - window
		}
	} else {
		total := uint64(math.Ceil(ctx.periodDuration.Seconds() * float64(ts) / float64(dur)))
		if total == 0 {
			return
		}
		last = r.StartNumber + total - 1
	}

	r.StartNumber = first
	r.Segments = make([]Segment, 0, last-first+1)
	for n := first; n <= last; n++ {
		offset := (n - r.Template.StartNumber) * dur
		r.Segments = append(r.Segments, Segment{
			RangeBegin: NoRange,
			RangeEnd:   NoRange,
			StartPTS:   offset,
			Duration:   dur,
			Number:     n,
			Time:       offset + pto,
		})
	}
}

// elapsed is the wall clock time since the start of the current period.
func (c *dashContext) elapsed() time.Duration {
	return c.now.Sub(c.availabilityStart) - c.periodStart
}

// timelineSegments expands S elements. A negative repeat count fills up to
// the next S@t, or to end when it is the last entry.
func timelineSegments(entries []timelineEntryXML, pto, startNumber, end uint64) []Segment {
	var out []Segment
	var t uint64
	n := startNumber
	for i, s := range entries {
		if s.T != nil {
			t = *s.T
		}
		if s.D == 0 {
			continue
		}
		repeat := s.R
		if repeat < 0 {
			limit := end
			if i+1 < len(entries) && entries[i+1].T != nil {
				limit = *entries[i+1].T
			}
			repeat = 0
			if limit > t {
				repeat = int64((limit-t+s.D-1)/s.D) - 1
			}
		}
		for k := int64(0); k <= repeat && len(out) < maxTimelineSegments; k++ {
			var pts uint64
			if t > pto {
				pts = t - pto
			}
			out = append(out, Segment{
				RangeBegin: NoRange,
				RangeEnd:   NoRange,
				StartPTS:   pts,
				Duration:   s.D,
				Number:     n,
				Time:       t,
			})
			t += s.D
			n++
		}
	}
	return out
}

func (f *dashFormat) listSegments(p *Period, r *Representation, list *segmentListXML) {
	ts := valueOr(list.Timescale, 1)
	if ts == 0 {
		ts = 1
	}
	r.Timescale = uint32(ts)
	r.StartNumber = valueOr(list.StartNumber, 1)
	r.Flags |= FlagURLSegments
	if init := list.Initialization; init != nil {
		r.Initialization = Segment{URL: init.SourceURL, RangeBegin: NoRange, RangeEnd: NoRange}
		r.Initialization.RangeBegin, r.Initialization.RangeEnd = parseRange(init.Range)
		r.Flags |= FlagInitialization
	}

	dur := valueOr(list.Duration, 0)
	if dur == 0 && len(list.SegmentURLs) > 0 {
		dur = uint64(float64(p.Duration) / 1000 * float64(ts) / float64(len(list.SegmentURLs)))
	}
	var pts uint64
	for i, su := range list.SegmentURLs {
		seg := Segment{
			URL:      su.Media,
			StartPTS: pts,
			Duration: dur,
			Number:   r.StartNumber + uint64(i),
			Time:     pts,
		}
		seg.RangeBegin, seg.RangeEnd = parseRange(su.MediaRange)
		r.Segments = append(r.Segments, seg)
		pts += dur
	}
}

// baseSegments covers SegmentBase and plain BaseURL representations: one
// segment spanning the whole resource.
func (f *dashFormat) baseSegments(p *Period, r *Representation, base *segmentBaseXML) {
	ts := uint64(1000)
	if base != nil {
		if v := valueOr(base.Timescale, 0); v > 0 {
			ts = v
		}
		if init := base.Initialization; init != nil {
			r.Initialization = Segment{URL: init.SourceURL, RangeBegin: NoRange, RangeEnd: NoRange}
			r.Initialization.RangeBegin, r.Initialization.RangeEnd = parseRange(init.Range)
			r.Flags |= FlagInitialization
		}
	}
	r.Timescale = uint32(ts)
	r.Segments = []Segment{{
		RangeBegin: NoRange,
		RangeEnd:   NoRange,
		Duration:   uint64(float64(p.Duration) / 1000 * float64(ts)),
		Number:     1,
	}}
}

// dashProtection is the resolved ContentProtection of a set or representation.
type dashProtection struct {
	encrypted bool
	supported bool
	set       *PSSHSet
}

// protection resolves ContentProtection elements against the configured
// key system. An mp4protection element alone is supported: the init data
// then comes from the initialization segment.
func (f *dashFormat) protection(t *Tree, cps []contentProtectionXML, media StreamType) dashProtection {
	if len(cps) == 0 {
		return dashProtection{}
	}
	prot := dashProtection{encrypted: true}
	set := &PSSHSet{Media: media}
	keySystem := strings.ToLower(t.opts.KeySystem)
	generic := false

	for _, cp := range cps {
		scheme := strings.ToLower(strings.TrimSpace(cp.SchemeIDURI))
		switch {
		case scheme == schemeMP4Protection:
			generic = true
			if m := drm.ParseCryptoMode(cp.Value); m != drm.CryptoModeNone {
				set.CryptoMode = m
			}
			setDefaultKID(t, set, cp.DefaultKID)

		case keySystem != "" && (scheme == keySystem || (keySystem == drm.URNClearKey && scheme == drm.URNCommon)):
			prot.supported = true
			setDefaultKID(t, set, cp.DefaultKID)
			if pssh := strings.TrimSpace(cp.PSSH); pssh != "" {
				if data, err := base64.StdEncoding.DecodeString(pssh); err == nil {
					set.InitData = data
				} else {
					t.logger.Warn("ignoring undecodable cenc:pssh", slog.Any("error", err))
				}
			}
			if cp.Pro != "" {
				hdr, err := drm.ParseWRMHeaderBase64(cp.Pro)
				if err != nil {
					t.logger.Warn("ignoring invalid mspr:pro", slog.Any("error", err))
				} else {
					if len(set.InitData) == 0 {
						set.InitData = hdr.Object
					}
					if len(set.DefaultKID) == 0 {
						set.DefaultKID = hdr.KeyID
					}
					if set.LicenseURL == "" {
						set.LicenseURL = hdr.LicenseURL
					}
					if set.CryptoMode == drm.CryptoModeNone {
						set.CryptoMode = hdr.CryptoMode
					}
				}
			}
			if u := strings.TrimSpace(cp.Laurl + cp.LaurlLower); u != "" {
				set.LicenseURL = u
			}
		}
	}
	if !prot.supported && generic && keySystem != "" {
		prot.supported = true
	}
	if set.CryptoMode == drm.CryptoModeNone {
		set.CryptoMode = drm.CryptoModeAESCTR
	}
	prot.set = set
	return prot
}

func setDefaultKID(t *Tree, set *PSSHSet, s string) {
	if s == "" || len(set.DefaultKID) > 0 {
		return
	}
	kid, err := drm.ParseKeyID(s)
	if err != nil {
		t.logger.Warn("ignoring invalid default_KID", slog.String("kid", s))
		return
	}
	set.DefaultKID = kid
}

// prepare has nothing to resolve lazily for DASH; init data missing from
// the manifest is read from the init segment by the session.
func (f *dashFormat) prepare(context.Context, *Tree, *Period, *AdaptationSet, *Representation) (PrepareResult, error) {
	return PrepareDrmUnchanged, nil
}

func (f *dashFormat) refreshRepresentation(ctx context.Context, t *Tree, _ *Period, _ *AdaptationSet, _ *Representation) error {
	return f.refresh(ctx, t)
}

// refresh re-downloads the MPD and merges it. With a start number update
// parameter only segments from the next expected number are requested;
// otherwise the download is conditional on the last ETag.
func (f *dashFormat) refresh(ctx context.Context, t *Tree) error {
	t.mu.RLock()
	u, param := t.updateURL, t.updateParam
	headers := make(map[string]string, len(t.headers)+2)
	for k, v := range t.headers {
		headers[k] = v
	}
	numbered := strings.Contains(param, urlutil.UpdateParamPlaceholder)
	switch {
	case numbered:
		next := uint64(1)
		if t.current < len(t.periods) {
			next = nextStartNumber(t.periods[t.current])
		}
		u = urlutil.AppendParams(u, strings.ReplaceAll(param, urlutil.UpdateParamPlaceholder, strconv.FormatUint(next, 10)))
	case param == UpdateParamFull:
	default:
		if param != "" {
			u = urlutil.AppendParams(u, param)
		}
		if t.etag != "" {
			headers["If-None-Match"] = t.etag
		}
		if t.lastModified != "" {
			headers["If-Modified-Since"] = t.lastModified
		}
	}
	base := u
	t.mu.RUnlock()

	resp, err := t.download(ctx, u, headers)
	if err != nil {
		return err
	}
	if resp.StatusCode == 304 {
		return nil
	}
	if resp.EffectiveURL != "" {
		base = resp.EffectiveURL
	}
	doc, err := f.parse(t, resp.Body, base)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.etag = resp.Header.Get("ETag")
	t.lastModified = resp.Header.Get("Last-Modified")
	t.merge(doc, numbered)
	return nil
}

func splitCodecs(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func typeFromCodecs(codecs []string) StreamType {
	for _, c := range codecs {
		switch {
		case codec.IsVideo(c):
			return StreamVideo
		case codec.IsSubtitle(c):
			return StreamSubtitle
		}
	}
	if len(codecs) > 0 {
		return StreamAudio
	}
	return StreamNoType
}

func containerFromMime(mime string) ContainerType {
	mime = strings.ToLower(mime)
	switch {
	case mime == "", strings.HasSuffix(mime, "/mp4"):
		return ContainerMP4
	case strings.HasSuffix(mime, "/webm"):
		return ContainerWebM
	case strings.Contains(mime, "matroska"):
		return ContainerMatroska
	case strings.HasSuffix(mime, "/mp2t"):
		return ContainerTS
	case mime == "audio/aac":
		return ContainerADTS
	case strings.HasPrefix(mime, "text/"), strings.Contains(mime, "ttml"):
		return ContainerText
	default:
		return ContainerInvalid
	}
}

// parseFrameRate accepts "25" and "30000/1001".
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// parseHDCPVersion maps an hdcp attribute such as "2.2" to 22.
func parseHDCPVersion(s string) uint16 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return 0
	}
	return uint16(math.Round(v * 10))
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// parseChannels reads the channel count from AudioChannelConfiguration
// descriptors. Dolby schemes carry a hex channel mask.
func parseChannels(descs []descriptorXML) int {
	for _, d := range descs {
		scheme := strings.ToLower(d.SchemeIDURI)
		switch {
		case strings.HasPrefix(scheme, "urn:mpeg:dash:23003:3:audio_channel_configuration"),
			scheme == "urn:mpeg:mpegb:cicp:channelconfiguration":
			if n := atoi(d.Value); n > 0 {
				return n
			}
		case strings.Contains(scheme, "dolby"):
			if mask, err := strconv.ParseUint(strings.TrimSpace(d.Value), 16, 16); err == nil && mask > 0 {
				return bits.OnesCount16(uint16(mask))
			}
		}
	}
	return 0
}

// parseRange parses "first-last". A missing or malformed range is NoRange.
func parseRange(s string) (uint64, uint64) {
	first, last, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return NoRange, NoRange
	}
	b, err1 := strconv.ParseUint(first, 10, 64)
	e, err2 := strconv.ParseUint(last, 10, 64)
	if err1 != nil || err2 != nil || e < b {
		return NoRange, NoRange
	}
	return b, e
}
