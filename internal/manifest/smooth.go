package manifest

import (
	"context"
	"encoding/hex"
	"encoding/xml"
	"log/slog"
	"strings"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/urlutil"
)

// smoothTimescale is the default TimeScale of a Smooth Streaming manifest.
const smoothTimescale = 10_000_000

type smoothMediaXML struct {
	XMLName    xml.Name             `xml:"SmoothStreamingMedia"`
	TimeScale  uint64               `xml:"TimeScale,attr"`
	Duration   uint64               `xml:"Duration,attr"`
	IsLive     string               `xml:"IsLive,attr"`
	DVRWindow  uint64               `xml:"DVRWindowLength,attr"`
	Protection *smoothProtectionXML `xml:"Protection"`
	Streams    []streamIndexXML     `xml:"StreamIndex"`
}

type smoothProtectionXML struct {
	Header struct {
		SystemID string `xml:"SystemID,attr"`
		Value    string `xml:",chardata"`
	} `xml:"ProtectionHeader"`
}

type streamIndexXML struct {
	Type              string            `xml:"Type,attr"`
	Subtype           string            `xml:"Subtype,attr"`
	Name              string            `xml:"Name,attr"`
	Language          string            `xml:"Language,attr"`
	URL               string            `xml:"Url,attr"`
	TimeScale         uint64            `xml:"TimeScale,attr"`
	ParentStreamIndex string            `xml:"ParentStreamIndex,attr"`
	Chunks            []chunkXML        `xml:"c"`
	QualityLevels     []qualityLevelXML `xml:"QualityLevel"`
}

type chunkXML struct {
	T *uint64 `xml:"t,attr"`
	D *uint64 `xml:"d,attr"`
	R *uint64 `xml:"r,attr"`
}

type qualityLevelXML struct {
	Index            string `xml:"Index,attr"`
	Bitrate          uint32 `xml:"Bitrate,attr"`
	FourCC           string `xml:"FourCC,attr"`
	MaxWidth         int    `xml:"MaxWidth,attr"`
	MaxHeight        int    `xml:"MaxHeight,attr"`
	SamplingRate     int    `xml:"SamplingRate,attr"`
	Channels         int    `xml:"Channels,attr"`
	CodecPrivateData string `xml:"CodecPrivateData,attr"`
}

// smoothFormat parses Smooth Streaming manifests. Live presentations are
// extended from fragment timing instead of manifest refreshes.
type smoothFormat struct{}

func (smoothFormat) kind() Format { return FormatSmooth }

func (f *smoothFormat) parse(t *Tree, body []byte, manifestURL string) (*document, error) {
	var ssm smoothMediaXML
	if err := xml.Unmarshal(body, &ssm); err != nil {
		return nil, manifestErrorf("decoding smooth manifest: %v", err)
	}

	ts := ssm.TimeScale
	if ts == 0 {
		ts = smoothTimescale
	}
	scale := func(v uint64, ts uint64) time.Duration {
		return time.Duration(float64(v) / float64(ts) * float64(time.Second))
	}

	doc := &document{
		live:      strings.EqualFold(ssm.IsLive, "true"),
		totalTime: scale(ssm.Duration, ts),
	}
	if doc.live {
		doc.timeShiftBuffer = scale(ssm.DVRWindow, ts)
	}

	p := NewPeriod()
	p.Duration = uint64(doc.totalTime.Milliseconds())
	p.BaseURL = urlutil.BaseURL(manifestURL)

	prot, err := f.protection(t, ssm.Protection, p)
	if err != nil {
		return nil, err
	}

	type parsedSet struct {
		a     *AdaptationSet
		start uint64
		durs  []uint64
	}
	var sets []parsedSet
	base := ^uint64(0)
	for i := range ssm.Streams {
		si := &ssm.Streams[i]
		a, start, durs := f.parseStreamIndex(t, p, si, prot)
		if a == nil {
			continue
		}
		sets = append(sets, parsedSet{a, start, durs})
		base = min(base, start)
	}
	if len(sets) == 0 {
		return doc, nil
	}

	for _, s := range sets {
		for _, r := range s.a.Representations {
			pts := s.start - base
			r.Segments = make([]Segment, 0, len(s.durs))
			for n, d := range s.durs {
				r.Segments = append(r.Segments, Segment{
					RangeBegin: NoRange,
					RangeEnd:   NoRange,
					StartPTS:   pts,
					Duration:   d,
					Number:     uint64(n + 1),
					Time:       pts + base,
				})
				pts += d
			}
		}
		p.AdaptationSets = append(p.AdaptationSets, s.a)
	}
	p.StartPTS = base
	p.reindex()
	doc.periods = []*Period{p}
	return doc, nil
}

// protection resolves the PlayReady protection header. Only the PlayReady
// system id is understood; other headers leave the period unplayable.
func (f *smoothFormat) protection(t *Tree, px *smoothProtectionXML, p *Period) (*PSSHSet, error) {
	if px == nil {
		return nil, nil
	}
	p.Encryption = EncryptionNotSupported
	p.NeedSecureDecoder = true
	if !drm.IsPlayReadySystemID(px.Header.SystemID) {
		t.logger.Warn("unsupported smooth protection system", slog.String("system_id", px.Header.SystemID))
		return nil, nil
	}
	hdr, err := drm.ParseWRMHeaderBase64(px.Header.Value)
	if err != nil {
		return nil, manifestErrorf("smooth protection header: %v", err)
	}
	p.Encryption = EncryptedDRM
	return &PSSHSet{
		InitData:   hdr.Object,
		DefaultKID: hdr.KeyID,
		LicenseURL: hdr.LicenseURL,
		CryptoMode: hdr.CryptoMode,
		Media:      StreamVideoAudio,
	}, nil
}

// parseStreamIndex returns the set, its first chunk time and the chunk
// durations. Unsupported subtypes and streams without chunks yield nil.
func (f *smoothFormat) parseStreamIndex(t *Tree, p *Period, si *streamIndexXML, prot *PSSHSet) (*AdaptationSet, uint64, []uint64) {
	skip := func(reason string) (*AdaptationSet, uint64, []uint64) {
		t.logger.Debug("skipping stream index",
			slog.String("name", si.Name),
			slog.String("subtype", si.Subtype),
			slog.String("reason", reason))
		return nil, 0, nil
	}
	if si.ParentStreamIndex != "" {
		return skip("parent stream index")
	}

	a := &AdaptationSet{ID: "SI:" + si.Name, Name: si.Name, Language: si.Language}
	switch strings.ToLower(si.Type) {
	case "video":
		switch si.Subtype {
		case "ZOET", "CHAP":
			return skip("unsupported subtype")
		}
		a.Type = StreamVideo
	case "audio":
		a.Type = StreamAudio
	case "text":
		switch si.Subtype {
		case "SCMD", "CHAP", "CTRL", "DATA", "ADI3":
			return skip("unsupported subtype")
		case "CAPT", "DESC":
			a.Impaired = true
		}
		a.Type = StreamSubtitle
	default:
		return skip("unknown type")
	}

	if si.URL != "" {
		lower := strings.ToLower(si.URL)
		if !strings.Contains(lower, "{start time}") || !strings.Contains(lower, "{bitrate}") {
			return skip("url without {start time} or {bitrate}")
		}
	}

	start, durs := chunkDurations(si.Chunks)
	if len(durs) == 0 {
		return skip("no chunks")
	}

	ts := si.TimeScale
	if ts == 0 {
		ts = smoothTimescale
	}
	a.Timescale = uint32(ts)
	a.StartPTS = start
	a.BaseURL = p.BaseURL

	var pssh uint16
	for _, ql := range si.QualityLevels {
		r := NewRepresentation()
		r.ID = "SI:" + si.Name + " - QL:" + ql.Index
		r.Bandwidth = ql.Bitrate
		if ql.FourCC != "" {
			r.Codecs = []string{ql.FourCC}
		}
		r.Width, r.Height = ql.MaxWidth, ql.MaxHeight
		r.SampleRate = ql.SamplingRate
		if a.Type == StreamAudio {
			r.Channels = ql.Channels
			if r.Channels == 0 {
				r.Channels = 2
			}
		}
		r.Container = ContainerMP4
		r.Timescale = uint32(ts)
		r.BaseURL = p.BaseURL
		r.Flags |= FlagTemplate | FlagSegmentTimeline
		if cpd := strings.TrimSpace(ql.CodecPrivateData); cpd != "" {
			data, err := hex.DecodeString(cpd)
			if err != nil {
				t.logger.Warn("ignoring invalid CodecPrivateData", slog.String("representation", r.ID))
			} else {
				r.CodecPrivateData = data
			}
		}
		if len(r.CodecPrivateData) == 0 && codecFamily(r.Codecs) == "aac" {
			r.CodecPrivateData = aacConfig(r.SampleRate, r.Channels)
		}
		r.Template = SegmentTemplate{
			Media:     smoothTemplate(si.URL),
			Timescale: uint32(ts),
		}

		if prot != nil && (a.Type == StreamVideo || a.Type == StreamAudio) {
			if pssh == 0 {
				pssh = p.InsertPSSHSet(prot)
			} else {
				p.PSSHSets[pssh].UsageCount++
			}
			r.PSSHSet = pssh
		} else {
			r.PSSHSet = p.InsertPSSHSet(nil)
		}
		a.Representations = append(a.Representations, r)
	}
	if len(a.Representations) == 0 {
		return skip("no quality levels")
	}
	a.Codecs = a.Representations[0].Codecs
	return a, start, durs
}

// smoothTemplate converts {bitrate} and {start time} to template
// identifiers.
func smoothTemplate(u string) string {
	r := strings.NewReplacer(
		"{start time}", "$Time$", "{Start Time}", "$Time$", "{start_time}", "$Time$",
		"{bitrate}", "$Bandwidth$", "{Bitrate}", "$Bandwidth$",
	)
	return r.Replace(u)
}

// chunkDurations expands c elements. An explicit t after the first chunk
// corrects the duration of the preceding chunk to the real gap.
func chunkDurations(chunks []chunkXML) (uint64, []uint64) {
	var (
		start uint64
		durs  []uint64
		pts   uint64
	)
	for _, c := range chunks {
		has := false
		if c.T != nil {
			if len(durs) > 0 {
				last := durs[len(durs)-1]
				prevStart := pts - last
				if *c.T > prevStart {
					durs[len(durs)-1] = *c.T - prevStart
				}
			} else {
				start = *c.T
			}
			pts = *c.T
			has = true
		}
		var d uint64
		if c.D != nil {
			d = *c.D
			has = true
		}
		if !has {
			continue
		}
		repeat := uint64(1)
		if c.R != nil && *c.R > 0 {
			repeat = *c.R
		}
		for ; repeat > 0; repeat-- {
			durs = append(durs, d)
			pts += d
		}
	}
	return start, durs
}

// prepare synthesizes the init segment from the quality level codec data.
func (f *smoothFormat) prepare(_ context.Context, t *Tree, _ *Period, _ *AdaptationSet, r *Representation) (PrepareResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(r.InitData) > 0 || len(r.CodecPrivateData) == 0 {
		return PrepareDrmUnchanged, nil
	}
	data, err := synthesizeInit(r)
	if err != nil {
		t.logger.Debug("no synthesized init segment",
			slog.String("representation", r.ID),
			slog.Any("error", err))
		return PrepareDrmUnchanged, nil
	}
	r.InitData = data
	r.Flags |= FlagInitialization
	return PrepareDrmUnchanged, nil
}

func (f *smoothFormat) refresh(context.Context, *Tree) error { return nil }

func (f *smoothFormat) refreshRepresentation(context.Context, *Tree, *Period, *AdaptationSet, *Representation) error {
	return nil
}
