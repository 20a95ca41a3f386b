// Package manifest parses DASH, HLS and Smooth Streaming manifests into one
// presentation tree and keeps live trees up to date.
package manifest

import (
	"strings"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
)

// StreamType is the media type of an adaptation set.
type StreamType int

const (
	StreamNoType StreamType = iota
	StreamVideo
	StreamAudio
	StreamSubtitle
	StreamVideoAudio
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamSubtitle:
		return "subtitle"
	case StreamVideoAudio:
		return "video+audio"
	default:
		return "none"
	}
}

// ParseStreamType maps a DASH contentType or the major part of a mime type.
func ParseStreamType(s string) StreamType {
	major, _, _ := strings.Cut(strings.ToLower(s), "/")
	switch major {
	case "video":
		return StreamVideo
	case "audio":
		return StreamAudio
	case "text", "subtitle", "subtitles":
		return StreamSubtitle
	case "application":
		if strings.Contains(s, "ttml") || strings.Contains(s, "vtt") {
			return StreamSubtitle
		}
	}
	return StreamNoType
}

// ContainerType is the segment container of a representation.
type ContainerType int

const (
	ContainerNoType ContainerType = iota
	ContainerInvalid
	ContainerMP4
	ContainerTS
	ContainerADTS
	ContainerWebM
	ContainerMatroska
	ContainerText
)

func (c ContainerType) String() string {
	switch c {
	case ContainerInvalid:
		return "invalid"
	case ContainerMP4:
		return "mp4"
	case ContainerTS:
		return "ts"
	case ContainerADTS:
		return "adts"
	case ContainerWebM:
		return "webm"
	case ContainerMatroska:
		return "matroska"
	case ContainerText:
		return "text"
	default:
		return "none"
	}
}

// EncryptionState describes how a period is protected.
type EncryptionState int

const (
	Unencrypted EncryptionState = iota
	EncryptedDRM
	EncryptedClearKey
	EncryptionNotSupported
)

func (e EncryptionState) String() string {
	switch e {
	case EncryptedDRM:
		return "drm"
	case EncryptedClearKey:
		return "clearkey"
	case EncryptionNotSupported:
		return "not-supported"
	default:
		return "unencrypted"
	}
}

// RepresentationFlags is the per-representation state bitset.
type RepresentationFlags uint32

const (
	// FlagSegmentTimeline marks segments that come from an explicit timeline.
	FlagSegmentTimeline RepresentationFlags = 1 << iota
	// FlagInitialization marks a representation with an init segment.
	FlagInitialization
	// FlagURLSegments marks segments carrying their own URLs.
	FlagURLSegments
	// FlagDownloaded marks a lazily loaded media playlist as loaded.
	FlagDownloaded
	// FlagWaitForSegment is set while a live stream waits for a new segment.
	FlagWaitForSegment
	// FlagIncludedStream marks a rendition muxed into another stream.
	FlagIncludedStream
	// FlagTemplate marks segments addressed through a segment template.
	FlagTemplate
)

// Has reports whether every bit in f is set.
func (r RepresentationFlags) Has(f RepresentationFlags) bool { return r&f == f }

// NoRange marks a segment without a byte range.
const NoRange = ^uint64(0)

// Segment is one addressable media chunk. Times are in the owning
// representation's timescale.
type Segment struct {
	// URL is set for list and playlist segments; template segments resolve
	// theirs through Tree.SegmentURL.
	URL        string
	RangeBegin uint64
	RangeEnd   uint64
	StartPTS   uint64
	Duration   uint64
	Number     uint64
	// Time is the manifest time used for $Time$ substitution.
	Time uint64
	// PSSHSet overrides the representation's set for HLS key rotation.
	PSSHSet uint16
}

// HasRange reports whether the segment is a byte range of its URL.
func (s Segment) HasRange() bool { return s.RangeBegin != NoRange }

// End returns the presentation end of the segment.
func (s Segment) End() uint64 { return s.StartPTS + s.Duration }

// SegmentTemplate is a DASH style URL template.
type SegmentTemplate struct {
	Initialization         string
	Media                  string
	Timescale              uint32
	Duration               uint64
	StartNumber            uint64
	PresentationTimeOffset uint64
}

// IsZero reports whether no template is set.
func (t SegmentTemplate) IsZero() bool { return t.Media == "" && t.Initialization == "" }

// Representation is one encoding of an adaptation set.
type Representation struct {
	ID         string
	BaseURL    string
	Bandwidth  uint32
	Codecs     []string
	Width      int
	Height     int
	FrameRate  float64
	SampleRate int
	Channels   int
	Container  ContainerType
	// PSSHSet indexes the owning period's PSSHSets; 0 is clear.
	PSSHSet     uint16
	HDCPVersion uint16
	Timescale   uint32
	StartNumber uint64

	CodecPrivateData []byte
	NALLengthSize    int

	Flags          RepresentationFlags
	Template       SegmentTemplate
	Initialization Segment
	// InitData is a synthesized initialization segment for manifests that
	// carry codec data instead of an init URL.
	InitData []byte
	Segments       []Segment
	// Current is the index of the segment being played, -1 for none.
	Current int
	// SourceURL is the media playlist of an HLS representation.
	SourceURL string
	// AdaptationSetIndex is the position of the owning set in its period.
	AdaptationSetIndex int
}

// NewRepresentation returns a representation with the defaults the parsers
// rely on.
func NewRepresentation() *Representation {
	return &Representation{
		StartNumber:    1,
		Timescale:      1,
		NALLengthSize:  4,
		Current:        -1,
		Initialization: Segment{RangeBegin: NoRange, RangeEnd: NoRange},
	}
}

// CurrentSegment returns the cursor segment.
func (r *Representation) CurrentSegment() (Segment, bool) {
	if r.Current < 0 || r.Current >= len(r.Segments) {
		return Segment{}, false
	}
	return r.Segments[r.Current], true
}

// NextSegment returns the segment after the cursor, or the first segment
// when there is no cursor.
func (r *Representation) NextSegment() (Segment, bool) {
	i := r.Current + 1
	if i < 0 || i >= len(r.Segments) {
		return Segment{}, false
	}
	return r.Segments[i], true
}

// SegmentIndexForPTS returns the last segment starting at or before pts.
func (r *Representation) SegmentIndexForPTS(pts uint64) int {
	idx := -1
	for i, s := range r.Segments {
		if s.StartPTS > pts {
			break
		}
		idx = i
	}
	return idx
}

// NextPTS returns the end of the last segment.
func (r *Representation) NextPTS() uint64 {
	if len(r.Segments) == 0 {
		return 0
	}
	return r.Segments[len(r.Segments)-1].End()
}

// Resolution returns width*height.
func (r *Representation) Resolution() int { return r.Width * r.Height }

// HasCodec reports whether any codec string starts with prefix.
func (r *Representation) HasCodec(prefix string) bool {
	for _, c := range r.Codecs {
		if strings.HasPrefix(strings.ToLower(c), prefix) {
			return true
		}
	}
	return false
}

// AdaptationSet groups switchable representations of one media type.
type AdaptationSet struct {
	ID       string
	Group    string
	Type     StreamType
	MimeType string
	Language string
	Name     string
	Codecs   []string

	Default  bool
	Forced   bool
	Impaired bool
	Original bool

	Timescale   uint32
	Duration    uint64
	StartPTS    uint64
	StartNumber uint64
	BaseURL     string
	// SwitchingIDs are DASH adaptation-set-switching partners.
	SwitchingIDs []string

	Representations []*Representation
}

// Matches reports whether two sets describe the same stream across a
// manifest refresh.
func (a *AdaptationSet) Matches(o *AdaptationSet) bool {
	return a.ID == o.ID && a.Group == o.Group && a.Type == o.Type &&
		a.MimeType == o.MimeType && a.Language == o.Language
}

// Representation returns the representation with id.
func (a *AdaptationSet) Representation(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// mergeable reports whether b can be folded into a by SortTree.
func (a *AdaptationSet) mergeable(b *AdaptationSet) bool {
	if a.Type != b.Type || (a.Type != StreamVideo && a.Type != StreamAudio) {
		return false
	}
	return a.Language == b.Language && a.Name == b.Name && a.MimeType == b.MimeType &&
		a.Default == b.Default && a.Forced == b.Forced && a.Impaired == b.Impaired &&
		a.Original == b.Original && codecFamily(a.Codecs) == codecFamily(b.Codecs)
}

// PSSHSet is one distinct protection configuration of a period.
type PSSHSet struct {
	// InitData is the pssh box or vendor object; empty means extract it
	// from the initialization segment.
	InitData   []byte
	DefaultKID []byte
	IV         []byte
	// KeyURL is the HLS key URI of an AES-128 or data-URI key.
	KeyURL     string
	LicenseURL string
	CryptoMode drm.CryptoMode
	Media      StreamType
	UsageCount int
}

// Period is one chapter of the presentation.
type Period struct {
	ID string
	// Start is the offset of the period in milliseconds.
	Start     uint64
	StartPTS  uint64
	Duration  uint64
	Timescale uint32
	Sequence  uint32
	BaseURL   string

	Encryption        EncryptionState
	NeedSecureDecoder bool

	AdaptationSets []*AdaptationSet
	// PSSHSets always has the clear set at index 0.
	PSSHSets []PSSHSet
}

// NewPeriod returns a period with the clear protection set in place.
func NewPeriod() *Period {
	return &Period{Timescale: 1000, PSSHSets: []PSSHSet{{}}}
}

// DurationTime returns the period duration as a time.Duration.
func (p *Period) DurationTime() time.Duration {
	if p.Timescale == 0 {
		return 0
	}
	return time.Duration(float64(p.Duration) / float64(p.Timescale) * float64(time.Second))
}
