// Package codec classifies the codec strings carried by manifests: RFC 6381
// values such as "avc1.64001f" in DASH and HLS, and the FourCC names used
// by Smooth Streaming ("H264", "AACL").
package codec

import "strings"

// Kind is the media type a codec belongs to.
type Kind int

// Codec kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Family is the canonical name of a codec regardless of profile.
type Family string

// Codec families.
const (
	FamilyH264        Family = "avc"
	FamilyH265        Family = "hevc"
	FamilyDolbyVision Family = "dolbyvision"
	FamilyAV1         Family = "av1"
	FamilyVP9         Family = "vp9"
	FamilyVP8         Family = "vp8"
	FamilyAAC         Family = "aac"
	FamilyAC3         Family = "ac3"
	FamilyEAC3        Family = "eac3"
	FamilyAC4         Family = "ac4"
	FamilyOpus        Family = "opus"
	FamilyFLAC        Family = "flac"
	FamilyDTS         Family = "dts"
	FamilyMP3         Family = "mp3"
	FamilyWebVTT      Family = "wvtt"
	FamilyTTML        Family = "stpp"
)

// Info describes a codec family.
type Info struct {
	Family Family
	Kind   Kind
	// Aliases are the sample entry names and spellings that select the
	// family, matched case-insensitively.
	Aliases []string
}

var registry = []Info{
	{FamilyH264, KindVideo, []string{"avc1", "avc3", "h264", "avc"}},
	{FamilyH265, KindVideo, []string{"hvc1", "hev1", "h265", "hevc"}},
	{FamilyDolbyVision, KindVideo, []string{"dvh1", "dvhe", "dva1", "dvav"}},
	{FamilyAV1, KindVideo, []string{"av01", "av1"}},
	{FamilyVP9, KindVideo, []string{"vp09", "vp9"}},
	{FamilyVP8, KindVideo, []string{"vp08", "vp8"}},
	{FamilyAAC, KindAudio, []string{"mp4a", "aac", "aacl", "aach", "aacp"}},
	{FamilyAC3, KindAudio, []string{"ac-3", "ac3"}},
	{FamilyEAC3, KindAudio, []string{"ec-3", "ec3", "eac3", "ddplus"}},
	{FamilyAC4, KindAudio, []string{"ac-4", "ac4"}},
	{FamilyOpus, KindAudio, []string{"opus"}},
	{FamilyFLAC, KindAudio, []string{"flac"}},
	{FamilyDTS, KindAudio, []string{"dtsc", "dtsh", "dtsl", "dtse", "dts"}},
	{FamilyMP3, KindAudio, []string{"mp3", "mp4a.40.34", "mp4a.6b"}},
	{FamilyWebVTT, KindSubtitle, []string{"wvtt", "webvtt", "vtt"}},
	{FamilyTTML, KindSubtitle, []string{"stpp", "ttml", "dfxp"}},
}

// aliasIndex maps lower-cased aliases to registry entries.
var aliasIndex map[string]*Info

func init() {
	aliasIndex = make(map[string]*Info)
	for i := range registry {
		for _, alias := range registry[i].Aliases {
			aliasIndex[alias] = &registry[i]
		}
	}
}

// Parse classifies one codec string. A full string such as "mp4a.40.34"
// is matched before its sample entry prefix.
func Parse(s string) (Info, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Info{}, false
	}
	if info, ok := aliasIndex[s]; ok {
		return *info, true
	}
	fourcc, _, _ := strings.Cut(s, ".")
	if info, ok := aliasIndex[fourcc]; ok {
		return *info, true
	}
	return Info{}, false
}

// FamilyOf returns the family of the first codec. Unknown codecs yield
// their lower-cased sample entry name.
func FamilyOf(codecs []string) Family {
	if len(codecs) == 0 {
		return ""
	}
	if info, ok := Parse(codecs[0]); ok {
		return info.Family
	}
	fourcc, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(codecs[0])), ".")
	return Family(fourcc)
}

// KindOf returns the kind of one codec string.
func KindOf(s string) Kind {
	info, _ := Parse(s)
	return info.Kind
}

// IsVideo reports whether s names a video codec.
func IsVideo(s string) bool { return KindOf(s) == KindVideo }

// IsSubtitle reports whether s names a text format.
func IsSubtitle(s string) bool { return KindOf(s) == KindSubtitle }
