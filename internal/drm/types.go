// Package drm implements the content decryption layer: key system
// negotiation, protection init data codecs, the license exchange, and the
// CENC session core shared by every backend.
package drm

import "strings"

// CryptoMode is the CENC cipher mode of a protection set.
type CryptoMode int

const (
	CryptoModeNone CryptoMode = iota
	CryptoModeAESCTR
	CryptoModeAESCBC
)

// String returns the scheme name.
func (m CryptoMode) String() string {
	switch m {
	case CryptoModeAESCTR:
		return "cenc"
	case CryptoModeAESCBC:
		return "cbcs"
	default:
		return "none"
	}
}

// ParseCryptoMode maps a scheme or algorithm name to a CryptoMode.
func ParseCryptoMode(s string) CryptoMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cenc", "cens", "aesctr", "ctr":
		return CryptoModeAESCTR
	case "cbcs", "cbc1", "aescbc", "cbc":
		return CryptoModeAESCBC
	default:
		return CryptoModeNone
	}
}

// MediaType flags identify what kind of stream a capability query is for.
type MediaType uint8

const (
	MediaVideo MediaType = 1 << iota
	MediaAudio
)

// CapFlags is the capability bitset reported by a session.
type CapFlags uint32

const (
	CapSupportsDecoding CapFlags = 1 << iota
	CapSecurePath
	CapAnnexBRequired
	CapHDCPRestricted
	CapSingleDecrypt
	CapSecureDecoder
	CapInvalid
)

// Has reports whether every bit in f is set.
func (c CapFlags) Has(f CapFlags) bool { return c&f == f }

// Capabilities is the result of a capability probe.
type Capabilities struct {
	Flags       CapFlags
	HDCPVersion uint16
	// HDCPLimit is a maximum pixel count (width*height); 0 means unlimited.
	HDCPLimit int
}

// Pattern is the cbcs crypt/skip block pattern.
type Pattern struct {
	CryptBlocks uint8
	SkipBlocks  uint8
}

// IsZero reports whether no pattern is set.
func (p Pattern) IsZero() bool { return p.CryptBlocks == 0 && p.SkipBlocks == 0 }

// FragmentFlags alter how samples of a fragment are decrypted.
type FragmentFlags uint32

const (
	// FragmentSecurePath routes samples through the hardware envelope.
	FragmentSecurePath FragmentFlags = 1 << iota
	// FragmentAnnexB converts length-prefixed NAL units to start codes.
	FragmentAnnexB
	// FragmentHEVC marks the fragment as HEVC for NAL type detection.
	FragmentHEVC
)

// FragmentInfo is the per-pool decode context.
type FragmentInfo struct {
	KeyID         []byte
	NALLengthSize int
	// ParamSets are Annex-B SPS/PPS injected once on the secure path.
	ParamSets []byte
	Flags     FragmentFlags
	Pattern   Pattern
}

// TestSample is the buffer trial-decrypted by capability probes.
var (
	TestSample   = []byte{0, 0, 0, 1, 9, 255, 0, 0, 0, 1, 10, 255}
	TestSampleIV = []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 0}
)

// HDCPVersionUnrestricted is reported when software decryption succeeded.
const HDCPVersionUnrestricted = 99
