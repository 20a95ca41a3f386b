// Package repack rewrites length-prefixed NAL unit samples into start-code
// (Annex-B) framing while keeping CENC subsample accounting consistent.
package repack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ErrNotSupported is returned for samples whose NAL layout cannot be
// reconciled with the subsample description.
var ErrNotSupported = errors.New("repack: unsupported sample layout")

// startCode is the 4-byte Annex-B start code written before every NAL unit.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Codec selects how the access unit delimiter is recognised.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// Subsamples describes the clear/cipher split of one sample.
// Clear and Cipher always have the same length.
type Subsamples struct {
	Clear  []uint16
	Cipher []uint32
}

// Size returns the total number of bytes covered by the subsamples.
func (s Subsamples) Size() int {
	total := 0
	for i := range s.Clear {
		total += int(s.Clear[i])
		if i < len(s.Cipher) {
			total += int(s.Cipher[i])
		}
	}
	return total
}

// Validate checks that the subsample table is well formed and covers exactly size bytes.
func (s Subsamples) Validate(size int) error {
	if len(s.Clear) != len(s.Cipher) {
		return fmt.Errorf("%w: %d clear entries, %d cipher entries", ErrNotSupported, len(s.Clear), len(s.Cipher))
	}
	if got := s.Size(); got != size {
		return fmt.Errorf("%w: subsamples cover %d bytes, sample has %d", ErrNotSupported, got, size)
	}
	return nil
}

// Clone returns a deep copy.
func (s Subsamples) Clone() Subsamples {
	out := Subsamples{
		Clear:  make([]uint16, len(s.Clear)),
		Cipher: make([]uint32, len(s.Cipher)),
	}
	copy(out.Clear, s.Clear)
	copy(out.Cipher, s.Cipher)
	return out
}

// Result is the output of a repack operation.
type Result struct {
	Data       []byte
	Subsamples Subsamples
	// Injected reports whether the parameter sets were consumed.
	Injected bool
}

// Options control a single ToAnnexB call.
type Options struct {
	// NALLengthSize is the width of the NAL length prefix (1..4).
	NALLengthSize int
	// ParamSets is Annex-B framed SPS/PPS (and VPS) injected ahead of the
	// first NAL unit that is not an access unit delimiter. May be nil.
	ParamSets []byte
	Codec     Codec
}

// IsAUD reports whether the NAL header byte b starts an access unit delimiter.
func IsAUD(codec Codec, b byte) bool {
	if codec == CodecH265 {
		return h265.NALUType((b>>1)&0x3F) == h265.NALUType_AUD_NUT
	}
	return h264.NALUType(b&0x1F) == h264.NALUTypeAccessUnitDelimiter
}

// ToAnnexB converts a length-prefixed sample to start-code framing.
//
// Every NAL unit must end exactly on a subsample boundary or inside the
// subsample it starts in. Each rewritten NAL grows the clear count of its
// subsample by 4-NALLengthSize, and injected parameter sets grow the clear
// count of the subsample they are written into.
func ToAnnexB(sample []byte, subs Subsamples, opts Options) (Result, error) {
	nls := opts.NALLengthSize
	if nls < 1 || nls > 4 {
		return Result{}, fmt.Errorf("%w: nal length size %d", ErrNotSupported, nls)
	}
	if err := subs.Validate(len(sample)); err != nil {
		return Result{}, err
	}

	out := Result{
		Data:       make([]byte, 0, len(sample)+len(opts.ParamSets)+len(subs.Clear)*4),
		Subsamples: subs.Clone(),
	}
	paramSets := opts.ParamSets

	pos := 0
	sub := 0
	nalSum := 0
	for pos < len(sample) {
		if sub >= len(subs.Clear) {
			return Result{}, fmt.Errorf("%w: data left after last subsample", ErrNotSupported)
		}
		if pos+nls > len(sample) {
			return Result{}, fmt.Errorf("%w: truncated nal length at %d", ErrNotSupported, pos)
		}

		nalSize := 0
		for i := 0; i < nls; i++ {
			nalSize = nalSize<<8 | int(sample[pos+i])
		}
		pos += nls
		if pos+nalSize > len(sample) {
			return Result{}, fmt.Errorf("%w: nal of %d bytes exceeds sample", ErrNotSupported, nalSize)
		}

		if len(paramSets) > 0 && nalSize > 0 && !IsAUD(opts.Codec, sample[pos]) {
			if err := growClear(&out.Subsamples, sub, len(paramSets)); err != nil {
				return Result{}, err
			}
			out.Data = append(out.Data, paramSets...)
			paramSets = nil
			out.Injected = true
		}

		out.Data = append(out.Data, startCode...)
		out.Data = append(out.Data, sample[pos:pos+nalSize]...)
		pos += nalSize
		if err := growClear(&out.Subsamples, sub, 4-nls); err != nil {
			return Result{}, err
		}

		span := int(subs.Clear[sub]) + int(subs.Cipher[sub])
		consumed := nalSum + nls + nalSize
		switch {
		case consumed > span:
			return Result{}, fmt.Errorf("%w: nal unit exceeds subsample %d", ErrNotSupported, sub)
		case consumed == span:
			sub++
			nalSum = 0
		default:
			nalSum = consumed
		}
	}

	if sub != len(subs.Clear) {
		return Result{}, fmt.Errorf("%w: %d subsamples left unconsumed", ErrNotSupported, len(subs.Clear)-sub)
	}
	return out, nil
}

// growClear adds n bytes to the clear count of subsample i. Clear counts
// are 16 bits wide on the wire.
func growClear(s *Subsamples, i, n int) error {
	if int(s.Clear[i])+n > math.MaxUint16 {
		return fmt.Errorf("%w: clear bytes of subsample %d exceed %d", ErrNotSupported, i, math.MaxUint16)
	}
	s.Clear[i] += uint16(n)
	return nil
}

// Envelope packs a secure-path sample for a hardware decoder:
// [count u32][clear u16 x n][cipher u32 x n][iv 16][kid 16][payload].
// All integers are little-endian.
func Envelope(payload []byte, subs Subsamples, iv, kid []byte) []byte {
	n := len(subs.Clear)
	buf := make([]byte, 0, 4+n*6+32+len(payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	for _, c := range subs.Clear {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	for _, c := range subs.Cipher {
		buf = binary.LittleEndian.AppendUint32(buf, c)
	}
	buf = append(buf, pad16(iv)...)
	buf = append(buf, pad16(kid)...)
	return append(buf, payload...)
}

// ParseEnvelope is the inverse of Envelope.
func ParseEnvelope(buf []byte) (payload []byte, subs Subsamples, iv, kid []byte, err error) {
	if len(buf) < 4 {
		return nil, Subsamples{}, nil, nil, fmt.Errorf("%w: envelope too short", ErrNotSupported)
	}
	n := int(binary.LittleEndian.Uint32(buf))
	need := 4 + n*6 + 32
	if n < 0 || len(buf) < need {
		return nil, Subsamples{}, nil, nil, fmt.Errorf("%w: envelope truncated", ErrNotSupported)
	}
	p := 4
	subs.Clear = make([]uint16, n)
	subs.Cipher = make([]uint32, n)
	for i := 0; i < n; i++ {
		subs.Clear[i] = binary.LittleEndian.Uint16(buf[p:])
		p += 2
	}
	for i := 0; i < n; i++ {
		subs.Cipher[i] = binary.LittleEndian.Uint32(buf[p:])
		p += 4
	}
	iv = buf[p : p+16]
	kid = buf[p+16 : p+32]
	return buf[p+32:], subs, iv, kid, nil
}

func pad16(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	return out
}
