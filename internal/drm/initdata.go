package drm

import (
	"bytes"
	"fmt"

	"github.com/abema/go-mp4"
)

// InitProtection is the protection information found in an fMP4 init segment.
type InitProtection struct {
	PSSH []*PSSH
	// DefaultKeyID comes from the first tenc box.
	DefaultKeyID []byte
	Scheme       CryptoMode
	Pattern      Pattern
	// IVSize is the per-sample IV size; ConstantIV is set when it is zero.
	IVSize     uint8
	ConstantIV []byte
	// OriginalFormat is the frma data format, e.g. "avc1".
	OriginalFormat string
}

// Protected reports whether the init segment declares encryption.
func (p *InitProtection) Protected() bool {
	return len(p.DefaultKeyID) > 0 || p.Scheme != CryptoModeNone
}

// PSSHFor returns the first pssh box of systemID.
func (p *InitProtection) PSSHFor(systemID [16]byte) *PSSH {
	for _, ps := range p.PSSH {
		if ps.SystemID == systemID {
			return ps
		}
	}
	return nil
}

var sinfParents = []mp4.BoxType{mp4.BoxTypeEncv(), mp4.BoxTypeEnca()}

// ExtractProtection reads moov/pssh and the first protected sample entry
// (sinf/frma, sinf/schm, sinf/schi/tenc) of an init segment.
func ExtractProtection(init []byte) (*InitProtection, error) {
	r := bytes.NewReader(init)
	out := &InitProtection{}

	boxes, err := mp4.ExtractBoxWithPayload(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypePssh()})
	if err != nil {
		return nil, fmt.Errorf("%w: init segment: %w", ErrProtectionConfig, err)
	}
	for _, b := range boxes {
		out.PSSH = append(out.PSSH, psshFromBox(b.Payload.(*mp4.Pssh)))
	}

	stsd := mp4.BoxPath{
		mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(),
		mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd(),
	}
	for _, entry := range sinfParents {
		sinf := append(append(mp4.BoxPath{}, stsd...), entry, mp4.BoxTypeSinf())

		frma, err := extractOne(r, append(append(mp4.BoxPath{}, sinf...), mp4.BoxTypeFrma()))
		if err != nil {
			return nil, err
		}
		if f, ok := frma.(*mp4.Frma); ok && out.OriginalFormat == "" {
			out.OriginalFormat = string(f.DataFormat[:])
		}

		schm, err := extractOne(r, append(append(mp4.BoxPath{}, sinf...), mp4.BoxTypeSchm()))
		if err != nil {
			return nil, err
		}
		if s, ok := schm.(*mp4.Schm); ok && out.Scheme == CryptoModeNone {
			out.Scheme = ParseCryptoMode(string(s.SchemeType[:]))
		}

		tenc, err := extractOne(r, append(append(mp4.BoxPath{}, sinf...), mp4.BoxTypeSchi(), mp4.BoxTypeTenc()))
		if err != nil {
			return nil, err
		}
		if t, ok := tenc.(*mp4.Tenc); ok && out.DefaultKeyID == nil {
			out.DefaultKeyID = append([]byte(nil), t.DefaultKID[:]...)
			out.IVSize = t.DefaultPerSampleIVSize
			out.Pattern = Pattern{CryptBlocks: t.DefaultCryptByteBlock, SkipBlocks: t.DefaultSkipByteBlock}
			if t.DefaultIsProtected == 1 && t.DefaultPerSampleIVSize == 0 {
				out.ConstantIV = append([]byte(nil), t.DefaultConstantIV...)
			}
		}
	}
	return out, nil
}

func extractOne(r *bytes.Reader, path mp4.BoxPath) (mp4.IBox, error) {
	boxes, err := mp4.ExtractBoxWithPayload(r, nil, path)
	if err != nil {
		return nil, fmt.Errorf("%w: init segment: %w", ErrProtectionConfig, err)
	}
	if len(boxes) == 0 {
		return nil, nil
	}
	return boxes[0].Payload, nil
}
