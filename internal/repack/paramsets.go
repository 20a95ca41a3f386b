package repack

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ErrInvalidConfig is returned for malformed decoder configuration records.
var ErrInvalidConfig = errors.New("repack: invalid decoder configuration record")

// ParamSets holds the parameter set NAL units of a video track.
type ParamSets struct {
	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
	// NALLengthSize is the prefix width declared by the record.
	NALLengthSize int
}

// AnnexB returns the parameter sets framed with start codes, VPS first.
func (p ParamSets) AnnexB() []byte {
	var nalus [][]byte
	nalus = append(nalus, p.VPS...)
	nalus = append(nalus, p.SPS...)
	nalus = append(nalus, p.PPS...)
	if len(nalus) == 0 {
		return nil
	}
	out, err := h264.AnnexB(nalus).Marshal()
	if err != nil {
		return nil
	}
	return out
}

// ParseAVCC parses an AVCDecoderConfigurationRecord (avcC).
func ParseAVCC(rec []byte) (ParamSets, error) {
	if len(rec) < 7 || rec[0] != 1 {
		return ParamSets{}, fmt.Errorf("%w: avcC header", ErrInvalidConfig)
	}
	ps := ParamSets{NALLengthSize: int(rec[4]&0x03) + 1}

	p := 5
	numSPS := int(rec[p] & 0x1F)
	p++
	for i := 0; i < numSPS; i++ {
		nalu, next, err := readNALU(rec, p)
		if err != nil {
			return ParamSets{}, err
		}
		ps.SPS = append(ps.SPS, nalu)
		p = next
	}
	if p >= len(rec) {
		return ParamSets{}, fmt.Errorf("%w: avcC missing pps count", ErrInvalidConfig)
	}
	numPPS := int(rec[p])
	p++
	for i := 0; i < numPPS; i++ {
		nalu, next, err := readNALU(rec, p)
		if err != nil {
			return ParamSets{}, err
		}
		ps.PPS = append(ps.PPS, nalu)
		p = next
	}
	return ps, nil
}

// ParseHVCC parses an HEVCDecoderConfigurationRecord (hvcC).
func ParseHVCC(rec []byte) (ParamSets, error) {
	if len(rec) < 23 {
		return ParamSets{}, fmt.Errorf("%w: hvcC header", ErrInvalidConfig)
	}
	ps := ParamSets{NALLengthSize: int(rec[21]&0x03) + 1}

	numArrays := int(rec[22])
	p := 23
	for i := 0; i < numArrays; i++ {
		if p+3 > len(rec) {
			return ParamSets{}, fmt.Errorf("%w: hvcC array header", ErrInvalidConfig)
		}
		typ := h265.NALUType(rec[p] & 0x3F)
		count := int(binary.BigEndian.Uint16(rec[p+1:]))
		p += 3
		for j := 0; j < count; j++ {
			nalu, next, err := readNALU(rec, p)
			if err != nil {
				return ParamSets{}, err
			}
			p = next
			switch typ {
			case h265.NALUType_VPS_NUT:
				ps.VPS = append(ps.VPS, nalu)
			case h265.NALUType_SPS_NUT:
				ps.SPS = append(ps.SPS, nalu)
			case h265.NALUType_PPS_NUT:
				ps.PPS = append(ps.PPS, nalu)
			}
		}
	}
	return ps, nil
}

// ConfigToAnnexB converts an avcC or hvcC record to Annex-B parameter sets,
// ready to be injected ahead of the first slice on the secure path.
func ConfigToAnnexB(codec Codec, rec []byte) ([]byte, int, error) {
	var (
		ps  ParamSets
		err error
	)
	if codec == CodecH265 {
		ps, err = ParseHVCC(rec)
	} else {
		ps, err = ParseAVCC(rec)
	}
	if err != nil {
		return nil, 0, err
	}
	return ps.AnnexB(), ps.NALLengthSize, nil
}

// SplitAnnexB splits Annex-B data into parameter sets by NAL type.
func SplitAnnexB(codec Codec, data []byte) (ParamSets, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return ParamSets{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	ps := ParamSets{NALLengthSize: 4}
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if codec == CodecH265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				ps.VPS = append(ps.VPS, nalu)
			case h265.NALUType_SPS_NUT:
				ps.SPS = append(ps.SPS, nalu)
			case h265.NALUType_PPS_NUT:
				ps.PPS = append(ps.PPS, nalu)
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			ps.SPS = append(ps.SPS, nalu)
		case h264.NALUTypePPS:
			ps.PPS = append(ps.PPS, nalu)
		}
	}
	if len(ps.SPS) == 0 {
		return ParamSets{}, fmt.Errorf("%w: no sps found", ErrInvalidConfig)
	}
	return ps, nil
}

func readNALU(rec []byte, p int) ([]byte, int, error) {
	if p+2 > len(rec) {
		return nil, 0, fmt.Errorf("%w: truncated nal length", ErrInvalidConfig)
	}
	n := int(binary.BigEndian.Uint16(rec[p:]))
	p += 2
	if p+n > len(rec) {
		return nil, 0, fmt.Errorf("%w: truncated nal unit", ErrInvalidConfig)
	}
	return rec[p : p+n], p + n, nil
}
