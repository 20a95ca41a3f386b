package manifest

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/jmylchreest/abrcore/internal/repack"
)

// synthesizeInit builds an fMP4 initialization segment for a representation
// described only by codec data, as Smooth Streaming quality levels are.
func synthesizeInit(r *Representation) ([]byte, error) {
	codec, err := initCodec(r)
	if err != nil {
		return nil, err
	}
	init := fmp4.Init{Tracks: []*fmp4.InitTrack{{
		ID:         1,
		TimeScale:  r.Timescale,
		AvgBitrate: r.Bandwidth,
		MaxBitrate: r.Bandwidth,
		Codec:      codec,
	}}}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init segment: %w", err)
	}
	return buf.Bytes(), nil
}

func initCodec(r *Representation) (fmp4.Codec, error) {
	switch codecFamily(r.Codecs) {
	case "avc":
		ps, err := repack.SplitAnnexB(repack.CodecH264, r.CodecPrivateData)
		if err != nil {
			return nil, err
		}
		if len(ps.PPS) == 0 {
			return nil, fmt.Errorf("%w: no pps in codec private data", ErrManifest)
		}
		return &fmp4.CodecH264{SPS: ps.SPS[0], PPS: ps.PPS[0]}, nil

	case "hevc":
		ps, err := repack.SplitAnnexB(repack.CodecH265, r.CodecPrivateData)
		if err != nil {
			return nil, err
		}
		if len(ps.VPS) == 0 || len(ps.PPS) == 0 {
			return nil, fmt.Errorf("%w: incomplete hevc parameter sets", ErrManifest)
		}
		return &fmp4.CodecH265{VPS: ps.VPS[0], SPS: ps.SPS[0], PPS: ps.PPS[0]}, nil

	case "aac":
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(r.CodecPrivateData); err != nil {
			return nil, fmt.Errorf("%w: audio specific config: %v", ErrManifest, err)
		}
		return &fmp4.CodecMPEG4Audio{Config: conf}, nil

	case "eac3":
		return &fmp4.CodecEAC3{SampleRate: r.SampleRate, ChannelCount: r.Channels}, nil

	case "ac3":
		return &fmp4.CodecAC3{SampleRate: r.SampleRate, ChannelCount: r.Channels}, nil
	}
	return nil, fmt.Errorf("%w: no init segment for codec %v", ErrManifest, r.Codecs)
}

// aacConfig returns a two byte AAC-LC AudioSpecificConfig for a sample
// rate, used when a quality level carries no codec data.
func aacConfig(sampleRate, channels int) []byte {
	index := uint16(4)
	switch sampleRate {
	case 96000:
		index = 0
	case 88200:
		index = 1
	case 64000:
		index = 2
	case 48000:
		index = 3
	case 44100:
		index = 4
	case 32000:
		index = 5
	}
	if channels <= 0 || channels > 7 {
		channels = 2
	}
	v := uint16(mpeg4audio.ObjectTypeAACLC)<<11 | index<<7 | uint16(channels)<<3
	return []byte{byte(v >> 8), byte(v)}
}
