package repack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAnnexB(t *testing.T) {
	tests := []struct {
		name      string
		sample    []byte
		subs      Subsamples
		opts      Options
		want      []byte
		wantClear []uint16
	}{
		{
			name:      "single nal four byte prefix",
			sample:    []byte{0, 0, 0, 2, 0x65, 0xAA},
			subs:      Subsamples{Clear: []uint16{5}, Cipher: []uint32{1}},
			opts:      Options{NALLengthSize: 4},
			want:      []byte{0, 0, 0, 1, 0x65, 0xAA},
			wantClear: []uint16{5},
		},
		{
			name:      "two byte prefix grows clear",
			sample:    []byte{0, 2, 0x65, 0xAA, 0, 1, 0x41},
			subs:      Subsamples{Clear: []uint16{3, 3}, Cipher: []uint32{1, 0}},
			opts:      Options{NALLengthSize: 2},
			want:      []byte{0, 0, 0, 1, 0x65, 0xAA, 0, 0, 0, 1, 0x41},
			wantClear: []uint16{5, 5},
		},
		{
			name:      "two nals in one subsample",
			sample:    []byte{0, 0, 0, 1, 0x09, 0, 0, 0, 2, 0x65, 0xAA},
			subs:      Subsamples{Clear: []uint16{10}, Cipher: []uint32{1}},
			opts:      Options{NALLengthSize: 4},
			want:      []byte{0, 0, 0, 1, 0x09, 0, 0, 0, 1, 0x65, 0xAA},
			wantClear: []uint16{10},
		},
		{
			name:   "param sets injected after aud",
			sample: []byte{0, 0, 0, 1, 0x09, 0, 0, 0, 2, 0x65, 0xAA},
			subs:   Subsamples{Clear: []uint16{10}, Cipher: []uint32{1}},
			opts: Options{
				NALLengthSize: 4,
				ParamSets:     []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68},
			},
			want: []byte{
				0, 0, 0, 1, 0x09,
				0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68,
				0, 0, 0, 1, 0x65, 0xAA,
			},
			wantClear: []uint16{20},
		},
		{
			name:   "hevc aud is recognised",
			sample: []byte{0, 0, 0, 2, 0x46, 0x01, 0, 0, 0, 2, 0x26, 0x01},
			subs:   Subsamples{Clear: []uint16{11}, Cipher: []uint32{1}},
			opts: Options{
				NALLengthSize: 4,
				ParamSets:     []byte{0, 0, 0, 1, 0x42},
				Codec:         CodecH265,
			},
			want: []byte{
				0, 0, 0, 1, 0x46, 0x01,
				0, 0, 0, 1, 0x42,
				0, 0, 0, 1, 0x26, 0x01,
			},
			wantClear: []uint16{16},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ToAnnexB(tt.sample, tt.subs, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Data)
			assert.Equal(t, tt.wantClear, res.Subsamples.Clear)
			assert.Equal(t, tt.subs.Cipher, res.Subsamples.Cipher)
			assert.Equal(t, len(res.Data), res.Subsamples.Size())
		})
	}
}

func TestToAnnexB_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		sample []byte
		subs   Subsamples
		nls    int
	}{
		{
			name:   "nal straddles subsample boundary",
			sample: []byte{0, 0, 0, 3, 0x65, 0xAA, 0xBB},
			subs:   Subsamples{Clear: []uint16{5, 1}, Cipher: []uint32{1, 0}},
			nls:    4,
		},
		{
			name:   "subsamples larger than sample",
			sample: []byte{0, 0, 0, 1, 0x65},
			subs:   Subsamples{Clear: []uint16{5}, Cipher: []uint32{4}},
			nls:    4,
		},
		{
			name:   "subsamples smaller than sample",
			sample: []byte{0, 0, 0, 1, 0x65, 0, 0, 0, 1, 0x41},
			subs:   Subsamples{Clear: []uint16{5}, Cipher: []uint32{0}},
			nls:    4,
		},
		{
			name:   "nal length size too large",
			sample: []byte{0, 0, 0, 0, 1, 0x65},
			subs:   Subsamples{Clear: []uint16{6}, Cipher: []uint32{0}},
			nls:    5,
		},
		{
			name:   "nal length exceeds sample",
			sample: []byte{0, 0, 0, 9, 0x65},
			subs:   Subsamples{Clear: []uint16{5}, Cipher: []uint32{0}},
			nls:    4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToAnnexB(tt.sample, tt.subs, Options{NALLengthSize: tt.nls})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotSupported)
		})
	}
}

func TestToAnnexB_ClearCountOverflow(t *testing.T) {
	// One NAL filling a 65535-byte clear region.
	nalSample := func(nls int) []byte {
		size := math.MaxUint16 - nls
		sample := make([]byte, math.MaxUint16)
		for i := 0; i < nls; i++ {
			sample[i] = byte(size >> (8 * (nls - 1 - i)))
		}
		sample[nls] = 0x65
		return sample
	}
	subs := Subsamples{Clear: []uint16{math.MaxUint16}, Cipher: []uint32{0}}

	t.Run("start code growth", func(t *testing.T) {
		_, err := ToAnnexB(nalSample(2), subs, Options{NALLengthSize: 2})
		assert.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("parameter set injection", func(t *testing.T) {
		_, err := ToAnnexB(nalSample(4), subs, Options{NALLengthSize: 4, ParamSets: []byte{0, 0, 0, 1, 0x67}})
		assert.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("fits exactly", func(t *testing.T) {
		res, err := ToAnnexB(nalSample(4), subs, Options{NALLengthSize: 4})
		require.NoError(t, err)
		assert.Equal(t, uint16(math.MaxUint16), res.Subsamples.Clear[0])
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	iv := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	kid := []byte{0xA, 0xB, 0xC, 0xD, 0xE, 0xF, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	subs := Subsamples{Clear: []uint16{5, 3}, Cipher: []uint32{16, 32}}
	payload := []byte("payload")

	env := Envelope(payload, subs, iv, kid)
	assert.Len(t, env, 4+2*6+32+len(payload))

	gotPayload, gotSubs, gotIV, gotKID, err := ParseEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, payload, gotPayload)
	assert.Equal(t, subs, gotSubs)
	assert.Equal(t, append(iv, make([]byte, 8)...), gotIV)
	assert.Equal(t, kid, gotKID)
}

func TestParseEnvelope_Truncated(t *testing.T) {
	_, _, _, _, err := ParseEnvelope([]byte{2, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrNotSupported)
}
