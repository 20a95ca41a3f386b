package drm

import (
	"testing"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKID  = []byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b}
	testKID2 = []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}
)

func TestMakePSSH_RoundTrip(t *testing.T) {
	wv := MustSystemID(URNWidevine)

	t.Run("version 0", func(t *testing.T) {
		box, err := MakePSSH(wv, nil, []byte("payload"))
		require.NoError(t, err)

		p, err := ParsePSSH(box)
		require.NoError(t, err)
		assert.Equal(t, uint8(0), p.Version)
		assert.Equal(t, wv, p.SystemID)
		assert.Empty(t, p.KeyIDs)
		assert.Equal(t, []byte("payload"), p.Data)
	})

	t.Run("version 1 with key ids", func(t *testing.T) {
		box, err := MakePSSH(wv, [][]byte{testKID, testKID2}, nil)
		require.NoError(t, err)

		p, err := ParsePSSH(box)
		require.NoError(t, err)
		assert.Equal(t, uint8(1), p.Version)
		assert.Equal(t, [][]byte{testKID, testKID2}, p.KeyIDs)
		assert.Empty(t, p.Data)
	})

	t.Run("bad key id size", func(t *testing.T) {
		_, err := MakePSSH(wv, [][]byte{{1, 2, 3}}, nil)
		assert.ErrorIs(t, err, ErrProtectionConfig)
	})
}

func TestParsePSSHList(t *testing.T) {
	a, err := MakePSSH(MustSystemID(URNWidevine), nil, []byte{1})
	require.NoError(t, err)
	b, err := MakePSSH(MustSystemID(URNPlayReady), nil, []byte{2})
	require.NoError(t, err)

	list, err := ParsePSSHList(append(a, b...))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, URNWidevine, URNForSystemID(list[0].SystemID))
	assert.Equal(t, URNPlayReady, URNForSystemID(list[1].SystemID))
}

func TestParsePSSH_NoBox(t *testing.T) {
	_, err := ParsePSSH([]byte{0, 0, 0, 8, 'f', 'r', 'e', 'e'})
	assert.ErrorIs(t, err, ErrProtectionConfig)
}

func TestWidevinePsshData(t *testing.T) {
	t.Run("single key id doubles as content id", func(t *testing.T) {
		data := MakeWidevinePsshData([][]byte{testKID}, nil)
		kids, content, err := ParseWidevinePsshData(data)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{testKID}, kids)
		assert.Equal(t, testKID, content)
	})

	t.Run("content template", func(t *testing.T) {
		data := MakeWidevinePsshData([][]byte{testKID}, []byte("id-{UUID}"))
		_, content, err := ParseWidevinePsshData(data)
		require.NoError(t, err)
		assert.Equal(t, "id-1077efec-c0b2-4d02-ace3-3c1e52e2fb4b", string(content))
	})

	t.Run("multiple key ids without content", func(t *testing.T) {
		data := MakeWidevinePsshData([][]byte{testKID, testKID2}, nil)
		kids, content, err := ParseWidevinePsshData(data)
		require.NoError(t, err)
		assert.Len(t, kids, 2)
		assert.Nil(t, content)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := ParseWidevinePsshData([]byte{0x12, 0x10, 0x01})
		assert.ErrorIs(t, err, ErrProtectionConfig)
	})
}

func TestCreateISMLicense(t *testing.T) {
	box, err := CreateISMLicense(testKID, "")
	require.NoError(t, err)

	p, err := ParsePSSH(box)
	require.NoError(t, err)
	assert.Equal(t, MustSystemID(URNWidevine), p.SystemID)

	kids, content, err := ParseWidevinePsshData(p.Data)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testKID}, kids)
	assert.Equal(t, testKID, content)

	_, err = CreateISMLicense([]byte{1}, "")
	assert.ErrorIs(t, err, ErrProtectionConfig)
	_, err = CreateISMLicense(testKID, "!!not base64")
	assert.ErrorIs(t, err, ErrProtectionConfig)
}

// buildProtectedInit writes moov{pssh, trak/.../stsd/encv/sinf{frma,schm,schi/tenc}}.
func buildProtectedInit(t *testing.T, pssh []byte) []byte {
	t.Helper()
	var buf seekablebuffer.Buffer
	w := mp4.NewWriter(&buf)

	start := func(typ mp4.BoxType) {
		_, err := w.StartBox(&mp4.BoxInfo{Type: typ})
		require.NoError(t, err)
	}
	end := func() {
		_, err := w.EndBox()
		require.NoError(t, err)
	}
	box := func(typ mp4.BoxType, payload mp4.IBox) {
		start(typ)
		_, err := mp4.Marshal(w, payload, mp4.Context{})
		require.NoError(t, err)
		end()
	}

	start(mp4.BoxTypeMoov())
	_, err := w.Write(pssh)
	require.NoError(t, err)
	for _, typ := range []mp4.BoxType{mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()} {
		start(typ)
	}
	start(mp4.BoxTypeStsd())
	_, err = mp4.Marshal(w, &mp4.Stsd{EntryCount: 1}, mp4.Context{})
	require.NoError(t, err)

	start(mp4.BoxTypeEncv())
	_, err = mp4.Marshal(w, &mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeEncv()},
			DataReferenceIndex: 1,
		},
		Width:           1280,
		Height:          720,
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}, mp4.Context{})
	require.NoError(t, err)

	start(mp4.BoxTypeSinf())
	box(mp4.BoxTypeFrma(), &mp4.Frma{DataFormat: [4]byte{'a', 'v', 'c', '1'}})
	box(mp4.BoxTypeSchm(), &mp4.Schm{SchemeType: [4]byte{'c', 'b', 'c', 's'}, SchemeVersion: 0x00010000})
	start(mp4.BoxTypeSchi())
	tenc := &mp4.Tenc{
		DefaultCryptByteBlock:  1,
		DefaultSkipByteBlock:   9,
		DefaultIsProtected:     1,
		DefaultPerSampleIVSize: 0,
		DefaultConstantIVSize:  16,
		DefaultConstantIV:      make([]byte, 16),
	}
	tenc.SetVersion(1)
	copy(tenc.DefaultKID[:], testKID)
	box(mp4.BoxTypeTenc(), tenc)
	end() // schi
	end() // sinf
	end() // encv
	end() // stsd
	for range 4 {
		end()
	}
	end() // moov
	return buf.Bytes()
}

func TestExtractProtection(t *testing.T) {
	pssh, err := MakePSSH(MustSystemID(URNWidevine), [][]byte{testKID}, MakeWidevinePsshData([][]byte{testKID}, nil))
	require.NoError(t, err)

	prot, err := ExtractProtection(buildProtectedInit(t, pssh))
	require.NoError(t, err)

	assert.True(t, prot.Protected())
	assert.Equal(t, testKID, prot.DefaultKeyID)
	assert.Equal(t, CryptoModeAESCBC, prot.Scheme)
	assert.Equal(t, Pattern{CryptBlocks: 1, SkipBlocks: 9}, prot.Pattern)
	assert.Equal(t, "avc1", prot.OriginalFormat)
	assert.Len(t, prot.ConstantIV, 16)
	require.Len(t, prot.PSSH, 1)
	assert.NotNil(t, prot.PSSHFor(MustSystemID(URNWidevine)))
	assert.Nil(t, prot.PSSHFor(MustSystemID(URNPlayReady)))
}

func TestExtractProtection_Clear(t *testing.T) {
	prot, err := ExtractProtection([]byte{0, 0, 0, 8, 'm', 'o', 'o', 'v'})
	require.NoError(t, err)
	assert.False(t, prot.Protected())
	assert.Empty(t, prot.PSSH)
}
