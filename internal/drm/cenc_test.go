package drm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/repack"
)

// xorDecryptor flips every byte and records each invocation.
type xorDecryptor struct {
	calls [][]byte
	err   error
}

func (d *xorDecryptor) Decrypt(_ []byte, _ CryptoMode, _ []byte, _ Pattern, data []byte) ([]byte, error) {
	d.calls = append(d.calls, append([]byte(nil), data...))
	if d.err != nil {
		return nil, d.err
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0xFF
	}
	return out, nil
}

func newTestCenc(d Decryptor, mode CryptoMode) (*Cenc, uint32) {
	c := NewCenc(d, mode)
	c.SetSessionOpen(true)
	c.Keys.SetStatus(testKID, KeyStatusUsable)
	pool := c.AddPool()
	_ = c.SetFragmentInfo(pool, FragmentInfo{KeyID: testKID})
	return c, pool
}

var (
	twoSubsampleIn   = []byte{0xA0, 0xA1, 0x00, 0x01, 0xB0, 0x02, 0x03, 0x04}
	twoSubsampleSubs = repack.Subsamples{Clear: []uint16{2, 1}, Cipher: []uint32{2, 3}}
	twoSubsampleWant = []byte{0xA0, 0xA1, 0xFF, 0xFE, 0xB0, 0xFD, 0xFC, 0xFB}
	testIV           = []byte{1, 2, 3, 4, 5, 6, 7, 8}
)

func TestCenc_CTRSingleInvocation(t *testing.T) {
	d := &xorDecryptor{}
	c, pool := newTestCenc(d, CryptoModeAESCTR)

	out, err := c.DecryptSampleData(pool, twoSubsampleIn, testIV, twoSubsampleSubs)
	require.NoError(t, err)
	assert.Equal(t, twoSubsampleWant, out)
	require.Len(t, d.calls, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, d.calls[0])
}

func TestCenc_CBCPerSubsample(t *testing.T) {
	d := &xorDecryptor{}
	c, pool := newTestCenc(d, CryptoModeAESCBC)

	out, err := c.DecryptSampleData(pool, twoSubsampleIn, testIV, twoSubsampleSubs)
	require.NoError(t, err)
	assert.Equal(t, twoSubsampleWant, out)
	require.Len(t, d.calls, 2)
	assert.Equal(t, []byte{0x00, 0x01}, d.calls[0])
	assert.Equal(t, []byte{0x02, 0x03, 0x04}, d.calls[1])
}

func TestCenc_CBCSkipsClearOnlySubsamples(t *testing.T) {
	d := &xorDecryptor{}
	c, pool := newTestCenc(d, CryptoModeAESCBC)

	in := []byte{1, 2, 3, 0x10}
	out, err := c.DecryptSampleData(pool, in, testIV, repack.Subsamples{Clear: []uint16{3, 0}, Cipher: []uint32{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0xEF}, out)
	assert.Len(t, d.calls, 1)
}

func TestCenc_ClearAndWholeSample(t *testing.T) {
	d := &xorDecryptor{}
	c, pool := newTestCenc(d, CryptoModeAESCTR)

	out, err := c.DecryptSampleData(pool, []byte{1, 2}, nil, repack.Subsamples{})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out)
	assert.Empty(t, d.calls)

	out, err = c.DecryptSampleData(pool, []byte{0x0F, 0xF0}, testIV, repack.Subsamples{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0x0F}, out)
	assert.Len(t, d.calls, 1)

	out, err = c.DecryptSampleData(pool, []byte{1, 2}, testIV, repack.Subsamples{Clear: []uint16{2}, Cipher: []uint32{0}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out)
	assert.Len(t, d.calls, 1)
}

func TestCenc_Errors(t *testing.T) {
	t.Run("subsamples exceed sample", func(t *testing.T) {
		c, pool := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
		_, err := c.DecryptSampleData(pool, []byte{1}, testIV, repack.Subsamples{Clear: []uint16{1}, Cipher: []uint32{4}})
		assert.ErrorIs(t, err, ErrNotSupported)
		assert.True(t, IsSampleScoped(err))
	})

	t.Run("cipher failure", func(t *testing.T) {
		c, pool := newTestCenc(&xorDecryptor{err: errors.New("boom")}, CryptoModeAESCTR)
		_, err := c.DecryptSampleData(pool, []byte{1}, testIV, repack.Subsamples{})
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("no key passes through", func(t *testing.T) {
		c, pool := newTestCenc(&xorDecryptor{err: ErrNoKey}, CryptoModeAESCTR)
		_, err := c.DecryptSampleData(pool, []byte{1}, testIV, repack.Subsamples{})
		assert.True(t, IsNoKey(err))
		assert.False(t, errors.Is(err, ErrDecrypt))
	})

	t.Run("unknown pool", func(t *testing.T) {
		c, _ := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
		_, err := c.DecryptSampleData(42, []byte{1}, nil, repack.Subsamples{})
		assert.ErrorIs(t, err, ErrPoolNotFound)
	})

	t.Run("nal length size too large", func(t *testing.T) {
		c, pool := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
		err := c.SetFragmentInfo(pool, FragmentInfo{NALLengthSize: 8})
		assert.ErrorIs(t, err, ErrNotSupported)
	})

	t.Run("no key id", func(t *testing.T) {
		c := NewCenc(&xorDecryptor{}, CryptoModeAESCTR)
		pool := c.AddPool()
		_, err := c.DecryptSampleData(pool, []byte{1}, testIV, repack.Subsamples{})
		assert.True(t, IsNoKey(err))
	})
}

func TestCenc_Pools(t *testing.T) {
	c := NewCenc(&xorDecryptor{}, CryptoModeNone)
	assert.Equal(t, CryptoModeAESCTR, c.CryptoMode())

	a := c.AddPool()
	b := c.AddPool()
	assert.NotEqual(t, a, b)

	c.RemovePool(a)
	assert.Equal(t, a, c.AddPool())
	assert.ErrorIs(t, c.SetFragmentInfo(99, FragmentInfo{}), ErrPoolNotFound)
}

func TestCenc_SecurePathEnvelope(t *testing.T) {
	d := &xorDecryptor{}
	c, pool := newTestCenc(d, CryptoModeAESCTR)
	require.NoError(t, c.SetFragmentInfo(pool, FragmentInfo{
		KeyID:         testKID,
		NALLengthSize: 4,
		Flags:         FragmentSecurePath | FragmentAnnexB,
	}))

	in := []byte{0, 0, 0, 2, 0x65, 0xAA}
	out, err := c.DecryptSampleData(pool, in, testIV, repack.Subsamples{Clear: []uint16{5}, Cipher: []uint32{1}})
	require.NoError(t, err)
	assert.Empty(t, d.calls)

	payload, subs, iv, kid, err := repack.ParseEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xAA}, payload)
	assert.Equal(t, []uint16{5}, subs.Clear)
	assert.Equal(t, []uint32{1}, subs.Cipher)
	assert.Equal(t, testIV, iv[:len(testIV)])
	assert.Equal(t, testKID, kid)
}

func TestCenc_SecurePathInjectsParamSetsOnce(t *testing.T) {
	c, pool := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
	ps := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68, 0xCE}
	require.NoError(t, c.SetFragmentInfo(pool, FragmentInfo{
		KeyID:         testKID,
		NALLengthSize: 4,
		ParamSets:     ps,
		Flags:         FragmentSecurePath,
	}))

	in := []byte{0, 0, 0, 1, 0x09, 0, 0, 0, 2, 0x65, 0xAA}
	first, err := c.DecryptSampleData(pool, in, nil, repack.Subsamples{})
	require.NoError(t, err)
	assert.True(t, bytes.Contains(first, ps))

	second, err := c.DecryptSampleData(pool, in, nil, repack.Subsamples{})
	require.NoError(t, err)
	assert.False(t, bytes.Contains(second, ps))
	assert.Equal(t, []byte{0, 0, 0, 1, 0x09, 0, 0, 0, 1, 0x65, 0xAA}, second)
}

func TestCenc_SecurePathStraddleRejected(t *testing.T) {
	c, pool := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
	require.NoError(t, c.SetFragmentInfo(pool, FragmentInfo{KeyID: testKID, NALLengthSize: 4, Flags: FragmentSecurePath}))

	in := []byte{0, 0, 0, 4, 0x65, 0xAA, 0xBB, 0xCC}
	_, err := c.DecryptSampleData(pool, in, testIV, repack.Subsamples{Clear: []uint16{5, 1}, Cipher: []uint32{1, 1}})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestCenc_GetCapabilities(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		c := NewCenc(&xorDecryptor{}, CryptoModeAESCTR)
		c.SetLimits(22, 0, 0)
		caps := c.GetCapabilities(testKID, MediaVideo)
		assert.Equal(t, CapFlags(0), caps.Flags)
		assert.Equal(t, uint16(22), caps.HDCPVersion)
	})

	t.Run("key not usable", func(t *testing.T) {
		c := NewCenc(&xorDecryptor{}, CryptoModeAESCTR)
		c.SetSessionOpen(true)
		c.Keys.SetStatus(testKID, KeyStatusOutputRestricted)
		c.SetLimits(0, 0, 921600)
		caps := c.GetCapabilities(testKID, MediaVideo)
		assert.Equal(t, CapSupportsDecoding, caps.Flags)
		assert.Equal(t, 0, caps.HDCPLimit)
	})

	t.Run("software decrypt", func(t *testing.T) {
		c, _ := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
		c.SetLimits(0, 0, 921600)
		caps := c.GetCapabilities(nil, MediaVideo)
		assert.True(t, caps.Flags.Has(CapSupportsDecoding|CapSingleDecrypt))
		assert.Equal(t, uint16(HDCPVersionUnrestricted), caps.HDCPVersion)
		assert.Equal(t, 921600, caps.HDCPLimit)
	})

	t.Run("video falls back to secure path", func(t *testing.T) {
		c, _ := newTestCenc(&xorDecryptor{err: errors.New("hw only")}, CryptoModeAESCTR)
		caps := c.GetCapabilities(testKID, MediaVideo)
		assert.True(t, caps.Flags.Has(CapSupportsDecoding|CapSecurePath|CapAnnexBRequired))
		assert.False(t, caps.Flags.Has(CapSingleDecrypt))
	})

	t.Run("secure path keeps unrestricted hdcp without license data", func(t *testing.T) {
		c, _ := newTestCenc(&xorDecryptor{err: errors.New("hw only")}, CryptoModeAESCTR)
		c.SetLimits(0, 0, 0)
		caps := c.GetCapabilities(testKID, MediaVideo)
		assert.True(t, caps.Flags.Has(CapSecurePath))
		assert.Equal(t, uint16(HDCPVersionUnrestricted), caps.HDCPVersion)
	})

	t.Run("audio invalid", func(t *testing.T) {
		c, _ := newTestCenc(&xorDecryptor{err: errors.New("hw only")}, CryptoModeAESCTR)
		caps := c.GetCapabilities(testKID, MediaAudio)
		assert.Equal(t, CapInvalid, caps.Flags)
	})

	t.Run("trial decrypt releases its pool", func(t *testing.T) {
		c, pool := newTestCenc(&xorDecryptor{}, CryptoModeAESCTR)
		c.GetCapabilities(testKID, MediaVideo)
		assert.Equal(t, pool+1, c.AddPool())
	})
}
