package drm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/repack"
)

var testContentKey = []byte("0123456789abcdef")

func lookupTestKey(kid []byte) ([]byte, bool) {
	if bytes.Equal(kid, testKID) {
		return testContentKey, true
	}
	return nil, false
}

func ctrEncrypt(t *testing.T, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(testContentKey)
	require.NoError(t, err)
	full := make([]byte, aes.BlockSize)
	copy(full, iv)
	out := make([]byte, len(plain))
	cipher.NewCTR(block, full).XORKeyStream(out, plain)
	return out
}

func cbcEncrypt(t *testing.T, iv, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(testContentKey)
	require.NoError(t, err)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out
}

func TestAESDecryptor_CTR(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	enc := ctrEncrypt(t, testIV, plain)

	d := AESDecryptor{Lookup: lookupTestKey}
	out, err := d.Decrypt(testKID, CryptoModeAESCTR, testIV, Pattern{}, enc)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestAESDecryptor_CBC(t *testing.T) {
	iv := bytes.Repeat([]byte{7}, 16)
	plain := bytes.Repeat([]byte("0123456789ABCDEF"), 3)
	tail := []byte{1, 2, 3}

	enc := append(cbcEncrypt(t, iv, plain), tail...)
	d := AESDecryptor{Lookup: lookupTestKey}
	out, err := d.Decrypt(testKID, CryptoModeAESCBC, iv, Pattern{}, enc)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte(nil), plain...), tail...), out)
}

func TestAESDecryptor_CBCPattern(t *testing.T) {
	iv := bytes.Repeat([]byte{9}, 16)
	blocks := bytes.Repeat([]byte("abcdefghijklmnop"), 4)

	// 1:1 pattern encrypts blocks 0 and 2; blocks 1 and 3 stay clear.
	encBlocks := cbcEncrypt(t, iv, append(append([]byte(nil), blocks[0:16]...), blocks[32:48]...))
	enc := make([]byte, 0, len(blocks))
	enc = append(enc, encBlocks[0:16]...)
	enc = append(enc, blocks[16:32]...)
	enc = append(enc, encBlocks[16:32]...)
	enc = append(enc, blocks[48:64]...)

	d := AESDecryptor{Lookup: lookupTestKey}
	out, err := d.Decrypt(testKID, CryptoModeAESCBC, iv, Pattern{CryptBlocks: 1, SkipBlocks: 1}, enc)
	require.NoError(t, err)
	assert.Equal(t, blocks, out)
}

func TestAESDecryptor_Errors(t *testing.T) {
	d := AESDecryptor{Lookup: lookupTestKey}
	_, err := d.Decrypt(testKID2, CryptoModeAESCTR, testIV, Pattern{}, []byte{1})
	assert.True(t, IsNoKey(err))

	empty := AESDecryptor{Lookup: func([]byte) ([]byte, bool) { return nil, true }}
	_, err = empty.Decrypt(testKID, CryptoModeAESCTR, testIV, Pattern{}, []byte{1})
	assert.ErrorIs(t, err, ErrDecrypt)

	short := AESDecryptor{Lookup: func([]byte) ([]byte, bool) { return []byte{1, 2, 3}, true }}
	_, err = short.Decrypt(testKID, CryptoModeAESCTR, testIV, Pattern{}, []byte{1})
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = d.Decrypt(testKID, CryptoModeAESCTR, testIV, Pattern{CryptBlocks: 1, SkipBlocks: 9}, make([]byte, 32))
	assert.ErrorIs(t, err, ErrNotSupported, "cens pattern encryption")
	assert.True(t, IsSampleScoped(err))
}

func TestCenc_CTRCounterSpansSubsamples(t *testing.T) {
	regionA := []byte("first encrypted region.")
	regionB := []byte("second one")
	enc := ctrEncrypt(t, testIV, append(append([]byte(nil), regionA...), regionB...))

	sample := make([]byte, 0, 64)
	sample = append(sample, 0xAA, 0xBB)
	sample = append(sample, enc[:len(regionA)]...)
	sample = append(sample, 0xCC)
	sample = append(sample, enc[len(regionA):]...)

	c, pool := newTestCenc(AESDecryptor{Lookup: lookupTestKey}, CryptoModeAESCTR)
	out, err := c.DecryptSampleData(pool, sample, testIV, repack.Subsamples{
		Clear:  []uint16{2, 1},
		Cipher: []uint32{uint32(len(regionA)), uint32(len(regionB))},
	})
	require.NoError(t, err)

	want := append([]byte{0xAA, 0xBB}, regionA...)
	want = append(want, 0xCC)
	want = append(want, regionB...)
	assert.Equal(t, want, out)
}
