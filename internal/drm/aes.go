package drm

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeyLookup returns the content key for a key id.
type KeyLookup func(keyID []byte) ([]byte, bool)

// AESDecryptor is a software Decryptor for AES-CTR (cenc) and AES-CBC
// (cbcs, with optional crypt/skip pattern).
type AESDecryptor struct {
	Lookup KeyLookup
}

// Decrypt implements Decryptor.
func (d AESDecryptor) Decrypt(keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error) {
	key, ok := d.Lookup(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, KeyIDHex(keyID))
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key for %s", ErrDecrypt, KeyIDHex(keyID))
	}
	if mode != CryptoModeAESCBC && !pattern.IsZero() {
		return nil, fmt.Errorf("%w: pattern encryption in ctr mode", ErrNotSupported)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	fullIV := make([]byte, aes.BlockSize)
	copy(fullIV, iv)

	out := make([]byte, len(data))
	switch mode {
	case CryptoModeAESCBC:
		decryptCBCS(block, fullIV, pattern, data, out)
	default:
		cipher.NewCTR(block, fullIV).XORKeyStream(out, data)
	}
	return out, nil
}

// decryptCBCS decrypts whole blocks following the crypt/skip pattern. The
// chain continues across encrypted blocks; skipped and trailing partial
// blocks are copied unchanged.
func decryptCBCS(block cipher.Block, iv []byte, pattern Pattern, in, out []byte) {
	copy(out, in)
	bs := aes.BlockSize
	if pattern.IsZero() {
		n := len(in) / bs * bs
		if n > 0 {
			cipher.NewCBCDecrypter(block, iv).CryptBlocks(out[:n], in[:n])
		}
		return
	}

	dec := cipher.NewCBCDecrypter(block, iv)
	crypt := int(pattern.CryptBlocks) * bs
	skip := int(pattern.SkipBlocks) * bs
	for pos := 0; pos+bs <= len(in); pos += crypt + skip {
		n := crypt
		if pos+n > len(in) {
			n = (len(in) - pos) / bs * bs
		}
		if n == 0 {
			break
		}
		dec.CryptBlocks(out[pos:pos+n], in[pos:pos+n])
	}
}
