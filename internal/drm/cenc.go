package drm

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/jmylchreest/abrcore/internal/repack"
)

// Decryptor performs a single cipher invocation over contiguous encrypted
// bytes. It is supplied by each backend.
type Decryptor interface {
	Decrypt(keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error)
}

// DecryptorFunc adapts a function to the Decryptor interface.
type DecryptorFunc func(keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error)

// Decrypt calls f.
func (f DecryptorFunc) Decrypt(keyID []byte, mode CryptoMode, iv []byte, pattern Pattern, data []byte) ([]byte, error) {
	return f(keyID, mode, iv, pattern, data)
}

// Cenc is the sample decryption core embedded by every backend session. It
// owns the key table, the fragment pool and the secure/software decrypt
// paths. Backends provide the raw cipher through a Decryptor.
type Cenc struct {
	Keys *KeyTable

	mu              sync.Mutex
	decryptor       Decryptor
	mode            CryptoMode
	pools           []*poolSlot
	sessionOpen     bool
	hdcpVersion     uint16
	hdcpLimit       int
	resolutionLimit int
}

type poolSlot struct {
	inUse bool
	info  FragmentInfo
}

// NewCenc creates a core that decrypts with d in the given mode.
func NewCenc(d Decryptor, mode CryptoMode) *Cenc {
	if mode == CryptoModeNone {
		mode = CryptoModeAESCTR
	}
	return &Cenc{Keys: NewKeyTable(), decryptor: d, mode: mode, hdcpVersion: HDCPVersionUnrestricted}
}

// CryptoMode returns the session cipher mode.
func (c *Cenc) CryptoMode() CryptoMode { return c.mode }

// SetSessionOpen marks whether a session id exists. Capability probes
// report nothing while no session is open.
func (c *Cenc) SetSessionOpen(open bool) {
	c.mu.Lock()
	c.sessionOpen = open
	c.mu.Unlock()
}

// SetLimits stores the HDCP data reported by the license server.
func (c *Cenc) SetLimits(hdcpVersion uint16, hdcpLimit, resolutionLimit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hdcpVersion != 0 {
		c.hdcpVersion = hdcpVersion
	}
	if hdcpLimit != 0 {
		c.hdcpLimit = hdcpLimit
	}
	if resolutionLimit != 0 {
		c.resolutionLimit = resolutionLimit
	}
}

// AddKeyID adds a key id to the table.
func (c *Cenc) AddKeyID(kid []byte) { c.Keys.Add(kid, KeyStatusPending) }

// SetDefaultKeyID sets the key used when a fragment names none.
func (c *Cenc) SetDefaultKeyID(kid []byte) { c.Keys.SetDefault(kid) }

// HasKeyID reports whether the session knows kid.
func (c *Cenc) HasKeyID(kid []byte) bool { return c.Keys.Has(kid) }

// AddPool reserves a fragment context slot, reusing a released one.
func (c *Cenc) AddPool() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pools {
		if !p.inUse {
			c.pools[i] = &poolSlot{inUse: true}
			return uint32(i)
		}
	}
	c.pools = append(c.pools, &poolSlot{inUse: true})
	return uint32(len(c.pools) - 1)
}

// RemovePool releases a fragment context slot.
func (c *Cenc) RemovePool(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < len(c.pools) {
		c.pools[id] = &poolSlot{}
	}
}

// SetFragmentInfo configures a pool slot for the following samples.
func (c *Cenc) SetFragmentInfo(pool uint32, info FragmentInfo) error {
	if info.NALLengthSize > 4 {
		return fmt.Errorf("%w: nal length size %d", ErrNotSupported, info.NALLengthSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, err := c.slot(pool)
	if err != nil {
		return err
	}
	info.KeyID = append([]byte(nil), info.KeyID...)
	info.ParamSets = append([]byte(nil), info.ParamSets...)
	slot.info = info
	return nil
}

func (c *Cenc) slot(pool uint32) (*poolSlot, error) {
	if int(pool) >= len(c.pools) || !c.pools[pool].inUse {
		return nil, fmt.Errorf("%w: %d", ErrPoolNotFound, pool)
	}
	return c.pools[pool], nil
}

// GetCapabilities probes decrypt support by trial-decrypting TestSample.
func (c *Cenc) GetCapabilities(keyID []byte, media MediaType) Capabilities {
	c.mu.Lock()
	caps := Capabilities{HDCPVersion: c.hdcpVersion, HDCPLimit: c.hdcpLimit}
	open := c.sessionOpen
	resLimit := c.resolutionLimit
	c.mu.Unlock()

	if !open {
		return caps
	}
	caps.Flags = CapSupportsDecoding

	if len(keyID) == 0 {
		keyID = c.Keys.Default()
	}
	if len(keyID) == 0 || !c.Keys.Usable(keyID) {
		return caps
	}
	if caps.HDCPLimit == 0 {
		caps.HDCPLimit = resLimit
	}

	pool := c.AddPool()
	defer c.RemovePool(pool)
	if err := c.SetFragmentInfo(pool, FragmentInfo{KeyID: keyID}); err != nil {
		return caps
	}

	subs := repack.Subsamples{Clear: []uint16{0}, Cipher: []uint32{uint32(len(TestSample))}}
	if _, err := c.DecryptSampleData(pool, TestSample, TestSampleIV, subs); err != nil {
		if media == MediaVideo {
			caps.Flags |= CapSecurePath | CapAnnexBRequired
		} else {
			caps.Flags = CapInvalid
		}
		return caps
	}
	caps.Flags |= CapSingleDecrypt
	caps.HDCPVersion = HDCPVersionUnrestricted
	caps.HDCPLimit = resLimit
	return caps
}

// DecryptSampleData decrypts or packages one sample. iv is nil for clear
// samples. An empty subsample table means the whole sample is encrypted.
func (c *Cenc) DecryptSampleData(pool uint32, in, iv []byte, subs repack.Subsamples) ([]byte, error) {
	c.mu.Lock()
	slot, err := c.slot(pool)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	info := slot.info
	c.mu.Unlock()

	if info.Flags&FragmentSecurePath != 0 {
		return c.secureSample(pool, info, in, iv, subs)
	}

	kid := info.KeyID
	if len(kid) == 0 {
		kid = c.Keys.Default()
	}
	if len(kid) == 0 {
		return nil, fmt.Errorf("%w: fragment has no key id", ErrNoKey)
	}
	if iv == nil {
		return append([]byte(nil), in...), nil
	}
	if len(subs.Clear) == 0 {
		subs = repack.Subsamples{Clear: []uint16{0}, Cipher: []uint32{uint32(len(in))}}
	}
	if err := subs.Validate(len(in)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
	}

	if c.mode == CryptoModeAESCBC {
		return c.decryptCBC(kid, iv, info.Pattern, in, subs)
	}
	return c.decryptCTR(kid, iv, info.Pattern, in, subs)
}

// decryptCTR concatenates every cipher region into one invocation.
func (c *Cenc) decryptCTR(kid, iv []byte, pattern Pattern, in []byte, subs repack.Subsamples) ([]byte, error) {
	var cipher bytes.Buffer
	pos := 0
	for i := range subs.Clear {
		pos += int(subs.Clear[i])
		cipher.Write(in[pos : pos+int(subs.Cipher[i])])
		pos += int(subs.Cipher[i])
	}
	if cipher.Len() == 0 {
		return append([]byte(nil), in...), nil
	}

	plain, err := c.decryptor.Decrypt(kid, CryptoModeAESCTR, iv, pattern, cipher.Bytes())
	if err != nil {
		return nil, wrapDecryptError(err)
	}
	if len(plain) != cipher.Len() {
		return nil, fmt.Errorf("%w: cipher returned %d bytes for %d", ErrDecrypt, len(plain), cipher.Len())
	}

	out := make([]byte, 0, len(in))
	pos, cpos := 0, 0
	for i := range subs.Clear {
		nClear := int(subs.Clear[i])
		enc := int(subs.Cipher[i])
		out = append(out, in[pos:pos+nClear]...)
		out = append(out, plain[cpos:cpos+enc]...)
		pos += nClear + enc
		cpos += enc
	}
	return out, nil
}

// decryptCBC decrypts each subsample separately; cbc chaining cannot cross
// a subsample boundary.
func (c *Cenc) decryptCBC(kid, iv []byte, pattern Pattern, in []byte, subs repack.Subsamples) ([]byte, error) {
	out := make([]byte, 0, len(in))
	pos := 0
	for i := range subs.Clear {
		nClear := int(subs.Clear[i])
		enc := int(subs.Cipher[i])
		out = append(out, in[pos:pos+nClear]...)
		pos += nClear
		if enc == 0 {
			continue
		}
		plain, err := c.decryptor.Decrypt(kid, CryptoModeAESCBC, iv, pattern, in[pos:pos+enc])
		if err != nil {
			return nil, wrapDecryptError(err)
		}
		if len(plain) != enc {
			return nil, fmt.Errorf("%w: cipher returned %d bytes for %d", ErrDecrypt, len(plain), enc)
		}
		out = append(out, plain...)
		pos += enc
	}
	return out, nil
}

// secureSample rewrites NAL framing and wraps the sample for a hardware
// decoder without decrypting it.
func (c *Cenc) secureSample(pool uint32, info FragmentInfo, in, iv []byte, subs repack.Subsamples) ([]byte, error) {
	if iv != nil && len(subs.Clear) == 0 {
		subs = repack.Subsamples{Clear: []uint16{0}, Cipher: []uint32{uint32(len(in))}}
	}

	payload := in
	if info.NALLengthSize > 0 && (iv == nil || subs.Clear[0] > 0) {
		codec := repack.CodecH264
		if info.Flags&FragmentHEVC != 0 {
			codec = repack.CodecH265
		}
		layout := subs
		if iv == nil {
			layout = repack.Subsamples{Clear: []uint16{0}, Cipher: []uint32{uint32(len(in))}}
		}
		res, err := repack.ToAnnexB(in, layout, repack.Options{
			NALLengthSize: info.NALLengthSize,
			ParamSets:     info.ParamSets,
			Codec:         codec,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotSupported, err)
		}
		if res.Injected {
			c.mu.Lock()
			if slot, err := c.slot(pool); err == nil {
				slot.info.ParamSets = nil
			}
			c.mu.Unlock()
		}
		payload = res.Data
		if iv != nil {
			subs = res.Subsamples
		}
	}

	if iv == nil {
		return append([]byte(nil), payload...), nil
	}
	kid := info.KeyID
	if len(kid) == 0 {
		kid = c.Keys.Default()
	}
	return repack.Envelope(payload, subs, iv, kid), nil
}

func wrapDecryptError(err error) error {
	if IsNoKey(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDecrypt, err)
}
