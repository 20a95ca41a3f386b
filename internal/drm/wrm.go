package drm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// WRMHeader is the subset of a PlayReady object the player needs.
type WRMHeader struct {
	Version string
	// KeyID is in Widevine (big-endian GUID) byte order.
	KeyID      []byte
	LicenseURL string
	CryptoMode CryptoMode
	// Object is the decoded PlayReady object, used as init data.
	Object []byte
}

const wrmRecordHeader = 0x0001

type wrmDocument struct {
	XMLName xml.Name `xml:"WRMHEADER"`
	Version string   `xml:"version,attr"`
	Data    struct {
		KID         string `xml:"KID"`
		LAURL       string `xml:"LA_URL"`
		ProtectInfo struct {
			AlgID string `xml:"ALGID"`
			KIDs  []struct {
				Value string `xml:"VALUE,attr"`
				AlgID string `xml:"ALGID,attr"`
				Text  string `xml:",chardata"`
			} `xml:"KIDS>KID"`
			KID *struct {
				Value string `xml:"VALUE,attr"`
				AlgID string `xml:"ALGID,attr"`
			} `xml:"KID"`
		} `xml:"PROTECTINFO"`
	} `xml:"DATA"`
}

// ParseWRMHeaderBase64 decodes a base64 PlayReady object and parses it.
func ParseWRMHeaderBase64(b64 string) (*WRMHeader, error) {
	obj, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: playready object: %w", ErrProtectionConfig, err)
	}
	return ParseWRMHeader(obj)
}

// ParseWRMHeader parses a binary PlayReady object:
// [length u32][record count u16] followed by [type u16][size u16][data]
// records, all little-endian. The first record of type 1 holds the
// UTF-16LE WRMHEADER document.
func ParseWRMHeader(obj []byte) (*WRMHeader, error) {
	if len(obj) < 6 {
		return nil, fmt.Errorf("%w: playready object too short", ErrProtectionConfig)
	}
	count := int(binary.LittleEndian.Uint16(obj[4:]))
	p := 6
	for i := 0; i < count; i++ {
		if p+4 > len(obj) {
			break
		}
		typ := binary.LittleEndian.Uint16(obj[p:])
		size := int(binary.LittleEndian.Uint16(obj[p+2:]))
		p += 4
		if p+size > len(obj) {
			return nil, fmt.Errorf("%w: playready record exceeds object", ErrProtectionConfig)
		}
		if typ&wrmRecordHeader != 0 {
			hdr, err := parseWRMDocument(obj[p : p+size])
			if err != nil {
				return nil, err
			}
			hdr.Object = obj
			return hdr, nil
		}
		p += size
	}
	return nil, fmt.Errorf("%w: no WRMHEADER record", ErrProtectionConfig)
}

func parseWRMDocument(utf16 []byte) (*WRMHeader, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	text, _, err := transform.Bytes(dec, utf16)
	if err != nil {
		return nil, fmt.Errorf("%w: WRMHEADER encoding: %w", ErrProtectionConfig, err)
	}

	var doc wrmDocument
	if err := xml.NewDecoder(bytes.NewReader(text)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: WRMHEADER xml: %w", ErrProtectionConfig, err)
	}

	hdr := &WRMHeader{
		Version:    doc.Version,
		LicenseURL: strings.TrimSpace(doc.Data.LAURL),
	}

	var kidB64, alg string
	if strings.HasPrefix(doc.Version, "4.0") {
		kidB64 = doc.Data.KID
		alg = doc.Data.ProtectInfo.AlgID
	} else {
		switch {
		case len(doc.Data.ProtectInfo.KIDs) > 0:
			k := doc.Data.ProtectInfo.KIDs[0]
			kidB64, alg = k.Value, k.AlgID
			if kidB64 == "" {
				kidB64 = k.Text
			}
		case doc.Data.ProtectInfo.KID != nil:
			kidB64, alg = doc.Data.ProtectInfo.KID.Value, doc.Data.ProtectInfo.KID.AlgID
		}
	}

	hdr.CryptoMode = ParseCryptoMode(alg)
	if hdr.CryptoMode == CryptoModeNone {
		hdr.CryptoMode = CryptoModeAESCTR
	}

	kidB64 = strings.TrimSpace(kidB64)
	if kidB64 == "" {
		return hdr, nil
	}
	kid, err := base64.StdEncoding.DecodeString(kidB64)
	if err != nil {
		return nil, fmt.Errorf("%w: WRMHEADER kid: %w", ErrProtectionConfig, err)
	}
	if len(kid) != KeyIDSize {
		return nil, fmt.Errorf("%w: WRMHEADER kid of %d bytes", ErrProtectionConfig, len(kid))
	}
	hdr.KeyID = PlayReadyToWidevineKID(kid)
	return hdr, nil
}

// BuildWRMObject encodes a WRMHEADER document into a PlayReady object.
// It is the inverse of ParseWRMHeader and is used to synthesise init data.
func BuildWRMObject(document string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	rec, _, err := transform.Bytes(enc, []byte(document))
	if err != nil {
		return nil, fmt.Errorf("encoding WRMHEADER: %w", err)
	}
	total := 6 + 4 + len(rec)
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint16(out, 1)
	out = binary.LittleEndian.AppendUint16(out, wrmRecordHeader)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(rec)))
	return append(out, rec...), nil
}
