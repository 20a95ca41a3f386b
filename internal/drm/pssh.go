package drm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"google.golang.org/protobuf/encoding/protowire"
)

// PSSH is a decoded protection system specific header box.
type PSSH struct {
	Version  uint8
	SystemID [16]byte
	KeyIDs   [][]byte
	Data     []byte
}

// ParsePSSH decodes a complete pssh box (header included).
func ParsePSSH(box []byte) (*PSSH, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(box), nil, mp4.BoxPath{mp4.BoxTypePssh()})
	if err != nil {
		return nil, fmt.Errorf("%w: pssh: %w", ErrProtectionConfig, err)
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("%w: no pssh box found", ErrProtectionConfig)
	}
	return psshFromBox(boxes[0].Payload.(*mp4.Pssh)), nil
}

// ParsePSSHList decodes every pssh box in a concatenation of boxes.
func ParsePSSHList(data []byte) ([]*PSSH, error) {
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath{mp4.BoxTypePssh()})
	if err != nil {
		return nil, fmt.Errorf("%w: pssh: %w", ErrProtectionConfig, err)
	}
	out := make([]*PSSH, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, psshFromBox(b.Payload.(*mp4.Pssh)))
	}
	return out, nil
}

func psshFromBox(box *mp4.Pssh) *PSSH {
	p := &PSSH{
		Version:  box.GetVersion(),
		SystemID: box.SystemID,
		Data:     append([]byte(nil), box.Data...),
	}
	for _, k := range box.KIDs {
		kid := k.KID
		p.KeyIDs = append(p.KeyIDs, kid[:])
	}
	return p
}

// MakePSSH builds a pssh box. A version 1 box is written when key ids are given.
func MakePSSH(systemID [16]byte, keyIDs [][]byte, data []byte) ([]byte, error) {
	box := &mp4.Pssh{
		SystemID: systemID,
		DataSize: int32(len(data)),
		Data:     data,
	}
	if len(keyIDs) > 0 {
		box.SetVersion(1)
		box.KIDCount = uint32(len(keyIDs))
		for _, kid := range keyIDs {
			if len(kid) != KeyIDSize {
				return nil, fmt.Errorf("%w: key id of %d bytes", ErrProtectionConfig, len(kid))
			}
			var k mp4.PsshKID
			copy(k.KID[:], kid)
			box.KIDs = append(box.KIDs, k)
		}
	}

	var buf seekablebuffer.Buffer
	w := mp4.NewWriter(&buf)
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypePssh()}); err != nil {
		return nil, fmt.Errorf("writing pssh header: %w", err)
	}
	if _, err := mp4.Marshal(w, box, mp4.Context{}); err != nil {
		return nil, fmt.Errorf("marshaling pssh: %w", err)
	}
	if _, err := w.EndBox(); err != nil {
		return nil, fmt.Errorf("finishing pssh: %w", err)
	}
	return buf.Bytes(), nil
}

// Widevine cenc header protobuf field numbers.
const (
	wvFieldKeyID     protowire.Number = 2
	wvFieldContentID protowire.Number = 4
)

// MakeWidevinePsshData builds the Widevine cenc header carried in a pssh
// data field. When contentID is empty and exactly one key id is given, the
// key id doubles as content id. Otherwise {KID} in contentID is replaced by
// the raw first key id and {UUID} by its UUID form.
func MakeWidevinePsshData(keyIDs [][]byte, contentID []byte) []byte {
	var b []byte
	for _, kid := range keyIDs {
		b = protowire.AppendTag(b, wvFieldKeyID, protowire.BytesType)
		b = protowire.AppendBytes(b, kid)
	}

	var content []byte
	switch {
	case len(contentID) == 0 && len(keyIDs) == 1:
		content = keyIDs[0]
	case len(contentID) > 0:
		content = contentID
		if len(keyIDs) > 0 {
			content = bytes.ReplaceAll(content, []byte("{KID}"), keyIDs[0])
			content = bytes.ReplaceAll(content, []byte("{UUID}"), []byte(KeyIDUUID(keyIDs[0])))
		}
	}
	if len(content) > 0 {
		b = protowire.AppendTag(b, wvFieldContentID, protowire.BytesType)
		b = protowire.AppendBytes(b, content)
	}
	return b
}

// ParseWidevinePsshData extracts key ids and content id from a Widevine cenc header.
func ParseWidevinePsshData(data []byte) (keyIDs [][]byte, contentID []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: widevine header: %w", ErrProtectionConfig, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: widevine header: %w", ErrProtectionConfig, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: widevine header: %w", ErrProtectionConfig, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case wvFieldKeyID:
			keyIDs = append(keyIDs, append([]byte(nil), v...))
		case wvFieldContentID:
			contentID = append([]byte(nil), v...)
		}
	}
	return keyIDs, contentID, nil
}

// DefaultISMLicenseData is base64("{KID}").
const DefaultISMLicenseData = "e0tJRH0="

// CreateISMLicense synthesises a Widevine pssh for Smooth Streaming content,
// which only advertises a key id. licenseData is the base64 encoded content
// id template.
func CreateISMLicense(keyID []byte, licenseData string) ([]byte, error) {
	if len(keyID) != KeyIDSize {
		return nil, fmt.Errorf("%w: key id of %d bytes", ErrProtectionConfig, len(keyID))
	}
	if licenseData == "" {
		licenseData = DefaultISMLicenseData
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(licenseData))
	if err != nil {
		return nil, fmt.Errorf("%w: license data: %w", ErrProtectionConfig, err)
	}
	data := MakeWidevinePsshData([][]byte{keyID}, content)
	return MakePSSH(MustSystemID(URNWidevine), nil, data)
}
