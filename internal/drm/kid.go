package drm

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyIDSize is the size of a CENC key id.
const KeyIDSize = 16

// ParseKeyID accepts a key id in UUID, hex, or base64 form.
func ParseKeyID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if id, err := uuid.Parse(strings.Trim(s, "{}")); err == nil {
		return id[:], nil
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeyIDSize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == KeyIDSize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: key id %q", ErrProtectionConfig, s)
}

// KeyIDUUID formats a 16-byte key id as a UUID string.
func KeyIDUUID(kid []byte) string {
	if len(kid) != KeyIDSize {
		return hex.EncodeToString(kid)
	}
	return uuid.UUID(kid).String()
}

// KeyIDHex formats a key id as lowercase hex.
func KeyIDHex(kid []byte) string { return hex.EncodeToString(kid) }

// PlayReadyToWidevineKID converts between the little-endian GUID layout used by
// PlayReady and the big-endian layout used everywhere else. The remap is its
// own inverse.
func PlayReadyToWidevineKID(kid []byte) []byte {
	if len(kid) != KeyIDSize {
		return kid
	}
	order := [KeyIDSize]int{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}
	out := make([]byte, KeyIDSize)
	for i, j := range order {
		out[i] = kid[j]
	}
	return out
}
