package drm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key system URNs.
const (
	URNWidevine  = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	URNPlayReady = "urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95"
	URNWisePlay  = "urn:uuid:3d5e6d35-9b9a-41e8-b843-dd3c6e72c42c"
	URNClearKey  = "urn:uuid:e2719d58-a985-b3c9-781a-b030af78d30e"
	URNCommon    = "urn:uuid:1077efec-c0b2-4d02-ace3-3c1e52e2fb4b"
)

// Reverse-DNS key system names used in configuration.
const (
	KeySystemWidevine  = "com.widevine.alpha"
	KeySystemPlayReady = "com.microsoft.playready"
	KeySystemWisePlay  = "com.huawei.wiseplay"
	KeySystemClearKey  = "org.w3.clearkey"
)

var keySystemURNs = map[string]string{
	KeySystemWidevine:  URNWidevine,
	KeySystemPlayReady: URNPlayReady,
	KeySystemWisePlay:  URNWisePlay,
	KeySystemClearKey:  URNClearKey,
}

// URNForKeySystem returns the URN of a reverse-DNS key system name.
// URNs are returned normalised.
func URNForKeySystem(keySystem string) (string, bool) {
	ks := strings.ToLower(strings.TrimSpace(keySystem))
	if strings.HasPrefix(ks, "urn:uuid:") {
		return ks, true
	}
	if strings.HasPrefix(ks, KeySystemPlayReady) {
		return URNPlayReady, true
	}
	urn, ok := keySystemURNs[ks]
	return urn, ok
}

// SystemID returns the 16-byte system id encoded in a key system URN.
func SystemID(urn string) ([16]byte, error) {
	id, err := uuid.Parse(strings.TrimPrefix(strings.ToLower(urn), "urn:uuid:"))
	if err != nil {
		return [16]byte{}, fmt.Errorf("%w: key system %q: %w", ErrProtectionConfig, urn, err)
	}
	return id, nil
}

// MustSystemID is SystemID for compile-time constants.
func MustSystemID(urn string) [16]byte {
	id, err := SystemID(urn)
	if err != nil {
		panic(err)
	}
	return id
}

// URNForSystemID formats a 16-byte system id as a key system URN.
func URNForSystemID(id [16]byte) string {
	return "urn:uuid:" + uuid.UUID(id).String()
}

// IsPlayReadySystemID reports whether s names the PlayReady system, in any
// of the braced, dashed or URN spellings used by manifests.
func IsPlayReadySystemID(s string) bool {
	s = strings.ToLower(strings.Trim(s, "{} "))
	return strings.Contains(s, "9a04f079-9840-4286-ab92-e65be0885f95")
}
