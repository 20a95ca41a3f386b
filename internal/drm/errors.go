package drm

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is.
var (
	// ErrProtectionConfig covers unsupported key systems, malformed init
	// data and key id size mismatches. Scoped to one protection set.
	ErrProtectionConfig = errors.New("drm: invalid protection configuration")
	// ErrNotSupported is a per-sample layout failure.
	ErrNotSupported = errors.New("drm: sample layout not supported")
	// ErrNoKey is reported when no usable key exists for a sample. The
	// reader owning the sample treats it as end of stream.
	ErrNoKey = errors.New("drm: no usable key")
	// ErrDecrypt is a per-sample cipher failure.
	ErrDecrypt = errors.New("drm: decrypt failed")
	// ErrSessionLifecycle is a provisioning or platform failure.
	ErrSessionLifecycle = errors.New("drm: session lifecycle failure")
	// ErrProvisioningRequired asks the caller to provision and retry once.
	ErrProvisioningRequired = errors.New("drm: provisioning required")
	// ErrLicense is a failed license exchange.
	ErrLicense = errors.New("drm: license exchange failed")
	// ErrBackendNotFound is returned by the registry.
	ErrBackendNotFound = errors.New("drm: backend not found")
	// ErrPoolNotFound is returned for unknown fragment pool ids.
	ErrPoolNotFound = errors.New("drm: fragment pool not found")
	// ErrSessionClosed is returned once a session has been closed.
	ErrSessionClosed = errors.New("drm: session closed")
)

// LicenseError carries details of a failed license exchange.
type LicenseError struct {
	URL    string
	Status int
	Err    error
}

func (e *LicenseError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("license request to %s failed with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("license request to %s failed: %v", e.URL, e.Err)
}

func (e *LicenseError) Unwrap() []error { return []error{ErrLicense, e.Err} }

// IsNoKey reports whether err means the reader should stop with end of stream.
func IsNoKey(err error) bool { return errors.Is(err, ErrNoKey) }

// IsSampleScoped reports whether err only affects the current sample.
func IsSampleScoped(err error) bool {
	return errors.Is(err, ErrNotSupported) || errors.Is(err, ErrDecrypt)
}
