package manifest

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/abrcore/internal/httpclient"
)

var (
	// ErrManifest reports a manifest that cannot be parsed into a tree.
	ErrManifest = errors.New("manifest: invalid manifest")
	// ErrNetwork reports a failed manifest or playlist download.
	ErrNetwork = errors.New("manifest: download failed")
	// ErrUnsupportedFormat reports a body that is not DASH, HLS or Smooth.
	ErrUnsupportedFormat = errors.New("manifest: unsupported format")
	// ErrNotOpen reports use of a tree before Open succeeded.
	ErrNotOpen = errors.New("manifest: tree not open")
)

// NetworkError wraps a download failure with the URL and status.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	url := httpclient.ObfuscateURL(e.URL)
	if e.Status != 0 {
		return fmt.Sprintf("manifest: downloading %s: HTTP %d", url, e.Status)
	}
	return fmt.Sprintf("manifest: downloading %s: %v", url, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// IsNetworkError reports whether err is a download failure.
func IsNetworkError(err error) bool { return errors.Is(err, ErrNetwork) }

func newNetworkError(url string, err error) error {
	ne := &NetworkError{URL: url, Err: err}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		ne.Status = se.StatusCode
	}
	return ne
}

func manifestErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrManifest, fmt.Sprintf(format, args...))
}
