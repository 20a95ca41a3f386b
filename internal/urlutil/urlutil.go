// Package urlutil provides manifest URL resolution and a fetcher that reads
// both remote and file:// manifests.
package urlutil

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/jmylchreest/abrcore/internal/httpclient"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// UpdateParamPlaceholder marks where a live manifest update request puts
// the next expected segment number.
const UpdateParamPlaceholder = "$START_NUMBER$"

// IsRemoteURL checks if a URL is a remote URL that can be fetched.
// This includes:
//   - URLs with http:// or https:// scheme
//   - Protocol-relative URLs (//example.com/...)
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// IsFileURL checks if a URL uses the file:// scheme.
func IsFileURL(u string) bool {
	return strings.HasPrefix(u, "file://")
}

// IsAbsolute reports whether u carries a scheme.
func IsAbsolute(u string) bool {
	return IsRemoteURL(u) || IsFileURL(u) || strings.HasPrefix(u, "data:")
}

// GetScheme returns the scheme of a URL (http, https, file) or empty string if unknown.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// BaseURL returns u up to and including the last '/' of its path.
//
//	"https://cdn.example.com/live/master.mpd?tok=1" -> "https://cdn.example.com/live/"
func BaseURL(u string) string {
	path, _, _ := strings.Cut(u, "?")
	if i := strings.LastIndexByte(path, '/'); i >= 0 && i >= len(schemePrefix(path)) {
		return path[:i+1]
	}
	return strings.TrimSuffix(path, "/") + "/"
}

// Origin returns scheme://host of u.
func Origin(u string) string {
	prefix := schemePrefix(u)
	rest := u[len(prefix):]
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	return prefix + rest
}

func schemePrefix(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[:i+3]
	}
	return ""
}

// Resolve resolves ref against base. Absolute references are returned as
// is; '/'-rooted ones resolve against the origin of base.
func Resolve(base, ref string) string {
	switch {
	case ref == "":
		return base
	case IsAbsolute(ref):
		if strings.HasPrefix(ref, "//") {
			return strings.SplitN(base, "//", 2)[0] + ref
		}
		return ref
	case strings.HasPrefix(ref, "/"):
		return Origin(base) + ref
	}

	b, err := url.Parse(BaseURL(base))
	if err != nil {
		return BaseURL(base) + ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return BaseURL(base) + ref
	}
	return b.ResolveReference(r).String()
}

// AppendParams appends a raw query string such as "a=1&b=2" to u.
func AppendParams(u, params string) string {
	params = strings.TrimLeft(params, "?&")
	if params == "" {
		return u
	}
	if strings.Contains(u, "?") {
		return u + "&" + params
	}
	return u + "?" + params
}

// SplitUpdateParam removes the query parameter carrying
// UpdateParamPlaceholder from u and returns it separately.
//
//	"https://x/live.mpd?a=1&start=$START_NUMBER$" -> "https://x/live.mpd?a=1", "start=$START_NUMBER$"
func SplitUpdateParam(u string) (manifestURL, param string) {
	idx := strings.Index(u, UpdateParamPlaceholder)
	if idx < 0 {
		return u, ""
	}
	sep := strings.LastIndexAny(u[:idx], "?&")
	if sep < 0 {
		return u, ""
	}
	end := idx + len(UpdateParamPlaceholder)
	if next := strings.IndexByte(u[end:], '&'); next >= 0 {
		// Keep parameters that follow the placeholder on the manifest URL.
		rest := u[end+next+1:]
		return AppendParams(u[:sep], rest), u[sep+1 : end+next]
	}
	return u[:sep], u[sep+1:]
}

// FilePathFromURL extracts the file path from a file:// URL.
func FilePathFromURL(u string) (string, error) {
	if !IsFileURL(u) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}
	return parsed.Path, nil
}

// ResourceFetcher fetches manifests from http(s):// URLs through the
// resilient client and from file:// URLs from disk.
type ResourceFetcher struct {
	httpClient *httpclient.Client
}

// NewResourceFetcher wraps client.
func NewResourceFetcher(client *httpclient.Client) *ResourceFetcher {
	return &ResourceFetcher{httpClient: client}
}

// Fetch retrieves req.URL. File URLs ignore headers and body.
func (f *ResourceFetcher) Fetch(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	switch GetScheme(req.URL) {
	case SchemeHTTP, SchemeHTTPS:
		return f.httpClient.Fetch(ctx, req)
	case SchemeFile:
		return f.fetchFile(req.URL)
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %q (URL: %s)", GetScheme(req.URL), req.URL)
	}
}

func (f *ResourceFetcher) fetchFile(u string) (*httpclient.Response, error) {
	path, err := FilePathFromURL(u)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &httpclient.Response{
		StatusCode:   http.StatusOK,
		Header:       http.Header{},
		Body:         data,
		EffectiveURL: u,
	}, nil
}

// ValidateURL checks if a URL is valid and uses a supported scheme.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		return nil
	case SchemeFile:
		path, err := FilePathFromURL(u)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return fmt.Errorf("cannot access file: %w", err)
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http://, https://, or file://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https, file)", parsed.Scheme)
	}
}
