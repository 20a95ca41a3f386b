package manifest

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/abrcore/internal/httpclient"
)

// Fetcher downloads manifests and playlists. *httpclient.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// download fetches url with headers and returns the decompressed body.
func (t *Tree) download(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error) {
	h := make(map[string]string, len(t.opts.Headers)+len(headers))
	for k, v := range t.opts.Headers {
		h[k] = v
	}
	for k, v := range headers {
		h[k] = v
	}

	resp, err := t.opts.Fetcher.Fetch(ctx, httpclient.Request{URL: url, Headers: h})
	if err != nil {
		return nil, newNetworkError(url, err)
	}
	body, err := decompress(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	resp.Body = body
	return resp, nil
}

// FetchSegment downloads seg of r, honouring its byte range.
func (t *Tree) FetchSegment(ctx context.Context, r *Representation, seg Segment) ([]byte, error) {
	return t.fetchResource(ctx, t.SegmentURL(r, seg), seg)
}

// FetchInit returns the initialization segment of r: synthesized data when
// the manifest carried codec data, otherwise a download. ok is false when
// r has no initialization segment.
func (t *Tree) FetchInit(ctx context.Context, r *Representation) (data []byte, ok bool, err error) {
	t.mu.RLock()
	synth := r.InitData
	init := r.Initialization
	t.mu.RUnlock()
	if len(synth) > 0 {
		return synth, true, nil
	}
	u, ok := t.InitURL(r)
	if !ok {
		return nil, false, nil
	}
	data, err = t.fetchResource(ctx, u, init)
	return data, true, err
}

func (t *Tree) fetchResource(ctx context.Context, url string, seg Segment) ([]byte, error) {
	if t.opts.Fetcher == nil {
		return nil, ErrNotOpen
	}
	h := make(map[string]string, len(t.opts.Headers)+1)
	for k, v := range t.opts.Headers {
		h[k] = v
	}
	if seg.HasRange() {
		h["Range"] = fmt.Sprintf("bytes=%d-%d", seg.RangeBegin, seg.RangeEnd)
	}
	resp, err := t.opts.Fetcher.Fetch(ctx, httpclient.Request{URL: url, Headers: h})
	if err != nil {
		return nil, newNetworkError(url, err)
	}
	return resp.Body, nil
}

// decompress sniffs gzip, bzip2 and xz magic bytes and inflates the body.
// Anything else is returned as is.
func decompress(data []byte) ([]byte, error) {
	var r io.Reader
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		gzr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		r = gzr

	case len(data) >= 3 && data[0] == 'B' && data[1] == 'Z' && data[2] == 'h':
		bzr, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, fmt.Errorf("creating bzip2 reader: %w", err)
		}
		defer bzr.Close()
		r = bzr

	case len(data) >= 6 && bytes.Equal(data[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		xzr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		r = xzr

	default:
		return data, nil
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}
	return out, nil
}
