package manifest

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestDecompress(t *testing.T) {
	payload := []byte(vodMPD)

	compress := map[string]func(*bytes.Buffer) error{
		"gzip": func(buf *bytes.Buffer) error {
			w := gzip.NewWriter(buf)
			if _, err := w.Write(payload); err != nil {
				return err
			}
			return w.Close()
		},
		"bzip2": func(buf *bytes.Buffer) error {
			w, err := bzip2.NewWriter(buf, &bzip2.WriterConfig{})
			if err != nil {
				return err
			}
			if _, err := w.Write(payload); err != nil {
				return err
			}
			return w.Close()
		},
		"xz": func(buf *bytes.Buffer) error {
			w, err := xz.NewWriter(buf)
			if err != nil {
				return err
			}
			if _, err := w.Write(payload); err != nil {
				return err
			}
			return w.Close()
		},
	}
	for name, fn := range compress {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, fn(&buf))
			out, err := decompress(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}

	t.Run("plain passes through", func(t *testing.T) {
		out, err := decompress(payload)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})

	t.Run("truncated gzip", func(t *testing.T) {
		_, err := decompress([]byte{0x1f, 0x8b, 0x08})
		assert.Error(t, err)
	})
}

func TestOpen_CompressedManifest(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(vodMPD))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f := newFakeFetcher()
	f.set(vodURL, buf.String())
	tree := openTree(t, f, vodURL, Options{})
	assert.Equal(t, FormatDASH, tree.Format())
}

func TestFetchSegment(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://media.example.com/movie.mp4", "segment-bytes")
	tree := New(Options{Fetcher: f, Headers: map[string]string{"Referer": "https://player.example.com"}})

	r := NewRepresentation()
	r.BaseURL = "https://media.example.com/movie.mp4"

	data, err := tree.FetchSegment(context.Background(), r, Segment{RangeBegin: 100, RangeEnd: 199})
	require.NoError(t, err)
	assert.Equal(t, []byte("segment-bytes"), data)

	req := f.lastRequest()
	assert.Equal(t, "bytes=100-199", req.Headers["Range"])
	assert.Equal(t, "https://player.example.com", req.Headers["Referer"])

	_, err = tree.FetchSegment(context.Background(), r, Segment{URL: "missing.mp4", RangeBegin: NoRange, RangeEnd: NoRange})
	assert.True(t, IsNetworkError(err))
	_, hasRange := f.lastRequest().Headers["Range"]
	assert.False(t, hasRange)
}

func TestFetchInit(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://media.example.com/v/init.mp4", "init")
	tree := New(Options{Fetcher: f})

	t.Run("synthesized", func(t *testing.T) {
		r := NewRepresentation()
		r.InitData = []byte("moov")
		data, ok, err := tree.FetchInit(context.Background(), r)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("moov"), data)
		assert.Zero(t, f.requestCount())
	})

	t.Run("template", func(t *testing.T) {
		r := NewRepresentation()
		r.ID = "v"
		r.BaseURL = "https://media.example.com/"
		r.Template = SegmentTemplate{Initialization: "$RepresentationID$/init.mp4"}
		data, ok, err := tree.FetchInit(context.Background(), r)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("init"), data)
	})

	t.Run("none", func(t *testing.T) {
		_, ok, err := tree.FetchInit(context.Background(), NewRepresentation())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
