package manifest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/httpclient"
)

// fakeFetcher serves canned bodies by URL. A URL with a query falls back to
// the body registered for the URL without it.
type fakeFetcher struct {
	mu       sync.Mutex
	bodies   map[string]string
	status   map[string]int
	headers  map[string]http.Header
	requests []httpclient.Request
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:  map[string]string{},
		status:  map[string]int{},
		headers: map[string]http.Header{},
	}
}

func (f *fakeFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
}

func (f *fakeFetcher) Fetch(_ context.Context, req httpclient.Request) (*httpclient.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	key := req.URL
	if _, ok := f.bodies[key]; !ok {
		key, _, _ = strings.Cut(req.URL, "?")
	}
	status := f.status[key]
	if status >= 400 {
		return nil, &httpclient.StatusError{URL: req.URL, StatusCode: status}
	}
	body, ok := f.bodies[key]
	if !ok {
		return nil, &httpclient.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	if status == 0 {
		status = http.StatusOK
	}
	h := f.headers[key]
	if h == nil {
		h = http.Header{}
	}
	return &httpclient.Response{StatusCode: status, Header: h, Body: []byte(body), EffectiveURL: req.URL}, nil
}

func (f *fakeFetcher) lastRequest() httpclient.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeFetcher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

const vodMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT10S">
  <Period id="p0">
    <AdaptationSet id="2" contentType="audio" mimeType="audio/mp4" lang="en">
      <Role schemeIdUri="urn:mpeg:dash:role:2011" value="main"/>
      <SegmentTemplate timescale="1000" duration="2000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="a1" bandwidth="128000" codecs="mp4a.40.2" audioSamplingRate="48000">
        <AudioChannelConfiguration schemeIdUri="urn:mpeg:dash:23003:3:audio_channel_configuration:2011" value="2"/>
      </Representation>
    </AdaptationSet>
    <AdaptationSet id="1" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="1000" duration="2000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/$Number%05d$.m4s"/>
      <Representation id="v2" bandwidth="3000000" width="1920" height="1080" codecs="avc1.640028" frameRate="30000/1001"/>
      <Representation id="v1" bandwidth="800000" width="640" height="360" codecs="avc1.4d401e"/>
    </AdaptationSet>
  </Period>
</MPD>`

const vodURL = "https://cdn.example.com/vod/manifest.mpd"

func openTree(t *testing.T, f *fakeFetcher, url string, opts Options) *Tree {
	t.Helper()
	opts.Fetcher = f
	tree := New(opts)
	require.NoError(t, tree.Open(context.Background(), url, nil))
	t.Cleanup(tree.Close)
	return tree
}

func TestOpen_DASHVOD(t *testing.T) {
	f := newFakeFetcher()
	f.set(vodURL, vodMPD)
	tree := openTree(t, f, vodURL, Options{})

	assert.Equal(t, FormatDASH, tree.Format())
	assert.False(t, tree.IsLive())
	assert.Equal(t, 10*time.Second, tree.TotalTime())
	assert.Equal(t, DefaultLiveDelay, tree.LiveDelay())

	p := tree.CurrentPeriod()
	require.NotNil(t, p)
	require.Len(t, p.AdaptationSets, 2)
	assert.Equal(t, Unencrypted, p.Encryption)

	video, audio := p.AdaptationSets[0], p.AdaptationSets[1]
	assert.Equal(t, StreamVideo, video.Type)
	assert.Equal(t, StreamAudio, audio.Type)
	assert.True(t, audio.Default)
	assert.Equal(t, "en", audio.Language)

	require.Len(t, video.Representations, 2)
	v1, v2 := video.Representations[0], video.Representations[1]
	assert.Equal(t, "v1", v1.ID)
	assert.Equal(t, "v2", v2.ID)
	assert.InDelta(t, 29.97, v2.FrameRate, 0.01)
	assert.Equal(t, ContainerMP4, v1.Container)
	assert.True(t, v1.Flags.Has(FlagTemplate|FlagInitialization))
	assert.Len(t, v1.Segments, 5)
	assert.Equal(t, uint64(1), v1.Segments[0].Number)
	assert.Equal(t, uint64(8000), v1.Segments[4].StartPTS)

	assert.Equal(t, "https://cdn.example.com/vod/v1/00001.m4s", tree.SegmentURL(v1, v1.Segments[0]))
	u, ok := tree.InitURL(v1)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/vod/v1/init.mp4", u)

	a1 := audio.Representations[0]
	assert.Equal(t, 2, a1.Channels)
	assert.Equal(t, 48000, a1.SampleRate)
	assert.Equal(t, 1, a1.AdaptationSetIndex)

	res, err := tree.PrepareRepresentation(context.Background(), p, video, v1)
	require.NoError(t, err)
	assert.Equal(t, PrepareDrmUnchanged, res)
}

func TestOpen_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		tree := New(Options{Fetcher: newFakeFetcher()})
		err := tree.Open(context.Background(), vodURL, nil)
		require.Error(t, err)
		assert.True(t, IsNetworkError(err))

		var ne *NetworkError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, http.StatusNotFound, ne.Status)
	})

	t.Run("unsupported body", func(t *testing.T) {
		f := newFakeFetcher()
		f.set(vodURL, "<html></html>")
		err := New(Options{Fetcher: f}).Open(context.Background(), vodURL, nil)
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("no periods", func(t *testing.T) {
		f := newFakeFetcher()
		f.set(vodURL, `<MPD type="static" mediaPresentationDuration="PT10S"><Period id="empty"/></MPD>`)
		err := New(Options{Fetcher: f}).Open(context.Background(), vodURL, nil)
		assert.ErrorIs(t, err, ErrManifest)
	})

	t.Run("no fetcher", func(t *testing.T) {
		assert.ErrorIs(t, New(Options{}).Open(context.Background(), vodURL, nil), ErrManifest)
	})

	t.Run("prepare before open", func(t *testing.T) {
		tree := New(Options{})
		r := NewRepresentation()
		res, err := tree.PrepareRepresentation(context.Background(), NewPeriod(), &AdaptationSet{}, r)
		assert.ErrorIs(t, err, ErrNotOpen)
		assert.Equal(t, PrepareFailure, res)
	})
}

func TestOpen_SendsHeaders(t *testing.T) {
	f := newFakeFetcher()
	f.set(vodURL, vodMPD)
	tree := New(Options{Fetcher: f, Headers: map[string]string{"User-Agent": "abrcore"}})
	require.NoError(t, tree.Open(context.Background(), vodURL, map[string]string{"Cookie": "a=b"}))

	req := f.lastRequest()
	assert.Equal(t, "abrcore", req.Headers["User-Agent"])
	assert.Equal(t, "a=b", req.Headers["Cookie"])
}

func TestDetectFormat(t *testing.T) {
	for name, tc := range map[string]struct {
		body string
		want Format
	}{
		"hls":         {"\xef\xbb\xbf#EXTM3U\n", FormatHLS},
		"dash":        {"<?xml version=\"1.0\"?>\n<MPD>", FormatDASH},
		"smooth":      {"  <SmoothStreamingMedia MajorVersion=\"2\">", FormatSmooth},
		"unsupported": {"{}", FormatUnknown},
	} {
		t.Run(name, func(t *testing.T) {
			f, err := detectFormat([]byte(tc.body))
			if tc.want == FormatUnknown {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.kind())
		})
	}
}

func TestSetCurrentPeriod(t *testing.T) {
	f := newFakeFetcher()
	f.set(vodURL, vodMPD)
	tree := openTree(t, f, vodURL, Options{})

	assert.NoError(t, tree.SetCurrentPeriod(0))
	assert.ErrorIs(t, tree.SetCurrentPeriod(3), ErrManifest)
	assert.Equal(t, 0, tree.CurrentPeriodIndex())
}

func TestSetFragmentDuration(t *testing.T) {
	tree := New(Options{})
	tree.live = true

	r := NewRepresentation()
	r.Timescale = 1000
	r.Segments = []Segment{
		{Number: 7, Time: 10_000, StartPTS: 0, Duration: 2000, RangeBegin: NoRange, RangeEnd: NoRange},
		{Number: 8, Time: 12_000, StartPTS: 2000, Duration: 2000, RangeBegin: NoRange, RangeEnd: NoRange},
	}
	r.StartNumber = 7
	r.Flags |= FlagWaitForSegment

	// Cursor not on the last segment: nothing to extend.
	r.Current = 0
	tree.SetFragmentDuration(r, 120_000, 20_000, 10_000)
	assert.Len(t, r.Segments, 2)

	r.Current = 1
	tree.SetFragmentDuration(r, 120_000, 20_000, 10_000)
	require.Len(t, r.Segments, 2, "the played head segment is trimmed")
	next := r.Segments[1]
	assert.Equal(t, uint64(9), next.Number)
	assert.Equal(t, uint64(14_000), next.Time)
	assert.Equal(t, uint64(4000), next.StartPTS)
	assert.Equal(t, uint64(2000), next.Duration)
	assert.Equal(t, 0, r.Current)
	assert.Equal(t, uint64(8), r.StartNumber)
	assert.False(t, r.Flags.Has(FlagWaitForSegment))

	t.Run("vod is untouched", func(t *testing.T) {
		vod := New(Options{})
		r := NewRepresentation()
		r.Segments = []Segment{{Number: 1, Duration: 10}}
		r.Current = 0
		vod.SetFragmentDuration(r, 10, 10, 1)
		assert.Len(t, r.Segments, 1)
	})
}

func TestSegmentURL_StreamParams(t *testing.T) {
	tree := New(Options{StreamParams: "token=abc"})
	r := NewRepresentation()
	r.ID = "v1"
	r.BaseURL = "https://cdn.example.com/live/"
	r.Bandwidth = 500000
	r.Template = SegmentTemplate{Media: "$RepresentationID$/$Bandwidth$/$Time$.m4s"}

	got := tree.SegmentURL(r, Segment{Time: 90000})
	assert.Equal(t, "https://cdn.example.com/live/v1/500000/90000.m4s?token=abc", got)

	got = tree.SegmentURL(r, Segment{URL: "https://other.example.com/seg.ts?x=1"})
	assert.Equal(t, "https://other.example.com/seg.ts?x=1&token=abc", got)
}

func TestCodecFamily(t *testing.T) {
	assert.Equal(t, "avc", codecFamily([]string{"avc1.64001f"}))
	assert.Equal(t, "hevc", codecFamily([]string{"hvc1.1.6.L93.B0"}))
	assert.Equal(t, "aac", codecFamily([]string{"AACL"}))
	assert.Equal(t, "eac3", codecFamily([]string{"ec-3"}))
	assert.Equal(t, "", codecFamily(nil))
	assert.Equal(t, "wvtt", codecFamily([]string{"webvtt"}))
}

func TestSegmentCursor(t *testing.T) {
	mk := func() *Representation {
		r := NewRepresentation()
		r.Timescale = 1000
		for i := range 3 {
			r.Segments = append(r.Segments, Segment{
				StartPTS: uint64(i) * 2000, Duration: 2000, Number: uint64(i + 1),
				RangeBegin: NoRange, RangeEnd: NoRange,
			})
		}
		return r
	}

	t.Run("advance", func(t *testing.T) {
		tree := New(Options{})
		r := mk()
		for want := uint64(1); want <= 3; want++ {
			seg, ok := tree.AdvanceSegment(r)
			require.True(t, ok)
			assert.Equal(t, want, seg.Number)
		}
		_, ok := tree.AdvanceSegment(r)
		assert.False(t, ok)
		assert.False(t, tree.WaitingForSegment(r), "vod never waits")
		assert.Equal(t, 6*time.Second, tree.MaxTime(r))

		tree.live = true
		_, ok = tree.AdvanceSegment(r)
		assert.False(t, ok)
		assert.True(t, tree.WaitingForSegment(r))
	})

	t.Run("seek", func(t *testing.T) {
		tree := New(Options{})
		r := mk()
		r.Flags |= FlagWaitForSegment

		require.True(t, tree.SeekSegment(r, 2500, true))
		assert.False(t, r.Flags.Has(FlagWaitForSegment))
		seg, _ := tree.AdvanceSegment(r)
		assert.Equal(t, uint64(2), seg.Number)

		require.True(t, tree.SeekSegment(r, 3500, false))
		seg, _ = tree.AdvanceSegment(r)
		assert.Equal(t, uint64(3), seg.Number, "late positions round up to the next segment")

		require.True(t, tree.SeekSegment(r, 0, false))
		seg, _ = tree.AdvanceSegment(r)
		assert.Equal(t, uint64(1), seg.Number)

		assert.False(t, tree.SeekSegment(NewRepresentation(), 0, true))
	})
}
