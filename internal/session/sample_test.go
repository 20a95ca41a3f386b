package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/manifest"
)

// fakeReader replays queued samples.
type fakeReader struct {
	stream  *Stream
	started bool
	busy    bool
	eos     bool
	samples []*Sample

	ptsDiff   time.Duration
	ptsOffset time.Duration
	seekPTS   time.Duration
	seeks     []time.Duration
	resets    []bool
	closed    bool
}

func (r *fakeReader) Start(context.Context) (bool, error) {
	if r.started {
		return false, nil
	}
	r.started = true
	return true, nil
}

func (r *fakeReader) IsStarted() bool { return r.started }
func (r *fakeReader) IsReady() bool   { return len(r.samples) > 0 }
func (r *fakeReader) EOS() bool       { return r.eos || len(r.samples) == 0 }
func (r *fakeReader) Busy() bool      { return r.busy }
func (r *fakeReader) Wait()           {}

func (r *fakeReader) DTSOrPTS() time.Duration {
	if len(r.samples) == 0 {
		return NoPTS
	}
	if r.samples[0].DTS != NoPTS {
		return r.samples[0].DTS
	}
	return r.samples[0].PTS
}

func (r *fakeReader) PTS() time.Duration {
	if r.seekPTS != 0 {
		return r.seekPTS
	}
	if len(r.samples) == 0 {
		return NoPTS
	}
	return r.samples[0].PTS
}

func (r *fakeReader) ReadSample(context.Context) (*Sample, error) {
	if len(r.samples) == 0 {
		return nil, nil
	}
	s := r.samples[0]
	r.samples = r.samples[1:]
	return s, nil
}

func (r *fakeReader) Reset(eos bool) {
	r.resets = append(r.resets, eos)
	r.eos = eos
}

func (r *fakeReader) TimeSeek(pts time.Duration, _ bool) bool {
	r.seeks = append(r.seeks, pts)
	return true
}

func (r *fakeReader) PTSDiff() time.Duration       { return r.ptsDiff }
func (r *fakeReader) SetPTSDiff(d time.Duration)   { r.ptsDiff = d }
func (r *fakeReader) SetPTSOffset(d time.Duration) { r.ptsOffset = d }

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// readers hands out fakeReaders keyed by stream type.
type readers map[manifest.StreamType]*fakeReader

func (rs readers) NewReader(_ context.Context, s *Stream) (Reader, error) {
	r, ok := rs[s.Type]
	if !ok {
		r = &fakeReader{}
		rs[s.Type] = r
	}
	r.stream = s
	return r, nil
}

func sample(pts time.Duration) *Sample {
	return &Sample{Data: []byte{0x01, 0x02}, PTS: pts, DTS: pts, Duration: 20 * time.Millisecond}
}

func enableAll(t *testing.T, c *Coordinator) {
	t.Helper()
	for _, s := range c.Streams() {
		require.NoError(t, c.EnableStream(context.Background(), s.ID, true))
	}
}

func TestGetNextSample_Interleaves(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, clearMPD)
	rs := readers{
		manifest.StreamVideo: {samples: []*Sample{sample(0), sample(40 * time.Millisecond), sample(80 * time.Millisecond)}},
		manifest.StreamAudio: {samples: []*Sample{sample(10 * time.Millisecond), sample(50 * time.Millisecond)}},
	}
	c := newCoordinator(t, f, Options{Readers: rs})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	enableAll(t, c)

	var order []time.Duration
	var ids []uint32
	for {
		s, err := c.GetNextSample(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, s)
		order = append(order, s.PTS)
		ids = append(ids, s.StreamID)
	}
	assert.Equal(t, []time.Duration{0, 10 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 80 * time.Millisecond}, order)
	assert.Equal(t, []uint32{1001, 1002, 1001, 1002, 1001}, ids)
	assert.Equal(t, 80*time.Millisecond, c.Elapsed())
	assert.True(t, rs[manifest.StreamVideo].started)
}

func TestGetNextSample_Busy(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, clearMPD)
	rs := readers{
		manifest.StreamVideo: {samples: []*Sample{sample(0)}},
		manifest.StreamAudio: {samples: []*Sample{sample(0)}, busy: true},
	}
	c := newCoordinator(t, f, Options{Readers: rs})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	enableAll(t, c)

	s, err := c.GetNextSample(ctx)
	require.NoError(t, err)
	assert.Nil(t, s, "a busy reader holds back every stream")

	rs[manifest.StreamAudio].busy = false
	s, err = c.GetNextSample(ctx)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestGetNextSample_Decrypts(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, drmManifest(t))
	b := newFakeBackend()
	enc := &Sample{Data: []byte{0x00, 0xF0}, PTS: 0, DTS: 0, IV: make([]byte, 16)}
	rs := readers{manifest.StreamVideo: {samples: []*Sample{enc}}}
	opts := drmOptions(b)
	opts.Readers = rs
	opts.IncludedTypes = MaskOf(manifest.StreamVideo)
	c := newCoordinator(t, f, opts)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	enableAll(t, c)

	sess := b.sessions[0]
	require.Len(t, sess.pools, 1)
	for _, info := range sess.pools {
		assert.Equal(t, testKID, info.KeyID)
		assert.Equal(t, 4, info.NALLengthSize)
		assert.Zero(t, info.Flags&drm.FragmentSecurePath)
	}

	s, err := c.GetNextSample(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x0F}, s.Data)
	assert.False(t, s.Encrypted())

	t.Run("missing key ends the stream", func(t *testing.T) {
		sess.failKey = true
		rs[manifest.StreamVideo].samples = []*Sample{{Data: []byte{1}, IV: make([]byte, 16)}}
		s, err := c.GetNextSample(ctx)
		require.NoError(t, err, "a missing key is end of stream, not a session failure")
		assert.Nil(t, s)
		assert.Equal(t, []bool{true}, rs[manifest.StreamVideo].resets)
		assert.True(t, rs[manifest.StreamVideo].EOS())
	})

	t.Run("disable releases the pool", func(t *testing.T) {
		require.NoError(t, c.EnableStream(ctx, c.Streams()[0].ID, false))
		assert.Empty(t, sess.pools)
		assert.True(t, rs[manifest.StreamVideo].closed)
	})
}

func TestSeekTime(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, clearMPD)
	rs := readers{
		manifest.StreamVideo: {samples: []*Sample{sample(0)}, seekPTS: 4 * time.Second},
		manifest.StreamAudio: {samples: []*Sample{sample(0)}},
	}
	c := newCoordinator(t, f, Options{Readers: rs})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	enableAll(t, c)

	require.True(t, c.SeekTime(ctx, 5*time.Second, 0, true))

	video, audio := rs[manifest.StreamVideo], rs[manifest.StreamAudio]
	assert.Equal(t, []time.Duration{5 * time.Second}, video.seeks)
	assert.Equal(t, []time.Duration{4 * time.Second}, audio.seeks, "audio follows the video keyframe")
	assert.Equal(t, []bool{false}, video.resets)
	assert.Equal(t, 4*time.Second, c.Elapsed())

	rep := c.Streams()[0].Representation()
	assert.Equal(t, 1, rep.Current, "the next segment is the one holding 5s")

	t.Run("negative clamps to zero", func(t *testing.T) {
		video.seekPTS = 0
		require.True(t, c.SeekTime(ctx, -time.Second, 0, true))
		assert.Equal(t, time.Duration(0), video.seeks[len(video.seeks)-1])
		assert.Equal(t, -1, rep.Current)
	})

	t.Run("single stream", func(t *testing.T) {
		before := len(video.seeks)
		require.True(t, c.SeekTime(ctx, time.Second, c.Streams()[1].ID, true))
		assert.Len(t, video.seeks, before)
	})
}

func TestSeekTime_AcrossChapters(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, multiPeriodMPD)
	rs := readers{manifest.StreamVideo: {samples: []*Sample{sample(0)}}}
	c := newCoordinator(t, f, Options{Readers: rs})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	enableAll(t, c)

	require.True(t, c.SeekTime(ctx, 7*time.Second, 0, true))
	assert.Equal(t, 1, c.Chapter(), "the switch waits for the readers")
	assert.Equal(t, []bool{true}, rs[manifest.StreamVideo].resets)

	_, err := c.GetNextSample(ctx)
	require.ErrorIs(t, err, ErrPeriodChanged)
	assert.Equal(t, 2, c.Chapter())

	reader := &fakeReader{samples: []*Sample{sample(0)}}
	rs[manifest.StreamVideo] = reader
	enableAll(t, c)

	s, err := c.GetNextSample(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, []time.Duration{3 * time.Second}, reader.seeks, "7s lies 3s into the second chapter")
}

const liveMPD = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" availabilityStartTime="2024-01-01T00:00:00Z"
     minimumUpdatePeriod="PT2S" timeShiftBufferDepth="PT60S">
  <Period id="1" start="PT0S">
    <AdaptationSet id="1" mimeType="video/mp4" codecs="avc1.64001f">
      <SegmentTemplate timescale="1000" media="v-$Time$.m4s" initialization="v-init.mp4">
        <SegmentTimeline><S t="0" d="2000" r="9"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestSeekTime_LiveClamp(t *testing.T) {
	f := newFakeFetcher()
	f.set(manifestURL, liveMPD)
	rs := readers{manifest.StreamVideo: {samples: []*Sample{sample(0)}}}
	start := time.Date(2024, 1, 1, 0, 0, 20, 0, time.UTC)
	c := newCoordinator(t, f, Options{
		Readers: rs,
		Tree: manifest.Options{
			LiveDelay:      6 * time.Second,
			UpdateInterval: time.Hour,
			Now:            func() time.Time { return start },
		},
	})
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))
	require.True(t, c.IsLive())
	enableAll(t, c)

	require.True(t, c.SeekTime(ctx, time.Hour, 0, true))
	assert.Equal(t, []time.Duration{14 * time.Second}, rs[manifest.StreamVideo].seeks, "20s of segments minus the live delay")
}
