package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/manifest"
	"github.com/jmylchreest/abrcore/internal/repack"
)

// StreamFlags describe the role of a stream.
type StreamFlags uint8

const (
	StreamDefault StreamFlags = 1 << iota
	StreamOriginal
	StreamVisualImpaired
	StreamHearingImpaired
	StreamForced
)

// Has reports whether every bit in f is set.
func (f StreamFlags) Has(o StreamFlags) bool { return f&o == o }

// Stream is one logical stream of the current period, bound to a single
// representation of an adaptation set.
type Stream struct {
	ID uint32
	// UniqueID identifies the adaptation set and representation across
	// stream list rebuilds.
	UniqueID uint32
	Type     manifest.StreamType
	Name     string
	Language string
	Flags    StreamFlags

	Codecs     []string
	Bandwidth  uint32
	Width      int
	Height     int
	FrameRate  float64
	SampleRate int
	Channels   int
	Container  manifest.ContainerType
	// ExtraData holds Annex-B parameter sets for H.264/HEVC, otherwise the
	// raw codec private data.
	ExtraData     []byte
	NALLengthSize int

	Encrypted bool
	// Valid is false for streams that cannot be demuxed.
	Valid bool
	// Included marks a rendition carried inside another stream's segments.
	Included bool

	c      *Coordinator
	period *manifest.Period
	adp    *manifest.AdaptationSet
	rep    *manifest.Representation

	enabled bool
	reader  Reader

	cdm     drm.Session
	pool    uint32
	hasPool bool

	// aes decrypts whole HLS segments protected by a key URI.
	aes     drm.Session
	aesPool uint32

	segment        manifest.Segment
	absoluteOffset time.Duration
}

// Period returns the period the stream belongs to.
func (s *Stream) Period() *manifest.Period { return s.period }

// AdaptationSet returns the adaptation set of the stream.
func (s *Stream) AdaptationSet() *manifest.AdaptationSet { return s.adp }

// Representation returns the representation being played.
func (s *Stream) Representation() *manifest.Representation { return s.rep }

// Reader returns the demuxer of an enabled stream.
func (s *Stream) Reader() Reader { return s.reader }

// Enabled reports whether the stream is being played.
func (s *Stream) Enabled() bool { return s.enabled }

// Tree returns the manifest tree the stream reads from.
func (s *Stream) Tree() *manifest.Tree { return s.c.tree }

// Segment returns the segment last returned by NextSegment.
func (s *Stream) Segment() manifest.Segment { return s.segment }

// updateInfo copies the presentation attributes from the representation.
func (s *Stream) updateInfo(isDefault bool) {
	a, r := s.adp, s.rep
	s.Type = a.Type
	s.Name = a.Name
	s.Language = a.Language
	s.Flags = 0
	if a.Default || isDefault && a.Type == manifest.StreamVideo {
		s.Flags |= StreamDefault
	}
	if a.Original {
		s.Flags |= StreamOriginal
	}
	if a.Forced {
		s.Flags |= StreamForced
	}
	if a.Impaired {
		if a.Type == manifest.StreamSubtitle {
			s.Flags |= StreamHearingImpaired
		} else {
			s.Flags |= StreamVisualImpaired
		}
	}

	s.Codecs = r.Codecs
	s.Bandwidth = r.Bandwidth
	s.Width, s.Height = r.Width, r.Height
	s.FrameRate = r.FrameRate
	s.SampleRate, s.Channels = r.SampleRate, r.Channels
	s.Container = r.Container
	s.NALLengthSize = r.NALLengthSize
	s.Encrypted = r.PSSHSet != 0
	s.Included = r.Flags.Has(manifest.FlagIncludedStream)
	s.Valid = r.Container != manifest.ContainerInvalid
	s.ExtraData = extraData(r)
}

// extraData converts an avcC or hvcC record to Annex-B. Data already in
// Annex-B form or of other codecs is returned as is.
func extraData(r *manifest.Representation) []byte {
	data := r.CodecPrivateData
	if len(data) == 0 {
		return nil
	}
	if bytes.HasPrefix(data, []byte{0, 0, 1}) || bytes.HasPrefix(data, []byte{0, 0, 0, 1}) {
		return data
	}
	codec, ok := nalCodec(r)
	if !ok {
		return data
	}
	annexB, _, err := repack.ConfigToAnnexB(codec, data)
	if err != nil {
		return data
	}
	return annexB
}

func nalCodec(r *manifest.Representation) (repack.Codec, bool) {
	switch {
	case r.HasCodec("hvc") || r.HasCodec("hev"):
		return repack.CodecH265, true
	case r.HasCodec("avc"):
		return repack.CodecH264, true
	}
	return 0, false
}

// EnableStream starts or stops playback of stream id. Enabling prepares
// the representation, which for HLS may download its playlist and reveal
// new protection, creates the reader and binds a decrypt pool.
func (c *Coordinator) EnableStream(ctx context.Context, id uint32, enable bool) error {
	s, err := c.Stream(id)
	if err != nil {
		return err
	}
	if !enable {
		return c.disableStream(s)
	}
	if s.enabled {
		return nil
	}
	logger := c.logger.With(slog.Uint64("stream", uint64(s.ID)), slog.String("representation", s.rep.ID))

	res, err := c.tree.PrepareRepresentation(ctx, s.period, s.adp, s.rep)
	if err != nil {
		return fmt.Errorf("preparing stream %d: %w", id, err)
	}
	if res == manifest.PrepareDrmChanged {
		logger.DebugContext(ctx, "protection changed while preparing stream")
		if err := c.InitializeDRM(ctx, true); err != nil {
			return err
		}
	}
	c.tree.RLock()
	s.updateInfo(s.Flags.Has(StreamDefault))
	s.absoluteOffset = 0
	if len(s.rep.Segments) > 0 {
		if first := s.rep.Segments[0]; first.Time > first.StartPTS {
			s.absoluteOffset = s.ticksToDuration(first.Time - first.StartPTS)
		}
	}
	c.tree.RUnlock()
	if !s.Valid {
		return fmt.Errorf("%w: stream %d", ErrInvalidContainer, id)
	}
	s.enabled = true

	if s.Included {
		logger.DebugContext(ctx, "stream is carried by another stream")
		return nil
	}

	if c.opts.Readers != nil {
		r, err := c.opts.Readers.NewReader(ctx, s)
		if err != nil {
			s.enabled = false
			return fmt.Errorf("creating reader for stream %d: %w", id, err)
		}
		s.reader = r
	}
	if err := c.setupDecrypt(s); err != nil {
		_ = c.disableStream(s)
		return err
	}
	if c.timing == nil {
		c.timing = s
	}
	logger.InfoContext(ctx, "stream enabled",
		slog.String("type", s.Type.String()),
		slog.Bool("encrypted", s.Encrypted))
	return nil
}

// setupDecrypt binds a decrypt pool of the representation's session to
// the stream.
func (c *Coordinator) setupDecrypt(s *Stream) error {
	set := s.rep.PSSHSet
	if set == 0 {
		return nil
	}
	sess := c.Session(set)
	if sess == nil {
		return fmt.Errorf("%w: stream %d has no session for protection set %d", ErrNoDecrypter, s.ID, set)
	}
	caps := c.Capabilities(set)

	c.tree.RLock()
	var kid []byte
	if int(set) < len(s.period.PSSHSets) {
		kid = s.period.PSSHSets[set].DefaultKID
	}
	c.tree.RUnlock()

	info := drm.FragmentInfo{KeyID: kid, NALLengthSize: s.NALLengthSize}
	if caps.Flags.Has(drm.CapSecurePath) {
		info.Flags |= drm.FragmentSecurePath
		info.ParamSets = s.ExtraData
	}
	if caps.Flags.Has(drm.CapAnnexBRequired) {
		info.Flags |= drm.FragmentAnnexB
	}
	if codec, ok := nalCodec(s.rep); ok && codec == repack.CodecH265 {
		info.Flags |= drm.FragmentHEVC
	}

	pool := sess.AddPool()
	if err := sess.SetFragmentInfo(pool, info); err != nil {
		sess.RemovePool(pool)
		return err
	}
	s.cdm, s.pool, s.hasPool = sess, pool, true
	return nil
}

// disableStream stops a stream and releases its reader and pools.
func (c *Coordinator) disableStream(s *Stream) error {
	if !s.enabled {
		return nil
	}
	s.enabled = false
	var err error
	if s.reader != nil {
		err = s.reader.Close()
		s.reader = nil
	}
	if s.hasPool {
		s.cdm.RemovePool(s.pool)
		s.cdm, s.hasPool = nil, false
	}
	if s.aes != nil {
		s.aes.RemovePool(s.aesPool)
		s.aes = nil
	}
	if c.timing == s {
		c.timing = nil
	}
	if err != nil {
		return fmt.Errorf("closing reader of stream %d: %w", s.ID, err)
	}
	return nil
}

// SegmentData is one downloaded media segment.
type SegmentData struct {
	Segment manifest.Segment
	Data    []byte
	// Start is the segment start relative to the period.
	Start time.Duration
}

// InitSegment returns the initialization data of the stream's
// representation. ok is false for representations without one.
func (s *Stream) InitSegment(ctx context.Context) ([]byte, bool, error) {
	return s.c.tree.FetchInit(ctx, s.rep)
}

// NextSegment downloads the segment after the cursor. It returns io.EOF at
// the end of on demand content and ErrWaitingForSegment while a live
// representation waits for the manifest to announce more segments.
// Segments protected by an HLS key URI are returned decrypted.
func (s *Stream) NextSegment(ctx context.Context) (*SegmentData, error) {
	t := s.c.tree
	seg, ok := t.AdvanceSegment(s.rep)
	if !ok {
		if !t.IsLive() {
			return nil, io.EOF
		}
		t.RefreshSegments(ctx, s.period, s.adp, s.rep)
		if seg, ok = t.AdvanceSegment(s.rep); !ok {
			return nil, ErrWaitingForSegment
		}
	}

	data, err := t.FetchSegment(ctx, s.rep, seg)
	if err != nil {
		return nil, err
	}
	if seg.PSSHSet != 0 {
		if data, err = s.decryptSegment(ctx, seg, data); err != nil {
			s.c.opts.Metrics.IncDecryptError("segment")
			return nil, err
		}
	}

	s.segment = seg
	sd := &SegmentData{Segment: seg, Data: data, Start: s.ticksToDuration(seg.StartPTS)}
	s.c.OnSegmentChanged(s, sd)
	return sd, nil
}

// decryptSegment removes whole-segment AES-128 encryption. Without an
// explicit IV the media sequence number is used.
func (s *Stream) decryptSegment(ctx context.Context, seg manifest.Segment, data []byte) ([]byte, error) {
	sess, err := s.c.sessionFor(ctx, s.period, seg.PSSHSet)
	if err != nil {
		return nil, err
	}
	if sess != s.aes {
		if s.aes != nil {
			s.aes.RemovePool(s.aesPool)
		}
		s.aes, s.aesPool = sess, sess.AddPool()
		if err := sess.SetFragmentInfo(s.aesPool, drm.FragmentInfo{}); err != nil {
			return nil, err
		}
	}

	s.c.tree.RLock()
	iv := append([]byte(nil), s.period.PSSHSets[seg.PSSHSet].IV...)
	s.c.tree.RUnlock()
	if len(iv) == 0 {
		iv = make([]byte, 16)
		binary.BigEndian.PutUint64(iv[8:], seg.Number)
	}

	plain, err := sess.DecryptSampleData(s.aesPool, data, iv, repack.Subsamples{})
	if err != nil {
		return nil, err
	}
	return unpadPKCS7(plain)
}

var errPadding = errors.New("invalid pkcs7 padding")

func unpadPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%16 != 0 {
		return nil, fmt.Errorf("%w: %w: %d bytes", drm.ErrDecrypt, errPadding, len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > 16 {
		return nil, fmt.Errorf("%w: %w", drm.ErrDecrypt, errPadding)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: %w", drm.ErrDecrypt, errPadding)
		}
	}
	return b[:len(b)-n], nil
}

// OnSegmentChanged tells the stream's reader where the new segment starts
// so that demuxed timestamps map onto the presentation timeline.
func (c *Coordinator) OnSegmentChanged(s *Stream, sd *SegmentData) {
	if s.reader != nil {
		s.reader.SetPTSOffset(sd.Start)
	}
	c.logger.Debug("segment changed",
		slog.Uint64("stream", uint64(s.ID)),
		slog.Uint64("number", sd.Segment.Number),
		slog.Duration("start", sd.Start))
}

func (s *Stream) ticksToDuration(v uint64) time.Duration {
	ts := s.rep.Timescale
	if ts == 0 {
		return 0
	}
	return time.Duration(float64(v) / float64(ts) * float64(time.Second))
}

func (s *Stream) durationToTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Seconds() * float64(s.rep.Timescale))
}
