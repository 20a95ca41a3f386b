package session

import (
	"context"
	"time"

	"github.com/jmylchreest/abrcore/internal/repack"
)

// NoPTS marks a sample without a presentation timestamp.
const NoPTS = time.Duration(-1 << 63)

// Sample is one demuxed access unit.
type Sample struct {
	StreamID uint32
	Data     []byte
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	// IV and Subsamples are set for encrypted samples.
	IV         []byte
	Subsamples repack.Subsamples
}

// Encrypted reports whether the sample carries CENC information.
func (s *Sample) Encrypted() bool { return s.IV != nil }

// Reader demuxes the samples of one stream. Implementations are
// container specific (fMP4, WebM, TS, ADTS, subtitles) and pull segment
// data from the *Stream they were created for.
type Reader interface {
	// Start primes the reader. started is true when this call started it.
	Start(ctx context.Context) (started bool, err error)
	IsStarted() bool
	// IsReady reports whether a sample can be read without blocking.
	IsReady() bool
	EOS() bool
	// Busy reports an asynchronous read in flight.
	Busy() bool
	// Wait blocks until an asynchronous read completed.
	Wait()
	// DTSOrPTS orders pending samples across readers.
	DTSOrPTS() time.Duration
	// PTS is the presentation time of the pending sample.
	PTS() time.Duration
	// ReadSample returns the pending sample and starts reading the next.
	ReadSample(ctx context.Context) (*Sample, error)
	// Reset drops buffered state; eos marks the reader finished.
	Reset(eos bool)
	// TimeSeek advances to pts. It returns false when pts is not reachable.
	TimeSeek(pts time.Duration, preceding bool) bool
	// PTSDiff is the difference between demuxed and manifest timestamps.
	PTSDiff() time.Duration
	SetPTSDiff(d time.Duration)
	// SetPTSOffset receives the start time of a new segment.
	SetPTSOffset(d time.Duration)
	Close() error
}

// ReaderFactory creates the reader of a stream when it is enabled.
type ReaderFactory interface {
	NewReader(ctx context.Context, s *Stream) (Reader, error)
}

// ReaderFactoryFunc adapts a function to ReaderFactory.
type ReaderFactoryFunc func(ctx context.Context, s *Stream) (Reader, error)

// NewReader calls f.
func (f ReaderFactoryFunc) NewReader(ctx context.Context, s *Stream) (Reader, error) {
	return f(ctx, s)
}
