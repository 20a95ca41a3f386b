package session

import "errors"

var (
	// ErrNotInitialized is returned by calls made before Initialize succeeded.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrNoLicense is returned when an encrypted period has no license
	// server and none was configured.
	ErrNoLicense = errors.New("session: no license url")
	// ErrNoDecrypter is returned when an encrypted period needs a DRM
	// backend and none could be loaded.
	ErrNoDecrypter = errors.New("session: no decrypter for encrypted stream")
	// ErrUnsupportedEncryption is returned for periods whose protection
	// uses only foreign key systems.
	ErrUnsupportedEncryption = errors.New("session: unhandled encrypted stream")
	// ErrPreInitData is returned for malformed pre-init data.
	ErrPreInitData = errors.New("session: invalid drm pre-init data")
	// ErrStreamNotFound is returned for unknown stream ids.
	ErrStreamNotFound = errors.New("session: stream not found")
	// ErrInvalidContainer is returned when enabling a stream whose
	// representation has no usable container.
	ErrInvalidContainer = errors.New("session: invalid container")
	// ErrWaitingForSegment is returned by Stream.NextSegment while a live
	// representation has played every announced segment.
	ErrWaitingForSegment = errors.New("session: waiting for segment")
	// ErrPeriodChanged is returned by GetNextSample after playback moved
	// to the next period; stream information must be reread.
	ErrPeriodChanged = errors.New("session: period changed")
)
