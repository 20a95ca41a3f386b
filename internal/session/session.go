// Package session coordinates playback of one presentation: it opens the
// manifest tree, negotiates DRM sessions per protection set, builds the
// logical streams and multiplexes their samples.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/manifest"
	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/urlutil"
)

// TypeMask is a set of stream types, one bit per manifest.StreamType.
type TypeMask uint32

// MaskOf builds a mask of types.
func MaskOf(types ...manifest.StreamType) TypeMask {
	var m TypeMask
	for _, t := range types {
		m |= 1 << uint(t)
	}
	return m
}

// Has reports whether t is in the mask.
func (m TypeMask) Has(t manifest.StreamType) bool { return m&(1<<uint(t)) != 0 }

// Options configure a Coordinator.
type Options struct {
	ManifestURL string
	// ManifestHeaders are sent with the initial manifest request.
	ManifestHeaders map[string]string
	// ManifestParams is a raw query string appended to the manifest URL.
	ManifestParams string
	// Tree configures the manifest tree. KeySystem, Logger and Metrics are
	// filled in by the coordinator.
	Tree manifest.Options

	Registry *drm.Registry
	// Backend is the preferred backend name; empty negotiates by key system.
	Backend string
	// KeySystem is a reverse-DNS name or URN; empty plays clear content only.
	KeySystem string
	// DRM configures the backend. LicenseKey falls back to the license
	// server announced by the manifest.
	DRM drm.Options
	// LicenseData is base64 init data replacing the manifest's, or for
	// Smooth Streaming the Widevine content id / PlayReady custom data.
	LicenseData string
	// PreInitData is "psshB64|kidB64" used to open a session before the
	// manifest request.
	PreInitData          string
	HDCPOverride         bool
	DisableSecureDecoder bool
	ForceSecureDecoder   bool

	Selection SelectionMode
	// IncludedTypes restricts the streams built; zero includes every type.
	IncludedTypes TypeMask
	Chooser       Chooser
	Readers       ReaderFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// cdmSession is the DRM session of one protection set. Sets resolving to
// the same key share a session.
type cdmSession struct {
	session drm.Session
	shared  bool
	caps    drm.Capabilities
}

// Coordinator is the top level playback object. Its methods are meant to
// be called from one goroutine; the tree refreshes itself concurrently.
type Coordinator struct {
	opts    Options
	logger  *slog.Logger
	chooser Chooser

	tree         *manifest.Tree
	backend      drm.Backend
	backendReady bool
	urn          string
	// keyBackend serves HLS AES-128 key URIs.
	keyBackend drm.Backend

	sessions []cdmSession
	streams  []*Stream
	timing   *Stream
	secure   bool

	pendingPeriod   int
	chapterStart    time.Duration
	chapterSeekTime time.Duration
	elapsed         time.Duration
	initialSequence uint32
	changed         bool
	closed          bool
}

// New creates a coordinator. Nothing is downloaded until Initialize.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("component", "session"))
	chooser := opts.Chooser
	if chooser == nil {
		chooser = NewDefaultChooser(ChooserConfig{}, logger)
	}
	return &Coordinator{
		opts:          opts,
		logger:        logger,
		chooser:       chooser,
		pendingPeriod: -1,
	}
}

// Initialize loads the DRM backend, opens the manifest and builds the
// streams of the first period.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if c.opts.KeySystem != "" {
		urn, ok := drm.URNForKeySystem(c.opts.KeySystem)
		if !ok {
			return fmt.Errorf("%w: unknown key system %q", drm.ErrProtectionConfig, c.opts.KeySystem)
		}
		c.urn = urn
		if c.opts.Registry != nil {
			b, err := c.opts.Registry.Select(c.opts.KeySystem, c.opts.Backend)
			if err != nil {
				return fmt.Errorf("loading drm backend: %w", err)
			}
			c.backend = b
			c.logger.DebugContext(ctx, "drm backend selected",
				slog.String("backend", b.Name()),
				slog.String("key_system", urn))
		}
	}

	headers := make(map[string]string, len(c.opts.ManifestHeaders)+2)
	for k, v := range c.opts.ManifestHeaders {
		headers[k] = v
	}
	sessionOpened := false
	if c.opts.PreInitData != "" {
		challenge, sessionID, err := c.preInitializeDRM(ctx)
		if err != nil {
			return err
		}
		headers["challengeB64"] = url.QueryEscape(challenge)
		headers["sessionId"] = sessionID
		sessionOpened = true
	}

	treeOpts := c.opts.Tree
	manifestURL := c.opts.ManifestURL
	if treeOpts.UpdateParam == "" && strings.Contains(manifestURL, urlutil.UpdateParamPlaceholder) {
		c.logger.WarnContext(ctx, "manifest url carries the update parameter, configure it separately instead",
			slog.String("placeholder", urlutil.UpdateParamPlaceholder))
		manifestURL, treeOpts.UpdateParam = urlutil.SplitUpdateParam(manifestURL)
	}
	manifestURL = urlutil.AppendParams(manifestURL, c.opts.ManifestParams)

	treeOpts.KeySystem = c.urn
	treeOpts.Logger = c.opts.Logger
	treeOpts.Metrics = c.opts.Metrics
	c.tree = manifest.New(treeOpts)
	if err := c.tree.Open(ctx, manifestURL, headers); err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	if p := c.tree.CurrentPeriod(); p != nil {
		c.initialSequence = p.Sequence
	}
	return c.InitializePeriod(ctx, sessionOpened)
}

// preInitializeDRM opens a session from pre-init data so that the manifest
// request can carry its challenge and session id.
func (c *Coordinator) preInitializeDRM(ctx context.Context) (challengeB64, sessionID string, err error) {
	psshB64, kidB64, _ := strings.Cut(c.opts.PreInitData, "|")
	if psshB64 == "" || kidB64 == "" {
		return "", "", fmt.Errorf("%w: expected {pssh base64}|{kid base64}", ErrPreInitData)
	}
	if c.opts.DRM.LicenseKey == "" {
		return "", "", ErrNoLicense
	}
	if c.backend == nil {
		return "", "", ErrNoDecrypter
	}
	initData, err := base64.StdEncoding.DecodeString(psshB64)
	if err != nil {
		return "", "", fmt.Errorf("%w: pssh: %w", ErrPreInitData, err)
	}
	kid, err := base64.StdEncoding.DecodeString(kidB64)
	if err != nil {
		return "", "", fmt.Errorf("%w: kid: %w", ErrPreInitData, err)
	}
	if len(initData) < 4 {
		return "", "", fmt.Errorf("%w: pssh too short", ErrPreInitData)
	}
	if err := c.openBackend(ctx, c.opts.DRM.LicenseKey); err != nil {
		return "", "", err
	}

	c.logger.DebugContext(ctx, "pre-initializing drm session", slog.String("kid", drm.KeyIDHex(kid)))
	sess, err := c.backend.CreateSession(ctx, drm.SessionParams{
		InitData:     initData,
		DefaultKeyID: kid,
		SkipMessage:  true,
		CryptoMode:   drm.CryptoModeAESCTR,
	})
	if err != nil {
		return "", "", fmt.Errorf("pre-initializing drm session: %w", err)
	}
	c.sessions = make([]cdmSession, 2)
	c.sessions[1].session = sess
	return base64.StdEncoding.EncodeToString(sess.ChallengeData()), sess.ID(), nil
}

// openBackend initializes the backend once with licenseKey.
func (c *Coordinator) openBackend(ctx context.Context, licenseKey string) error {
	if c.backendReady {
		return nil
	}
	opts := c.opts.DRM
	opts.KeySystem = c.urn
	opts.LicenseKey = licenseKey
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.opts.Metrics
	}
	if err := c.backend.Initialize(ctx, opts); err != nil {
		return fmt.Errorf("opening drm system %s: %w", c.backend.Name(), err)
	}
	c.backendReady = true
	return nil
}

// Tree returns the manifest tree, nil before Initialize.
func (c *Coordinator) Tree() *manifest.Tree { return c.tree }

// Backend returns the DRM backend, nil for clear playback.
func (c *Coordinator) Backend() drm.Backend { return c.backend }

// IsLive reports whether the presentation is live.
func (c *Coordinator) IsLive() bool { return c.tree != nil && c.tree.IsLive() }

// TotalTime returns the presentation duration.
func (c *Coordinator) TotalTime() time.Duration {
	if c.tree == nil {
		return 0
	}
	return c.tree.TotalTime()
}

// Elapsed returns the playback position of the last sample returned.
func (c *Coordinator) Elapsed() time.Duration { return c.elapsed }

// SecureSession reports whether the current period uses a secure decoder path.
func (c *Coordinator) SecureSession() bool { return c.secure }

// Changed reports, once, that stream information changed since the last call.
func (c *Coordinator) Changed() bool {
	ch := c.changed
	c.changed = false
	return ch
}

// SetVideoResolution forwards the display size to the chooser.
func (c *Coordinator) SetVideoResolution(width, height, maxWidth, maxHeight int) {
	c.chooser.SetScreenResolution(width, height, maxWidth, maxHeight)
}

// Session returns the DRM session serving protection set i.
func (c *Coordinator) Session(i uint16) drm.Session {
	if int(i) >= len(c.sessions) {
		return nil
	}
	return c.sessions[i].session
}

// Capabilities returns the capabilities reported for protection set i.
func (c *Coordinator) Capabilities(i uint16) drm.Capabilities {
	if int(i) >= len(c.sessions) {
		return drm.Capabilities{}
	}
	return c.sessions[i].caps
}

// SessionByID finds an open session by its CDM session id.
func (c *Coordinator) SessionByID(id string) drm.Session {
	for i := 1; i < len(c.sessions); i++ {
		if s := c.sessions[i].session; s != nil && s.ID() == id {
			return s
		}
	}
	return nil
}

// Close tears down the streams, then the DRM sessions, then the backend
// and the tree.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, s := range c.streams {
		if err := c.disableStream(s); err != nil {
			errs = append(errs, err)
		}
	}
	c.streams = nil
	c.timing = nil

	if err := c.disposeSessions(); err != nil {
		errs = append(errs, err)
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing drm backend: %w", err))
		}
		c.backend = nil
		c.backendReady = false
	}
	if c.keyBackend != nil {
		if err := c.keyBackend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing key backend: %w", err))
		}
		c.keyBackend = nil
	}
	if c.tree != nil {
		c.tree.Close()
	}
	c.logger.Debug("session closed")
	return errors.Join(errs...)
}
