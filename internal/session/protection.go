package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/manifest"
)

// InitializeDRM creates or reuses a DRM session for every protection set
// of the current period and filters representations the sessions cannot
// play. reuse keeps a pre-initialized session for the first set.
func (c *Coordinator) InitializeDRM(ctx context.Context, reuse bool) error {
	if c.tree == nil {
		return ErrNotInitialized
	}
	p := c.tree.CurrentPeriod()
	if p == nil {
		return ErrNotInitialized
	}

	c.tree.RLock()
	n := len(p.PSSHSets)
	enc := p.Encryption
	licenseURL := ""
	for i := 1; i < n && licenseURL == ""; i++ {
		licenseURL = p.PSSHSets[i].LicenseURL
	}
	c.tree.RUnlock()
	c.growSessions(n)

	secure := false
	if enc == manifest.EncryptedDRM {
		if c.backend == nil {
			return ErrNoDecrypter
		}
		licenseKey := c.opts.DRM.LicenseKey
		if licenseKey == "" {
			licenseKey = licenseURL
		}
		if licenseKey == "" && (!c.backendReady || c.backend.LicenseURL() == "") {
			return ErrNoLicense
		}
		if err := c.openBackend(ctx, licenseKey); err != nil {
			return err
		}
		c.logger.DebugContext(ctx, "initializing drm sessions", slog.Int("protection_sets", n-1))

		for i := 1; i < n; i++ {
			sec, err := c.initSet(ctx, c.backend, p, uint16(i), reuse)
			if err != nil {
				c.releaseSessionsFrom(i)
				return err
			}
			secure = secure || sec
		}
	}

	if c.opts.HDCPOverride {
		c.logger.DebugContext(ctx, "hdcp checks disabled")
	} else {
		c.checkHDCP(ctx, p)
	}
	c.secure = secure
	c.chooser.SetSecureSession(secure)
	return nil
}

// growSessions makes room for n protection sets.
func (c *Coordinator) growSessions(n int) {
	if len(c.sessions) < n {
		c.sessions = append(c.sessions, make([]cdmSession, n-len(c.sessions))...)
	}
}

// initSet resolves the session of protection set i. It reports whether
// the set plays through a secure path. Unresolvable init data drops the
// set; a failed session creation is returned.
func (c *Coordinator) initSet(ctx context.Context, b drm.Backend, p *manifest.Period, i uint16, reuse bool) (bool, error) {
	c.tree.RLock()
	set := p.PSSHSets[i]
	c.tree.RUnlock()
	if set.UsageCount == 0 {
		return false, nil
	}
	logger := c.logger.With(slog.Int("protection_set", int(i)))

	initData, optional, err := c.resolveInitData(ctx, p, i, &set)
	if err != nil {
		logger.WarnContext(ctx, "dropping protection set", slog.Any("error", err))
		c.removeSet(p, i)
		return false, nil
	}

	kid := set.DefaultKID
	cs := &c.sessions[i]
	if reuse && i == 1 && cs.session != nil && len(kid) > 0 {
		cs.session.AddKeyID(kid)
		cs.session.SetDefaultKeyID(kid)
	}

	if cs.session == nil {
		if shared := c.findShared(p, i, &set); shared != nil {
			cs.session, cs.shared = shared, true
			logger.DebugContext(ctx, "sharing drm session", slog.String("session_id", shared.ID()))
		}
	}
	if cs.session == nil {
		if len(kid) == 0 && set.KeyURL == "" {
			logger.WarnContext(ctx, "initializing stream with unknown key id")
		}
		if len(initData) < 4 {
			return false, fmt.Errorf("%w: protection set %d has no init data", drm.ErrSessionLifecycle, i)
		}
		mode := set.CryptoMode
		if mode == drm.CryptoModeNone {
			mode = drm.CryptoModeAESCTR
		}
		sess, err := b.CreateSession(ctx, drm.SessionParams{
			InitData:         initData,
			OptionalKeyParam: optional,
			DefaultKeyID:     kid,
			CryptoMode:       mode,
		})
		if err != nil {
			return false, fmt.Errorf("creating drm session for protection set %d: %w", i, err)
		}
		cs.session = sess
		logger.InfoContext(ctx, "drm session created",
			slog.String("session_id", sess.ID()),
			slog.String("kid", drm.KeyIDHex(kid)),
			slog.String("mode", mode.String()))
	}

	cs.caps = cs.session.GetCapabilities(kid, mediaType(set.Media))
	switch {
	case cs.caps.Flags.Has(drm.CapInvalid):
		logger.WarnContext(ctx, "session cannot decrypt protection set, dropping it")
		c.removeSet(p, i)
		return false, nil
	case cs.caps.Flags.Has(drm.CapSecurePath):
		c.tree.RLock()
		needSecure := p.NeedSecureDecoder
		c.tree.RUnlock()
		if c.opts.DisableSecureDecoder && !c.opts.ForceSecureDecoder && !needSecure {
			logger.DebugContext(ctx, "secure path without secure decoder")
			cs.caps.Flags &^= drm.CapSecureDecoder
		}
		return true, nil
	}
	return false, nil
}

// findShared returns an earlier session already holding the key of set,
// or, for sets without a key id, one created from identical init data.
func (c *Coordinator) findShared(p *manifest.Period, i uint16, set *manifest.PSSHSet) drm.Session {
	c.tree.RLock()
	defer c.tree.RUnlock()
	for j := uint16(1); j < i; j++ {
		s := c.sessions[j].session
		if s == nil {
			continue
		}
		if len(set.DefaultKID) > 0 {
			if s.HasKeyID(set.DefaultKID) {
				return s
			}
		} else if int(j) < len(p.PSSHSets) && set.KeyURL == p.PSSHSets[j].KeyURL &&
			bytes.Equal(set.InitData, p.PSSHSets[j].InitData) {
			return s
		}
	}
	return nil
}

// resolveInitData picks the session init data of set i. The returned
// optional parameter carries PlayReady custom data for Smooth Streaming.
func (c *Coordinator) resolveInitData(ctx context.Context, p *manifest.Period, i uint16, set *manifest.PSSHSet) ([]byte, string, error) {
	licenseData := c.opts.LicenseData
	optional := ""
	if c.tree.Format() == manifest.FormatSmooth {
		switch c.urn {
		case drm.URNWidevine:
			data, err := drm.CreateISMLicense(set.DefaultKID, licenseData)
			return data, "", err
		case drm.URNPlayReady:
			optional = licenseData
			licenseData = ""
		}
	}
	if licenseData != "" {
		data, err := base64.StdEncoding.DecodeString(licenseData)
		if err != nil {
			return nil, "", fmt.Errorf("%w: license data: %w", drm.ErrProtectionConfig, err)
		}
		return data, optional, nil
	}
	if set.KeyURL != "" {
		return []byte(set.KeyURL), optional, nil
	}
	if len(set.InitData) > 0 {
		return set.InitData, optional, nil
	}

	data, kid, err := c.extractProtection(ctx, p, i)
	if err != nil {
		return nil, "", err
	}
	if len(set.DefaultKID) == 0 && len(kid) > 0 {
		set.DefaultKID = kid
		c.tree.Lock()
		p.PSSHSets[i].DefaultKID = kid
		c.tree.Unlock()
	}
	return data, optional, nil
}

// extractProtection reads the pssh box of the configured key system and
// the key id from the initialization segment of the first representation
// using set i.
func (c *Coordinator) extractProtection(ctx context.Context, p *manifest.Period, i uint16) ([]byte, []byte, error) {
	var (
		adp *manifest.AdaptationSet
		rep *manifest.Representation
	)
	c.tree.RLock()
	for _, a := range p.AdaptationSets {
		for _, r := range a.Representations {
			if r.PSSHSet == i {
				adp, rep = a, r
				break
			}
		}
		if rep != nil {
			break
		}
	}
	c.tree.RUnlock()
	if rep == nil {
		return nil, nil, fmt.Errorf("%w: no representation uses protection set %d", drm.ErrProtectionConfig, i)
	}

	if _, err := c.tree.PrepareRepresentation(ctx, p, adp, rep); err != nil {
		return nil, nil, fmt.Errorf("%w: preparing %s: %w", drm.ErrProtectionConfig, rep.ID, err)
	}
	init, ok, err := c.tree.FetchInit(ctx, rep)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: init segment of %s: %w", drm.ErrProtectionConfig, rep.ID, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s has no init segment", drm.ErrProtectionConfig, rep.ID)
	}
	prot, err := drm.ExtractProtection(init)
	if err != nil {
		return nil, nil, err
	}

	systemID, err := drm.SystemID(c.urn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", drm.ErrProtectionConfig, err)
	}
	pssh := prot.PSSHFor(systemID)
	if pssh == nil {
		return nil, nil, fmt.Errorf("%w: init segment of %s has no pssh for %s", drm.ErrProtectionConfig, rep.ID, c.urn)
	}
	box, err := drm.MakePSSH(pssh.SystemID, pssh.KeyIDs, pssh.Data)
	if err != nil {
		return nil, nil, err
	}
	kid := prot.DefaultKeyID
	if len(pssh.KeyIDs) > 0 {
		kid = pssh.KeyIDs[0]
	}
	c.logger.DebugContext(ctx, "protection extracted from init segment",
		slog.String("representation", rep.ID),
		slog.String("kid", drm.KeyIDHex(kid)))
	return box, kid, nil
}

// removeSet drops every representation of protection set i.
func (c *Coordinator) removeSet(p *manifest.Period, i uint16) {
	c.tree.Lock()
	p.RemovePSSHSet(i)
	c.tree.Unlock()
}

// checkHDCP drops video representations whose HDCP version or pixel count
// exceeds what their session allows.
func (c *Coordinator) checkHDCP(ctx context.Context, p *manifest.Period) {
	c.tree.Lock()
	removed := 0
	for _, a := range p.AdaptationSets {
		if a.Type != manifest.StreamVideo {
			continue
		}
		reps := a.Representations[:0]
		for _, r := range a.Representations {
			if r.PSSHSet == 0 || int(r.PSSHSet) >= len(c.sessions) || c.sessions[r.PSSHSet].session == nil {
				reps = append(reps, r)
				continue
			}
			caps := c.sessions[r.PSSHSet].caps
			if r.HDCPVersion > caps.HDCPVersion || (caps.HDCPLimit > 0 && r.Resolution() > caps.HDCPLimit) {
				c.logger.DebugContext(ctx, "representation removed as not hdcp compliant",
					slog.String("representation", r.ID),
					slog.Any("hdcp_version", r.HDCPVersion),
					slog.Int("hdcp_limit", caps.HDCPLimit))
				p.DecrementPSSHSet(r.PSSHSet)
				removed++
				continue
			}
			reps = append(reps, r)
		}
		clear(a.Representations[len(reps):])
		a.Representations = reps
	}
	c.tree.Unlock()
	c.opts.Metrics.AddHDCPFiltered(removed)
}

// sessionFor returns the session of protection set i of p, creating it
// on first use. HLS key rotation adds sets while segments are prepared;
// AES-128 key URIs are served by the ClearKey backend whatever key system
// the presentation negotiated.
func (c *Coordinator) sessionFor(ctx context.Context, p *manifest.Period, i uint16) (drm.Session, error) {
	c.tree.RLock()
	n := len(p.PSSHSets)
	var keyURL string
	if int(i) < n {
		keyURL = p.PSSHSets[i].KeyURL
	}
	c.tree.RUnlock()
	if i == 0 || int(i) >= n {
		return nil, fmt.Errorf("%w: protection set %d", drm.ErrProtectionConfig, i)
	}
	c.growSessions(n)
	if s := c.sessions[i].session; s != nil {
		return s, nil
	}

	b := c.backend
	if keyURL != "" && c.urn != drm.URNClearKey {
		var err error
		if b, err = c.keyURIBackend(ctx); err != nil {
			return nil, err
		}
	} else if b == nil {
		return nil, ErrNoDecrypter
	} else if err := c.openBackend(ctx, c.opts.DRM.LicenseKey); err != nil {
		return nil, err
	}
	if _, err := c.initSet(ctx, b, p, i, false); err != nil {
		return nil, err
	}
	if s := c.sessions[i].session; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: protection set %d was dropped", drm.ErrNoKey, i)
}

// keyURIBackend loads and initializes the ClearKey backend used for
// AES-128 segment keys.
func (c *Coordinator) keyURIBackend(ctx context.Context) (drm.Backend, error) {
	if c.keyBackend != nil {
		return c.keyBackend, nil
	}
	if c.opts.Registry == nil {
		return nil, ErrNoDecrypter
	}
	b, err := c.opts.Registry.Select(drm.KeySystemClearKey, "")
	if err != nil {
		return nil, fmt.Errorf("loading key backend: %w", err)
	}
	opts := c.opts.DRM
	opts.KeySystem = drm.URNClearKey
	opts.LicenseKey = ""
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.opts.Metrics
	}
	if err := b.Initialize(ctx, opts); err != nil {
		return nil, fmt.Errorf("opening drm system %s: %w", b.Name(), err)
	}
	c.keyBackend = b
	return b, nil
}

// releaseSessionsFrom forgets sessions of sets i and later after a failed
// initialization, closing the ones that were not shared.
func (c *Coordinator) releaseSessionsFrom(i int) {
	for j := i; j < len(c.sessions); j++ {
		cs := &c.sessions[j]
		if cs.session != nil && !cs.shared {
			if err := cs.session.Close(); err != nil {
				c.logger.Warn("closing drm session failed", slog.Any("error", err))
			}
		}
		*cs = cdmSession{}
	}
}

// disposeSessions closes every session. Shared entries are closed once
// through their owner.
func (c *Coordinator) disposeSessions() error {
	var errs []error
	for i := range c.sessions {
		cs := &c.sessions[i]
		if cs.session != nil && !cs.shared {
			if err := cs.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing drm session %s: %w", cs.session.ID(), err))
			}
		}
	}
	c.sessions = nil
	return errors.Join(errs...)
}

func mediaType(t manifest.StreamType) drm.MediaType {
	switch t {
	case manifest.StreamAudio:
		return drm.MediaAudio
	case manifest.StreamVideo:
		return drm.MediaVideo
	default:
		return drm.MediaVideo | drm.MediaAudio
	}
}
