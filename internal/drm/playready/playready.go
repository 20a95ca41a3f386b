// Package playready drives a platform PlayReady CDM.
package playready

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
)

// Name is the registry name of this backend.
const Name = "playready"

// ModuleName is the vendor module looked up through drm.LoadModule.
const ModuleName = "playready"

// SOAPActionAcquireLicense is sent with license requests built from the
// PlayReady header.
const SOAPActionAcquireLicense = `"http://schemas.microsoft.com/DRM/2007/03/protocols/AcquireLicense"`

// Platform is the PlayReady CDM exposed by the operating system.
type Platform interface {
	drm.CDM
	Initialize(host *drm.Host, profileDir string) error
	// CreateSession creates a session for a PlayReady object. customData is
	// passed through to the license server. The challenge is posted to the
	// host as an EventMessage.
	CreateSession(object []byte, customData string) (string, error)
	Close() error
}

// Backend is the PlayReady backend.
type Backend struct {
	mu         sync.Mutex
	platform   Platform
	release    func()
	host       *drm.Host
	opts       drm.Options
	template   *drm.LicenseTemplate
	licenseURL string
	logger     *slog.Logger
}

// New returns a backend that loads its platform on Initialize.
func New() drm.Backend { return &Backend{} }

// NewWithPlatform returns a backend driving p.
func NewWithPlatform(p Platform) *Backend { return &Backend{platform: p} }

// Name implements drm.Backend.
func (b *Backend) Name() string { return Name }

// KeySystems implements drm.Backend.
func (b *Backend) KeySystems() []string { return []string{drm.URNPlayReady} }

// Initialize loads the platform. The license template is optional; without
// one the license url comes from the PlayReady header.
func (b *Backend) Initialize(_ context.Context, opts drm.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opts = opts
	b.logger = opts.Log().With(slog.String("backend", Name))
	if opts.LicenseKey != "" {
		tmpl, err := drm.ParseLicenseTemplate(opts.LicenseKey)
		if err != nil {
			return err
		}
		b.template = tmpl
	}

	if b.platform == nil {
		mod, release, err := drm.LoadModule(ModuleName, opts.ModuleDir)
		if err != nil {
			return fmt.Errorf("%w: %w", drm.ErrSessionLifecycle, err)
		}
		p, ok := mod.(Platform)
		if !ok {
			release()
			return fmt.Errorf("%w: module %s has type %T", drm.ErrSessionLifecycle, ModuleName, mod)
		}
		b.platform, b.release = p, release
	}

	b.host = drm.NewHost()
	if err := b.platform.Initialize(b.host, opts.ProfileDir); err != nil {
		return fmt.Errorf("%w: initializing platform: %w", drm.ErrSessionLifecycle, err)
	}
	return nil
}

// objectFromInitData accepts a PlayReady pssh box or a bare PlayReady object.
func objectFromInitData(initData []byte) (*drm.WRMHeader, error) {
	if list, err := drm.ParsePSSHList(initData); err == nil {
		pr := drm.MustSystemID(drm.URNPlayReady)
		for _, p := range list {
			if p.SystemID == pr {
				return drm.ParseWRMHeader(p.Data)
			}
		}
	}
	return drm.ParseWRMHeader(initData)
}

// requestTemplate returns the configured template, filling an empty url
// from the header, or a SOAP template built from the header url.
func (b *Backend) requestTemplate(hdr *drm.WRMHeader) (*drm.LicenseTemplate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	url := b.licenseURL
	if url == "" {
		url = hdr.LicenseURL
	}
	if b.template != nil {
		t := *b.template
		if t.URL == "" {
			t.URL = url
		}
		if t.URL == "" {
			return nil, fmt.Errorf("%w: no playready license url", drm.ErrProtectionConfig)
		}
		return &t, nil
	}
	if url == "" {
		return nil, fmt.Errorf("%w: no playready license url", drm.ErrProtectionConfig)
	}
	return &drm.LicenseTemplate{
		URL: url,
		Headers: map[string]string{
			"Content-Type": "text/xml; charset=utf-8",
			"SOAPAction":   SOAPActionAcquireLicense,
		},
		Body:     "R{SSM}",
		Response: "R",
	}, nil
}

// CreateSession opens a platform session for a PlayReady object and
// licenses it. OptionalKeyParam is forwarded as custom data.
func (b *Backend) CreateSession(ctx context.Context, p drm.SessionParams) (drm.Session, error) {
	b.mu.Lock()
	platform, host, opts := b.platform, b.host, b.opts
	b.mu.Unlock()
	if platform == nil || host == nil {
		return nil, fmt.Errorf("%w: backend not initialized", drm.ErrSessionLifecycle)
	}

	hdr, err := objectFromInitData(p.InitData)
	if err != nil {
		return nil, err
	}
	tmpl, err := b.requestTemplate(hdr)
	if err != nil {
		return nil, err
	}

	id, err := platform.CreateSession(hdr.Object, p.OptionalKeyParam)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %w", drm.ErrSessionLifecycle, err)
	}

	mode := p.CryptoMode
	if mode == drm.CryptoModeNone {
		mode = hdr.CryptoMode
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	polls, interval := opts.Polls()
	sess := drm.NewVendorSession(drm.VendorSessionConfig{
		ID:   id,
		CDM:  platform,
		Host: host,
		Exchanger: &drm.LicenseExchanger{
			Client:      client,
			Template:    tmpl,
			Backend:     Name,
			DebugDir:    opts.DebugLicenseDir,
			DebugPrefix: Name + "." + id,
			Logger:      b.logger,
			Metrics:     opts.Metrics,
		},
		Mode:         mode,
		Polls:        polls,
		PollInterval: interval,
		Logger:       b.logger,
		Metrics:      opts.Metrics,
	})
	opts.Metrics.SessionOpened(Name)

	kid := p.DefaultKeyID
	if len(kid) == 0 {
		kid = hdr.KeyID
	}
	if len(kid) > 0 {
		sess.SetDefaultKeyID(kid)
	}
	if p.SkipMessage {
		return sess, nil
	}
	if err := sess.License(ctx, nil); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// LicenseURL implements drm.Backend.
func (b *Backend) LicenseURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.licenseURL != "" {
		return b.licenseURL
	}
	if b.template != nil {
		return b.template.URL
	}
	return ""
}

// SetLicenseURL overrides the url taken from the PlayReady header.
func (b *Backend) SetLicenseURL(url string) {
	b.mu.Lock()
	b.licenseURL = url
	b.mu.Unlock()
}

// Close releases the platform.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.platform == nil {
		return nil
	}
	err := b.platform.Close()
	if b.release != nil {
		b.release()
	}
	b.platform, b.release, b.host = nil, nil, nil
	if err != nil {
		return fmt.Errorf("%w: closing platform: %w", drm.ErrSessionLifecycle, err)
	}
	return nil
}
