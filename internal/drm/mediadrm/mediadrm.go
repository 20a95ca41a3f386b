// Package mediadrm drives an Android style MediaDrm platform CDM for
// Widevine, PlayReady and WisePlay.
package mediadrm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/drm"
)

// Name is the registry name of this backend.
const Name = "mediadrm"

// ModuleName is the vendor module looked up through drm.LoadModule.
const ModuleName = "mediadrm"

// Security levels understood by the platform.
const (
	SecurityLevelL1 = "L1"
	SecurityLevelL3 = "L3"
)

// MediaDrm is the platform DRM object. OpenSession returns an error
// wrapping drm.ErrProvisioningRequired when the device must be provisioned.
type MediaDrm interface {
	drm.CDM
	// Open creates the platform object for a key system URN.
	Open(host *drm.Host, keySystem string) error
	SetSecurityLevel(level string) error
	OpenSession() (string, error)
	ProvisionRequest() (url string, data []byte, err error)
	ProvideProvisionResponse(response []byte) error
	// KeyRequest returns the license challenge for init data.
	KeyRequest(sessionID string, initData []byte, mimeType string, optional map[string]string) ([]byte, error)
	Release() error
}

// Backend is the MediaDrm backend.
type Backend struct {
	mu       sync.Mutex
	md       MediaDrm
	release  func()
	host     *drm.Host
	opts     drm.Options
	template *drm.LicenseTemplate
	level    string
	logger   *slog.Logger
}

// New returns a backend that loads the platform object on Initialize.
func New() drm.Backend { return &Backend{} }

// NewWithMediaDrm returns a backend driving m.
func NewWithMediaDrm(m MediaDrm) *Backend { return &Backend{md: m} }

// Name implements drm.Backend.
func (b *Backend) Name() string { return Name }

// KeySystems implements drm.Backend.
func (b *Backend) KeySystems() []string {
	return []string{drm.URNWidevine, drm.URNPlayReady, drm.URNWisePlay}
}

// Initialize opens the platform object for opts.KeySystem.
func (b *Backend) Initialize(_ context.Context, opts drm.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opts = opts
	b.logger = opts.Log().With(slog.String("backend", Name))
	urn, ok := drm.URNForKeySystem(opts.KeySystem)
	if !ok {
		return fmt.Errorf("%w: unknown key system %q", drm.ErrProtectionConfig, opts.KeySystem)
	}

	if opts.LicenseKey != "" {
		tmpl, err := drm.ParseLicenseTemplate(opts.LicenseKey)
		if err != nil {
			return err
		}
		b.template = tmpl
	}

	if b.md == nil {
		mod, release, err := drm.LoadModule(ModuleName, opts.ModuleDir)
		if err != nil {
			return fmt.Errorf("%w: %w", drm.ErrSessionLifecycle, err)
		}
		m, ok := mod.(MediaDrm)
		if !ok {
			release()
			return fmt.Errorf("%w: module %s has type %T", drm.ErrSessionLifecycle, ModuleName, mod)
		}
		b.md, b.release = m, release
	}

	b.host = drm.NewHost()
	if err := b.md.Open(b.host, urn); err != nil {
		return fmt.Errorf("%w: opening media drm: %w", drm.ErrSessionLifecycle, err)
	}
	b.level = strings.ToUpper(opts.SecurityLevel)
	if b.level != "" {
		if err := b.md.SetSecurityLevel(b.level); err != nil {
			return fmt.Errorf("%w: security level %s: %w", drm.ErrSessionLifecycle, b.level, err)
		}
	}
	return nil
}

func (b *Backend) client() drm.Doer {
	if b.opts.HTTPClient != nil {
		return b.opts.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// openSession opens a platform session. A provisioning request triggers one
// provisioning exchange followed by one retry at L3.
func (b *Backend) openSession(ctx context.Context) (string, error) {
	id, err := b.md.OpenSession()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, drm.ErrProvisioningRequired) {
		return "", fmt.Errorf("%w: opening session: %w", drm.ErrSessionLifecycle, err)
	}

	b.logger.InfoContext(ctx, "device provisioning required")
	if err := b.provision(ctx); err != nil {
		return "", err
	}
	if b.level != SecurityLevelL3 {
		if err := b.md.SetSecurityLevel(SecurityLevelL3); err != nil {
			return "", fmt.Errorf("%w: lowering security level: %w", drm.ErrSessionLifecycle, err)
		}
		b.level = SecurityLevelL3
	}
	id, err = b.md.OpenSession()
	if err != nil {
		return "", fmt.Errorf("%w: opening session after provisioning: %w", drm.ErrSessionLifecycle, err)
	}
	return id, nil
}

func (b *Backend) provision(ctx context.Context) error {
	url, data, err := b.md.ProvisionRequest()
	if err != nil {
		return fmt.Errorf("%w: provisioning request: %w", drm.ErrSessionLifecycle, err)
	}
	if url == "" {
		return fmt.Errorf("%w: provisioning request without url", drm.ErrSessionLifecycle)
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+sep+"signedRequest="+string(data), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: provisioning: %w", drm.ErrSessionLifecycle, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: provisioning: %w", drm.ErrSessionLifecycle, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 1<<20)); err != nil {
		return fmt.Errorf("%w: reading provisioning response: %w", drm.ErrSessionLifecycle, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: provisioning server returned %d", drm.ErrSessionLifecycle, resp.StatusCode)
	}
	if err := b.md.ProvideProvisionResponse(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: provisioning response: %w", drm.ErrSessionLifecycle, err)
	}
	return nil
}

// CreateSession opens a platform session and licenses it with the
// challenge returned by KeyRequest.
func (b *Backend) CreateSession(ctx context.Context, p drm.SessionParams) (drm.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md == nil || b.host == nil {
		return nil, fmt.Errorf("%w: backend not initialized", drm.ErrSessionLifecycle)
	}
	if b.template == nil {
		return nil, fmt.Errorf("%w: no license url", drm.ErrProtectionConfig)
	}

	id, err := b.openSession(ctx)
	if err != nil {
		return nil, err
	}

	polls, interval := b.opts.Polls()
	sess := drm.NewVendorSession(drm.VendorSessionConfig{
		ID:   id,
		CDM:  b.md,
		Host: b.host,
		Exchanger: &drm.LicenseExchanger{
			Client:      b.client(),
			Template:    b.template,
			Backend:     Name,
			DebugDir:    b.opts.DebugLicenseDir,
			DebugPrefix: Name + "." + id,
			Logger:      b.logger,
			Metrics:     b.opts.Metrics,
		},
		Mode:         p.CryptoMode,
		Polls:        polls,
		PollInterval: interval,
		Logger:       b.logger,
		Metrics:      b.opts.Metrics,
	})
	b.opts.Metrics.SessionOpened(Name)
	if len(p.DefaultKeyID) > 0 {
		sess.SetDefaultKeyID(p.DefaultKeyID)
	}
	if p.SkipMessage {
		return sess, nil
	}

	var optional map[string]string
	if p.OptionalKeyParam != "" {
		optional = map[string]string{"PRCustomData": p.OptionalKeyParam}
	}
	challenge, err := b.md.KeyRequest(id, p.InitData, "video/mp4", optional)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: key request: %w", drm.ErrSessionLifecycle, err)
	}
	if err := sess.License(ctx, challenge); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// LicenseURL implements drm.Backend.
func (b *Backend) LicenseURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.template == nil {
		return ""
	}
	return b.template.URL
}

// SetLicenseURL implements drm.Backend.
func (b *Backend) SetLicenseURL(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.template == nil {
		b.template = &drm.LicenseTemplate{URL: url, Headers: map[string]string{}, Body: "R{SSM}", Response: "R"}
		return
	}
	b.template.URL = url
}

// Close releases the platform object.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.md == nil {
		return nil
	}
	err := b.md.Release()
	if b.release != nil {
		b.release()
	}
	b.md, b.release, b.host = nil, nil, nil
	if err != nil {
		return fmt.Errorf("%w: releasing media drm: %w", drm.ErrSessionLifecycle, err)
	}
	return nil
}
