// Package widevine drives a native Widevine CDM module.
package widevine

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
const Name = "widevine"

// ModuleName is the vendor module looked up through drm.LoadModule.
const ModuleName = "widevinecdm"

// Module is the vendor CDM. It reports challenges, key status changes and
// session closure through the host it was initialized with.
type Module interface {
	drm.CDM
	Initialize(host *drm.Host, profileDir string) error
	SetServerCertificate(cert []byte) error
	// CreateSession creates a session for a pssh box and returns its id.
	// The license challenge is posted to the host as an EventMessage.
	CreateSession(initData []byte) (string, error)
	Close() error
}

// Backend is the native Widevine backend.
type Backend struct {
	mu       sync.Mutex
	module   Module
	release  func()
	host     *drm.Host
	opts     drm.Options
	template *drm.LicenseTemplate
	logger   *slog.Logger
}

// New returns a backend that loads its module on Initialize.
func New() drm.Backend { return &Backend{} }

// NewWithModule returns a backend driving m.
func NewWithModule(m Module) *Backend { return &Backend{module: m} }

// Name implements drm.Backend.
func (b *Backend) Name() string { return Name }

// KeySystems implements drm.Backend.
func (b *Backend) KeySystems() []string { return []string{drm.URNWidevine} }

// Initialize loads the module, parses the license template and installs
// the configured service certificate.
func (b *Backend) Initialize(_ context.Context, opts drm.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opts = opts
	b.logger = opts.Log().With(slog.String("backend", Name))

	tmpl, err := drm.ParseLicenseTemplate(opts.LicenseKey)
	if err != nil {
		return err
	}
	b.template = tmpl

	if b.module == nil {
		mod, release, err := drm.LoadModule(ModuleName, opts.ModuleDir)
		if err != nil {
			return fmt.Errorf("%w: %w", drm.ErrSessionLifecycle, err)
		}
		m, ok := mod.(Module)
		if !ok {
			release()
			return fmt.Errorf("%w: module %s has type %T", drm.ErrSessionLifecycle, ModuleName, mod)
		}
		b.module, b.release = m, release
	}

	b.host = drm.NewHost()
	if err := b.module.Initialize(b.host, opts.ProfileDir); err != nil {
		return fmt.Errorf("%w: initializing module: %w", drm.ErrSessionLifecycle, err)
	}
	if len(opts.ServerCertificate) > 0 {
		if err := b.module.SetServerCertificate(opts.ServerCertificate); err != nil {
			return fmt.Errorf("%w: server certificate: %w", drm.ErrProtectionConfig, err)
		}
	}
	b.logger.Debug("widevine backend initialized", slog.String("license_url", tmpl.URL))
	return nil
}

// CreateSession opens a module session for a pssh box and licenses it.
func (b *Backend) CreateSession(ctx context.Context, p drm.SessionParams) (drm.Session, error) {
	b.mu.Lock()
	module, host, tmpl, opts := b.module, b.host, b.template, b.opts
	b.mu.Unlock()
	if module == nil || host == nil {
		return nil, fmt.Errorf("%w: backend not initialized", drm.ErrSessionLifecycle)
	}
	if len(p.InitData) == 0 {
		return nil, fmt.Errorf("%w: widevine session without init data", drm.ErrProtectionConfig)
	}

	id, err := module.CreateSession(p.InitData)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %w", drm.ErrSessionLifecycle, err)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	polls, interval := opts.Polls()
	sess := drm.NewVendorSession(drm.VendorSessionConfig{
		ID:  id,
		CDM: module,
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
		Mode:                p.CryptoMode,
		OnServerCertificate: module.SetServerCertificate,
		Polls:               polls,
		PollInterval:        interval,
		Logger:              b.logger,
		Metrics:             opts.Metrics,
	})
	opts.Metrics.SessionOpened(Name)

	if len(p.DefaultKeyID) > 0 {
		sess.SetDefaultKeyID(p.DefaultKeyID)
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

// Close releases the module.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.module == nil {
		return nil
	}
	err := b.module.Close()
	if b.release != nil {
		b.release()
	}
	b.module, b.release, b.host = nil, nil, nil
	if err != nil {
		return fmt.Errorf("%w: closing module: %w", drm.ErrSessionLifecycle, err)
	}
	return nil
}
