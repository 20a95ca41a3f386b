package cmd

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/abrcore/internal/config"
	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/drm/clearkey"
	"github.com/jmylchreest/abrcore/internal/drm/mediadrm"
	"github.com/jmylchreest/abrcore/internal/drm/playready"
	"github.com/jmylchreest/abrcore/internal/drm/widevine"
	"github.com/jmylchreest/abrcore/internal/httpclient"
	"github.com/jmylchreest/abrcore/internal/manifest"
	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/scheduler"
	"github.com/jmylchreest/abrcore/internal/session"
	"github.com/jmylchreest/abrcore/internal/version"
)

// newRegistry registers every built-in DRM backend.
func newRegistry() *drm.Registry {
	r := drm.NewRegistry()
	r.Register(clearkey.New)
	r.Register(widevine.New)
	r.Register(playready.New)
	r.Register(mediadrm.New)
	return r
}

// newHTTPClient builds the client shared by manifests, keys and licenses.
func newHTTPClient(cfg config.HTTPConfig, logger *slog.Logger) *httpclient.Client {
	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout.Duration()
	hc.RetryAttempts = cfg.RetryAttempts
	hc.RetryDelay = cfg.RetryDelay.Duration()
	hc.RetryMaxDelay = cfg.RetryMaxDelay.Duration()
	hc.CircuitThreshold = cfg.CircuitThreshold
	hc.CircuitTimeout = cfg.CircuitTimeout.Duration()
	hc.UserAgent = cfg.UserAgent
	if hc.UserAgent == "" {
		hc.UserAgent = version.UserAgent()
	}
	hc.MaxResponseSize = cfg.MaxResponseSize.Bytes()
	hc.Cookies = cfg.Cookies
	hc.Logger = logger
	return httpclient.New(hc)
}

// deps are the shared objects a coordinator is built on.
type deps struct {
	client    *httpclient.Client
	registry  *drm.Registry
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// buildOptions maps the configuration onto coordinator options.
func buildOptions(cfg *config.Config, manifestURL string, d deps) (session.Options, error) {
	maxRes, err := session.ParseResolution(cfg.Selection.MaxResolution)
	if err != nil {
		return session.Options{}, fmt.Errorf("selection.max_resolution: %w", err)
	}
	maxSecure, err := session.ParseResolution(cfg.Selection.MaxSecureResolution)
	if err != nil {
		return session.Options{}, fmt.Errorf("selection.max_secure_resolution: %w", err)
	}

	var cert []byte
	if cfg.DRM.ServerCertificate != "" {
		if cert, err = base64.StdEncoding.DecodeString(cfg.DRM.ServerCertificate); err != nil {
			return session.Options{}, fmt.Errorf("drm.server_certificate: %w", err)
		}
	}

	var included session.TypeMask
	for _, name := range cfg.Selection.IncludedTypes {
		included |= session.MaskOf(manifest.ParseStreamType(name))
	}

	return session.Options{
		ManifestURL:     manifestURL,
		ManifestHeaders: cfg.Manifest.Headers,
		ManifestParams:  cfg.Manifest.Params,
		Tree: manifest.Options{
			Fetcher:        d.client,
			Headers:        cfg.Manifest.Headers,
			StreamParams:   cfg.Manifest.StreamParams,
			UpdateParam:    cfg.Manifest.UpdateParam,
			UpdateInterval: cfg.Manifest.UpdateInterval.Duration(),
			LiveDelay:      cfg.Manifest.LiveDelay.Duration(),
			Scheduler:      d.scheduler,
		},
		Registry:  d.registry,
		Backend:   cfg.DRM.Backend,
		KeySystem: cfg.DRM.KeySystem,
		DRM: drm.Options{
			LicenseKey:            cfg.DRM.LicenseKey,
			ServerCertificate:     cert,
			ProfileDir:            cfg.DRM.ProfileDir,
			ModuleDir:             cfg.DRM.ModuleDir,
			SecurityLevel:         cfg.DRM.SecurityLevel,
			DebugLicenseDir:       cfg.DRM.DebugLicenseDir,
			ClearKeys:             cfg.DRM.ClearKeys,
			ChallengePolls:        cfg.DRM.ChallengePolls,
			ChallengePollInterval: cfg.DRM.ChallengeInterval.Duration(),
			HTTPClient:            d.client,
			Logger:                d.logger,
			Metrics:               d.metrics,
		},
		LicenseData:          cfg.DRM.LicenseData,
		PreInitData:          cfg.DRM.PreInitData,
		HDCPOverride:         cfg.DRM.HDCPOverride,
		DisableSecureDecoder: cfg.DRM.DisableSecureDecoder,
		ForceSecureDecoder:   cfg.DRM.ForceSecureDecoder,
		Selection:            session.ParseSelectionMode(cfg.Selection.Mode),
		IncludedTypes:        included,
		Chooser: session.NewDefaultChooser(session.ChooserConfig{
			MaxBandwidth:           cfg.Selection.MaxBandwidth,
			MaxResolution:          maxRes,
			MaxSecureResolution:    maxSecure,
			IgnoreScreenResolution: cfg.Selection.IgnoreScreenResolution,
		}, d.logger),
		Logger:  d.logger,
		Metrics: d.metrics,
	}, nil
}
