// Package clearkey implements the W3C ClearKey system and HLS AES-128 keys
// in pure Go.
package clearkey

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/abrcore/internal/drm"
	"github.com/jmylchreest/abrcore/internal/metrics"
)

// Name is the registry name of this backend.
const Name = "clearkey"

// aes128KeySize is the size of an HLS AES-128 key.
const aes128KeySize = 16

// Backend is the ClearKey backend.
type Backend struct {
	mu         sync.Mutex
	opts       drm.Options
	template   *drm.LicenseTemplate
	configured map[string][]byte
	logger     *slog.Logger
}

// New returns an uninitialized backend.
func New() drm.Backend { return &Backend{} }

// Name implements drm.Backend.
func (b *Backend) Name() string { return Name }

// KeySystems implements drm.Backend.
func (b *Backend) KeySystems() []string { return []string{drm.URNClearKey} }

// Initialize reads configured keys and the optional license server.
func (b *Backend) Initialize(_ context.Context, opts drm.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opts = opts
	b.logger = opts.Log().With(slog.String("backend", Name))
	b.configured = make(map[string][]byte, len(opts.ClearKeys))
	for k, v := range opts.ClearKeys {
		kid, err := drm.ParseKeyID(k)
		if err != nil {
			return err
		}
		key, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil || len(key) != aes128KeySize {
			return fmt.Errorf("%w: clear key for %s", drm.ErrProtectionConfig, k)
		}
		b.configured[drm.KeyIDHex(kid)] = key
	}

	if opts.LicenseKey != "" {
		tmpl, err := drm.ParseLicenseTemplate(opts.LicenseKey)
		if err != nil {
			return err
		}
		if !strings.Contains(opts.LicenseKey, "|") {
			tmpl.Headers["Accept"] = "application/json"
			tmpl.Headers["Content-Type"] = "application/json"
		}
		b.template = tmpl
	}
	return nil
}

// KeyIDForURI returns the synthetic key id used for an HLS key URI.
func KeyIDForURI(uri string) []byte {
	sum := md5.Sum([]byte(uri))
	return sum[:]
}

// isKeyURI reports whether init data is an HLS key URI rather than a pssh box.
func isKeyURI(initData []byte) bool {
	s := string(initData)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "data:")
}

// CreateSession resolves keys for the session from configuration, an HLS
// key URI, or the license server, in that order.
func (b *Backend) CreateSession(ctx context.Context, p drm.SessionParams) (drm.Session, error) {
	b.mu.Lock()
	opts, tmpl, logger := b.opts, b.template, b.logger
	configured := b.configured
	b.mu.Unlock()
	if logger == nil {
		return nil, fmt.Errorf("%w: backend not initialized", drm.ErrSessionLifecycle)
	}

	s := &Session{
		id:   ulid.Make().String(),
		keys: make(map[string][]byte),
	}
	s.Cenc = drm.NewCenc(drm.AESDecryptor{Lookup: s.lookup}, p.CryptoMode)
	s.metrics = opts.Metrics

	kids := make([][]byte, 0, 2)
	if len(p.DefaultKeyID) > 0 {
		kids = append(kids, p.DefaultKeyID)
	}

	switch {
	case isKeyURI(p.InitData):
		uri := string(p.InitData)
		kid := p.DefaultKeyID
		if len(kid) == 0 {
			kid = KeyIDForURI(uri)
			kids = append(kids, kid)
		}
		key, err := fetchKey(ctx, client(opts), uri)
		if err != nil {
			return nil, err
		}
		s.setKey(kid, key)
		s.challenge = p.InitData
	case len(p.InitData) > 0:
		if pssh, err := drm.ParsePSSH(p.InitData); err == nil {
			kids = append(kids, pssh.KeyIDs...)
		}
	}

	for _, kid := range kids {
		s.AddKeyID(kid)
		if key, ok := configured[drm.KeyIDHex(kid)]; ok {
			s.setKey(kid, key)
		}
	}
	if len(p.DefaultKeyID) > 0 {
		s.SetDefaultKeyID(p.DefaultKeyID)
	} else if len(kids) > 0 {
		s.SetDefaultKeyID(kids[0])
	}

	missing := s.missing()
	if len(missing) > 0 && !p.SkipMessage {
		if tmpl == nil {
			return nil, fmt.Errorf("%w: no key for %s and no license url", drm.ErrNoKey, drm.KeyIDHex(missing[0]))
		}
		if err := s.license(ctx, &drm.LicenseExchanger{
			Client:      client(opts),
			Template:    tmpl,
			Backend:     Name,
			DebugDir:    opts.DebugLicenseDir,
			DebugPrefix: Name + "." + s.id,
			Logger:      logger,
			Metrics:     opts.Metrics,
		}, missing); err != nil {
			return nil, err
		}
	}

	s.SetSessionOpen(true)
	opts.Metrics.SessionOpened(Name)
	logger.DebugContext(ctx, "clearkey session created",
		slog.String("session_id", s.id),
		slog.Int("keys", s.Keys.Len()),
	)
	return s, nil
}

func client(opts drm.Options) drm.Doer {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// fetchKey loads a 16 byte AES-128 key from an HLS key URI.
func fetchKey(ctx context.Context, c drm.Doer, uri string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		_, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, fmt.Errorf("%w: malformed key data uri", drm.ErrProtectionConfig)
		}
		key, err := base64.StdEncoding.DecodeString(payload)
		if err != nil || len(key) != aes128KeySize {
			return nil, fmt.Errorf("%w: key data uri is not a 16 byte key", drm.ErrProtectionConfig)
		}
		return key, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &drm.LicenseError{URL: uri, Err: err}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, &drm.LicenseError{URL: uri, Err: err}
	}
	defer resp.Body.Close()
	key, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, &drm.LicenseError{URL: uri, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &drm.LicenseError{URL: uri, Status: resp.StatusCode, Err: fmt.Errorf("key request failed")}
	}
	if len(key) != aes128KeySize {
		return nil, &drm.LicenseError{URL: uri, Status: resp.StatusCode, Err: fmt.Errorf("key of %d bytes", len(key))}
	}
	return key, nil
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

// SetLicenseURL sets the W3C license server, e.g. from a dashif:Laurl element.
func (b *Backend) SetLicenseURL(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.template == nil {
		b.template = &drm.LicenseTemplate{
			URL: url,
			Headers: map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
			},
			Body:     "R{SSM}",
			Response: "R",
		}
		return
	}
	b.template.URL = url
}

// Close implements drm.Backend.
func (b *Backend) Close() error { return nil }

// Session holds the content keys of one ClearKey session.
type Session struct {
	*drm.Cenc

	id        string
	challenge []byte
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	keys   map[string][]byte
	closed bool
}

// ID implements drm.Session.
func (s *Session) ID() string { return s.id }

// ChallengeData returns the last W3C license request or key URI.
func (s *Session) ChallengeData() []byte { return s.challenge }

func (s *Session) lookup(kid []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false
	}
	key, ok := s.keys[drm.KeyIDHex(kid)]
	return key, ok
}

func (s *Session) setKey(kid, key []byte) {
	s.mu.Lock()
	s.keys[drm.KeyIDHex(kid)] = append([]byte(nil), key...)
	s.mu.Unlock()
	s.Keys.SetStatus(kid, drm.KeyStatusUsable)
}

func (s *Session) missing() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out [][]byte
	for _, kid := range s.Keys.IDs() {
		if _, ok := s.keys[drm.KeyIDHex(kid)]; !ok {
			out = append(out, kid)
		}
	}
	return out
}

// Close drops the session keys.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.keys = map[string][]byte{}
	s.mu.Unlock()
	s.SetSessionOpen(false)
	s.metrics.SessionClosed()
	return nil
}

// licenseRequest is the W3C ClearKey license request.
type licenseRequest struct {
	KIDs []string `json:"kids"`
	Type string   `json:"type"`
}

// licenseResponse is the W3C ClearKey license (a JWK set).
type licenseResponse struct {
	Keys []struct {
		Kty string `json:"kty"`
		K   string `json:"k"`
		Kid string `json:"kid"`
	} `json:"keys"`
	Message string `json:"Message"`
}

// license requests keys for kids from the license server.
func (s *Session) license(ctx context.Context, x *drm.LicenseExchanger, kids [][]byte) error {
	req := licenseRequest{Type: "temporary"}
	for _, kid := range kids {
		req.KIDs = append(req.KIDs, base64.RawURLEncoding.EncodeToString(kid))
	}
	challenge, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %w", drm.ErrLicense, err)
	}
	s.challenge = challenge

	res, err := x.Exchange(ctx, challenge, s.id, kids[0])
	if err != nil {
		return err
	}

	var lic licenseResponse
	if err := json.Unmarshal(res.License, &lic); err != nil {
		return &drm.LicenseError{URL: x.Template.URL, Err: fmt.Errorf("decoding license: %w", err)}
	}
	if lic.Message != "" {
		return &drm.LicenseError{URL: x.Template.URL, Err: fmt.Errorf("license server: %s", lic.Message)}
	}
	for _, k := range lic.Keys {
		if k.Kty != "" && k.Kty != "oct" {
			continue
		}
		kid, err := decodeJWK(k.Kid)
		if err != nil || len(kid) != drm.KeyIDSize {
			return &drm.LicenseError{URL: x.Template.URL, Err: fmt.Errorf("invalid kid %q", k.Kid)}
		}
		key, err := decodeJWK(k.K)
		if err != nil || len(key) != aes128KeySize {
			return &drm.LicenseError{URL: x.Template.URL, Err: fmt.Errorf("invalid key for kid %q", k.Kid)}
		}
		s.setKey(kid, key)
	}
	s.SetLimits(0, res.HDCPLimit, res.ResolutionLimit)
	if len(s.missing()) == len(kids) {
		return &drm.LicenseError{URL: x.Template.URL, Err: fmt.Errorf("license carried none of the requested keys")}
	}
	return nil
}

func decodeJWK(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
