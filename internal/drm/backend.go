package drm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/repack"
)

// Session is one CDM session. Backends return values that embed *Cenc for
// the key table, pool and sample paths.
type Session interface {
	ID() string
	GetCapabilities(keyID []byte, media MediaType) Capabilities
	AddKeyID(kid []byte)
	SetDefaultKeyID(kid []byte)
	HasKeyID(kid []byte) bool
	AddPool() uint32
	RemovePool(pool uint32)
	SetFragmentInfo(pool uint32, info FragmentInfo) error
	DecryptSampleData(pool uint32, in, iv []byte, subs repack.Subsamples) ([]byte, error)
	// ChallengeData returns the pending (or last) license challenge.
	ChallengeData() []byte
	Close() error
}

// SessionParams are the inputs of Backend.CreateSession.
type SessionParams struct {
	// InitData is a pssh box, PlayReady object, or key URI depending on the backend.
	InitData []byte
	// OptionalKeyParam carries backend specific extra data (Smooth license data).
	OptionalKeyParam string
	DefaultKeyID     []byte
	// SkipMessage opens the session without driving the license exchange.
	SkipMessage bool
	CryptoMode  CryptoMode
}

// Options configure a backend at Initialize time.
type Options struct {
	KeySystem string
	// LicenseKey is the license template string (url|headers|body|response).
	LicenseKey        string
	ServerCertificate []byte
	// ProfileDir stores backend state such as provisioning data.
	ProfileDir string
	// ModuleDir is searched for vendor module plugins.
	ModuleDir string
	// SecurityLevel requests a platform security level such as "L1".
	SecurityLevel string
	// DebugLicenseDir receives challenge and response dumps when set.
	DebugLicenseDir string
	// ClearKeys maps hex key ids to hex keys for the ClearKey backend.
	ClearKeys map[string]string
	// ChallengePolls and ChallengePollInterval bound waits for vendor events.
	ChallengePolls        int
	ChallengePollInterval time.Duration
	HTTPClient            Doer
	Logger                *slog.Logger
	Metrics               *metrics.Metrics
}

// Backend is one DRM system implementation.
type Backend interface {
	// Name is the registry key, e.g. "widevine".
	Name() string
	// KeySystems lists the URNs this backend can serve.
	KeySystems() []string
	// Initialize prepares the backend for keySystem.
	Initialize(ctx context.Context, opts Options) error
	// CreateSession opens a session and, unless skipped, licenses it.
	CreateSession(ctx context.Context, p SessionParams) (Session, error)
	// LicenseURL returns the configured license url, if any.
	LicenseURL() string
	// SetLicenseURL overrides the license url, e.g. from a PlayReady header.
	SetLicenseURL(url string)
	Close() error
}

// Factory creates a backend instance.
type Factory func() Backend

// Registry negotiates backends by name and key system.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	systems   map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory), systems: make(map[string][]string)}
}

// Register adds a backend factory. The factory is called once to learn
// the key systems it serves.
func (r *Registry) Register(f Factory) {
	b := f()
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(b.Name())
	r.factories[name] = f
	systems := make([]string, 0, len(b.KeySystems()))
	for _, ks := range b.KeySystems() {
		systems = append(systems, strings.ToLower(ks))
	}
	r.systems[name] = systems
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New instantiates a backend by name.
func (r *Registry) New(name string) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return f(), nil
}

// Select returns a backend serving keySystem. When preferred is set and
// serves the key system it wins; otherwise backends are tried by name.
func (r *Registry) Select(keySystem, preferred string) (Backend, error) {
	urn, ok := URNForKeySystem(keySystem)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key system %q", ErrProtectionConfig, keySystem)
	}
	if preferred != "" {
		if r.serves(preferred, urn) {
			return r.New(preferred)
		}
		return nil, fmt.Errorf("%w: %q does not serve %s", ErrBackendNotFound, preferred, keySystem)
	}
	for _, name := range r.Names() {
		if r.serves(name, urn) {
			return r.New(name)
		}
	}
	return nil, fmt.Errorf("%w: no backend for %s", ErrBackendNotFound, keySystem)
}

func (r *Registry) serves(name, urn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ks := range r.systems[strings.ToLower(name)] {
		if ks == urn {
			return true
		}
	}
	return false
}

// Polls returns the configured poll budget with defaults applied.
func (o Options) Polls() (int, time.Duration) {
	n, d := o.ChallengePolls, o.ChallengePollInterval
	if n <= 0 {
		n = 50
	}
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return n, d
}

// Log returns the configured logger or the default one.
func (o Options) Log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
