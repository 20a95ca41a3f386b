package drm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name    string
	systems []string
	url     string
}

func (b *stubBackend) Name() string { return b.name }
func (b *stubBackend) KeySystems() []string { return b.systems }
func (b *stubBackend) Initialize(context.Context, Options) error { return nil }
func (b *stubBackend) CreateSession(context.Context, SessionParams) (Session, error) {
	return nil, errors.New("not implemented")
}
func (b *stubBackend) LicenseURL() string { return b.url }
func (b *stubBackend) SetLicenseURL(u string) { b.url = u }
func (b *stubBackend) Close() error { return nil }

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(func() Backend { return &stubBackend{name: "widevine", systems: []string{URNWidevine}} })
	r.Register(func() Backend {
		return &stubBackend{name: "MediaDrm", systems: []string{URNWidevine, URNPlayReady, URNWisePlay}}
	})
	r.Register(func() Backend { return &stubBackend{name: "clearkey", systems: []string{URNClearKey}} })
	return r
}

func TestRegistry_Select(t *testing.T) {
	r := testRegistry()
	assert.Equal(t, []string{"clearkey", "mediadrm", "widevine"}, r.Names())

	tests := []struct {
		name      string
		keySystem string
		preferred string
		want      string
		wantErr   error
	}{
		{name: "first serving backend", keySystem: KeySystemWidevine, want: "MediaDrm"},
		{name: "preferred backend", keySystem: KeySystemWidevine, preferred: "widevine", want: "widevine"},
		{name: "only one serves", keySystem: KeySystemClearKey, want: "clearkey"},
		{name: "urn form", keySystem: URNWisePlay, want: "MediaDrm"},
		{name: "preferred cannot serve", keySystem: KeySystemPlayReady, preferred: "clearkey", wantErr: ErrBackendNotFound},
		{name: "unknown key system", keySystem: "com.example", wantErr: ErrProtectionConfig},
		{name: "nobody serves", keySystem: "urn:uuid:00000000-0000-0000-0000-000000000000", wantErr: ErrBackendNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := r.Select(tt.keySystem, tt.preferred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Name())
		})
	}
}

func TestRegistry_New(t *testing.T) {
	r := testRegistry()
	a, err := r.New("WIDEVINE")
	require.NoError(t, err)
	b, err := r.New("widevine")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	_, err = r.New("fairplay")
	assert.ErrorIs(t, err, ErrBackendNotFound)
}

func TestOptions_Defaults(t *testing.T) {
	n, d := Options{}.Polls()
	assert.Equal(t, 50, n)
	assert.Positive(t, d)
	assert.NotNil(t, Options{}.Log())
}

func TestLoadModule(t *testing.T) {
	RegisterModule("fake-cdm", func() (any, error) { return "module", nil })
	t.Cleanup(func() { UnregisterModule("fake-cdm") })

	mod, release, err := LoadModule("fake-cdm", "")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "module", mod)

	_, _, err = LoadModule("missing", "")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, _, err = LoadModule("missing", t.TempDir())
	assert.ErrorIs(t, err, ErrModuleNotFound)

	RegisterModule("broken", func() (any, error) { return nil, errors.New("init failed") })
	t.Cleanup(func() { UnregisterModule("broken") })
	_, _, err = LoadModule("broken", "")
	assert.Error(t, err)
}
