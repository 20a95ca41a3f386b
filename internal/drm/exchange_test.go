package drm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrcore/internal/metrics"
)

// fakeLicenseServer answers POST /license with {"license": base64(reversed challenge)}.
func fakeLicenseServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/license", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Challenge string `json:"challenge"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.Challenge)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
			raw[i], raw[j] = raw[j], raw[i]
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Limit-Video", "max=1280x720")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"license": base64.StdEncoding.EncodeToString(raw),
			"hdcp":    2073600,
		})
	})
	r.Post("/certificate", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("CERT"))
	})
	r.Get("/get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Query().Get("c"))
	})
	r.Post("/denied", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func mustTemplate(t *testing.T, s string) *LicenseTemplate {
	t.Helper()
	tmpl, err := ParseLicenseTemplate(s)
	require.NoError(t, err)
	return tmpl
}

func TestLicenseExchanger_JSON(t *testing.T) {
	srv := fakeLicenseServer(t)
	m := metrics.New()
	dir := t.TempDir()

	x := &LicenseExchanger{
		Client:   srv.Client(),
		Template: mustTemplate(t, srv.URL+`/license|Content-Type=application/json|{"challenge":"B{SSM}"}|JBlicense;hdcp`),
		Backend:  "widevine",
		DebugDir: dir,
		Metrics:  m,
	}
	res, err := x.Exchange(context.Background(), []byte{1, 2, 3}, "sid", testKID)
	require.NoError(t, err)

	assert.Equal(t, []byte{3, 2, 1}, res.License)
	assert.Equal(t, 2073600, res.HDCPLimit)
	assert.Equal(t, 921600, res.ResolutionLimit)
	assert.False(t, res.ServerCertificate)
	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "abrcore_license_requests_total"))

	dumped, err := os.ReadFile(filepath.Join(dir, "widevine.challenge"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, dumped)
	assert.FileExists(t, filepath.Join(dir, "widevine.response"))
}

func TestLicenseExchanger_ServerCertificate(t *testing.T) {
	srv := fakeLicenseServer(t)
	x := &LicenseExchanger{
		Client:   srv.Client(),
		Template: mustTemplate(t, srv.URL+"/certificate"),
		Backend:  "widevine",
	}
	res, err := x.Exchange(context.Background(), []byte{0x08, 0x04}, "", nil)
	require.NoError(t, err)
	assert.True(t, res.ServerCertificate)
	assert.Equal(t, []byte("CERT"), res.License)
}

func TestLicenseExchanger_GetWhenBodyEmpty(t *testing.T) {
	srv := fakeLicenseServer(t)
	x := &LicenseExchanger{
		Client:   srv.Client(),
		Template: mustTemplate(t, srv.URL+"/get?c=B{SSM}|||R"),
	}
	res, err := x.Exchange(context.Background(), []byte{0xFF, 0xFE}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFE}), string(res.License))
}

func TestLicenseExchanger_Failures(t *testing.T) {
	srv := fakeLicenseServer(t)
	m := metrics.New()

	t.Run("http status", func(t *testing.T) {
		x := &LicenseExchanger{Client: srv.Client(), Template: mustTemplate(t, srv.URL+"/denied"), Backend: "clearkey", Metrics: m}
		_, err := x.Exchange(context.Background(), []byte{1}, "", nil)
		require.ErrorIs(t, err, ErrLicense)

		var lerr *LicenseError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, http.StatusForbidden, lerr.Status)
	})

	t.Run("missing json key", func(t *testing.T) {
		x := &LicenseExchanger{
			Client:   srv.Client(),
			Template: mustTemplate(t, srv.URL+`/license||{"challenge":"B{SSM}"}|JBnothere`),
			Backend:  "clearkey",
			Metrics:  m,
		}
		_, err := x.Exchange(context.Background(), []byte{1}, "", nil)
		assert.ErrorIs(t, err, ErrLicense)
	})

	t.Run("no template", func(t *testing.T) {
		x := &LicenseExchanger{Client: srv.Client()}
		_, err := x.Exchange(context.Background(), []byte{1}, "", nil)
		assert.ErrorIs(t, err, ErrProtectionConfig)
	})

	assert.Equal(t, 2.0, counterValue(t, m.Registry(), "abrcore_license_errors_total"))
}
