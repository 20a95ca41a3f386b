package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncManifestRefresh()
	m.IncManifestRefresh()
	m.IncManifestRefreshError()
	m.IncLicenseRequest("clearkey")
	m.IncLicenseError("clearkey")
	m.SessionOpened("clearkey")
	m.SessionOpened("widevine")
	m.SessionClosed()
	m.IncDecryptError("no_key")
	m.AddHDCPFiltered(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.manifestRefreshes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.manifestRefreshErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.licenseRequests.WithLabelValues("clearkey")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.hdcpFiltered))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncManifestRefresh()
		m.IncLicenseRequest("x")
		m.SessionOpened("x")
		m.SessionClosed()
		m.IncDecryptError("x")
		m.AddHDCPFiltered(1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncLicenseRequest("widevine")

	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `abrcore_license_requests_total{backend="widevine"} 1`)
}
