// Package metrics exposes Prometheus counters for manifest, DRM and session activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	manifestRefreshes     prometheus.Counter
	manifestRefreshErrors prometheus.Counter
	licenseRequests       *prometheus.CounterVec
	licenseErrors         *prometheus.CounterVec
	sessionsCreated       *prometheus.CounterVec
	activeSessions        prometheus.Gauge
	decryptErrors         *prometheus.CounterVec
	hdcpFiltered          prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		manifestRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_manifest_refreshes_total",
			Help: "Total number of live manifest refreshes merged",
		}),
		manifestRefreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_manifest_refresh_errors_total",
			Help: "Total number of failed live manifest refreshes",
		}),
		licenseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_license_requests_total",
			Help: "Total number of license exchanges by backend",
		}, []string{"backend"}),
		licenseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_license_errors_total",
			Help: "Total number of failed license exchanges by backend",
		}, []string{"backend"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_cdm_sessions_created_total",
			Help: "Total number of CDM sessions created by backend",
		}, []string{"backend"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abrcore_cdm_sessions_active",
			Help: "Number of open CDM sessions",
		}),
		decryptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abrcore_decrypt_errors_total",
			Help: "Total number of sample decrypt failures by kind",
		}, []string{"kind"}),
		hdcpFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abrcore_hdcp_filtered_representations_total",
			Help: "Total number of representations removed by HDCP filtering",
		}),
	}

	registry.MustRegister(
		m.manifestRefreshes,
		m.manifestRefreshErrors,
		m.licenseRequests,
		m.licenseErrors,
		m.sessionsCreated,
		m.activeSessions,
		m.decryptErrors,
		m.hdcpFiltered,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncManifestRefresh counts a merged refresh.
func (m *Metrics) IncManifestRefresh() {
	if m != nil {
		m.manifestRefreshes.Inc()
	}
}

// IncManifestRefreshError counts a failed refresh.
func (m *Metrics) IncManifestRefreshError() {
	if m != nil {
		m.manifestRefreshErrors.Inc()
	}
}

// IncLicenseRequest counts a license exchange.
func (m *Metrics) IncLicenseRequest(backend string) {
	if m != nil {
		m.licenseRequests.WithLabelValues(backend).Inc()
	}
}

// IncLicenseError counts a failed license exchange.
func (m *Metrics) IncLicenseError(backend string) {
	if m != nil {
		m.licenseErrors.WithLabelValues(backend).Inc()
	}
}

// SessionOpened counts a created session and raises the active gauge.
func (m *Metrics) SessionOpened(backend string) {
	if m != nil {
		m.sessionsCreated.WithLabelValues(backend).Inc()
		m.activeSessions.Inc()
	}
}

// SessionClosed lowers the active gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

// IncDecryptError counts a failed sample decrypt.
func (m *Metrics) IncDecryptError(kind string) {
	if m != nil {
		m.decryptErrors.WithLabelValues(kind).Inc()
	}
}

// AddHDCPFiltered counts representations removed by HDCP filtering.
func (m *Metrics) AddHDCPFiltered(n int) {
	if m != nil && n > 0 {
		m.hdcpFiltered.Add(float64(n))
	}
}

// Handler returns an http.Handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
