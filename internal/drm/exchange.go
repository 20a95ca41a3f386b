package drm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmylchreest/abrcore/internal/metrics"
	"github.com/jmylchreest/abrcore/internal/storage"
)

// Doer sends HTTP requests. *http.Client and *httpclient.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxLicenseResponse bounds the size of a license server reply.
const maxLicenseResponse = 4 << 20

// LicenseExchanger performs license round trips described by a LicenseTemplate.
type LicenseExchanger struct {
	Client   Doer
	Template *LicenseTemplate
	// Backend names the backend in logs and metrics.
	Backend string
	// DebugDir, when set, receives <prefix>.challenge and <prefix>.response dumps.
	DebugDir    string
	DebugPrefix string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// LicenseResult is the outcome of one exchange.
type LicenseResult struct {
	License []byte
	// HDCPLimit comes from the response body when the template names it.
	HDCPLimit int
	// ResolutionLimit comes from the X-Limit-Video response header.
	ResolutionLimit int
	// ServerCertificate is set when the challenge was a certificate
	// request and the server answered with a certificate.
	ServerCertificate bool
	ContentType       string
}

// Exchange renders the template, sends it and extracts the license.
// Status codes of 400 and above fail the exchange.
func (x *LicenseExchanger) Exchange(ctx context.Context, challenge []byte, sessionID string, keyID []byte) (*LicenseResult, error) {
	if x.Template == nil {
		return nil, fmt.Errorf("%w: no license template", ErrProtectionConfig)
	}
	logger := x.logger()
	x.Metrics.IncLicenseRequest(x.Backend)

	req, err := x.Template.Render(challenge, sessionID, keyID)
	if err != nil {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, err
	}
	x.dump("challenge", challenge)

	method := http.MethodGet
	var body io.Reader
	if req.Body != nil {
		method = http.MethodPost
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, &LicenseError{URL: req.URL, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	logger.DebugContext(ctx, "sending license request",
		slog.String("method", method),
		slog.Int("challenge_size", len(challenge)),
	)

	resp, err := x.Client.Do(httpReq)
	if err != nil {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, &LicenseError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLicenseResponse))
	if err != nil {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, &LicenseError{URL: req.URL, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, &LicenseError{URL: req.URL, Status: resp.StatusCode, Err: errors.New("license server returned failure")}
	}
	x.dump("response", data)

	res := &LicenseResult{
		ContentType:     resp.Header.Get("Content-Type"),
		ResolutionLimit: ParseResolutionLimit(resp.Header.Get("X-Limit-Video")),
	}

	if len(challenge) == 2 && strings.Contains(res.ContentType, "application/octet-stream") {
		res.ServerCertificate = true
		res.License = data
		return res, nil
	}

	extracted, err := x.Template.Extract(data)
	if err != nil {
		x.Metrics.IncLicenseError(x.Backend)
		return nil, err
	}
	res.License = extracted.License
	res.HDCPLimit = extracted.HDCPLimit

	logger.DebugContext(ctx, "license received",
		slog.Int("license_size", len(res.License)),
		slog.Int("hdcp_limit", res.HDCPLimit),
		slog.Int("resolution_limit", res.ResolutionLimit),
	)
	return res, nil
}

func (x *LicenseExchanger) dump(kind string, data []byte) {
	if x.DebugDir == "" {
		return
	}
	prefix := x.DebugPrefix
	if prefix == "" {
		prefix = x.Backend
	}
	sb, err := storage.NewSandbox(x.DebugDir)
	if err != nil {
		x.logger().Warn("creating license debug dir failed", slog.String("error", err.Error()))
		return
	}
	if err := sb.AtomicWrite(prefix+"."+kind, data, 0o600); err != nil {
		x.logger().Warn("writing license debug file failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

func (x *LicenseExchanger) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return slog.Default()
}
