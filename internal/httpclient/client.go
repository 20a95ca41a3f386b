// Package httpclient is the HTTP client behind manifest, segment, key and
// license requests. On top of net/http it retries 429 and 5xx gateway
// errors with exponential backoff, trips a circuit breaker on a failing
// origin, decodes gzip, deflate and brotli bodies, caps body sizes and
// masks credentials in logged URLs.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/oklog/ulid/v2"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultRetryAttempts      = 3
	DefaultRetryDelay         = time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultCircuitThreshold   = 5
	DefaultCircuitTimeout     = 30 * time.Second
	DefaultCircuitHalfOpenMax = 1
	DefaultMaxResponseSize    = 64 << 20
	DefaultUserAgent          = "abrcore/1.0"
)

const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"
	HeaderRequestID       = "X-Request-ID"
)

// Config configures a Client.
type Config struct {
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold consecutive failures open the circuit for
	// CircuitTimeout; CircuitHalfOpenMax probes are then let through.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	UserAgent string
	// MaxResponseSize caps the decoded body; 0 is unlimited.
	MaxResponseSize int64
	// Cookies keeps CDN session cookies handed out with the manifest.
	Cookies bool
	// EnableDecompression advertises and decodes compressed bodies.
	EnableDecompression bool

	Logger *slog.Logger
	// BaseClient replaces the internally built http.Client.
	BaseClient *http.Client
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           DefaultUserAgent,
		MaxResponseSize:     DefaultMaxResponseSize,
		Cookies:             true,
		EnableDecompression: true,
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	hc := cfg.BaseClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
		if cfg.Cookies {
			// cookiejar.New has no failure path.
			hc.Jar, _ = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger.With(slog.String("component", "httpclient")),
	}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Do sends req, retrying transient failures. Request bodies are replayed
// through req.GetBody. The returned body is decoded and size limited.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(HeaderUserAgent) == "" && c.cfg.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.cfg.UserAgent)
	}
	if c.cfg.EnableDecompression && req.Header.Get(HeaderAcceptEncoding) == "" {
		req.Header.Set(HeaderAcceptEncoding, "gzip, deflate, br")
	}
	id := req.Header.Get(HeaderRequestID)
	if id == "" {
		id = ulid.Make().String()
	}
	logger := c.logger.With(
		slog.String("request_id", id),
		slog.String("method", req.Method),
		slog.String("url", obfuscateURL(req.URL)),
	)

	var lastErr error
	delay := c.cfg.RetryDelay
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying request", slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(time.Duration(float64(delay)*c.cfg.BackoffMultiplier), c.cfg.RetryMaxDelay)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.attempt(req, logger)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

// attempt sends req once. Any error it returns is retryable unless it
// wraps a context error.
func (c *Client) attempt(req *http.Request, logger *slog.Logger) (*http.Response, error) {
	if !c.breaker.Allow() {
		logger.Warn("circuit breaker open, skipping request", slog.String("state", c.breaker.State().String()))
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.breaker.RecordFailure()
		logger.Warn("request failed", slog.Duration("duration", elapsed), slog.String("error", err.Error()))
		return nil, err
	}
	if isRetryableStatus(resp.StatusCode) {
		c.breaker.RecordFailure()
		resp.Body.Close()
		logger.Warn("retryable status", slog.Int("status", resp.StatusCode), slog.Duration("duration", elapsed))
		return nil, fmt.Errorf("retryable status code: %d", resp.StatusCode)
	}

	c.breaker.RecordSuccess()
	logger.Debug("request completed",
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
		slog.Int64("content_length", resp.ContentLength))

	if c.cfg.EnableDecompression {
		resp.Body = c.decode(resp)
	}
	if c.cfg.MaxResponseSize > 0 {
		resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: c.cfg.MaxResponseSize}
	}
	return resp, nil
}

// decode wraps the body in a decoder for its Content-Encoding. Unknown
// encodings are passed through.
func (c *Client) decode(resp *http.Response) io.ReadCloser {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	var r io.Reader
	switch enc {
	case "":
		return resp.Body
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, returning it raw", slog.String("error", err.Error()))
			return resp.Body
		}
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		c.logger.Debug("unknown content encoding", slog.String("encoding", enc))
		return resp.Body
	}
	resp.Header.Del(HeaderContentEncoding)
	resp.ContentLength = -1
	return &decodedBody{Reader: r, raw: resp.Body}
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (d *decodedBody) Close() error {
	if rc, ok := d.Reader.(io.Closer); ok {
		_ = rc.Close()
	}
	return d.raw.Close()
}

// limitedBody fails with ErrResponseTooLarge once more than its limit has
// been read.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// maskedParams are query parameters whose values are masked in logs:
// credentials and CDN token schemes (Akamai hdnts/hdnea, CloudFront
// Policy/Signature/Key-Pair-Id).
var maskedParams = map[string]bool{
	"password": true, "passwd": true, "pass": true, "pwd": true,
	"token": true, "api_key": true, "apikey": true, "key": true,
	"secret": true, "auth": true, "authorization": true,
	"credential": true, "credentials": true,
	"hdnts": true, "hdnea": true, "policy": true, "signature": true, "key-pair-id": true,
}

func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	masked := *u
	masked.User = nil
	q := masked.Query()
	for k := range q {
		if maskedParams[strings.ToLower(k)] {
			q.Set(k, "***")
		}
	}
	masked.RawQuery = q.Encode()
	return masked.String()
}

// ObfuscateURL masks credentials in a raw URL. Unparsable input is
// returned without its query.
func ObfuscateURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		base, _, _ := strings.Cut(raw, "?")
		return base
	}
	return obfuscateURL(u)
}
