package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request is a buffered request for Fetch.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// EffectiveURL is the URL after redirects.
	EffectiveURL string
}

// StatusError is returned by Fetch for responses with status >= 400.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", ObfuscateURL(e.URL), e.StatusCode)
}

// Fetch performs req and reads the whole body. Statuses below 400,
// including 304 Not Modified, are returned without error.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
		if req.Body != nil {
			method = http.MethodPost
		}
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ObfuscateURL(req.URL), err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	effective := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		effective = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         data,
		EffectiveURL: effective,
	}, nil
}
