package drm

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Placeholders recognised by the license template.
const (
	placeholderChallenge = "{SSM}"
	placeholderSession   = "{SID}"
	placeholderKeyID     = "{KID}"
	placeholderHash      = "{HASH}"
)

// LicenseTemplate is the parsed form of a license key string:
//
//	<url>|<headers>|<body>|<response>
//
// The url may embed the challenge as B{SSM} and its md5 as {HASH}. Headers
// are k=v pairs joined with &. The body may embed {SSM}, {SID} and {KID},
// each preceded by an optional encoding selector. The response block selects
// how the license is extracted from the server reply.
type LicenseTemplate struct {
	URL      string
	Headers  map[string]string
	Body     string
	Response string
}

// LicenseRequest is a fully rendered license request.
type LicenseRequest struct {
	URL     string
	Headers map[string]string
	// Body is nil for a GET request.
	Body []byte
}

// LicenseResponse is the result of applying the response block.
type LicenseResponse struct {
	License []byte
	// HDCPLimit is set when the response block names an HDCP key.
	HDCPLimit int
}

// ParseLicenseTemplate splits a license key string. A plain URL without
// pipes is accepted and treated as a binary POST of the raw challenge.
func ParseLicenseTemplate(s string) (*LicenseTemplate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty license key", ErrProtectionConfig)
	}
	if !strings.Contains(s, "|") {
		return &LicenseTemplate{URL: s, Headers: map[string]string{}, Body: "R{SSM}", Response: "R"}, nil
	}

	blocks := strings.Split(s, "|")
	if len(blocks) != 4 {
		return nil, fmt.Errorf("%w: license key has %d blocks, want 4 (url|headers|body|response)", ErrProtectionConfig, len(blocks))
	}

	t := &LicenseTemplate{
		URL:      blocks[0],
		Headers:  map[string]string{},
		Body:     blocks[2],
		Response: blocks[3],
	}
	for _, h := range strings.Split(blocks[1], "&") {
		name, value, _ := strings.Cut(h, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if dec, err := url.QueryUnescape(strings.TrimSpace(value)); err == nil {
			value = dec
		}
		t.Headers[name] = strings.TrimSpace(value)
	}

	if i := strings.Index(t.URL, placeholderChallenge); i >= 0 && (i == 0 || t.URL[i-1] != 'B') {
		return nil, fmt.Errorf("%w: {SSM} in license url must be prefixed with B", ErrProtectionConfig)
	}
	return t, nil
}

// String reassembles the template.
func (t *LicenseTemplate) String() string {
	pairs := make([]string, 0, len(t.Headers))
	for k, v := range t.Headers {
		pairs = append(pairs, k+"="+url.QueryEscape(v))
	}
	return strings.Join([]string{t.URL, strings.Join(pairs, "&"), t.Body, t.Response}, "|")
}

// IsBinaryResponse reports whether the response is used as-is.
func (t *LicenseTemplate) IsBinaryResponse() bool {
	return t.Response == "" || t.Response[0] == 'R'
}

// Render substitutes the challenge, session id and key id into the template.
func (t *LicenseTemplate) Render(challenge []byte, sessionID string, keyID []byte) (*LicenseRequest, error) {
	req := &LicenseRequest{
		URL:     t.URL,
		Headers: make(map[string]string, len(t.Headers)),
	}
	for k, v := range t.Headers {
		req.Headers[k] = v
	}

	if i := strings.Index(req.URL, placeholderChallenge); i > 0 {
		enc := url.QueryEscape(base64.StdEncoding.EncodeToString(challenge))
		req.URL = req.URL[:i-1] + enc + req.URL[i+len(placeholderChallenge):]
	}
	if strings.Contains(req.URL, placeholderHash) {
		sum := md5.Sum(challenge)
		req.URL = strings.Replace(req.URL, placeholderHash, hex.EncodeToString(sum[:]), 1)
	}

	body, err := renderBody(t.Body, challenge, sessionID, keyID)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

func renderBody(tmpl string, challenge []byte, sessionID string, keyID []byte) ([]byte, error) {
	if tmpl == "" {
		return nil, nil
	}
	if tmpl[0] == '%' {
		dec, err := url.QueryUnescape(tmpl)
		if err != nil {
			return nil, fmt.Errorf("%w: license body: %w", ErrProtectionConfig, err)
		}
		tmpl = dec
	}

	var wrap byte
	if len(tmpl) > 3 && (tmpl[0] == 'B' || tmpl[0] == 'b') && tmpl[1] == '{' && tmpl[len(tmpl)-1] == '}' &&
		!strings.HasPrefix(tmpl[1:], placeholderChallenge) {
		wrap = tmpl[0]
		tmpl = tmpl[2 : len(tmpl)-1]
	}

	body := []byte(tmpl)
	body = substitute(body, placeholderChallenge, func(sel byte) ([]byte, bool) {
		switch sel {
		case 'B':
			return []byte(base64.StdEncoding.EncodeToString(challenge)), true
		case 'b':
			return []byte(base64.URLEncoding.EncodeToString(challenge)), true
		case 'D':
			return []byte(decimalList(challenge)), true
		case 'R':
			return challenge, true
		}
		return challenge, false
	})
	body = substitute(body, placeholderSession, func(sel byte) ([]byte, bool) {
		switch sel {
		case 'B':
			return []byte(base64.StdEncoding.EncodeToString([]byte(sessionID))), true
		case 'b':
			return []byte(base64.URLEncoding.EncodeToString([]byte(sessionID))), true
		case 'R':
			return []byte(sessionID), true
		}
		return []byte(sessionID), false
	})
	body = substitute(body, placeholderKeyID, func(sel byte) ([]byte, bool) {
		switch sel {
		case 'H':
			return []byte(KeyIDHex(keyID)), true
		case 'B':
			return []byte(base64.StdEncoding.EncodeToString(keyID)), true
		case 'b':
			return []byte(base64.RawURLEncoding.EncodeToString(keyID)), true
		}
		return []byte(KeyIDUUID(keyID)), false
	})

	switch wrap {
	case 'B':
		return []byte(base64.StdEncoding.EncodeToString(body)), nil
	case 'b':
		return []byte(base64.URLEncoding.EncodeToString(body)), nil
	}
	return body, nil
}

// substitute replaces the first occurrence of placeholder. encode receives
// the selector byte in front of the placeholder and reports whether it
// consumed it.
func substitute(body []byte, placeholder string, encode func(sel byte) ([]byte, bool)) []byte {
	i := bytes.Index(body, []byte(placeholder))
	if i < 0 {
		return body
	}
	var sel byte
	if i > 0 {
		sel = body[i-1]
	}
	val, consumed := encode(sel)
	start := i
	if consumed {
		start = i - 1
	}
	out := make([]byte, 0, len(body)+len(val))
	out = append(out, body[:start]...)
	out = append(out, val...)
	return append(out, body[i+len(placeholder):]...)
}

func decimalList(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

// Extract applies the response block to a license server reply.
func (t *LicenseTemplate) Extract(body []byte) (*LicenseResponse, error) {
	tmpl := t.Response
	switch {
	case t.IsBinaryResponse():
		return &LicenseResponse{License: body}, nil

	case tmpl[0] == 'J' || strings.HasPrefix(tmpl, "BJ"):
		dataPos := 2
		if tmpl[0] == 'B' {
			dec, err := decodeBase64(body)
			if err != nil {
				return nil, fmt.Errorf("%w: response is not base64: %w", ErrLicense, err)
			}
			body = dec
			dataPos = 3
		}
		if len(tmpl) < dataPos {
			return nil, fmt.Errorf("%w: response template %q", ErrProtectionConfig, tmpl)
		}
		valueSel := tmpl[dataPos-1]
		keys := strings.Split(tmpl[dataPos:], ";")
		return extractJSON(body, valueSel, keys)

	case tmpl[0] == 'H':
		if len(tmpl) < 2 || tmpl[1] != 'B' {
			return nil, fmt.Errorf("%w: unsupported http payload type %q", ErrProtectionConfig, tmpl)
		}
		i := bytes.Index(body, []byte("\r\n\r\n"))
		if i < 0 {
			return nil, fmt.Errorf("%w: no http payload in response", ErrLicense)
		}
		return &LicenseResponse{License: body[i+4:]}, nil

	case tmpl == "B":
		dec, err := decodeBase64(body)
		if err != nil {
			return nil, fmt.Errorf("%w: response is not base64: %w", ErrLicense, err)
		}
		return &LicenseResponse{License: dec}, nil
	}
	return nil, fmt.Errorf("%w: unsupported response template %q", ErrProtectionConfig, tmpl)
}

func extractJSON(body []byte, valueSel byte, keys []string) (*LicenseResponse, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: response is not json: %w", ErrLicense, err)
	}

	res := &LicenseResponse{}
	if len(keys) > 1 && keys[1] != "" {
		if v, ok := findJSONKey(doc, keys[1]); ok {
			res.HDCPLimit = jsonInt(v)
		}
	}

	v, ok := findJSONKey(doc, keys[0])
	if !ok {
		return nil, fmt.Errorf("%w: key %q not found in json response", ErrLicense, keys[0])
	}
	if arr, isArr := v.([]any); isArr && len(arr) == 1 {
		v = arr[0]
	}

	var raw []byte
	switch val := v.(type) {
	case string:
		raw = []byte(val)
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLicense, err)
		}
		raw = enc
	}

	if valueSel == 'B' {
		dec, err := decodeBase64(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: license value is not base64: %w", ErrLicense, err)
		}
		raw = dec
	}
	res.License = raw
	return res, nil
}

// findJSONKey searches depth first for the first member named key.
func findJSONKey(v any, key string) (any, bool) {
	switch node := v.(type) {
	case map[string]any:
		if val, ok := node[key]; ok {
			return val, true
		}
		for _, child := range node {
			if val, ok := findJSONKey(child, key); ok {
				return val, true
			}
		}
	case []any:
		for _, child := range node {
			if val, ok := findJSONKey(child, key); ok {
				return val, true
			}
		}
	}
	return nil, false
}

func jsonInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

func decodeBase64(b []byte) ([]byte, error) {
	s := strings.TrimSpace(string(b))
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, err
}

// ParseResolutionLimit reads the pixel limit from an X-Limit-Video header
// value such as "max=1280x720" or "max=921600".
func ParseResolutionLimit(header string) int {
	i := strings.Index(header, "max=")
	if i < 0 {
		return 0
	}
	v := header[i+4:]
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(v[:end])
	if end < len(v) && (v[end] == 'x' || v[end] == 'X') {
		rest := v[end+1:]
		e := 0
		for e < len(rest) && rest[e] >= '0' && rest[e] <= '9' {
			e++
		}
		h, _ := strconv.Atoi(rest[:e])
		return n * h
	}
	return n
}
