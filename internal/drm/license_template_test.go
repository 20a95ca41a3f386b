package drm

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLicenseTemplate(t *testing.T) {
	tmpl, err := ParseLicenseTemplate(`https://lic/|Content-Type=application/json|{"k":"B{SSM}"}|J:license;hdcp`)
	require.NoError(t, err)

	assert.Equal(t, "https://lic/", tmpl.URL)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, tmpl.Headers)
	assert.Equal(t, `{"k":"B{SSM}"}`, tmpl.Body)
	assert.Equal(t, "J:license;hdcp", tmpl.Response)
	assert.False(t, tmpl.IsBinaryResponse())
}

func TestParseLicenseTemplate_PlainURL(t *testing.T) {
	tmpl, err := ParseLicenseTemplate("https://lic.example.com/wv")
	require.NoError(t, err)
	assert.True(t, tmpl.IsBinaryResponse())

	req, err := tmpl.Render([]byte{0xCA, 0xFE}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://lic.example.com/wv", req.URL)
	assert.Equal(t, []byte{0xCA, 0xFE}, req.Body)
}

func TestParseLicenseTemplate_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "empty", in: "  "},
		{name: "three blocks", in: "https://lic/|a=b|R{SSM}"},
		{name: "five blocks", in: "https://lic/|a=b|R{SSM}|R|x"},
		{name: "ssm in url without selector", in: "https://lic/?c={SSM}||R{SSM}|R"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLicenseTemplate(tt.in)
			assert.ErrorIs(t, err, ErrProtectionConfig)
		})
	}
}

func TestParseLicenseTemplate_Headers(t *testing.T) {
	tmpl, err := ParseLicenseTemplate("https://lic/| Authorization = Bearer%20abc &X-Id=7&&|R{SSM}|R")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Id": "7"}, tmpl.Headers)
}

func TestLicenseTemplate_RenderExample(t *testing.T) {
	tmpl, err := ParseLicenseTemplate(`https://lic/|Content-Type=application/json|{"k":"B{SSM}"}|J:license;hdcp`)
	require.NoError(t, err)

	challenge := []byte("challenge-bytes")
	req, err := tmpl.Render(challenge, "sid", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://lic/", req.URL)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Equal(t, `{"k":"`+base64.StdEncoding.EncodeToString(challenge)+`"}`, string(req.Body))

	res, err := tmpl.Extract([]byte(`{"license":"LIC","hdcp":"921600"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("LIC"), res.License)
	assert.Equal(t, 921600, res.HDCPLimit)
}

func TestLicenseTemplate_RenderURL(t *testing.T) {
	tmpl, err := ParseLicenseTemplate("https://lic/?c=B{SSM}&h={HASH}||R{SSM}|R")
	require.NoError(t, err)

	challenge := []byte{0xFB, 0xFF, 0x01}
	req, err := tmpl.Render(challenge, "", nil)
	require.NoError(t, err)

	sum := md5.Sum(challenge)
	want := "https://lic/?c=" + url.QueryEscape(base64.StdEncoding.EncodeToString(challenge)) + "&h=" + hex.EncodeToString(sum[:])
	assert.Equal(t, want, req.URL)
	assert.Equal(t, challenge, req.Body)
}

func TestLicenseTemplate_RenderBody(t *testing.T) {
	kid := []byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b}
	challenge := []byte{1, 2, 255}

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "raw challenge", body: "R{SSM}", want: "\x01\x02\xff"},
		{name: "decimal list", body: "[D{SSM}]", want: "[1,2,255]"},
		{name: "url safe base64", body: "b{SSM}", want: base64.URLEncoding.EncodeToString(challenge)},
		{name: "session id base64", body: `{"s":"B{SID}"}`, want: `{"s":"` + base64.StdEncoding.EncodeToString([]byte("session-1")) + `"}`},
		{name: "session id raw", body: "sid={SID}", want: "sid=session-1"},
		{name: "key id hex", body: "kid=H{KID}", want: "kid=1077efecc0b24d02ace33c1e52e2fb4b"},
		{name: "key id uuid", body: "kid={KID}", want: "kid=1077efec-c0b2-4d02-ace3-3c1e52e2fb4b"},
		{name: "url encoded body", body: "%7B%22c%22%3A%22D%7BSSM%7D%22%7D", want: `{"c":"1,2,255"}`},
		{
			name: "wrapped body",
			body: `B{{"c":"D{SSM}"}}`,
			want: base64.StdEncoding.EncodeToString([]byte(`{"c":"1,2,255"}`)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &LicenseTemplate{URL: "https://lic/", Body: tt.body, Response: "R"}
			req, err := tmpl.Render(challenge, "session-1", kid)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(req.Body))
		})
	}
}

func TestLicenseTemplate_EmptyBodyIsGet(t *testing.T) {
	tmpl, err := ParseLicenseTemplate("https://lic/?c=B{SSM}|||R")
	require.NoError(t, err)
	req, err := tmpl.Render([]byte{1}, "", nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)
}

func TestLicenseTemplate_Extract(t *testing.T) {
	lic := []byte{1, 2, 3}
	b64 := base64.StdEncoding.EncodeToString(lic)

	tests := []struct {
		name     string
		response string
		body     string
		want     []byte
		wantHDCP int
	}{
		{name: "binary", response: "R", body: "\x01\x02\x03", want: lic},
		{name: "empty is binary", response: "", body: "\x01\x02\x03", want: lic},
		{name: "base64", response: "B", body: b64 + "\n", want: lic},
		{name: "json base64 value", response: "JBlicense", body: `{"license":"` + b64 + `"}`, want: lic},
		{name: "json nested key", response: "JBlicense", body: `{"a":{"b":{"license":"` + b64 + `"}}}`, want: lic},
		{name: "json single element array", response: "JBlicense", body: `{"license":["` + b64 + `"]}`, want: lic},
		{name: "json with hdcp", response: "JBlicense;hdcp", body: `{"hdcp":2073600,"license":"` + b64 + `"}`, want: lic, wantHDCP: 2073600},
		{
			name:     "base64 wrapped json",
			response: "BJBlicense",
			body:     base64.StdEncoding.EncodeToString([]byte(`{"license":"` + b64 + `"}`)),
			want:     lic,
		},
		{name: "http payload", response: "HB", body: "HTTP/1.1 200 OK\r\nX-A: b\r\n\r\n\x01\x02\x03", want: lic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &LicenseTemplate{Response: tt.response}
			res, err := tmpl.Extract([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.License)
			assert.Equal(t, tt.wantHDCP, res.HDCPLimit)
		})
	}
}

func TestLicenseTemplate_ExtractErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		body     string
		wantErr  error
	}{
		{name: "missing json key", response: "JBlicense", body: `{"other":"x"}`, wantErr: ErrLicense},
		{name: "not json", response: "JBlicense", body: `<xml/>`, wantErr: ErrLicense},
		{name: "no http payload", response: "HB", body: "HTTP/1.1 200 OK\r\n", wantErr: ErrLicense},
		{name: "unsupported http type", response: "HX", body: "", wantErr: ErrProtectionConfig},
		{name: "unknown response", response: "Z", body: "", wantErr: ErrProtectionConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &LicenseTemplate{Response: tt.response}
			_, err := tmpl.Extract([]byte(tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseResolutionLimit(t *testing.T) {
	assert.Equal(t, 921600, ParseResolutionLimit("max=1280x720"))
	assert.Equal(t, 2073600, ParseResolutionLimit("policy=hd; max=2073600"))
	assert.Equal(t, 0, ParseResolutionLimit(""))
	assert.Equal(t, 0, ParseResolutionLimit("min=5"))
}
