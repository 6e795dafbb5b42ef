package filter

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		uri    string
		host   string
		scheme string
	}{
		{
			name:   "userinfo dropped and authority lower-cased",
			raw:    "HTTPS://user:pw@Example.COM:8443/Path?q=1#frag",
			uri:    "https://example.com:8443/Path?q=1#frag",
			host:   "example.com",
			scheme: "https",
		},
		{
			name:   "empty path",
			raw:    "http://example.com",
			uri:    "http://example.com/",
			host:   "example.com",
			scheme: "http",
		},
		{
			name:   "trailing dot",
			raw:    "https://Example.com./x",
			uri:    "https://example.com/x",
			host:   "example.com",
			scheme: "https",
		},
		{
			name:   "ipv6 literal keeps brackets",
			raw:    "http://[::1]:8080/ads",
			uri:    "http://[::1]:8080/ads",
			host:   "::1",
			scheme: "http",
		},
		{
			name:   "internationalized host",
			raw:    "https://bücher.de/",
			uri:    "https://xn--bcher-kva.de/",
			host:   "xn--bcher-kva.de",
			scheme: "https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rq, err := ParseRequest(tt.raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.uri, rq.URI())
			assert.Equal(t, tt.host, rq.Host())
			assert.Equal(t, tt.scheme, rq.Scheme())
		})
	}
}

func TestParseRequestRejectsRelative(t *testing.T) {
	for _, raw := range []string{"/relative/path", "example.com/x", ""} {
		_, err := ParseRequest(raw, nil)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, errNotAbsolute), raw)
	}
}

func TestRequestEvidence(t *testing.T) {
	rq, err := ParseRequest("https://cdn.example.com/a.js", http.Header{
		"Referer":      {"https://www.news.org/"},
		"Content-Type": {"text/javascript"},
	})
	require.NoError(t, err)

	ev := rq.Evidence()
	assert.Equal(t, True, ev.ThirdParty)
	assert.Equal(t, ContentScript, ev.Content)
	assert.Equal(t, "news.org", ev.RefererHost)
}

func TestASCIILower(t *testing.T) {
	assert.Equal(t, "abc-ü/x", asciiLower("ABC-ü/X"))
	s := "already lower"
	assert.Equal(t, s, asciiLower(s))
}
