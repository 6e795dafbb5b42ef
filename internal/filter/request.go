package filter

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Header names consulted while evaluating options
const (
	HeaderRequestedWith = "X-Requested-With"
	HeaderReferer       = "Referer"
	HeaderContentType   = "Content-Type"
)

// Request is a normalized view of one intercepted HTTP request (and
// optionally its response headers) that filters are matched against.
// Build it once per request and share it across every candidate filter.
type Request struct {
	uri     string // absolute URI used by fragments
	lower   string // uri with ASCII letters lower-cased
	scheme  string
	host    string // host without port or IPv6 brackets
	hostEnd int    // offset in uri right after the host

	evidence Evidence
}

// NewRequest normalizes u and collects option evidence from h. The header
// map may be nil.
func NewRequest(u *url.URL, h http.Header) *Request {
	scheme := strings.ToLower(u.Scheme)
	host := normalizeHost(u.Hostname())

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if strings.Contains(host, ":") {
		b.WriteByte('[')
		b.WriteString(host)
		b.WriteByte(']')
	} else {
		b.WriteString(host)
	}
	hostEnd := b.Len()
	if port := u.Port(); port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if u.RawQuery != "" || u.ForceQuery {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}

	uri := b.String()
	return &Request{
		uri:      uri,
		lower:    asciiLower(uri),
		scheme:   scheme,
		host:     host,
		hostEnd:  hostEnd,
		evidence: collectEvidence(host, h),
	}
}

// ParseRequest parses raw as an absolute URI and calls NewRequest.
func ParseRequest(raw string, h http.Header) (*Request, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errNotAbsolute}
	}
	return NewRequest(u, h), nil
}

// URI returns the normalized absolute URI.
func (r *Request) URI() string { return r.uri }

// Host returns the lower-cased host without port.
func (r *Request) Host() string { return r.host }

// Scheme returns the lower-cased scheme.
func (r *Request) Scheme() string { return r.scheme }

// Evidence returns the option evidence collected from the headers.
func (r *Request) Evidence() Evidence { return r.evidence }

// headerValue looks a header up case-insensitively, including maps that were
// filled with non-canonical keys.
func headerValue(h http.Header, key string) (string, bool) {
	if h == nil {
		return "", false
	}
	if v, ok := h[http.CanonicalHeaderKey(key)]; ok && len(v) > 0 {
		return v[0], true
	}
	for k, v := range h {
		if len(v) > 0 && strings.EqualFold(k, key) {
			return v[0], true
		}
	}
	return "", false
}

// NormalizeHost lower-cases a host name, strips a trailing dot and converts
// internationalized names to their ASCII form.
func NormalizeHost(host string) string {
	return normalizeHost(host)
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != "" {
		return asciiLower(ascii)
	}
	return asciiLower(host)
}

// refererHost extracts the host of a Referer value with a leading "www."
// removed. An unparseable value or one without a host yields false.
func refererHost(v string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil {
		return "", false
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return "", false
	}
	return strings.TrimPrefix(host, "www."), true
}

// asciiLower lower-cases ASCII letters only so byte offsets stay valid
// between the original and the folded string.
func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if c := b[j]; 'A' <= c && c <= 'Z' {
					b[j] = c + 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
