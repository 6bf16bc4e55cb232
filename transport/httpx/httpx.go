// Package httpx builds the HTTP client shared by negotiation, the hub
// channel upgrade and polling.
//
// The client keeps a cookie jar so cookies set during negotiation (load
// balancer affinity, auth) ride along on the channel upgrade, the same
// way a browser sends credentials with both. Responses are transparently
// gzip-decoded.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/publicsuffix"
)

// MaxBodySize bounds how much of any response body is read. Telemetry
// documents are a few kilobytes.
const MaxBodySize int64 = 4 << 20

// ErrBodyTooLarge is returned by ReadBody when the body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("httpx: response body too large")

// NewClient returns a client with a cookie jar and a gzip-aware
// transport. It sets no overall Timeout: every caller bounds its own
// request with a context, and the websocket dialer refuses clients that
// carry one.
func NewClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 4
	base.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Jar:       jar,
		Transport: gzhttp.Transport(base),
	}, nil
}

// ReadBody reads at most MaxBodySize bytes of body.
func ReadBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// Success reports whether code is a 2xx status.
func Success(code int) bool {
	return code/100 == 2
}

// Endpoint resolves path against the server base URL. The base must be
// an absolute http or https URL; any path it carries is kept as a prefix
// and any query is dropped.
func Endpoint(base, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
