package cachekey

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrMethodNotSupported is returned for requests that are never stored or matched.
var ErrMethodNotSupported = errors.New("method not supported")

const methodSeparator = " "

// CacheKeyer derives cache keys for requests to a single origin.
// Keys have the form `GET /path?query`. The origin itself is not part of the key,
// since only same-origin requests are ever stored.
type CacheKeyer struct {
	// Origin the keys belong to. Only scheme and host are used.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	return CacheKeyer{
		Origin: url.URL{Scheme: strings.ToLower(origin.Scheme), Host: origin.Host},
	}
}

// SameOrigin reports whether the request targets the keyer's origin.
// Requests in origin-form (a path only, as received by a reverse proxy)
// are same-origin by construction.
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	if r.URL == nil || !r.URL.IsAbs() {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, c.Origin.Scheme) &&
		normalizeHost(r.URL.Scheme, r.URL.Host) == normalizeHost(c.Origin.Scheme, c.Origin.Host)
}

// normalizeHost lowercases the host and strips the scheme's default port.
func normalizeHost(scheme, hostport string) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return hostport
}

// GetKey returns the cache key for a request.
// Only GET requests have keys; everything else returns ErrMethodNotSupported.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrMethodNotSupported
	}
	return http.MethodGet + methodSeparator + requestURI(r.URL), nil
}

// KeyForPath returns the key a GET request for the root-relative path would have.
func (c CacheKeyer) KeyForPath(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return http.MethodGet + methodSeparator + requestURI(u), nil
}

// requestURI returns the escaped path and query, without the fragment.
func requestURI(u *url.URL) string {
	stripped := url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	return stripped.RequestURI()
}

// GetRequestFromKey creates a request against the origin that would result in the given key.
func (c CacheKeyer) GetRequestFromKey(ctx context.Context, key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || !strings.HasPrefix(uri, "/") {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrMethodNotSupported
	}
	return http.NewRequestWithContext(ctx, method, c.Origin.String()+uri, nil)
}
