// Package hopbyhop removes header fields that only apply to a single
// connection (RFC 9110 §7.6.1) and so must not be stored or forwarded.
package hopbyhop

import (
	"net/http"
	"strings"
)

// fields removed regardless of the Connection header
var fields = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxy-specific fields are never stored, since the proxy is not part of the key
// (RFC 9111 §3.1)
var proxyFields = []string{
	"Proxy-Authenticate",
	"Proxy-Authentication-Info",
	"Proxy-Authorization",
}

// ListValues returns the comma-separated items of all values of field.
func ListValues(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// Remove deletes the hop-by-hop fields from header in place, including
// those listed in its Connection header.
func Remove(header http.Header) {
	for _, field := range ListValues(header, "Connection") {
		header.Del(field)
	}
	for _, field := range fields {
		header.Del(field)
	}
}

// StorableHeader returns a copy of header without the fields a cache must
// not store.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return http.Header{}
	}
	h := header.Clone()
	Remove(h)
	for _, field := range proxyFields {
		h.Del(field)
	}
	return h
}

// ForwardRequest returns a clone of req suitable for sending onwards.
func ForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	Remove(r.Header)
	return r
}
