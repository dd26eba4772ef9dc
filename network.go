package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"

	hopbyhop "github.com/always-cache/offline-cache/pkg/hop-by-hop"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Network sends requests to the network.
// *http.Client satisfies it, as do OriginNetwork and HandlerNetwork.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// OriginNetwork sends origin-form requests (a path only, as received by the
// proxy) to the origin server. Requests with an absolute URL for another origin
// are sent there unchanged.
type OriginNetwork struct {
	origin     url.URL
	hostHeader string
	client     *http.Client
}

// NewOriginNetwork creates a network for the origin URL.
// Origins with paths are not supported.
// Use hostHeader if needed if e.g. the origin URL is just an IP address.
func NewOriginNetwork(origin url.URL, hostHeader string) *OriginNetwork {
	transport := http.DefaultTransport
	if hostHeader != "" {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: hostHeader,
			},
		}
	}
	return &OriginNetwork{
		origin:     origin,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			// do not follow redirects, the client does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (n *OriginNetwork) Do(r *http.Request) (*http.Response, error) {
	req := hopbyhop.ForwardRequest(r)
	// server requests must not be resent with RequestURI set
	req.RequestURI = ""
	if !req.URL.IsAbs() {
		req.URL.Scheme = n.origin.Scheme
		req.URL.Host = n.origin.Host
		req.Host = n.origin.Host
		if n.hostHeader != "" {
			req.Host = n.hostHeader
		}
	}
	// some servers do not like the presence of these headers in the downstream request
	for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host"} {
		req.Header.Del(h)
	}
	return n.client.Do(req)
}

// HandlerNetwork serves requests with an in-process handler, e.g. a file server
// for the site's build output.
type HandlerNetwork struct {
	Handler http.Handler
}

func (n HandlerNetwork) Do(r *http.Request) (*http.Response, error) {
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	rw := tee.NewResponseSaver(nil)
	n.Handler.ServeHTTP(rw, r)
	return rw.Result(r)
}
