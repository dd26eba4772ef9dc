package cachekey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyer(t *testing.T) CacheKeyer {
	origin, err := url.Parse("https://nexus.example.com/ignored/path")
	require.NoError(t, err)
	return NewCacheKeyer(*origin)
}

func TestRequestFromKey(t *testing.T) {
	keygen := newKeyer(t)
	r, _ := http.NewRequest("GET", "https://nexus.example.com/page?tab=2#top", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	assert.Equal(t, "GET /page?tab=2", key)

	req, err := keygen.GetRequestFromKey(context.Background(), key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "https://nexus.example.com/page?tab=2" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestServerRequestKey(t *testing.T) {
	keygen := newKeyer(t)
	r := httptest.NewRequest("GET", "/css/core/design-tokens.css", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	assert.Equal(t, "GET /css/core/design-tokens.css", key)

	pathKey, err := keygen.KeyForPath("/css/core/design-tokens.css")
	require.NoError(t, err)
	assert.Equal(t, key, pathKey)
}

func TestRootPathKey(t *testing.T) {
	keygen := newKeyer(t)
	key, err := keygen.KeyForPath("/")
	require.NoError(t, err)
	assert.Equal(t, "GET /", key)
}

func TestOnlyGetHasKey(t *testing.T) {
	keygen := newKeyer(t)
	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD"} {
		r := httptest.NewRequest(method, "/", nil)
		_, err := keygen.GetKey(r)
		assert.ErrorIs(t, err, ErrMethodNotSupported, method)
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := newKeyer(t)
	cases := map[string]bool{
		"/relative":                              true,
		"https://nexus.example.com/x":            true,
		"https://NEXUS.example.com:443/x":        true,
		"http://nexus.example.com/x":             false,
		"https://nexus.example.com:8443/x":       false,
		"https://fonts.googleapis.com/css?family": false,
	}
	for target, expected := range cases {
		r, err := http.NewRequest("GET", target, nil)
		require.NoError(t, err)
		assert.Equal(t, expected, keygen.SameOrigin(r), target)
	}
}

func TestMalformedKey(t *testing.T) {
	keygen := newKeyer(t)
	_, err := keygen.GetRequestFromKey(context.Background(), "nonsense")
	assert.Error(t, err)
	_, err = keygen.GetRequestFromKey(context.Background(), "POST /form")
	assert.ErrorIs(t, err, ErrMethodNotSupported)
}
