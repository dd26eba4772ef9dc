package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOrigin = url.URL{Scheme: "https", Host: "nexus.example.com"}

const offlineBody = "<h1>You are offline</h1>"

// fakeNetwork serves the test site in-process and records every request.
type fakeNetwork struct {
	mutex   sync.Mutex
	handler http.Handler
	offline bool
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	r := chi.NewRouter()
	for _, path := range DefaultManifest {
		path := path
		r.Get(path, func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(path, ".css") {
				w.Header().Set("Content-Type", "text/css")
			} else if strings.HasSuffix(path, ".js") {
				w.Header().Set("Content-Type", "text/javascript")
			} else {
				w.Header().Set("Content-Type", "text/html")
			}
			if path == DefaultOfflinePage {
				w.Write([]byte(offlineBody))
				return
			}
			w.Write([]byte("asset " + path))
		})
	}
	r.Get("/blog/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("post " + chi.URLParam(r, "id")))
	})
	r.Get("/api/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	r.Get("/partial", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("part"))
	})
	r.Get("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})
	r.Post("/form", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("posted"))
	})
	return &fakeNetwork{handler: r}
}

func (n *fakeNetwork) Do(r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls = append(n.calls, r.Method+" "+r.URL.String())
	offline := n.offline
	n.mutex.Unlock()
	if offline {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return HandlerNetwork{Handler: n.handler}.Do(r)
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) reset() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls = nil
}

func newTestManager(t *testing.T, storage cache.Storage, network Network, modify ...func(*Config)) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	config := Config{
		Storage:   storage,
		Network:   network,
		OriginURL: testOrigin,
		Prefix:    "nexus-bento",
		Version:   "1",
		Logger:    &logger,
	}
	for _, fn := range modify {
		fn(&config)
	}
	m, err := CreateManager(config)
	require.NoError(t, err)
	return m
}

func partitionKeys(t *testing.T, s cache.Storage, name string) []string {
	t.Helper()
	p, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func get(path string, accept string) *http.Request {
	r := httptest.NewRequest("GET", path, nil)
	if accept != "" {
		r.Header.Set("Accept", accept)
	}
	return r
}

func TestPartitionNames(t *testing.T) {
	names := NewPartitionNames("nexus-bento", "1")
	assert.Equal(t, "nexus-bento-v1", names.Legacy)
	assert.Equal(t, "nexus-bento-static-v1", names.Static)
	assert.Equal(t, "nexus-bento-dynamic-v1", names.Dynamic)
}

func TestCreateManagerValidates(t *testing.T) {
	_, err := CreateManager(Config{Network: newFakeNetwork(), OriginURL: testOrigin})
	assert.Error(t, err)
	_, err = CreateManager(Config{Storage: cache.NewMemStorage(), Network: newFakeNetwork()})
	assert.Error(t, err)
	_, err = CreateManager(Config{Storage: cache.NewMemStorage(), Network: newFakeNetwork(), OriginURL: testOrigin})
	assert.Error(t, err, "names cannot be built without prefix and version")
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork())

	require.NoError(t, m.Install(ctx))
	require.NoError(t, m.Install(ctx))

	expected := make([]string, 0, len(DefaultManifest))
	for _, path := range DefaultManifest {
		expected = append(expected, "GET "+path)
	}
	keys := partitionKeys(t, storage, m.Names().Static)
	sort.Strings(expected)
	sort.Strings(keys)
	assert.Equal(t, expected, keys)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network, func(c *Config) {
		c.Manifest = append([]string{"/does-not-exist.css"}, DefaultManifest...)
	})

	err := m.Install(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), "/does-not-exist.css")

	ok, err := storage.Has(ctx, m.Names().Static)
	require.NoError(t, err)
	assert.False(t, ok, "static partition must not be created by a failed install")
}

func TestInstallFailsOffline(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.setOffline(true)
	m := newTestManager(t, storage, network)

	assert.ErrorIs(t, m.Install(context.Background()), ErrInstallFailed)
	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestActivationPrunesStalePartitions(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"v1-static", "v1-dynamic", "v2-static", "v2-dynamic"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	m := newTestManager(t, storage, newFakeNetwork(), func(c *Config) {
		c.Names = PartitionNames{Legacy: "v2", Static: "v2-static", Dynamic: "v2-dynamic"}
	})

	require.NoError(t, m.Activate(ctx))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v2-static", "v2-dynamic"}, keys)
}

func TestActivationPrunesLegacyPartition(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork())
	for _, name := range []string{m.Names().Legacy, m.Names().Static, "nexus-bento-static-v0"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, m.Activate(ctx))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{m.Names().Static}, keys)
}

func TestCacheFirst(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)
	require.NoError(t, m.Install(ctx))
	network.reset()

	res, err := m.Fetch(ctx, get("/css/core/design-tokens.css", "text/css"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/css", res.Header.Get("Content-Type"))
	assert.Equal(t, "offline-cache; hit", res.Header.Get(CacheStatusHeader))
	assert.Equal(t, "asset /css/core/design-tokens.css", readBody(t, res))
	assert.Equal(t, 0, network.callCount(), "cache hit must not touch the network")
}

func TestCacheFirstFromDynamicPartition(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)

	stored := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Stored": []string{"yes"}},
		Body:       io.NopCloser(strings.NewReader("stored body")),
	}
	bytes, err := serializer.ResponseToBytes(stored)
	require.NoError(t, err)
	dynamic, err := storage.Open(ctx, m.Names().Dynamic)
	require.NoError(t, err)
	require.NoError(t, dynamic.Put(ctx, cache.Entry{Key: "GET /blog/7", Bytes: bytes}))

	res, err := m.Fetch(ctx, get("/blog/7", ""))
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Header.Get("X-Stored"))
	assert.Equal(t, "stored body", readBody(t, res))
	assert.Equal(t, 0, network.callCount())
}

func TestWriteBackOnMiss(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)
	require.NoError(t, m.Install(ctx))
	network.reset()

	res, err := m.Fetch(ctx, get("/blog/1", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "offline-cache; fwd=uri-miss; fwd-status=200; stored", res.Header.Get(CacheStatusHeader))
	assert.Equal(t, "post 1", readBody(t, res), "the client gets the full body")
	assert.Equal(t, 1, network.callCount())

	dynamic, err := storage.Open(ctx, m.Names().Dynamic)
	require.NoError(t, err)
	entry, ok, err := dynamic.Get(ctx, "GET /blog/1")
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := serializer.BytesToResponse(entry.Bytes, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, stored.StatusCode)
	assert.Equal(t, "post 1", readBody(t, stored))

	res, err = m.Fetch(ctx, get("/blog/1", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, "post 1", readBody(t, res))
	assert.Equal(t, 1, network.callCount(), "second request is served from cache")
}

func TestNoWriteBackForNonOKStatus(t *testing.T) {
	ctx := context.Background()
	for path, status := range map[string]int{
		"/api/fail": http.StatusInternalServerError,
		"/missing":  http.StatusNotFound,
		"/partial":  http.StatusPartialContent,
		"/moved":    http.StatusFound,
	} {
		t.Run(path, func(t *testing.T) {
			storage := cache.NewMemStorage()
			m := newTestManager(t, storage, newFakeNetwork())
			require.NoError(t, m.Install(ctx))

			res, err := m.Fetch(ctx, get(path, ""))
			require.NoError(t, err)
			assert.Equal(t, status, res.StatusCode)
			assert.NotContains(t, res.Header.Get(CacheStatusHeader), "stored")
			res.Body.Close()

			_, _, ok, err := cache.Match(ctx, storage, "GET "+path)
			require.NoError(t, err)
			assert.False(t, ok, "error responses are never cached")
		})
	}
}

func TestNonGetGoesToNetwork(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)

	res, err := m.Fetch(ctx, httptest.NewRequest("POST", "/form", strings.NewReader("a=b")))
	require.NoError(t, err)
	assert.Equal(t, "posted", readBody(t, res))
	assert.Equal(t, "offline-cache; fwd=method; fwd-status=200", res.Header.Get(CacheStatusHeader))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOfflineHTMLFallback(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)
	require.NoError(t, m.Install(ctx))
	network.setOffline(true)

	res, err := m.Fetch(ctx, get("/pages/settings.html", "text/html,application/xhtml+xml"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, offlineBody, readBody(t, res))
	assert.Equal(t, "offline-cache; fwd=miss; detail=offline", res.Header.Get(CacheStatusHeader))
}

func TestOfflineNonHTMLFails(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)
	require.NoError(t, m.Install(ctx))
	network.setOffline(true)

	for _, accept := range []string{"image/avif,image/webp", ""} {
		_, err := m.Fetch(ctx, get("/img/hero.png", accept))
		assert.ErrorIs(t, err, ErrNetwork)
		assert.NotErrorIs(t, err, ErrNoFallback)
	}
}

func TestOfflineWithoutCachedFallback(t *testing.T) {
	network := newFakeNetwork()
	network.setOffline(true)
	m := newTestManager(t, cache.NewMemStorage(), network)

	_, err := m.Fetch(context.Background(), get("/", "text/html"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestCachedPagesStillServedOffline(t *testing.T) {
	ctx := context.Background()
	network := newFakeNetwork()
	m := newTestManager(t, cache.NewMemStorage(), network)
	require.NoError(t, m.Install(ctx))
	network.setOffline(true)

	res, err := m.Fetch(ctx, get("/pages/dashboard.html", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, "asset /pages/dashboard.html", readBody(t, res))
}

func TestCrossOriginIsNotIntercepted(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)

	r := httptest.NewRequest("GET", "https://fonts.example.org/inter.woff2", nil)
	assert.False(t, m.Intercepts(r))
	_, err := m.Fetch(ctx, r)
	assert.ErrorIs(t, err, ErrCrossOrigin)
	assert.Equal(t, 0, network.callCount())

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "cross-origin requests never touch storage")
}

func TestDynamicPartitionGrowsUnbounded(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork())
	require.NoError(t, m.Install(ctx))

	for i := 0; i < 25; i++ {
		res, err := m.Fetch(ctx, get(fmt.Sprintf("/blog/%d", i), ""))
		require.NoError(t, err)
		res.Body.Close()
	}
	assert.Len(t, partitionKeys(t, storage, m.Names().Dynamic), 25)
}

func TestDynamicPartitionBound(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork(), func(c *Config) {
		c.MaxDynamicEntries = 3
	})
	require.NoError(t, m.Install(ctx))

	for i := 0; i < 6; i++ {
		res, err := m.Fetch(ctx, get(fmt.Sprintf("/blog/%d", i), ""))
		require.NoError(t, err)
		res.Body.Close()
	}
	assert.Equal(t, []string{"GET /blog/3", "GET /blog/4", "GET /blog/5"},
		partitionKeys(t, storage, m.Names().Dynamic))
}

func TestCorruptEntryIsPurged(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)
	require.NoError(t, m.Install(ctx))
	network.reset()
	dynamic, err := storage.Open(ctx, m.Names().Dynamic)
	require.NoError(t, err)
	require.NoError(t, dynamic.Put(ctx, cache.Entry{Key: "GET /blog/9", Bytes: []byte("garbage")}))

	res, err := m.Fetch(ctx, get("/blog/9", ""))
	require.NoError(t, err)
	assert.Equal(t, "post 9", readBody(t, res))
	assert.Equal(t, 1, network.callCount())
	assert.Equal(t, "offline-cache; fwd=uri-miss; fwd-status=200; stored", res.Header.Get(CacheStatusHeader))
}

func TestNoWriteBackBeforeInstall(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork())

	res, err := m.Fetch(ctx, get("/blog/1", ""))
	require.NoError(t, err)
	assert.Equal(t, "post 1", readBody(t, res))
	assert.Equal(t, "offline-cache; fwd=uri-miss; fwd-status=200", res.Header.Get(CacheStatusHeader))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNoWriteBackAfterVersionPruned(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	v1 := newTestManager(t, storage, network)
	require.NoError(t, v1.Install(ctx))
	require.NoError(t, v1.Activate(ctx))
	res, err := v1.Fetch(ctx, get("/blog/1", ""))
	require.NoError(t, err)
	res.Body.Close()

	v2 := newTestManager(t, storage, network, func(c *Config) { c.Version = "2" })
	require.NoError(t, v2.Install(ctx))
	require.NoError(t, v2.Activate(ctx))

	// a request still in flight on the old version
	res, err = v1.Fetch(ctx, get("/blog/2", ""))
	require.NoError(t, err)
	assert.Equal(t, "post 2", readBody(t, res))
	assert.NotContains(t, res.Header.Get(CacheStatusHeader), "stored")

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{v2.Names().Static}, keys, "pruned partitions are not recreated")
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	m := newTestManager(t, storage, newFakeNetwork())
	_, err := storage.Open(ctx, "nexus-bento-static-v0")
	require.NoError(t, err)
	require.NoError(t, m.Install(ctx))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", status.Version)
	require.Len(t, status.Partitions, 2)
	assert.False(t, status.Partitions[0].Current)
	assert.Equal(t, m.Names().Static, status.Partitions[1].Name)
	assert.True(t, status.Partitions[1].Current)
	assert.Equal(t, len(DefaultManifest), status.Partitions[1].Entries)
}

func TestWithSQLiteStorage(t *testing.T) {
	ctx := context.Background()
	storage, err := cache.NewSQLiteStorage(t.TempDir() + "/cache.db")
	require.NoError(t, err)
	defer storage.Close()
	network := newFakeNetwork()
	m := newTestManager(t, storage, network)

	require.NoError(t, m.Install(ctx))
	require.NoError(t, m.Activate(ctx))
	res, err := m.Fetch(ctx, get("/blog/2", ""))
	require.NoError(t, err)
	res.Body.Close()
	network.setOffline(true)

	res, err = m.Fetch(ctx, get("/blog/2", ""))
	require.NoError(t, err)
	assert.Equal(t, "post 2", readBody(t, res))
	res, err = m.Fetch(ctx, get("/nowhere", "text/html"))
	require.NoError(t, err)
	assert.Equal(t, offlineBody, readBody(t, res))
}
