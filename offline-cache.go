package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/lifecycle"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when a manifest asset could not be fetched or stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrCrossOrigin is returned by Fetch for requests it does not intercept.
	ErrCrossOrigin = errors.New("cross-origin request")
	// ErrNetwork wraps network failures that could not be recovered.
	ErrNetwork = errors.New("network request failed")
	// ErrNoFallback is returned when the offline page should be served but is not cached.
	ErrNoFallback = errors.New("offline page not cached")
)

// DefaultManifest lists the assets cached at install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/pages/dashboard.html",
	"/offline.html",
	"/dist/output.css",
	"/css/core/design-tokens.css",
	"/css/layout/bento-grid.css",
	"/css/effects/glassmorphism.css",
	"/js/core/main.js",
	"/js/core/navigation.js",
}

const DefaultOfflinePage = "/offline.html"

// PartitionNames are the versioned names of the three partitions.
type PartitionNames struct {
	// Reserved for migrations, never written to.
	Legacy  string
	Static  string
	Dynamic string
}

// NewPartitionNames builds the names for a prefix and version,
// e.g. nexus-bento-v1, nexus-bento-static-v1 and nexus-bento-dynamic-v1.
func NewPartitionNames(prefix, version string) PartitionNames {
	return PartitionNames{
		Legacy:  fmt.Sprintf("%s-v%s", prefix, version),
		Static:  fmt.Sprintf("%s-static-v%s", prefix, version),
		Dynamic: fmt.Sprintf("%s-dynamic-v%s", prefix, version),
	}
}

// current reports whether name survives activation.
func (n PartitionNames) current(name string) bool {
	return name == n.Static || name == n.Dynamic
}

type Config struct {
	// Storage for the partitions.
	Storage cache.Storage
	// Network used for manifest assets and cache misses.
	Network Network
	// URL of the origin. Only requests for this origin are intercepted.
	OriginURL url.URL
	// Version identifies the deployed version. It is used for logging and
	// to build partition names if Names is empty.
	Version string
	// Prefix used to build partition names if Names is empty.
	Prefix string
	// Partition names. Built from Prefix and Version if empty.
	Names PartitionNames
	// Root-relative paths stored in the static partition at install.
	// DefaultManifest is used if nil.
	Manifest []string
	// Page served to HTML requests when the network fails.
	// DefaultOfflinePage is used if empty.
	OfflinePage string
	// Keep at most this many dynamic entries, evicting the oldest.
	// Zero means unbounded.
	MaxDynamicEntries int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Manager owns the static and dynamic partitions of one deployed version.
type Manager struct {
	storage     cache.Storage
	network     Network
	keyer       cachekey.CacheKeyer
	names       PartitionNames
	version     string
	manifest    []string
	offlinePage string
	maxDynamic  int
	log         zerolog.Logger
}

// CreateManager validates the config and creates the manager.
func CreateManager(config Config) (*Manager, error) {
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.Network == nil {
		return nil, errors.New("network is required")
	}
	if config.OriginURL.Host == "" {
		return nil, errors.New("origin URL is required")
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	m := &Manager{
		storage:     config.Storage,
		network:     config.Network,
		keyer:       cachekey.NewCacheKeyer(config.OriginURL),
		names:       config.Names,
		version:     config.Version,
		manifest:    config.Manifest,
		offlinePage: config.OfflinePage,
		maxDynamic:  config.MaxDynamicEntries,
	}
	if m.names == (PartitionNames{}) {
		if config.Prefix == "" || config.Version == "" {
			return nil, errors.New("prefix and version are required without partition names")
		}
		m.names = NewPartitionNames(config.Prefix, config.Version)
	}
	if m.manifest == nil {
		m.manifest = DefaultManifest
	}
	if m.offlinePage == "" {
		m.offlinePage = DefaultOfflinePage
	}
	for _, path := range m.manifest {
		if _, err := m.keyer.KeyForPath(path); err != nil {
			return nil, err
		}
	}

	m.log = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("static", m.names.Static).
		Logger()
	return m, nil
}

// Names returns the partition names of this version.
func (m *Manager) Names() PartitionNames {
	return m.names
}

func (m *Manager) Version() string {
	return m.version
}

// Install stores every manifest asset in the static partition.
// Assets are fetched concurrently and stored only if all of them succeed.
func (m *Manager) Install(ctx context.Context) error {
	m.log.Info().Int("assets", len(m.manifest)).Msg("Installing, caching static assets")
	entries := make([]cache.Entry, len(m.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range m.manifest {
		i, path := i, path
		g.Go(func() error {
			entry, err := m.fetchAsset(gctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	static, err := m.storage.Open(ctx, m.names.Static)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := static.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	m.log.Info().Msg("Static assets cached")
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (cache.Entry, error) {
	key, err := m.keyer.KeyForPath(path)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := m.keyer.GetRequestFromKey(ctx, key)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := m.network.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return cache.Entry{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, err
	}
	m.log.Trace().Str("key", key).Int("bytes", len(bytes)).Msg("Fetched static asset")
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bytes}, nil
}

// Activate deletes every partition that is not one of the current static and
// dynamic partitions.
func (m *Manager) Activate(ctx context.Context) error {
	m.log.Info().Msg("Activating, pruning stale partitions")
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if m.names.current(name) {
			continue
		}
		name := name
		g.Go(func() error {
			m.log.Info().Str("partition", name).Msg("Deleting stale partition")
			if _, err := m.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Intercepts reports whether Fetch handles the request.
// Cross-origin requests are left to the network.
func (m *Manager) Intercepts(r *http.Request) bool {
	return m.keyer.SameOrigin(r)
}

// Fetch serves a request cache-first. On a miss the network response is
// returned and, if its status is 200 and this version is installed, stored in
// the dynamic partition.
// If the network fails, HTML requests get the offline page.
// The returned response carries a Cache-Status header.
func (m *Manager) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if !m.Intercepts(r) {
		return nil, ErrCrossOrigin
	}
	cs := CacheStatus{}

	key, err := m.keyer.GetKey(r)
	if err != nil {
		cs.Forward(FwdReasonMethod)
	} else {
		if res, ok := m.match(ctx, key, r); ok {
			cs.Hit()
			res.Header.Set(CacheStatusHeader, cs.String())
			m.logRequest(r, cs)
			return res, nil
		}
		cs.Forward(FwdReasonUriMiss)
	}

	res, err := m.network.Do(r.Clone(ctx))
	if err != nil {
		return m.offline(ctx, r, err)
	}
	cs.ForwardStatus(res.StatusCode)
	if key != "" && res.StatusCode == http.StatusOK {
		// storing must not be interrupted by the client going away
		if stored, err := m.writeBack(context.WithoutCancel(ctx), key, res); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		} else if stored {
			cs.Stored()
		}
	}
	res.Header.Set(CacheStatusHeader, cs.String())
	m.logRequest(r, cs)
	return res, nil
}

// match returns the stored response for key from any partition.
// Corrupt entries are purged and treated as a miss.
func (m *Manager) match(ctx context.Context, key string, r *http.Request) (*http.Response, bool) {
	entry, partition, ok, err := cache.Match(ctx, m.storage, key, m.names.Static, m.names.Dynamic)
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Str("partition", partition).Msg("Could not read from cache, purging")
		if p, err := m.storage.Open(ctx, partition); err == nil {
			p.Delete(ctx, key)
		}
		return nil, false
	}
	m.log.Trace().Str("key", key).Str("partition", partition).Msg("Cache hit")
	return res, true
}

// writeBack stores the response in the dynamic partition. The write is
// dropped if this version is no longer installed, i.e. its static partition
// was pruned by a newer version.
func (m *Manager) writeBack(ctx context.Context, key string, res *http.Response) (bool, error) {
	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		return false, err
	}
	if ok, err := m.installed(ctx); err != nil || !ok {
		if err == nil {
			m.log.Debug().Str("key", key).Msg("Version not installed, not caching")
		}
		return false, err
	}
	dynamic, err := m.storage.Open(ctx, m.names.Dynamic)
	if err != nil {
		return false, err
	}
	if err := dynamic.Put(ctx, cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bytes}); err != nil {
		return false, err
	}
	// activation of a newer version may have pruned this one since the check
	if ok, err := m.installed(ctx); err == nil && !ok {
		m.storage.Delete(ctx, m.names.Dynamic)
		return false, nil
	}
	m.log.Trace().Str("key", key).Int("bytes", len(bytes)).Msg("Cache write")
	if m.maxDynamic > 0 {
		m.evict(ctx, dynamic)
	}
	return true, nil
}

func (m *Manager) installed(ctx context.Context) (bool, error) {
	return m.storage.Has(ctx, m.names.Static)
}

// evict deletes the oldest dynamic entries beyond the configured bound.
func (m *Manager) evict(ctx context.Context, dynamic cache.Partition) {
	keys, err := dynamic.Keys(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Could not list dynamic entries")
		return
	}
	for _, key := range keys[:max(0, len(keys)-m.maxDynamic)] {
		if _, err := dynamic.Delete(ctx, key); err != nil {
			m.log.Error().Err(err).Str("key", key).Msg("Could not evict entry")
			continue
		}
		m.log.Trace().Str("key", key).Msg("Evicted entry")
	}
}

// offline handles a failed network request.
func (m *Manager) offline(ctx context.Context, r *http.Request, netErr error) (*http.Response, error) {
	if !lifecycle.AcceptsHTML(r) {
		m.log.Debug().Err(netErr).Str("url", r.URL.String()).Msg("Network failed")
		return nil, fmt.Errorf("%w: %w", ErrNetwork, netErr)
	}
	key, err := m.keyer.KeyForPath(m.offlinePage)
	if err != nil {
		return nil, err
	}
	res, ok := m.match(ctx, key, r)
	if !ok {
		m.log.Error().Err(netErr).Str("url", r.URL.String()).Msg("Network failed and offline page not cached")
		return nil, fmt.Errorf("%w: %w: %w", ErrNetwork, ErrNoFallback, netErr)
	}
	cs := CacheStatus{}
	cs.Forward(FwdReasonMiss)
	cs.Detail("offline")
	res.Header.Set(CacheStatusHeader, cs.String())
	m.logRequest(r, cs)
	return res, nil
}

// Status summarizes the partitions in storage.
type Status struct {
	Version    string          `json:"version"`
	Names      PartitionNames  `json:"names"`
	Partitions []PartitionInfo `json:"partitions"`
}

type PartitionInfo struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Status lists all partitions in storage with their sizes.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	status := Status{Version: m.version, Names: m.names, Partitions: []PartitionInfo{}}
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	for _, name := range names {
		p, err := m.storage.Open(ctx, name)
		if err != nil {
			return status, err
		}
		count, size, err := p.Size(ctx)
		if err != nil {
			return status, err
		}
		status.Partitions = append(status.Partitions, PartitionInfo{
			Name:    name,
			Current: m.names.current(name),
			Entries: count,
			Bytes:   size,
		})
	}
	return status, nil
}

func (m *Manager) logRequest(r *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	m.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("fwd", string(cs.FwdReason())).
		Bool("stored", cs.IsStored()).
		Int("hit", isHit).
		Msg("Responding from worker")
}
