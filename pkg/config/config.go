package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	cacheminio "github.com/always-cache/offline-cache/cache/minio"

	"github.com/caarlos0/env/v11"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMinIO  = "minio"
)

// Config is read from a YAML file. Environment variables override the file.
type Config struct {
	// Origin URL to proxy to, e.g. https://nexus.example.com
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// Host header for the origin, if the origin URL is an address.
	Host              string        `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port              int           `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	Prefix            string        `yaml:"prefix" env:"OFFLINE_CACHE_PREFIX"`
	Version           string        `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	Manifest          []string      `yaml:"manifest" env:"OFFLINE_CACHE_MANIFEST" envSeparator:","`
	OfflinePage       string        `yaml:"offlinePage" env:"OFFLINE_CACHE_OFFLINE_PAGE"`
	MaxDynamicEntries int           `yaml:"maxDynamicEntries" env:"OFFLINE_CACHE_MAX_DYNAMIC_ENTRIES"`
	Storage           StorageConfig `yaml:"storage" envPrefix:"OFFLINE_CACHE_STORAGE_"`
}

type StorageConfig struct {
	// One of memory, sqlite or minio.
	Driver string `yaml:"driver" env:"DRIVER"`
	// SQLite database file. Empty means an in-memory database.
	Path  string      `yaml:"path" env:"PATH"`
	MinIO MinIOConfig `yaml:"minio" envPrefix:"MINIO_"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	// Object name prefix all partitions are stored under.
	Prefix string `yaml:"prefix" env:"PREFIX"`
	Secure bool   `yaml:"secure" env:"SECURE"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:        8080,
		Prefix:      "nexus-bento",
		Version:     "1",
		OfflinePage: offlinecache.DefaultOfflinePage,
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "offline-cache.db",
			MinIO: MinIOConfig{
				Prefix: "offline-cache",
			},
		},
	}
}

// Load reads the config file, if filename is not empty, on top of the
// defaults and then applies environment overrides.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// OriginURL parses the origin. Only scheme and host are allowed.
func (c Config) OriginURL() (url.URL, error) {
	if c.Origin == "" {
		return url.URL{}, errors.New("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return url.URL{}, fmt.Errorf("invalid origin %q: scheme must be http or https", c.Origin)
	}
	if u.Host == "" {
		return url.URL{}, fmt.Errorf("invalid origin %q: missing host", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return url.URL{}, fmt.Errorf("invalid origin %q: paths are not supported", c.Origin)
	}
	return url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func (c Config) manifest() []string {
	if c.Manifest == nil {
		return offlinecache.DefaultManifest
	}
	return c.Manifest
}

func (c Config) offlinePage() string {
	if c.OfflinePage == "" {
		return offlinecache.DefaultOfflinePage
	}
	return c.OfflinePage
}

// Validate checks the config for errors that would only show at runtime.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix is required"))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	for _, path := range c.manifest() {
		if len(path) == 0 || path[0] != '/' {
			errs = append(errs, fmt.Errorf("manifest path %q must be root-relative", path))
		}
	}
	// the offline page is only ever served from the cache
	if !slices.Contains(c.manifest(), c.offlinePage()) {
		errs = append(errs, fmt.Errorf("offline page %q is not in the manifest", c.offlinePage()))
	}
	if c.MaxDynamicEntries < 0 {
		errs = append(errs, errors.New("maxDynamicEntries must not be negative"))
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("minio storage requires endpoint and bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// OpenStorage creates the configured storage backend.
// MinIO buckets are created if they do not exist.
func (c Config) OpenStorage(ctx context.Context) (cache.Storage, error) {
	switch c.Storage.Driver {
	case DriverMemory:
		return cache.NewMemStorage(), nil
	case DriverSQLite:
		return cache.NewSQLiteStorage(c.Storage.Path)
	case DriverMinIO:
		mc := c.Storage.MinIO
		client, err := minio.New(mc.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(mc.AccessKey, mc.SecretKey, ""),
			Secure: mc.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		exists, err := client.BucketExists(ctx, mc.Bucket)
		if err != nil {
			return nil, fmt.Errorf("minio bucket %s: %w", mc.Bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, mc.Bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("minio create bucket %s: %w", mc.Bucket, err)
			}
		}
		return cacheminio.NewStorage(client, mc.Bucket, mc.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
}

// ManagerConfig returns the manager config for this version.
func (c Config) ManagerConfig(storage cache.Storage, network offlinecache.Network, logger *zerolog.Logger) (offlinecache.Config, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Storage:           storage,
		Network:           network,
		OriginURL:         origin,
		Version:           c.Version,
		Prefix:            c.Prefix,
		Manifest:          c.Manifest,
		OfflinePage:       c.OfflinePage,
		MaxDynamicEntries: c.MaxDynamicEntries,
		Logger:            logger,
	}, nil
}
