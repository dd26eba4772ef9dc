// Package minio stores cache partitions in MinIO or any other S3-compatible
// object storage.
//
// Each partition is a "directory" under the root prefix:
//
//	<root>/<partition>/.partition       marker, exists while the partition exists
//	<root>/<partition>/entries/<key>    one object per entry, key path-escaped
//
// Object storage has no transactions, so PutAll removes the objects it already
// wrote when a later write fails.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/minio/minio-go/v7"
)

const (
	markerName    = ".partition"
	entriesPrefix = "entries/"
)

// Storage implements cache.Storage on top of a MinIO client.
type Storage struct {
	client *minio.Client
	bucket string
	root   string
}

type partition struct {
	name    string
	storage *Storage
}

// NewStorage creates a new object storage backed cache.Storage.
// rootPrefix is prepended to all object names (e.g. "offline-cache/").
func NewStorage(client *minio.Client, bucket, rootPrefix string) *Storage {
	return &Storage{
		client: client,
		bucket: bucket,
		root:   strings.Trim(rootPrefix, "/"),
	}
}

func (s *Storage) partitionPrefix(name string) string {
	return path.Join(s.root, url.PathEscape(name)) + "/"
}

func (s *Storage) markerObject(name string) string {
	return s.partitionPrefix(name) + markerName
}

func (s *Storage) entryObject(name, key string) string {
	return s.partitionPrefix(name) + entriesPrefix + url.PathEscape(key)
}

// partitionFromPrefix extracts the partition name from a listed common prefix.
func (s *Storage) partitionFromPrefix(prefix string) (string, error) {
	escaped := strings.TrimSuffix(prefix, "/")
	if s.root != "" {
		escaped = strings.TrimPrefix(escaped, s.root+"/")
	}
	return url.PathUnescape(escaped)
}

// keyFromObject extracts the entry key from an entry object name.
func (s *Storage) keyFromObject(name, object string) (string, error) {
	return url.PathUnescape(strings.TrimPrefix(object, s.partitionPrefix(name)+entriesPrefix))
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Partition, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		_, err := s.client.PutObject(ctx, s.bucket, s.markerObject(name),
			bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "text/plain"})
		if err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &partition{name: name, storage: s}, nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.markerObject(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Keys returns partition names ordered by marker creation time.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	type created struct {
		name string
		at   time.Time
	}
	prefix := ""
	if s.root != "" {
		prefix = s.root + "/"
	}
	partitions := make([]created, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/") {
			continue
		}
		name, err := s.partitionFromPrefix(obj.Key)
		if err != nil {
			return nil, err
		}
		info, err := s.client.StatObject(ctx, s.bucket, s.markerObject(name), minio.StatObjectOptions{})
		if err != nil {
			if isNotFound(err) {
				// entries left over without a marker do not form a partition
				continue
			}
			return nil, err
		}
		partitions = append(partitions, created{name, info.LastModified})
	}
	sort.SliceStable(partitions, func(i, j int) bool {
		if partitions[i].at.Equal(partitions[j].at) {
			return partitions[i].name < partitions[j].name
		}
		return partitions[i].at.Before(partitions[j].at)
	})
	names := make([]string, len(partitions))
	for i, p := range partitions {
		names[i] = p.name
	}
	return names, nil
}

// Delete removes the marker first so the partition disappears before its entries do.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.markerObject(name), minio.RemoveObjectOptions{}); err != nil {
		return false, err
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.partitionPrefix(name),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return true, obj.Err
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return true, err
		}
	}
	return true, nil
}

func (s *Storage) Close() error {
	return nil
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	s := p.storage
	obj, err := s.client.GetObject(ctx, s.bucket, s.entryObject(p.name, key), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, err
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, err
	}
	b, err := io.ReadAll(obj)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return cache.Entry{
		Key:      key,
		StoredAt: info.LastModified,
		Bytes:    b,
	}, true, nil
}

func (p *partition) Put(ctx context.Context, entry cache.Entry) error {
	return p.PutAll(ctx, []cache.Entry{entry})
}

// PutAll drops the writes if the partition was deleted since Open.
func (p *partition) PutAll(ctx context.Context, entries []cache.Entry) error {
	s := p.storage
	if ok, err := s.Has(ctx, p.name); err != nil || !ok {
		return err
	}
	written := make([]string, 0, len(entries))
	for _, entry := range entries {
		object := s.entryObject(p.name, entry.Key)
		_, err := s.client.PutObject(ctx, s.bucket, object,
			bytes.NewReader(entry.Bytes), int64(len(entry.Bytes)),
			minio.PutObjectOptions{ContentType: "application/http"})
		if err != nil {
			for _, w := range written {
				_ = s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, w, minio.RemoveObjectOptions{})
			}
			return fmt.Errorf("put %s: %w", entry.Key, err)
		}
		written = append(written, object)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, key string) (bool, error) {
	s := p.storage
	object := s.entryObject(p.name, key)
	if _, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

func (p *partition) list(ctx context.Context) ([]minio.ObjectInfo, error) {
	s := p.storage
	objects := make([]minio.ObjectInfo, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.partitionPrefix(p.name) + entriesPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	objects, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		key, err := p.storage.keyFromObject(p.name, obj.Key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *partition) Size(ctx context.Context) (int, int64, error) {
	objects, err := p.list(ctx)
	if err != nil {
		return 0, 0, err
	}
	var size int64
	for _, obj := range objects {
		size += obj.Size
	}
	return len(objects), size, nil
}
