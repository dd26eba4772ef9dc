package cache

import (
	"context"
	"sort"
	"time"
)

// Storage is a set of named, durable cache partitions.
// Partitions are created implicitly by Open and destroyed only by Delete.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the partition with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Partition, error)
	// Has reports whether a partition with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all partitions in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the partition and all of its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Partition is a single named key -> response snapshot mapping.
// Entries are never mutated in place; Put replaces.
type Partition interface {
	// Name returns the partition name.
	Name() string
	// Get returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores a single entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry stored under key.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all entry keys, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Size returns the number of entries and the total length of their bytes,
	// before any compression by the backend.
	Size(ctx context.Context) (int, int64, error)
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Match looks up key across all partitions in storage.
// Partitions listed in preferred are searched first, in the given order,
// followed by all remaining partitions sorted by name. The first match wins.
// It returns the matching entry and the name of the partition holding it.
func Match(ctx context.Context, s Storage, key string, preferred ...string) (Entry, string, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return Entry{}, "", false, err
	}
	for _, name := range matchOrder(names, preferred) {
		p, err := s.Open(ctx, name)
		if err != nil {
			return Entry{}, "", false, err
		}
		entry, ok, err := p.Get(ctx, key)
		if err != nil {
			return Entry{}, "", false, err
		}
		if ok {
			return entry, name, true, nil
		}
	}
	return Entry{}, "", false, nil
}

// matchOrder returns the existing partition names in lookup order.
// Preferred names that do not exist are skipped so that a lookup never
// creates a partition.
func matchOrder(existing, preferred []string) []string {
	exists := make(map[string]bool, len(existing))
	for _, name := range existing {
		exists[name] = true
	}
	order := make([]string, 0, len(existing))
	seen := make(map[string]bool, len(existing))
	for _, name := range preferred {
		if exists[name] && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(existing))
	for _, name := range existing {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
