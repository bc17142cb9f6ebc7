package cache

import (
	"context"
	"errors"
)

// ErrStoreDeleted is returned by writes through a Cache whose store was
// removed with Storage.Delete.
var ErrStoreDeleted = errors.New("cache store was deleted")

// Storage holds named cache stores, one per cache generation.
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Keys returns the names of all stores, sorted.
	Keys(ctx context.Context) ([]string, error)

	// Delete removes a store and all of its entries.
	// It reports whether the store existed. Writes through handles opened
	// before the deletion never recreate the store.
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache is a single named store of response snapshots.
//
// Implementations must be safe for concurrent use and must make every write
// atomic per key: a reader never observes a partially written entry, and
// concurrent writers to the same key leave exactly one of the written entries
// in place. PutAll must be all-or-nothing: either every entry becomes visible
// or none does. Writes to a store that no longer exists fail with
// ErrStoreDeleted and leave nothing behind. Callers rely on these guarantees
// instead of locking.
type Cache interface {
	// Name returns the store name.
	Name() string

	// Match returns the entry stored under key.
	// Returns nil and nil error if there is no entry.
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put stores entry under entry.Key, replacing any previous entry.
	Put(ctx context.Context, entry *Entry) error

	// PutAll stores all entries atomically.
	PutAll(ctx context.Context, entries []*Entry) error

	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys returns the keys of all entries in the store.
	Keys(ctx context.Context) ([]Key, error)
}
