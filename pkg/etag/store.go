package etag

import (
	"context"
	"strings"
	"sync"

	cachekey "github.com/always-cache/assetcache/pkg/cache-key"
)

// Store remembers the ETag last computed for a (CDN base, path) pair.
// Entries are never expired: static paths are content-addressed, so a new
// build produces new keys instead of changing old ones.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the stored ETag and whether one was found.
	Get(ctx context.Context, key cachekey.Key) (string, bool, error)
	// Put stores the ETag under the key, replacing any previous value.
	Put(ctx context.Context, key cachekey.Key, etag string) error
	// Purge removes every entry stored for the given CDN base.
	Purge(ctx context.Context, cdnBase string) error
	// Close releases the resources held by the store.
	Close() error
}

// MemStore keeps ETags in a map for the lifetime of the process.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]string
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]string),
	}
}

func (m MemStore) Get(_ context.Context, key cachekey.Key) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	tag, ok := m.db[key.String()]
	return tag, ok, nil
}

func (m MemStore) Put(_ context.Context, key cachekey.Key, etag string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key.String()] = etag
	return nil
}

func (m MemStore) Purge(_ context.Context, cdnBase string) error {
	prefix := cachekey.BasePrefix(cdnBase)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			delete(m.db, key)
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (m MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func (m MemStore) Close() error {
	return nil
}
