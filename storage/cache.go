package storage

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheEntries is the number of artifacts kept by NewCachingStore when
	// maxEntries <= 0.
	DefaultCacheEntries = 2000

	// DefaultCacheTTL is the default lifetime of a cached artifact.
	DefaultCacheTTL = 5 * time.Minute
)

// CachingStore wraps a Store and keeps recently read artifacts in memory.
//
// Entries expire after the TTL, so artifacts rewritten on storage are picked
// up again without restarting the process. It is safe for concurrent use.
type CachingStore struct {
	inner Store
	lru   *expirable.LRU[string, []byte]

	hits, misses atomic.Int64
}

// NewCachingStore creates a CachingStore holding at most maxEntries artifacts
// for ttl each. Non-positive values select DefaultCacheEntries and
// DefaultCacheTTL.
func NewCachingStore(inner Store, maxEntries int, ttl time.Duration) *CachingStore {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingStore{
		inner: inner,
		lru:   expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

// ReadFile implements Store. The returned slice is a copy and may be modified.
func (s *CachingStore) ReadFile(key string) ([]byte, error) {
	if data, ok := s.lru.Get(key); ok {
		s.hits.Add(1)
		return append([]byte(nil), data...), nil
	}
	s.misses.Add(1)
	data, err := s.inner.ReadFile(key)
	if err != nil {
		return nil, err
	}
	s.lru.Add(key, append([]byte(nil), data...))
	return data, nil
}

// Stats returns the number of cache hits and misses so far.
func (s *CachingStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Len returns the number of artifacts currently cached.
func (s *CachingStore) Len() int {
	return s.lru.Len()
}

// Purge drops every cached artifact.
func (s *CachingStore) Purge() {
	s.lru.Purge()
}
