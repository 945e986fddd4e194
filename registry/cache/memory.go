package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter"
)

// memoryCache is an in-process ManifestCache with size-based eviction.
type memoryCache struct {
	cache otter.Cache[string, Entry]
}

// NewInMemory builds a ManifestCache holding up to capacity entries for at
// most ttl each.
func NewInMemory(capacity int, ttl time.Duration) (ManifestCache, error) {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	c, err := otter.MustBuilder[string, Entry](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &memoryCache{cache: c}, nil
}

func (m *memoryCache) Get(_ context.Context, key string) (Entry, bool) {
	return m.cache.Get(key)
}

func (m *memoryCache) Set(_ context.Context, key string, e Entry) {
	m.cache.Set(key, e)
}
