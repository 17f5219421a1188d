package async

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachingSingleflight deduplicates concurrent executions per id and
// memoizes successful results in an LRU. Failures are never cached; the
// next caller retries.
type CachingSingleflight struct {
	group singleflight.Group
	cache *lru.Cache[string, any]
}

// NewCachingSingleflight builds a cache with the given capacity.
func NewCachingSingleflight(size int) (*CachingSingleflight, error) {
	c, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &CachingSingleflight{cache: c}, nil
}

// Do returns the cached result for id, or runs op at most once across all
// concurrent callers and caches its success.
func (c *CachingSingleflight) Do(id string, op func() (any, error)) (any, error) {
	if v, ok := c.cache.Get(id); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		if v, ok := c.cache.Get(id); ok {
			return v, nil
		}
		v, err := op()
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, v)
		return v, nil
	})
	return v, err
}

// Remove drops a cached entry. In-flight executions are unaffected.
func (c *CachingSingleflight) Remove(id string) {
	c.cache.Remove(id)
}

// RemoveIf drops every cached entry whose key satisfies pred.
func (c *CachingSingleflight) RemoveIf(pred func(id string) bool) {
	for _, k := range c.cache.Keys() {
		if pred(k) {
			c.cache.Remove(k)
		}
	}
}

// Purge empties the cache.
func (c *CachingSingleflight) Purge() {
	c.cache.Purge()
}
