package permissions

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// cache holds recent decisions so the store isn't consulted for every tile edit.
type cache struct {
	entries *gocache.Cache
}

func newCache(ttl time.Duration) *cache {
	return &cache{entries: gocache.New(ttl, 2*ttl)}
}

func (c *cache) put(key string, allowed bool) {
	c.entries.Set(key, allowed, gocache.DefaultExpiration)
}

func (c *cache) get(key string) (allowed bool, found bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return false, false
	}
	return v.(bool), true
}

func (c *cache) flush() {
	c.entries.Flush()
}

func (c *cache) len() int {
	return c.entries.ItemCount()
}
