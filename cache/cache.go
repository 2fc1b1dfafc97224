package cache

import (
	"strings"
	"time"

	"github.com/maypok86/otter"
)

// Cache wraps Otter for query result caching. Entries are complete framed
// result sets keyed by statement text, username and default database, so
// two users (or two schemas) never share a cached result.
type Cache struct {
	store otter.CacheWithVariableTTL[string, []byte]
}

// New creates a new cache holding at most maxSize entries
func New(maxSize int) (*Cache, error) {
	store, err := otter.MustBuilder[string, []byte](maxSize).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	return &Cache{store: store}, nil
}

// Key builds the cache key for a statement in a user's session
func Key(sql, user, db string) string {
	var b strings.Builder
	b.Grow(len(sql) + len(user) + len(db) + 2)
	b.WriteString(user)
	b.WriteByte(0)
	b.WriteString(db)
	b.WriteByte(0)
	b.WriteString(sql)
	return b.String()
}

// Get retrieves a cached result by key
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.store.Get(key)
}

// Set stores a result with the specified TTL
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	c.store.Set(key, value, ttl)
}

// Delete removes an entry from the cache
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
}

// Close releases the cache's resources
func (c *Cache) Close() {
	c.store.Close()
}
