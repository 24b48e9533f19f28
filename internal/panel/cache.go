package panel

import (
	"sync"

	"github.com/symposium-labs/symposium/internal/metrics"
)

// GraphCache is a bounded cache of compiled graph instances keyed by
// execution-context identity (worker id). Entries are immutable graph
// definitions, so evicting one while a run still holds it is safe — the run
// keeps its reference, the cache just forgets it.
//
// Eviction is FIFO by insertion order.
type GraphCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Graph
	order    []string
}

// NewGraphCache creates a cache with the given capacity (default 20).
func NewGraphCache(capacity int) *GraphCache {
	if capacity <= 0 {
		capacity = 20
	}
	return &GraphCache{
		capacity: capacity,
		entries:  make(map[string]*Graph, capacity),
	}
}

// GetOrCreate returns the cached graph for key, building and inserting it on
// a miss. The build function must not be nil; build errors are returned
// without touching the cache. The map lock is never held across build —
// compilation performs no I/O but can still be slow enough to serialize
// unrelated workers.
func (c *GraphCache) GetOrCreate(key string, build func() (*Graph, error)) (*Graph, error) {
	c.mu.Lock()
	if g, ok := c.entries[key]; ok {
		c.mu.Unlock()
		metrics.GraphCacheHits.Inc()
		return g, nil
	}
	c.mu.Unlock()
	metrics.GraphCacheMisses.Inc()

	g, err := build()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another worker may have raced the build; keep the first insertion so
	// repeated calls with the same key return the same instance.
	if existing, ok := c.entries[key]; ok {
		return existing, nil
	}

	c.entries[key] = g
	c.order = append(c.order, key)
	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		metrics.GraphCacheEvictions.Inc()
	}
	metrics.GraphCacheSize.Set(float64(len(c.entries)))
	return g, nil
}

// Get returns the cached graph for key without building.
func (c *GraphCache) Get(key string) (*Graph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries[key]
	return g, ok
}

// Len returns the number of cached instances.
func (c *GraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
