package nearby

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/freight-dispatch/internal/models"
)

// Cache is a short-TTL response cache bounding query rate under driver
// polling. It is advisory only: claim decisions never read it. Construct
// with NewCache and stop the sweeper with Close.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

type cacheEntry struct {
	results []Result
	ts      time.Time
}

func NewCache(ttl time.Duration) *Cache {
	c := &Cache{store: make(map[string]cacheEntry), ttl: ttl, stop: make(chan struct{})}
	go c.sweep()
	return c
}

// Key buckets coordinates to three decimals (~110m) so nearby polls from
// the same position share an entry.
func Key(driverID string, at models.Coord, radiusKm float64) string {
	return fmt.Sprintf("nearby:%s:%.3f:%.3f:%g", driverID, at.Lat, at.Lng, radiusKm)
}

func (c *Cache) Get(key string) ([]Result, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok || time.Since(e.ts) > c.ttl {
		return nil, false
	}
	return e.results, true
}

func (c *Cache) Set(key string, results []Result) {
	c.mu.Lock()
	c.store[key] = cacheEntry{results: results, ts: time.Now()}
	c.mu.Unlock()
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			for k, e := range c.store {
				if time.Since(e.ts) > c.ttl {
					delete(c.store, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}
