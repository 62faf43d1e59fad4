// Package cache stores successful LLM responses keyed by provider and input.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"llm_orchestrator/internal/models"
)

// entry represents a cached response with expiration
type entry struct {
	key       string
	response  models.LLMResponse
	createdAt time.Time
	expiresAt time.Time
}

// shard is an independent LRU list guarded by its own lock
type shard struct {
	mu           sync.Mutex
	capacity     int
	items        map[string]*list.Element
	evictionList *list.List
}

// Cache is a sharded LRU cache with per-entry TTL. Recency is tracked per
// shard, so eviction approximates global LRU when Shards > 1.
type Cache struct {
	shards     []*shard
	defaultTTL time.Duration
	now        func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// Config holds cache sizing
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
	Shards     int
}

// New creates a cache. Capacity is split evenly across shards.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}

	perShard := (cfg.Capacity + cfg.Shards - 1) / cfg.Shards
	c := &Cache{
		shards:     make([]*shard, cfg.Shards),
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity:     perShard,
			items:        make(map[string]*list.Element, perShard),
			evictionList: list.New(),
		}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Lookup returns the cached response for key. Expired entries are evicted
// and reported as misses.
func (c *Cache) Lookup(key string) (models.LLMResponse, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, found := s.items[key]
	if !found {
		c.misses.Add(1)
		return models.LLMResponse{}, false
	}

	e := elem.Value.(*entry)
	if !now.Before(e.expiresAt) {
		s.removeElement(elem)
		c.expirations.Add(1)
		c.misses.Add(1)
		return models.LLMResponse{}, false
	}

	s.evictionList.MoveToFront(elem)
	c.hits.Add(1)
	return e.response, true
}

// Store inserts or wholesale replaces the entry for key. Responses carrying
// an error are never cached. ttl <= 0 uses the default TTL.
func (c *Cache) Store(key string, resp models.LLMResponse, ttl time.Duration) {
	if resp.Failed() {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	s := c.shardFor(key)
	now := c.now()
	resp.Cached = false

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, found := s.items[key]; found {
		s.evictionList.MoveToFront(elem)
		elem.Value = &entry{key: key, response: resp, createdAt: now, expiresAt: now.Add(ttl)}
		return
	}

	elem := s.evictionList.PushFront(&entry{
		key:       key,
		response:  resp,
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
	s.items[key] = elem

	for s.evictionList.Len() > s.capacity {
		s.removeElement(s.evictionList.Back())
		c.evictions.Add(1)
	}
}

// Delete removes key if present
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, found := s.items[key]; found {
		s.removeElement(elem)
	}
}

// Clear removes all entries
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element, s.capacity)
		s.evictionList.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included until swept
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.evictionList.Len()
		s.mu.Unlock()
	}
	return n
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *Cache) CleanupExpired() int {
	now := c.now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		var next *list.Element
		for elem := s.evictionList.Back(); elem != nil; elem = next {
			next = elem.Prev()
			if !now.Before(elem.Value.(*entry).expiresAt) {
				s.removeElement(elem)
				removed++
			}
		}
		s.mu.Unlock()
	}

	c.expirations.Add(int64(removed))
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}

// removeElement removes a specific element. Caller holds s.mu.
func (s *shard) removeElement(elem *list.Element) {
	s.evictionList.Remove(elem)
	delete(s.items, elem.Value.(*entry).key)
}

// Stats holds cache counters
type Stats struct {
	Size        int           `json:"size"`
	Shards      int           `json:"shards"`
	DefaultTTL  time.Duration `json:"default_ttl"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	Expirations int64         `json:"expirations"`
}

// GetStats returns current cache statistics
func (c *Cache) GetStats() Stats {
	return Stats{
		Size:        c.Len(),
		Shards:      len(c.shards),
		DefaultTTL:  c.defaultTTL,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}
