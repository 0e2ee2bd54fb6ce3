// Package memory is the in-process response cache: key-sharded, each shard
// an LRU list with a TTL checked on every read.
package memory

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Options configures a Cache.
type Options struct {
	Capacity int
	Shards   int
	TTL      time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is a sharded LRU cache whose entries also expire after a TTL.
type Cache struct {
	shards []*shard
	ttl    time.Duration
	now    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	expired   atomic.Int64
	evictions atomic.Int64
}

type item struct {
	key   string
	entry models.CacheEntry
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

// New creates a Cache. Capacity is split across shards, the first
// Capacity%Shards shards taking one extra slot, so the shards together hold
// at most Capacity entries. LRU order is exact within a shard and
// approximate across the whole cache.
func New(opts Options) *Cache {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.Shards > opts.Capacity {
		opts.Shards = opts.Capacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	base, rem := opts.Capacity/opts.Shards, opts.Capacity%opts.Shards
	c := &Cache{
		shards: make([]*shard, opts.Shards),
		ttl:    opts.TTL,
		now:    opts.Now,
	}
	for i := range c.shards {
		capacity := base
		if i < rem {
			capacity++
		}
		c.shards[i] = &shard{
			capacity: capacity,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns a copy of the entry for key. Expiry is checked before recency
// is touched; an expired entry is removed and reported as a miss.
func (c *Cache) Get(key string) (models.CacheEntry, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}

	entry := el.Value.(*item).entry
	if entry.Expired(c.now(), c.ttl) {
		s.order.Remove(el)
		delete(s.items, key)
		c.expired.Add(1)
		c.misses.Add(1)
		return models.CacheEntry{}, false
	}

	s.order.MoveToFront(el)
	c.hits.Add(1)
	return entry, true
}

// Set inserts or overwrites key. If the shard is over capacity the least
// recently used entry is evicted.
func (c *Cache) Set(key string, entry models.CacheEntry) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*item).entry = entry
		s.order.MoveToFront(el)
		return
	}

	s.items[key] = s.order.PushFront(&item{key: key, entry: entry})
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*item).key)
		c.evictions.Add(1)
	}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Purge removes all entries.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() models.CacheStats {
	return models.CacheStats{
		Entries:   int64(c.Len()),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}
