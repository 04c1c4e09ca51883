package wallet

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"golang.org/x/sync/singleflight"
)

const defaultCacheShards = 16

// AddressKey identifies a cached address.
type AddressKey struct {
	Type ScriptType
	// Path is the canonical string form of the address derivation path.
	Path string
}

func (k AddressKey) String() string {
	return k.Type.String() + ":" + k.Path
}

// AddressCacheOpts is the struct given to NewAddressCache.
type AddressCacheOpts struct {
	// Capacity bounds the number of cached addresses; 0 means unbounded.
	Capacity int
	// Shards defaults to 16.
	Shards  int
	Metrics *stats.Metrics
}

// AddressCache memoizes derived addresses. Lookups of different keys never
// contend on a global lock: each shard has its own RWMutex and concurrent
// misses of the same key run a single derivation. The capacity bound is
// cache-wide: eviction drops the least recently derived unpinned entry
// across all shards.
type AddressCache struct {
	shards   []*cacheShard
	group    singleflight.Group
	metrics  *stats.Metrics
	capacity int64

	size atomic.Int64
	seq  atomic.Uint64
	// evictMu serializes evictions; lookups and inserts never take it.
	evictMu sync.Mutex
}

type cacheShard struct {
	mu sync.RWMutex
	// order lists entries from the least to the most recently derived.
	order   *list.List
	entries map[AddressKey]*list.Element
}

type cacheEntry struct {
	key     AddressKey
	address *Address
	pins    int
	seq     uint64
}

// NewAddressCache ...
func NewAddressCache(opts AddressCacheOpts) *AddressCache {
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultCacheShards
	}

	capacity := 0
	if opts.Capacity > 0 {
		capacity = opts.Capacity
	}

	c := &AddressCache{
		shards:   make([]*cacheShard, shards),
		metrics:  opts.Metrics,
		capacity: int64(capacity),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			order:   list.New(),
			entries: make(map[AddressKey]*list.Element),
		}
	}
	return c
}

// Get returns the address cached under key, deriving and caching it on miss.
// Derivation errors are not cached.
func (c *AddressCache) Get(key AddressKey, derive func() (*Address, error)) (*Address, error) {
	if addr, ok := c.Lookup(key); ok {
		c.metrics.CacheHit()
		return addr, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// a concurrent call may have filled the entry in the meantime
		if addr, ok := c.Lookup(key); ok {
			return addr, nil
		}
		c.metrics.CacheMiss()

		addr, err := derive()
		if err != nil {
			return nil, err
		}
		return c.insert(key, addr), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Address), nil
}

// Lookup returns the cached address without deriving it.
func (c *AddressCache) Lookup(key AddressKey) (*Address, bool) {
	shard := c.shard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	el, ok := shard.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).address, true
}

// Pin protects the entry under key from eviction until a matching Unpin.
// It returns false if the key is not cached.
func (c *AddressCache) Pin(key AddressKey) bool {
	shard := c.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	el, ok := shard.entries[key]
	if !ok {
		return false
	}
	el.Value.(*cacheEntry).pins++
	return true
}

// Unpin releases a pin taken with Pin.
func (c *AddressCache) Unpin(key AddressKey) {
	shard := c.shard(key)
	shard.mu.Lock()
	if el, ok := shard.entries[key]; ok {
		if entry := el.Value.(*cacheEntry); entry.pins > 0 {
			entry.pins--
		}
	}
	shard.mu.Unlock()

	c.evict()
}

// Len returns the number of cached addresses.
func (c *AddressCache) Len() int {
	return int(c.size.Load())
}

func (c *AddressCache) insert(key AddressKey, addr *Address) *Address {
	shard := c.shard(key)
	shard.mu.Lock()
	if el, ok := shard.entries[key]; ok {
		cached := el.Value.(*cacheEntry).address
		shard.mu.Unlock()
		return cached
	}
	shard.entries[key] = shard.order.PushBack(&cacheEntry{
		key:     key,
		address: addr,
		seq:     c.seq.Add(1),
	})
	c.size.Add(1)
	shard.mu.Unlock()

	c.evict()
	return addr
}

// evict drops the oldest unpinned entries until the cache fits its capacity.
// Pinned entries are skipped, so the cache may exceed the capacity by the
// number of pinned addresses.
func (c *AddressCache) evict() {
	if c.capacity <= 0 {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for c.size.Load() > c.capacity {
		shard, el := c.oldestUnpinned()
		if el == nil {
			return
		}

		shard.mu.Lock()
		entry := el.Value.(*cacheEntry)
		// the entry may have been pinned since it was picked
		if cur, ok := shard.entries[entry.key]; ok && cur == el && entry.pins == 0 {
			shard.order.Remove(el)
			delete(shard.entries, entry.key)
			c.size.Add(-1)
			c.metrics.CacheEviction()
		}
		shard.mu.Unlock()
	}
}

// oldestUnpinned returns the unpinned entry with the lowest insertion
// sequence across all shards, or a nil element if every entry is pinned.
func (c *AddressCache) oldestUnpinned() (*cacheShard, *list.Element) {
	var (
		oldestShard *cacheShard
		oldest      *list.Element
		oldestSeq   uint64
	)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for el := shard.order.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*cacheEntry)
			if entry.pins > 0 {
				continue
			}
			if oldest == nil || entry.seq < oldestSeq {
				oldestShard, oldest, oldestSeq = shard, el, entry.seq
			}
			break
		}
		shard.mu.RUnlock()
	}
	return oldestShard, oldest
}

func (c *AddressCache) shard(key AddressKey) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}
