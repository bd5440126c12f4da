// Package codecache maps executable unit checksums to realized code so a
// receiver never has the same unit sent to it twice.
package codecache

import (
	"container/list"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/arohanajit/Distributed-Compute/internal/task"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Size      int      `json:"size"`
	Capacity  int      `json:"capacity"`
	Hits      uint64   `json:"hits"`
	Misses    uint64   `json:"misses"`
	Evictions uint64   `json:"evictions"`
	Realized  uint64   `json:"realized"`
	Failures  uint64   `json:"failures"`
	Checksums []string `json:"checksums,omitempty"`
}

type entry struct {
	checksum uint32
	kind     *task.Kind
}

// Cache is an LRU of realized kinds keyed by checksum. Capacity zero means
// unbounded.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint32]*list.Element
	lru      *list.List

	group singleflight.Group

	hits      uint64
	misses    uint64
	evictions uint64
	realized  uint64
	failures  uint64
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint32]*list.Element),
		lru:      list.New(),
	}
}

// Contains reports whether checksum is cached, without touching the
// counters or the LRU order.
func (c *Cache) Contains(checksum uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[checksum]
	return ok
}

// Get returns the cached kind for checksum.
func (c *Cache) Get(checksum uint32) (*task.Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[checksum]
	if !ok {
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return elem.Value.(*entry).kind, true
}

// LookupOrRegister returns the kind cached under checksum. On a miss fetch
// is called to receive and realize the unit; concurrent misses for the same
// checksum share one fetch. A failed fetch caches nothing and its error is
// returned only to the caller whose fetch ran; callers that were waiting on
// it try again with their own fetch. hit reports whether fetch was skipped.
func (c *Cache) LookupOrRegister(checksum uint32, fetch func() (*task.Kind, error)) (kind *task.Kind, hit bool, err error) {
	if k, ok := c.Get(checksum); ok {
		return k, true, nil
	}

	key := strconv.FormatUint(uint64(checksum), 16)
	for {
		ran := false
		v, err, _ := c.group.Do(key, func() (interface{}, error) {
			if k, ok := c.peek(checksum); ok {
				return k, nil
			}
			ran = true
			k, err := fetch()
			if err != nil {
				c.mu.Lock()
				c.failures++
				c.mu.Unlock()
				return nil, err
			}
			c.put(checksum, k)
			return k, nil
		})
		if err == nil {
			return v.(*task.Kind), false, nil
		}
		if ran {
			return nil, false, err
		}
	}
}

func (c *Cache) peek(checksum uint32) (*task.Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[checksum]; ok {
		return elem.Value.(*entry).kind, true
	}
	return nil, false
}

func (c *Cache) put(checksum uint32, k *task.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.realized++
	if elem, ok := c.entries[checksum]; ok {
		elem.Value.(*entry).kind = k
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[checksum] = c.lru.PushFront(&entry{checksum: checksum, kind: k})

	for c.capacity > 0 && c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).checksum)
		c.evictions++
	}
}

// Remove drops checksum from the cache.
func (c *Cache) Remove(checksum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[checksum]; ok {
		c.lru.Remove(elem)
		delete(c.entries, checksum)
	}
}

// Len returns the number of cached units.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the cache counters and the cached checksums, most recently
// used first.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	sums := make([]string, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		sums = append(sums, strconv.FormatUint(uint64(e.Value.(*entry).checksum), 16))
	}
	return Stats{
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Realized:  c.realized,
		Failures:  c.failures,
		Checksums: sums,
	}
}
