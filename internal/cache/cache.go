package cache

import (
	"math/bits"

	"github.com/hupe1980/mvstore/internal/hash"
)

// Config holds cache tuning parameters.
type Config struct {
	// MaxMemory is the total byte budget.
	MaxMemory int64

	// SegmentCount is rounded up to a power of two. Default 16.
	SegmentCount int

	// StackMoveDistance is how far a hot entry must sink below the stack top
	// before an access moves it back up. Default 32.
	StackMoveDistance int

	// NonResidentQueueSize is the number of non-resident entries kept per
	// resident entry once queue2 is trimmed. Default 3.
	NonResidentQueueSize int

	// NonResidentQueueSizeHigh triggers trimming of queue2. Default 12.
	NonResidentQueueSizeHigh int
}

// DefaultConfig returns the default tuning for a byte budget.
func DefaultConfig(maxMemory int64) Config {
	return Config{
		MaxMemory:                maxMemory,
		SegmentCount:             16,
		StackMoveDistance:        32,
		NonResidentQueueSize:     3,
		NonResidentQueueSizeHigh: 12,
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Overruns    int64
	UsedMemory  int64
	MaxMemory   int64
	Entries     int
	Hot         int
	NonResident int
}

// Cache maps 64-bit keys, typically page positions, to values.
type Cache[V any] struct {
	segments     []*segment[V]
	segmentShift uint
	segmentMask  uint32
}

// New returns an empty cache.
func New[V any](cfg Config) *Cache[V] {
	def := DefaultConfig(cfg.MaxMemory)
	if cfg.SegmentCount <= 0 {
		cfg.SegmentCount = def.SegmentCount
	}
	if cfg.StackMoveDistance <= 0 {
		cfg.StackMoveDistance = def.StackMoveDistance
	}
	if cfg.NonResidentQueueSize <= 0 {
		cfg.NonResidentQueueSize = def.NonResidentQueueSize
	}
	if cfg.NonResidentQueueSizeHigh < cfg.NonResidentQueueSize {
		cfg.NonResidentQueueSizeHigh = max(def.NonResidentQueueSizeHigh, cfg.NonResidentQueueSize)
	}

	count := 1 << bits.Len(uint(cfg.SegmentCount-1))
	c := &Cache[V]{
		segments:     make([]*segment[V], count),
		segmentMask:  uint32(count - 1),
		segmentShift: uint(32 - bits.OnesCount(uint(count-1))),
	}
	perSegment := segmentBudget(cfg.MaxMemory, count)
	for i := range c.segments {
		c.segments[i] = newSegment[V](perSegment, cfg)
	}
	return c
}

func segmentBudget(total int64, count int) int64 {
	return max(1, total/int64(count))
}

func (c *Cache[V]) segment(key uint64) *segment[V] {
	h := hash.Spread64(key)
	return c.segments[(h>>c.segmentShift)&c.segmentMask]
}

// Get returns the value for key and records the access.
// Non-resident entries are misses.
func (c *Cache[V]) Get(key uint64) (V, bool) {
	s := c.segment(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key)
}

// Peek returns the value for key without recording an access.
func (c *Cache[V]) Peek(key uint64) (V, bool) {
	s := c.segment(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peek(key)
}

// ContainsKey reports whether key is resident.
func (c *Cache[V]) ContainsKey(key uint64) bool {
	_, ok := c.Peek(key)
	return ok
}

// Put stores value with the given memory cost. A key that is already present
// is overwritten and counts as an access.
func (c *Cache[V]) Put(key uint64, value V, memory int) {
	s := c.segment(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, memory)
}

// Remove drops key and returns the resident value it had.
func (c *Cache[V]) Remove(key uint64) (V, bool) {
	s := c.segment(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(key)
}

// SetMaxMemory changes the budget. Segments shrink lazily, on the next insert.
func (c *Cache[V]) SetMaxMemory(bytes int64) {
	per := segmentBudget(bytes, len(c.segments))
	for _, s := range c.segments {
		s.mu.Lock()
		s.maxMemory = per
		s.mu.Unlock()
	}
}

// MaxMemory returns the total budget.
func (c *Cache[V]) MaxMemory() int64 {
	var total int64
	for _, s := range c.segments {
		s.mu.Lock()
		total += s.maxMemory
		s.mu.Unlock()
	}
	return total
}

// MaxItemSize returns the budget of one segment, the largest entry that fits
// without an overrun.
func (c *Cache[V]) MaxItemSize() int64 {
	s := c.segments[0]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxMemory
}

// UsedMemory returns the memory of all resident entries.
func (c *Cache[V]) UsedMemory() int64 {
	var total int64
	for _, s := range c.segments {
		s.mu.Lock()
		total += s.usedMemory
		s.mu.Unlock()
	}
	return total
}

// Size returns the number of resident entries.
func (c *Cache[V]) Size() int {
	n := 0
	for _, s := range c.segments {
		s.mu.Lock()
		n += s.residentCount()
		s.mu.Unlock()
	}
	return n
}

// SizeHot returns the number of hot entries.
func (c *Cache[V]) SizeHot() int {
	n := 0
	for _, s := range c.segments {
		s.mu.Lock()
		n += s.residentCount() - s.queueSize
		s.mu.Unlock()
	}
	return n
}

// SizeNonResident returns the number of non-resident entries.
func (c *Cache[V]) SizeNonResident() int {
	n := 0
	for _, s := range c.segments {
		s.mu.Lock()
		n += s.queue2Size
		s.mu.Unlock()
	}
	return n
}

// Keys lists hot keys, or cold keys when cold is set. nonResident selects
// non-resident instead of resident cold keys.
func (c *Cache[V]) Keys(cold, nonResident bool) []uint64 {
	var out []uint64
	for _, s := range c.segments {
		s.mu.Lock()
		out = s.appendKeys(out, cold, nonResident)
		s.mu.Unlock()
	}
	return out
}

// Clear removes all entries. Counters are kept.
func (c *Cache[V]) Clear() {
	for _, s := range c.segments {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
	}
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	var st Stats
	for _, s := range c.segments {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evictions.Load()
		st.Overruns += s.overruns.Load()

		s.mu.Lock()
		st.UsedMemory += s.usedMemory
		st.MaxMemory += s.maxMemory
		st.Entries += s.residentCount()
		st.Hot += s.residentCount() - s.queueSize
		st.NonResident += s.queue2Size
		s.mu.Unlock()
	}
	return st
}
