package cache

import (
	"sync"
	"sync/atomic"
)

const (
	stackHead  int32 = 0
	queueHead  int32 = 1
	queue2Head int32 = 2
	nilIndex   int32 = -1

	firstEntry = 3
)

// lirsEntry is one arena slot. An entry is hot iff queueNext is nilIndex.
type lirsEntry[V any] struct {
	key      uint64
	value    V
	memory   int
	resident bool
	topMove  int

	stackPrev, stackNext int32
	queuePrev, queueNext int32
}

type segment[V any] struct {
	mu sync.Mutex

	entries []lirsEntry[V]
	free    []int32
	index   map[uint64]int32

	maxMemory  int64
	usedMemory int64

	stackMoveDistance        int
	nonResidentQueueSize     int
	nonResidentQueueSizeHigh int

	stackSize        int
	queueSize        int
	queue2Size       int
	stackMoveCounter int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	overruns  atomic.Int64
}

func newSegment[V any](maxMemory int64, cfg Config) *segment[V] {
	s := &segment[V]{
		maxMemory:                maxMemory,
		stackMoveDistance:        cfg.StackMoveDistance,
		nonResidentQueueSize:     cfg.NonResidentQueueSize,
		nonResidentQueueSizeHigh: cfg.NonResidentQueueSizeHigh,
	}
	s.reset()
	return s
}

func (s *segment[V]) reset() {
	s.entries = make([]lirsEntry[V], firstEntry, 64)
	s.free = s.free[:0]
	s.index = make(map[uint64]int32)

	s.entries[stackHead] = lirsEntry[V]{
		stackPrev: stackHead, stackNext: stackHead,
		queuePrev: nilIndex, queueNext: nilIndex,
	}
	for _, q := range []int32{queueHead, queue2Head} {
		s.entries[q] = lirsEntry[V]{
			stackPrev: nilIndex, stackNext: nilIndex,
			queuePrev: q, queueNext: q,
		}
	}

	s.usedMemory = 0
	s.stackSize, s.queueSize, s.queue2Size = 0, 0, 0
	s.stackMoveCounter = 0
}

func (s *segment[V]) residentCount() int {
	return len(s.index) - s.queue2Size
}

func (s *segment[V]) isHot(i int32) bool {
	return s.entries[i].queueNext == nilIndex
}

func (s *segment[V]) onStack(i int32) bool {
	return s.entries[i].stackNext != nilIndex
}

func (s *segment[V]) alloc() int32 {
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		return i
	}
	s.entries = append(s.entries, lirsEntry[V]{})
	return int32(len(s.entries) - 1)
}

func (s *segment[V]) release(i int32) {
	s.entries[i] = lirsEntry[V]{}
	s.free = append(s.free, i)
}

func (s *segment[V]) get(key uint64) (V, bool) {
	var zero V
	i, ok := s.index[key]
	if !ok || !s.entries[i].resident {
		s.misses.Add(1)
		return zero, false
	}
	s.access(i)
	s.hits.Add(1)
	return s.entries[i].value, true
}

func (s *segment[V]) peek(key uint64) (V, bool) {
	var zero V
	i, ok := s.index[key]
	if !ok || !s.entries[i].resident {
		return zero, false
	}
	return s.entries[i].value, true
}

func (s *segment[V]) access(i int32) {
	if s.isHot(i) {
		if s.entries[stackHead].stackNext == i || !s.onStack(i) {
			return
		}
		if s.stackMoveCounter-s.entries[i].topMove > s.stackMoveDistance {
			wasBottom := s.entries[stackHead].stackPrev == i
			s.removeFromStack(i)
			if wasBottom {
				s.pruneStack()
			}
			s.addToStack(i)
		}
		return
	}
	if !s.entries[i].resident {
		return
	}
	s.removeFromQueue(i)
	if s.onStack(i) {
		// Reused within the hot working set: promote.
		s.removeFromStack(i)
		s.convertOldestHotToCold()
	} else {
		s.addToQueue(queueHead, i)
	}
	s.addToStack(i)
	s.pruneStack()
}

func (s *segment[V]) put(key uint64, value V, memory int) {
	memory = max(memory, 0)
	_, existed := s.index[key]
	if existed {
		s.remove(key)
	}

	i := s.alloc()
	s.entries[i] = lirsEntry[V]{
		key:       key,
		value:     value,
		memory:    memory,
		resident:  true,
		stackPrev: nilIndex, stackNext: nilIndex,
		queuePrev: nilIndex, queueNext: nilIndex,
	}
	s.usedMemory += int64(memory)
	if s.usedMemory > s.maxMemory {
		s.evict()
		if s.stackSize > 0 {
			s.addToQueue(queueHead, i)
		}
	}
	s.index[key] = i
	s.addToStack(i)
	if existed {
		s.access(i)
	}
}

func (s *segment[V]) remove(key uint64) (V, bool) {
	var zero V
	i, ok := s.index[key]
	if !ok {
		return zero, false
	}
	delete(s.index, key)

	e := &s.entries[i]
	old, wasResident := e.value, e.resident
	if e.resident {
		s.usedMemory -= int64(e.memory)
	}
	if s.onStack(i) {
		s.removeFromStack(i)
	}
	if s.isHot(i) {
		// The newest cold entry takes the freed hot slot.
		if j := s.entries[queueHead].queueNext; j != queueHead {
			s.removeFromQueue(j)
			if !s.onStack(j) {
				s.addToStackBottom(j)
			}
		}
		s.pruneStack()
	} else {
		s.removeFromQueue(i)
	}
	s.release(i)

	if !wasResident {
		return zero, false
	}
	return old, true
}

func (s *segment[V]) evict() {
	for s.usedMemory > s.maxMemory {
		if s.queueSize == 0 && s.stackSize == 0 {
			s.overruns.Add(1)
			return
		}
		s.evictBlock()
	}
}

func (s *segment[V]) evictBlock() {
	for s.queueSize <= s.residentCount()>>5 && s.stackSize > 0 {
		s.convertOldestHotToCold()
	}
	for s.usedMemory > s.maxMemory && s.queueSize > 0 {
		i := s.entries[queueHead].queuePrev
		s.removeFromQueue(i)

		e := &s.entries[i]
		s.usedMemory -= int64(e.memory)
		var zero V
		e.value = zero
		e.resident = false

		s.addToQueue(queue2Head, i)
		s.evictions.Add(1)
		s.trimNonResidentQueue()
	}
}

// trimNonResidentQueue keeps queue2 between the low and high multiples of
// the resident count.
func (s *segment[V]) trimNonResidentQueue() {
	resident := s.residentCount()
	if s.queue2Size <= s.nonResidentQueueSizeHigh*resident {
		return
	}
	limit := s.nonResidentQueueSize * resident
	for s.queue2Size > limit {
		oldest := s.entries[queue2Head].queuePrev
		s.remove(s.entries[oldest].key)
	}
}

func (s *segment[V]) convertOldestHotToCold() {
	s.pruneStack()
	last := s.entries[stackHead].stackPrev
	if last == stackHead {
		return
	}
	s.removeFromStack(last)
	s.addToQueue(queueHead, last)
	s.pruneStack()
}

// pruneStack drops cold entries from the bottom so the bottom is always hot.
func (s *segment[V]) pruneStack() {
	for {
		last := s.entries[stackHead].stackPrev
		if last == stackHead || s.isHot(last) {
			return
		}
		s.removeFromStack(last)
	}
}

func (s *segment[V]) addToStack(i int32) {
	head := &s.entries[stackHead]
	e := &s.entries[i]
	e.stackPrev = stackHead
	e.stackNext = head.stackNext
	s.entries[e.stackNext].stackPrev = i
	head.stackNext = i
	s.stackSize++
	e.topMove = s.stackMoveCounter
	s.stackMoveCounter++
}

func (s *segment[V]) addToStackBottom(i int32) {
	head := &s.entries[stackHead]
	e := &s.entries[i]
	e.stackNext = stackHead
	e.stackPrev = head.stackPrev
	s.entries[e.stackPrev].stackNext = i
	head.stackPrev = i
	s.stackSize++
}

func (s *segment[V]) removeFromStack(i int32) {
	e := &s.entries[i]
	s.entries[e.stackPrev].stackNext = e.stackNext
	s.entries[e.stackNext].stackPrev = e.stackPrev
	e.stackPrev, e.stackNext = nilIndex, nilIndex
	s.stackSize--
}

func (s *segment[V]) addToQueue(q, i int32) {
	e := &s.entries[i]
	e.queuePrev = q
	e.queueNext = s.entries[q].queueNext
	s.entries[e.queueNext].queuePrev = i
	s.entries[q].queueNext = i
	if e.resident {
		s.queueSize++
	} else {
		s.queue2Size++
	}
}

func (s *segment[V]) removeFromQueue(i int32) {
	e := &s.entries[i]
	s.entries[e.queuePrev].queueNext = e.queueNext
	s.entries[e.queueNext].queuePrev = e.queuePrev
	e.queuePrev, e.queueNext = nilIndex, nilIndex
	if e.resident {
		s.queueSize--
	} else {
		s.queue2Size--
	}
}

func (s *segment[V]) appendKeys(out []uint64, cold, nonResident bool) []uint64 {
	if cold {
		q := queueHead
		if nonResident {
			q = queue2Head
		}
		for i := s.entries[q].queueNext; i != q; i = s.entries[i].queueNext {
			out = append(out, s.entries[i].key)
		}
		return out
	}
	for i := s.entries[stackHead].stackNext; i != stackHead; i = s.entries[i].stackNext {
		if s.isHot(i) {
			out = append(out, s.entries[i].key)
		}
	}
	return out
}
