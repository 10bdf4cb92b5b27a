// Package cache provides the segmented LIRS cache holding decoded pages.
//
// LIRS (Low Inter-reference Recency Set) separates entries into hot entries,
// which are always resident, and cold entries, which are either resident
// (in the queue) or non-resident (in queue2, identity only). A cold entry
// that is accessed again while still on the recency stack becomes hot, so a
// sequential scan larger than the cache cannot flush a reused working set
// the way it flushes an LRU cache.
//
// # Segments
//
// Keys are spread over a power-of-two number of segments by the high bits of
// [hash.Spread64]. Each segment has its own mutex, its own share of the byte
// budget and its own entry arena. Stack and queues are doubly linked lists of
// int32 arena indices; indices 0, 1 and 2 are the stack, queue and queue2
// heads.
//
// # Budget
//
// The budget is soft: an entry larger than the remaining budget is still
// inserted after everything else was evicted, and the overrun is counted in
// [Stats]. A miss is never an error.
package cache
