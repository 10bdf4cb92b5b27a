package btree

import (
	"sync/atomic"
)

// RootReference is one published root of a map. It is immutable except for
// the link to its predecessor, which the store cuts once no reader needs the
// older roots.
type RootReference[K, V any] struct {
	// Root is the tree root.
	Root *Page[K, V]

	// Version counts the root publications of the map, starting at 0.
	Version int64

	// HoldCount is non-zero while a writer holds the root lock.
	HoldCount int
	// Owner identifies the writer holding the lock.
	Owner int64

	// UpdateCounter counts successful updates; UpdateAttemptCounter counts
	// attempts including lost races. Their ratio measures contention.
	UpdateCounter        int64
	UpdateAttemptCounter int64

	// AppendCounter is the number of appended entries not merged into Root
	// yet. Maps publish every write into Root, so successors carry it over
	// unchanged.
	AppendCounter int64

	storeVersion int64
	previous     atomic.Pointer[RootReference[K, V]]
	// base is the unlocked root a locked reference was made from.
	base *RootReference[K, V]
}

func newRootReference[K, V any](root *Page[K, V], storeVersion int64) *RootReference[K, V] {
	return &RootReference[K, V]{Root: root, storeVersion: storeVersion}
}

// Previous returns the root this one replaced, or nil once trimmed.
func (r *RootReference[K, V]) Previous() *RootReference[K, V] {
	return r.previous.Load()
}

// StoreVersion returns the store version during which the root was published.
func (r *RootReference[K, V]) StoreVersion() int64 { return r.storeVersion }

// IsLocked reports whether a writer holds the root lock.
func (r *RootReference[K, V]) IsLocked() bool { return r.HoldCount > 0 }

// unlocked returns the reference a locked copy was derived from.
func (r *RootReference[K, V]) unlocked() *RootReference[K, V] {
	if r.base != nil {
		return r.base
	}
	return r
}

// next builds the successor that publishes root.
func (r *RootReference[K, V]) next(root *Page[K, V], storeVersion, attempts int64) *RootReference[K, V] {
	prev := r.unlocked()
	n := &RootReference[K, V]{
		Root:                 root,
		Version:              prev.Version + 1,
		UpdateCounter:        prev.UpdateCounter + 1,
		UpdateAttemptCounter: prev.UpdateAttemptCounter + attempts,
		AppendCounter:        prev.AppendCounter,
		storeVersion:         storeVersion,
	}
	n.previous.Store(prev)
	return n
}

// locked returns a copy of r held by owner.
func (r *RootReference[K, V]) locked(owner int64, attempts int64) *RootReference[K, V] {
	base := r.unlocked()
	l := &RootReference[K, V]{
		Root:                 base.Root,
		Version:              base.Version,
		HoldCount:            1,
		Owner:                owner,
		UpdateCounter:        base.UpdateCounter,
		UpdateAttemptCounter: base.UpdateAttemptCounter + attempts,
		AppendCounter:        base.AppendCounter,
		storeVersion:         base.storeVersion,
		base:                 base,
	}
	l.previous.Store(base.Previous())
	return l
}

// at returns the newest reference in the chain published no later than
// storeVersion.
func (r *RootReference[K, V]) at(storeVersion int64) *RootReference[K, V] {
	for ref := r.unlocked(); ref != nil; ref = ref.Previous() {
		if ref.storeVersion <= storeVersion {
			return ref
		}
	}
	return nil
}

// trim cuts the chain below the newest reference published no later than
// oldest, so versions older than oldest are no longer reachable.
func (r *RootReference[K, V]) trim(oldest int64) {
	if ref := r.at(oldest); ref != nil {
		ref.previous.Store(nil)
	}
}

// Get returns the value stored for key in this snapshot.
func (r *RootReference[K, V]) Get(key K) (V, bool, error) {
	return r.Root.m.get(r.Root, key)
}

// ContainsKey reports whether key is present in this snapshot.
func (r *RootReference[K, V]) ContainsKey(key K) (bool, error) {
	_, ok, err := r.Get(key)
	return ok, err
}

// Size returns the number of entries in this snapshot.
func (r *RootReference[K, V]) Size() int64 { return r.Root.TotalCount() }

// Cursor iterates this snapshot in ascending order from the first key not
// below from, or from the start if from is nil.
func (r *RootReference[K, V]) Cursor(from *K) *Cursor[K, V] {
	return newCursor(r.Root, from, false)
}

// ReverseCursor iterates this snapshot in descending order from the last key
// not above from, or from the end if from is nil.
func (r *RootReference[K, V]) ReverseCursor(from *K) *Cursor[K, V] {
	return newCursor(r.Root, from, true)
}
