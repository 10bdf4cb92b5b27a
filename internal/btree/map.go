package btree

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Storage is what a map needs from the store that owns it.
type Storage interface {
	// LoadPage returns the decoded page at pos. On a cache miss the store
	// reads the page bytes and calls decode, which returns the page and its
	// memory estimate.
	LoadPage(pos uint64, decode func(data []byte) (page any, memory int, err error)) (any, error)

	// RemovePage accounts a saved page that the newest root no longer reaches.
	RemovePage(pos uint64)

	// RegisterUnsavedMemory records memory of newly created pages.
	RegisterUnsavedMemory(bytes int)

	// BeforeWrite is called before every mutation of map mapID.
	BeforeWrite(mapID int) error

	// CurrentVersion returns the store version that is being built.
	CurrentVersion() int64

	// VersionLock is held while a root is tagged with CurrentVersion and
	// published. The version does not advance while it is held.
	VersionLock() sync.Locker
}

// Config holds tree tuning.
type Config struct {
	// KeysPerPage splits pages with more keys. Default 48.
	KeysPerPage int

	// PageSplitSize splits pages with a larger memory estimate. Default 16 KiB.
	PageSplitSize int

	// MaxUpdateAttempts bounds the root update loop. Default 512.
	MaxUpdateAttempts int
}

// DefaultConfig returns the default tree tuning.
func DefaultConfig() Config {
	return Config{
		KeysPerPage:       48,
		PageSplitSize:     16 * 1024,
		MaxUpdateAttempts: 512,
	}
}

// lockAttempts is the number of lost races after which a writer locks the root.
const lockAttempts = 3

var ownerSeq atomic.Int64

// Map is an ordered map stored as a copy-on-write B-tree.
type Map[K, V any] struct {
	id        int
	name      string
	keyType   DataType[K]
	valueType DataType[V]
	storage   Storage
	cfg       Config

	root   atomic.Pointer[RootReference[K, V]]
	closed atomic.Bool
}

// New returns an empty map. storage may be nil for a map that is never
// persisted.
func New[K, V any](id int, name string, keyType DataType[K], valueType DataType[V], storage Storage, cfg Config) *Map[K, V] {
	def := DefaultConfig()
	if cfg.KeysPerPage < 2 {
		cfg.KeysPerPage = def.KeysPerPage
	}
	if cfg.PageSplitSize <= 0 {
		cfg.PageSplitSize = def.PageSplitSize
	}
	if cfg.MaxUpdateAttempts <= lockAttempts {
		cfg.MaxUpdateAttempts = def.MaxUpdateAttempts
	}

	m := &Map[K, V]{
		id:        id,
		name:      name,
		keyType:   keyType,
		valueType: valueType,
		storage:   storage,
		cfg:       cfg,
	}
	m.root.Store(newRootReference(newLeaf[K, V](m, nil, nil), m.currentVersion()))
	return m
}

// ID returns the map id.
func (m *Map[K, V]) ID() int { return m.id }

// Name returns the map name.
func (m *Map[K, V]) Name() string { return m.name }

// KeyType returns the key data type.
func (m *Map[K, V]) KeyType() DataType[K] { return m.keyType }

// ValueType returns the value data type.
func (m *Map[K, V]) ValueType() DataType[V] { return m.valueType }

// Close makes every later operation fail with storeerr.ErrClosed.
func (m *Map[K, V]) Close() { m.closed.Store(true) }

// IsClosed reports whether the map was closed.
func (m *Map[K, V]) IsClosed() bool { return m.closed.Load() }

// Root returns the current root reference, which may be locked by a writer.
func (m *Map[K, V]) Root() *RootReference[K, V] { return m.root.Load() }

// Snapshot returns the current root as an immutable snapshot.
func (m *Map[K, V]) Snapshot() *RootReference[K, V] { return m.root.Load().unlocked() }

// OpenVersion returns the snapshot that was current at the given store version.
func (m *Map[K, V]) OpenVersion(storeVersion int64) (*RootReference[K, V], error) {
	ref := m.root.Load().at(storeVersion)
	if ref == nil {
		return nil, storeerr.E("open version", storeerr.ErrUnknownVersion)
	}
	return ref, nil
}

// SetRoot replaces the root with the saved page at pos, or an empty leaf if
// pos is 0, and starts a new version chain. It is used when a store opens.
func (m *Map[K, V]) SetRoot(pos uint64, storeVersion int64) error {
	root := newLeaf[K, V](m, nil, nil)
	if codec.IsPageSaved(pos) {
		p, err := m.readPage(pos)
		if err != nil {
			return err
		}
		root = p
	}
	m.root.Store(newRootReference(root, storeVersion))
	return nil
}

// RollbackTo publishes the root that was current at storeVersion. Unsaved
// pages created after it are dropped.
func (m *Map[K, V]) RollbackTo(storeVersion int64) error {
	ref := m.root.Load().at(storeVersion)
	target := newLeaf[K, V](m, nil, nil)
	if ref != nil {
		target = ref.Root
	}
	return m.update(func(root *Page[K, V]) (*change[K, V], error) {
		if root == target {
			return nil, nil
		}
		return &change[K, V]{root: target}, nil
	})
}

// TrimVersions drops snapshots that were superseded before store version oldest.
func (m *Map[K, V]) TrimVersions(oldest int64) {
	m.root.Load().unlocked().trim(oldest)
}

func (m *Map[K, V]) versionLock() sync.Locker {
	if m.storage == nil {
		return noLock{}
	}
	return m.storage.VersionLock()
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

func (m *Map[K, V]) currentVersion() int64 {
	if m.storage == nil {
		return 0
	}
	return m.storage.CurrentVersion()
}

func (m *Map[K, V]) current() (*Page[K, V], error) {
	if m.closed.Load() {
		return nil, storeerr.E("read map", storeerr.ErrClosed)
	}
	return m.root.Load().Root, nil
}

func (m *Map[K, V]) child(p *Page[K, V], i int) (*Page[K, V], error) {
	ref := p.children[i]
	if c := ref.page.Load(); c != nil {
		return c, nil
	}
	return m.readPage(ref.pos.Load())
}

func (m *Map[K, V]) readPage(pos uint64) (*Page[K, V], error) {
	if !codec.IsPageSaved(pos) || m.storage == nil {
		return nil, storeerr.At("read page", int64(pos), storeerr.Corrupt("page is not saved"))
	}
	v, err := m.storage.LoadPage(pos, func(data []byte) (any, int, error) {
		p, err := m.decodePage(pos, data)
		if err != nil {
			return nil, 0, err
		}
		return p, p.memory, nil
	})
	if err != nil {
		return nil, err
	}
	p, ok := v.(*Page[K, V])
	if !ok || p.m != m {
		return nil, storeerr.At("read page", int64(pos), storeerr.Corrupt("page belongs to another map"))
	}
	return p, nil
}

func (m *Map[K, V]) get(root *Page[K, V], key K) (V, bool, error) {
	var zero V
	p := root
	for !p.IsLeaf() {
		c, err := m.child(p, p.childIndex(key))
		if err != nil {
			return zero, false, err
		}
		p = c
	}
	x := p.binarySearch(key)
	if x < 0 {
		return zero, false, nil
	}
	return p.values[x], true, nil
}

// Get returns the value stored for key.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	root, err := m.current()
	if err != nil {
		var zero V
		return zero, false, err
	}
	return m.get(root, key)
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

// Size returns the number of entries.
func (m *Map[K, V]) Size() int64 { return m.root.Load().Root.TotalCount() }

// IsEmpty reports whether the map has no entries.
func (m *Map[K, V]) IsEmpty() bool { return m.Size() == 0 }

type decision int

const (
	decisionAbort decision = iota
	decisionRemove
	decisionPut
)

// change is the result of one tree rebuild.
type change[K, V any] struct {
	root     *Page[K, V]
	replaced []*Page[K, V]
	memory   int
}

func (ch *change[K, V]) created(p *Page[K, V]) {
	ch.memory += p.memory
}

type pathEntry[K, V any] struct {
	page  *Page[K, V]
	index int
}

func (m *Map[K, V]) beforeWrite() error {
	if m.closed.Load() {
		return storeerr.E("write map", storeerr.ErrClosed)
	}
	if m.storage == nil {
		return nil
	}
	return m.storage.BeforeWrite(m.id)
}

// update runs build against the current root and publishes its result.
// build returns nil to leave the map unchanged. Replaced pages are removed
// and new pages registered only after a successful publication.
func (m *Map[K, V]) update(build func(root *Page[K, V]) (*change[K, V], error)) error {
	var owner int64
	for attempt := 1; ; attempt++ {
		if attempt > m.cfg.MaxUpdateAttempts {
			return storeerr.E("update map", storeerr.ErrConcurrentModification)
		}
		ref := m.root.Load()
		if ref.IsLocked() {
			backoff(attempt)
			continue
		}

		held := ref
		if attempt > lockAttempts {
			if owner == 0 {
				owner = ownerSeq.Add(1)
			}
			l := ref.locked(owner, int64(attempt-1))
			if !m.root.CompareAndSwap(ref, l) {
				continue
			}
			held = l
		}

		ch, err := build(ref.Root)
		if err != nil || ch == nil {
			if held != ref {
				m.root.Store(ref)
			}
			return err
		}

		lock := m.versionLock()
		lock.Lock()
		next := ref.next(ch.root, m.currentVersion(), int64(attempt))
		swapped := m.root.CompareAndSwap(held, next)
		lock.Unlock()
		if !swapped {
			continue
		}
		for _, p := range ch.replaced {
			m.removePage(p)
		}
		if m.storage != nil && ch.memory > 0 {
			m.storage.RegisterUnsavedMemory(ch.memory)
		}
		return nil
	}
}

func backoff(attempt int) {
	if attempt < 8 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Duration(min(attempt, 100)) * 10 * time.Microsecond)
}

// removePage marks p as no longer reachable from the newest root. An unsaved
// page is flagged so that a commit still writing it accounts the removal in
// the new chunk.
func (m *Map[K, V]) removePage(p *Page[K, V]) {
	for {
		pos := p.pos.Load()
		switch pos {
		case codec.RemovedUnsaved:
			return
		case codec.Unsaved:
			if p.pos.CompareAndSwap(codec.Unsaved, codec.RemovedUnsaved) {
				return
			}
		default:
			if m.storage != nil {
				m.storage.RemovePage(pos)
			}
			return
		}
	}
}

// removeAll removes every page of the subtree rooted at p. Saved leaves are
// removed by position without loading them.
func (m *Map[K, V]) removeAll(p *Page[K, V]) error {
	for _, ref := range p.children {
		if c := ref.page.Load(); c != nil {
			if err := m.removeAll(c); err != nil {
				return err
			}
			continue
		}
		pos := ref.pos.Load()
		if codec.PageTypeOf(pos) == codec.PageLeaf {
			if m.storage != nil {
				m.storage.RemovePage(pos)
			}
			continue
		}
		c, err := m.readPage(pos)
		if err != nil {
			return err
		}
		if err := m.removeAll(c); err != nil {
			return err
		}
	}
	m.removePage(p)
	return nil
}

func (m *Map[K, V]) descend(root *Page[K, V], key K) ([]pathEntry[K, V], *Page[K, V], error) {
	var path []pathEntry[K, V]
	p := root
	for !p.IsLeaf() {
		i := p.childIndex(key)
		path = append(path, pathEntry[K, V]{page: p, index: i})
		c, err := m.child(p, i)
		if err != nil {
			return nil, nil, err
		}
		p = c
	}
	return path, p, nil
}

func pathPages[K, V any](path []pathEntry[K, V], leaf *Page[K, V]) []*Page[K, V] {
	pages := make([]*Page[K, V], 0, len(path)+1)
	for _, e := range path {
		pages = append(pages, e.page)
	}
	return append(pages, leaf)
}

// replacePath copies the ancestors in path so that p takes the place of the
// page at the bottom of path, and sets the resulting root.
func (m *Map[K, V]) replacePath(ch *change[K, V], path []pathEntry[K, V], p *Page[K, V]) *change[K, V] {
	for level := len(path) - 1; level >= 0; level-- {
		parent := path[level].page.copy()
		parent.setChild(path[level].index, p)
		ch.created(parent)
		p = parent
	}
	ch.root = p
	return ch
}

func (m *Map[K, V]) operate(key K, decide func(old V, found bool) (decision, V)) (V, bool, error) {
	var (
		old   V
		found bool
	)
	if err := m.beforeWrite(); err != nil {
		return old, false, err
	}
	err := m.update(func(root *Page[K, V]) (*change[K, V], error) {
		var zero V
		old, found = zero, false

		path, leaf, err := m.descend(root, key)
		if err != nil {
			return nil, err
		}
		idx := leaf.binarySearch(key)
		if idx >= 0 {
			old, found = leaf.values[idx], true
		}

		d, value := decide(old, found)
		switch {
		case d == decisionPut:
			return m.putAt(path, leaf, idx, key, value), nil
		case d == decisionRemove && found:
			return m.removeAt(path, leaf, idx)
		default:
			return nil, nil
		}
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return old, found, nil
}

func (m *Map[K, V]) putAt(path []pathEntry[K, V], leaf *Page[K, V], idx int, key K, value V) *change[K, V] {
	ch := &change[K, V]{replaced: pathPages(path, leaf)}

	p := leaf.copy()
	if idx >= 0 {
		p.setValue(idx, value)
	} else {
		p.insertLeaf(-idx-1, key, value)
	}

	level := len(path)
	for p.needsSplit(m.cfg) {
		left, right, sep := p.split(len(p.keys) >> 1)
		ch.created(left)
		ch.created(right)
		if level == 0 {
			p = newNode(m, []K{sep}, []*childRef[K, V]{newChildRef(left), newChildRef(right)})
			break
		}
		level--
		parent := path[level].page.copy()
		i := path[level].index
		parent.setChild(i, right)
		parent.insertChild(i, sep, left)
		p = parent
	}
	ch.created(p)
	return m.replacePath(ch, path[:level], p)
}

func (m *Map[K, V]) removeAt(path []pathEntry[K, V], leaf *Page[K, V], idx int) (*change[K, V], error) {
	ch := &change[K, V]{replaced: pathPages(path, leaf)}

	if len(leaf.keys) > 1 || len(path) == 0 {
		p := leaf.copy()
		p.removeLeaf(idx)
		ch.created(p)
		return m.replacePath(ch, path, p), nil
	}

	// The leaf becomes empty: take it out of its parent.
	level := len(path) - 1
	for level > 0 && len(path[level].page.keys) == 0 {
		level--
	}
	parent, i := path[level].page, path[level].index

	var p *Page[K, V]
	switch len(parent.keys) {
	case 0:
		p = newLeaf[K, V](m, nil, nil)
		ch.created(p)
	case 1:
		sibling, err := m.child(parent, 1-i)
		if err != nil {
			return nil, err
		}
		p = sibling
	default:
		p = parent.copy()
		p.removeChild(i)
		ch.created(p)
	}
	return m.replacePath(ch, path[:level], p), nil
}

// Put stores value for key and returns the previous value.
func (m *Map[K, V]) Put(key K, value V) (V, bool, error) {
	return m.operate(key, func(V, bool) (decision, V) { return decisionPut, value })
}

// PutIfAbsent stores value only if key is absent. It returns the existing
// value if there is one.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (V, bool, error) {
	return m.operate(key, func(_ V, found bool) (decision, V) {
		if found {
			return decisionAbort, value
		}
		return decisionPut, value
	})
}

// Replace stores value only if key is present and returns the replaced value.
func (m *Map[K, V]) Replace(key K, value V) (V, bool, error) {
	return m.operate(key, func(_ V, found bool) (decision, V) {
		if !found {
			return decisionAbort, value
		}
		return decisionPut, value
	})
}

// Remove deletes key and returns its value.
func (m *Map[K, V]) Remove(key K) (V, bool, error) {
	return m.operate(key, func(old V, _ bool) (decision, V) { return decisionRemove, old })
}

// Clear removes all entries.
func (m *Map[K, V]) Clear() error {
	if err := m.beforeWrite(); err != nil {
		return err
	}
	var old *Page[K, V]
	err := m.update(func(root *Page[K, V]) (*change[K, V], error) {
		old = nil
		if root.IsLeaf() && len(root.keys) == 0 {
			return nil, nil
		}
		old = root
		p := newLeaf[K, V](m, nil, nil)
		ch := &change[K, V]{root: p}
		ch.created(p)
		return ch, nil
	})
	if err != nil || old == nil {
		return err
	}
	return m.removeAll(old)
}

// RemoveAllPages removes every page of the current tree. The store calls it
// when the map is dropped.
func (m *Map[K, V]) RemoveAllPages() error {
	return m.removeAll(m.root.Load().Root)
}

// FirstKey returns the smallest key.
func (m *Map[K, V]) FirstKey() (K, bool, error) { return m.edgeKey(false) }

// LastKey returns the largest key.
func (m *Map[K, V]) LastKey() (K, bool, error) { return m.edgeKey(true) }

func (m *Map[K, V]) edgeKey(last bool) (K, bool, error) {
	var zero K
	p, err := m.current()
	if err != nil {
		return zero, false, err
	}
	for !p.IsLeaf() {
		i := 0
		if last {
			i = len(p.children) - 1
		}
		if p, err = m.child(p, i); err != nil {
			return zero, false, err
		}
	}
	if len(p.keys) == 0 {
		return zero, false, nil
	}
	if last {
		return p.keys[len(p.keys)-1], true, nil
	}
	return p.keys[0], true, nil
}

// CeilingKey returns the smallest key greater than or equal to key.
func (m *Map[K, V]) CeilingKey(key K) (K, bool, error) { return m.nearestKey(key, false, false) }

// HigherKey returns the smallest key strictly greater than key.
func (m *Map[K, V]) HigherKey(key K) (K, bool, error) { return m.nearestKey(key, false, true) }

// FloorKey returns the largest key less than or equal to key.
func (m *Map[K, V]) FloorKey(key K) (K, bool, error) { return m.nearestKey(key, true, false) }

// LowerKey returns the largest key strictly less than key.
func (m *Map[K, V]) LowerKey(key K) (K, bool, error) { return m.nearestKey(key, true, true) }

func (m *Map[K, V]) nearestKey(key K, below, excluding bool) (K, bool, error) {
	root, err := m.current()
	if err != nil {
		var zero K
		return zero, false, err
	}
	return m.minMax(root, key, below, excluding)
}

func (m *Map[K, V]) minMax(p *Page[K, V], key K, below, excluding bool) (K, bool, error) {
	var zero K
	x := p.binarySearch(key)
	if p.IsLeaf() {
		switch {
		case x < 0 && below:
			x = -x - 2
		case x < 0:
			x = -x - 1
		case excluding && below:
			x--
		case excluding:
			x++
		}
		if x < 0 || x >= len(p.keys) {
			return zero, false, nil
		}
		return p.keys[x], true, nil
	}

	if x < 0 {
		x = -x - 1
	} else {
		x++
	}
	for x >= 0 && x < len(p.children) {
		c, err := m.child(p, x)
		if err != nil {
			return zero, false, err
		}
		k, ok, err := m.minMax(c, key, below, excluding)
		if err != nil || ok {
			return k, ok, err
		}
		if below {
			x--
		} else {
			x++
		}
	}
	return zero, false, nil
}

// KeyAt returns the key at the given rank.
func (m *Map[K, V]) KeyAt(index int64) (K, bool, error) {
	var zero K
	p, err := m.current()
	if err != nil {
		return zero, false, err
	}
	if index < 0 || index >= p.TotalCount() {
		return zero, false, nil
	}
	for !p.IsLeaf() {
		i := 0
		for ; i < len(p.children)-1; i++ {
			c := p.children[i].count
			if index < c {
				break
			}
			index -= c
		}
		if p, err = m.child(p, i); err != nil {
			return zero, false, err
		}
	}
	if index >= int64(len(p.keys)) {
		return zero, false, nil
	}
	return p.keys[index], true, nil
}

// IndexOf returns the rank of key, or -(insertion point)-1 if it is absent.
func (m *Map[K, V]) IndexOf(key K) (int64, error) {
	p, err := m.current()
	if err != nil {
		return 0, err
	}
	var offset int64
	for !p.IsLeaf() {
		x := p.childIndex(key)
		for i := 0; i < x; i++ {
			offset += p.children[i].count
		}
		if p, err = m.child(p, x); err != nil {
			return 0, err
		}
	}
	x := p.binarySearch(key)
	if x < 0 {
		return -(offset + int64(-x-1)) - 1, nil
	}
	return offset + int64(x), nil
}

// Cursor iterates the current root in ascending order starting at the first
// key not below from, or at the first key if from is nil.
func (m *Map[K, V]) Cursor(from *K) *Cursor[K, V] {
	return m.Snapshot().Cursor(from)
}

// ReverseCursor iterates the current root in descending order.
func (m *Map[K, V]) ReverseCursor(from *K) *Cursor[K, V] {
	return m.Snapshot().ReverseCursor(from)
}

// Rewrite copies every saved page whose position matches pred, so that the
// next commit writes it again. It returns the number of copied pages.
func (m *Map[K, V]) Rewrite(pred func(pos uint64) bool) (int, error) {
	if err := m.beforeWrite(); err != nil {
		return 0, err
	}
	var n int
	err := m.update(func(root *Page[K, V]) (*change[K, V], error) {
		n = 0
		ch := &change[K, V]{}
		p, err := m.rewritePage(root, pred, ch)
		if err != nil || p == nil {
			return nil, err
		}
		n = len(ch.replaced)
		ch.root = p
		return ch, nil
	})
	return n, err
}

func (m *Map[K, V]) rewritePage(p *Page[K, V], pred func(uint64) bool, ch *change[K, V]) (*Page[K, V], error) {
	var c *Page[K, V]
	for i, ref := range p.children {
		child := ref.page.Load()
		if child == nil {
			pos := ref.pos.Load()
			if codec.PageTypeOf(pos) == codec.PageLeaf && !pred(pos) {
				continue
			}
			var err error
			if child, err = m.readPage(pos); err != nil {
				return nil, err
			}
		}
		nc, err := m.rewritePage(child, pred, ch)
		if err != nil {
			return nil, err
		}
		if nc == nil {
			continue
		}
		if c == nil {
			c = p.copy()
		}
		c.setChild(i, nc)
	}
	if c == nil {
		pos := p.pos.Load()
		if !codec.IsPageSaved(pos) || !pred(pos) {
			return nil, nil
		}
		c = p.copy()
	}
	ch.replaced = append(ch.replaced, p)
	ch.created(c)
	return c, nil
}
