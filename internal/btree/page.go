package btree

import (
	"slices"
	"sync/atomic"

	"github.com/hupe1980/mvstore/internal/codec"
)

const (
	pageMemory  = 128
	childMemory = 24
)

// Page is one node or leaf of a tree. Keys, values and child counts never
// change once the page is reachable from a published root; only the
// position and the child page pointers are updated, atomically, by commits.
type Page[K, V any] struct {
	m *Map[K, V]

	pos  atomic.Uint64
	hint atomic.Int32

	keys []K

	// leaf
	values []V

	// node
	children   []*childRef[K, V]
	totalCount int64

	memory int
}

// childRef points from a node to one child. page is nil once the child was
// saved and the commit finished; the child is then loaded by position.
type childRef[K, V any] struct {
	pos   atomic.Uint64
	page  atomic.Pointer[Page[K, V]]
	count int64
}

func newChildRef[K, V any](p *Page[K, V]) *childRef[K, V] {
	ref := &childRef[K, V]{count: p.TotalCount()}
	ref.page.Store(p)
	ref.pos.Store(p.savedPos())
	return ref
}

func (r *childRef[K, V]) clone() *childRef[K, V] {
	c := &childRef[K, V]{count: r.count}
	c.page.Store(r.page.Load())
	c.pos.Store(r.pos.Load())
	return c
}

// position returns the child's saved position, or 0 if it is unsaved.
func (r *childRef[K, V]) position() uint64 {
	if p := r.page.Load(); p != nil {
		return p.savedPos()
	}
	return r.pos.Load()
}

func newLeaf[K, V any](m *Map[K, V], keys []K, values []V) *Page[K, V] {
	p := &Page[K, V]{m: m, keys: keys, values: values}
	p.recalculateMemory()
	return p
}

func newNode[K, V any](m *Map[K, V], keys []K, children []*childRef[K, V]) *Page[K, V] {
	p := &Page[K, V]{m: m, keys: keys, children: children}
	for _, c := range children {
		p.totalCount += c.count
	}
	p.recalculateMemory()
	return p
}

// Pos returns the page position, 0 while unsaved.
func (p *Page[K, V]) Pos() uint64 { return p.pos.Load() }

func (p *Page[K, V]) savedPos() uint64 {
	pos := p.pos.Load()
	if !codec.IsPageSaved(pos) {
		return codec.Unsaved
	}
	return pos
}

// IsLeaf reports whether the page holds values rather than children.
func (p *Page[K, V]) IsLeaf() bool { return p.children == nil }

// KeyCount returns the number of keys on the page.
func (p *Page[K, V]) KeyCount() int { return len(p.keys) }

// Key returns the i-th key.
func (p *Page[K, V]) Key(i int) K { return p.keys[i] }

// TotalCount returns the number of entries in the subtree.
func (p *Page[K, V]) TotalCount() int64 {
	if p.IsLeaf() {
		return int64(len(p.keys))
	}
	return p.totalCount
}

// MapID returns the id of the map the page belongs to.
func (p *Page[K, V]) MapID() int { return p.m.id }

// Memory returns the estimated in-memory size of the page.
func (p *Page[K, V]) Memory() int { return p.memory }

func (p *Page[K, V]) pageType() codec.PageType {
	if p.IsLeaf() {
		return codec.PageLeaf
	}
	return codec.PageNode
}

func (p *Page[K, V]) recalculateMemory() {
	mem := pageMemory
	for _, k := range p.keys {
		mem += p.m.keyType.Memory(k)
	}
	for _, v := range p.values {
		mem += p.m.valueType.Memory(v)
	}
	mem += len(p.children) * childMemory
	p.memory = mem
}

func (p *Page[K, V]) binarySearch(key K) int {
	x := BinarySearch(p.m.keyType, p.keys, key, int(p.hint.Load()))
	if x >= 0 {
		p.hint.Store(int32(x))
	} else {
		p.hint.Store(int32(-x - 1))
	}
	return x
}

// childIndex returns the child that holds key. A key equal to a separator
// lives in the right subtree.
func (p *Page[K, V]) childIndex(key K) int {
	x := p.binarySearch(key)
	if x < 0 {
		return -x - 1
	}
	return x + 1
}

func (p *Page[K, V]) copy() *Page[K, V] {
	c := &Page[K, V]{
		m:          p.m,
		keys:       slices.Clone(p.keys),
		totalCount: p.totalCount,
		memory:     p.memory,
	}
	if p.IsLeaf() {
		c.values = slices.Clone(p.values)
	} else {
		c.children = make([]*childRef[K, V], len(p.children))
		for i, ref := range p.children {
			c.children[i] = ref.clone()
		}
	}
	c.hint.Store(p.hint.Load())
	return c
}

func (p *Page[K, V]) setValue(i int, v V) {
	p.values[i] = v
	p.recalculateMemory()
}

func (p *Page[K, V]) insertLeaf(i int, k K, v V) {
	p.keys = slices.Insert(p.keys, i, k)
	p.values = slices.Insert(p.values, i, v)
	p.recalculateMemory()
}

func (p *Page[K, V]) removeLeaf(i int) {
	p.keys = slices.Delete(p.keys, i, i+1)
	p.values = slices.Delete(p.values, i, i+1)
	p.recalculateMemory()
}

func (p *Page[K, V]) setChild(i int, c *Page[K, V]) {
	old := p.children[i]
	p.children[i] = newChildRef(c)
	p.totalCount += c.TotalCount() - old.count
}

// insertChild inserts key at i and c as child i, shifting the rest right.
func (p *Page[K, V]) insertChild(i int, key K, c *Page[K, V]) {
	p.keys = slices.Insert(p.keys, i, key)
	p.children = slices.Insert(p.children, i, newChildRef(c))
	p.totalCount += c.TotalCount()
	p.recalculateMemory()
}

// removeChild drops child i and the separator next to it.
func (p *Page[K, V]) removeChild(i int) {
	k := i
	if k == len(p.keys) {
		k--
	}
	p.keys = slices.Delete(p.keys, k, k+1)
	p.totalCount -= p.children[i].count
	p.children = slices.Delete(p.children, i, i+1)
	p.recalculateMemory()
}

// split divides the page at index at. For nodes the key at that index moves
// up and is returned as the separator; for leaves the separator is the first
// key of the right page.
func (p *Page[K, V]) split(at int) (left, right *Page[K, V], sep K) {
	m := p.m
	if p.IsLeaf() {
		left = newLeaf(m, slices.Clone(p.keys[:at]), slices.Clone(p.values[:at]))
		right = newLeaf(m, slices.Clone(p.keys[at:]), slices.Clone(p.values[at:]))
		return left, right, right.keys[0]
	}
	sep = p.keys[at]
	left = newNode(m, slices.Clone(p.keys[:at]), slices.Clone(p.children[:at+1]))
	right = newNode(m, slices.Clone(p.keys[at+1:]), slices.Clone(p.children[at+1:]))
	return left, right, sep
}

func (p *Page[K, V]) needsSplit(cfg Config) bool {
	n := len(p.keys)
	if n > cfg.KeysPerPage {
		return true
	}
	minKeys := 1
	if !p.IsLeaf() {
		minKeys = 2
	}
	return p.memory > cfg.PageSplitSize && n > minKeys
}
