package btree

import (
	"iter"
)

type cursorFrame[K, V any] struct {
	page  *Page[K, V]
	index int
}

// Cursor iterates one snapshot in key order.
//
//	c := m.Cursor(nil)
//	for c.Next() {
//		use(c.Key(), c.Value())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor[K, V any] struct {
	m       *Map[K, V]
	stack   []cursorFrame[K, V]
	reverse bool

	key   K
	value V
	err   error
}

func newCursor[K, V any](root *Page[K, V], from *K, reverse bool) *Cursor[K, V] {
	c := &Cursor[K, V]{m: root.m, reverse: reverse}
	c.err = c.seek(root, from)
	return c
}

func (c *Cursor[K, V]) seek(p *Page[K, V], from *K) error {
	if from == nil {
		return c.descend(p)
	}
	for !p.IsLeaf() {
		i := p.childIndex(*from)
		c.stack = append(c.stack, cursorFrame[K, V]{page: p, index: i})
		child, err := c.m.child(p, i)
		if err != nil {
			return err
		}
		p = child
	}
	i := p.binarySearch(*from)
	if i < 0 {
		i = -i - 1
		if c.reverse {
			i--
		}
	}
	c.stack = append(c.stack, cursorFrame[K, V]{page: p, index: i})
	return nil
}

// descend pushes the path to the first leaf entry of p, or the last one when
// iterating in reverse.
func (c *Cursor[K, V]) descend(p *Page[K, V]) error {
	for {
		if p.IsLeaf() {
			i := 0
			if c.reverse {
				i = len(p.keys) - 1
			}
			c.stack = append(c.stack, cursorFrame[K, V]{page: p, index: i})
			return nil
		}
		i := 0
		if c.reverse {
			i = len(p.children) - 1
		}
		c.stack = append(c.stack, cursorFrame[K, V]{page: p, index: i})
		child, err := c.m.child(p, i)
		if err != nil {
			return err
		}
		p = child
	}
}

// Next advances to the next entry and reports whether there is one.
func (c *Cursor[K, V]) Next() bool {
	if c.err != nil {
		return false
	}
	step := 1
	if c.reverse {
		step = -1
	}
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		p := top.page
		if p.IsLeaf() {
			if top.index >= 0 && top.index < len(p.keys) {
				c.key, c.value = p.keys[top.index], p.values[top.index]
				top.index += step
				return true
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		top.index += step
		if top.index < 0 || top.index >= len(p.children) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		child, err := c.m.child(p, top.index)
		if err != nil {
			c.err = err
			return false
		}
		if err := c.descend(child); err != nil {
			c.err = err
			return false
		}
	}
	return false
}

// Key returns the current key.
func (c *Cursor[K, V]) Key() K { return c.key }

// Value returns the current value.
func (c *Cursor[K, V]) Value() V { return c.value }

// Err returns the error that stopped the iteration, if any.
func (c *Cursor[K, V]) Err() error { return c.err }

// All iterates the snapshot in ascending order. It stops early if a page
// cannot be loaded; use a Cursor to observe the error.
func (r *RootReference[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		c := r.Cursor(nil)
		for c.Next() {
			if !yield(c.Key(), c.Value()) {
				return
			}
		}
	}
}

// All iterates the current root in ascending order.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return m.Snapshot().All()
}
