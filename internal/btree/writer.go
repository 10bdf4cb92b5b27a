package btree

import (
	"github.com/hupe1980/mvstore/internal/codec"
)

// WrittenPage is a page serialized by a PageWriter.
type WrittenPage struct {
	Pos    uint64
	Page   any
	Memory int
}

// PageWriter serializes the unsaved pages of one or more trees into a chunk
// buffer. The buffer must already hold the chunk header, so that buffer
// offsets are chunk offsets.
type PageWriter struct {
	buf         *codec.WriteBuffer
	chunkID     uint32
	compression codec.Compression

	pages     int
	maxLength int64
	removed   []uint64
	written   []WrittenPage
	finish    []func()
}

// NewPageWriter returns a writer appending to buf for chunk chunkID.
func NewPageWriter(buf *codec.WriteBuffer, chunkID uint32, compression codec.Compression) *PageWriter {
	return &PageWriter{buf: buf, chunkID: chunkID, compression: compression}
}

// Pages returns the number of pages written.
func (w *PageWriter) Pages() int { return w.pages }

// MaxLength returns the sum of the maximum lengths of the written pages.
func (w *PageWriter) MaxLength() int64 { return w.maxLength }

// Removed returns the positions of written pages that were already replaced
// in memory. They are dead from the start and must be accounted as removed
// in the new chunk.
func (w *PageWriter) Removed() []uint64 { return w.removed }

// Written returns every page written, in write order.
func (w *PageWriter) Written() []WrittenPage { return w.written }

// Finish drops in-memory child pointers of the written nodes whose children
// are saved. Call it once the chunk is durable and registered, so children
// can be loaded back by position.
func (w *PageWriter) Finish() {
	for _, f := range w.finish {
		f()
	}
	w.finish = nil
}

// Write saves the unsaved part of the tree under ref post-order and returns
// the root position.
func (m *Map[K, V]) Write(w *PageWriter, ref *RootReference[K, V]) (uint64, error) {
	root := ref.Root
	if err := m.writePage(w, root); err != nil {
		return 0, err
	}
	return root.pos.Load(), nil
}

// WriteUnsaved writes the current root. See Write.
func (m *Map[K, V]) WriteUnsaved(w *PageWriter) (uint64, error) {
	return m.Write(w, m.Snapshot())
}

// HasUnsavedChanges reports whether the current root was not written yet.
func (m *Map[K, V]) HasUnsavedChanges() bool {
	return !codec.IsPageSaved(m.Snapshot().Root.Pos())
}

func (m *Map[K, V]) writePage(w *PageWriter, p *Page[K, V]) error {
	if codec.IsPageSaved(p.pos.Load()) {
		return nil
	}
	for _, ref := range p.children {
		c := ref.page.Load()
		if c == nil {
			continue
		}
		if err := m.writePage(w, c); err != nil {
			return err
		}
		ref.pos.Store(c.pos.Load())
	}

	pos, err := p.encode(w)
	if err != nil {
		return err
	}
	if old := p.pos.Swap(pos); old == codec.RemovedUnsaved {
		w.removed = append(w.removed, pos)
	}
	w.pages++
	w.maxLength += int64(codec.PageMaxLength(pos))
	w.written = append(w.written, WrittenPage{Pos: pos, Page: p, Memory: p.memory})
	if !p.IsLeaf() {
		w.finish = append(w.finish, p.dropSavedChildren)
	}
	return nil
}

func (p *Page[K, V]) dropSavedChildren() {
	for _, ref := range p.children {
		if codec.IsPageSaved(ref.pos.Load()) {
			ref.page.Store(nil)
		}
	}
}
