package chunk

import (
	"slices"
	"sync"

	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// Registry maps chunk ids to chunk metadata.
//
// Lookups take a read lock; the store registers and retires chunks while
// holding its commit lock.
type Registry struct {
	mu      sync.RWMutex
	chunks  map[int]*Chunk
	retired map[int]*Chunk
	maxID   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		chunks:  make(map[int]*Chunk),
		retired: make(map[int]*Chunk),
	}
}

// Register inserts or replaces the metadata of c.ID. A chunk newer than all
// registered ones must also carry a higher version.
func (r *Registry) Register(c *Chunk) error {
	if c.ID <= 0 || c.ID > codec.MaxChunkID {
		return storeerr.InChunk("register", c.ID, storeerr.Corrupt("chunk id out of range"))
	}
	if c.LayoutRoot != 0 && int(codec.PageChunkID(c.LayoutRoot)) != c.ID {
		return storeerr.InChunk("register", c.ID, storeerr.Corrupt("layout root in chunk %d", codec.PageChunkID(c.LayoutRoot)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID > r.maxID {
		if newest, ok := r.chunks[r.maxID]; ok && c.Version <= newest.Version {
			return storeerr.InChunk("register", c.ID, storeerr.Corrupt("version %d not above %d of chunk %d", c.Version, newest.Version, newest.ID))
		}
		r.maxID = c.ID
	}
	delete(r.retired, c.ID)
	r.chunks[c.ID] = c
	return nil
}

// Lookup returns the live metadata of chunk id.
func (r *Registry) Lookup(id int) (*Chunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chunks[id]
	return c, ok
}

// IsRetired reports whether id was retired and not yet forgotten.
func (r *Registry) IsRetired(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[id]
	return ok
}

// Retire marks chunk id as no longer referenced by any reachable root.
// Callers guarantee that no live snapshot still points into it.
func (r *Registry) Retire(id int) (*Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[id]
	if !ok {
		return nil, false
	}
	delete(r.chunks, id)
	r.retired[id] = c
	return c, true
}

// Forget drops a retired chunk once its blocks were released.
func (r *Registry) Forget(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retired, id)
}

// All returns the live chunks ordered by id.
func (r *Registry) All() []*Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Chunk, 0, len(r.chunks))
	for _, c := range r.chunks {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Chunk) int { return a.ID - b.ID })
	return out
}

// Len returns the number of live chunks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// MaxID returns the highest chunk id ever registered.
func (r *Registry) MaxID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxID
}

// Newest returns the chunk with the highest id, if it is live.
func (r *Registry) Newest() (*Chunk, bool) {
	return r.Lookup(r.MaxID())
}

// Clear removes every chunk.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.chunks)
	clear(r.retired)
	r.maxID = 0
}
