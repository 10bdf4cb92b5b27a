package mvstore

import (
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/mvstore/internal/chunk"
	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// pageStore is the page storage the maps of a Store read from and report to.
type pageStore Store

// LoadPage returns the page at pos from the cache or reads and decodes it.
// Concurrent loads of the same position share one read.
func (p *pageStore) LoadPage(pos uint64, decode func([]byte) (any, int, error)) (any, error) {
	s := (*Store)(p)
	if v, ok := s.cache.Get(pos); ok {
		return v, nil
	}
	v, err, _ := s.loads.Do(strconv.FormatUint(pos, 16), func() (any, error) {
		if v, ok := s.cache.Peek(pos); ok {
			return v, nil
		}
		start := time.Now()
		page, n, err := s.readPage(pos, decode)
		s.opts.metricsCollector.RecordPageRead(n, time.Since(start), err)
		return page, err
	})
	return v, err
}

func (s *Store) readPage(pos uint64, decode func([]byte) (any, int, error)) (any, int, error) {
	id := int(codec.PageChunkID(pos))
	fail := func(err error) error {
		return &storeerr.Error{Op: "read page", Path: s.path, Pos: int64(pos), ChunkID: id, Err: err}
	}
	c, err := s.chunkOf(id)
	if err != nil {
		return nil, 0, fail(err)
	}
	offset := int64(codec.PageOffset(pos))
	if offset < chunk.HeaderLength {
		return nil, 0, fail(storeerr.Corrupt("page offset %d inside chunk header", offset))
	}
	filePos := c.Start() + offset
	limit := c.FooterPos() - filePos
	if limit <= 0 {
		return nil, 0, fail(storeerr.Corrupt("page offset %d past chunk end", offset))
	}

	length := int64(codec.PageMaxLength(pos))
	if length == codec.PageLarge {
		head, err := s.file.ReadFully(filePos, 4)
		if err != nil {
			return nil, 0, err
		}
		length = int64(binary.BigEndian.Uint32(head))
	}
	data, err := s.file.ReadFully(filePos, int(min(length, limit)))
	if err != nil {
		return nil, 0, err
	}
	page, memory, err := decode(data)
	if err != nil {
		return nil, len(data), err
	}
	s.cache.Put(pos, page, memory)
	return page, len(data), nil
}

// chunkOf returns the metadata of chunk id. While the store loads only the
// newest chunk is known up front; older chunks are registered when a page in
// them is first read. Their layout records are stored in newer chunks, so the
// lookup ends at the newest one.
func (s *Store) chunkOf(id int) (*chunk.Chunk, error) {
	if c, ok := s.chunks.Lookup(id); ok {
		return c, nil
	}
	if !s.loading.Load() || id <= 0 || id >= s.chunks.MaxID() {
		return nil, storeerr.Corrupt("chunk %d not found", id)
	}
	if n := len(s.resolving); n > 0 && id <= s.resolving[n-1] {
		return nil, storeerr.Corrupt("layout record of chunk %d is stored in chunk %d", s.resolving[n-1], id)
	}
	s.resolving = append(s.resolving, id)
	defer func() { s.resolving = s.resolving[:len(s.resolving)-1] }()

	v, ok, err := s.layout.Get(chunk.MetaKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storeerr.Corrupt("chunk %d not found", id)
	}
	c, err := chunk.Parse(v)
	if err != nil {
		return nil, err
	}
	if c.ID != id {
		return nil, storeerr.Corrupt("layout record of chunk %d names chunk %d", id, c.ID)
	}
	if err := s.chunks.Register(c); err != nil {
		return nil, err
	}
	s.file.FreeSpace().MarkUsed(c.Block, c.Len)
	return c, nil
}

// RemovePage records that pos is no longer reachable from the newest root.
// The next commit accounts it in its chunk.
func (p *pageStore) RemovePage(pos uint64) {
	s := (*Store)(p)
	s.removedMu.Lock()
	defer s.removedMu.Unlock()
	s.removed = append(s.removed, removedPage{pos: pos, version: s.currentVersion.Load()})
}

// RegisterUnsavedMemory adds the memory of new pages to the auto-commit budget.
func (p *pageStore) RegisterUnsavedMemory(bytes int) {
	s := (*Store)(p)
	s.unsaved.Add(int64(bytes))
	s.rc.AddUnsaved(int64(bytes))
}

// BeforeWrite rejects writes to closed and read-only stores. While the store
// is closing only the layout map and the final compaction may write.
func (p *pageStore) BeforeWrite(mapID int) error {
	s := (*Store)(p)
	state := s.state.Load()
	if state == stateClosed || (state == stateClosing && mapID != layoutMapID && !s.compacting.Load()) {
		return s.closedError("write map")
	}
	if s.cfg.ReadOnly {
		return &storeerr.Error{Op: "write map", Path: s.path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.ErrReadOnly}
	}
	return nil
}

// CurrentVersion returns the version being built.
func (p *pageStore) CurrentVersion() int64 {
	return (*Store)(p).currentVersion.Load()
}

// VersionLock returns the shared side of the lock a commit takes to advance
// the version.
func (p *pageStore) VersionLock() sync.Locker {
	return (*Store)(p).versionMu.RLocker()
}

// purgeCachedPages drops cached pages of map id, which belong to a map
// instance that is no longer used.
func (s *Store) purgeCachedPages(mapID int) {
	type mapPage interface{ MapID() int }
	for _, cold := range []bool{false, true} {
		for _, key := range s.cache.Keys(cold, false) {
			v, ok := s.cache.Peek(key)
			if !ok {
				continue
			}
			if p, ok := v.(mapPage); ok && p.MapID() == mapID {
				s.cache.Remove(key)
			}
		}
	}
}
