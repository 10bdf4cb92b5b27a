package mvstore

import (
	"slices"
	"time"

	"github.com/hupe1980/mvstore/internal/btree"
	"github.com/hupe1980/mvstore/internal/chunk"
	"github.com/hupe1980/mvstore/internal/codec"
	"github.com/hupe1980/mvstore/internal/filestore"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

// initialChunkBuffer is the starting capacity of a chunk write buffer.
const initialChunkBuffer = 64 * 1024

// Commit writes all changes since the last commit into a new chunk and
// returns the committed version. Without changes it returns the last
// committed version and writes nothing.
//
// A failed commit closes the store. The file keeps the previous version.
func (s *Store) Commit() (int64, error) {
	if err := s.checkWritable("commit"); err != nil {
		return 0, err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.commitLocked()
}

// HasUnsavedChanges reports whether a commit would write a chunk.
func (s *Store) HasUnsavedChanges() bool {
	if s.layout.HasUnsavedChanges() {
		return true
	}
	for _, m := range s.openMaps() {
		if m.HasUnsavedChanges() {
			return true
		}
	}
	return false
}

// openMaps returns the registered maps ordered by id.
func (s *Store) openMaps() []storeMap {
	s.mapsMu.RLock()
	defer s.mapsMu.RUnlock()
	out := make([]storeMap, 0, len(s.maps))
	for _, m := range s.maps {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b storeMap) int { return a.ID() - b.ID() })
	return out
}

func (s *Store) commitLocked() (int64, error) {
	if s.state.Load() == stateClosed {
		return 0, s.closedError("commit")
	}
	if !s.HasUnsavedChanges() {
		return s.lastCommitted.Load(), nil
	}

	start := time.Now()
	s.versionMu.Lock()
	version := s.currentVersion.Add(1) - 1
	s.versionMu.Unlock()
	s.rc.ReleaseUnsaved(s.unsaved.Swap(0))

	c, freed, err := s.writeChunk(version)
	d := time.Since(start)
	if err != nil {
		id := s.chunks.MaxID() + 1
		s.logger.LogCommit(version, id, 0, 0, d, err)
		s.opts.metricsCollector.RecordCommit(0, 0, d, err)
		s.fail(err)
		return 0, err
	}

	s.lastCommitted.Store(version)
	oldest := s.oldestVersionToKeep()
	s.layout.TrimVersions(oldest)
	for _, m := range s.openMaps() {
		m.TrimVersions(oldest)
	}

	s.logger.LogCommit(version, c.ID, c.Size(), c.Pages, d, nil)
	s.opts.metricsCollector.RecordCommit(c.Size(), c.Pages, d, nil)
	if len(freed) > 0 {
		ids := make([]int, 0, len(freed))
		var bytes int64
		for _, f := range freed {
			ids = append(ids, f.ID)
			bytes += f.Size()
		}
		s.logger.LogRetire(ids)
		s.opts.metricsCollector.RecordChunksFreed(len(freed), bytes)
	}
	return version, nil
}

// writeChunk serializes every changed map and the layout into a new chunk,
// makes it durable and points the store header at it. It returns the chunk
// and the retired chunks whose blocks were released.
func (s *Store) writeChunk(version int64) (*chunk.Chunk, []*chunk.Chunk, error) {
	id := s.chunks.MaxID() + 1
	if id > codec.MaxChunkID {
		return nil, nil, storeerr.InChunk("commit", id, storeerr.Corrupt("chunk ids exhausted"))
	}
	now := s.now()
	prev, _ := s.chunks.Newest()

	buf := codec.NewWriteBuffer(initialChunkBuffer)
	buf.Fill(chunk.HeaderLength, ' ')
	w := btree.NewPageWriter(buf, uint32(id), s.cfg.Compression)

	for _, m := range s.openMaps() {
		if !m.HasUnsavedChanges() {
			continue
		}
		pos, err := m.WriteUnsaved(w)
		if err != nil {
			return nil, nil, err
		}
		if _, _, err := s.layout.Put(chunk.RootKey(m.ID()), hexPos(pos)); err != nil {
			return nil, nil, err
		}
	}

	modified := s.applyRemovals(version, now)
	retired, err := s.retireChunks(version, now, modified)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int, 0, len(modified)+len(s.dirty))
	for cid := range modified {
		ids = append(ids, cid)
	}
	for cid := range s.dirty {
		if _, ok := modified[cid]; !ok {
			ids = append(ids, cid)
		}
	}
	slices.Sort(ids)
	for _, cid := range ids {
		mc, ok := modified[cid]
		if !ok {
			if mc, ok = s.chunks.Lookup(cid); !ok {
				continue
			}
		}
		if _, _, err := s.layout.Put(chunk.MetaKey(cid), mc.String()); err != nil {
			return nil, nil, err
		}
	}

	layoutPos, err := s.layout.WriteUnsaved(w)
	if err != nil {
		return nil, nil, err
	}

	c := &chunk.Chunk{
		ID:         id,
		Version:    uint64(version),
		LayoutRoot: layoutPos,
		MapID:      s.lastMapID,
		Pages:      w.Pages(),
		LivePages:  w.Pages(),
		Max:        w.MaxLength(),
		LiveMax:    w.MaxLength(),
		Time:       now,
	}
	for _, pos := range w.Removed() {
		if err := c.RemovePage(pos); err != nil {
			return nil, nil, err
		}
	}

	blocks := uint64(buf.Len()+chunk.FooterLength+filestore.BlockSize-1) / filestore.BlockSize
	buf.Fill(int(blocks*filestore.BlockSize)-chunk.FooterLength-buf.Len(), 0)
	var preferred uint64
	if prev != nil {
		preferred = prev.Next
	}
	free := s.file.FreeSpace()
	c.Block = free.Allocate(blocks, preferred)
	c.Len = blocks
	c.Next = free.Predict(blocks)
	copy(buf.Bytes()[:chunk.HeaderLength], c.Header())
	buf.Put(c.Footer())

	if err := s.file.WriteFully(c.Start(), buf.Bytes()); err != nil {
		free.Free(c.Block, c.Len)
		return nil, nil, err
	}
	header := chunk.StoreHeader{
		Chunk:   id,
		Block:   c.Block,
		Version: uint64(version),
		Created: s.created,
		Format:  chunk.FormatWrite,
	}
	slot := 1 - s.headerSlot
	if err := s.file.WriteFully(int64(slot)*filestore.BlockSize, header.Bytes()); err != nil {
		return nil, nil, err
	}
	if err := s.file.Sync(); err != nil {
		return nil, nil, err
	}
	s.headerSlot = slot

	// The chunk is durable; publish it.
	for _, mc := range modified {
		if err := s.chunks.Register(mc); err != nil {
			return nil, nil, err
		}
	}
	if err := s.chunks.Register(c); err != nil {
		return nil, nil, err
	}
	clear(s.dirty)
	s.dirty[c.ID] = true
	for _, wp := range w.Written() {
		s.cache.Put(wp.Pos, wp.Page, wp.Memory)
	}
	w.Finish()

	// Blocks retired by the previous commit are reused only now that no
	// valid header references a layout that lists them.
	s.freeRetired()
	for _, r := range retired {
		s.chunks.Retire(r.ID)
	}
	s.retired = retired
	return c, retired, nil
}

// freeRetired releases the blocks of chunks retired by the last commit. Until
// then the registry lists them as retired.
func (s *Store) freeRetired() {
	free := s.file.FreeSpace()
	for _, r := range s.retired {
		free.Free(r.Block, r.Len)
		s.chunks.Forget(r.ID)
	}
	s.retired = nil
}

// applyRemovals accounts the pages removed up to version in copies of their
// chunks. The copies replace the registered chunks once the commit is durable.
func (s *Store) applyRemovals(version, now int64) map[int]*chunk.Chunk {
	s.removedMu.Lock()
	var apply []removedPage
	keep := s.removed[:0:0]
	for _, r := range s.removed {
		if r.version <= version {
			apply = append(apply, r)
		} else {
			keep = append(keep, r)
		}
	}
	s.removed = keep
	s.removedMu.Unlock()

	modified := make(map[int]*chunk.Chunk)
	for _, r := range apply {
		id := int(codec.PageChunkID(r.pos))
		c, ok := modified[id]
		if !ok {
			orig, found := s.chunks.Lookup(id)
			if !found {
				s.logger.Warn("removed page of unknown chunk", "chunk", id, "pos", hexPos(r.pos))
				continue
			}
			c = orig.Clone()
			modified[id] = c
		}
		if err := c.RemovePage(r.pos); err != nil {
			s.logger.Warn("page accounting", "error", err)
			continue
		}
		if !c.IsLive() && c.Unused == 0 {
			c.Unused = max(now, 1)
			c.UnusedAtVersion = uint64(version)
		}
	}
	return modified
}

// retireChunks removes unused chunks from the layout once they are older
// than the retention time and no registered reader needs them. Their blocks
// are freed after the commit is durable.
func (s *Store) retireChunks(version, now int64, modified map[int]*chunk.Chunk) ([]*chunk.Chunk, error) {
	oldest := version
	if v, ok := s.oldestVersionInUse(); ok {
		oldest = min(oldest, v)
	}
	retention := s.cfg.RetentionTime.Milliseconds()
	var retired []*chunk.Chunk
	for _, c := range s.chunks.All() {
		if mc, ok := modified[c.ID]; ok {
			c = mc
		}
		if c.IsLive() || c.Unused == 0 {
			continue
		}
		if (retention > 0 && now-c.Unused < retention) || int64(c.UnusedAtVersion) > oldest {
			continue
		}
		if _, _, err := s.layout.Remove(chunk.MetaKey(c.ID)); err != nil {
			return nil, err
		}
		delete(modified, c.ID)
		delete(s.dirty, c.ID)
		retired = append(retired, c)
	}
	return retired, nil
}
