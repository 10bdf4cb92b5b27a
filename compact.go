package mvstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mvstore/internal/chunk"
	"github.com/hupe1980/mvstore/internal/codec"
	vfs "github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/storeerr"
)

const (
	// compactWriteBytes bounds the live bytes one compaction step rewrites.
	compactWriteBytes = 16 << 20

	tempFileSuffix = ".tempFile"
	newFileSuffix  = ".newFile"
)

// Compact rewrites the live pages of chunks whose fill rate is below
// targetFillRate percent into a new chunk, so the old chunks can be freed.
// At most writeBytes of live data are moved, but always at least one chunk.
// It reports whether anything was rewritten.
func (s *Store) Compact(targetFillRate int, writeBytes int64) (bool, error) {
	if err := s.checkWritable("compact"); err != nil {
		return false, err
	}
	return s.compact(targetFillRate, writeBytes)
}

func (s *Store) compact(target int, writeBytes int64) (bool, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	start := time.Now()
	if _, err := s.commitLocked(); err != nil {
		return false, err
	}
	candidates := s.compactionCandidates(target, writeBytes)
	if len(candidates) == 0 {
		return false, nil
	}

	pages, err := s.rewriteChunks(candidates)
	d := time.Since(start)
	s.logger.LogCompaction(len(candidates), pages, d, err)
	s.opts.metricsCollector.RecordCompaction(len(candidates), pages, d, err)
	if err != nil {
		return false, err
	}
	return pages > 0, nil
}

// compactionCandidates picks live chunks below target, emptiest first, until
// their live bytes exceed writeBytes. The newest chunk is never picked.
func (s *Store) compactionCandidates(target int, writeBytes int64) map[int]*chunk.Chunk {
	newest, ok := s.chunks.Newest()
	if !ok {
		return nil
	}
	var list []*chunk.Chunk
	for _, c := range s.chunks.All() {
		if c.ID != newest.ID && c.IsLive() && c.FillRate() < target {
			list = append(list, c)
		}
	}
	slices.SortFunc(list, func(a, b *chunk.Chunk) int {
		if d := a.FillRate() - b.FillRate(); d != 0 {
			return d
		}
		return a.ID - b.ID
	})

	out := make(map[int]*chunk.Chunk)
	var bytes int64
	for _, c := range list {
		live := c.Size() * int64(c.FillRate()) / 100
		if len(out) > 0 && bytes+live > writeBytes {
			break
		}
		out[c.ID] = c
		bytes += live
	}
	return out
}

// rewriteChunks copies every page stored in candidates. Maps that are not
// open are opened with their registered data types for the duration of the
// rewrite. The caller holds commitMu.
func (s *Store) rewriteChunks(candidates map[int]*chunk.Chunk) (int, error) {
	var bytes int64
	for _, c := range candidates {
		bytes += c.Size() * int64(c.FillRate()) / 100
	}
	if err := s.rc.AcquireIO(context.Background(), int(bytes)); err != nil {
		return 0, err
	}
	pred := func(pos uint64) bool {
		_, ok := candidates[int(codec.PageChunkID(pos))]
		return ok
	}

	targets, erased, err := s.mapsToRewrite()
	if err != nil {
		return 0, err
	}
	defer func() {
		s.mapsMu.Lock()
		for _, m := range erased {
			delete(s.maps, m.ID())
		}
		s.mapsMu.Unlock()
		for _, m := range erased {
			m.Close()
			s.purgeCachedPages(m.ID())
		}
	}()

	counts := make([]int, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, m := range targets {
		g.Go(func() error {
			n, err := m.Rewrite(pred)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	n, err := s.layout.Rewrite(pred)
	if err != nil {
		return 0, err
	}
	for _, c := range counts {
		n += c
	}
	// Erased maps must stay registered until their pages are committed.
	if n > 0 {
		if _, err := s.commitLocked(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// mapsToRewrite returns every map of the store. Maps that are not open are
// opened erased and registered, and returned a second time in erased.
func (s *Store) mapsToRewrite() (all, erased []storeMap, err error) {
	prefix := chunk.NameKey("")
	var names []string
	cur := s.layout.Cursor(&prefix)
	for cur.Next() {
		if !strings.HasPrefix(cur.Key(), prefix) {
			break
		}
		names = append(names, strings.TrimPrefix(cur.Key(), prefix))
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}

	for _, name := range names {
		id, meta, found, err := s.lookupMap(name)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			continue
		}
		s.mapsMu.RLock()
		m := s.maps[id]
		s.mapsMu.RUnlock()
		if m != nil && !m.IsClosed() {
			all = append(all, m)
			continue
		}
		if m != nil {
			s.purgeCachedPages(id)
		}
		em, err := s.openErased(id, meta)
		if errors.Is(err, storeerr.ErrUnknownDataType) {
			s.logger.Warn("skipping map with unregistered data type", "map", name, "error", err)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.mapsMu.Lock()
		s.maps[id] = em
		s.mapsMu.Unlock()
		all = append(all, em)
		erased = append(erased, em)
	}
	return all, erased, nil
}

// CompactFile rewrites the store file fileName into a new file holding only
// the newest version of every map, then replaces the original. Leftovers of
// an interrupted run are cleaned up first. Every data
// type used by the store must be registered. The store must not be open.
func CompactFile(fileName string, optFns ...Option) error {
	o := applyOptions(optFns)
	logger := o.logger.WithPath(fileName)
	temp := fileName + tempFileSuffix
	next := fileName + newFileSuffix

	if err := cleanupCompaction(o.fsys, fileName, logger); err != nil {
		return err
	}
	if err := copyStore(fileName, temp, optFns); err != nil {
		_ = o.fsys.Remove(temp)
		return err
	}

	for _, step := range []struct{ from, to string }{{temp, next}, {"", fileName}, {next, fileName}} {
		var err error
		if step.from == "" {
			err = o.fsys.Remove(step.to)
		} else {
			err = o.fsys.Rename(step.from, step.to)
		}
		if err != nil {
			return &storeerr.Error{Op: "compact file", Path: step.to, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
		}
	}
	logger.Info("file compacted")
	return nil
}

// copyStore copies the newest version of every map of src into a new store dst.
func copyStore(src, dst string, optFns []Option) (err error) {
	srcCfg := DefaultConfig(src)
	srcCfg.ReadOnly = true
	in, err := Open(srcCfg, optFns...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, in.Close()) }()

	dstCfg := DefaultConfig(dst)
	dstCfg.AutoCommitDelay = 0
	out, err := Open(dstCfg, optFns...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()

	names, err := in.MapNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := copyMap(in, out, name); err != nil {
			return fmt.Errorf("copy map %q: %w", name, err)
		}
	}
	_, err = out.Commit()
	return err
}

func copyMap(in, out *Store, name string) error {
	in.commitMu.Lock()
	id, meta, found, err := in.lookupMap(name)
	var src *Map[any, any]
	if err == nil && found {
		src, err = in.openErased(id, meta)
	}
	in.commitMu.Unlock()
	if err != nil || src == nil {
		return err
	}

	dst, err := OpenMap(out, name, src.KeyType(), src.ValueType())
	if err != nil {
		return err
	}
	cur := src.Cursor(nil)
	for cur.Next() {
		if _, _, err := dst.Put(cur.Key(), cur.Value()); err != nil {
			return err
		}
		if out.rc.NeedsCommit() {
			if _, err := out.Commit(); err != nil {
				return err
			}
		}
	}
	return cur.Err()
}

// CleanupCompaction finishes or discards an interrupted CompactFile of
// fileName. Open runs it for writable stores.
func CleanupCompaction(fileName string, optFns ...Option) error {
	o := applyOptions(optFns)
	return cleanupCompaction(o.fsys, fileName, o.logger.WithPath(fileName))
}

func cleanupCompaction(fsys vfs.FileSystem, fileName string, logger *Logger) error {
	temp := fileName + tempFileSuffix
	next := fileName + newFileSuffix
	fail := func(path string, err error) error {
		return &storeerr.Error{Op: "cleanup", Path: path, Pos: -1, ChunkID: storeerr.NoChunk, Err: storeerr.IO(err)}
	}

	tempExists, err := fsys.Exists(temp)
	if err != nil {
		return fail(temp, err)
	}
	if tempExists {
		if err := fsys.Remove(temp); err != nil {
			return fail(temp, err)
		}
		logger.LogCleanup("removed", temp)
	}
	nextExists, err := fsys.Exists(next)
	if err != nil {
		return fail(next, err)
	}
	if !nextExists {
		return nil
	}
	mainExists, err := fsys.Exists(fileName)
	if err != nil {
		return fail(fileName, err)
	}
	if mainExists {
		if err := fsys.Remove(next); err != nil {
			return fail(next, err)
		}
		logger.LogCleanup("removed", next)
		return nil
	}
	if err := fsys.Rename(next, fileName); err != nil {
		return fail(next, err)
	}
	logger.LogCleanup("renamed", next)
	return nil
}
