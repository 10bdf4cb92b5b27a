package mvstore

import (
	"strings"
	"sync"

	"github.com/hupe1980/mvstore/internal/chunk"
)

// VersionUsage keeps a committed version readable. Chunks that version
// needs are not reclaimed and map snapshots of it are not trimmed until
// Release is called.
type VersionUsage struct {
	s       *Store
	version int64
	once    sync.Once
}

// RegisterVersionUsage pins the last committed version.
func (s *Store) RegisterVersionUsage() *VersionUsage {
	v := s.lastCommitted.Load()
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage[v]++
	return &VersionUsage{s: s, version: v}
}

// Version returns the pinned version.
func (u *VersionUsage) Version() int64 { return u.version }

// Release unpins the version. Further calls do nothing.
func (u *VersionUsage) Release() {
	u.once.Do(func() {
		s := u.s
		s.usageMu.Lock()
		defer s.usageMu.Unlock()
		if s.usage[u.version]--; s.usage[u.version] <= 0 {
			delete(s.usage, u.version)
		}
	})
}

// oldestVersionInUse returns the oldest pinned version.
func (s *Store) oldestVersionInUse() (int64, bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	var (
		oldest int64
		found  bool
	)
	for v := range s.usage {
		if !found || v < oldest {
			oldest, found = v, true
		}
	}
	return oldest, found
}

// oldestVersionToKeep returns the oldest version whose map snapshots must
// stay reachable through OpenVersion.
func (s *Store) oldestVersionToKeep() int64 {
	oldest := s.lastCommitted.Load()
	if v, ok := s.oldestVersionInUse(); ok {
		oldest = min(oldest, v)
	}
	return oldest
}

// Rollback discards all changes since the last commit. Maps created since
// then are closed and forgotten.
func (s *Store) Rollback() error {
	if err := s.checkWritable("rollback"); err != nil {
		return err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	version := s.lastCommitted.Load()
	var layoutRoot uint64
	if c, ok := s.chunks.Newest(); ok {
		layoutRoot = c.LayoutRoot
	}
	if err := s.layout.SetRoot(layoutRoot, version); err != nil {
		return err
	}

	var dropped []storeMap
	s.mapsMu.Lock()
	for id, m := range s.maps {
		ok, err := s.layout.ContainsKey(chunk.MapKey(id))
		if err != nil {
			s.mapsMu.Unlock()
			return err
		}
		if !ok {
			delete(s.maps, id)
			dropped = append(dropped, m)
		}
	}
	s.mapsMu.Unlock()
	for _, m := range dropped {
		m.Close()
		s.purgeCachedPages(m.ID())
	}
	if err := s.restoreLastMapID(); err != nil {
		return err
	}

	for _, m := range s.openMaps() {
		if err := m.RollbackTo(version); err != nil {
			return err
		}
	}

	// Removals of rolled back updates must not be accounted. Removals that
	// belonged to committed state are dropped as well; their pages stay
	// allocated until the chunk is compacted.
	s.removedMu.Lock()
	s.removed = nil
	s.removedMu.Unlock()
	s.rc.ReleaseUnsaved(s.unsaved.Swap(0))
	s.logger.Info("rolled back", "version", version)
	return nil
}

// restoreLastMapID recomputes the highest allocated map id from the layout.
func (s *Store) restoreLastMapID() error {
	last := 0
	if c, ok := s.chunks.Newest(); ok {
		last = c.MapID
	}
	prefix := chunk.MapKey(0)[:len("map.")]
	cur := s.layout.Cursor(&prefix)
	for cur.Next() {
		if !strings.HasPrefix(cur.Key(), prefix) {
			break
		}
		id, err := parseHexPos(strings.TrimPrefix(cur.Key(), prefix))
		if err != nil {
			return err
		}
		last = max(last, int(id))
	}
	if err := cur.Err(); err != nil {
		return err
	}
	s.lastMapID = last
	return nil
}
