package mvstore

import (
	"github.com/hupe1980/mvstore/internal/cache"
	"github.com/hupe1980/mvstore/internal/filestore"
)

// BlockSize is the allocation unit of the file in bytes.
const BlockSize = filestore.BlockSize

// CacheStats holds page cache counters.
type CacheStats = cache.Stats

// IOStats holds file I/O counters.
type IOStats = filestore.Stats

// Stats is a point-in-time view of a store.
type Stats struct {
	FileName             string
	CurrentVersion       int64
	LastCommittedVersion int64
	Chunks               int
	// ChunkFillRate is the percentage of live page bytes in all chunks.
	ChunkFillRate int
	// FileFillRate is the percentage of used blocks in the file.
	FileFillRate  int
	FileSize      int64
	UnsavedMemory int64
	Maps          int
	Cache         CacheStats
	IO            IOStats
}

// Stats returns the current statistics.
func (s *Store) Stats() Stats {
	s.mapsMu.RLock()
	maps := len(s.maps)
	s.mapsMu.RUnlock()
	return Stats{
		FileName:             s.path,
		CurrentVersion:       s.currentVersion.Load(),
		LastCommittedVersion: s.lastCommitted.Load(),
		Chunks:               s.chunks.Len(),
		ChunkFillRate:        s.chunkFillRate(),
		FileFillRate:         s.file.FreeSpace().FillRate(),
		FileSize:             s.file.Size(),
		UnsavedMemory:        s.unsaved.Load(),
		Maps:                 maps,
		Cache:                s.cache.Stats(),
		IO:                   s.file.Stats(),
	}
}

// chunkFillRate returns the live share of the page bytes of all chunks.
func (s *Store) chunkFillRate() int {
	var live, total int64
	for _, c := range s.chunks.All() {
		live += c.LiveMax
		total += c.Max
	}
	if total == 0 {
		return 100
	}
	return int(live * 100 / total)
}

// ChunkInfo describes one chunk of the file.
type ChunkInfo struct {
	ID        int
	Block     uint64
	Blocks    uint64
	Version   int64
	Pages     int
	LivePages int
	FillRate  int
	// Unused is when the chunk lost its last live page, in milliseconds
	// since the store was created, or 0.
	Unused int64
}

// Chunks describes every chunk of the file ordered by id.
func (s *Store) Chunks() []ChunkInfo {
	all := s.chunks.All()
	out := make([]ChunkInfo, 0, len(all))
	for _, c := range all {
		out = append(out, ChunkInfo{
			ID:        c.ID,
			Block:     c.Block,
			Blocks:    c.Len,
			Version:   int64(c.Version),
			Pages:     c.Pages,
			LivePages: c.LivePages,
			FillRate:  c.FillRate(),
			Unused:    c.Unused,
		})
	}
	return out
}
